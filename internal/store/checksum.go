package store

import (
	"encoding/hex"

	"github.com/cespare/xxhash/v2"

	"github.com/transitlabs/sirihub/models"
)

// fieldSeparator keeps adjacent fields from colliding ("ab","c" vs "a","bc").
const fieldSeparator = 0x1F

// Checksum hashes the semantically significant fields of a domain object.
// Volatile fields (recorded-at timestamps) are excluded by the payload types
// themselves, so a re-delivery of unchanged data hashes identically.
func Checksum(obj models.DomainObject) string {
	h := xxhash.New()
	for _, field := range obj.SignificantFields() {
		_, _ = h.WriteString(field)
		_, _ = h.Write([]byte{fieldSeparator})
	}
	return hex.EncodeToString(h.Sum(nil))
}
