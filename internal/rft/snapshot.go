package rft

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/raft"

	"github.com/transitlabs/sirihub/internal/keyed"
)

// snapshotEntry is one key in a persisted snapshot. A zero ExpiresAt means
// the key carries no ttl.
type snapshotEntry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

type tableSnapshot struct {
	table map[string]keyed.DumpEntry
}

func (t *tableSnapshot) Persist(sink raft.SnapshotSink) error {
	encoder := json.NewEncoder(sink)

	for key, entry := range t.table {
		se := snapshotEntry{
			Key:       key,
			Value:     entry.Value,
			ExpiresAt: entry.ExpiresAt,
		}
		if err := encoder.Encode(se); err != nil {
			sink.Cancel()
			return fmt.Errorf("failed to encode snapshot entry for key '%s': %w", key, err)
		}
	}

	if err := sink.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot sink: %w", err)
	}
	return nil
}

func (t *tableSnapshot) Release() {}
