package delivery

import "fmt"

// ErrSlotNotFound indicates no outbound subscription occupies the slot.
type ErrSlotNotFound struct {
	SlotKey string
}

func (e *ErrSlotNotFound) Error() string {
	return fmt.Sprintf("outbound slot '%s' not found", e.SlotKey)
}
