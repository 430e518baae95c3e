package types

import (
	"encoding/json"
	"time"
)

// EventType tags the kind of domain change a SyncEvent carries
type EventType string

// Event types replicated between registers
const (
	EventOrderCreated     EventType = "order.created"
	EventOrderUpdated     EventType = "order.updated"
	EventOrderPaid        EventType = "order.paid"
	EventInventoryUpdated EventType = "inventory.updated"
	EventProductUpdated   EventType = "product.updated"
	EventShiftOpened      EventType = "shift.opened"
	EventShiftClosed      EventType = "shift.closed"
	EventUserUpdated      EventType = "user.updated"
	EventReturnCreated    EventType = "return.created"
	EventConfigUpdated    EventType = "config.updated"
)

// SyncEvent is one entry of the append-only event log. Timestamp is epoch milliseconds.
type SyncEvent struct {
	ID           string          `json:"id"`
	Type         EventType       `json:"type"`
	RegisterID   string          `json:"registerId"`
	RegisterName string          `json:"registerName,omitempty"`
	EntityID     string          `json:"entityId,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Timestamp    int64           `json:"timestamp"`
}

// UnixMilli converts a time to the event timestamp representation
func UnixMilli(t time.Time) int64 {
	return t.UnixMilli()
}
