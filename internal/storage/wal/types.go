package wal

import "github.com/ChuLiYu/nearline-mover/pkg/types"

// ============================================================================
// WAL Type Definitions
// Responsibility: Define the records of the cleanup journal log
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventPut    EventType = "PUT"    // Transfer submitted, descriptor recorded
	EventRemove EventType = "REMOVE" // Transfer finished or cancelled
)

// Event represents a WAL event record. One event is one line in the log
// and is written with a single write call.
type Event struct {
	Seq        uint64           `json:"seq"`                 // Monotonically increasing, survives rotation
	Type       EventType        `json:"type"`                // Event type
	ID         types.TransferID `json:"id"`                  // Transfer the event is about
	Descriptor types.Descriptor `json:"descriptor,omitzero"` // Set for PUT only
	Timestamp  int64            `json:"timestamp"`           // Unix millisecond timestamp
	Checksum   uint32           `json:"checksum"`            // CRC32 of the other fields
}

// EventHandler is the function type for processing WAL events.
// Returning an error aborts the replay.
type EventHandler func(event Event) error
