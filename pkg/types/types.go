// Package types holds the domain model shared by the mover, the scheduler
// and the cleanup journal.
package types

import (
	"time"
)

// TransferID correlates a scheduler work item with a network transfer.
type TransferID string

// Mode says which side moves the bytes.
type Mode string

const (
	ModeArchive  Mode = "archive"  // remote peer reads the data from us
	ModeRetrieve Mode = "retrieve" // remote peer writes the data to us
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeArchive || m == ModeRetrieve
}

// State is the lifecycle of one transfer operation on a connection.
//
//	Received -> Resolved -> Streaming -> Completed | Failed
//	Received -> Rejected
type State string

const (
	StateReceived  State = "received"
	StateResolved  State = "resolved"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateRejected  State = "rejected"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateRejected:
		return true
	}
	return false
}

// Descriptor is what the scheduler records about a submitted transfer.
type Descriptor struct {
	Mode        Mode              `json:"mode"`
	Location    string            `json:"location"`           // object key or URL of the data
	Size        int64             `json:"size"`               // expected bytes, -1 when unknown
	SubmittedAt int64             `json:"submitted_at"`       // Unix milliseconds
	Metadata    map[string]string `json:"metadata,omitempty"` // opaque backend attributes
}

// Result is reported through a work item's completion mechanism.
type Result struct {
	ID       TransferID    `json:"id"`
	Bytes    int64         `json:"bytes"`
	Checksum string        `json:"checksum,omitempty"` // adler32, hex
	Duration time.Duration `json:"duration"`
}
