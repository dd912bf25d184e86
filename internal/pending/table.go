// Package pending holds the table of in-flight work items shared between
// the scheduler and the connections that fulfil them.
package pending

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"

	"github.com/ChuLiYu/nearline-mover/pkg/types"
)

var (
	// ErrNotFound is returned for identifiers not in the table.
	ErrNotFound = errors.New("pending: transfer not found")
	// ErrDuplicate is returned when inserting an identifier already present.
	ErrDuplicate = errors.New("pending: transfer already registered")
	// ErrClaimed is returned when another connection already serves the item.
	ErrClaimed = errors.New("pending: transfer claimed by another connection")
)

// Source is the data an archive transfer sends to the peer.
type Source interface {
	io.ReaderAt
	io.Closer
}

// Sink receives the data of a retrieve transfer. Close commits the data,
// Abort discards it.
type Sink interface {
	io.Writer
	Close() error
	Abort() error
}

// Item is one scheduler-owned work item. Connections only read it and
// signal its outcome; exactly one of Completed or Failed is called at most
// once per claim that reaches the end of a transfer.
type Item interface {
	ID() types.TransferID
	Mode() types.Mode
	// Size is the expected byte count, -1 when unknown.
	Size() int64
	OpenSource(ctx context.Context) (Source, error)
	OpenSink(ctx context.Context) (Sink, error)
	Completed(res types.Result)
	Failed(err error)
}

type entry struct {
	item  Item
	owner string
}

// Table maps transfer identifiers to items. All operations are atomic per
// key.
type Table struct {
	mu      sync.Mutex
	entries map[types.TransferID]*entry
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{entries: make(map[types.TransferID]*entry)}
}

// Put registers item. An identifier can only be registered once at a time.
func (t *Table) Put(item Item) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[item.ID()]; ok {
		return ErrDuplicate
	}
	t.entries[item.ID()] = &entry{item: item}
	return nil
}

// Get returns the item registered under id.
func (t *Table) Get(id types.TransferID) (Item, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	return e.item, true
}

// Claim looks up id and reserves it for owner, so no two connections drive
// the same item. Claiming again with the same owner succeeds.
func (t *Table) Claim(id types.TransferID, owner string) (Item, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	if e.owner != "" && e.owner != owner {
		return nil, ErrClaimed
	}
	e.owner = owner
	return e.item, nil
}

// Release drops owner's claim on id. Releasing a claim held by someone else
// or an unknown id is a no-op.
func (t *Table) Release(id types.TransferID, owner string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok && e.owner == owner {
		e.owner = ""
	}
}

// Remove deletes id and returns the removed item. Only the scheduler
// removes entries.
func (t *Table) Remove(id types.TransferID) (Item, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	delete(t.entries, id)
	return e.item, true
}

// Owner returns the connection currently holding id, or "".
func (t *Table) Owner(id types.TransferID) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		return e.owner
	}
	return ""
}

// Len returns the number of registered items.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// IDs returns the registered identifiers in sorted order.
func (t *Table) IDs() []types.TransferID {
	t.mu.Lock()
	ids := make([]types.TransferID, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
