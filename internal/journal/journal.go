// Package journal records submitted transfers so that work left behind by a
// crash can be reconciled with the archive back end on the next start.
//
// The scheduler calls Put on submission and Remove on completion or
// cancellation, and runs Cleanup before it accepts new work. The network
// pipeline never touches the journal.
package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ChuLiYu/nearline-mover/pkg/types"
)

// ErrClosed is returned by operations on a closed journal.
var ErrClosed = errors.New("journal: closed")

// Entry is one recorded submission.
type Entry struct {
	ID         types.TransferID `json:"id"`
	Descriptor types.Descriptor `json:"descriptor"`
}

// KeepFunc decides during cleanup whether an entry stays in the journal
// untouched. Entries it rejects are reconciled with the back end.
type KeepFunc func(id types.TransferID, desc types.Descriptor) bool

// Backend is the archive back end's authoritative view of requests.
type Backend interface {
	// Live reports whether the back end still holds a request for id.
	Live(ctx context.Context, id types.TransferID, desc types.Descriptor) (bool, error)
	// Cancel withdraws the request for id.
	Cancel(ctx context.Context, id types.TransferID, desc types.Descriptor) error
}

// Journal is the cleanup journal. Durable implementations make every Put
// and Remove a single crash-atomic record: after a crash an entry may be
// duplicated but is never lost.
type Journal interface {
	Put(ctx context.Context, id types.TransferID, desc types.Descriptor) error
	Remove(ctx context.Context, id types.TransferID) error
	// Cleanup reconciles every entry with b and returns how many were
	// dropped.
	Cleanup(ctx context.Context, b Backend) (int, error)
	// CleanupFunc is Cleanup restricted to the entries keep rejects.
	CleanupFunc(ctx context.Context, b Backend, keep KeepFunc) (int, error)
	Close() error
}

// Lister is implemented by journals that can enumerate their entries.
type Lister interface {
	Entries(ctx context.Context) ([]Entry, error)
}

// Error is a durability failure. It is always returned to the caller.
type Error struct {
	Op  string
	ID  types.TransferID
	Err error
}

func (e *Error) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("journal: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("journal: %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// reconcile runs cleanup over entries. An entry that is still live in the
// back end is cancelled first; once the back end no longer holds it, drop
// removes it from the journal. Failures leave the entry in place and are
// joined into the returned error.
func reconcile(ctx context.Context, log *slog.Logger, entries []Entry, b Backend, keep KeepFunc,
	drop func(context.Context, types.TransferID) error) (int, error) {
	sortEntries(entries)

	var errs []error
	dropped := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if keep != nil && keep(e.ID, e.Descriptor) {
			continue
		}

		live, err := b.Live(ctx, e.ID, e.Descriptor)
		if err != nil {
			errs = append(errs, &Error{Op: "cleanup", ID: e.ID, Err: err})
			continue
		}
		if live {
			if err := b.Cancel(ctx, e.ID, e.Descriptor); err != nil {
				errs = append(errs, &Error{Op: "cleanup", ID: e.ID, Err: err})
				continue
			}
			log.Info("cancelled orphaned request", "transfer_id", e.ID, "mode", e.Descriptor.Mode)
		}
		if err := drop(ctx, e.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		dropped++
	}
	return dropped, errors.Join(errs...)
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
}

// LogBackend is a Backend that knows of no live requests. Cleanup against it
// drops every entry and logs what was dropped; use it when the archive back
// end reconciles on its own.
type LogBackend struct {
	Logger *slog.Logger
}

// Live always reports false.
func (b LogBackend) Live(_ context.Context, id types.TransferID, desc types.Descriptor) (bool, error) {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("dropping journal entry", "transfer_id", id, "mode", desc.Mode, "location", desc.Location)
	return false, nil
}

// Cancel is never called because nothing is live.
func (LogBackend) Cancel(context.Context, types.TransferID, types.Descriptor) error {
	return nil
}

// Nop is the journal used when durability is not required.
type Nop struct{}

func (Nop) Put(context.Context, types.TransferID, types.Descriptor) error { return nil }
func (Nop) Remove(context.Context, types.TransferID) error { return nil }
func (Nop) Cleanup(context.Context, Backend) (int, error) { return 0, nil }
func (Nop) CleanupFunc(context.Context, Backend, KeepFunc) (int, error) { return 0, nil }
func (Nop) Close() error { return nil }
func (Nop) Entries(context.Context) ([]Entry, error) { return nil, nil }
