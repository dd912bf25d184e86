package journal

import (
	"context"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/nearline-mover/internal/snapshot"
	"github.com/ChuLiYu/nearline-mover/internal/storage/wal"
	"github.com/ChuLiYu/nearline-mover/pkg/types"
)

const (
	walFile      = "journal.wal"
	snapshotFile = "journal.snapshot"

	// DefaultCompactEvery is the number of records after which the log is
	// folded into a snapshot.
	DefaultCompactEvery = 1024
)

// FileOptions configures a File journal.
type FileOptions struct {
	CompactEvery int
	KeepSegments int
	Logger       *slog.Logger
}

// File is a durable journal kept in a directory: an fsynced append-only
// log of PUT and REMOVE records plus a periodic snapshot of the live set.
type File struct {
	mu           sync.Mutex
	dir          string
	wal          *wal.WAL
	snap         *snapshot.Manager
	entries      map[types.TransferID]types.Descriptor
	compactEvery int
	sinceCompact int
	log          *slog.Logger
	closed       bool
}

// OpenFile opens or creates the journal in dir and rebuilds the live set
// from the snapshot and the log records written after it.
func OpenFile(dir string, opts FileOptions) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &Error{Op: "open", Err: err}
	}
	if opts.CompactEvery <= 0 {
		opts.CompactEvery = DefaultCompactEvery
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	snap := snapshot.NewManager(filepath.Join(dir, snapshotFile))
	data, err := snap.Load()
	if err != nil {
		return nil, &Error{Op: "open", Err: err}
	}

	w, err := wal.Open(filepath.Join(dir, walFile), wal.Options{
		SyncOnAppend:    true,
		StartSeq:        data.LastSeq,
		CompressRotated: true,
		KeepSegments:    opts.KeepSegments,
	})
	if err != nil {
		return nil, &Error{Op: "open", Err: err}
	}

	f := &File{
		dir:          dir,
		wal:          w,
		snap:         snap,
		entries:      data.Entries,
		compactEvery: opts.CompactEvery,
		log:          opts.Logger.With("component", "journal", "dir", dir),
	}

	replayed := 0
	err = w.Replay(func(e wal.Event) error {
		// Records already folded into the snapshot survive a crash between
		// snapshot write and rotation.
		if e.Seq <= data.LastSeq {
			return nil
		}
		f.apply(e)
		replayed++
		return nil
	})
	if err != nil {
		w.Close()
		return nil, &Error{Op: "replay", Err: err}
	}
	f.sinceCompact = replayed

	f.log.Info("journal opened", "entries", len(f.entries), "replayed", replayed, "last_seq", w.LastSeq())
	return f, nil
}

func (f *File) apply(e wal.Event) {
	switch e.Type {
	case wal.EventPut:
		f.entries[e.ID] = e.Descriptor
	case wal.EventRemove:
		delete(f.entries, e.ID)
	}
}

// Put records a submission. Recording the same id again replaces the
// descriptor.
func (f *File) Put(_ context.Context, id types.TransferID, desc types.Descriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appendLocked(wal.EventPut, id, desc)
}

// Remove records a completion. Unknown ids are ignored.
func (f *File) Remove(_ context.Context, id types.TransferID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return &Error{Op: "remove", ID: id, Err: ErrClosed}
	}
	if _, ok := f.entries[id]; !ok {
		return nil
	}
	return f.appendLocked(wal.EventRemove, id, types.Descriptor{})
}

func (f *File) appendLocked(typ wal.EventType, id types.TransferID, desc types.Descriptor) error {
	op := "put"
	if typ == wal.EventRemove {
		op = "remove"
	}
	if f.closed {
		return &Error{Op: op, ID: id, Err: ErrClosed}
	}

	e, err := f.wal.Append(typ, id, desc)
	if err != nil {
		return &Error{Op: op, ID: id, Err: err}
	}
	f.apply(e)

	f.sinceCompact++
	if f.sinceCompact >= f.compactEvery {
		if err := f.compactLocked(); err != nil {
			// The record itself is durable; a failed compaction only leaves
			// a longer log.
			f.log.Warn("journal compaction failed", "error", err)
		}
	}
	return nil
}

// Compact writes a snapshot of the live set and starts a new log.
func (f *File) Compact() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return &Error{Op: "compact", Err: ErrClosed}
	}
	return f.compactLocked()
}

func (f *File) compactLocked() error {
	data := snapshot.Data{
		Entries: maps.Clone(f.entries),
		LastSeq: f.wal.LastSeq(),
	}
	if err := f.snap.Write(data); err != nil {
		return &Error{Op: "compact", Err: err}
	}
	segment, err := f.wal.Rotate()
	if err != nil {
		return &Error{Op: "compact", Err: err}
	}
	f.sinceCompact = 0
	f.log.Debug("journal compacted", "entries", len(data.Entries), "last_seq", data.LastSeq, "segment", segment)
	return nil
}

// Entries returns the live set ordered by id.
func (f *File) Entries(context.Context) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, &Error{Op: "list", Err: ErrClosed}
	}
	return sortedEntries(f.entries), nil
}

// Cleanup reconciles every entry with b.
func (f *File) Cleanup(ctx context.Context, b Backend) (int, error) {
	return f.CleanupFunc(ctx, b, nil)
}

// CleanupFunc reconciles the entries keep rejects with b.
func (f *File) CleanupFunc(ctx context.Context, b Backend, keep KeepFunc) (int, error) {
	entries, err := f.Entries(ctx)
	if err != nil {
		return 0, err
	}
	n, err := reconcile(ctx, f.log, entries, b, keep, f.Remove)
	if n > 0 {
		if cerr := f.Compact(); cerr != nil {
			f.log.Warn("journal compaction failed", "error", cerr)
		}
	}
	return n, err
}

// Close syncs and closes the log.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if err := f.wal.Close(); err != nil {
		return &Error{Op: "close", Err: err}
	}
	return nil
}

// Dir returns the journal directory.
func (f *File) Dir() string {
	return f.dir
}

func sortedEntries(m map[types.TransferID]types.Descriptor) []Entry {
	out := make([]Entry, 0, len(m))
	for id, desc := range m {
		out = append(out, Entry{ID: id, Descriptor: desc})
	}
	sortEntries(out)
	return out
}
