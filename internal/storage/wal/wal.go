package wal

// ============================================================================
// WAL Core
// Responsibilities:
// 1. Append events to the log file (append-only, one write per record)
// 2. Replay events to rebuild state after a restart
// 3. Rotate the log after a snapshot, keeping sequence numbers monotonic
// 4. Repair a torn final record left by a crash
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/nearline-mover/pkg/types"
)

// FileInterface defines the file operations the WAL needs.
// This allows file operations to be replaced in tests.
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Options configures a WAL.
type Options struct {
	// SyncOnAppend fsyncs after every record. Durable journals set it.
	SyncOnAppend bool
	// StartSeq is a floor for the next sequence number. A log that was
	// rotated after a snapshot is empty, so the snapshot's sequence is
	// passed in here.
	StartSeq uint64
	// CompressRotated stores rotated segments zstd-compressed.
	CompressRotated bool
	// KeepSegments bounds the rotated segments kept on disk; 0 keeps all.
	KeepSegments int
}

// WAL is an append-only event log.
type WAL struct {
	mu     sync.Mutex
	file   FileInterface
	path   string
	seq    uint64
	opts   Options
	closed bool
}

// ============================================================================
// Public Interface
// ============================================================================

// Open creates or opens the log at path. Existing records are scanned to
// continue the sequence; a torn final record is truncated away.
func Open(path string, opts Options) (*WAL, error) {
	res, err := scanFile(path, nil)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("wal: scan %s: %w", path, err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if res.torn {
		if err := file.Truncate(res.validEnd); err != nil {
			file.Close()
			return nil, fmt.Errorf("wal: truncate torn record: %w", err)
		}
	}

	return &WAL{
		file: file,
		path: path,
		seq:  max(res.lastSeq, opts.StartSeq),
		opts: opts,
	}, nil
}

// Append writes one event and returns it with its sequence number and
// checksum filled in.
func (w *WAL) Append(eventType EventType, id types.TransferID, desc types.Descriptor) (Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return Event{}, ErrWALClosed
	}

	event := Event{
		Seq:        w.seq + 1,
		Type:       eventType,
		ID:         id,
		Descriptor: desc,
		Timestamp:  time.Now().UnixMilli(),
	}
	event.Checksum = CalculateChecksum(event)

	line, err := json.Marshal(event)
	if err != nil {
		return Event{}, err
	}
	line = append(line, '\n')

	// A record must reach the file in one write so a crash can only leave
	// a torn tail, never an interleaved record.
	if _, err := w.file.Write(line); err != nil {
		return Event{}, fmt.Errorf("wal: append seq=%d: %w", event.Seq, err)
	}
	if w.opts.SyncOnAppend {
		if err := w.file.Sync(); err != nil {
			return Event{}, fmt.Errorf("wal: sync seq=%d: %w", event.Seq, err)
		}
	}
	w.seq = event.Seq
	return event, nil
}

// Replay calls handler for every event in the current log, in order.
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	_, err := scanFile(w.path, handler)
	return err
}

// Rotate moves the current log aside and starts an empty one. Sequence
// numbers continue. The returned path names the rotated segment.
func (w *WAL) Rotate() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return "", ErrWALClosed
	}
	if err := w.file.Sync(); err != nil {
		return "", err
	}
	if err := w.file.Close(); err != nil {
		return "", err
	}

	segment := fmt.Sprintf("%s.%020d", w.path, w.seq)
	if err := os.Rename(w.path, segment); err != nil {
		return "", err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		w.closed = true
		return "", err
	}
	w.file = newFile

	if w.opts.CompressRotated {
		compressed, err := compressSegment(segment)
		if err != nil {
			return segment, fmt.Errorf("wal: compress %s: %w", segment, err)
		}
		segment = compressed
	}
	if w.opts.KeepSegments > 0 {
		if err := pruneSegments(w.path, w.opts.KeepSegments); err != nil {
			return segment, err
		}
	}
	return segment, nil
}

// Close syncs and closes the log. A closed WAL cannot be reused.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// LastSeq returns the sequence number of the last appended event.
//
// Snapshots record it so recovery knows where replay starts.
func (w *WAL) LastSeq() uint64 {
	if w == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path returns the active log file.
func (w *WAL) Path() string {
	return w.path
}
