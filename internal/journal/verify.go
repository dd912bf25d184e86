package journal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ChuLiYu/nearline-mover/internal/storage/wal"
)

// Report summarises an offline check of a file journal.
type Report struct {
	Dir      string
	Segments int    // rotated segments checked
	Archived int    // records in rotated segments
	Records  int    // records in the live log
	LastSeq  uint64 // last intact sequence number of the live log
}

// Verify checks the file journal in dir without opening it for writing.
// Every rotated segment and the live log must decode with valid checksums
// and increasing sequence numbers. A torn final record is reported even
// though OpenFile would truncate it.
func Verify(dir string) (*Report, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, &Error{Op: "verify", Err: err}
	}
	path := filepath.Join(dir, walFile)
	rep := &Report{Dir: dir}

	segments, err := wal.Segments(path)
	if err != nil {
		return nil, &Error{Op: "verify", Err: err}
	}
	for _, seg := range segments {
		err := wal.ReadSegment(seg, func(wal.Event) error {
			rep.Archived++
			return nil
		})
		if err != nil {
			return rep, &Error{Op: "verify", Err: fmt.Errorf("segment %s: %w", filepath.Base(seg), err)}
		}
		rep.Segments++
	}

	if err := wal.ValidateWAL(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return rep, nil
		}
		return rep, &Error{Op: "verify", Err: fmt.Errorf("%s: %w", walFile, err)}
	}
	if rep.Records, err = wal.CountEvents(path); err != nil {
		return rep, &Error{Op: "verify", Err: err}
	}
	last, err := wal.GetLastEvent(path)
	switch {
	case errors.Is(err, wal.ErrEmptyWAL):
	case err != nil:
		return rep, &Error{Op: "verify", Err: err}
	default:
		rep.LastSeq = last.Seq
	}
	return rep, nil
}
