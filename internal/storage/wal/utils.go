package wal

// ============================================================================
// WAL Utilities
// Responsibility: Read-side helpers shared by Open, Replay and tooling
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// scanResult describes how far a log could be read.
type scanResult struct {
	lastSeq  uint64
	count    int
	validEnd int64 // offset just after the last good record
	torn     bool  // the final record was incomplete or unreadable
}

// scan reads every record of r in order and calls fn for each. A bad final
// record is a torn write from a crash and ends the scan with torn set; a
// bad record followed by more data is a *CorruptionError.
func scan(r io.Reader, fn EventHandler) (scanResult, error) {
	var res scanResult
	br := bufio.NewReader(r)
	var offset int64

	for {
		line, readErr := br.ReadBytes('\n')
		if len(line) == 0 && errors.Is(readErr, io.EOF) {
			return res, nil
		}
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return res, readErr
		}

		event, err := decodeLine(line, readErr == nil)
		if err == nil && res.count > 0 && event.Seq <= res.lastSeq {
			err = fmt.Errorf("%w: seq %d after %d", ErrSequence, event.Seq, res.lastSeq)
		}
		if err != nil {
			if _, peekErr := br.Peek(1); errors.Is(peekErr, io.EOF) {
				res.torn = true
				return res, nil
			}
			return res, &CorruptionError{Seq: res.lastSeq, Offset: offset, Cause: err}
		}

		if fn != nil {
			if err := fn(event); err != nil {
				return res, err
			}
		}
		offset += int64(len(line))
		res.validEnd = offset
		res.lastSeq = event.Seq
		res.count++

		if readErr != nil {
			return res, nil
		}
	}
}

func decodeLine(line []byte, terminated bool) (Event, error) {
	var event Event
	if !terminated {
		return event, io.ErrUnexpectedEOF
	}
	if err := json.Unmarshal(bytes.TrimSpace(line), &event); err != nil {
		return event, err
	}
	if err := VerifyChecksum(event); err != nil {
		return event, err
	}
	return event, nil
}

func scanFile(path string, fn EventHandler) (scanResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return scanResult{}, err
	}
	defer f.Close()
	return scan(f, fn)
}

// GetLastEvent reads the last intact event of the log at path. It returns
// ErrEmptyWAL when the log holds none.
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	_, err := scanFile(path, func(e Event) error {
		last = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents returns the number of intact events in the log at path.
func CountEvents(path string) (int, error) {
	res, err := scanFile(path, nil)
	return res.count, err
}

// ValidateWAL checks every record of the log at path: format, checksum and
// increasing sequence numbers. A torn final record is reported as
// ErrCorruptedWAL here even though Open would repair it.
func ValidateWAL(path string) error {
	res, err := scanFile(path, nil)
	if err != nil {
		return err
	}
	if res.torn {
		return &CorruptionError{Seq: res.lastSeq, Offset: res.validEnd, Cause: io.ErrUnexpectedEOF}
	}
	return nil
}
