package wal

// ============================================================================
// Rotated Segments
// Responsibility: Compress, list, read and prune rotated log files
// ============================================================================

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const compressedExt = ".zst"

// compressSegment replaces the plain segment at path with a zstd copy and
// returns the new path.
func compressSegment(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dstPath := path + compressedExt
	dst, err := os.Create(dstPath)
	if err != nil {
		return "", err
	}

	enc, err := zstd.NewWriter(dst)
	if err != nil {
		dst.Close()
		return "", err
	}
	if _, err := io.Copy(enc, src); err != nil {
		enc.Close()
		dst.Close()
		os.Remove(dstPath)
		return "", err
	}
	if err := enc.Close(); err != nil {
		dst.Close()
		os.Remove(dstPath)
		return "", err
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return "", err
	}
	if err := dst.Close(); err != nil {
		return "", err
	}
	return dstPath, os.Remove(path)
}

// Segments lists the rotated segments of the log at path, oldest first.
func Segments(path string) ([]string, error) {
	matches, err := filepath.Glob(path + ".*")
	if err != nil {
		return nil, err
	}
	segments := matches[:0]
	for _, m := range matches {
		suffix := strings.TrimSuffix(strings.TrimPrefix(m, path+"."), compressedExt)
		if len(suffix) == 20 && strings.Trim(suffix, "0123456789") == "" {
			segments = append(segments, m)
		}
	}
	// Zero-padded sequence numbers sort lexically.
	sort.Strings(segments)
	return segments, nil
}

// ReadSegment replays a rotated segment, compressed or not.
func ReadSegment(path string, handler EventHandler) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, compressedExt) {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return err
		}
		defer dec.Close()
		r = dec
	}
	_, err = scan(r, handler)
	return err
}

func pruneSegments(path string, keep int) error {
	segments, err := Segments(path)
	if err != nil {
		return err
	}
	for len(segments) > keep {
		if err := os.Remove(segments[0]); err != nil {
			return err
		}
		segments = segments[1:]
	}
	return nil
}
