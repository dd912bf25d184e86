package snapshot

// ============================================================================
// Responsibilities:
// 1. Serialize the live journal entries into a JSON snapshot file
// 2. Write atomically (temp file + fsync + rename) so a crash never leaves a
//    half-written snapshot
// 3. Verify schema compatibility on load
// 4. Record the WAL sequence the snapshot covers so replay can skip it
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/nearline-mover/pkg/types"
)

// SchemaVersion is the snapshot format written by this package.
const SchemaVersion = 1

// ============================================================================
// Errors
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// ============================================================================
// Data Structures
// ============================================================================

// Data is the persisted journal state.
type Data struct {
	Entries   map[types.TransferID]types.Descriptor `json:"entries"`
	SchemaVer int                                   `json:"schema_version"`
	LastSeq   uint64                                `json:"last_seq"` // last WAL sequence included
}

// Manager reads and writes one snapshot file.
type Manager struct {
	path string
	mu   sync.Mutex
}

// NewManager creates a manager for the snapshot at path.
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// Write atomically replaces the snapshot with data.
//
// Atomic write sequence:
// 1. Write and fsync a temporary file (.tmp)
// 2. os.Rename it over the snapshot
// 3. fsync the directory so the rename itself is durable
func (m *Manager) Write(data Data) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = SchemaVersion
	if data.Entries == nil {
		data.Entries = map[types.TransferID]types.Descriptor{}
	}

	// Indented for manual inspection.
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := writeSynced(tmpPath, jsonBytes); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}

	return syncDir(filepath.Dir(m.path))
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync snapshot directory: %w", err)
	}
	return nil
}

// Load reads the snapshot.
//
// Behavior:
//   - A missing file yields empty Data (first start)
//   - The schema version must match SchemaVersion
//   - Unparseable content is ErrCorruptedSnapshot
func (m *Manager) Load() (Data, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data Data

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Data{
				Entries:   make(map[types.TransferID]types.Descriptor),
				SchemaVer: SchemaVersion,
			}, nil
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	if data.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}

	if data.Entries == nil {
		data.Entries = make(map[types.TransferID]types.Descriptor)
	}

	return data, nil
}

// Exists reports whether a snapshot file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath returns the snapshot file path.
func (m *Manager) GetPath() string {
	return m.path
}
