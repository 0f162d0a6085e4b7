package stores

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/stackprobe/stackprobe/pkg/processor"
)

// StateFile persists processing machine snapshots as a single JSON document.
// Writes go through a temp file plus rename so a crash mid-write never leaves
// a truncated state file behind.
type StateFile struct {
	path   string
	logger zerolog.Logger
}

var _ processor.StateStore = (*StateFile)(nil)

// NewStateFile creates a state file store at the given path.
func NewStateFile(path string, logger zerolog.Logger) *StateFile {
	return &StateFile{
		path:   path,
		logger: logger.With().Str("component", "state-file").Logger(),
	}
}

// Path returns the state file location.
func (s *StateFile) Path() string {
	return s.path
}

// Save writes the snapshot atomically.
func (s *StateFile) Save(snap *processor.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	// Temp file in the same directory so the rename stays on one filesystem.
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp state file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	return nil
}

// Load reads the snapshot. A missing or corrupt file means a fresh start
// and returns (nil, nil); only read failures on an existing, readable path
// surface as errors.
func (s *StateFile) Load() (*processor.Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var snap processor.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.logger.Warn().
			Err(err).
			Str("path", s.path).
			Msg("State file is corrupt, starting fresh")
		return nil, nil
	}

	s.logger.Debug().
		Int("items", len(snap.Items)).
		Time("saved_at", snap.SavedAt).
		Msg("State restored")

	return &snap, nil
}

// Remove deletes the state file. Missing files are not an error.
func (s *StateFile) Remove() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove state file: %w", err)
	}
	return nil
}
