package infra

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/eliteGoblin/focusd/watchman/internal/domain"
)

// StatusFileName is the published engine status inside the data directory.
const StatusFileName = "status.json"

// statusVersion is bumped when EngineStatus changes incompatibly.
const statusVersion = 1

// FileStatusStore implements domain.StatusStore as a JSON file.
// Only the engine writes it; status readers may run at any time, so every
// write replaces the file atomically.
type FileStatusStore struct {
	path string
}

// NewFileStatusStore creates a status store in dataDir.
func NewFileStatusStore(dataDir string) *FileStatusStore {
	return &FileStatusStore{path: filepath.Join(dataDir, StatusFileName)}
}

// Path returns the status file path.
func (s *FileStatusStore) Path() string {
	return s.path
}

// Write publishes status.
func (s *FileStatusStore) Write(status domain.EngineStatus) error {
	status.Version = statusVersion
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}

	// Write to temp file first (unique per process to avoid race)
	tmpPath := fmt.Sprintf("%s.%d.tmp", s.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}

	// Atomic rename
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Read returns the last published status, or nil if there is none.
func (s *FileStatusStore) Read() (*domain.EngineStatus, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var status domain.EngineStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to parse status file: %w", err)
	}
	if status.Version != statusVersion {
		return nil, fmt.Errorf("unsupported status file version %d", status.Version)
	}
	return &status, nil
}

// Clear removes the status file.
func (s *FileStatusStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Ensure FileStatusStore implements domain.StatusStore.
var _ domain.StatusStore = (*FileStatusStore)(nil)
