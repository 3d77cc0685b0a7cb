package infra

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/eliteGoblin/focusd/watchman/internal/domain"
)

// FileSystemManagerImpl implements domain.FileSystemManager.
type FileSystemManagerImpl struct {
	homeDir string
}

// NewFileSystemManager creates a new filesystem manager.
func NewFileSystemManager() domain.FileSystemManager {
	home, _ := os.UserHomeDir()
	return &FileSystemManagerImpl{homeDir: home}
}

// NewFileSystemManagerWithHome creates a filesystem manager with custom home (for testing).
func NewFileSystemManagerWithHome(home string) domain.FileSystemManager {
	return &FileSystemManagerImpl{homeDir: home}
}

// Exists checks if a regular file or directory exists at path.
func (fm *FileSystemManagerImpl) Exists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(fm.ExpandHome(path))
	return err == nil
}

// ExpandHome expands ~ to the user's home directory.
func (fm *FileSystemManagerImpl) ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(fm.homeDir, path[2:])
	}
	if path == "~" {
		return fm.homeDir
	}
	return path
}

// Ensure FileSystemManagerImpl implements domain.FileSystemManager.
var _ domain.FileSystemManager = (*FileSystemManagerImpl)(nil)
