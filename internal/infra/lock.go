package infra

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrAlreadyRunning is returned when another engine holds the instance lock.
var ErrAlreadyRunning = errors.New("engine already running (lock held by another process)")

// InstanceLock keeps a second engine from running on the same data directory.
type InstanceLock struct {
	lock *flock.Flock
}

// AcquireInstanceLock takes the exclusive lock without blocking.
func AcquireInstanceLock(lockPath string) (*InstanceLock, error) {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	fileLock := flock.New(lockPath)
	locked, err := fileLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return nil, ErrAlreadyRunning
	}
	return &InstanceLock{lock: fileLock}, nil
}

// Release drops the lock. Safe to call more than once.
func (l *InstanceLock) Release() error {
	return l.lock.Unlock()
}
