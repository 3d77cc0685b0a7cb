//go:build !windows

package infra

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/eliteGoblin/focusd/watchman/internal/domain"
)

// shmDir is where named regions live. tmpfs /dev/shm when present.
func shmDir() string {
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// ControlChannelPath returns the backing file of a named region.
func ControlChannelPath(name string) string {
	return filepath.Join(shmDir(), name)
}

func createRegion(name string) (*region, error) {
	path := ControlChannelPath(name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := f.Truncate(controlChannelSize); err != nil {
		return nil, fmt.Errorf("failed to size region: %w", err)
	}
	return mapRegion(f, path)
}

func openRegion(name string) (*region, error) {
	path := ControlChannelPath(name)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrChannelNotFound, name)
		}
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() < controlChannelSize {
		return nil, fmt.Errorf("%w: %s is truncated", domain.ErrChannelNotFound, name)
	}
	return mapRegion(f, path)
}

// mapRegion maps the first 4 bytes of f shared between processes.
// The mapping stays valid after f is closed.
func mapRegion(f *os.File, path string) (*region, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, controlChannelSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to map region: %w", err)
	}
	return &region{
		word:  (*uint32)(unsafe.Pointer(&data[0])),
		unmap: func() error { return unix.Munmap(data) },
		unlink: func() error {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			return nil
		},
	}, nil
}
