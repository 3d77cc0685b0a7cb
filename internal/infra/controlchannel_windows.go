//go:build windows

package infra

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/eliteGoblin/focusd/watchman/internal/domain"
)

var procOpenFileMappingW = windows.NewLazySystemDLL("kernel32.dll").NewProc("OpenFileMappingW")

// ControlChannelPath returns the kernel object name of a region.
func ControlChannelPath(name string) string {
	return name
}

func createRegion(name string) (*region, error) {
	namePtr, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, err
	}
	h, err := windows.CreateFileMapping(windows.InvalidHandle, nil, windows.PAGE_READWRITE, 0, controlChannelSize, namePtr)
	if err != nil {
		return nil, err
	}
	return mapView(h)
}

func openRegion(name string) (*region, error) {
	namePtr, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, err
	}
	r0, _, e1 := procOpenFileMappingW.Call(uintptr(windows.FILE_MAP_WRITE|windows.FILE_MAP_READ), 0, uintptr(unsafe.Pointer(namePtr)))
	if r0 == 0 {
		if errors.Is(e1, windows.ERROR_FILE_NOT_FOUND) {
			return nil, fmt.Errorf("%w: %s", domain.ErrChannelNotFound, name)
		}
		return nil, e1
	}
	return mapView(windows.Handle(r0))
}

// mapView maps the region; the named object disappears with the last open handle.
func mapView(h windows.Handle) (*region, error) {
	addr, err := windows.MapViewOfFile(h, windows.FILE_MAP_WRITE|windows.FILE_MAP_READ, 0, 0, controlChannelSize)
	if err != nil {
		windows.CloseHandle(h)
		return nil, fmt.Errorf("failed to map region: %w", err)
	}
	// Reinterpret the returned address in place rather than converting the
	// uintptr value, so the view is held as a slice like the unix mapping.
	base := *(*unsafe.Pointer)(unsafe.Pointer(&addr))
	data := unsafe.Slice((*byte)(base), controlChannelSize)
	return &region{
		word: (*uint32)(unsafe.Pointer(&data[0])),
		unmap: func() error {
			err := windows.UnmapViewOfFile(uintptr(unsafe.Pointer(&data[0])))
			if cerr := windows.CloseHandle(h); err == nil {
				err = cerr
			}
			return err
		},
	}, nil
}
