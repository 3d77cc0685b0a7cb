//go:build windows

package infra

import (
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/eliteGoblin/focusd/watchman/internal/domain"
)

// startDetached launches the process with CreateProcess so the window mode can be
// passed through STARTUPINFO.wShowWindow.
func startDetached(req domain.StartRequest) (int, error) {
	argv := append([]string{req.Path}, req.Args...)
	cmdLine, err := windows.UTF16PtrFromString(windows.ComposeCommandLine(argv))
	if err != nil {
		return 0, err
	}
	appName, err := windows.UTF16PtrFromString(req.Path)
	if err != nil {
		return 0, err
	}

	var cwd *uint16
	if req.Cwd != "" {
		if cwd, err = windows.UTF16PtrFromString(req.Cwd); err != nil {
			return 0, err
		}
	}

	si := &windows.StartupInfo{}
	si.Cb = uint32(unsafe.Sizeof(*si))
	if req.Window != domain.WindowNormalActive && req.Window != "" {
		si.Flags |= windows.STARTF_USESHOWWINDOW
		si.ShowWindow = req.Window.ShowCommand()
	}

	var pi windows.ProcessInformation
	err = windows.CreateProcess(appName, cmdLine, nil, nil, false,
		windows.CREATE_NEW_PROCESS_GROUP, nil, cwd, si, &pi)
	if err != nil {
		return 0, err
	}
	_ = windows.CloseHandle(pi.Thread)
	_ = windows.CloseHandle(pi.Process)

	return int(pi.ProcessId), nil
}
