//go:build !windows

package infra

import (
	"os/exec"
	"syscall"

	"github.com/eliteGoblin/focusd/watchman/internal/domain"
)

// startDetached spawns the process in its own session so it outlives the engine.
// Window modes have no meaning outside Windows and are ignored.
func startDetached(req domain.StartRequest) (int, error) {
	cmd := exec.Command(req.Path, req.Args...)
	cmd.Dir = req.Cwd

	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // Create new session (detach from terminal)
	}

	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid

	// Reap the child so it does not linger as a zombie while the engine runs.
	go func() { _ = cmd.Wait() }()

	return pid, nil
}
