// Package infra implements infrastructure concerns (process, filesystem, rule store, control channel).
package infra

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/watchman/internal/domain"
)

// processLister enumerates running processes. Replaced in tests.
type processLister func(ctx context.Context) ([]*process.Process, error)

// ProcessManagerImpl implements domain.ProcessProbe and domain.ProcessController using gopsutil.
type ProcessManagerImpl struct {
	list   processLister
	logger *zap.Logger
}

// NewProcessManager creates a new process manager.
func NewProcessManager(logger *zap.Logger) *ProcessManagerImpl {
	return &ProcessManagerImpl{
		list:   process.ProcessesWithContext,
		logger: logger,
	}
}

// IsRunning reports whether at least one process with the image name is running.
// Enumeration errors are logged and reported as not running.
func (pm *ProcessManagerImpl) IsRunning(executable string) bool {
	pids, err := pm.FindByName(executable)
	if err != nil {
		pm.logger.Warn("process query failed, treating as not running",
			zap.String("executable", executable),
			zap.Error(err))
		return false
	}
	return len(pids) > 0
}

// FindByName returns PIDs of processes whose image name equals name (case-insensitive).
func (pm *ProcessManagerImpl) FindByName(name string) ([]int32, error) {
	if name == "" {
		return nil, nil
	}
	procs, err := pm.list(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	var found []int32
	for _, p := range procs {
		pname, err := p.Name()
		if err != nil {
			continue // Process may have exited
		}
		if strings.EqualFold(pname, name) {
			found = append(found, p.Pid)
		}
	}
	return found, nil
}

// Start launches the requested executable detached from the engine.
func (pm *ProcessManagerImpl) Start(ctx context.Context, req domain.StartRequest) (int, error) {
	if _, err := os.Stat(req.Path); err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", domain.ErrExecutableNotFound, req.Path)
		}
		return 0, fmt.Errorf("failed to stat executable: %w", err)
	}

	pid, err := startDetached(req)
	if err != nil {
		return 0, fmt.Errorf("failed to start %s: %w", req.Path, err)
	}
	return pid, nil
}

// Stop terminates every process with the given image name.
// Finding no process is not an error.
func (pm *ProcessManagerImpl) Stop(ctx context.Context, executable string) (int, error) {
	pids, err := pm.FindByName(executable)
	if err != nil {
		return 0, err
	}

	terminated := 0
	var lastErr error
	for _, pid := range pids {
		p, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			continue // Exited between listing and terminating
		}
		if err := p.TerminateWithContext(ctx); err != nil {
			pm.logger.Warn("failed to terminate process",
				zap.String("executable", executable),
				zap.Int32("pid", pid),
				zap.Error(err))
			lastErr = err
			continue
		}
		terminated++
	}

	if terminated == 0 && lastErr != nil {
		return 0, fmt.Errorf("failed to terminate %s: %w", executable, lastErr)
	}
	return terminated, nil
}

// Ensure ProcessManagerImpl implements the domain interfaces.
var (
	_ domain.ProcessProbe      = (*ProcessManagerImpl)(nil)
	_ domain.ProcessController = (*ProcessManagerImpl)(nil)
)
