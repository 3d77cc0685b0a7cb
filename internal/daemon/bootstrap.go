package daemon

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/eliteGoblin/focusd/watchman/internal/domain"
	"github.com/eliteGoblin/focusd/watchman/internal/infra"
)

// StartDaemon spawns the engine as a detached copy of the running binary.
// Self-exec with the hidden "daemon" command: watchman daemon --data-dir ...
func StartDaemon(ctx context.Context, controller domain.ProcessController, args ...string) (int, error) {
	executable, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("failed to resolve executable: %w", err)
	}
	return StartDaemonWithPath(ctx, controller, executable, args...)
}

// StartDaemonWithPath spawns binaryPath in daemon mode.
func StartDaemonWithPath(ctx context.Context, controller domain.ProcessController, binaryPath string, args ...string) (int, error) {
	return controller.Start(ctx, domain.StartRequest{
		Path:   binaryPath,
		Args:   append([]string{"daemon"}, args...),
		Window: domain.WindowMinimizedInactive,
	})
}

// WaitForState polls the named control channel until it reads want or timeout elapses.
func WaitForState(ctx context.Context, channelName string, want domain.ControlState, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if got := infra.ReadState(channelName); got == want {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("engine did not reach %s: %s", want, infra.ReadState(channelName).Describe())
		case <-ticker.C:
		}
	}
}
