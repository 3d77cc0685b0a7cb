package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/eliteGoblin/focusd/watchman/internal/config"
	"github.com/eliteGoblin/focusd/watchman/internal/daemon"
	"github.com/eliteGoblin/focusd/watchman/internal/domain"
	"github.com/eliteGoblin/focusd/watchman/internal/infra"
	"github.com/eliteGoblin/focusd/watchman/internal/usecase"
)

// metricsNamespace prefixes every exported Prometheus metric.
const metricsNamespace = "watchman"

// runEngine wires the engine and blocks until EXIT is read or ctx is canceled.
// Only a held instance lock or an unusable control channel stop it from starting.
func runEngine(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	layout := cfg.Layout()

	lock, err := infra.AcquireInstanceLock(layout.LockPath)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	channel, err := infra.CreateControlChannel(cfg.ChannelName)
	if err != nil {
		logger.Error("failed to create control channel", zap.String("name", cfg.ChannelName), zap.Error(err))
		return fmt.Errorf("failed to create control channel: %w", err)
	}
	defer channel.Close()

	key, err := infra.LoadOrCreateKey(infra.NewFileKeyProvider(layout.DataDir))
	if err != nil {
		return fmt.Errorf("failed to load rule store key: %w", err)
	}
	store, err := infra.NewSQLRuleStore(layout.DataDir, key)
	if err != nil {
		return err
	}
	defer store.Close()

	var metrics domain.MetricsCollector = domain.NoopMetrics{}
	if cfg.MetricsAddr != "" {
		pmc := infra.NewPrometheusMetricsCollector(metricsNamespace)
		infra.ServeMetrics(ctx, cfg.MetricsAddr, pmc, logger)
		metrics = pmc
	}

	pm := infra.NewProcessManager(logger)
	fs := infra.NewFileSystemManager()
	taskManager := usecase.NewTaskManager(store, pm, pm, fs, cfg.RetryPolicy(), metrics, logger)
	supervisor := daemon.NewSupervisor(
		daemon.SupervisorConfig{Timing: cfg.Timing()},
		store,
		channel,
		infra.NewPollingSubscriber(),
		taskManager,
		fs,
		metrics,
		logger,
	)
	heartbeat := daemon.NewHeartbeat(
		daemon.DefaultHeartbeatConfig(),
		domain.EngineStatus{
			PID:         os.Getpid(),
			AppVersion:  Version,
			Mode:        layout.Mode.String(),
			ChannelName: cfg.ChannelName,
		},
		supervisor,
		infra.NewFileStatusStore(layout.DataDir),
		infra.NewAutostartManager(layout),
		taskManager.LastRun,
		logger,
	)

	logger.Info("engine starting",
		zap.String("version", Version),
		zap.String("mode", layout.Mode.String()),
		zap.String("data_dir", layout.DataDir),
		zap.String("channel", cfg.ChannelName),
		zap.Int("pid", os.Getpid()),
	)

	// The supervisor decides when the engine exits; everything else follows it.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer cancel()
		return supervisor.Run(gctx)
	})
	g.Go(func() error {
		return heartbeat.Run(gctx)
	})
	if cfg.WatchRuleStore {
		watcher := infra.NewRuleStoreWatcher(store.Path(), cfg.ReloadDebounce, func() error {
			return channel.Write(domain.StateRead)
		}, logger)
		g.Go(func() error {
			if err := watcher.Run(gctx); err != nil {
				// Manual reloads still work without the watcher.
				logger.Warn("rule store watcher stopped", zap.Error(err))
			}
			return nil
		})
	}

	err = g.Wait()
	logger.Info("engine stopped")
	return err
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext(logger *zap.Logger) context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()
	return ctx
}

// createLogger logs to <data-dir>/watchman.log, and also to stdout when the
// engine runs in the foreground.
func createLogger(cfg *config.Config, console bool) *zap.Logger {
	level, _ := cfg.Level()
	logPath := cfg.Layout().LogPath

	logConfig := zap.NewProductionConfig()
	logConfig.Level = zap.NewAtomicLevelAt(level)
	logConfig.OutputPaths = []string{logPath}
	logConfig.ErrorOutputPaths = []string{logPath}
	if console {
		logConfig.OutputPaths = append(logConfig.OutputPaths, "stdout")
		logConfig.ErrorOutputPaths = append(logConfig.ErrorOutputPaths, "stderr")
	}
	logConfig.EncoderConfig.TimeKey = "time"
	logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if err := os.MkdirAll(filepath.Dir(logPath), 0700); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}
	logger, err := logConfig.Build()
	if err != nil {
		// Fallback to stdout if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

// newCLILogger is used by one-shot commands.
func newCLILogger() *zap.Logger {
	logger, err := zap.NewDevelopment(zap.IncreaseLevel(zapcore.WarnLevel))
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func printStatus(w io.Writer, status *domain.EngineStatus, now time.Time) {
	fmt.Fprintf(w, "PID: %d\n", status.PID)
	if status.AppVersion != "" {
		fmt.Fprintf(w, "Version: %s\n", status.AppVersion)
	}
	fmt.Fprintf(w, "Mode: %s\n", status.Mode)
	fmt.Fprintf(w, "Up: %s\n", now.Sub(status.StartedAt).Round(time.Second))
	fmt.Fprintf(w, "Last heartbeat: %s ago\n", now.Sub(status.LastHeartbeat).Round(time.Second))

	fmt.Fprintln(w, "\nWatchers:")
	if len(status.Watchlets) == 0 {
		fmt.Fprintln(w, "  none (no active profile watches an existing program)")
	} else {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "  KIND\tSTATE\tEVENTS\tDUPLICATES\tDISPATCHED\tACTIVATED\tTARGETS")
		for _, wl := range status.Watchlets {
			fmt.Fprintf(tw, "  %s\t%s\t%d\t%d\t%d\t%d\t%v\n",
				wl.Kind, wl.State, wl.Received, wl.Duplicates, wl.Dispatched, wl.Activated, wl.Targets)
		}
		_ = tw.Flush()
	}

	if ev := status.LastEvent; ev != nil {
		fmt.Fprintf(w, "\nLast event: %s (pid %d) %s ago, %d task(s) activated\n",
			ev.ProcessName, ev.PID, now.Sub(ev.At).Round(time.Second), ev.Activated)
	}
	fmt.Fprintln(w)
}

// statusReport is the --json shape of the status command.
type statusReport struct {
	State       string               `json:"state"`
	Description string               `json:"description"`
	Engine      *domain.EngineStatus `json:"engine,omitempty"`
}

func writeStatusJSON(w io.Writer, state domain.ControlState, status *domain.EngineStatus) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(statusReport{
		State:       string(state),
		Description: state.Describe(),
		Engine:      status,
	})
}
