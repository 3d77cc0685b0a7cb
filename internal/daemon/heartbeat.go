package daemon

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/watchman/internal/domain"
)

// HeartbeatConfig holds heartbeat configuration.
type HeartbeatConfig struct {
	Interval               time.Duration // How often to publish status
	AutostartCheckInterval time.Duration // How often to check the login item
}

// DefaultHeartbeatConfig returns default heartbeat configuration.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval:               30 * time.Second,
		AutostartCheckInterval: 60 * time.Second,
	}
}

// StatusSource reports the current watchlets.
type StatusSource interface {
	Status() []domain.WatchletStatus
}

// AutostartInstaller keeps the login item pointing at this binary.
type AutostartInstaller interface {
	IsInstalled() bool
	NeedsUpdate(execPath string) bool
	Install(execPath string) error
}

// Heartbeat publishes engine status for the status command and repairs an
// outdated login item. The status file is cleared on shutdown.
type Heartbeat struct {
	config    HeartbeatConfig
	base      domain.EngineStatus
	source    StatusSource
	store     domain.StatusStore
	autostart AutostartInstaller
	lastRun   func() *domain.EvaluationResult
	now       func() time.Time
	logger    *zap.Logger
}

// NewHeartbeat creates a heartbeat. base carries the fields that never change
// (pid, mode, channel); autostart and lastRun may be nil.
func NewHeartbeat(
	config HeartbeatConfig,
	base domain.EngineStatus,
	source StatusSource,
	store domain.StatusStore,
	autostart AutostartInstaller,
	lastRun func() *domain.EvaluationResult,
	logger *zap.Logger,
) *Heartbeat {
	return &Heartbeat{
		config:    config,
		base:      base,
		source:    source,
		store:     store,
		autostart: autostart,
		lastRun:   lastRun,
		now:       time.Now,
		logger:    logger,
	}
}

// Run publishes immediately and then on every tick until ctx is canceled.
func (h *Heartbeat) Run(ctx context.Context) error {
	if h.base.StartedAt.IsZero() {
		h.base.StartedAt = h.now()
	}

	h.beat()
	h.ensureAutostart()

	heartbeatTicker := time.NewTicker(h.config.Interval)
	autostartTicker := time.NewTicker(h.config.AutostartCheckInterval)
	defer func() {
		heartbeatTicker.Stop()
		autostartTicker.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			if err := h.store.Clear(); err != nil {
				h.logger.Warn("failed to clear status", zap.Error(err))
			}
			return nil

		case <-heartbeatTicker.C:
			h.beat()

		case <-autostartTicker.C:
			h.ensureAutostart()
		}
	}
}

// Snapshot builds the status that the next beat would publish.
func (h *Heartbeat) Snapshot() domain.EngineStatus {
	status := h.base
	status.LastHeartbeat = h.now()
	status.Watchlets = h.source.Status()

	if h.lastRun != nil {
		if run := h.lastRun(); run != nil {
			status.LastEvent = &domain.LastEvent{
				ProcessName: run.ProcessName,
				PID:         run.PID,
				Activated:   len(run.Activated),
				At:          run.ExecutedAt,
			}
		}
	}
	return status
}

func (h *Heartbeat) beat() {
	if err := h.store.Write(h.Snapshot()); err != nil {
		h.logger.Warn("failed to publish status", zap.Error(err))
	}
}

// ensureAutostart rewrites an installed login item whose content is outdated,
// e.g. after the binary moved. A login item the user removed stays removed.
func (h *Heartbeat) ensureAutostart() {
	if h.autostart == nil || !h.autostart.IsInstalled() {
		return
	}

	execPath, err := os.Executable()
	if err != nil {
		h.logger.Error("failed to get executable path", zap.Error(err))
		return
	}

	if h.autostart.NeedsUpdate(execPath) {
		h.logger.Info("login item outdated, updating...")
		if err := h.autostart.Install(execPath); err != nil {
			h.logger.Error("failed to update login item", zap.Error(err))
		} else {
			h.logger.Info("login item updated successfully")
		}
	}
}
