package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/watchman/internal/domain"
	"github.com/eliteGoblin/focusd/watchman/internal/policy"
)

// SupervisorConfig holds supervisor configuration.
type SupervisorConfig struct {
	Timing Timing
}

// DefaultSupervisorConfig returns default supervisor configuration.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{Timing: DefaultTiming()}
}

// Supervisor owns the watchlets. It builds one per notification kind present in
// the active rule set and rebuilds them whenever the control channel reads READ.
type Supervisor struct {
	config     SupervisorConfig
	store      domain.RuleStore
	channel    domain.ControlChannel
	subscriber domain.EventSubscriber
	runner     domain.TaskRunner
	fsManager  domain.FileSystemManager
	metrics    domain.MetricsCollector
	logger     *zap.Logger

	mu        sync.Mutex
	watchlets []*Watchlet
}

// NewSupervisor creates a new supervisor.
func NewSupervisor(
	config SupervisorConfig,
	store domain.RuleStore,
	channel domain.ControlChannel,
	subscriber domain.EventSubscriber,
	runner domain.TaskRunner,
	fs domain.FileSystemManager,
	metrics domain.MetricsCollector,
	logger *zap.Logger,
) *Supervisor {
	if metrics == nil {
		metrics = domain.NoopMetrics{}
	}
	config.Timing = config.Timing.Normalize()
	return &Supervisor{
		config:     config,
		store:      store,
		channel:    channel,
		subscriber: subscriber,
		runner:     runner,
		fsManager:  fs,
		metrics:    metrics,
		logger:     logger,
	}
}

// Run starts the supervisor loop.
// This blocks until EXIT is read or ctx is canceled; both tear everything down
// and release the control channel.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.config.Timing.Validate(); err != nil {
		return err
	}
	if err := s.channel.Write(domain.StateRun); err != nil {
		return fmt.Errorf("failed to initialise control channel: %w", err)
	}

	s.logger.Info("supervisor started",
		zap.Duration("poll_interval", s.config.Timing.PollInterval),
		zap.Duration("watch_timeout", s.config.Timing.WatchTimeout))

	_ = s.rebuild(ctx)

	ticker := time.NewTicker(s.config.Timing.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("supervisor stopping")
			s.shutdown()
			return nil

		case <-ticker.C:
			if done := s.poll(ctx); done {
				return nil
			}
		}
	}
}

// poll handles one control channel reading. Returns true when the supervisor should exit.
func (s *Supervisor) poll(ctx context.Context) bool {
	switch state := s.channel.Read(); state {
	case domain.StateRun:
		// An empty rule set leaves no watchlets; keep trying so new rules are picked up.
		if s.count() == 0 {
			_ = s.rebuild(ctx)
		}

	case domain.StateRead:
		s.logger.Info("reload requested")
		s.metrics.Reload()
		// READ stays set after a failed load so the next tick retries.
		if !s.rebuild(ctx) {
			return false
		}
		if err := s.channel.Write(domain.StateRun); err != nil {
			s.logger.Error("failed to reset control channel", zap.Error(err))
		}

	case domain.StateExit:
		s.logger.Info("exit requested")
		s.shutdown()
		return true

	default:
		s.logger.Warn("unrecognised control token, resetting", zap.String("state", string(state)))
		if err := s.channel.Write(domain.StateRun); err != nil {
			s.logger.Error("failed to reset control channel", zap.Error(err))
		}
	}
	return false
}

// rebuild tears down all watchlets and recreates them from a fresh rule snapshot.
// Returns false, keeping the current watchlets, when the rules cannot be loaded.
func (s *Supervisor) rebuild(ctx context.Context) bool {
	targets, err := s.loadTargets(ctx)
	if err != nil {
		s.logger.Error("failed to load rules", zap.Error(err))
		return false
	}

	s.teardown()

	watchlets := make([]*Watchlet, 0, len(targets))
	for _, t := range targets {
		w := NewWatchlet(t.Kind, t.Names, s.subscriber, s.runner, s.config.Timing, s.metrics, s.logger)
		w.Start(ctx)
		watchlets = append(watchlets, w)
	}

	s.mu.Lock()
	s.watchlets = watchlets
	s.mu.Unlock()

	s.metrics.ActiveWatchlets(len(watchlets))
	if len(watchlets) == 0 {
		s.logger.Info("no active watch targets")
	}
	return true
}

// loadTargets reads the active profiles in their own session.
func (s *Supervisor) loadTargets(ctx context.Context) ([]policy.WatchTarget, error) {
	session, err := s.store.OpenSession(ctx)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	profiles, err := session.ActiveProfiles(ctx)
	if err != nil {
		return nil, err
	}
	return policy.WatchTargets(profiles, s.fsManager), nil
}

// teardown stops every watchlet concurrently, so the total wait is bounded by
// one join timeout regardless of how many watchlets exist.
func (s *Supervisor) teardown() {
	s.mu.Lock()
	watchlets := s.watchlets
	s.watchlets = nil
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range watchlets {
		wg.Add(1)
		go func(w *Watchlet) {
			defer wg.Done()
			w.Stop()
		}(w)
	}
	wg.Wait()
	s.metrics.ActiveWatchlets(0)
}

func (s *Supervisor) shutdown() {
	s.teardown()
	if err := s.channel.Remove(); err != nil {
		s.logger.Warn("failed to release control channel", zap.Error(err))
	}
	s.logger.Info("supervisor stopped")
}

func (s *Supervisor) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchlets)
}

// Watchlets returns a snapshot of the current watchlets.
func (s *Supervisor) Watchlets() []*Watchlet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Watchlet(nil), s.watchlets...)
}

// Targets describes the current watchlets as watch targets.
func (s *Supervisor) Targets() []policy.WatchTarget {
	watchlets := s.Watchlets()
	targets := make([]policy.WatchTarget, 0, len(watchlets))
	for _, w := range watchlets {
		targets = append(targets, policy.WatchTarget{Kind: w.Kind(), Names: w.Targets()})
	}
	return targets
}

// Status returns a point-in-time view of every watchlet.
func (s *Supervisor) Status() []domain.WatchletStatus {
	watchlets := s.Watchlets()
	status := make([]domain.WatchletStatus, 0, len(watchlets))
	for _, w := range watchlets {
		stats := w.Stats()
		status = append(status, domain.WatchletStatus{
			Kind:       w.Kind(),
			Targets:    w.Targets(),
			State:      w.State(),
			Received:   stats.Received,
			Duplicates: stats.Duplicates,
			Dispatched: stats.Dispatched,
			Activated:  stats.Activated,
		})
	}
	return status
}
