// Package daemon implements the long-running engine loops: process event
// watchers, per-kind watchlets and the supervisor that owns them.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/watchman/internal/domain"
)

const (
	// DefaultPollInterval is the batching interval of the event subscription.
	DefaultPollInterval = 8 * time.Second

	// WatchTimeoutFactor derives the default watch timeout from the poll interval.
	WatchTimeoutFactor = 6
)

// Timing holds the watcher timing constants.
type Timing struct {
	PollInterval time.Duration // Subscription batching interval
	WatchTimeout time.Duration // Max time one Watch call blocks
}

// DefaultTiming returns an 8s poll interval and a 48s watch timeout.
func DefaultTiming() Timing {
	return Timing{
		PollInterval: DefaultPollInterval,
		WatchTimeout: WatchTimeoutFactor * DefaultPollInterval,
	}
}

// Normalize fills a zero WatchTimeout from the poll interval.
func (t Timing) Normalize() Timing {
	if t.PollInterval <= 0 {
		t.PollInterval = DefaultPollInterval
	}
	if t.WatchTimeout <= 0 {
		t.WatchTimeout = WatchTimeoutFactor * t.PollInterval
	}
	return t
}

// Validate rejects a watch timeout that does not exceed the poll interval:
// an interval without events would be mistaken for a stuck watcher.
func (t Timing) Validate() error {
	if t.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", t.PollInterval)
	}
	if t.WatchTimeout <= t.PollInterval {
		return fmt.Errorf("watch timeout %s must exceed poll interval %s", t.WatchTimeout, t.PollInterval)
	}
	return nil
}

// Stagger is the delay between starting the two redundant watchers.
func (t Timing) Stagger() time.Duration {
	return t.WatchTimeout / 2
}

// ProcessWatcher turns a blocking subscription into a stream of events on a shared queue.
// Each Watch call re-arms the subscription; the short gap between calls is covered
// by the watchlet's second, staggered watcher.
type ProcessWatcher struct {
	id         string
	kind       domain.NotificationKind
	names      []string
	subscriber domain.EventSubscriber
	queue      chan<- domain.ProcessEvent
	timing     Timing
	logger     *zap.Logger
}

// NewProcessWatcher creates a watcher. An empty names slice watches every process.
func NewProcessWatcher(
	id string,
	kind domain.NotificationKind,
	names []string,
	subscriber domain.EventSubscriber,
	queue chan<- domain.ProcessEvent,
	timing Timing,
	logger *zap.Logger,
) *ProcessWatcher {
	return &ProcessWatcher{
		id:         id,
		kind:       kind,
		names:      names,
		subscriber: subscriber,
		queue:      queue,
		timing:     timing,
		logger:     logger.With(zap.String("watcher", id), zap.String("kind", string(kind))),
	}
}

// Watch arms a fresh subscription and blocks until events arrive or the watch
// timeout elapses. A timeout returns domain.ErrWatchTimeout.
func (w *ProcessWatcher) Watch(ctx context.Context) ([]domain.ProcessEvent, error) {
	sub, err := w.subscriber.Subscribe(w.kind, w.names, w.timing.PollInterval)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Close()

	return sub.Next(ctx, w.timing.WatchTimeout)
}

// Run loops Watch until ctx is done, pushing events onto the queue.
func (w *ProcessWatcher) Run(ctx context.Context) error {
	w.logger.Debug("process watcher started")
	defer w.logger.Debug("process watcher stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		events, err := w.Watch(ctx)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrWatchTimeout):
			continue
		case ctx.Err() != nil:
			return nil
		default:
			w.logger.Warn("process watch failed", zap.Error(err))
			// Back off one interval so a broken facility does not spin.
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.timing.PollInterval):
			}
			continue
		}

		for _, ev := range events {
			select {
			case w.queue <- ev:
			case <-ctx.Done():
				return nil
			default:
				w.logger.Warn("event queue full, dropping event",
					zap.String("process", ev.Name),
					zap.Int32("pid", ev.PID))
			}
		}
	}
}
