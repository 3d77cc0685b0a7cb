package daemon

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eliteGoblin/focusd/watchman/internal/domain"
)

// DefaultQueueSize bounds the event queue shared by a watchlet's two watchers.
const DefaultQueueSize = 64

// WatchletStats counts what a watchlet did with the events it received.
type WatchletStats struct {
	Received   int64
	Duplicates int64
	Dispatched int64
	Activated  int64
}

// pendingDispatch is an in-flight TaskRunner call. The loop polls done and
// collects the result on a later iteration instead of blocking on it.
type pendingDispatch struct {
	event     domain.ProcessEvent
	done      chan struct{}
	activated bool
	err       error
}

func (p *pendingDispatch) finished() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Watchlet owns one notification kind. It runs two overlapping watchers,
// started half a watch timeout apart, so that one of them is always armed
// while the other re-subscribes. Duplicate reports of the same process event
// are dropped before dispatch.
type Watchlet struct {
	kind       domain.NotificationKind
	names      []string
	subscriber domain.EventSubscriber
	runner     domain.TaskRunner
	timing     Timing
	queueSize  int
	metrics    domain.MetricsCollector
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.Mutex
	state   domain.WatchletState
	cancel  context.CancelFunc
	group   *errgroup.Group
	stopped chan struct{}

	stopOnce sync.Once

	// Owned by the dispatch loop.
	lastAccepted map[string]time.Time

	received   atomic.Int64
	duplicates atomic.Int64
	dispatched atomic.Int64
	activated  atomic.Int64
}

// NewWatchlet creates a watchlet in the STARTING state.
func NewWatchlet(
	kind domain.NotificationKind,
	names []string,
	subscriber domain.EventSubscriber,
	runner domain.TaskRunner,
	timing Timing,
	metrics domain.MetricsCollector,
	logger *zap.Logger,
) *Watchlet {
	if metrics == nil {
		metrics = domain.NoopMetrics{}
	}
	return &Watchlet{
		kind:         kind,
		names:        append([]string(nil), names...),
		subscriber:   subscriber,
		runner:       runner,
		timing:       timing.Normalize(),
		queueSize:    DefaultQueueSize,
		metrics:      metrics,
		logger:       logger.With(zap.String("kind", string(kind))),
		now:          time.Now,
		state:        domain.WatchletStarting,
		stopped:      make(chan struct{}),
		lastAccepted: make(map[string]time.Time),
	}
}

// Kind returns the notification kind this watchlet owns.
func (w *Watchlet) Kind() domain.NotificationKind {
	return w.kind
}

// Targets returns the watched executable names in the order given at construction.
func (w *Watchlet) Targets() []string {
	return append([]string(nil), w.names...)
}

// State returns the current lifecycle state.
func (w *Watchlet) State() domain.WatchletState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Stats returns a snapshot of the event counters.
func (w *Watchlet) Stats() WatchletStats {
	return WatchletStats{
		Received:   w.received.Load(),
		Duplicates: w.duplicates.Load(),
		Dispatched: w.dispatched.Load(),
		Activated:  w.activated.Load(),
	}
}

// Start launches watcher A and the dispatch loop immediately, and watcher B after
// the stagger delay. It returns without waiting for B.
func (w *Watchlet) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != domain.WatchletStarting || w.group != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.group = &errgroup.Group{}

	queue := make(chan domain.ProcessEvent, w.queueSize)
	watcherA := NewProcessWatcher("A", w.kind, w.names, w.subscriber, queue, w.timing, w.logger)
	watcherB := NewProcessWatcher("B", w.kind, w.names, w.subscriber, queue, w.timing, w.logger)

	w.group.Go(func() error { return watcherA.Run(runCtx) })
	w.group.Go(func() error { return w.loop(runCtx, queue) })

	group := w.group
	group.Go(func() error {
		select {
		case <-runCtx.Done():
			return nil
		case <-time.After(w.timing.Stagger()):
		}
		group.Go(func() error { return watcherB.Run(runCtx) })
		w.setState(domain.WatchletStarting, domain.WatchletRunning)
		return nil
	})

	w.logger.Info("watchlet started",
		zap.Strings("targets", w.names),
		zap.Duration("stagger", w.timing.Stagger()))
}

// Stop cancels both watchers and the dispatch loop and joins them, giving up
// after one watch timeout. Safe to call more than once and before Start.
func (w *Watchlet) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.state = domain.WatchletStopping
		cancel, group := w.cancel, w.group
		w.mu.Unlock()

		if cancel != nil {
			cancel()
			joined := make(chan struct{})
			go func() {
				_ = group.Wait()
				close(joined)
			}()

			select {
			case <-joined:
			case <-time.After(w.timing.WatchTimeout):
				w.logger.Warn("watchlet join timed out, continuing shutdown",
					zap.Duration("timeout", w.timing.WatchTimeout))
			}
		}

		w.mu.Lock()
		w.state = domain.WatchletStopped
		w.mu.Unlock()
		close(w.stopped)

		w.logger.Info("watchlet stopped",
			zap.Int64("received", w.received.Load()),
			zap.Int64("duplicates", w.duplicates.Load()),
			zap.Int64("dispatched", w.dispatched.Load()))
	})
}

// Wait blocks until the watchlet is STOPPED.
func (w *Watchlet) Wait() {
	<-w.stopped
}

func (w *Watchlet) setState(from, to domain.WatchletState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == from {
		w.state = to
	}
}

// loop pulls events off the queue, drops duplicates and dispatches the rest.
func (w *Watchlet) loop(ctx context.Context, queue <-chan domain.ProcessEvent) error {
	var pending []*pendingDispatch

	poll := time.NewTimer(w.timing.Stagger())
	defer poll.Stop()

	for {
		pending = w.collect(pending)

		select {
		case <-ctx.Done():
			w.drain(pending)
			return nil

		case ev := <-queue:
			if p := w.accept(ctx, ev); p != nil {
				pending = append(pending, p)
			}

		case <-poll.C:
		}

		if !poll.Stop() {
			select {
			case <-poll.C:
			default:
			}
		}
		poll.Reset(w.timing.Stagger())
	}
}

// accept applies the dedupe window and starts a dispatch for a genuine event.
func (w *Watchlet) accept(ctx context.Context, ev domain.ProcessEvent) *pendingDispatch {
	w.received.Add(1)
	w.metrics.EventReceived(w.kind)

	now := w.now()
	w.prune(now)

	key := ev.Key()
	if last, ok := w.lastAccepted[key]; ok && now.Sub(last) < w.timing.WatchTimeout {
		w.duplicates.Add(1)
		w.metrics.EventDeduplicated(w.kind)
		w.logger.Debug("duplicate event dropped",
			zap.String("process", ev.Name),
			zap.Int32("pid", ev.PID))
		return nil
	}
	w.lastAccepted[key] = now

	w.dispatched.Add(1)
	w.metrics.EventDispatched(w.kind)
	w.logger.Info("process event",
		zap.String("process", ev.Name),
		zap.Int32("pid", ev.PID))

	return w.dispatch(ctx, ev)
}

// dispatch runs the TaskRunner in its own goroutine.
func (w *Watchlet) dispatch(ctx context.Context, ev domain.ProcessEvent) *pendingDispatch {
	p := &pendingDispatch{event: ev, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		p.activated, p.err = w.runner.OnEvent(ctx, ev.Name, ev.PID)
	}()
	return p
}

// collect reaps finished dispatches without blocking and returns the rest.
func (w *Watchlet) collect(pending []*pendingDispatch) []*pendingDispatch {
	remaining := pending[:0]
	for _, p := range pending {
		if !p.finished() {
			remaining = append(remaining, p)
			continue
		}
		w.report(p)
	}
	return remaining
}

// drain waits for in-flight dispatches after cancellation. They observe the
// same context, so this is bounded by the runner's own cancellation latency.
func (w *Watchlet) drain(pending []*pendingDispatch) {
	for _, p := range pending {
		<-p.done
		w.report(p)
	}
}

func (w *Watchlet) report(p *pendingDispatch) {
	switch {
	case errors.Is(p.err, context.Canceled):
	case p.err != nil:
		w.logger.Warn("task dispatch failed",
			zap.String("process", p.event.Name),
			zap.Int32("pid", p.event.PID),
			zap.Error(p.err))
	case p.activated:
		w.activated.Add(1)
	}
}

// prune forgets keys whose window has passed.
func (w *Watchlet) prune(now time.Time) {
	for key, last := range w.lastAccepted {
		if now.Sub(last) >= w.timing.WatchTimeout {
			delete(w.lastAccepted, key)
		}
	}
}
