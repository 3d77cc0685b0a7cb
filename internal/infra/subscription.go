package infra

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/eliteGoblin/focusd/watchman/internal/domain"
)

// procInfo is what a snapshot remembers about one PID.
type procInfo struct {
	Name      string
	CreatedAt int64 // Milliseconds since epoch, detects PID reuse
}

// snapshotFunc returns the running processes keyed by PID.
type snapshotFunc func(ctx context.Context) (map[int32]procInfo, error)

// gopsutilSnapshot enumerates processes with gopsutil.
func gopsutilSnapshot(ctx context.Context) (map[int32]procInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}
	snap := make(map[int32]procInfo, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue // Process may have exited
		}
		created, _ := p.CreateTimeWithContext(ctx)
		snap[p.Pid] = procInfo{Name: name, CreatedAt: created}
	}
	return snap, nil
}

// PollingSubscriber implements domain.EventSubscriber by diffing process snapshots.
// Events are batched over the polling interval, like an OS eventing facility with
// a WITHIN clause.
type PollingSubscriber struct {
	snapshot snapshotFunc
	now      func() time.Time
}

// NewPollingSubscriber creates a subscriber backed by gopsutil.
func NewPollingSubscriber() *PollingSubscriber {
	return &PollingSubscriber{snapshot: gopsutilSnapshot, now: time.Now}
}

// NewPollingSubscriberWithSnapshot creates a subscriber with a custom snapshot source (for testing).
func NewPollingSubscriberWithSnapshot(snapshot func(ctx context.Context) (map[int32]string, error)) *PollingSubscriber {
	return &PollingSubscriber{
		snapshot: func(ctx context.Context) (map[int32]procInfo, error) {
			names, err := snapshot(ctx)
			if err != nil {
				return nil, err
			}
			snap := make(map[int32]procInfo, len(names))
			for pid, name := range names {
				snap[pid] = procInfo{Name: name}
			}
			return snap, nil
		},
		now: time.Now,
	}
}

// Subscribe arms a subscription. The baseline snapshot is taken immediately, so only
// changes after this call are reported.
func (s *PollingSubscriber) Subscribe(kind domain.NotificationKind, names []string, pollInterval time.Duration) (domain.Subscription, error) {
	if pollInterval <= 0 {
		return nil, fmt.Errorf("invalid polling interval: %s", pollInterval)
	}
	baseline, err := s.snapshot(context.Background())
	if err != nil {
		return nil, err
	}

	filter := make(map[string]bool, len(names))
	for _, n := range names {
		filter[strings.ToLower(n)] = true
	}

	return &pollingSubscription{
		subscriber:   s,
		kind:         kind,
		filter:       filter,
		pollInterval: pollInterval,
		baseline:     baseline,
	}, nil
}

type pollingSubscription struct {
	subscriber   *PollingSubscriber
	kind         domain.NotificationKind
	filter       map[string]bool
	pollInterval time.Duration
	baseline     map[int32]procInfo
}

// Next polls until at least one qualifying event is seen or timeout elapses.
func (ps *pollingSubscription) Next(ctx context.Context, timeout time.Duration) ([]domain.ProcessEvent, error) {
	deadline := time.NewTimer(timeout)
	ticker := time.NewTicker(ps.pollInterval)
	defer func() {
		deadline.Stop()
		ticker.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-deadline.C:
			return nil, domain.ErrWatchTimeout

		case <-ticker.C:
			current, err := ps.subscriber.snapshot(ctx)
			if err != nil {
				return nil, err
			}
			events := ps.diff(current)
			ps.baseline = current
			if len(events) > 0 {
				return events, nil
			}
		}
	}
}

func (ps *pollingSubscription) Close() error {
	ps.baseline = nil
	return nil
}

// diff compares the baseline with current and returns qualifying events ordered by PID.
func (ps *pollingSubscription) diff(current map[int32]procInfo) []domain.ProcessEvent {
	now := ps.subscriber.now()
	var events []domain.ProcessEvent

	emit := func(kind domain.NotificationKind, pid int32, name string) {
		if !ps.kind.Covers(kind) || !ps.matches(name) {
			return
		}
		events = append(events, domain.ProcessEvent{Name: name, PID: pid, Kind: kind, ObservedAt: now})
	}

	for pid, cur := range current {
		prev, existed := ps.baseline[pid]
		switch {
		case !existed:
			emit(domain.KindCreation, pid, cur.Name)
		case prev.CreatedAt != cur.CreatedAt:
			// PID reused: the old process went away and a new one appeared.
			emit(domain.KindDeletion, pid, prev.Name)
			emit(domain.KindCreation, pid, cur.Name)
		case prev.Name != cur.Name:
			emit(domain.KindModification, pid, cur.Name)
		}
	}
	for pid, prev := range ps.baseline {
		if _, ok := current[pid]; !ok {
			emit(domain.KindDeletion, pid, prev.Name)
		}
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].PID < events[j].PID })
	return events
}

func (ps *pollingSubscription) matches(name string) bool {
	if len(ps.filter) == 0 {
		return true
	}
	return ps.filter[strings.ToLower(name)]
}

// Ensure PollingSubscriber implements domain.EventSubscriber.
var _ domain.EventSubscriber = (*PollingSubscriber)(nil)
