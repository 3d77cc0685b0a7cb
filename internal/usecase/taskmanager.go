// Package usecase contains application business logic.
package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/watchman/internal/domain"
	"github.com/eliteGoblin/focusd/watchman/internal/policy"
)

const (
	actionStart = "start"
	actionStop  = "stop"
)

// TaskManagerImpl implements domain.TaskRunner.
// Every event gets its own rule session; nothing is cached between events.
type TaskManagerImpl struct {
	store      domain.RuleStore
	probe      domain.ProcessProbe
	controller domain.ProcessController
	fsManager  domain.FileSystemManager
	retry      policy.RetryPolicy
	metrics    domain.MetricsCollector
	logger     *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	lastRun *domain.EvaluationResult
}

// NewTaskManager creates a new task manager.
func NewTaskManager(
	store domain.RuleStore,
	probe domain.ProcessProbe,
	controller domain.ProcessController,
	fs domain.FileSystemManager,
	retry policy.RetryPolicy,
	metrics domain.MetricsCollector,
	logger *zap.Logger,
) *TaskManagerImpl {
	if metrics == nil {
		metrics = domain.NoopMetrics{}
	}
	return &TaskManagerImpl{
		store:      store,
		probe:      probe,
		controller: controller,
		fsManager:  fs,
		retry:      retry.Normalize(),
		metrics:    metrics,
		logger:     logger,
		sleep:      sleepContext,
	}
}

// OnEvent matches the triggering executable against the active profiles, evaluates
// the candidate tasks (re-checking once after the retry wait if none qualified) and
// carries out every eligible task. Returns true if at least one task was activated.
func (tm *TaskManagerImpl) OnEvent(ctx context.Context, processName string, pid int32) (bool, error) {
	start := time.Now()
	result := &domain.EvaluationResult{
		ProcessName: processName,
		PID:         pid,
		ExecutedAt:  start,
	}
	defer func() {
		elapsed := time.Since(start)
		result.DurationMs = elapsed.Milliseconds()
		tm.metrics.EvaluationDuration(elapsed, len(result.Activated) > 0)
		tm.setLastRun(result)
	}()

	session, err := tm.store.OpenSession(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to open rule session: %w", err)
	}
	defer session.Close()

	profiles, err := session.ActiveProfiles(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to load profiles: %w", err)
	}

	candidates := policy.CollectTasks(policy.MatchProfiles(profiles, processName))
	result.Candidates = len(candidates)
	if len(candidates) == 0 {
		tm.logger.Debug("no profile watches process", zap.String("process", processName))
		return false, nil
	}

	var activated []domain.Task
	for attempt := 1; attempt <= tm.retry.Attempts; attempt++ {
		result.Attempts = attempt
		activated = tm.eligibleTasks(candidates)
		if len(activated) > 0 || attempt == tm.retry.Attempts {
			break
		}
		tm.logger.Debug("no task qualified, re-checking",
			zap.String("process", processName),
			zap.Int("attempt", attempt),
			zap.Duration("wait", tm.retry.Wait))
		if err := tm.sleep(ctx, tm.retry.Wait); err != nil {
			return false, err
		}
	}

	for _, task := range activated {
		result.Activated = append(result.Activated, tm.execute(ctx, task))
	}

	if len(activated) > 0 {
		tm.logger.Info("tasks activated",
			zap.String("process", processName),
			zap.Int32("pid", pid),
			zap.Int("activated", len(activated)),
			zap.Int("attempts", result.Attempts))
	}
	return len(activated) > 0, nil
}

// LastRun returns the most recent evaluation, or nil before the first event.
func (tm *TaskManagerImpl) LastRun() *domain.EvaluationResult {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.lastRun == nil {
		return nil
	}
	run := *tm.lastRun
	run.Activated = append([]domain.TaskResult(nil), tm.lastRun.Activated...)
	return &run
}

func (tm *TaskManagerImpl) setLastRun(r *domain.EvaluationResult) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.lastRun = r
}

// eligibleTasks returns the candidates that qualify right now, in candidate order.
func (tm *TaskManagerImpl) eligibleTasks(candidates []domain.Task) []domain.Task {
	var eligible []domain.Task
	for _, task := range candidates {
		if tm.isEligible(task) {
			eligible = append(eligible, task)
		}
	}
	return eligible
}

func (tm *TaskManagerImpl) isEligible(task domain.Task) bool {
	log := tm.logger.With(zap.String("task", task.Name), zap.Int64("task_id", task.ID))

	if !task.Active {
		return false
	}

	target := task.Process.ExecutablePath()
	if !tm.fsManager.Exists(target) {
		log.Warn("task executable not found, skipping", zap.String("path", target))
		return false
	}

	running := tm.probe.IsRunning(task.Process.Executable)
	if !task.Stop && running && !task.AllowMultipleInstances {
		log.Debug("already running, skipping start")
		return false
	}
	if task.Stop && !running {
		log.Debug("not running, skipping stop")
		return false
	}

	if len(task.Conditions) == 0 {
		return true
	}

	conditions := policy.SortConditions(task.Conditions)
	results := make([]bool, len(conditions))
	for i, c := range conditions {
		results[i] = tm.conditionHolds(c)
	}

	ok, err := policy.EvaluateGates(results, policy.SortGates(task.Gates), func(line string) {
		log.Debug(line)
	})
	if err != nil {
		log.Warn("cannot evaluate conditions, skipping", zap.Error(err))
		return false
	}
	return ok
}

// conditionHolds compares the condition's required state with the probe.
// A condition process whose executable is missing counts as not running.
func (tm *TaskManagerImpl) conditionHolds(c domain.Condition) bool {
	running := false
	if tm.fsManager.Exists(c.Process.ExecutablePath()) {
		running = tm.probe.IsRunning(c.Process.Executable)
	}
	return running == c.Running
}

// execute carries out one activated task. Failures are logged and recorded;
// they never abort the remaining tasks.
func (tm *TaskManagerImpl) execute(ctx context.Context, task domain.Task) domain.TaskResult {
	result := domain.TaskResult{TaskID: task.ID, TaskName: task.Name, Stop: task.Stop}
	log := tm.logger.With(zap.String("task", task.Name), zap.String("executable", task.Process.Executable))

	if task.Stop {
		n, err := tm.controller.Stop(ctx, task.Process.Executable)
		result.Terminated = n
		switch {
		case err != nil:
			result.Err = err
			tm.metrics.TaskFailed(actionStop)
			log.Warn("failed to stop process", zap.Error(err))
		case n == 0:
			log.Debug("nothing to stop")
		default:
			tm.metrics.TaskActivated(actionStop)
			log.Info("stopped process", zap.Int("terminated", n))
		}
		return result
	}

	args, err := shellquote.Split(task.Command)
	if err != nil {
		result.Err = fmt.Errorf("invalid task arguments %q: %w", task.Command, err)
		tm.metrics.TaskFailed(actionStart)
		log.Warn("failed to parse task arguments", zap.Error(err))
		return result
	}

	req := domain.StartRequest{
		Path:   tm.fsManager.ExpandHome(task.Process.ExecutablePath()),
		Args:   args,
		Cwd:    tm.fsManager.ExpandHome(task.Cwd),
		Window: task.WindowMode(),
	}
	pid, err := tm.controller.Start(ctx, req)
	if err != nil {
		result.Err = err
		tm.metrics.TaskFailed(actionStart)
		log.Warn("failed to start process", zap.Error(err))
		return result
	}

	result.PID = pid
	tm.metrics.TaskActivated(actionStart)
	log.Info("started process",
		zap.Int("pid", pid),
		zap.Strings("args", args),
		zap.String("window", string(req.Window)))
	return result
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Ensure TaskManagerImpl implements domain.TaskRunner.
var _ domain.TaskRunner = (*TaskManagerImpl)(nil)
