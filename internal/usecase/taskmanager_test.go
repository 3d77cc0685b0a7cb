package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/watchman/internal/domain"
	"github.com/eliteGoblin/focusd/watchman/internal/policy"
)

// mockProbe implements domain.ProcessProbe for testing.
// Each call pops the next scripted answer for an executable; the last answer sticks.
type mockProbe struct {
	mu      sync.Mutex
	running map[string][]bool
	calls   map[string]int
}

func newMockProbe(running map[string][]bool) *mockProbe {
	return &mockProbe{running: running, calls: make(map[string]int)}
}

func (m *mockProbe) IsRunning(executable string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(executable)
	answers := m.running[key]
	n := m.calls[key]
	m.calls[key]++
	if len(answers) == 0 {
		return false
	}
	if n >= len(answers) {
		return answers[len(answers)-1]
	}
	return answers[n]
}

// mockController implements domain.ProcessController for testing
type mockController struct {
	mu        sync.Mutex
	started   []domain.StartRequest
	stopped   []string
	startErr  error
	stopCount int
	stopErr   error
}

func (m *mockController) Start(ctx context.Context, req domain.StartRequest) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return 0, m.startErr
	}
	m.started = append(m.started, req)
	return 1000 + len(m.started), nil
}

func (m *mockController) Stop(ctx context.Context, executable string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = append(m.stopped, executable)
	return m.stopCount, m.stopErr
}

// mockFileSystemManager implements domain.FileSystemManager for testing
type mockFileSystemManager struct {
	missing map[string]bool
}

func (m *mockFileSystemManager) Exists(path string) bool {
	return path != "" && !m.missing[path]
}

func (m *mockFileSystemManager) ExpandHome(path string) string {
	return strings.Replace(path, "~", "/home/test", 1)
}

// mockRuleStore implements domain.RuleStore for testing
type mockRuleStore struct {
	profiles []domain.Profile
	openErr  error
	loadErr  error
	opened   int
	closed   int
}

func (m *mockRuleStore) OpenSession(ctx context.Context) (domain.RuleSession, error) {
	if m.openErr != nil {
		return nil, m.openErr
	}
	m.opened++
	return &mockSession{store: m}, nil
}

type mockSession struct {
	store *mockRuleStore
}

func (s *mockSession) ActiveProfiles(ctx context.Context) ([]domain.Profile, error) {
	if s.store.loadErr != nil {
		return nil, s.store.loadErr
	}
	var active []domain.Profile
	for _, p := range s.store.profiles {
		if p.Active {
			active = append(active, p)
		}
	}
	return active, nil
}

func (s *mockSession) Close() error {
	s.store.closed++
	return nil
}

// recordingMetrics counts task outcomes.
type recordingMetrics struct {
	domain.NoopMetrics
	mu        sync.Mutex
	activated map[string]int
	failed    map[string]int
	evals     int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{activated: map[string]int{}, failed: map[string]int{}}
}

func (r *recordingMetrics) TaskActivated(action string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activated[action]++
}

func (r *recordingMetrics) TaskFailed(action string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[action]++
}

func (r *recordingMetrics) EvaluationDuration(time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evals++
}

type taskManagerFixture struct {
	tm         *TaskManagerImpl
	store      *mockRuleStore
	probe      *mockProbe
	controller *mockController
	fs         *mockFileSystemManager
	metrics    *recordingMetrics
	sleeps     []time.Duration
}

func newFixture(profiles []domain.Profile, running map[string][]bool) *taskManagerFixture {
	f := &taskManagerFixture{
		store:      &mockRuleStore{profiles: profiles},
		probe:      newMockProbe(running),
		controller: &mockController{},
		fs:         &mockFileSystemManager{missing: map[string]bool{}},
		metrics:    newRecordingMetrics(),
	}
	f.tm = NewTaskManager(f.store, f.probe, f.controller, f.fs, policy.DefaultRetryPolicy(), f.metrics, zap.NewNop())
	f.tm.sleep = func(ctx context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return ctx.Err()
	}
	return f
}

func proc(exe string) domain.Process {
	return domain.Process{Name: exe, Executable: exe, Path: "/apps", Kind: domain.KindCreation}
}

func cond(order int, exe string, running bool) domain.Condition {
	return domain.Condition{Order: order, Running: running, Process: proc(exe)}
}

func gate(order int, op domain.GateOp) domain.Gate {
	return domain.Gate{Order: order, Op: op}
}

func profileWatching(watch string, tasks ...domain.Task) domain.Profile {
	return domain.Profile{ID: 1, Name: "p", Active: true, Processes: []domain.Process{proc(watch)}, Tasks: tasks}
}

func TestNewTaskManager(t *testing.T) {
	tm := NewTaskManager(&mockRuleStore{}, newMockProbe(nil), &mockController{}, &mockFileSystemManager{},
		policy.RetryPolicy{}, nil, zap.NewNop())

	require.NotNil(t, tm)
	assert.Equal(t, 1, tm.retry.Attempts, "policy normalized")
	assert.IsType(t, domain.NoopMetrics{}, tm.metrics)
	assert.Nil(t, tm.LastRun())
}

func TestTaskManager_StartsTaskWhenConditionsHold(t *testing.T) {
	// Starting notepad.exe launches monitor.exe when X is running AND Y is not.
	task := domain.Task{
		ID: 10, Name: "monitor", Active: true,
		Command: `--profile "my work" -v`, Cwd: "~/work",
		WindowMinimized: true,
		Process:         proc("monitor.exe"),
		Conditions:      []domain.Condition{cond(0, "x.exe", true), cond(1, "y.exe", false)},
		Gates:           []domain.Gate{gate(0, domain.GateAnd)},
	}
	f := newFixture([]domain.Profile{profileWatching("notepad.exe", task)}, map[string][]bool{
		"x.exe": {true},
	})

	activated, err := f.tm.OnEvent(context.Background(), "NOTEPAD.EXE", 77)
	require.NoError(t, err)
	assert.True(t, activated)

	require.Len(t, f.controller.started, 1)
	req := f.controller.started[0]
	assert.Equal(t, "/apps/monitor.exe", req.Path)
	assert.Equal(t, []string{"--profile", "my work", "-v"}, req.Args)
	assert.Equal(t, "/home/test/work", req.Cwd)
	assert.Equal(t, domain.WindowMinimizedInactive, req.Window)
	assert.Empty(t, f.sleeps, "no retry once a task qualified")
	assert.Equal(t, 1, f.metrics.activated[actionStart])

	run := f.tm.LastRun()
	require.NotNil(t, run)
	assert.Equal(t, "NOTEPAD.EXE", run.ProcessName)
	assert.Equal(t, int32(77), run.PID)
	assert.Equal(t, 1, run.Candidates)
	assert.Equal(t, 1, run.Attempts)
	require.Len(t, run.Activated, 1)
	assert.Equal(t, 1001, run.Activated[0].PID)
}

func TestTaskManager_NoMatchingProfile(t *testing.T) {
	task := domain.Task{ID: 1, Name: "t", Active: true, Process: proc("monitor.exe")}
	f := newFixture([]domain.Profile{profileWatching("notepad.exe", task)}, nil)

	activated, err := f.tm.OnEvent(context.Background(), "calc.exe", 1)
	require.NoError(t, err)
	assert.False(t, activated)
	assert.Empty(t, f.controller.started)
	assert.Empty(t, f.sleeps)
	assert.Equal(t, f.store.opened, f.store.closed, "session always closed")
}

func TestTaskManager_RetryActivatesAfterProcessExits(t *testing.T) {
	// The watched game is still visible on the first check and gone on the second.
	task := domain.Task{
		ID: 5, Name: "cleanup", Active: true,
		Process:    proc("cleanup.exe"),
		Conditions: []domain.Condition{cond(0, "game.exe", false)},
	}
	f := newFixture([]domain.Profile{profileWatching("game.exe", task)}, map[string][]bool{
		"game.exe": {true, false},
	})

	activated, err := f.tm.OnEvent(context.Background(), "game.exe", 5)
	require.NoError(t, err)
	assert.True(t, activated)
	assert.Equal(t, []time.Duration{policy.DefaultRetryWait}, f.sleeps)
	assert.Len(t, f.controller.started, 1)
	assert.Equal(t, 2, f.tm.LastRun().Attempts)
}

func TestTaskManager_RetrySkippedWhenAnotherTaskQualified(t *testing.T) {
	first := domain.Task{
		ID: 1, Name: "cleanup", Active: true,
		Process:    proc("cleanup.exe"),
		Conditions: []domain.Condition{cond(0, "game.exe", false)},
	}
	second := domain.Task{ID: 2, Name: "always", Active: true, Process: proc("logger.exe")}
	f := newFixture([]domain.Profile{profileWatching("game.exe", first, second)}, map[string][]bool{
		"game.exe": {true, false},
	})

	activated, err := f.tm.OnEvent(context.Background(), "game.exe", 5)
	require.NoError(t, err)
	assert.True(t, activated)
	assert.Empty(t, f.sleeps)
	require.Len(t, f.controller.started, 1)
	assert.Equal(t, "/apps/logger.exe", f.controller.started[0].Path)
}

func TestTaskManager_RetryExhausted(t *testing.T) {
	task := domain.Task{
		ID: 1, Name: "cleanup", Active: true,
		Process:    proc("cleanup.exe"),
		Conditions: []domain.Condition{cond(0, "game.exe", false)},
	}
	f := newFixture([]domain.Profile{profileWatching("game.exe", task)}, map[string][]bool{
		"game.exe": {true},
	})

	activated, err := f.tm.OnEvent(context.Background(), "game.exe", 5)
	require.NoError(t, err)
	assert.False(t, activated)
	assert.Len(t, f.sleeps, 1, "exactly one bounded re-check")
	assert.Empty(t, f.controller.started)
}

func TestTaskManager_RetryHonoursCancellation(t *testing.T) {
	task := domain.Task{
		ID: 1, Name: "cleanup", Active: true,
		Process:    proc("cleanup.exe"),
		Conditions: []domain.Condition{cond(0, "game.exe", false)},
	}
	f := newFixture([]domain.Profile{profileWatching("game.exe", task)}, map[string][]bool{
		"game.exe": {true},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	activated, err := f.tm.OnEvent(ctx, "game.exe", 5)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, activated)
	assert.Equal(t, f.store.opened, f.store.closed)
}

func TestTaskManager_ConfigurableRetry(t *testing.T) {
	task := domain.Task{
		ID: 1, Name: "cleanup", Active: true,
		Process:    proc("cleanup.exe"),
		Conditions: []domain.Condition{cond(0, "game.exe", false)},
	}
	f := newFixture([]domain.Profile{profileWatching("game.exe", task)}, map[string][]bool{
		"game.exe": {true, true, true, false},
	})
	f.tm.retry = policy.RetryPolicy{Attempts: 4, Wait: time.Second}

	activated, err := f.tm.OnEvent(context.Background(), "game.exe", 5)
	require.NoError(t, err)
	assert.True(t, activated)
	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second}, f.sleeps)
}

func TestTaskManager_Eligibility(t *testing.T) {
	tests := []struct {
		name    string
		task    domain.Task
		running map[string][]bool
		missing []string
		want    bool
	}{
		{
			name: "inactive task skipped",
			task: domain.Task{ID: 1, Process: proc("a.exe")},
			want: false,
		},
		{
			name:    "missing target skipped",
			task:    domain.Task{ID: 1, Active: true, Process: proc("a.exe")},
			missing: []string{"/apps/a.exe"},
			want:    false,
		},
		{
			name:    "start skipped when already running",
			task:    domain.Task{ID: 1, Active: true, Process: proc("a.exe")},
			running: map[string][]bool{"a.exe": {true}},
			want:    false,
		},
		{
			name:    "start allowed with multiple instances",
			task:    domain.Task{ID: 1, Active: true, AllowMultipleInstances: true, Process: proc("a.exe")},
			running: map[string][]bool{"a.exe": {true}},
			want:    true,
		},
		{
			name: "stop skipped when not running",
			task: domain.Task{ID: 1, Active: true, Stop: true, Process: proc("a.exe")},
			want: false,
		},
		{
			name:    "stop when running",
			task:    domain.Task{ID: 1, Active: true, Stop: true, Process: proc("a.exe")},
			running: map[string][]bool{"a.exe": {true}},
			want:    true,
		},
		{
			name: "missing condition executable counts as not running",
			task: domain.Task{ID: 1, Active: true, Process: proc("a.exe"),
				Conditions: []domain.Condition{cond(0, "gone.exe", false)}},
			running: map[string][]bool{"gone.exe": {true}},
			missing: []string{"/apps/gone.exe"},
			want:    true,
		},
		{
			name: "left to right without precedence",
			// (true AND false) OR true
			task: domain.Task{ID: 1, Active: true, Process: proc("a.exe"),
				Conditions: []domain.Condition{cond(2, "z.exe", true), cond(0, "x.exe", true), cond(1, "y.exe", true)},
				Gates:      []domain.Gate{gate(1, domain.GateOr), gate(0, domain.GateAnd)}},
			running: map[string][]bool{"x.exe": {true}, "z.exe": {true}},
			want:    true,
		},
		{
			name: "gate mismatch skipped",
			task: domain.Task{ID: 1, Active: true, Process: proc("a.exe"),
				Conditions: []domain.Condition{cond(0, "x.exe", true), cond(1, "y.exe", true)}},
			running: map[string][]bool{"x.exe": {true}, "y.exe": {true}},
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(nil, tt.running)
			for _, p := range tt.missing {
				f.fs.missing[p] = true
			}
			assert.Equal(t, tt.want, f.tm.isEligible(tt.task))
		})
	}
}

func TestTaskManager_StopTask(t *testing.T) {
	task := domain.Task{ID: 3, Name: "kill launcher", Active: true, Stop: true, Process: proc("launcher.exe")}
	f := newFixture([]domain.Profile{profileWatching("game.exe", task)}, map[string][]bool{
		"launcher.exe": {true},
	})
	f.controller.stopCount = 2

	activated, err := f.tm.OnEvent(context.Background(), "game.exe", 9)
	require.NoError(t, err)
	assert.True(t, activated)
	assert.Equal(t, []string{"launcher.exe"}, f.controller.stopped)
	assert.Equal(t, 2, f.tm.LastRun().Activated[0].Terminated)
	assert.Equal(t, 1, f.metrics.activated[actionStop])
}

func TestTaskManager_StopNothingIsBenign(t *testing.T) {
	task := domain.Task{ID: 3, Name: "kill launcher", Active: true, Stop: true, Process: proc("launcher.exe")}
	f := newFixture([]domain.Profile{profileWatching("game.exe", task)}, map[string][]bool{
		"launcher.exe": {true},
	})

	_, err := f.tm.OnEvent(context.Background(), "game.exe", 9)
	require.NoError(t, err)

	result := f.tm.LastRun().Activated[0]
	assert.NoError(t, result.Err)
	assert.Zero(t, result.Terminated)
	assert.Zero(t, f.metrics.failed[actionStop])
}

func TestTaskManager_FailuresDoNotAbortBatch(t *testing.T) {
	broken := domain.Task{ID: 1, Name: "broken", Active: true, Command: `--title "unterminated`, Process: proc("a.exe")}
	good := domain.Task{ID: 2, Name: "good", Active: true, Process: proc("b.exe")}
	f := newFixture([]domain.Profile{profileWatching("game.exe", broken, good)}, nil)

	activated, err := f.tm.OnEvent(context.Background(), "game.exe", 1)
	require.NoError(t, err)
	assert.True(t, activated)

	run := f.tm.LastRun()
	require.Len(t, run.Activated, 2)
	assert.Error(t, run.Activated[0].Err)
	assert.NoError(t, run.Activated[1].Err)
	require.Len(t, f.controller.started, 1)
	assert.Equal(t, "/apps/b.exe", f.controller.started[0].Path)
	assert.Equal(t, 1, f.metrics.failed[actionStart])
}

func TestTaskManager_StartError(t *testing.T) {
	task := domain.Task{ID: 1, Name: "t", Active: true, Process: proc("a.exe")}
	f := newFixture([]domain.Profile{profileWatching("game.exe", task)}, nil)
	f.controller.startErr = domain.ErrExecutableNotFound

	_, err := f.tm.OnEvent(context.Background(), "game.exe", 1)
	require.NoError(t, err, "launch failures are reported per task")
	assert.ErrorIs(t, f.tm.LastRun().Activated[0].Err, domain.ErrExecutableNotFound)
}

func TestTaskManager_StartExpandsHomeInPath(t *testing.T) {
	companion := proc("companion")
	companion.Path = "~/bin"
	task := domain.Task{ID: 1, Name: "t", Active: true, Process: companion}
	f := newFixture([]domain.Profile{profileWatching("game.exe", task)}, nil)

	activated, err := f.tm.OnEvent(context.Background(), "game.exe", 1)
	require.NoError(t, err)
	assert.True(t, activated)

	require.Len(t, f.controller.started, 1)
	assert.Equal(t, "/home/test/bin/companion", f.controller.started[0].Path)
}

func TestTaskManager_SharedTaskRunsOnce(t *testing.T) {
	task := domain.Task{ID: 42, Name: "shared", Active: true, Process: proc("a.exe")}
	p1 := profileWatching("game.exe", task)
	p2 := profileWatching("game.exe", task)
	p2.ID = 2
	f := newFixture([]domain.Profile{p1, p2}, nil)

	_, err := f.tm.OnEvent(context.Background(), "game.exe", 1)
	require.NoError(t, err)
	assert.Len(t, f.controller.started, 1)
}

func TestTaskManager_StoreErrors(t *testing.T) {
	f := newFixture(nil, nil)
	f.store.openErr = errors.New("database is locked")

	_, err := f.tm.OnEvent(context.Background(), "game.exe", 1)
	assert.ErrorContains(t, err, "failed to open rule session")

	f.store.openErr = nil
	f.store.loadErr = errors.New("corrupt")
	_, err = f.tm.OnEvent(context.Background(), "game.exe", 1)
	assert.ErrorContains(t, err, "failed to load profiles")
	assert.Equal(t, f.store.opened, f.store.closed)
	assert.Equal(t, 2, f.metrics.evals)
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))
	assert.NoError(t, sleepContext(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}
