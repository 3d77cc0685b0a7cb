package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrWatchTimeout is returned when no qualifying event arrived within the watch timeout.
	ErrWatchTimeout = errors.New("watch timed out")

	// ErrChannelNotFound is returned when the control channel region does not exist.
	ErrChannelNotFound = errors.New("control channel not found")

	// ErrExecutableNotFound is returned when a task's executable does not exist.
	ErrExecutableNotFound = errors.New("executable not found")

	// ErrKeyExists is returned when storing a rule store key over an existing one.
	ErrKeyExists = errors.New("rule store key already exists")
)

// ProcessProbe reports whether a named executable is running.
// Implementation: gopsutil process enumeration.
type ProcessProbe interface {
	// IsRunning does a case-insensitive exact match against running image names.
	// Enumeration failures are reported as "not running".
	IsRunning(executable string) bool
}

// ProcessController starts and stops processes.
type ProcessController interface {
	// Start launches the executable and returns its PID.
	Start(ctx context.Context, req StartRequest) (int, error)

	// Stop terminates every process with the given image name.
	// Zero matches is not an error.
	Stop(ctx context.Context, executable string) (int, error)
}

// Subscription is one armed process-event subscription.
type Subscription interface {
	// Next blocks until at least one qualifying event is observed or the timeout
	// elapses (ErrWatchTimeout).
	Next(ctx context.Context, timeout time.Duration) ([]ProcessEvent, error)

	// Close releases the subscription.
	Close() error
}

// EventSubscriber is the OS process-event subscription facility.
type EventSubscriber interface {
	// Subscribe arms a subscription for kind. An empty names set watches all processes.
	Subscribe(kind NotificationKind, names []string, pollInterval time.Duration) (Subscription, error)
}

// RuleSession is a consistent, read-only snapshot of the rule store.
// Sessions are owned by a single evaluation and must not be reused.
type RuleSession interface {
	// ActiveProfiles returns every active profile with processes, tasks, conditions
	// and gates, ordered by id and each child list by its order field.
	ActiveProfiles(ctx context.Context) ([]Profile, error)

	// Close discards the session.
	Close() error
}

// RuleStore opens read sessions on the rule data.
// Implementation: SQLCipher encrypted SQLite database.
type RuleStore interface {
	OpenSession(ctx context.Context) (RuleSession, error)
}

// ControlChannel is the 4-byte shared region used to signal the running engine.
type ControlChannel interface {
	// Read returns the current token; unrecognised values read as StateUnknown.
	Read() ControlState

	// Write stores a token.
	Write(state ControlState) error

	// Close unmaps the region without removing it.
	Close() error

	// Remove closes and releases the region.
	Remove() error
}

// FileSystemManager handles filesystem operations.
type FileSystemManager interface {
	// Exists checks if a path exists.
	Exists(path string) bool

	// ExpandHome expands ~ to the user's home directory.
	ExpandHome(path string) string
}

// KeyProvider abstracts the source of the rule store encryption key.
type KeyProvider interface {
	// GetKey returns the encryption key bytes.
	GetKey() ([]byte, error)

	// StoreKey persists a new encryption key. It never replaces a stored key,
	// which would lock every reader out of the rule store; ErrKeyExists instead.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been generated.
	KeyExists() bool
}

// TaskRunner handles a triggering event: match, evaluate and execute tasks.
type TaskRunner interface {
	// OnEvent returns true if at least one task was activated.
	OnEvent(ctx context.Context, processName string, pid int32) (bool, error)
}

// MetricsCollector records engine metrics.
// Implementation: Prometheus registry, or NoopMetrics when metrics are disabled.
type MetricsCollector interface {
	// EventReceived counts a raw event taken off a Watchlet queue.
	EventReceived(kind NotificationKind)

	// EventDeduplicated counts an event dropped as a duplicate.
	EventDeduplicated(kind NotificationKind)

	// EventDispatched counts an event handed to the TaskRunner.
	EventDispatched(kind NotificationKind)

	// TaskActivated counts a started or stopped task; action is "start" or "stop".
	TaskActivated(action string)

	// TaskFailed counts a task whose launch or termination failed.
	TaskFailed(action string)

	// EvaluationDuration records the time spent handling one event.
	EvaluationDuration(d time.Duration, activated bool)

	// ActiveWatchlets records the number of running Watchlets.
	ActiveWatchlets(n int)

	// Reload counts a watcher rebuild.
	Reload()
}

// NoopMetrics discards all metrics.
type NoopMetrics struct{}

func (NoopMetrics) EventReceived(NotificationKind)         {}
func (NoopMetrics) EventDeduplicated(NotificationKind)     {}
func (NoopMetrics) EventDispatched(NotificationKind)       {}
func (NoopMetrics) TaskActivated(string)                   {}
func (NoopMetrics) TaskFailed(string)                      {}
func (NoopMetrics) EvaluationDuration(time.Duration, bool) {}
func (NoopMetrics) ActiveWatchlets(int)                    {}
func (NoopMetrics) Reload()                                {}

// StatusStore persists the status a running engine publishes.
type StatusStore interface {
	Write(status EngineStatus) error

	// Read returns nil, nil when no engine has published a status.
	Read() (*EngineStatus, error)

	Clear() error
}
