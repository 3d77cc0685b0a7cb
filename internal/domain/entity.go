// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// NotificationKind is the class of process lifecycle event a Process is watched under.
type NotificationKind string

const (
	KindCreation     NotificationKind = "Creation"
	KindDeletion     NotificationKind = "Deletion"
	KindOperation    NotificationKind = "Operation"
	KindModification NotificationKind = "Modification"
)

// NotificationKinds lists every supported kind in display order.
var NotificationKinds = []NotificationKind{KindCreation, KindDeletion, KindOperation, KindModification}

// ParseNotificationKind parses a kind case-insensitively.
func ParseNotificationKind(s string) (NotificationKind, error) {
	for _, k := range NotificationKinds {
		if strings.EqualFold(string(k), strings.TrimSpace(s)) {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown notification kind: %q", s)
}

// Covers reports whether an event of kind other satisfies a subscription of kind k.
// Operation subscriptions receive creation, deletion and modification events.
func (k NotificationKind) Covers(other NotificationKind) bool {
	return k == other || k == KindOperation
}

// GateOp is the binary operator joining two adjacent condition results.
type GateOp string

const (
	GateAnd GateOp = "AND"
	GateOr  GateOp = "OR"
)

// Gate sits at position Order between two consecutive Conditions of a Task.
type Gate struct {
	ID    int64
	Order int
	Op    GateOp
}

// Process is an executable identity.
type Process struct {
	ID         int64
	Name       string
	Executable string           // Image file name, e.g. "notepad.exe"
	Path       string           // Install directory
	Kind       NotificationKind // Only meaningful for profile watch targets
}

// ExecutablePath returns the full path of the executable, or "" if no executable is set.
func (p Process) ExecutablePath() string {
	if p.Executable == "" {
		return ""
	}
	return filepath.Join(p.Path, p.Executable)
}

// Condition is the predicate "Process is (not) running".
type Condition struct {
	ID      int64
	Name    string
	Order   int
	Running bool // true: must be running, false: must not be running
	Process Process
}

// Task is an automation rule that starts or stops one target Process.
type Task struct {
	ID      int64
	Name    string
	Active  bool
	Stop    bool   // Terminate the target instead of starting it
	Command string // Extra command-line arguments, shell quoted
	Cwd     string

	WindowMinimized bool
	WindowActive    bool

	// AllowMultipleInstances lets a start task run even if the target is already
	// running, e.g. to pass exit arguments to a running instance.
	AllowMultipleInstances bool

	Process    Process
	Conditions []Condition
	Gates      []Gate
}

// WindowMode returns the window visibility hint for the started process.
func (t Task) WindowMode() WindowMode {
	return WindowModeFor(t.WindowMinimized, t.WindowActive)
}

// Profile is a named, independently activatable group of watched Processes and Tasks.
type Profile struct {
	ID        int64
	Name      string
	Active    bool
	Processes []Process
	Tasks     []Task
}

// WindowMode is the visibility hint handed to the process-control interface.
type WindowMode string

const (
	WindowMinimizedInactive WindowMode = "minimized-inactive"
	WindowMinimizedActive   WindowMode = "minimized-active"
	WindowNormalInactive    WindowMode = "normal-inactive"
	WindowNormalActive      WindowMode = "normal-active"
)

// WindowModeFor maps the minimized x active flag combination to a WindowMode.
func WindowModeFor(minimized, active bool) WindowMode {
	switch {
	case minimized && !active:
		return WindowMinimizedInactive
	case minimized && active:
		return WindowMinimizedActive
	case !minimized && !active:
		return WindowNormalInactive
	default:
		return WindowNormalActive
	}
}

// Win32 ShowWindow values.
const (
	swShowMinimized   = 2
	swShowMinNoActive = 7
	swShowNA          = 8
	swShowDefault     = 10
)

// ShowCommand returns the Win32 ShowWindow value for the mode.
// WindowNormalActive returns SW_SHOWDEFAULT, meaning "do not override".
func (m WindowMode) ShowCommand() uint16 {
	switch m {
	case WindowMinimizedInactive:
		return swShowMinNoActive
	case WindowMinimizedActive:
		return swShowMinimized
	case WindowNormalInactive:
		return swShowNA
	default:
		return swShowDefault
	}
}

// ProcessEvent is a qualifying process lifecycle event.
type ProcessEvent struct {
	Name       string
	PID        int32
	Kind       NotificationKind
	ObservedAt time.Time
}

// Key identifies the underlying OS event for de-duplication.
func (e ProcessEvent) Key() string {
	return fmt.Sprintf("%s/%d", strings.ToLower(e.Name), e.PID)
}

// ControlState is the 4-byte token held in the control channel.
type ControlState string

const (
	StateRun  ControlState = "RUN_"
	StateRead ControlState = "READ"
	StateExit ControlState = "EXIT"

	// StateUnknown is reported for any unrecognised value.
	StateUnknown ControlState = "unknown"
	// StateNotRunning is reported when the channel does not exist.
	StateNotRunning ControlState = "not-running"
)

// ParseControlState maps raw channel bytes to a ControlState.
func ParseControlState(b []byte) ControlState {
	switch ControlState(b) {
	case StateRun, StateRead, StateExit:
		return ControlState(b)
	default:
		return StateUnknown
	}
}

// IsToken reports whether s can be written to the channel.
func (s ControlState) IsToken() bool {
	return s == StateRun || s == StateRead || s == StateExit
}

// Describe returns the status text shown to an operator.
func (s ControlState) Describe() string {
	switch s {
	case StateRun:
		return "active"
	case StateRead:
		return "waiting for watcher to reload"
	case StateExit:
		return "shutting down"
	case StateNotRunning:
		return "not running"
	default:
		return "status could not be detected"
	}
}

// WatchletState is the lifecycle state of a Watchlet.
type WatchletState string

const (
	WatchletStarting WatchletState = "STARTING"
	WatchletRunning  WatchletState = "RUNNING"
	WatchletStopping WatchletState = "STOPPING"
	WatchletStopped  WatchletState = "STOPPED"
)

// StartRequest describes a process launch.
type StartRequest struct {
	Path   string
	Args   []string
	Cwd    string
	Window WindowMode
}

// TaskResult captures what happened to one activated Task.
type TaskResult struct {
	TaskID     int64
	TaskName   string
	Stop       bool
	PID        int   // Started process, 0 for stop tasks
	Terminated int   // Stopped processes
	Err        error // Launch or terminate failure
}

// EvaluationResult captures a single triggering event's evaluation.
type EvaluationResult struct {
	ProcessName string
	PID         int32
	Candidates  int
	Attempts    int
	Activated   []TaskResult
	ExecutedAt  time.Time
	DurationMs  int64
}

// WatchletStatus is a point-in-time view of one Watchlet.
type WatchletStatus struct {
	Kind       NotificationKind `json:"kind"`
	Targets    []string         `json:"targets"`
	State      WatchletState    `json:"state"`
	Received   int64            `json:"received"`
	Duplicates int64            `json:"duplicates"`
	Dispatched int64            `json:"dispatched"`
	Activated  int64            `json:"activated"`
}

// LastEvent summarises the most recent evaluation.
type LastEvent struct {
	ProcessName string    `json:"process_name"`
	PID         int32     `json:"pid"`
	Activated   int       `json:"activated"`
	At          time.Time `json:"at"`
}

// EngineStatus is what a running engine publishes for the status command.
type EngineStatus struct {
	Version       int              `json:"version"`
	PID           int              `json:"pid"`
	AppVersion    string           `json:"app_version,omitempty"`
	Mode          string           `json:"mode"`
	ChannelName   string           `json:"channel_name"`
	StartedAt     time.Time        `json:"started_at"`
	LastHeartbeat time.Time        `json:"last_heartbeat"`
	Watchlets     []WatchletStatus `json:"watchlets"`
	LastEvent     *LastEvent       `json:"last_event,omitempty"`
}
