package infra

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"text/template"
)

// AutostartLabel names the login item on every platform.
const AutostartLabel = "com.focusd.watchman"

// AutostartKind is the platform mechanism used to start the engine at logon.
type AutostartKind string

const (
	AutostartLaunchd       AutostartKind = "launchd"
	AutostartSystemd       AutostartKind = "systemd"
	AutostartScheduledTask AutostartKind = "scheduled-task"
)

// LaunchAgent plist template (runs as user)
const launchAgentTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>

    <key>ProgramArguments</key>
    <array>
        <string>{{.ExecutablePath}}</string>
        <string>run</string>
    </array>

    <key>RunAtLoad</key>
    <true/>

    <key>KeepAlive</key>
    <dict>
        <key>Crashed</key>
        <true/>
    </dict>

    <key>StandardOutPath</key>
    <string>{{.LogPath}}</string>

    <key>StandardErrorPath</key>
    <string>{{.LogPath}}</string>

    <key>ProcessType</key>
    <string>Background</string>

    <key>ThrottleInterval</key>
    <integer>10</integer>
</dict>
</plist>
`

// systemd user unit template
const systemdUnitTemplate = `[Unit]
Description=watchman process trigger engine
After=graphical-session.target

[Service]
ExecStart="{{.ExecutablePath}}" run
Restart=on-failure
RestartSec=10

[Install]
WantedBy=default.target
`

type unitConfig struct {
	Label          string
	ExecutablePath string
	LogPath        string
}

// commandRunner runs a service manager command.
type commandRunner func(name string, args ...string) error

func execRunner(name string, args ...string) error {
	return exec.Command(name, args...).Run()
}

// AutostartManager registers the engine to start when the user logs on.
type AutostartManager struct {
	kind     AutostartKind
	unitPath string // Empty for scheduled tasks
	logPath  string
	run      commandRunner
}

// NewAutostartManager picks the mechanism for the current platform.
func NewAutostartManager(layout *Layout) *AutostartManager {
	home := GetRealUserHome()
	switch runtime.GOOS {
	case "darwin":
		return newAutostartManager(AutostartLaunchd,
			filepath.Join(home, "Library/LaunchAgents", AutostartLabel+".plist"), layout.LogPath, execRunner)
	case "windows":
		return newAutostartManager(AutostartScheduledTask, "", layout.LogPath, execRunner)
	default:
		return newAutostartManager(AutostartSystemd,
			filepath.Join(home, ".config/systemd/user", "watchman.service"), layout.LogPath, execRunner)
	}
}

func newAutostartManager(kind AutostartKind, unitPath, logPath string, run commandRunner) *AutostartManager {
	return &AutostartManager{kind: kind, unitPath: unitPath, logPath: logPath, run: run}
}

// Kind returns the mechanism in use.
func (m *AutostartManager) Kind() AutostartKind {
	return m.kind
}

// Path returns the unit file path, empty for scheduled tasks.
func (m *AutostartManager) Path() string {
	return m.unitPath
}

// render creates the unit file content for the given exec path.
func (m *AutostartManager) render(execPath string) ([]byte, error) {
	var tmplStr string
	switch m.kind {
	case AutostartLaunchd:
		tmplStr = launchAgentTemplate
	case AutostartSystemd:
		tmplStr = systemdUnitTemplate
	default:
		return nil, fmt.Errorf("%s has no unit file", m.kind)
	}

	tmpl, err := template.New("unit").Parse(tmplStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse unit template: %w", err)
	}

	var buf bytes.Buffer
	config := unitConfig{Label: AutostartLabel, ExecutablePath: execPath, LogPath: m.logPath}
	if err := tmpl.Execute(&buf, config); err != nil {
		return nil, fmt.Errorf("failed to execute unit template: %w", err)
	}
	return buf.Bytes(), nil
}

// Install writes (or rewrites) the login item for execPath and activates it.
func (m *AutostartManager) Install(execPath string) error {
	if m.kind == AutostartScheduledTask {
		return m.run("schtasks", "/Create", "/F", "/SC", "ONLOGON", "/RL", "HIGHEST",
			"/TN", AutostartLabel, "/TR", fmt.Sprintf(`"%s" run`, execPath))
	}

	if err := os.MkdirAll(filepath.Dir(m.unitPath), 0755); err != nil {
		return err
	}
	content, err := m.render(execPath)
	if err != nil {
		return err
	}

	// Unload first so a changed unit takes effect (ignore errors if not loaded)
	if m.IsInstalled() {
		_ = m.deactivate()
	}
	if err := os.WriteFile(m.unitPath, content, 0644); err != nil {
		return err
	}
	return m.activate()
}

// Uninstall deactivates and removes the login item.
func (m *AutostartManager) Uninstall() error {
	if m.kind == AutostartScheduledTask {
		return m.run("schtasks", "/Delete", "/F", "/TN", AutostartLabel)
	}

	// Deactivate first (ignore errors if not loaded)
	_ = m.deactivate()
	if err := os.Remove(m.unitPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// IsInstalled checks if the login item exists.
func (m *AutostartManager) IsInstalled() bool {
	if m.kind == AutostartScheduledTask {
		return m.run("schtasks", "/Query", "/TN", AutostartLabel) == nil
	}
	_, err := os.Stat(m.unitPath)
	return err == nil
}

// NeedsUpdate reports whether an installed unit file differs from what Install would write.
func (m *AutostartManager) NeedsUpdate(execPath string) bool {
	if m.kind == AutostartScheduledTask || !m.IsInstalled() {
		return false
	}

	current, err := os.ReadFile(m.unitPath)
	if err != nil {
		return true
	}
	expected, err := m.render(execPath)
	if err != nil {
		return true
	}
	return !bytes.Equal(current, expected)
}

func (m *AutostartManager) activate() error {
	switch m.kind {
	case AutostartLaunchd:
		return m.run("launchctl", "load", m.unitPath)
	case AutostartSystemd:
		if err := m.run("systemctl", "--user", "daemon-reload"); err != nil {
			return err
		}
		return m.run("systemctl", "--user", "enable", filepath.Base(m.unitPath))
	}
	return nil
}

func (m *AutostartManager) deactivate() error {
	switch m.kind {
	case AutostartLaunchd:
		return m.run("launchctl", "unload", m.unitPath)
	case AutostartSystemd:
		return m.run("systemctl", "--user", "disable", filepath.Base(m.unitPath))
	}
	return nil
}
