package infra

import (
	"os"
	"os/user"
	"path/filepath"
)

// ExecMode represents the execution mode of the engine.
type ExecMode string

const (
	// ExecModeUser keeps rules and logs under the invoking user's home.
	ExecModeUser ExecMode = "user"
	// ExecModeSystem keeps them in a machine-wide directory (root required).
	ExecModeSystem ExecMode = "system"
)

const (
	// LogFileName is the engine log inside the data directory.
	LogFileName = "watchman.log"
	// LockFileName guards against a second engine on the same data directory.
	LockFileName = "watchman.lock"
	// ConfigFileName is the optional config file inside the data directory.
	ConfigFileName = "watchman.yaml"
)

// Layout holds every path derived from the data directory.
type Layout struct {
	Mode     ExecMode
	DataDir  string
	DBPath   string
	KeyPath  string
	LogPath  string
	LockPath string
	IsRoot   bool
}

// DetectExecMode determines the default layout from the effective UID.
func DetectExecMode() *Layout {
	if os.Geteuid() == 0 && os.Getenv("SUDO_USER") == "" {
		return LayoutFor(ExecModeSystem, "/var/lib/watchman")
	}
	return LayoutFor(ExecModeUser, filepath.Join(GetRealUserHome(), ".watchman"))
}

// LayoutFor derives the file layout for an explicit data directory.
func LayoutFor(mode ExecMode, dataDir string) *Layout {
	return &Layout{
		Mode:     mode,
		DataDir:  dataDir,
		DBPath:   filepath.Join(dataDir, RulesDBName),
		KeyPath:  filepath.Join(dataDir, rulesKeyFileName),
		LogPath:  filepath.Join(dataDir, LogFileName),
		LockPath: filepath.Join(dataDir, LockFileName),
		IsRoot:   os.Geteuid() == 0,
	}
}

// String returns a human-readable description of the mode.
func (m ExecMode) String() string {
	switch m {
	case ExecModeSystem:
		return "system (root)"
	case ExecModeUser:
		return "user"
	default:
		return "unknown"
	}
}

// GetRealUserHome returns the real user's home directory, even when running under sudo.
// Under sudo, os.UserHomeDir() returns root's home, so SUDO_USER is consulted first.
func GetRealUserHome() string {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if u, err := user.Lookup(sudoUser); err == nil {
			return u.HomeDir
		}
	}
	home, _ := os.UserHomeDir()
	return home
}
