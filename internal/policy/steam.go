package policy

import (
	"os"
	"path/filepath"
)

// SteamApp knows where the Steam client is usually installed.
type SteamApp struct {
	homeDir string
}

// NewSteamApp creates the Steam entry for the current user.
func NewSteamApp() *SteamApp {
	home, _ := os.UserHomeDir()
	return &SteamApp{homeDir: home}
}

// NewSteamAppWithHome creates a Steam entry with a custom home directory (for testing).
func NewSteamAppWithHome(homeDir string) *SteamApp {
	return &SteamApp{homeDir: homeDir}
}

func (a *SteamApp) ID() string {
	return "steam"
}

func (a *SteamApp) Name() string {
	return "Steam"
}

func (a *SteamApp) Executables() []string {
	return []string{
		"steam.exe",
		"steam",
		"steam_osx",
		"steamwebhelper.exe",
	}
}

// InstallDirs lists the client directory for each platform.
func (a *SteamApp) InstallDirs() []string {
	return steamRoots(a.homeDir)
}

// steamRoots returns the Steam library roots, shared with the games installed under them.
func steamRoots(home string) []string {
	return []string{
		// Windows default and the legacy 64-bit location
		`C:\Program Files (x86)\Steam`,
		`C:\Program Files\Steam`,

		// Linux native and the Debian wrapper
		filepath.Join(home, ".local/share/Steam"),
		filepath.Join(home, ".steam/steam"),

		// macOS
		filepath.Join(home, "Library/Application Support/Steam"),
		"/Applications/Steam.app/Contents/MacOS",
	}
}

// Ensure SteamApp implements KnownApp.
var _ KnownApp = (*SteamApp)(nil)
