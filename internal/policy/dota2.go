package policy

import (
	"os"
	"path/filepath"
)

// Dota2App locates Dota 2 inside the Steam libraries.
type Dota2App struct {
	homeDir string
}

// NewDota2App creates the Dota 2 entry for the current user.
func NewDota2App() *Dota2App {
	home, _ := os.UserHomeDir()
	return &Dota2App{homeDir: home}
}

// NewDota2AppWithHome creates a Dota 2 entry with a custom home directory (for testing).
func NewDota2AppWithHome(homeDir string) *Dota2App {
	return &Dota2App{homeDir: homeDir}
}

func (a *Dota2App) ID() string {
	return "dota2"
}

func (a *Dota2App) Name() string {
	return "Dota 2"
}

func (a *Dota2App) Executables() []string {
	return []string{
		"dota2.exe",
		"dota2",
		"dota_osx64",
	}
}

// InstallDirs returns the game binary directory under every Steam root.
// "dota 2 beta" is the actual folder name.
func (a *Dota2App) InstallDirs() []string {
	var dirs []string
	for _, root := range steamRoots(a.homeDir) {
		game := filepath.Join(root, "steamapps", "common", "dota 2 beta", "game", "bin")
		dirs = append(dirs,
			filepath.Join(game, "win64"),
			filepath.Join(game, "linuxsteamrt64"),
			filepath.Join(game, "osx64"),
		)
	}
	return dirs
}

// Ensure Dota2App implements KnownApp.
var _ KnownApp = (*Dota2App)(nil)
