// Package fixtures provides test helpers for integration tests.
package fixtures

import (
	"os"
	"path/filepath"
)

// FakeSteamStructure creates a Linux-style Steam library with placeholder
// executables, for install path detection.
type FakeSteamStructure struct {
	HomeDir string
}

// NewFakeSteamStructure creates a new fake Steam structure generator.
func NewFakeSteamStructure(homeDir string) *FakeSteamStructure {
	return &FakeSteamStructure{HomeDir: homeDir}
}

// Root returns the Steam library root.
func (f *FakeSteamStructure) Root() string {
	return filepath.Join(f.HomeDir, ".local/share/Steam")
}

// Dota2Dir returns the directory holding the Dota 2 executable.
func (f *FakeSteamStructure) Dota2Dir() string {
	return filepath.Join(f.Root(), "steamapps/common/dota 2 beta/game/bin/linuxsteamrt64")
}

// Create writes the fake Steam and Dota 2 executables.
func (f *FakeSteamStructure) Create() error {
	if err := WriteExecutable(f.Root(), "steam"); err != nil {
		return err
	}
	return WriteExecutable(f.Dota2Dir(), "dota2")
}

// Cleanup removes the fake Steam library.
func (f *FakeSteamStructure) Cleanup() error {
	return os.RemoveAll(filepath.Join(f.HomeDir, ".local"))
}

// WriteExecutable creates an executable placeholder at dir/name.
func WriteExecutable(dir, name string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\nexit 0\n"), 0755)
}
