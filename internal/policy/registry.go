package policy

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/eliteGoblin/focusd/watchman/internal/domain"
)

// KnownApp describes an application whose install location can be guessed.
// Import uses it to repair process paths carried over from another machine.
type KnownApp interface {
	ID() string
	Name() string
	// Executables returns the image names the app is started as.
	Executables() []string
	// InstallDirs returns candidate directories, most likely first.
	InstallDirs() []string
}

// Registry holds the known apps.
type Registry struct {
	apps map[string]KnownApp
}

// NewRegistry creates a registry with all default apps.
func NewRegistry() *Registry {
	r := &Registry{
		apps: make(map[string]KnownApp),
	}

	r.Register(NewSteamApp())
	r.Register(NewDota2App())

	return r
}

// NewRegistryWithApps creates a registry with custom apps (for testing).
func NewRegistryWithApps(apps ...KnownApp) *Registry {
	r := &Registry{
		apps: make(map[string]KnownApp),
	}
	for _, a := range apps {
		r.Register(a)
	}
	return r
}

// Register adds an app to the registry.
func (r *Registry) Register(a KnownApp) {
	r.apps[a.ID()] = a
}

// Get returns an app by ID.
func (r *Registry) Get(id string) (KnownApp, bool) {
	a, ok := r.apps[id]
	return a, ok
}

// GetAll returns all registered apps sorted by ID.
func (r *Registry) GetAll() []KnownApp {
	result := make([]KnownApp, 0, len(r.apps))
	for _, id := range r.List() {
		result = append(result, r.apps[id])
	}
	return result
}

// List returns all app IDs, sorted.
func (r *Registry) List() []string {
	ids := make([]string, 0, len(r.apps))
	for id := range r.apps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Locate finds an install directory containing executable. The first app that
// lists the executable (case-insensitive) and has it present on disk wins.
func (r *Registry) Locate(executable string, fs domain.FileSystemManager) (string, KnownApp, bool) {
	if executable == "" {
		return "", nil, false
	}
	for _, app := range r.GetAll() {
		if !containsFold(app.Executables(), executable) {
			continue
		}
		for _, dir := range app.InstallDirs() {
			dir = fs.ExpandHome(dir)
			if fs.Exists(filepath.Join(dir, executable)) {
				return dir, app, true
			}
		}
	}
	return "", nil, false
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
