package policy

import (
	"sort"
	"strings"

	"github.com/eliteGoblin/focusd/watchman/internal/domain"
)

// MatchProfiles returns the active profiles whose watch list contains executable
// (case-insensitive), in input order.
func MatchProfiles(profiles []domain.Profile, executable string) []domain.Profile {
	var matched []domain.Profile
	for _, profile := range profiles {
		if !profile.Active {
			continue
		}
		for _, proc := range profile.Processes {
			if proc.Executable != "" && strings.EqualFold(proc.Executable, executable) {
				matched = append(matched, profile)
				break
			}
		}
	}
	return matched
}

// CollectTasks returns the union of the profiles' tasks in stable order.
// A task reachable through several profiles is returned once.
func CollectTasks(profiles []domain.Profile) []domain.Task {
	seen := make(map[int64]bool)
	var tasks []domain.Task
	for _, profile := range profiles {
		for _, task := range profile.Tasks {
			if task.ID != 0 {
				if seen[task.ID] {
					continue
				}
				seen[task.ID] = true
			}
			tasks = append(tasks, task)
		}
	}
	return tasks
}

// WatchTarget is the set of executables one Watchlet watches.
type WatchTarget struct {
	Kind  domain.NotificationKind
	Names []string
}

// WatchTargets groups the watched executables of active profiles by notification kind.
// Processes without an executable, or whose executable path does not exist, are skipped.
// Targets are sorted by kind and names are sorted and de-duplicated case-insensitively,
// so an unchanged snapshot always yields the same targets.
func WatchTargets(profiles []domain.Profile, fs domain.FileSystemManager) []WatchTarget {
	byKind := make(map[domain.NotificationKind]map[string]string)
	for _, profile := range profiles {
		if !profile.Active {
			continue
		}
		for _, proc := range profile.Processes {
			path := proc.ExecutablePath()
			if path == "" || !fs.Exists(path) {
				continue
			}
			kind := proc.Kind
			if kind == "" {
				kind = domain.KindCreation
			}
			if byKind[kind] == nil {
				byKind[kind] = make(map[string]string)
			}
			key := strings.ToLower(proc.Executable)
			if _, ok := byKind[kind][key]; !ok {
				byKind[kind][key] = proc.Executable
			}
		}
	}

	targets := make([]WatchTarget, 0, len(byKind))
	for kind, names := range byKind {
		target := WatchTarget{Kind: kind, Names: make([]string, 0, len(names))}
		for _, name := range names {
			target.Names = append(target.Names, name)
		}
		sort.Slice(target.Names, func(i, j int) bool {
			return strings.ToLower(target.Names[i]) < strings.ToLower(target.Names[j])
		})
		targets = append(targets, target)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].Kind < targets[j].Kind })
	return targets
}
