package fixtures

import "github.com/eliteGoblin/focusd/watchman/internal/domain"

// LauncherProfile watches game for creation and starts companion, but only
// while blocker is not running.
func LauncherProfile(name, dir, game, companion, blocker string) domain.Profile {
	return domain.Profile{
		Name:   name,
		Active: true,
		Processes: []domain.Process{
			{Name: game, Executable: game, Path: dir, Kind: domain.KindCreation},
		},
		Tasks: []domain.Task{
			{
				Name:            "start " + companion,
				Active:          true,
				Command:         `--launched-by watchman`,
				WindowMinimized: true,
				Process:         domain.Process{Name: companion, Executable: companion, Path: dir},
				Conditions: []domain.Condition{
					{Name: blocker + " not running", Running: false, Process: domain.Process{Name: blocker, Executable: blocker, Path: dir}},
				},
			},
		},
	}
}

// CloserProfile watches game for deletion and stops companion.
func CloserProfile(name, dir, game, companion string) domain.Profile {
	return domain.Profile{
		Name:   name,
		Active: true,
		Processes: []domain.Process{
			{Name: game, Executable: game, Path: dir, Kind: domain.KindDeletion},
		},
		Tasks: []domain.Task{
			{
				Name:    "stop " + companion,
				Active:  true,
				Stop:    true,
				Process: domain.Process{Name: companion, Executable: companion, Path: dir},
			},
		},
	}
}
