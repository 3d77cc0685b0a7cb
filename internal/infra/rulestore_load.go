package infra

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/eliteGoblin/focusd/watchman/internal/domain"
)

// queryer is satisfied by *sql.Tx and *sql.DB.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// rowScanner is satisfied by *sql.Rows and *sql.Row.
type rowScanner interface {
	Scan(dest ...any) error
}

const processColumns = `p.id, p.name, p.executable, p.path, p.notification_type`

// scanProcess builds a Process from the processColumns projection.
func scanProcess(id sql.NullInt64, name, executable, path, kind sql.NullString) domain.Process {
	proc := domain.Process{
		ID:         id.Int64,
		Name:       name.String,
		Executable: executable.String,
		Path:       path.String,
		Kind:       domain.KindCreation,
	}
	if k, err := domain.ParseNotificationKind(kind.String); err == nil {
		proc.Kind = k
	}
	return proc
}

func scanProfile(row rowScanner) (domain.Profile, error) {
	var p domain.Profile
	err := row.Scan(&p.ID, &p.Name, &p.Active)
	return p, err
}

func scanWatchProcess(row rowScanner) (profileID int64, proc domain.Process, err error) {
	var (
		id                           sql.NullInt64
		name, executable, path, kind sql.NullString
	)
	if err = row.Scan(&profileID, &id, &name, &executable, &path, &kind); err != nil {
		return 0, proc, err
	}
	return profileID, scanProcess(id, name, executable, path, kind), nil
}

func scanTask(row rowScanner) (profileID int64, task domain.Task, err error) {
	var (
		id                           sql.NullInt64
		name, executable, path, kind sql.NullString
	)
	err = row.Scan(&profileID, &task.ID, &task.Name, &task.Active, &task.Cwd, &task.Command,
		&task.Stop, &task.WindowMinimized, &task.WindowActive, &task.AllowMultipleInstances,
		&id, &name, &executable, &path, &kind)
	if err != nil {
		return 0, task, err
	}
	task.Process = scanProcess(id, name, executable, path, kind)
	return profileID, task, nil
}

func scanCondition(row rowScanner) (taskID int64, c domain.Condition, err error) {
	var (
		id                           sql.NullInt64
		name, executable, path, kind sql.NullString
	)
	err = row.Scan(&taskID, &c.ID, &c.Name, &c.Order, &c.Running, &id, &name, &executable, &path, &kind)
	if err != nil {
		return 0, c, err
	}
	c.Process = scanProcess(id, name, executable, path, kind)
	return taskID, c, nil
}

func scanGate(row rowScanner) (taskID int64, g domain.Gate, err error) {
	var and bool
	if err = row.Scan(&taskID, &g.ID, &g.Order, &and); err != nil {
		return 0, g, err
	}
	g.Op = domain.GateOr
	if and {
		g.Op = domain.GateAnd
	}
	return taskID, g, nil
}

// loadProfiles assembles profile trees. Children are ordered by order field, then id.
func loadProfiles(ctx context.Context, q queryer, activeOnly bool) ([]domain.Profile, error) {
	where := ""
	if activeOnly {
		where = "WHERE active = 1"
	}
	profiles, err := collect(ctx, q, `SELECT id, name, active FROM profile `+where+` ORDER BY id`, scanProfile)
	if err != nil {
		return nil, fmt.Errorf("failed to load profiles: %w", err)
	}
	if len(profiles) == 0 {
		return profiles, nil
	}

	index := make(map[int64]*domain.Profile, len(profiles))
	for i := range profiles {
		index[profiles[i].ID] = &profiles[i]
	}

	watch, err := collectPairs(ctx, q, `
		SELECT p.profile_id, `+processColumns+`
		FROM process p WHERE p.profile_id IS NOT NULL ORDER BY p.profile_id, p.id`, scanWatchProcess)
	if err != nil {
		return nil, fmt.Errorf("failed to load processes: %w", err)
	}
	for _, w := range watch {
		if p, ok := index[w.owner]; ok {
			p.Processes = append(p.Processes, w.value)
		}
	}

	tasks, err := collectPairs(ctx, q, `
		SELECT t.profile_id, t.id, t.name, t.active, t.cwd, t.command, t.stop, t.wnd_minimized,
			t.wnd_active, t.allow_multiple_instances, `+processColumns+`
		FROM task t LEFT JOIN process p ON p.id = t.process_id
		WHERE t.profile_id IS NOT NULL ORDER BY t.profile_id, t.id`, scanTask)
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}

	conditions, err := collectPairs(ctx, q, `
		SELECT c.task_id, c.id, c.name, c.sort_order, c.running, `+processColumns+`
		FROM condition c LEFT JOIN process p ON p.id = c.process_id
		ORDER BY c.task_id, c.sort_order, c.id`, scanCondition)
	if err != nil {
		return nil, fmt.Errorf("failed to load conditions: %w", err)
	}
	gates, err := collectPairs(ctx, q, `
		SELECT task_id, id, sort_order, value FROM gate ORDER BY task_id, sort_order, id`, scanGate)
	if err != nil {
		return nil, fmt.Errorf("failed to load gates: %w", err)
	}

	condByTask := make(map[int64][]domain.Condition)
	for _, c := range conditions {
		condByTask[c.owner] = append(condByTask[c.owner], c.value)
	}
	gateByTask := make(map[int64][]domain.Gate)
	for _, g := range gates {
		gateByTask[g.owner] = append(gateByTask[g.owner], g.value)
	}

	for _, t := range tasks {
		p, ok := index[t.owner]
		if !ok {
			continue
		}
		task := t.value
		task.Conditions = condByTask[task.ID]
		task.Gates = gateByTask[task.ID]
		p.Tasks = append(p.Tasks, task)
	}

	return profiles, nil
}

type owned[T any] struct {
	owner int64
	value T
}

func collect[T any](ctx context.Context, q queryer, query string, scan func(rowScanner) (T, error)) ([]T, error) {
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func collectPairs[T any](ctx context.Context, q queryer, query string, scan func(rowScanner) (int64, T, error)) ([]owned[T], error) {
	return collect(ctx, q, query, func(row rowScanner) (owned[T], error) {
		owner, v, err := scan(row)
		return owned[T]{owner: owner, value: v}, err
	})
}
