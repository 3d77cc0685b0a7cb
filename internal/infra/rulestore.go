package infra

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/eliteGoblin/focusd/watchman/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.ErrBusy

const (
	// RulesDBName is the rule database file inside the data directory.
	RulesDBName = "rules.db"
)

// ErrProfileNotFound is returned when a profile id or name does not exist.
var ErrProfileNotFound = errors.New("profile not found")

// SQLRuleStore implements domain.RuleStore on a SQLCipher encrypted SQLite database.
// The engine only opens read sessions; the write methods serve the editor side
// (import, example entries, enable/disable).
type SQLRuleStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLRuleStore opens (or creates) the encrypted rule database in dataDir.
func NewSQLRuleStore(dataDir string, key []byte) (*SQLRuleStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, RulesDBName)
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096&_busy_timeout=5000&_journal_mode=WAL",
		dbPath, hex.EncodeToString(key))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open rule database: %w", err)
	}

	// A wrong key only surfaces on the first query.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to rule database: %w", err)
	}

	// Engine sessions stay open across the retry wait; WAL lets editor writes
	// commit meanwhile. The mode is persistent in the database file.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL journal: %w", err)
	}

	store := &SQLRuleStore{db: db, dbPath: dbPath}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return store, nil
}

// Path returns the database file path.
func (s *SQLRuleStore) Path() string {
	return s.dbPath
}

// Close releases the database connection.
func (s *SQLRuleStore) Close() error {
	return s.db.Close()
}

func (s *SQLRuleStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS profile (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		active INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS process (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL DEFAULT 'Process',
		executable TEXT NOT NULL DEFAULT '',
		path TEXT NOT NULL DEFAULT '',
		notification_type TEXT NOT NULL DEFAULT 'Creation',
		profile_id INTEGER REFERENCES profile(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS ix_process_executable ON process(executable);

	CREATE TABLE IF NOT EXISTS task (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1,
		cwd TEXT NOT NULL DEFAULT '',
		command TEXT NOT NULL DEFAULT '',
		stop INTEGER NOT NULL DEFAULT 0,
		wnd_minimized INTEGER NOT NULL DEFAULT 0,
		wnd_active INTEGER NOT NULL DEFAULT 1,
		allow_multiple_instances INTEGER NOT NULL DEFAULT 0,
		process_id INTEGER REFERENCES process(id),
		profile_id INTEGER REFERENCES profile(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS condition (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL DEFAULT '',
		sort_order INTEGER NOT NULL DEFAULT -1,
		running INTEGER NOT NULL DEFAULT 1,
		task_id INTEGER REFERENCES task(id) ON DELETE CASCADE,
		process_id INTEGER REFERENCES process(id)
	);

	CREATE TABLE IF NOT EXISTS gate (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sort_order INTEGER NOT NULL DEFAULT -1,
		value INTEGER NOT NULL DEFAULT 1,
		task_id INTEGER REFERENCES task(id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- domain.RuleStore implementation ---

// OpenSession begins a read-only transaction. The session sees one consistent
// snapshot and must be closed by its owner.
func (s *SQLRuleStore) OpenSession(ctx context.Context) (domain.RuleSession, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open rule session: %w", err)
	}
	return &sqlRuleSession{tx: tx}, nil
}

type sqlRuleSession struct {
	tx *sql.Tx
}

func (rs *sqlRuleSession) ActiveProfiles(ctx context.Context) ([]domain.Profile, error) {
	return loadProfiles(ctx, rs.tx, true)
}

func (rs *sqlRuleSession) Close() error {
	// Read-only: rollback just ends the transaction.
	err := rs.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// --- editor-side operations ---

// ListProfiles returns every profile, active or not.
func (s *SQLRuleStore) ListProfiles(ctx context.Context) ([]domain.Profile, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()
	return loadProfiles(ctx, tx, false)
}

// GetProfileByName returns a profile by its unique name.
func (s *SQLRuleStore) GetProfileByName(ctx context.Context, name string) (*domain.Profile, error) {
	profiles, err := s.ListProfiles(ctx)
	if err != nil {
		return nil, err
	}
	for i := range profiles {
		if profiles[i].Name == name {
			return &profiles[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, name)
}

// SaveProfile inserts a profile tree and returns the new profile id.
// IDs on the input are ignored; order fields are kept.
func (s *SQLRuleStore) SaveProfile(ctx context.Context, p domain.Profile) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `INSERT INTO profile (name, active) VALUES (?, ?)`, p.Name, p.Active)
	if err != nil {
		return 0, fmt.Errorf("failed to insert profile %q: %w", p.Name, err)
	}
	profileID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, proc := range p.Processes {
		if _, err := insertProcess(ctx, tx, proc, &profileID); err != nil {
			return 0, err
		}
	}

	for _, task := range p.Tasks {
		if err := insertTask(ctx, tx, task, profileID); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit profile: %w", err)
	}
	return profileID, nil
}

// SetProfileActive enables or disables a profile.
func (s *SQLRuleStore) SetProfileActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE profile SET active = ? WHERE id = ?`, active, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: id %d", ErrProfileNotFound, id)
	}
	return nil
}

// DeleteProfile removes a profile and everything it owns.
func (s *SQLRuleStore) DeleteProfile(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Task and condition targets are owned by their task/condition, not the profile.
	stmts := []string{
		`DELETE FROM process WHERE id IN (
			SELECT c.process_id FROM condition c JOIN task t ON t.id = c.task_id WHERE t.profile_id = ?)`,
		`DELETE FROM process WHERE id IN (SELECT process_id FROM task WHERE profile_id = ?)`,
		`DELETE FROM condition WHERE task_id IN (SELECT id FROM task WHERE profile_id = ?)`,
		`DELETE FROM gate WHERE task_id IN (SELECT id FROM task WHERE profile_id = ?)`,
		`DELETE FROM task WHERE profile_id = ?`,
		`DELETE FROM process WHERE profile_id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("failed to delete profile %d: %w", id, err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM profile WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: id %d", ErrProfileNotFound, id)
	}
	return tx.Commit()
}

func insertProcess(ctx context.Context, tx *sql.Tx, proc domain.Process, profileID *int64) (int64, error) {
	kind := proc.Kind
	if kind == "" {
		kind = domain.KindCreation
	}
	name := proc.Name
	if name == "" {
		name = proc.Executable
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO process (name, executable, path, notification_type, profile_id) VALUES (?, ?, ?, ?, ?)`,
		name, proc.Executable, proc.Path, string(kind), profileID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert process %q: %w", proc.Executable, err)
	}
	return res.LastInsertId()
}

func insertTask(ctx context.Context, tx *sql.Tx, task domain.Task, profileID int64) error {
	processID, err := insertProcess(ctx, tx, task.Process, nil)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO task (name, active, cwd, command, stop, wnd_minimized, wnd_active,
			allow_multiple_instances, process_id, profile_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.Name, task.Active, task.Cwd, task.Command, task.Stop, task.WindowMinimized,
		task.WindowActive, task.AllowMultipleInstances, processID, profileID)
	if err != nil {
		return fmt.Errorf("failed to insert task %q: %w", task.Name, err)
	}
	taskID, err := res.LastInsertId()
	if err != nil {
		return err
	}

	for _, c := range task.Conditions {
		condProcessID, err := insertProcess(ctx, tx, c.Process, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO condition (name, sort_order, running, task_id, process_id) VALUES (?, ?, ?, ?, ?)`,
			c.Name, c.Order, c.Running, taskID, condProcessID); err != nil {
			return fmt.Errorf("failed to insert condition of task %q: %w", task.Name, err)
		}
	}

	for _, g := range task.Gates {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO gate (sort_order, value, task_id) VALUES (?, ?, ?)`,
			g.Order, g.Op != domain.GateOr, taskID); err != nil {
			return fmt.Errorf("failed to insert gate of task %q: %w", task.Name, err)
		}
	}
	return nil
}

// Ensure SQLRuleStore implements domain.RuleStore.
var _ domain.RuleStore = (*SQLRuleStore)(nil)
