// Package store provides SQLite-backed persistence for the tasking engine.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store provides access to the tasking SQLite database.
type Store struct {
	queries
	db *sql.DB
}

var _ Backend = (*Store)(nil)

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// One connection serialises writers; never query s.db while a tx is open.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{queries: queries{q: db}, db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'DRAFT',
		private INTEGER NOT NULL DEFAULT 0,
		mapping_permission TEXT NOT NULL DEFAULT 'NONE',
		validation_permission TEXT NOT NULL DEFAULT 'NONE',
		required_level INTEGER NOT NULL DEFAULT 2,
		license_id INTEGER,
		tasks_mapped INTEGER NOT NULL DEFAULT 0 CHECK (tasks_mapped >= 0),
		tasks_validated INTEGER NOT NULL DEFAULT 0 CHECK (tasks_validated >= 0),
		tasks_bad_imagery INTEGER NOT NULL DEFAULT 0 CHECK (tasks_bad_imagery >= 0)
	);

	CREATE TABLE IF NOT EXISTS tasks (
		project_id INTEGER NOT NULL,
		id INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'READY',
		locked_by INTEGER,
		mapped_by INTEGER,
		validated_by INTEGER,
		geometry TEXT,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (project_id, id),
		FOREIGN KEY (project_id) REFERENCES projects(id)
	);

	CREATE TABLE IF NOT EXISTS task_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id INTEGER NOT NULL,
		task_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		action TEXT NOT NULL,
		action_text TEXT,
		action_date DATETIME NOT NULL,
		origin TEXT,
		counted_user_id INTEGER,
		prior_mapped_by INTEGER,
		FOREIGN KEY (project_id, task_id) REFERENCES tasks(project_id, id)
	);

	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY,
		username TEXT NOT NULL DEFAULT '',
		mapping_level INTEGER NOT NULL DEFAULT 1,
		blocked INTEGER NOT NULL DEFAULT 0,
		is_admin INTEGER NOT NULL DEFAULT 0,
		tasks_mapped INTEGER NOT NULL DEFAULT 0 CHECK (tasks_mapped >= 0),
		tasks_validated INTEGER NOT NULL DEFAULT 0 CHECK (tasks_validated >= 0),
		tasks_invalidated INTEGER NOT NULL DEFAULT 0 CHECK (tasks_invalidated >= 0)
	);

	CREATE TABLE IF NOT EXISTS teams (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS team_members (
		team_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		PRIMARY KEY (team_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS project_teams (
		project_id INTEGER NOT NULL,
		team_id INTEGER NOT NULL,
		role TEXT NOT NULL,
		PRIMARY KEY (project_id, team_id, role)
	);

	CREATE TABLE IF NOT EXISTS project_allowed_users (
		project_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		PRIMARY KEY (project_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS licenses (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS license_acceptances (
		user_id INTEGER NOT NULL,
		license_id INTEGER NOT NULL,
		PRIMARY KEY (user_id, license_id)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_locked_by ON tasks(locked_by) WHERE locked_by IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_tasks_project_status ON tasks(project_id, status);
	CREATE INDEX IF NOT EXISTS idx_task_history_task ON task_history(project_id, task_id, id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return s.addColumn("task_history", "prior_mapped_by", "INTEGER")
}

// addColumn adds a column to a table created by an older schema.
func (s *Store) addColumn(table, column, decl string) error {
	rows, err := s.db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()
	_, err = s.db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, decl))
	return err
}

type sqliteTx struct {
	queries
}

var _ Tx = (*sqliteTx)(nil)

// WithTx runs fn inside a transaction, committing when fn returns nil.
// The whole attempt is retried while SQLite reports the database busy.
func (s *Store) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer tx.Rollback()

		if err := fn(&sqliteTx{queries: queries{q: tx}}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	})
}

// retryOnBusy retries f with capped exponential backoff while SQLite
// returns BUSY or LOCKED.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = delay - delay/4 + time.Duration(rand.Int63n(int64(delay/2)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database is locked")
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "unique constraint")
}

func isCheckViolation(err error) bool {
	return strings.Contains(err.Error(), "CHECK constraint")
}
