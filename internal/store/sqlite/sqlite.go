// Package sqlite implements the local repository on an embedded single-file
// SQLite database.
//
// The database is opened with WAL mode for concurrent readers, a busy
// timeout, and foreign keys enabled. A filesystem lock next to the database
// enforces the single-writer discipline: a second process attempting to open
// the store for writing fails fast with ErrStorageLocked instead of racing.
//
// Schema:
//   - tasks, projects, labels: one table per entity kind, each carrying the
//     sync metadata columns (version, updated_at, deleted, origin)
//   - change_log: append-only feed backing ChangesSince; its rowid is the
//     local cursor
//   - sync_state: per-(local, remote, direction) cursors
//   - sync_shadow: base copies for three-way merge
//   - sync_pending: changes awaiting redelivery after retry exhaustion
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/todopro/todopro/internal/model"
	"github.com/todopro/todopro/internal/store"
)

// Store is the local repository implementation. It satisfies
// store.SyncRepository.
type Store struct {
	conn   *sql.DB
	path   string
	origin string
	lock   *os.File
}

var _ store.SyncRepository = (*Store)(nil)

// Open creates or opens the database at path. origin names this context and
// is stamped on every record the store writes, for conflict diagnostics.
//
// Open acquires the writer lock; a store already held by another process
// yields ErrStorageLocked. The caller must Close() to release it.
func Open(path, origin string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	lock, err := acquireLock(path + ".lock")
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		releaseLock(lock)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		releaseLock(lock)
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// A single writer holds the flock; one connection keeps the CAS
	// transactions trivially serialized.
	conn.SetMaxOpenConns(1)

	s := &Store{conn: conn, path: path, origin: origin, lock: lock}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	if err := s.initSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.ensureInbox(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Close checkpoints the WAL, closes the connection, and releases the
// writer lock.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	err := s.conn.Close()
	s.conn = nil
	releaseLock(s.lock)
	s.lock = nil
	if err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		project_id TEXT NOT NULL DEFAULT 'inbox',
		label_ids TEXT NOT NULL DEFAULT '[]',  -- JSON array
		due_at TEXT,
		priority INTEGER NOT NULL DEFAULT 1,
		completed INTEGER NOT NULL DEFAULT 0,
		completed_at TEXT,

		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		origin TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		color TEXT NOT NULL DEFAULT '',
		archived INTEGER NOT NULL DEFAULT 0,
		favorite INTEGER NOT NULL DEFAULT 0,

		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		origin TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS labels (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		color TEXT NOT NULL DEFAULT '',
		favorite INTEGER NOT NULL DEFAULT 0,

		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		origin TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS change_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		changed_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_state (
		local_ctx TEXT NOT NULL,
		remote_ctx TEXT NOT NULL,
		direction TEXT NOT NULL,
		cursor TEXT NOT NULL,
		synced_at TEXT NOT NULL,
		PRIMARY KEY (local_ctx, remote_ctx, direction)
	);

	CREATE TABLE IF NOT EXISTS sync_shadow (
		entity_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,  -- JSON snapshot as last acknowledged
		local_version INTEGER NOT NULL,
		remote_version INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_pending (
		direction TEXT NOT NULL,
		kind TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		recorded_at TEXT NOT NULL,
		PRIMARY KEY (direction, entity_id)
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_completed ON tasks(completed);
	CREATE INDEX IF NOT EXISTS idx_tasks_deleted ON tasks(deleted);
	CREATE INDEX IF NOT EXISTS idx_projects_deleted ON projects(deleted);
	CREATE INDEX IF NOT EXISTS idx_labels_deleted ON labels(deleted);
	CREATE INDEX IF NOT EXISTS idx_change_log_entity ON change_log(entity_id);
	`
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// ensureInbox creates the default project on first open. The inbox does not
// go through Create so it generates no change_log entry: every replica
// creates its own and the fixed id makes them converge.
func (s *Store) ensureInbox(ctx context.Context) error {
	inbox := model.Inbox()
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO projects (id, name, description, color, archived, favorite,
			version, created_at, updated_at, deleted, origin)
		VALUES (?, ?, '', '', 0, 0, 1, ?, ?, 0, ?)
		ON CONFLICT(id) DO NOTHING`,
		inbox.ID, inbox.Name,
		formatTime(inbox.CreatedAt), formatTime(inbox.UpdatedAt), s.origin,
	)
	if err != nil {
		return &store.StorageError{Op: "ensure inbox", Cause: err}
	}
	return nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// formatTime renders a timestamp for storage. RFC3339Nano keeps the
// microsecond steps Meta.Touch produces distinguishable.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func timeToNull(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	if t.IsZero() {
		return nil
	}
	return &t
}
