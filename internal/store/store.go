// Package store persists timesheet entries, RM connections and the sync
// engine's bookkeeping (synced records, junction rows, run log) in SQLite.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const currentVersion = 1

// tsLayout is used for every persisted timestamp. Values are always UTC so
// they compare correctly as strings.
const tsLayout = time.RFC3339

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrSyncInProgress is returned by BeginRun while another run for the
	// same user is still RUNNING.
	ErrSyncInProgress = errors.New("sync already running")
)

// Config controls how the database is opened.
type Config struct {
	Path         string
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// Store wraps a pooled sqlx.DB connection.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open opens (or creates) the SQLite database at path with default settings.
func Open(path string) (*Store, error) {
	return OpenWithConfig(Config{Path: path})
}

// OpenWithConfig opens the database described by cfg and runs migrations.
func OpenWithConfig(cfg Config) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("database path required")
	}
	busy := int(cfg.BusyTimeout / time.Millisecond)
	if busy <= 0 {
		busy = 5000
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 1
	}

	var dsn string
	if path == ":memory:" {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
		maxOpen = 1 // each connection would get its own empty database
	} else {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve database path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o700); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_txlock=immediate", abs, busy)
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewMemory creates an in-memory store for testing.
func NewMemory() (*Store, error) {
	return Open(":memory:")
}

// Close releases the underlying database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(tsLayout)
}

func parseTimestamp(v string) time.Time {
	t, _ := time.Parse(tsLayout, v)
	return t
}

func withTx(ctx context.Context, db *sqlx.DB, fn func(*sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) migrate(ctx context.Context) error {
	var version int
	if err := s.db.GetContext(ctx, &version, "PRAGMA user_version"); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if version >= currentVersion {
		return nil
	}
	if version < 1 {
		if _, err := s.db.ExecContext(ctx, schemaV1); err != nil {
			return fmt.Errorf("apply schema v1: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentVersion))
	return err
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS projects (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	name             TEXT NOT NULL UNIQUE,
	billable_default INTEGER NOT NULL DEFAULT 1,
	archived         INTEGER NOT NULL DEFAULT 0,
	created_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS timesheet_entries (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id          TEXT NOT NULL,
	project_id       INTEGER REFERENCES projects(id),
	work_date        TEXT NOT NULL,
	duration_minutes INTEGER NOT NULL DEFAULT 0 CHECK (duration_minutes >= 0),
	is_billable      INTEGER NOT NULL DEFAULT 1,
	notes            TEXT NOT NULL DEFAULT '',
	is_manual        INTEGER NOT NULL DEFAULT 0,
	is_skipped       INTEGER NOT NULL DEFAULT 0,
	origin_id        TEXT,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entries_user_date ON timesheet_entries(user_id, work_date);
CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_origin ON timesheet_entries(user_id, origin_id);

CREATE TABLE IF NOT EXISTS rm_connections (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id      TEXT NOT NULL UNIQUE,
	base_url     TEXT NOT NULL,
	token_sealed TEXT NOT NULL,
	active       INTEGER NOT NULL DEFAULT 1,
	created_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS rm_project_mappings (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	connection_id       INTEGER NOT NULL REFERENCES rm_connections(id) ON DELETE CASCADE,
	project_id          INTEGER NOT NULL REFERENCES projects(id),
	remote_project_id   TEXT NOT NULL,
	remote_project_name TEXT NOT NULL DEFAULT '',
	active              INTEGER NOT NULL DEFAULT 1,
	UNIQUE(connection_id, project_id)
);

CREATE TABLE IF NOT EXISTS rm_synced_entries (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	mapping_id       INTEGER NOT NULL REFERENCES rm_project_mappings(id),
	remote_entry_id  TEXT NOT NULL,
	aggregation_date TEXT NOT NULL,
	last_synced_hash TEXT NOT NULL,
	sync_version     INTEGER NOT NULL DEFAULT 1,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL,
	UNIQUE(mapping_id, aggregation_date)
);

CREATE TABLE IF NOT EXISTS rm_synced_entry_components (
	synced_entry_id  INTEGER NOT NULL REFERENCES rm_synced_entries(id) ON DELETE CASCADE,
	entry_id         INTEGER NOT NULL,
	duration_minutes INTEGER NOT NULL,
	is_billable      INTEGER NOT NULL,
	notes            TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (synced_entry_id, entry_id)
);

CREATE TABLE IF NOT EXISTS rm_sync_logs (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id        TEXT NOT NULL UNIQUE,
	user_id       TEXT NOT NULL,
	connection_id INTEGER,
	started_at    TEXT NOT NULL,
	completed_at  TEXT,
	status        TEXT NOT NULL,
	created       INTEGER NOT NULL DEFAULT 0,
	updated       INTEGER NOT NULL DEFAULT 0,
	deleted       INTEGER NOT NULL DEFAULT 0,
	skipped       INTEGER NOT NULL DEFAULT 0,
	failed        INTEGER NOT NULL DEFAULT 0,
	error_text    TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_logs_one_running
	ON rm_sync_logs(user_id) WHERE status = 'RUNNING';
CREATE INDEX IF NOT EXISTS idx_sync_logs_user ON rm_sync_logs(user_id, started_at);
`
