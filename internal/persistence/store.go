package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

const (
	// Schema ledger constants used to gate startup safety.
	schemaVersionV1  = 1
	schemaChecksumV1 = "atlas-v1-inbox-triggers"

	// v2 adds the wakes table and task_events.
	schemaVersionV2  = 2
	schemaChecksumV2 = "atlas-v2-wakes-task-events"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2

	busyRetries = 5

	// nowExpr yields millisecond timestamps so FIFO order survives sub-second bursts.
	nowExpr = `strftime('%Y-%m-%d %H:%M:%f', 'now')`
)

// Store is the single owner of all persisted rows. Every exported method runs
// in its own short transaction; nothing is cached between calls.
type Store struct {
	db   *sql.DB
	path string
}

// DefaultDBPath resolves $ATLAS_HOME/atlas.db, falling back to ~/.atlas/atlas.db.
func DefaultDBPath() string {
	if home := strings.TrimSpace(os.Getenv("ATLAS_HOME")); home != "" {
		return filepath.Join(home, "atlas.db")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".atlas", "atlas.db")
}

// dsn carries every connection setting so each pooled connection gets the
// same pragmas. _txlock=immediate takes the write lock at BEGIN, so two
// claimers never both read the same pending row before one upgrades.
func dsn(path string) string {
	q := url.Values{}
	q.Set("_busy_timeout", "5000")
	q.Set("_foreign_keys", "on")
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "FULL")
	q.Set("_txlock", "immediate")
	return path + "?" + q.Encode()
}

// Open creates the database file if needed and migrates it to the latest
// schema. An empty path means DefaultDBPath.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// One writer connection; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, path: path}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Path() string { return s.path }

func (s *Store) Close() error { return s.db.Close() }

const (
	busyBaseDelay = 50 * time.Millisecond
	busyMaxDelay  = 500 * time.Millisecond
)

// busyDelay doubles from busyBaseDelay up to busyMaxDelay and spreads the
// result over [75%, 125%) so concurrent writers do not retry in lockstep.
func busyDelay(attempt int) time.Duration {
	d := busyMaxDelay
	if attempt < 4 {
		d = min(busyBaseDelay<<attempt, busyMaxDelay)
	}
	return d*3/4 + time.Duration(rand.Int64N(int64(d/2)))
}

// retryOnBusy runs f up to maxRetries+1 times while it fails with BUSY or
// LOCKED. This sits on top of the driver's own busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	for attempt := 0; ; attempt++ {
		err := f()
		if err == nil || !isSQLiteBusy(err) || attempt >= maxRetries {
			return err
		}
		t := time.NewTimer(busyDelay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	// Errors that crossed a string boundary (e.g. wrapped with %v) still
	// carry the driver's message.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// withTx runs f inside one write transaction, retrying on BUSY.
func (s *Store) withTx(ctx context.Context, name string, f func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin %s tx: %w", name, err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := f(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s tx: %w", name, err)
		}
		return nil
	})
}

var schemaV1 = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		channel TEXT NOT NULL,
		sender TEXT,
		content TEXT NOT NULL,
		reply_to TEXT,
		created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trigger_name TEXT NOT NULL DEFAULT 'adhoc',
		content TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK(status IN ('pending', 'processing', 'done', 'cancelled')),
		response_summary TEXT,
		created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
		processed_at DATETIME
	);`,
	`CREATE TABLE IF NOT EXISTS task_awaits (
		task_id INTEGER PRIMARY KEY REFERENCES tasks(id) ON DELETE CASCADE,
		trigger_name TEXT NOT NULL,
		session_key TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);`,
	`CREATE TABLE IF NOT EXISTS trigger_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trigger_name TEXT NOT NULL,
		session_key TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
		UNIQUE(trigger_name, session_key)
	);`,
	`CREATE TABLE IF NOT EXISTS triggers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL CHECK(type IN ('cron', 'webhook', 'manual')),
		description TEXT NOT NULL DEFAULT '',
		channel TEXT NOT NULL DEFAULT 'internal',
		schedule TEXT,
		webhook_secret TEXT,
		prompt TEXT NOT NULL DEFAULT '',
		session_mode TEXT NOT NULL DEFAULT 'ephemeral'
			CHECK(session_mode IN ('ephemeral', 'persistent')),
		enabled INTEGER NOT NULL DEFAULT 1,
		last_run DATETIME,
		run_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trace_id TEXT,
		subject TEXT,
		action TEXT NOT NULL,
		decision TEXT NOT NULL,
		reason TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks(status, created_at, id);`,
	// At most one task may be processing at any instant.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_single_processing ON tasks(status) WHERE status = 'processing';`,
	`CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel, created_at);`,
}

var schemaV2 = []string{
	`CREATE TABLE IF NOT EXISTS wakes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trigger_name TEXT NOT NULL,
		task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		session_key TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		channel TEXT NOT NULL DEFAULT 'internal',
		response_summary TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL DEFAULT 'done' CHECK(outcome IN ('done', 'cancelled')),
		created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
		acked_at DATETIME,
		UNIQUE(trigger_name, task_id)
	);`,
	`CREATE TABLE IF NOT EXISTS task_events (
		event_id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		event_type TEXT NOT NULL,
		state_from TEXT,
		state_to TEXT NOT NULL,
		trace_id TEXT NOT NULL DEFAULT '-',
		run_id TEXT,
		created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);`,
	`CREATE INDEX IF NOT EXISTS idx_wakes_pending ON wakes(acked_at, id);`,
	`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, event_id);`,
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	steps := []struct {
		version    int
		checksum   string
		statements []string
	}{
		{schemaVersionV1, schemaChecksumV1, schemaV1},
		{schemaVersionV2, schemaChecksumV2, schemaV2},
	}
	for _, step := range steps {
		if step.version <= maxVersion {
			var existing string
			if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, step.version).Scan(&existing); err != nil {
				return fmt.Errorf("read schema migration checksum: %w", err)
			}
			if existing != step.checksum {
				return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", step.version, existing, step.checksum)
			}
			continue
		}
		for _, stmt := range step.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply schema v%d: %w", step.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
		`, step.version, step.checksum); err != nil {
			return fmt.Errorf("record schema v%d: %w", step.version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// SchemaVersion reports the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, string, error) {
	var version int
	var checksum string
	err := s.db.QueryRowContext(ctx, `
		SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;
	`).Scan(&version, &checksum)
	if err != nil {
		return 0, "", fmt.Errorf("read schema version: %w", err)
	}
	return version, checksum, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
