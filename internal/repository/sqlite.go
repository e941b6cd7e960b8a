// Package repository persists the event log and the work queue in SQLite.
package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	msqlite "modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/xiaot623/agentrun/internal/eventstore"
	"github.com/xiaot623/agentrun/internal/telemetry"
)

// Supported database/sql driver names.
const (
	DriverCGO  = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPure = "sqlite"  // modernc.org/sqlite
)

// SQLiteStore implements eventstore.Store and queue.Queue on one SQLite database.
type SQLiteStore struct {
	db        *sql.DB
	driver    string
	registry  *eventstore.Registry
	publisher eventstore.Publisher
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	now       func() time.Time
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithDriver selects the database/sql driver. Defaults to DriverCGO.
func WithDriver(name string) Option {
	return func(s *SQLiteStore) { s.driver = name }
}

// WithRegistry sets the event type registry. Defaults to eventstore.DefaultRegistry().
func WithRegistry(r *eventstore.Registry) Option {
	return func(s *SQLiteStore) { s.registry = r }
}

// WithPublisher sets the publisher called after each committed append.
func WithPublisher(p eventstore.Publisher) Option {
	return func(s *SQLiteStore) { s.publisher = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *SQLiteStore) { s.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *SQLiteStore) { s.metrics = m }
}

// NewSQLiteStore opens (and migrates) a SQLite database.
func NewSQLiteStore(dsn string, opts ...Option) (*SQLiteStore, error) {
	s := &SQLiteStore{
		driver:    DriverCGO,
		publisher: eventstore.NopPublisher{},
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = eventstore.DefaultRegistry()
	}
	if s.driver != DriverCGO && s.driver != DriverPure {
		return nil, fmt.Errorf("unsupported sqlite driver %q", s.driver)
	}

	db, err := sql.Open(s.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	s.db = db

	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS events (
			run_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			id TEXT NOT NULL UNIQUE,
			step_id TEXT,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			correlation_id TEXT,
			causation_id TEXT,
			tenant_id TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			stored_at INTEGER NOT NULL,
			PRIMARY KEY (run_id, sequence)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_tenant ON events(tenant_id, run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(run_id, event_type, sequence)`,
		`CREATE TABLE IF NOT EXISTS work_items (
			id TEXT PRIMARY KEY,
			queue TEXT NOT NULL,
			run_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			correlation_id TEXT,
			work_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			scheduled_delay_ms INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			available_at INTEGER NOT NULL,
			lease_token TEXT,
			lease_expires_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_work_items_ready ON work_items(queue, status, available_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	// Add new columns for existing DBs (SQLite has limited ALTER TABLE support).
	if err := s.ensureColumn("work_items", "last_error", "ALTER TABLE work_items ADD COLUMN last_error TEXT"); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteStore) ensureColumn(tableName, columnName, ddl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == columnName {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.Exec(ddl)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping() error {
	return s.db.Ping()
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// isConstraintError matches primary key and unique violations from either driver.
func isConstraintError(err error) bool {
	var cgoErr sqlite3.Error
	if errors.As(err, &cgoErr) {
		return cgoErr.Code == sqlite3.ErrConstraint
	}
	var pureErr *msqlite.Error
	if errors.As(err, &pureErr) {
		code := pureErr.Code()
		return code == sqlitelib.SQLITE_CONSTRAINT || code == sqlitelib.SQLITE_CONSTRAINT_UNIQUE || code == sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func isBusyError(err error) bool {
	var cgoErr sqlite3.Error
	if errors.As(err, &cgoErr) {
		return cgoErr.Code == sqlite3.ErrBusy || cgoErr.Code == sqlite3.ErrLocked
	}
	var pureErr *msqlite.Error
	if errors.As(err, &pureErr) {
		code := pureErr.Code()
		return code == sqlitelib.SQLITE_BUSY || code == sqlitelib.SQLITE_LOCKED
	}
	return false
}
