package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// epsilon absorbs float rounding when comparing monetary amounts in SQL.
const epsilon = 1e-9

var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id              TEXT PRIMARY KEY,
		owner_id        TEXT NOT NULL,
		provider        TEXT NOT NULL,
		status          TEXT NOT NULL,
		payload         TEXT NOT NULL,
		result          TEXT,
		error_message   TEXT,
		cost_estimate   REAL NOT NULL DEFAULT 0,
		cost_actual     REAL,
		credits_charged REAL NOT NULL DEFAULT 0,
		attempts        INTEGER NOT NULL DEFAULT 0,
		duration_ms     INTEGER,
		idempotency_key TEXT,
		created_at      DATETIME NOT NULL,
		updated_at      DATETIME NOT NULL,
		started_at      DATETIME,
		finished_at     DATETIME
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_owner_status ON jobs(owner_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status_updated ON jobs(status, updated_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_owner_idempotency
		ON jobs(owner_id, idempotency_key) WHERE idempotency_key IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS credit_balances (
		owner_id   TEXT PRIMARY KEY,
		balance    REAL NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id            TEXT PRIMARY KEY,
		owner_id      TEXT NOT NULL,
		entry_type    TEXT NOT NULL,
		amount        REAL NOT NULL,
		balance_after REAL NOT NULL,
		job_id        TEXT,
		created_at    DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_owner ON ledger_entries(owner_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS daily_quotas (
		owner_id             TEXT PRIMARY KEY,
		last_reset_date      TEXT NOT NULL,
		jobs_submitted_today INTEGER NOT NULL DEFAULT 0,
		cost_spent_today     REAL NOT NULL DEFAULT 0,
		daily_job_limit      INTEGER NOT NULL,
		daily_cost_limit     REAL NOT NULL,
		updated_at           DATETIME NOT NULL
	)`,
}

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to :memory: gets its own empty database.
	if dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory") {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// dsn applies the busy timeout to every pooled connection, stores times in
// a sortable format and makes transactions take the write lock up front so
// writers queue on the busy handler instead of failing a lock upgrade.
func dsn(dbPath string) string {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + "_pragma=busy_timeout(5000)&_time_format=sqlite&_txlock=immediate"
}

func (s *SQLiteStore) migrate() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
