// SPDX-License-Identifier: Apache-2.0

// Package store persists model health state in a SQLite database: the
// per-identity tracking rows, the append-only probe history, incidents and
// the model catalog. The result processor owns all writes to tracking rows;
// the scheduler, aggregator and cache publisher only read.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	perrors "github.com/modelpulse/pulse/pkg/errors"

	_ "modernc.org/sqlite"
)

const (
	trackingTable = "model_health_tracking"
	historyTable  = "model_health_history"
	incidentTable = "model_health_incidents"
	catalogTable  = "model_catalog"
)

// Store wraps the SQLite handle with the monitor's persistence operations.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and ensures the schema.
// Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, perrors.New(perrors.CodeStore, "failed to open database", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under the monitor's concurrent loops.
	db.SetMaxOpenConns(1)
	return New(db)
}

// New wraps an existing handle and ensures the schema.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			gateway TEXT NOT NULL,
			tier TEXT NOT NULL DEFAULT 'standard',
			priority_score REAL NOT NULL DEFAULT 0,
			is_enabled INTEGER NOT NULL DEFAULT 1,
			next_check_at INTEGER NOT NULL,
			last_called_at INTEGER,
			call_count INTEGER NOT NULL DEFAULT 0,
			success_count INTEGER NOT NULL DEFAULT 0,
			error_count INTEGER NOT NULL DEFAULT 0,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			consecutive_successes INTEGER NOT NULL DEFAULT 0,
			last_status TEXT NOT NULL DEFAULT '',
			last_response_time_ms INTEGER,
			last_error_message TEXT,
			http_status_code INTEGER,
			last_success_at INTEGER,
			last_failure_at INTEGER,
			average_response_time_ms REAL NOT NULL DEFAULT 0,
			circuit_breaker_state TEXT NOT NULL DEFAULT 'closed',
			uptime_24h REAL NOT NULL DEFAULT 100,
			uptime_7d REAL NOT NULL DEFAULT 100,
			uptime_30d REAL NOT NULL DEFAULT 100,
			PRIMARY KEY(provider, model, gateway)
		);`, trackingTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_due ON %s(is_enabled, next_check_at);`, trackingTable, trackingTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_called ON %s(last_called_at);`, trackingTable, trackingTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			gateway TEXT NOT NULL,
			checked_at INTEGER NOT NULL,
			status TEXT NOT NULL,
			response_time_ms INTEGER,
			error_message TEXT,
			http_status_code INTEGER,
			circuit_breaker_state TEXT NOT NULL
		);`, historyTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_identity ON %s(provider, model, gateway, checked_at);`, historyTable, historyTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_checked ON %s(checked_at);`, historyTable, historyTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			gateway TEXT NOT NULL,
			incident_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			resolved_at INTEGER,
			error_count INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			resolution_notes TEXT
		);`, incidentTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_identity ON %s(provider, model, gateway, status);`, incidentTable, incidentTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			gateway TEXT NOT NULL,
			PRIMARY KEY(provider, model, gateway)
		);`, catalogTable),
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return perrors.New(perrors.CodeStore, "failed to ensure schema", err)
		}
	}
	return nil
}

// storeErr wraps a database error with transient classification so the
// shared retry helper knows whether to try again.
func storeErr(msg string, err error) error {
	if err == nil {
		return nil
	}
	return perrors.New(perrors.CodeStore, msg, err).WithRecoverable(isTransient(err))
}

// isTransient reports whether a SQLite error is worth retrying.
func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") ||
		strings.Contains(msg, "locked") ||
		strings.Contains(msg, "interrupted")
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
