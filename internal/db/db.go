// Package db is the sqlite ledger behind bookings and superuser grants.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"labbook/internal/apperr"
)

// DB represents the database connection.
type DB struct {
	*sql.DB
	queries
	path   string
	logger zerolog.Logger
}

// Tx is a single BEGIN IMMEDIATE transaction. It exposes the same queries as DB.
type Tx struct {
	queries
	tx *sql.Tx
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q querier
}

// Open initializes the database and creates tables if they don't exist.
func Open(path string, logger *zerolog.Logger) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL, busy timeout, and writers take the lock at BEGIN
	dsn := "file:" + path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=1"
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &DB{
		DB:      sqlDB,
		queries: queries{q: sqlDB},
		path:    path,
		logger:  logger.With().Str("component", "db").Logger(),
	}

	if err := db.createTables(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	db.logger.Info().Str("path", path).Msg("Database initialized")
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

func (db *DB) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS facilities (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT 1,
			default_rate TEXT NOT NULL DEFAULT '0',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS slot_definitions (
			facility_id TEXT NOT NULL,
			id TEXT NOT NULL,
			weekday INTEGER NOT NULL,
			start_minute INTEGER NOT NULL,
			end_minute INTEGER NOT NULL,
			eligible TEXT NOT NULL,
			PRIMARY KEY (facility_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			user_type TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS bookings (
			id TEXT PRIMARY KEY,
			facility_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			user_type TEXT NOT NULL,
			date TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending'
				CHECK (status IN ('pending', 'approved', 'rejected', 'cancelled')),
			cost TEXT NOT NULL,
			comment TEXT NOT NULL DEFAULT '',
			decided_by TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_facility_date ON bookings(facility_id, date)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_user_id ON bookings(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_status ON bookings(status)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_created ON bookings(created_at)`,

		// One row per reserved slot. Only active rows take part in the
		// uniqueness check, so terminal bookings release their slots.
		`CREATE TABLE IF NOT EXISTS booking_slots (
			booking_id TEXT NOT NULL REFERENCES bookings(id) ON DELETE CASCADE,
			facility_id TEXT NOT NULL,
			date TEXT NOT NULL,
			slot_id TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (booking_id, slot_id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_booking_slots_active
			ON booking_slots(facility_id, date, slot_id) WHERE active = 1`,

		`CREATE TABLE IF NOT EXISTS superuser_requests (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			facility_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending'
				CHECK (status IN ('pending', 'approved', 'rejected')),
			requested_at DATETIME NOT NULL,
			decided_at DATETIME,
			decided_by TEXT NOT NULL DEFAULT '',
			note TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_superuser_requests_pending
			ON superuser_requests(user_id, facility_id) WHERE status = 'pending'`,
		`CREATE INDEX IF NOT EXISTS idx_superuser_requests_status ON superuser_requests(status, requested_at)`,

		`CREATE TABLE IF NOT EXISTS superuser_grants (
			user_id TEXT NOT NULL,
			facility_id TEXT NOT NULL,
			active TEXT NOT NULL CHECK (active IN ('Y', 'N')),
			request_id TEXT NOT NULL DEFAULT '',
			granted_at DATETIME NOT NULL,
			granted_by TEXT NOT NULL,
			revoked_at DATETIME,
			revoked_by TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (user_id, facility_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_superuser_grants_facility ON superuser_grants(facility_id, active)`,

		// Append-only history; superuser_grants only holds the current state.
		`CREATE TABLE IF NOT EXISTS superuser_grant_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			facility_id TEXT NOT NULL,
			event TEXT NOT NULL CHECK (event IN ('granted', 'revoked')),
			request_id TEXT NOT NULL DEFAULT '',
			actor TEXT NOT NULL,
			at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_superuser_grant_events_at ON superuser_grant_events(at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// InTx runs fn inside one transaction. Any error from fn rolls back.
func (db *DB) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return classify("db.begin", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&Tx{queries: queries{q: sqlTx}, tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			db.logger.Warn().Err(rbErr).Msg("Rollback failed")
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return classify("db.commit", err)
	}
	return nil
}

// Ping checks the connection for readiness probes.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.PingContext(ctx); err != nil {
		return classify("db.ping", err)
	}
	return nil
}

// classify turns driver errors into apperr kinds. Unique and primary key
// violations become Conflict, missing rows NotFound, anything else Unavailable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}

	if errors.Is(err, sql.ErrNoRows) {
		return apperr.Wrap(apperr.KindNotFound, op, err)
	}

	if isUniqueViolation(err) {
		return apperr.Wrap(apperr.KindConflict, op, err)
	}

	return apperr.Wrap(apperr.KindUnavailable, op, err)
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
