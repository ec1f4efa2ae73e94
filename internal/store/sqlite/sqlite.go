// Package sqlite implements the store interfaces using SQLite as the backend.
//
// SQLite stands in for the hosted relational store the production frontend
// talks to: a single subjects table plus a handful of atomic mutations that
// the client is never allowed to express as raw field overwrites. We use
// modernc.org/sqlite (pure Go translation of SQLite, no CGo) so the binary
// builds and cross-compiles anywhere Go does.
//
// The atomic reward operations live in atomic.go; each runs inside a
// transaction and is idempotent per its documented key, so at-least-once
// delivery from retrying clients cannot double-grant a reward.
package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	// Blank import registers the "sqlite" driver with database/sql.
	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection pool and implements store.SubjectStore and
// store.AtomicStore.
type DB struct {
	conn *sql.DB
}

// New opens (or creates) the SQLite database at dbPath and runs migrations.
// Use ":memory:" for tests.
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	// WAL mode allows concurrent reads while a write is in flight — the
	// leaderboard poller reads the full table while reward writes land.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting WAL mode: %w", err)
	}

	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: enabling foreign keys: %w", err)
	}

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

// Close closes the database connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	// referral_code carries the UNIQUE constraint the bootstrap path recovers
	// from: a collision surfaces as apperror.ErrDuplicateKey and the caller
	// regenerates the code.
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS subjects (
			id                TEXT PRIMARY KEY,
			email             TEXT NOT NULL DEFAULT '',
			name              TEXT NOT NULL DEFAULT '',
			avatar_url        TEXT NOT NULL DEFAULT '',
			points            REAL NOT NULL DEFAULT 0,
			points_rate       REAL NOT NULL DEFAULT 0,
			twitter_connected INTEGER NOT NULL DEFAULT 0,
			twitter_username  TEXT NOT NULL DEFAULT '',
			tasks_completed   TEXT NOT NULL DEFAULT '[]',
			referral_code     TEXT NOT NULL UNIQUE,
			referral_count    INTEGER NOT NULL DEFAULT 0,
			referred_by       TEXT NOT NULL DEFAULT '',
			created_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_update       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_subjects_points ON subjects(points);
		CREATE INDEX IF NOT EXISTS idx_subjects_referral_count ON subjects(referral_count);
	`)
	if err != nil {
		return fmt.Errorf("creating subjects table: %w", err)
	}

	return nil
}

// isUniqueViolation reports whether err is SQLite's unique-constraint error.
// modernc.org/sqlite surfaces it as a generic error with a stable message
// prefix, so string matching is the portable check.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
