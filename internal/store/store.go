// Package store persists nodes, metric samples, and command records.
//
// It is a thin wrapper around database/sql backed by modernc.org/sqlite
// (a pure-Go SQLite driver, chosen to avoid a cgo build dependency — see
// DESIGN.md for the Open Question this resolves). Migrations are a plain
// slice of CREATE TABLE IF NOT EXISTS statements run once at startup,
// matching the reference codebase's own inline-migration style rather
// than a migration-framework dependency.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fleetcore/fleetcore/internal/logging"
)

// Config describes how to open the store.
type Config struct {
	// Path is the SQLite file path, or ":memory:" for an ephemeral store
	// (used by tests and single-shot tooling).
	Path string
}

// Store wraps the connection pool and exposes the operations C2 requires.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at cfg.Path and
// runs migrations.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: path must not be empty")
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	// SQLite only honors a single writer at a time; a large pool just
	// produces SQLITE_BUSY contention, so we cap it tightly and rely on
	// WAL mode for concurrent readers.
	db.SetMaxOpenConns(8)
	if cfg.Path == ":memory:" {
		// every connection to ":memory:" opens its own empty database
		db.SetMaxOpenConns(1)
	}
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		logging.Store().Warn().Err(err).Msg("failed to enable WAL mode")
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON;"); err != nil {
		logging.Store().Warn().Err(err).Msg("failed to enable foreign keys")
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// OpenForTesting wraps an already-configured *sql.DB without running
// migrations or opinionated pragmas, for callers that build their own
// schema (or hand in a stub driver) directly.
func OpenForTesting(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying pool for callers that need a raw handle
// (e.g. tests that adjust rows directly).
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS nodes (
		node_id        TEXT PRIMARY KEY,
		hostname       TEXT NOT NULL DEFAULT '',
		ip_address     TEXT NOT NULL DEFAULT '',
		os_info        TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL DEFAULT 'offline',
		last_heartbeat TIMESTAMP,
		registered_at  TIMESTAMP NOT NULL,
		updated_at     TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_nodes_status ON nodes(status)`,

	`CREATE TABLE IF NOT EXISTS node_metrics (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		node_id          TEXT NOT NULL REFERENCES nodes(node_id) ON DELETE CASCADE,
		metric_time      TIMESTAMP NOT NULL,
		cpu_usage        REAL,
		memory_usage     REAL,
		disk_usage       REAL,
		load_average     REAL,
		memory_total     INTEGER,
		memory_available INTEGER,
		disk_total       INTEGER,
		disk_available   INTEGER,
		uptime           INTEGER,
		created_at       TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_node_metrics_node_time ON node_metrics(node_id, metric_time)`,

	`CREATE TABLE IF NOT EXISTS commands (
		command_id      TEXT PRIMARY KEY,
		target_node_id  TEXT NOT NULL,
		command_text    TEXT NOT NULL,
		timeout_seconds INTEGER NOT NULL DEFAULT 30,
		status          TEXT NOT NULL DEFAULT 'pending',
		created_at      TIMESTAMP NOT NULL,
		started_at      TIMESTAMP,
		completed_at    TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_commands_node ON commands(target_node_id)`,
	`CREATE INDEX IF NOT EXISTS idx_commands_status ON commands(status)`,

	`CREATE TABLE IF NOT EXISTS command_results (
		command_id        TEXT PRIMARY KEY REFERENCES commands(command_id) ON DELETE CASCADE,
		exit_code          INTEGER NOT NULL,
		stdout             TEXT NOT NULL DEFAULT '',
		stderr             TEXT NOT NULL DEFAULT '',
		execution_time_ms INTEGER NOT NULL DEFAULT 0
	)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, stmt)
		}
	}
	return nil
}
