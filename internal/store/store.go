// Package store provides SQLite-backed persistence for sessions, the durable
// command queue, the hook outbox, UX state, agent availability, and the
// snapshot cache.
package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Store provides typed CRUD over the daemon database.
type Store struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader (read-only pool)
	ownsDB bool
}

// NewWithDB creates a store over existing connections (shared ownership).
func NewWithDB(writer, reader *sqlx.DB) (*Store, error) {
	return newStore(writer, reader, false)
}

// New creates a store that owns its connections.
func New(writer, reader *sqlx.DB) (*Store, error) {
	return newStore(writer, reader, true)
}

func newStore(writer, reader *sqlx.DB, ownsDB bool) (*Store, error) {
	s := &Store{db: writer, ro: reader, ownsDB: ownsDB}
	if err := s.initSchema(); err != nil {
		if ownsDB {
			if closeErr := writer.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
			}
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connections when owned.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	if s.ro != nil {
		_ = s.ro.Close()
	}
	return s.db.Close()
}

// reader returns the read pool, falling back to the writer when no separate
// reader was configured (tests).
func (s *Store) reader() *sqlx.DB {
	if s.ro != nil {
		return s.ro
	}
	return s.db
}

// initSchema creates the database tables if they don't exist and applies
// forward-only migrations. The table creation runs inside one transaction;
// the migrations run after it commits.
func (s *Store) initSchema() error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			tmux_name TEXT NOT NULL UNIQUE,
			cwd TEXT NOT NULL,
			agent TEXT NOT NULL,
			thinking_mode TEXT NOT NULL DEFAULT 'med',
			title TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			origin TEXT NOT NULL DEFAULT '',
			adapter_meta TEXT NOT NULL DEFAULT '{}',
			computer TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			last_activity_at TIMESTAMP NOT NULL,
			closed_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS command_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			source TEXT NOT NULL,
			dedup_key TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			caller_session TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			accepted_at TIMESTAMP NOT NULL,
			in_flight_since TIMESTAMP,
			UNIQUE(source, dedup_key)
		)`,
		`CREATE TABLE IF NOT EXISTS hook_outbox (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			agent TEXT NOT NULL DEFAULT '',
			tool TEXT NOT NULL DEFAULT '',
			preview TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			payload_json TEXT NOT NULL DEFAULT '{}',
			state TEXT NOT NULL DEFAULT 'pending',
			lock_token TEXT NOT NULL DEFAULT '',
			locked_until TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ux_state (
			platform TEXT NOT NULL,
			session_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL DEFAULT '{}',
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (platform, session_id, key),
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS agent_availability (
			agent TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'available',
			reason TEXT NOT NULL DEFAULT '',
			unavailable_until TIMESTAMP,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS snapshot_cache (
			entity_kind TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			data TEXT NOT NULL DEFAULT '{}',
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (entity_kind, entity_id)
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoint_state (
			session_id TEXT PRIMARY KEY,
			turn_id TEXT NOT NULL DEFAULT '',
			blocked INTEGER NOT NULL DEFAULT 0,
			decided_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_command_queue_state ON command_queue(state, accepted_at)`,
		`CREATE INDEX IF NOT EXISTS idx_hook_outbox_state ON hook_outbox(state, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	return s.runMigrations()
}

// runMigrations applies idempotent ALTER TABLE migrations for schema evolution.
func (s *Store) runMigrations() error {
	// Sessions gained thinking_mode after the first release (ignore error if present)
	_, _ = s.db.Exec(`ALTER TABLE sessions ADD COLUMN thinking_mode TEXT DEFAULT 'med'`)
	// Queue gained caller_session for agent-issued commands
	_, _ = s.db.Exec(`ALTER TABLE command_queue ADD COLUMN caller_session TEXT DEFAULT ''`)
	return nil
}
