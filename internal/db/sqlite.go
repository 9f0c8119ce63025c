// Package db opens the daemon's SQLite store. The command queue and hook
// outbox both claim rows with single-statement UPDATEs, which are only
// atomic against each other when every write funnels through one
// connection; a lone writer also keeps SQLITE_BUSY out of the command
// path. Snapshot and availability reads go to a separate WAL read pool so
// UI latency never waits behind a claim.
package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	busyTimeout = 5 * time.Second

	// readerConns sizes the read pool. Four is plenty for one TUI, the
	// chat adapters, and the MCP surface combined.
	readerConns = 4
)

// OpenPair opens the writer connection and the read-only pool for one
// database file.
func OpenPair(dbPath string) (writer, reader *sqlx.DB, err error) {
	writer, err = Open(dbPath)
	if err != nil {
		return nil, nil, err
	}
	reader, err = OpenReader(dbPath)
	if err != nil {
		_ = writer.Close()
		return nil, nil, err
	}
	return writer, reader, nil
}

// Open opens the single-connection writer. All queue/outbox claims and
// every other mutation run here.
func Open(dbPath string) (*sqlx.DB, error) {
	path, err := prepare(dbPath)
	if err != nil {
		return nil, err
	}

	conn, err := sqlx.Open("sqlite3", dsn(path, false))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection, not a pool: claim UPDATEs serialize here, which is
	// what makes "at most one in-flight worker per entry" hold.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	return conn, nil
}

// OpenReader opens the read-only pool. Under WAL these connections read a
// consistent snapshot without blocking the writer or each other.
func OpenReader(dbPath string) (*sqlx.DB, error) {
	conn, err := sqlx.Open("sqlite3", dsn(normalize(dbPath), true))
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	conn.SetMaxOpenConns(readerConns)
	conn.SetMaxIdleConns(readerConns)
	return conn, nil
}

// dsn builds the driver DSN. foreign_keys enforces the ux_state cascade on
// both sides; journal_mode and synchronous are database-level settings the
// writer establishes and the reader inherits, so the read-only DSN omits
// them.
func dsn(path string, readOnly bool) string {
	base := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=%d",
		path, int(busyTimeout/time.Millisecond))
	if readOnly {
		return base + "&_mode=ro"
	}
	return base + "&_mode=rwc&_journal_mode=WAL&_synchronous=NORMAL"
}

// prepare resolves the path and creates the parent directory and an empty
// database file if needed, so a first start under ~/.teleclaude and a test
// under t.TempDir() behave the same.
func prepare(dbPath string) (string, error) {
	path := normalize(dbPath)
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to prepare database path: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", err
	}
	return path, nil
}

func normalize(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
