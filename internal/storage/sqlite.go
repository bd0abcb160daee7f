// Package storage opens the SQLite database backing the dispatch journal.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	memory := path == MemoryPath
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if memory {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pragmas := []string{"PRAGMA busy_timeout = 5000;"}
	if !memory {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL;")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(pctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates the journal tables and indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS dispatch_log (
  id                 TEXT PRIMARY KEY,
  account            TEXT NOT NULL,
  connection         TEXT NOT NULL,
  channels           JSON NOT NULL,
  lost_channels      JSON,
  handler            TEXT,
  claimant           TEXT,
  failed_handlers    JSON,
  satisfied_requests JSON,
  outcome            TEXT NOT NULL,
  created_at         TEXT NOT NULL,
  finished_at        TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS request_log (
  id                TEXT PRIMARY KEY,
  account           TEXT NOT NULL,
  connection        TEXT NOT NULL,
  requester         TEXT,
  properties        JSON NOT NULL,
  preferred_handler TEXT,
  ensure            INTEGER NOT NULL DEFAULT 0,
  state             TEXT NOT NULL,
  dispatch_op       TEXT,
  channel_id        TEXT,
  error_name        TEXT,
  error_message     TEXT,
  user_action_time  TEXT,
  created_at        TEXT NOT NULL,
  completed_at      TEXT
);`,
		`CREATE INDEX IF NOT EXISTS dispatch_log_finished_at_idx ON dispatch_log(finished_at);`,
		`CREATE INDEX IF NOT EXISTS dispatch_log_handler_idx ON dispatch_log(handler);`,
		`CREATE INDEX IF NOT EXISTS request_log_state_idx ON request_log(state, completed_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
