// Package storage opens the SQLite database that holds execution history.
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

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures the execution tables exist. The path must be on a local filesystem.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	if err := requireLocalDisk(path, inspectMount); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc's driver serializes writers poorly across connections.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables and indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS executions (
  id                    TEXT PRIMARY KEY,
  type                  TEXT NOT NULL,
  target_nodes          JSON NOT NULL,
  action                TEXT NOT NULL,
  parameters            JSON,
  status                TEXT NOT NULL,
  started_at            TEXT NOT NULL,
  completed_at          TEXT,
  results               JSON NOT NULL DEFAULT '[]',
  error                 TEXT,
  error_code            TEXT,
  cancelled             INTEGER NOT NULL DEFAULT 0,
  expert_mode           INTEGER NOT NULL DEFAULT 0,
  execution_tool        TEXT,
  command               TEXT,
  stdout                TEXT,
  stderr                TEXT,
  original_execution_id TEXT,
  submitted_by          TEXT
);`,
		`CREATE INDEX IF NOT EXISTS executions_status_started_at_idx ON executions(status, started_at);`,
		`CREATE INDEX IF NOT EXISTS executions_type_started_at_idx ON executions(type, started_at);`,
		`CREATE INDEX IF NOT EXISTS executions_original_idx ON executions(original_execution_id);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
