// Package db persists job history in SQLite. The stored payload allows jobs
// that never reached a terminal state to be requeued after a restart.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS print_jobs (
	id            TEXT PRIMARY KEY,
	printer       TEXT NOT NULL,
	status        TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	copies        INTEGER NOT NULL DEFAULT 1,
	cut_after     INTEGER NOT NULL DEFAULT 1,
	retries       INTEGER NOT NULL DEFAULT 0,
	payload       BLOB NOT NULL,
	payload_bytes INTEGER NOT NULL,
	created_at    DATETIME NOT NULL,
	completed_at  DATETIME
);
CREATE INDEX IF NOT EXISTS idx_print_jobs_status ON print_jobs(status);
CREATE INDEX IF NOT EXISTS idx_print_jobs_printer ON print_jobs(printer);
CREATE INDEX IF NOT EXISTS idx_print_jobs_created ON print_jobs(created_at);
`

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	database, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	database.SetMaxOpenConns(1)
	database.SetMaxIdleConns(1)

	if _, err := database.Exec(schema); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: database}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
