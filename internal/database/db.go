// Package database provides SQLite connection management and migrations
// for the request-log store.
package database

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// New opens the request-log database with WAL journaling enabled.
func New(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Log inserts come from per-request goroutines; keep the pool small
	// with headroom for the read side of the management API.
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(4)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return conn, nil
}
