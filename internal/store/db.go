// Package store implements the durable Storage adapter plus the
// Outbox and UploadLedger business logic built on top of it.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DB wraps a sqlite connection for the engine's two fixed stores: outbox
// and upload_ledger. Both are simple key/value tables; RescueNet has no
// dynamic-schema needs, so this is deliberately narrower than a generic
// table manager.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the sqlite database under dataDir.
func Open(dataDir string) (*DB, error) {
	dbPath := filepath.Join(dataDir, "rescuenet.db")

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := sqlDB.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := sqlDB.Exec(`
		CREATE TABLE IF NOT EXISTS outbox (
			packet_id TEXT PRIMARY KEY,
			data      BLOB NOT NULL
		);
	`); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("create outbox table: %w", err)
	}

	if _, err := sqlDB.Exec(`
		CREATE TABLE IF NOT EXISTS upload_ledger (
			packet_id    TEXT PRIMARY KEY,
			delivered_at TEXT NOT NULL
		);
	`); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("create upload_ledger table: %w", err)
	}

	return &DB{db: sqlDB, path: dbPath}, nil
}

func (d *DB) Close() error { return d.db.Close() }

func (d *DB) Path() string { return d.path }

func (d *DB) Exec(query string, args ...interface{}) (sql.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Exec(query, args...)
}

func (d *DB) Query(query string, args ...interface{}) (*sql.Rows, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db.Query(query, args...)
}

func (d *DB) QueryRow(query string, args ...interface{}) *sql.Row {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db.QueryRow(query, args...)
}
