// Package db is the local SQLite store behind the fact flags, so the client
// knows what the player already did before the server snapshot arrives.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Database wraps a SQLite handle. Writes are serialized on a mutex since
// SQLite allows a single writer.
type Database struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// NewDatabase opens or creates the database at dbPath. ":memory:" opens a
// private in-memory database.
func NewDatabase(dbPath string) (*Database, error) {
	inMemory := dbPath == ":memory:" || strings.HasPrefix(dbPath, "file::memory:")
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", dbPath, err)
	}

	// One connection: keeps an in-memory database alive and writers ordered.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if !inMemory {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			log.Warn().Err(err).Msg("failed to enable WAL mode")
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	log.Info().Str("path", dbPath).Msg("database opened")

	return &Database{
		db:   db,
		path: dbPath,
	}, nil
}

// Path returns the database location.
func (d *Database) Path() string {
	return d.path
}

// Close closes the database.
func (d *Database) Close() error {
	return d.db.Close()
}

// Exec runs a statement that returns no rows.
func (d *Database) Exec(query string, args ...interface{}) (sql.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Exec(query, args...)
}

// Query runs a statement that returns rows.
func (d *Database) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return d.db.Query(query, args...)
}

// QueryRow runs a statement that returns at most one row.
func (d *Database) QueryRow(query string, args ...interface{}) *sql.Row {
	return d.db.QueryRow(query, args...)
}

// Transaction runs fn inside a transaction, rolling back if fn fails.
func (d *Database) Transaction(fn func(tx *sql.Tx) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Checkpoint folds the write-ahead log back into the main file and
// truncates it. It is a no-op for in-memory databases.
func (d *Database) Checkpoint() error {
	if _, err := d.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("checkpoint failed: %w", err)
	}
	return nil
}

// Size returns the on-disk size of the database and its WAL file.
func (d *Database) Size() int64 {
	var total int64
	for _, p := range []string{d.path, d.path + "-wal"} {
		if info, err := os.Stat(p); err == nil {
			total += info.Size()
		}
	}
	return total
}
