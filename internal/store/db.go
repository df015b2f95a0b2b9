package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const (
	SchemaVersion = 2
)

// DB represents the database connection
type DB struct {
	conn *sql.DB
	path string
}

// OpenDB creates or opens the trace database at the given path.
// WAL mode is enabled so concurrent readers do not block the single writer.
func OpenDB(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=10000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	// SQLite allows one writer at a time.
	conn.SetMaxOpenConns(1)

	database := &DB{conn: conn, path: dbPath}

	if err := database.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return database, nil
}

// migrate applies database migrations
func (db *DB) migrate() error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Check current schema version
	var version int
	if err := tx.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return err
	}

	// Apply migrations incrementally
	for version < SchemaVersion {
		version++
		switch version {
		case 1:
			if err := db.applySchemaV1(tx); err != nil {
				return fmt.Errorf("failed to apply schema v%d: %w", version, err)
			}
		case 2:
			if err := db.applySchemaV2(tx); err != nil {
				return fmt.Errorf("failed to apply schema v%d: %w", version, err)
			}
		default:
			return fmt.Errorf("unknown schema version: %d", version)
		}
	}

	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion)); err != nil {
		return err
	}

	return tx.Commit()
}

// applySchemaV1 creates the trace and step tables.
func (db *DB) applySchemaV1(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS traces (
			id TEXT PRIMARY KEY,
			step_count INTEGER NOT NULL CHECK(step_count >= 1),
			dim INTEGER NOT NULL CHECK(dim >= 1),
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		CREATE TABLE IF NOT EXISTS steps (
			trace_id TEXT NOT NULL REFERENCES traces(id) ON DELETE CASCADE,
			idx INTEGER NOT NULL,
			representation BLOB NOT NULL,
			attended TEXT NOT NULL DEFAULT '{}',
			external_refs TEXT NOT NULL DEFAULT '{}',
			PRIMARY KEY (trace_id, idx)
		)
	`)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		CREATE TABLE IF NOT EXISTS metric_reports (
			trace_id TEXT NOT NULL REFERENCES traces(id) ON DELETE CASCADE,
			metric TEXT NOT NULL,
			config_hash TEXT NOT NULL,
			value REAL,
			invalid INTEGER NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			computed_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (trace_id, metric, config_hash)
		)
	`)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		CREATE TABLE IF NOT EXISTS reports (
			trace_id TEXT NOT NULL REFERENCES traces(id) ON DELETE CASCADE,
			config_hash TEXT NOT NULL,
			payload TEXT NOT NULL,
			computed_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (trace_id, config_hash)
		)
	`)
	return err
}

// applySchemaV2 creates the residue cluster tables. The version column is a
// monotonically increasing counter bumped on every mutation; concurrent
// updates that lost a race are detected by comparing it.
func (db *DB) applySchemaV2(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS clusters (
			id INTEGER PRIMARY KEY,
			span INTEGER NOT NULL CHECK(span >= 1),
			centroid BLOB NOT NULL,
			cohesion REAL NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		CREATE TABLE IF NOT EXISTS cluster_occurrences (
			cluster_id INTEGER NOT NULL REFERENCES clusters(id) ON DELETE CASCADE,
			trace_id TEXT NOT NULL,
			start_idx INTEGER NOT NULL,
			end_idx INTEGER NOT NULL,
			PRIMARY KEY (cluster_id, trace_id, start_idx)
		)
	`)
	return err
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying database connection
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Path returns the database file path
func (db *DB) Path() string {
	return db.path
}

// Ping verifies database connectivity
func (db *DB) Ping() error {
	return db.conn.Ping()
}
