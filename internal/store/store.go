// Package store provides the embedded SQLite database for the job-application
// tracker's sync engine.
//
// The database runs fully local with WAL mode for concurrent reads. It holds:
//   - the syncable entity tables (applications, companies, contacts,
//     reminders), each carrying a cloud-id mapping and last-synced timestamp
//   - the outbox table of pending local mutations
//   - the sync_settings key/value table for durable engine state
//
// Workflow:
//  1. Mutating services write an entity row and enqueue an outbox item
//  2. The sync engine drains the outbox to the remote API when reachable
//  3. Pulled remote deltas are reconciled back into the entity tables
//  4. The engine records the last sync time in sync_settings
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SyncTables is the fixed list of tables the engine pushes and pulls.
// Order matters: pulls are processed one table at a time in this order.
var SyncTables = []string{"applications", "companies", "contacts", "reminders"}

// IsSyncTable reports whether name is one of the syncable entity tables.
func IsSyncTable(name string) bool {
	for _, t := range SyncTables {
		if t == name {
			return true
		}
	}
	return false
}

// DB wraps the SQLite database connection for the tracker.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it will be created; call InitSchema to
// create the tables.
//
// The caller MUST call Close() when done to ensure proper cleanup.
//
// Example:
//
//	db, err := store.Open(".jobsync/tracker.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	// Enable WAL mode for concurrent reads
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
// This is useful for integrating with other packages that expect *sql.DB.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the filesystem path of the database file.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	// Checkpoint WAL before closing
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
//
// This creates the entity, outbox, and sync_settings tables along with
// the indexes the engine queries. Idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- Durable log of pending local mutations
	CREATE TABLE IF NOT EXISTS outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		table_name TEXT NOT NULL,
		record_id INTEGER NOT NULL,
		operation TEXT NOT NULL,  -- create, update, delete
		data BLOB,                -- versioned payload envelope
		created_at TEXT NOT NULL,
		synced_at TEXT,           -- NULL while pending; terminal once set
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_retry_at TEXT,
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_pending
	    ON outbox(synced_at, created_at);
	CREATE INDEX IF NOT EXISTS idx_outbox_record
	    ON outbox(table_name, record_id);

	-- Durable key/value engine state, keys namespaced sync_<key>
	CREATE TABLE IF NOT EXISTS sync_settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT 'sync'
	);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	// Entity tables share one shape: the row payload stays an opaque
	// versioned envelope; cloud_id and last_synced_at are written only
	// by the reconciler.
	for _, table := range SyncTables {
		entity := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			data BLOB NOT NULL,
			updated_at TEXT NOT NULL,
			cloud_id TEXT UNIQUE,
			last_synced_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_%s_cloud ON %s(cloud_id);
		`, table, table, table)

		if _, err := db.conn.ExecContext(ctx, entity); err != nil {
			return fmt.Errorf("failed to create %s table: %w", table, err)
		}
	}

	return nil
}
