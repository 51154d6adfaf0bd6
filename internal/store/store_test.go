package store

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	return db
}

func TestOpenCreatesParentDir(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "tracker.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if db.Path() != dbPath {
		t.Errorf("expected path %s, got %s", dbPath, db.Path())
	}
}

func TestInitSchemaIdempotent(t *testing.T) {
	db := openTestDB(t)

	// Second init must not fail
	if err := db.InitSchema(); err != nil {
		t.Fatalf("second InitSchema failed: %v", err)
	}
}

func TestSchemaTablesExist(t *testing.T) {
	db := openTestDB(t)

	expected := append([]string{"outbox", "sync_settings"}, SyncTables...)
	for _, table := range expected {
		var name string
		err := db.RawDB().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestIsSyncTable(t *testing.T) {
	for _, table := range SyncTables {
		if !IsSyncTable(table) {
			t.Errorf("expected %s to be a sync table", table)
		}
	}
	if IsSyncTable("outbox") {
		t.Error("outbox must not be a sync table")
	}
	if IsSyncTable("") {
		t.Error("empty name must not be a sync table")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := db.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}
