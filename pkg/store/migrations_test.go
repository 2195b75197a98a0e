package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMigrations(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	var version int
	var name string
	err = db.conn.QueryRow("SELECT version, name FROM schema_migrations WHERE version=1").Scan(&version, &name)
	if err != nil {
		t.Fatalf("Migration 001 not found: %v", err)
	}
	if name != "initial" {
		t.Errorf("Expected name 'initial', got '%s'", name)
	}

	tables := []string{"credentials", "profiles", "profile_chats", "chats", "chat_participants", "messages"}
	for _, table := range tables {
		var count int
		err := db.conn.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to check for table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s not found", table)
		}
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 2; i++ {
		db, err := OpenSQLite(dbPath)
		if err != nil {
			t.Fatalf("open #%d failed: %v", i+1, err)
		}
		var count int
		if err := db.conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
			t.Fatalf("failed to count migrations: %v", err)
		}
		if count != 1 {
			t.Errorf("open #%d: expected 1 recorded migration, got %d", i+1, count)
		}
		db.Close()
	}
}

func TestMigrationBackup(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	path, err := backupDatabase(dbPath, 0)
	if err != nil || path != "" {
		t.Fatalf("fresh database should not be backed up, got %q, %v", path, err)
	}

	if err := os.WriteFile(dbPath, []byte("sqlite bytes"), 0644); err != nil {
		t.Fatal(err)
	}
	path, err = backupDatabase(dbPath, 1)
	if err != nil {
		t.Fatalf("backup failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("backup not readable: %v", err)
	}
	if string(data) != "sqlite bytes" {
		t.Errorf("backup content mismatch: %q", data)
	}
}

func TestLoadMigrationsOrdered(t *testing.T) {
	migrations, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("no embedded migrations")
	}
	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version <= migrations[i-1].Version {
			t.Errorf("migrations out of order at %d", i)
		}
	}
}
