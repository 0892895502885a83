// Package db tests for database connection management.
package db

import (
	"os"
	"path/filepath"
	"testing"
)

// TestOpen verifies database opening with proper configuration.
func TestOpen(t *testing.T) {
	tmpDir := t.TempDir()

	db, err := Open(filepath.Join(tmpDir, "nested"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	dbPath := filepath.Join(tmpDir, "nested", FileName)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
	if db.Path() != dbPath {
		t.Errorf("Path() = %q, want %q", db.Path(), dbPath)
	}

	var walMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&walMode); err != nil {
		t.Fatalf("Failed to check WAL mode: %v", err)
	}
	if walMode != "wal" {
		t.Errorf("WAL mode not enabled, got: %s", walMode)
	}

	var fkEnabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled); err != nil {
		t.Fatalf("Failed to check foreign keys: %v", err)
	}
	if fkEnabled != 1 {
		t.Errorf("Foreign keys not enabled, got: %d", fkEnabled)
	}

	// synchronous=FULL reports as 2
	var syncMode int
	if err := db.QueryRow("PRAGMA synchronous").Scan(&syncMode); err != nil {
		t.Fatalf("Failed to check synchronous: %v", err)
	}
	if syncMode != 2 {
		t.Errorf("synchronous = %d, want 2 (FULL)", syncMode)
	}
}

// TestStore_lifecycle verifies Init, Repository and Close.
func TestStore_lifecycle(t *testing.T) {
	s := NewStore(t.TempDir())

	if s.Path() != "" {
		t.Error("Path() should be empty before Init")
	}
	if err := s.Init(); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	if err := s.Init(); err != nil {
		t.Fatalf("second Init() failed: %v", err)
	}
	if s.Repository() == nil {
		t.Fatal("Repository() returned nil")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Error("Repository() after Close should panic")
		}
	}()
	s.Repository()
}
