// Package db tests for database migration management.
package db

import (
	"database/sql"
	"strings"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// TestInitialize verifies schema_migrations table creation.
func TestInitialize(t *testing.T) {
	db := openMemory(t)
	m := NewMigratorFS(db, fstest.MapFS{}, "migrations")

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	var tableName string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_migrations'").Scan(&tableName)
	if err != nil {
		t.Errorf("schema_migrations table not found: %v", err)
	}

	// Calling Initialize twice is harmless
	if err := m.Initialize(); err != nil {
		t.Errorf("second Initialize() failed: %v", err)
	}
}

// TestParseVersion verifies migration filename parsing.
func TestParseVersion(t *testing.T) {
	tests := []struct {
		name    string
		version int
		ok      bool
	}{
		{"V1__initial_schema.up.sql", 1, true},
		{"V12__add_index.up.sql", 12, true},
		{"V1__initial_schema.down.sql", 0, false},
		{"V0__zero.up.sql", 0, false},
		{"initial.up.sql", 0, false},
		{"Vx__bad.up.sql", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version, ok := parseVersion(tt.name)
			if version != tt.version || ok != tt.ok {
				t.Errorf("parseVersion(%q) = (%d, %v), want (%d, %v)", tt.name, version, ok, tt.version, tt.ok)
			}
		})
	}
}

// TestUp_appliesInOrder verifies migrations apply in version order and only once.
func TestUp_appliesInOrder(t *testing.T) {
	db := openMemory(t)
	fsys := fstest.MapFS{
		"m/V2__add_col.up.sql":  {Data: []byte(`ALTER TABLE t ADD COLUMN name TEXT;`)},
		"m/V1__create.up.sql":   {Data: []byte(`CREATE TABLE t (id INTEGER PRIMARY KEY);`)},
		"m/V1__create.down.sql": {Data: []byte(`DROP TABLE t;`)},
		"m/README.md":           {Data: []byte(`ignored`)},
	}
	m := NewMigratorFS(db, fsys, "m")

	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("second Up() failed: %v", err)
	}

	version, err := m.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion() failed: %v", err)
	}
	if version != 2 {
		t.Errorf("CurrentVersion() = %d, want 2", version)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		t.Fatalf("GetAppliedMigrations() failed: %v", err)
	}
	if len(applied) != 2 || applied[0].Description != "create" || applied[1].Description != "add_col" {
		t.Errorf("unexpected applied migrations: %+v", applied)
	}
}

// TestUp_detectsModifiedMigration verifies checksums guard applied files.
func TestUp_detectsModifiedMigration(t *testing.T) {
	db := openMemory(t)
	fsys := fstest.MapFS{
		"m/V1__create.up.sql": {Data: []byte(`CREATE TABLE t (id INTEGER PRIMARY KEY);`)},
	}
	if err := NewMigratorFS(db, fsys, "m").Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	fsys["m/V1__create.up.sql"] = &fstest.MapFile{Data: []byte(`CREATE TABLE t (id TEXT PRIMARY KEY);`)}
	err := NewMigratorFS(db, fsys, "m").Up()
	if err == nil {
		t.Fatal("Up() should fail for a modified migration")
	}
	if !strings.Contains(err.Error(), "modified after being applied") {
		t.Errorf("unexpected error: %v", err)
	}
}

// TestUp_failedMigrationIsNotRecorded verifies a broken migration rolls back.
func TestUp_failedMigrationIsNotRecorded(t *testing.T) {
	db := openMemory(t)
	fsys := fstest.MapFS{
		"m/V1__broken.up.sql": {Data: []byte(`CREATE TABLE t (id INTEGER PRIMARY KEY); NOT SQL;`)},
	}
	m := NewMigratorFS(db, fsys, "m")

	if err := m.Up(); err == nil {
		t.Fatal("Up() should fail for invalid SQL")
	}
	version, err := m.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion() failed: %v", err)
	}
	if version != 0 {
		t.Errorf("CurrentVersion() = %d, want 0", version)
	}
}

// TestDown verifies rollback of the latest migration.
func TestDown(t *testing.T) {
	db := openMemory(t)
	m := NewMigratorFS(db, fstest.MapFS{}, "m")
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	err := m.Down()
	if err == nil || !strings.Contains(err.Error(), "no migrations to rollback") {
		t.Errorf("Down() with no migrations: got %v", err)
	}

	fsys := fstest.MapFS{
		"m/V1__create.up.sql":   {Data: []byte(`CREATE TABLE t (id INTEGER PRIMARY KEY);`)},
		"m/V1__create.down.sql": {Data: []byte(`DROP TABLE t;`)},
	}
	m = NewMigratorFS(db, fsys, "m")
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if err := m.Down(); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='t'").Scan(&count); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if count != 0 {
		t.Error("Down() should drop table t")
	}
}

// TestEmbeddedMigrations verifies the shipped schema applies and rolls back cleanly.
func TestEmbeddedMigrations(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db)

	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	for _, table := range []string{"operations", "cached_entities", "conflict_records", "id_mappings", "sync_meta"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}

	if err := m.Down(); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}
	var left int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='operations'").Scan(&left); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if left != 0 {
		t.Error("operations table should be dropped by Down()")
	}
}
