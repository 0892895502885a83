// Package db provides the local persistent store: SQLite connection
// management, schema migrations and the repository over its tables.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "shelfcheck.db"

// DB wraps the sql.DB with shelfcheck-specific configuration.
type DB struct {
	*sql.DB
	path string
}

// Open opens the SQLite database in dataDir.
// The database is opened with:
// - WAL mode so a crash never leaves a half-written commit
// - Foreign key constraints enabled
// - A busy timeout instead of immediate SQLITE_BUSY errors
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return OpenFile(filepath.Join(dataDir, FileName))
}

// OpenFile opens the SQLite database at an explicit path.
func OpenFile(dbPath string) (*DB, error) {
	// modernc.org/sqlite is pure Go, no CGO
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Only one process opens the store and SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	return &DB{DB: db, path: dbPath}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
