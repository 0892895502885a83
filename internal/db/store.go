package db

import (
	"fmt"
	"sync"

	apperrors "github.com/kimhsiao/shelfcheck/internal/errors"
	"github.com/kimhsiao/shelfcheck/internal/logging"
)

// Store owns the database lifecycle for one data directory. Callers create
// one Store per process and pass its Repository to the components that
// need it.
type Store struct {
	dataDir string

	mu   sync.Mutex
	db   *DB
	repo *Repository
}

// NewStore creates a Store for dataDir. Nothing is opened until Init.
func NewStore(dataDir string) *Store {
	return &Store{dataDir: dataDir}
}

// Init opens the database and applies pending migrations. Calling Init on
// an initialized store is a no-op.
func (s *Store) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	conn, err := Open(s.dataDir)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "open local store", err)
	}

	migrator := NewMigrator(conn.DB)
	if err := migrator.Up(); err != nil {
		conn.Close()
		return apperrors.Wrap(apperrors.ErrMigration, "migrate local store", err)
	}
	version, _ := migrator.CurrentVersion()

	s.db = conn
	s.repo = NewRepository(conn.DB)

	logging.Info("local store ready", map[string]interface{}{
		"path":           conn.Path(),
		"schema_version": version,
	})
	return nil
}

// Repository returns the repository over the open database.
// It panics if called before Init.
func (s *Store) Repository() *Repository {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.repo == nil {
		panic("db: Store.Repository called before Init")
	}
	return s.repo
}

// Path returns the database file path, or "" before Init.
func (s *Store) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ""
	}
	return s.db.Path()
}

// Close releases the database. The store may be initialized again afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	s.repo = nil
	if err != nil {
		return fmt.Errorf("failed to close local store: %w", err)
	}
	return nil
}
