package db

import (
	"context"

	"github.com/kimhsiao/shelfcheck/internal/models"
)

// OperationRepository covers the operations table.
type OperationRepository interface {
	// InsertOperation persists a new operation.
	InsertOperation(ctx context.Context, op *models.Operation) error

	// GetOperation retrieves an operation by ID.
	GetOperation(ctx context.Context, id string) (*models.Operation, error)

	// ListDrainable returns operations eligible for a sync pass at now.
	ListDrainable(ctx context.Context, now int64) ([]*models.Operation, error)

	// UpdateOperationStatus applies a status transition.
	UpdateOperationStatus(ctx context.Context, id string, u OperationUpdate) error

	// DeleteSyncedOperations removes synced operations only.
	DeleteSyncedOperations(ctx context.Context) (int64, error)

	// CountOperations returns counts keyed by status.
	CountOperations(ctx context.Context) (map[models.OperationStatus]int, error)

	// HasOpenCreate reports whether a create for code has not synced yet.
	HasOpenCreate(ctx context.Context, code string) (bool, error)
}

// EntityCacheRepository covers cached entities and temp id mappings.
type EntityCacheRepository interface {
	UpsertCachedEntity(ctx context.Context, e *models.CachedEntity) error
	GetCachedEntity(ctx context.Context, id string) (*models.CachedEntity, error)
	FindCachedEntityByCode(ctx context.Context, code string) (*models.CachedEntity, error)
	ListCachedEntities(ctx context.Context, includeDeleted bool) ([]*models.CachedEntity, error)
	RenameCachedEntity(ctx context.Context, oldID, newID string) error
	DeleteCachedEntity(ctx context.Context, id string) error

	SaveIDMapping(ctx context.Context, m *models.IDMapping) error
	LookupIDMapping(ctx context.Context, tempID string) (string, bool, error)
}

// ConflictRepository covers conflict records. Records are append-only apart
// from the resolved flag.
type ConflictRepository interface {
	InsertConflict(ctx context.Context, c *models.ConflictRecord) error
	GetConflict(ctx context.Context, id string) (*models.ConflictRecord, error)
	ListConflicts(ctx context.Context, includeResolved bool) ([]*models.ConflictRecord, error)
	CountUnresolvedConflicts(ctx context.Context) (int, error)
	ResolveConflict(ctx context.Context, id string) error
}

// MetaRepository covers the sync_meta key/value table.
type MetaRepository interface {
	SetLastSyncTimestamp(ctx context.Context, ts int64) error
	LastSyncTimestamp(ctx context.Context) (int64, error)
}

var (
	_ OperationRepository   = (*Repository)(nil)
	_ EntityCacheRepository = (*Repository)(nil)
	_ ConflictRepository    = (*Repository)(nil)
	_ MetaRepository        = (*Repository)(nil)
)
