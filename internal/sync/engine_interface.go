package sync

import (
	"context"

	"github.com/kimhsiao/shelfcheck/internal/models"
	"github.com/kimhsiao/shelfcheck/internal/sync/queue"
)

// Runner is the part of Engine the coordinator depends on.
type Runner interface {
	// RunSyncPass drains the queue once. A call made while another pass is
	// running returns an ErrSyncInProgress error without doing anything.
	RunSyncPass(ctx context.Context) (*Summary, error)

	// IsSyncing reports whether a pass is running.
	IsSyncing() bool

	// SetProgressHandler replaces the per-operation progress callback.
	SetProgressHandler(fn func(Progress))
}

// Queue is the operation queue as seen by the engine. *queue.Manager
// implements it.
type Queue interface {
	ListPending(ctx context.Context) ([]*models.Operation, error)
	MarkSynced(ctx context.Context, id string) error
	MarkConflict(ctx context.Context, id string, rec *models.ConflictRecord) error
	MarkFailed(ctx context.Context, id string, cause error) error
	PurgeSynced(ctx context.Context) (int64, error)
	Counts(ctx context.Context) (queue.Counts, error)

	ResolveID(ctx context.Context, id string) (string, bool, error)
	AwaitingCreate(ctx context.Context, code string) (bool, error)
	RemapEntity(ctx context.Context, tempID, remoteID string) error
	ApplyRemoteSnapshot(ctx context.Context, items []models.Item) (int, error)
}

var (
	_ Runner = (*Engine)(nil)
	_ Queue  = (*queue.Manager)(nil)
)
