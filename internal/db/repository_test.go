// Package db provides unit tests for repository operations.
package db

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/shelfcheck/internal/errors"
	"github.com/kimhsiao/shelfcheck/internal/models"
)

// setupTestRepo opens a migrated store in a temp directory.
func setupTestRepo(t *testing.T) (*Store, *Repository) {
	t.Helper()
	s := NewStore(t.TempDir())
	require.NoError(t, s.Init())
	t.Cleanup(func() { s.Close() })
	return s, s.Repository()
}

func newOp(id string, ts int64, p models.Payload) *models.Operation {
	return &models.Operation{
		ID:           id,
		Kind:         p.Kind(),
		Target:       p.Target(),
		Payload:      p,
		Timestamp:    ts,
		OriginDevice: "dev-1",
		OriginUser:   "alice",
		Status:       models.StatusPending,
		UpdatedAt:    ts,
	}
}

func TestOperation_insertAndGet(t *testing.T) {
	_, repo := setupTestRepo(t)
	ctx := context.Background()

	op := newOp("op-1", 1000, models.ScanPayload{Code: "A-1", Action: models.ScanCheck})
	require.NoError(t, repo.InsertOperation(ctx, op))

	got, err := repo.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, models.KindScan, got.Kind)
	assert.Equal(t, "A-1", got.Target.Code)
	assert.Equal(t, models.ScanPayload{Code: "A-1", Action: models.ScanCheck}, got.Payload)
	assert.Equal(t, "alice", got.OriginUser)

	_, err = repo.GetOperation(ctx, "missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestListDrainable_orderAndEligibility(t *testing.T) {
	_, repo := setupTestRepo(t)
	ctx := context.Background()

	// Same timestamp: insertion order decides.
	require.NoError(t, repo.InsertOperation(ctx, newOp("b", 2000, models.DeletePayload{EntityID: "1"})))
	require.NoError(t, repo.InsertOperation(ctx, newOp("a", 2000, models.DeletePayload{EntityID: "2"})))
	require.NoError(t, repo.InsertOperation(ctx, newOp("first", 1000, models.DeletePayload{EntityID: "3"})))
	require.NoError(t, repo.InsertOperation(ctx, newOp("later", 3000, models.DeletePayload{EntityID: "4"})))

	require.NoError(t, repo.UpdateOperationStatus(ctx, "later", OperationUpdate{
		Status: models.StatusFailed, RetryCount: 1, NextRetryAt: 9000, LastError: "boom", UpdatedAt: 3000,
	}))

	ops, err := repo.ListDrainable(ctx, 5000)
	require.NoError(t, err)
	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	assert.Equal(t, []string{"first", "b", "a"}, ids)

	ops, err = repo.ListDrainable(ctx, 9000)
	require.NoError(t, err)
	require.Len(t, ops, 4)
	assert.Equal(t, "later", ops[3].ID)
	assert.Equal(t, "boom", ops[3].LastError)
	assert.Equal(t, 1, ops[3].RetryCount)
}

func TestDeleteSyncedOperations_onlySynced(t *testing.T) {
	_, repo := setupTestRepo(t)
	ctx := context.Background()

	statuses := []models.OperationStatus{
		models.StatusPending, models.StatusSynced, models.StatusConflict, models.StatusFailed, models.StatusSynced,
	}
	for i, st := range statuses {
		op := newOp(string(rune('a'+i)), int64(1000+i), models.DeletePayload{EntityID: "x"})
		require.NoError(t, repo.InsertOperation(ctx, op))
		require.NoError(t, repo.UpdateOperationStatus(ctx, op.ID, OperationUpdate{Status: st, UpdatedAt: 1}))
	}

	n, err := repo.DeleteSyncedOperations(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	counts, err := repo.CountOperations(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[models.OperationStatus]int{
		models.StatusPending:  1,
		models.StatusConflict: 1,
		models.StatusFailed:   1,
	}, counts)

	err = repo.UpdateOperationStatus(ctx, "b", OperationUpdate{Status: models.StatusPending})
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestLatestUnsyncedFor(t *testing.T) {
	_, repo := setupTestRepo(t)
	ctx := context.Background()

	name := "Renamed"
	require.NoError(t, repo.InsertOperation(ctx, newOp("c1", 1000, models.CreatePayload{TempID: "tmp-1", Code: "C", Name: "Drill"})))
	require.NoError(t, repo.InsertOperation(ctx, newOp("u1", 2000, models.UpdatePayload{EntityID: "tmp-1", Fields: models.ItemFields{Name: &name}})))
	require.NoError(t, repo.InsertOperation(ctx, newOp("s1", 3000, models.ScanPayload{Code: "OTHER", Action: models.ScanCheck})))

	op, err := repo.LatestUnsyncedFor(ctx, []string{"tmp-1"}, "")
	require.NoError(t, err)
	require.NotNil(t, op)
	assert.Equal(t, "u1", op.ID)

	require.NoError(t, repo.UpdateOperationStatus(ctx, "u1", OperationUpdate{Status: models.StatusSynced}))
	op, err = repo.LatestUnsyncedFor(ctx, []string{"tmp-1"}, "C")
	require.NoError(t, err)
	require.NotNil(t, op)
	assert.Equal(t, "c1", op.ID)

	op, err = repo.LatestUnsyncedFor(ctx, nil, "NOPE")
	require.NoError(t, err)
	assert.Nil(t, op)

	op, err = repo.LatestUnsyncedFor(ctx, nil, "")
	require.NoError(t, err)
	assert.Nil(t, op)
}

func TestResetDeadOperations(t *testing.T) {
	_, repo := setupTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.InsertOperation(ctx, newOp("d", 1000, models.DeletePayload{EntityID: "1"})))
	require.NoError(t, repo.UpdateOperationStatus(ctx, "d", OperationUpdate{
		Status: models.StatusDead, RetryCount: 5, NextRetryAt: 10, LastError: "gone", UpdatedAt: 1,
	}))

	n, err := repo.ResetDeadOperations(ctx, 2000)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	op, err := repo.GetOperation(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, op.Status)
	assert.Zero(t, op.RetryCount)
	assert.Empty(t, op.LastError)
}

func TestCachedEntity_upsertFindRename(t *testing.T) {
	_, repo := setupTestRepo(t)
	ctx := context.Background()

	e := &models.CachedEntity{
		ID:            "tmp-1",
		Code:          "C-1",
		Snapshot:      models.Item{ID: "tmp-1", Code: "C-1", Name: "Drill", Quantity: 2},
		LastModified:  1000,
		IsLocalOnly:   true,
		PendingAction: models.KindCreate,
	}
	require.NoError(t, repo.UpsertCachedEntity(ctx, e))

	got, err := repo.FindCachedEntityByCode(ctx, "C-1")
	require.NoError(t, err)
	assert.True(t, got.IsLocalOnly)
	assert.Equal(t, "Drill", got.Snapshot.Name)
	assert.Equal(t, models.KindCreate, got.PendingAction)

	require.NoError(t, repo.RenameCachedEntity(ctx, "tmp-1", "42"))
	_, err = repo.GetCachedEntity(ctx, "tmp-1")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	got, err = repo.GetCachedEntity(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "C-1", got.Code)

	got.IsDeleted = true
	require.NoError(t, repo.UpsertCachedEntity(ctx, got))

	visible, err := repo.ListCachedEntities(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, visible)
	all, err := repo.ListCachedEntities(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, repo.DeleteCachedEntity(ctx, "42"))
	require.NoError(t, repo.DeleteCachedEntity(ctx, "42"))
	err = repo.RenameCachedEntity(ctx, "42", "43")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestConflicts_appendOnlyExceptResolved(t *testing.T) {
	_, repo := setupTestRepo(t)
	ctx := context.Background()

	rec := &models.ConflictRecord{
		ID:           "c-1",
		OperationID:  "op-1",
		EntityCode:   "A-1",
		ConflictKind: models.ConflictAlreadyChecked,
		OriginDevice: "dev-1",
		Payload:      []byte(`{"code":"A-1","action":"check"}`),
		Timestamp:    1000,
	}
	require.NoError(t, repo.InsertConflict(ctx, rec))
	assert.Error(t, repo.InsertConflict(ctx, rec), "duplicate id must be rejected")

	n, err := repo.CountUnresolvedConflicts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, repo.ResolveConflict(ctx, "c-1"))
	got, err := repo.GetConflict(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, got.Resolved)
	assert.Equal(t, models.ConflictAlreadyChecked, got.ConflictKind)
	assert.JSONEq(t, `{"code":"A-1","action":"check"}`, string(got.Payload))

	open, err := repo.ListConflicts(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, open)

	assert.True(t, apperrors.Is(repo.ResolveConflict(ctx, "nope"), apperrors.ErrNotFound))
}

func TestIDMapping_firstWriteWins(t *testing.T) {
	_, repo := setupTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.SaveIDMapping(ctx, &models.IDMapping{TempID: "tmp-1", RemoteID: "42", CreatedAt: 1}))
	require.NoError(t, repo.SaveIDMapping(ctx, &models.IDMapping{TempID: "tmp-1", RemoteID: "99", CreatedAt: 2}))

	id, ok, err := repo.LookupIDMapping(ctx, "tmp-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "42", id)

	temps, err := repo.TempIDsFor(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, []string{"tmp-1"}, temps)

	_, ok, err = repo.LookupIDMapping(ctx, "tmp-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWithTx_rollsBackOnError(t *testing.T) {
	_, repo := setupTestRepo(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := repo.WithTx(ctx, func(tx *Repository) error {
		require.NoError(t, tx.InsertOperation(ctx, newOp("tx-1", 1000, models.DeletePayload{EntityID: "1"})))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = repo.GetOperation(ctx, "tx-1")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	err = repo.WithTx(ctx, func(tx *Repository) error {
		return tx.WithTx(ctx, func(inner *Repository) error {
			return inner.InsertOperation(ctx, newOp("tx-2", 1000, models.DeletePayload{EntityID: "1"}))
		})
	})
	require.NoError(t, err)
	_, err = repo.GetOperation(ctx, "tx-2")
	assert.NoError(t, err)
}

func TestMeta_lastSyncTimestamp(t *testing.T) {
	_, repo := setupTestRepo(t)
	ctx := context.Background()

	ts, err := repo.LastSyncTimestamp(ctx)
	require.NoError(t, err)
	assert.Zero(t, ts)

	require.NoError(t, repo.SetLastSyncTimestamp(ctx, 1234))
	require.NoError(t, repo.SetLastSyncTimestamp(ctx, 5678))
	ts, err = repo.LastSyncTimestamp(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 5678, ts)
}

// TestStore_durableAcrossReopen verifies committed writes survive closing the store.
func TestStore_durableAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := NewStore(dir)
	require.NoError(t, s.Init())
	require.NoError(t, s.Repository().InsertOperation(ctx, newOp("keep", 1000, models.ScanPayload{Code: "A", Action: models.ScanCheck})))
	require.NoError(t, s.Close())

	s = NewStore(dir)
	require.NoError(t, s.Init())
	defer s.Close()

	op, err := s.Repository().GetOperation(ctx, "keep")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, op.Status)
}
