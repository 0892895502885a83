package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	apperrors "github.com/kimhsiao/shelfcheck/internal/errors"
	"github.com/kimhsiao/shelfcheck/internal/models"
)

// MetaLastSyncTimestamp is the sync_meta key holding the last completed pass time.
const MetaLastSyncTimestamp = "last_sync_timestamp"

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository provides typed access to the operations, cached_entities,
// conflict_records, id_mappings and sync_meta tables.
type Repository struct {
	db *sql.DB
	q  querier
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, q: db}
}

// WithTx runs fn against a repository bound to one transaction. The
// transaction commits when fn returns nil and rolls back otherwise. Calling
// WithTx on a repository that is already inside a transaction reuses it.
func (r *Repository) WithTx(ctx context.Context, fn func(tx *Repository) error) error {
	if r.db == nil {
		return fn(r)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return dbError("begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(&Repository{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return dbError("commit transaction", err)
	}
	return nil
}

func dbError(action string, err error) error {
	return apperrors.Wrap(apperrors.ErrDatabase, action, err)
}

func notFound(what, id string) error {
	return apperrors.Newf(apperrors.ErrNotFound, "%s %s not found", what, id)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// =====================================================
// Operation Operations
// =====================================================

const operationColumns = `id, kind, target_entity_id, target_code, payload, timestamp,
	origin_device, origin_user, retry_count, next_retry_at, status, last_error, updated_at`

// InsertOperation persists a new operation.
func (r *Repository) InsertOperation(ctx context.Context, op *models.Operation) error {
	payload, err := models.EncodePayload(op.Payload)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "encode payload", err)
	}

	query := `
	INSERT INTO operations (` + operationColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.q.ExecContext(ctx, query, op.ID, string(op.Kind), op.Target.EntityID, op.Target.Code,
		string(payload), op.Timestamp, op.OriginDevice, op.OriginUser, op.RetryCount,
		op.NextRetryAt, string(op.Status), op.LastError, op.UpdatedAt)
	if err != nil {
		return dbError("insert operation", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*models.Operation, error) {
	var (
		op      models.Operation
		kind    string
		status  string
		payload string
	)
	err := row.Scan(&op.ID, &kind, &op.Target.EntityID, &op.Target.Code, &payload, &op.Timestamp,
		&op.OriginDevice, &op.OriginUser, &op.RetryCount, &op.NextRetryAt, &status,
		&op.LastError, &op.UpdatedAt)
	if err != nil {
		return nil, err
	}
	op.Kind = models.OperationKind(kind)
	op.Status = models.OperationStatus(status)

	p, err := models.DecodePayload(op.Kind, []byte(payload))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "decode operation "+op.ID, err)
	}
	op.Payload = p
	return &op, nil
}

func (r *Repository) queryOperations(ctx context.Context, query string, args ...any) ([]*models.Operation, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbError("query operations", err)
	}
	defer rows.Close()

	var ops []*models.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrDatabase) {
				return nil, err
			}
			return nil, dbError("scan operation", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("iterate operations", err)
	}
	return ops, nil
}

// GetOperation retrieves an operation by ID.
func (r *Repository) GetOperation(ctx context.Context, id string) (*models.Operation, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, notFound("operation", id)
	}
	if err != nil {
		if apperrors.Is(err, apperrors.ErrDatabase) {
			return nil, err
		}
		return nil, dbError("get operation", err)
	}
	return op, nil
}

// ListDrainable returns pending operations and failed operations whose retry
// time has come, oldest first. Insertion order breaks timestamp ties.
func (r *Repository) ListDrainable(ctx context.Context, now int64) ([]*models.Operation, error) {
	query := `
	SELECT ` + operationColumns + `
	FROM operations
	WHERE status IN ('pending', 'failed') AND next_retry_at <= ?
	ORDER BY timestamp ASC, rowid ASC
	`
	return r.queryOperations(ctx, query, now)
}

// ListOperations returns operations in enqueue order, optionally filtered by status.
func (r *Repository) ListOperations(ctx context.Context, statuses ...models.OperationStatus) ([]*models.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, s := range statuses {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY timestamp ASC, rowid ASC`
	return r.queryOperations(ctx, query, args...)
}

// OperationUpdate is a status transition for one operation.
type OperationUpdate struct {
	Status      models.OperationStatus
	RetryCount  int
	NextRetryAt int64
	LastError   string
	UpdatedAt   int64
}

// UpdateOperationStatus applies a status transition.
func (r *Repository) UpdateOperationStatus(ctx context.Context, id string, u OperationUpdate) error {
	query := `
	UPDATE operations
	SET status = ?, retry_count = ?, next_retry_at = ?, last_error = ?, updated_at = ?
	WHERE id = ?
	`
	res, err := r.q.ExecContext(ctx, query, string(u.Status), u.RetryCount, u.NextRetryAt,
		u.LastError, u.UpdatedAt, id)
	if err != nil {
		return dbError("update operation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dbError("update operation", err)
	}
	if n == 0 {
		return notFound("operation", id)
	}
	return nil
}

// DeleteSyncedOperations removes every synced operation and nothing else.
func (r *Repository) DeleteSyncedOperations(ctx context.Context) (int64, error) {
	res, err := r.q.ExecContext(ctx, `DELETE FROM operations WHERE status = 'synced'`)
	if err != nil {
		return 0, dbError("purge synced operations", err)
	}
	return res.RowsAffected()
}

// CountOperations returns the number of operations per status.
func (r *Repository) CountOperations(ctx context.Context) (map[models.OperationStatus]int, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT status, COUNT(*) FROM operations GROUP BY status`)
	if err != nil {
		return nil, dbError("count operations", err)
	}
	defer rows.Close()

	counts := make(map[models.OperationStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, dbError("count operations", err)
		}
		counts[models.OperationStatus(status)] = n
	}
	return counts, rows.Err()
}

// LatestUnsyncedFor returns the newest pending or failed operation targeting
// any of ids or, when code is non-empty, the code. It returns nil when no
// such operation exists.
func (r *Repository) LatestUnsyncedFor(ctx context.Context, ids []string, code string) (*models.Operation, error) {
	conds := make([]string, 0, 2)
	args := make([]any, 0, len(ids)+1)
	if len(ids) > 0 {
		placeholders := make([]string, len(ids))
		for i, id := range ids {
			placeholders[i] = "?"
			args = append(args, id)
		}
		conds = append(conds, `target_entity_id IN (`+strings.Join(placeholders, ", ")+`)`)
	}
	if code != "" {
		conds = append(conds, `target_code = ?`)
		args = append(args, code)
	}
	if len(conds) == 0 {
		return nil, nil
	}

	query := `
	SELECT ` + operationColumns + `
	FROM operations
	WHERE status IN ('pending', 'failed') AND (` + strings.Join(conds, " OR ") + `)
	ORDER BY timestamp DESC, rowid DESC
	LIMIT 1
	`
	ops, err := r.queryOperations(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, nil
	}
	return ops[0], nil
}

// HasOpenCreate reports whether a create for code is still waiting to
// reach the remote store (pending, failed or dead).
func (r *Repository) HasOpenCreate(ctx context.Context, code string) (bool, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `
	SELECT COUNT(*) FROM operations
	WHERE kind = 'create' AND target_code = ? AND status IN ('pending', 'failed', 'dead')
	`, code).Scan(&n)
	if err != nil {
		return false, dbError("count open creates", err)
	}
	return n > 0, nil
}

// MaxOperationTimestamp returns the newest enqueue timestamp, or 0 when
// the table is empty.
func (r *Repository) MaxOperationTimestamp(ctx context.Context) (int64, error) {
	var ts int64
	if err := r.q.QueryRowContext(ctx, `SELECT COALESCE(MAX(timestamp), 0) FROM operations`).Scan(&ts); err != nil {
		return 0, dbError("max operation timestamp", err)
	}
	return ts, nil
}

// ResetDeadOperations moves dead operations back to pending.
func (r *Repository) ResetDeadOperations(ctx context.Context, now int64) (int64, error) {
	res, err := r.q.ExecContext(ctx, `
	UPDATE operations
	SET status = 'pending', retry_count = 0, next_retry_at = 0, last_error = '', updated_at = ?
	WHERE status = 'dead'
	`, now)
	if err != nil {
		return 0, dbError("reset dead operations", err)
	}
	return res.RowsAffected()
}

// =====================================================
// CachedEntity Operations
// =====================================================

const cachedEntityColumns = `id, code, snapshot, last_modified, is_local_only, pending_action, is_deleted`

func scanCachedEntity(row rowScanner) (*models.CachedEntity, error) {
	var (
		e        models.CachedEntity
		snapshot string
		pending  string
	)
	if err := row.Scan(&e.ID, &e.Code, &snapshot, &e.LastModified, &e.IsLocalOnly, &pending, &e.IsDeleted); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(snapshot), &e.Snapshot); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "decode snapshot "+e.ID, err)
	}
	e.PendingAction = models.OperationKind(pending)
	return &e, nil
}

// UpsertCachedEntity inserts or replaces the cached row for e.ID.
func (r *Repository) UpsertCachedEntity(ctx context.Context, e *models.CachedEntity) error {
	snapshot, err := json.Marshal(e.Snapshot)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "encode snapshot", err)
	}

	query := `
	INSERT INTO cached_entities (` + cachedEntityColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		code = excluded.code,
		snapshot = excluded.snapshot,
		last_modified = excluded.last_modified,
		is_local_only = excluded.is_local_only,
		pending_action = excluded.pending_action,
		is_deleted = excluded.is_deleted
	`
	_, err = r.q.ExecContext(ctx, query, e.ID, e.Code, string(snapshot), e.LastModified,
		boolInt(e.IsLocalOnly), string(e.PendingAction), boolInt(e.IsDeleted))
	if err != nil {
		return dbError("upsert cached entity", err)
	}
	return nil
}

// GetCachedEntity retrieves a cached entity by ID.
func (r *Repository) GetCachedEntity(ctx context.Context, id string) (*models.CachedEntity, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+cachedEntityColumns+` FROM cached_entities WHERE id = ?`, id)
	e, err := scanCachedEntity(row)
	if err == sql.ErrNoRows {
		return nil, notFound("cached entity", id)
	}
	if err != nil {
		if apperrors.Is(err, apperrors.ErrDatabase) {
			return nil, err
		}
		return nil, dbError("get cached entity", err)
	}
	return e, nil
}

// FindCachedEntityByCode returns the most recently modified cached row with code.
func (r *Repository) FindCachedEntityByCode(ctx context.Context, code string) (*models.CachedEntity, error) {
	query := `
	SELECT ` + cachedEntityColumns + `
	FROM cached_entities WHERE code = ?
	ORDER BY last_modified DESC
	LIMIT 1
	`
	e, err := scanCachedEntity(r.q.QueryRowContext(ctx, query, code))
	if err == sql.ErrNoRows {
		return nil, notFound("cached entity with code", code)
	}
	if err != nil {
		if apperrors.Is(err, apperrors.ErrDatabase) {
			return nil, err
		}
		return nil, dbError("find cached entity", err)
	}
	return e, nil
}

// ListCachedEntities returns cached rows ordered by code.
func (r *Repository) ListCachedEntities(ctx context.Context, includeDeleted bool) ([]*models.CachedEntity, error) {
	query := `SELECT ` + cachedEntityColumns + ` FROM cached_entities`
	if !includeDeleted {
		query += ` WHERE is_deleted = 0`
	}
	query += ` ORDER BY code ASC, id ASC`

	rows, err := r.q.QueryContext(ctx, query)
	if err != nil {
		return nil, dbError("list cached entities", err)
	}
	defer rows.Close()

	var entities []*models.CachedEntity
	for rows.Next() {
		e, err := scanCachedEntity(rows)
		if err != nil {
			return nil, dbError("scan cached entity", err)
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// RenameCachedEntity moves a cached row from oldID to newID.
func (r *Repository) RenameCachedEntity(ctx context.Context, oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	if _, err := r.q.ExecContext(ctx, `DELETE FROM cached_entities WHERE id = ?`, newID); err != nil {
		return dbError("rename cached entity", err)
	}
	res, err := r.q.ExecContext(ctx, `UPDATE cached_entities SET id = ? WHERE id = ?`, newID, oldID)
	if err != nil {
		return dbError("rename cached entity", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("cached entity", oldID)
	}
	return nil
}

// DeleteCachedEntity removes a cached row. Missing rows are not an error.
func (r *Repository) DeleteCachedEntity(ctx context.Context, id string) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM cached_entities WHERE id = ?`, id); err != nil {
		return dbError("delete cached entity", err)
	}
	return nil
}

// =====================================================
// ConflictRecord Operations
// =====================================================

const conflictColumns = `id, operation_id, entity_code, entity_id, conflict_kind, origin_device,
	origin_user, payload, timestamp, resolved`

// InsertConflict persists a new conflict record.
func (r *Repository) InsertConflict(ctx context.Context, c *models.ConflictRecord) error {
	payload := string(c.Payload)
	if payload == "" {
		payload = "{}"
	}
	query := `INSERT INTO conflict_records (` + conflictColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.q.ExecContext(ctx, query, c.ID, c.OperationID, c.EntityCode, c.EntityID,
		string(c.ConflictKind), c.OriginDevice, c.OriginUser, payload, c.Timestamp, boolInt(c.Resolved))
	if err != nil {
		return dbError("insert conflict record", err)
	}
	return nil
}

func scanConflict(row rowScanner) (*models.ConflictRecord, error) {
	var (
		c       models.ConflictRecord
		kind    string
		payload string
	)
	err := row.Scan(&c.ID, &c.OperationID, &c.EntityCode, &c.EntityID, &kind, &c.OriginDevice,
		&c.OriginUser, &payload, &c.Timestamp, &c.Resolved)
	if err != nil {
		return nil, err
	}
	c.ConflictKind = models.ConflictKind(kind)
	c.Payload = json.RawMessage(payload)
	return &c, nil
}

// GetConflict retrieves a conflict record by ID.
func (r *Repository) GetConflict(ctx context.Context, id string) (*models.ConflictRecord, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflict_records WHERE id = ?`, id)
	c, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, notFound("conflict", id)
	}
	if err != nil {
		return nil, dbError("get conflict", err)
	}
	return c, nil
}

// ListConflicts returns conflict records oldest first.
func (r *Repository) ListConflicts(ctx context.Context, includeResolved bool) ([]*models.ConflictRecord, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflict_records`
	if !includeResolved {
		query += ` WHERE resolved = 0`
	}
	query += ` ORDER BY timestamp ASC, rowid ASC`

	rows, err := r.q.QueryContext(ctx, query)
	if err != nil {
		return nil, dbError("list conflicts", err)
	}
	defer rows.Close()

	var records []*models.ConflictRecord
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, dbError("scan conflict", err)
		}
		records = append(records, c)
	}
	return records, rows.Err()
}

// CountUnresolvedConflicts returns the number of conflicts awaiting resolution.
func (r *Repository) CountUnresolvedConflicts(ctx context.Context) (int, error) {
	var n int
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM conflict_records WHERE resolved = 0`).Scan(&n); err != nil {
		return 0, dbError("count conflicts", err)
	}
	return n, nil
}

// ResolveConflict flips the resolved flag. It is the only mutation a
// conflict record ever receives.
func (r *Repository) ResolveConflict(ctx context.Context, id string) error {
	res, err := r.q.ExecContext(ctx, `UPDATE conflict_records SET resolved = 1 WHERE id = ?`, id)
	if err != nil {
		return dbError("resolve conflict", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("conflict", id)
	}
	return nil
}

// =====================================================
// IDMapping Operations
// =====================================================

// SaveIDMapping records temp → remote. An existing mapping for the temp id
// is kept unchanged.
func (r *Repository) SaveIDMapping(ctx context.Context, m *models.IDMapping) error {
	query := `
	INSERT INTO id_mappings (temp_id, remote_id, created_at) VALUES (?, ?, ?)
	ON CONFLICT(temp_id) DO NOTHING
	`
	if _, err := r.q.ExecContext(ctx, query, m.TempID, m.RemoteID, m.CreatedAt); err != nil {
		return dbError("save id mapping", err)
	}
	return nil
}

// LookupIDMapping returns the remote id for tempID, if one was recorded.
func (r *Repository) LookupIDMapping(ctx context.Context, tempID string) (string, bool, error) {
	var remoteID string
	err := r.q.QueryRowContext(ctx, `SELECT remote_id FROM id_mappings WHERE temp_id = ?`, tempID).Scan(&remoteID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, dbError("lookup id mapping", err)
	}
	return remoteID, true, nil
}

// TempIDsFor returns the temp ids that were mapped onto remoteID.
func (r *Repository) TempIDsFor(ctx context.Context, remoteID string) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT temp_id FROM id_mappings WHERE remote_id = ?`, remoteID)
	if err != nil {
		return nil, dbError("list id mappings", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, dbError("scan id mapping", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// =====================================================
// Sync Meta Operations
// =====================================================

// SetMeta stores a key/value pair.
func (r *Repository) SetMeta(ctx context.Context, key, value string) error {
	query := `INSERT INTO sync_meta (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := r.q.ExecContext(ctx, query, key, value); err != nil {
		return dbError("set meta "+key, err)
	}
	return nil
}

// GetMeta reads a key; ok is false when the key was never set.
func (r *Repository) GetMeta(ctx context.Context, key string) (value string, ok bool, err error) {
	err = r.q.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, dbError("get meta "+key, err)
	}
	return value, true, nil
}

// SetLastSyncTimestamp records when the last sync pass completed (unix ms).
func (r *Repository) SetLastSyncTimestamp(ctx context.Context, ts int64) error {
	return r.SetMeta(ctx, MetaLastSyncTimestamp, strconv.FormatInt(ts, 10))
}

// LastSyncTimestamp returns the last completed pass time, or 0 if none.
func (r *Repository) LastSyncTimestamp(ctx context.Context) (int64, error) {
	v, ok, err := r.GetMeta(ctx, MetaLastSyncTimestamp)
	if err != nil || !ok {
		return 0, err
	}
	ts, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", MetaLastSyncTimestamp, v, err)
	}
	return ts, nil
}
