// Package queue manages the durable operation queue: validated enqueue with
// optimistic local echo, status transitions, and retry scheduling.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kimhsiao/shelfcheck/internal/db"
	apperrors "github.com/kimhsiao/shelfcheck/internal/errors"
	"github.com/kimhsiao/shelfcheck/internal/logging"
	"github.com/kimhsiao/shelfcheck/internal/models"
	"github.com/kimhsiao/shelfcheck/internal/uuid"
)

const maxErrorLength = 1024

// RetryPolicy bounds retries of failed operations. The zero value retries
// forever with no delay.
type RetryPolicy struct {
	MaxRetries  int           // Failures before an operation is dead (0: never)
	BaseBackoff time.Duration // Delay after the first failure (0: none)
	MaxBackoff  time.Duration // Cap on the delay (0: 1 hour)
}

// Backoff returns the delay before an operation that has failed retryCount
// times becomes eligible again: base * 2^(retryCount-1), capped.
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	if p.BaseBackoff <= 0 || retryCount <= 0 {
		return 0
	}
	max := p.MaxBackoff
	if max <= 0 {
		max = time.Hour
	}

	delay := p.BaseBackoff
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// Config holds Manager settings.
type Config struct {
	DeviceID   string           // Stamped on every operation; required
	UserID     string           // Who enqueues on this device
	MaxPending int              // Reject enqueue beyond this many unsynced operations (0: unlimited)
	Retry      RetryPolicy      // Optional retry ceiling and backoff
	Clock      func() time.Time // Defaults to time.Now
}

// Counts are operation totals by status.
type Counts struct {
	Pending  int `json:"pending"`
	Failed   int `json:"failed"`
	Conflict int `json:"conflict"`
	Synced   int `json:"synced"`
	Dead     int `json:"dead"`
}

// Unsynced is the number of operations still waiting to reach the remote store.
func (c Counts) Unsynced() int {
	return c.Pending + c.Failed
}

// Manager is the operation queue over the local store.
type Manager struct {
	repo     *db.Repository
	validate *validator.Validate
	cfg      Config

	mu     sync.Mutex
	lastTS int64
}

// NewManager creates a Manager over repo.
func NewManager(ctx context.Context, repo *db.Repository, cfg Config) (*Manager, error) {
	if cfg.DeviceID == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "device id is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	// Timestamps stay non-decreasing across restarts even if the clock
	// moved backwards while the process was down.
	last, err := repo.MaxOperationTimestamp(ctx)
	if err != nil {
		return nil, err
	}

	return &Manager{
		repo:     repo,
		validate: validator.New(),
		cfg:      cfg,
		lastTS:   last,
	}, nil
}

// Validate checks a payload without enqueuing it.
func (m *Manager) Validate(p models.Payload) error {
	if p == nil {
		return apperrors.New(apperrors.ErrValidation, "payload is required")
	}
	if !p.Kind().Valid() {
		return apperrors.Newf(apperrors.ErrValidation, "unknown operation kind %q", p.Kind())
	}
	if err := m.validate.Struct(p); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "invalid "+string(p.Kind())+" payload", err)
	}
	if up, ok := p.(models.UpdatePayload); ok && up.Fields.Empty() {
		return apperrors.New(apperrors.ErrValidation, "update payload sets no fields")
	}
	return nil
}

// Enqueue validates p, persists it as a pending operation and applies its
// local echo, all in one transaction. It returns the operation id.
func (m *Manager) Enqueue(ctx context.Context, p models.Payload) (string, error) {
	if err := m.Validate(p); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.MaxPending > 0 {
		counts, err := m.Counts(ctx)
		if err != nil {
			return "", err
		}
		if counts.Unsynced() >= m.cfg.MaxPending {
			return "", apperrors.Newf(apperrors.ErrValidation, "queue is full (max pending: %d)", m.cfg.MaxPending)
		}
	}

	ts := m.cfg.Clock().UnixMilli()
	if ts < m.lastTS {
		ts = m.lastTS
	}

	op := &models.Operation{
		ID:           uuid.NewOrdered(),
		Kind:         p.Kind(),
		Target:       p.Target(),
		Payload:      p,
		Timestamp:    ts,
		OriginDevice: m.cfg.DeviceID,
		OriginUser:   m.cfg.UserID,
		Status:       models.StatusPending,
		UpdatedAt:    ts,
	}

	err := m.repo.WithTx(ctx, func(tx *db.Repository) error {
		if err := tx.InsertOperation(ctx, op); err != nil {
			return err
		}
		return m.echo(ctx, tx, op)
	})
	if err != nil {
		return "", err
	}
	m.lastTS = ts

	logging.Info("Enqueued operation", map[string]interface{}{
		"operation_id": op.ID,
		"kind":         string(op.Kind),
		"entity_id":    op.Target.EntityID,
		"code":         op.Target.Code,
	})
	return op.ID, nil
}

// ListPending returns every operation a sync pass should attempt now,
// ordered by enqueue time.
func (m *Manager) ListPending(ctx context.Context) ([]*models.Operation, error) {
	return m.repo.ListDrainable(ctx, m.cfg.Clock().UnixMilli())
}

// Get returns one operation.
func (m *Manager) Get(ctx context.Context, id string) (*models.Operation, error) {
	return m.repo.GetOperation(ctx, id)
}

// List returns operations in enqueue order, optionally filtered by status.
func (m *Manager) List(ctx context.Context, statuses ...models.OperationStatus) ([]*models.Operation, error) {
	return m.repo.ListOperations(ctx, statuses...)
}

// MarkSynced records that the operation was applied remotely.
func (m *Manager) MarkSynced(ctx context.Context, id string) error {
	return m.transition(ctx, id, func(op *models.Operation) db.OperationUpdate {
		return db.OperationUpdate{
			Status:     models.StatusSynced,
			RetryCount: op.RetryCount,
		}
	}, func(tx *db.Repository, op *models.Operation) error {
		if op.Kind != models.KindDelete {
			return nil
		}
		return m.dropEntity(ctx, tx, op.Target)
	})
}

// MarkConflict records a precondition violation. rec, when non-nil, is
// stored in the same transaction.
func (m *Manager) MarkConflict(ctx context.Context, id string, rec *models.ConflictRecord) error {
	return m.transition(ctx, id, func(op *models.Operation) db.OperationUpdate {
		return db.OperationUpdate{
			Status:     models.StatusConflict,
			RetryCount: op.RetryCount,
		}
	}, func(tx *db.Repository, op *models.Operation) error {
		if rec == nil {
			return nil
		}
		rec.OperationID = id
		if err := tx.InsertConflict(ctx, rec); err != nil {
			return err
		}
		return m.rollbackEcho(ctx, tx, op, rec.ConflictKind)
	})
}

// MarkFailed records a retryable failure and increments the retry count.
// With a retry ceiling configured the operation becomes dead once the
// ceiling is reached.
func (m *Manager) MarkFailed(ctx context.Context, id string, cause error) error {
	now := m.cfg.Clock()
	msg := ""
	if cause != nil {
		msg = cause.Error()
		if len(msg) > maxErrorLength {
			msg = msg[:maxErrorLength]
		}
	}

	var (
		retries int
		status  models.OperationStatus
	)
	err := m.transition(ctx, id, func(op *models.Operation) db.OperationUpdate {
		retries = op.RetryCount + 1
		status = models.StatusFailed
		if m.cfg.Retry.MaxRetries > 0 && retries >= m.cfg.Retry.MaxRetries {
			status = models.StatusDead
		}
		var next int64
		if delay := m.cfg.Retry.Backoff(retries); delay > 0 {
			next = now.Add(delay).UnixMilli()
		}
		return db.OperationUpdate{
			Status:      status,
			RetryCount:  retries,
			NextRetryAt: next,
			LastError:   msg,
		}
	}, nil)
	if err != nil {
		return err
	}

	if status == models.StatusDead {
		logging.Warn("Operation exceeded retry limit", map[string]interface{}{
			"operation_id": id,
			"retry_count":  retries,
			"error":        msg,
		})
	}
	return nil
}

func (m *Manager) transition(ctx context.Context, id string, update func(*models.Operation) db.OperationUpdate, extra func(tx *db.Repository, op *models.Operation) error) error {
	return m.repo.WithTx(ctx, func(tx *db.Repository) error {
		op, err := tx.GetOperation(ctx, id)
		if err != nil {
			return err
		}

		u := update(op)
		u.UpdatedAt = m.cfg.Clock().UnixMilli()
		if err := tx.UpdateOperationStatus(ctx, id, u); err != nil {
			return err
		}
		if extra != nil {
			if err := extra(tx, op); err != nil {
				return err
			}
		}
		return m.refreshPendingAction(ctx, tx, op.Target)
	})
}

// PurgeSynced deletes synced operations. No other status is touched.
func (m *Manager) PurgeSynced(ctx context.Context) (int64, error) {
	n, err := m.repo.DeleteSyncedOperations(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Debug("Purged synced operations", map[string]interface{}{"count": n})
	}
	return n, nil
}

// RetryDead moves dead operations back to pending.
func (m *Manager) RetryDead(ctx context.Context) (int64, error) {
	n, err := m.repo.ResetDeadOperations(ctx, m.cfg.Clock().UnixMilli())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Info("Reset dead operations for retry", map[string]interface{}{"count": n})
	}
	return n, nil
}

// Counts returns operation totals by status.
func (m *Manager) Counts(ctx context.Context) (Counts, error) {
	byStatus, err := m.repo.CountOperations(ctx)
	if err != nil {
		return Counts{}, err
	}
	return Counts{
		Pending:  byStatus[models.StatusPending],
		Failed:   byStatus[models.StatusFailed],
		Conflict: byStatus[models.StatusConflict],
		Synced:   byStatus[models.StatusSynced],
		Dead:     byStatus[models.StatusDead],
	}, nil
}

// AwaitingCreate reports whether code belongs to an item created offline
// whose create has not reached the remote store yet.
func (m *Manager) AwaitingCreate(ctx context.Context, code string) (bool, error) {
	open, err := m.repo.HasOpenCreate(ctx, code)
	if err != nil || open {
		return open, err
	}

	e, err := m.repo.FindCachedEntityByCode(ctx, code)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !e.IsLocalOnly || !uuid.IsTemp(e.ID) {
		return false, nil
	}
	_, mapped, err := m.repo.LookupIDMapping(ctx, e.ID)
	return !mapped, err
}

// ResolveID maps a temporary id to its remote id. Non-temporary ids are
// returned unchanged. ok is false for a temporary id with no mapping yet.
func (m *Manager) ResolveID(ctx context.Context, id string) (resolved string, ok bool, err error) {
	if !uuid.IsTemp(id) {
		return id, true, nil
	}
	return m.repo.LookupIDMapping(ctx, id)
}

// RemapEntity records tempID → remoteID and moves the cached row for the
// temporary id onto the remote id.
func (m *Manager) RemapEntity(ctx context.Context, tempID, remoteID string) error {
	return m.repo.WithTx(ctx, func(tx *db.Repository) error {
		err := tx.SaveIDMapping(ctx, &models.IDMapping{
			TempID:    tempID,
			RemoteID:  remoteID,
			CreatedAt: m.cfg.Clock().UnixMilli(),
		})
		if err != nil {
			return err
		}

		e, err := tx.GetCachedEntity(ctx, tempID)
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.RenameCachedEntity(ctx, tempID, remoteID); err != nil {
			return err
		}
		e.ID = remoteID
		e.Snapshot.ID = remoteID
		e.IsLocalOnly = false
		return tx.UpsertCachedEntity(ctx, e)
	})
}

// CachedEntities returns the local view of items, hiding deleted rows
// unless includeDeleted is set.
func (m *Manager) CachedEntities(ctx context.Context, includeDeleted bool) ([]*models.CachedEntity, error) {
	return m.repo.ListCachedEntities(ctx, includeDeleted)
}

// CachedEntity returns the local view of one item by id or temporary id.
func (m *Manager) CachedEntity(ctx context.Context, id string) (*models.CachedEntity, error) {
	e, err := m.findEntity(ctx, m.repo, id, "")
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "cached entity %s not found", id)
	}
	return e, nil
}
