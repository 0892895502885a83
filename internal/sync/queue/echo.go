package queue

import (
	"context"
	"fmt"

	"github.com/kimhsiao/shelfcheck/internal/db"
	apperrors "github.com/kimhsiao/shelfcheck/internal/errors"
	"github.com/kimhsiao/shelfcheck/internal/logging"
	"github.com/kimhsiao/shelfcheck/internal/models"
	"github.com/kimhsiao/shelfcheck/internal/uuid"
)

// echo applies the optimistic effect of op to the cached entity view.
func (m *Manager) echo(ctx context.Context, tx *db.Repository, op *models.Operation) error {
	switch p := op.Payload.(type) {
	case models.ScanPayload:
		return m.echoScan(ctx, tx, op, p)
	case models.CreatePayload:
		return m.echoCreate(ctx, tx, op, p)
	case models.UpdatePayload:
		return m.echoUpdate(ctx, tx, op, p)
	case models.DeletePayload:
		return m.echoDelete(ctx, tx, op, p)
	}
	return fmt.Errorf("no local echo for %T", op.Payload)
}

func (m *Manager) echoScan(ctx context.Context, tx *db.Repository, op *models.Operation, p models.ScanPayload) error {
	e, err := m.findEntity(ctx, tx, "", p.Code)
	if err != nil {
		return err
	}
	if e == nil {
		// Not cached yet: keep a stub keyed by the code until a refresh
		// brings in the remote row.
		e = &models.CachedEntity{
			ID:       p.Code,
			Code:     p.Code,
			Snapshot: models.Item{ID: p.Code, Code: p.Code},
		}
	}

	if p.Action == models.ScanCheck {
		e.Snapshot.Checked = true
		e.Snapshot.CheckedBy = op.OriginUser
		e.Snapshot.CheckedAt = op.Timestamp
	} else {
		e.Snapshot.Checked = false
		e.Snapshot.CheckedBy = ""
		e.Snapshot.CheckedAt = 0
	}
	e.PendingAction = models.KindScan
	e.LastModified = op.Timestamp
	return tx.UpsertCachedEntity(ctx, e)
}

func (m *Manager) echoCreate(ctx context.Context, tx *db.Repository, op *models.Operation, p models.CreatePayload) error {
	e := &models.CachedEntity{
		ID:            p.TempID,
		Code:          p.Code,
		Snapshot:      models.Item{ID: p.TempID, Code: p.Code, UpdatedAt: op.Timestamp},
		LastModified:  op.Timestamp,
		IsLocalOnly:   true,
		PendingAction: models.KindCreate,
	}
	e.Snapshot.Apply(p.Fields())
	return tx.UpsertCachedEntity(ctx, e)
}

func (m *Manager) echoUpdate(ctx context.Context, tx *db.Repository, op *models.Operation, p models.UpdatePayload) error {
	e, err := m.findEntity(ctx, tx, p.EntityID, p.Code)
	if err != nil {
		return err
	}
	if e == nil {
		e = m.placeholder(ctx, tx, p.EntityID, p.Code)
	}

	e.Snapshot.Apply(p.Fields)
	e.Snapshot.UpdatedAt = op.Timestamp
	e.PendingAction = models.KindUpdate
	e.LastModified = op.Timestamp
	return tx.UpsertCachedEntity(ctx, e)
}

func (m *Manager) echoDelete(ctx context.Context, tx *db.Repository, op *models.Operation, p models.DeletePayload) error {
	e, err := m.findEntity(ctx, tx, p.EntityID, p.Code)
	if err != nil {
		return err
	}
	if e == nil {
		e = m.placeholder(ctx, tx, p.EntityID, p.Code)
	}

	e.IsDeleted = true
	e.PendingAction = models.KindDelete
	e.LastModified = op.Timestamp
	return tx.UpsertCachedEntity(ctx, e)
}

// placeholder builds a cache row for an entity that was never cached,
// keyed by its remote id when the temporary id is already mapped.
func (m *Manager) placeholder(ctx context.Context, tx *db.Repository, id, code string) *models.CachedEntity {
	if remoteID, ok, err := m.lookup(ctx, tx, id); err == nil && ok {
		id = remoteID
	}
	return &models.CachedEntity{
		ID:          id,
		Code:        code,
		Snapshot:    models.Item{ID: id, Code: code},
		IsLocalOnly: uuid.IsTemp(id),
	}
}

func (m *Manager) lookup(ctx context.Context, tx *db.Repository, id string) (string, bool, error) {
	if !uuid.IsTemp(id) {
		return id, true, nil
	}
	return tx.LookupIDMapping(ctx, id)
}

// findEntity locates the cached row for id (following a temp id mapping)
// or, failing that, for code. It returns nil when neither is cached.
func (m *Manager) findEntity(ctx context.Context, tx *db.Repository, id, code string) (*models.CachedEntity, error) {
	if id != "" {
		candidates := []string{id}
		if remoteID, ok, err := m.lookup(ctx, tx, id); err != nil {
			return nil, err
		} else if ok && remoteID != id {
			candidates = []string{remoteID, id}
		}

		for _, c := range candidates {
			e, err := tx.GetCachedEntity(ctx, c)
			if err == nil {
				return e, nil
			}
			if !apperrors.Is(err, apperrors.ErrNotFound) {
				return nil, err
			}
		}
	}

	if code != "" {
		e, err := tx.FindCachedEntityByCode(ctx, code)
		if err == nil {
			return e, nil
		}
		if !apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

// refreshPendingAction re-derives pendingAction of the entity target
// points at from the newest unsynced operation touching it.
func (m *Manager) refreshPendingAction(ctx context.Context, tx *db.Repository, target models.Target) error {
	e, err := m.findEntity(ctx, tx, target.EntityID, target.Code)
	if err != nil || e == nil {
		return err
	}
	return m.recompute(ctx, tx, e)
}

func (m *Manager) recompute(ctx context.Context, tx *db.Repository, e *models.CachedEntity) error {
	ids := []string{e.ID}
	temps, err := tx.TempIDsFor(ctx, e.ID)
	if err != nil {
		return err
	}
	ids = append(ids, temps...)

	latest, err := tx.LatestUnsyncedFor(ctx, ids, e.Code)
	if err != nil {
		return err
	}

	var action models.OperationKind
	if latest != nil {
		action = latest.Kind
	}
	if action == e.PendingAction {
		return nil
	}

	logging.Debug("Pending action changed", map[string]interface{}{
		"entity_id": e.ID,
		"from":      string(e.PendingAction),
		"to":        string(action),
	})
	e.PendingAction = action
	return tx.UpsertCachedEntity(ctx, e)
}

// dropEntity deletes the cached row target points at, under its remote id
// and any temporary ids mapped to it.
func (m *Manager) dropEntity(ctx context.Context, tx *db.Repository, target models.Target) error {
	e, err := m.findEntity(ctx, tx, target.EntityID, target.Code)
	if err != nil || e == nil {
		return err
	}
	ids := []string{e.ID}
	if target.EntityID != "" && target.EntityID != e.ID {
		ids = append(ids, target.EntityID)
	}
	for _, id := range ids {
		if err := tx.DeleteCachedEntity(ctx, id); err != nil {
			return err
		}
	}
	logging.Debug("Dropped cached entity", map[string]interface{}{
		"entity_id": e.ID,
		"code":      e.Code,
	})
	return nil
}

// rollbackEcho undoes the local echo of an operation that ended in a
// conflict proving the cached row describes nothing on the remote store:
// a missing item, or an offline create that collided with an existing
// code. Rows still targeted by unsynced operations are kept.
func (m *Manager) rollbackEcho(ctx context.Context, tx *db.Repository, op *models.Operation, kind models.ConflictKind) error {
	switch kind {
	case models.ConflictNotFound, models.ConflictAlreadyExists:
	default:
		return nil
	}

	e, err := m.findEntity(ctx, tx, op.Target.EntityID, op.Target.Code)
	if err != nil || e == nil {
		return err
	}
	if kind == models.ConflictAlreadyExists && !e.IsLocalOnly {
		return nil
	}

	ids := []string{e.ID}
	temps, err := tx.TempIDsFor(ctx, e.ID)
	if err != nil {
		return err
	}
	ids = append(ids, temps...)
	latest, err := tx.LatestUnsyncedFor(ctx, ids, e.Code)
	if err != nil {
		return err
	}
	if latest != nil {
		return nil
	}

	logging.Debug("Rolled back local echo", map[string]interface{}{
		"operation_id":  op.ID,
		"entity_id":     e.ID,
		"conflict_kind": string(kind),
	})
	return tx.DeleteCachedEntity(ctx, e.ID)
}

// RecomputePendingAction re-derives pendingAction for the cached entity id.
func (m *Manager) RecomputePendingAction(ctx context.Context, id string) error {
	return m.repo.WithTx(ctx, func(tx *db.Repository) error {
		e, err := m.findEntity(ctx, tx, id, "")
		if err != nil {
			return err
		}
		if e == nil {
			return apperrors.Newf(apperrors.ErrNotFound, "cached entity %s not found", id)
		}
		return m.recompute(ctx, tx, e)
	})
}

// ApplyRemoteSnapshot refreshes the cache from the authoritative item list.
// Rows with a pending action are left alone. Rows that are neither local
// only nor pending and no longer exist remotely are dropped. It returns the
// number of rows written.
func (m *Manager) ApplyRemoteSnapshot(ctx context.Context, items []models.Item) (int, error) {
	written := 0
	err := m.repo.WithTx(ctx, func(tx *db.Repository) error {
		written = 0
		remoteIDs := make(map[string]struct{}, len(items))

		for _, item := range items {
			remoteIDs[item.ID] = struct{}{}

			existing, err := tx.GetCachedEntity(ctx, item.ID)
			if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
				return err
			}
			if existing != nil && existing.PendingAction != "" {
				continue
			}

			if item.Code != "" {
				byCode, err := tx.FindCachedEntityByCode(ctx, item.Code)
				if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
					return err
				}
				if byCode != nil && byCode.ID != item.ID {
					if byCode.PendingAction != "" {
						continue
					}
					if err := tx.DeleteCachedEntity(ctx, byCode.ID); err != nil {
						return err
					}
				}
			}

			modified := item.UpdatedAt
			if modified == 0 {
				modified = m.cfg.Clock().UnixMilli()
			}
			err = tx.UpsertCachedEntity(ctx, &models.CachedEntity{
				ID:           item.ID,
				Code:         item.Code,
				Snapshot:     item,
				LastModified: modified,
			})
			if err != nil {
				return err
			}
			written++
		}

		cached, err := tx.ListCachedEntities(ctx, true)
		if err != nil {
			return err
		}
		for _, e := range cached {
			if _, ok := remoteIDs[e.ID]; ok || e.IsLocalOnly || e.PendingAction != "" {
				continue
			}
			if err := tx.DeleteCachedEntity(ctx, e.ID); err != nil {
				return err
			}
		}
		return nil
	})
	return written, err
}
