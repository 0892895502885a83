package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/kimhsiao/shelfcheck/internal/models"
	"github.com/kimhsiao/shelfcheck/internal/remote"
	"github.com/kimhsiao/shelfcheck/internal/sync/conflict"
)

// Outcome is how a handler resolved an operation.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeConflict
)

func (o Outcome) String() string {
	if o == OutcomeConflict {
		return "conflict"
	}
	return "applied"
}

// Result is a handler's verdict. Conflict is set when Outcome is OutcomeConflict.
type Result struct {
	Outcome  Outcome
	Conflict *models.ConflictRecord
}

func applied() (Result, error) { return Result{Outcome: OutcomeApplied}, nil }

func conflicted(rec *models.ConflictRecord) (Result, error) {
	return Result{Outcome: OutcomeConflict, Conflict: rec}, nil
}

// Handler applies one kind of operation to the remote store. A returned
// error marks the operation failed and retryable.
type Handler interface {
	Apply(ctx context.Context, op *models.Operation) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, op *models.Operation) (Result, error)

// Apply calls f(ctx, op).
func (f HandlerFunc) Apply(ctx context.Context, op *models.Operation) (Result, error) {
	return f(ctx, op)
}

// ErrUnmappedTempID means an operation references an offline-created item
// whose create has not synced yet.
var ErrUnmappedTempID = errors.New("temporary id has no remote mapping yet")

func payloadMismatch(op *models.Operation) error {
	return fmt.Errorf("operation %s: %s handler got %T", op.ID, op.Kind, op.Payload)
}

func checkedBy(op *models.Operation) string {
	if op.OriginUser != "" {
		return op.OriginUser
	}
	return op.OriginDevice
}

// ScanHandler creates or deletes the remote check record for a code. A
// code that only exists as an unsynced offline create is retried rather
// than reported missing.
type ScanHandler struct {
	Remote   remote.Store
	Queue    Queue
	Detector *conflict.Detector
}

func (h *ScanHandler) Apply(ctx context.Context, op *models.Operation) (Result, error) {
	p, ok := op.Scan()
	if !ok {
		return Result{}, payloadMismatch(op)
	}

	item, err := h.Remote.GetByCode(ctx, p.Code)
	if errors.Is(err, remote.ErrNotFound) {
		pending, qerr := h.Queue.AwaitingCreate(ctx, p.Code)
		if qerr != nil {
			return Result{}, qerr
		}
		if pending {
			return Result{}, fmt.Errorf("scan %s: %w", p.Code, ErrUnmappedTempID)
		}
		item, err = nil, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("fetch %s: %w", p.Code, err)
	}

	if rec := h.Detector.CheckScan(op, item); rec != nil {
		return conflicted(rec)
	}

	if p.Action == models.ScanCheck {
		err = h.Remote.CreateCheckRecord(ctx, remote.CheckRecord{
			EntityID:  item.ID,
			CheckedBy: checkedBy(op),
			CheckedAt: op.Timestamp,
		})
	} else {
		err = h.Remote.DeleteCheckRecord(ctx, item.ID)
	}
	if errors.Is(err, remote.ErrNotFound) {
		// Deleted between the fetch and the write.
		return conflicted(h.Detector.CheckScan(op, nil))
	}
	if err != nil {
		return Result{}, fmt.Errorf("%s %s: %w", p.Action, p.Code, err)
	}
	return applied()
}

// CreateHandler creates the remote item and records temp → remote id.
type CreateHandler struct {
	Remote   remote.Store
	Queue    Queue
	Detector *conflict.Detector
}

func (h *CreateHandler) Apply(ctx context.Context, op *models.Operation) (Result, error) {
	p, ok := op.Payload.(models.CreatePayload)
	if !ok {
		return Result{}, payloadMismatch(op)
	}

	// A mapping means an earlier attempt already created the item.
	if _, mapped, err := h.Queue.ResolveID(ctx, p.TempID); err != nil {
		return Result{}, err
	} else if mapped {
		return applied()
	}

	existing, err := h.Remote.GetByCode(ctx, p.Code)
	switch {
	case err == nil:
		return conflicted(h.Detector.CheckCreate(op, existing))
	case !errors.Is(err, remote.ErrNotFound):
		return Result{}, fmt.Errorf("fetch %s: %w", p.Code, err)
	}

	id, err := h.Remote.Create(ctx, remote.CreateRequest{
		Code:     p.Code,
		Name:     p.Name,
		Location: p.Location,
		Quantity: p.Quantity,
		Notes:    p.Notes,
	})
	if errors.Is(err, remote.ErrAlreadyExists) {
		existing, getErr := h.Remote.GetByCode(ctx, p.Code)
		if getErr != nil {
			existing = &models.Item{Code: p.Code}
		}
		return conflicted(h.Detector.CheckCreate(op, existing))
	}
	if err != nil {
		return Result{}, fmt.Errorf("create %s: %w", p.Code, err)
	}

	if err := h.Queue.RemapEntity(ctx, p.TempID, id); err != nil {
		return Result{}, fmt.Errorf("record id mapping %s -> %s: %w", p.TempID, id, err)
	}
	return applied()
}

// UpdateHandler applies field changes to the remote item.
type UpdateHandler struct {
	Remote   remote.Store
	Queue    Queue
	Detector *conflict.Detector
}

func (h *UpdateHandler) Apply(ctx context.Context, op *models.Operation) (Result, error) {
	p, ok := op.Payload.(models.UpdatePayload)
	if !ok {
		return Result{}, payloadMismatch(op)
	}

	id, mapped, err := h.Queue.ResolveID(ctx, p.EntityID)
	if err != nil {
		return Result{}, err
	}
	if !mapped {
		return Result{}, fmt.Errorf("update %s: %w", p.EntityID, ErrUnmappedTempID)
	}

	err = h.Remote.Update(ctx, id, p.Fields)
	if rec := h.Detector.CheckUpdate(op, err); rec != nil {
		rec.EntityID = id
		return conflicted(rec)
	}
	if err != nil {
		return Result{}, fmt.Errorf("update %s: %w", id, err)
	}
	return applied()
}

// DeleteHandler removes the remote item. A missing item counts as applied.
type DeleteHandler struct {
	Remote remote.Store
	Queue  Queue
}

func (h *DeleteHandler) Apply(ctx context.Context, op *models.Operation) (Result, error) {
	p, ok := op.Payload.(models.DeletePayload)
	if !ok {
		return Result{}, payloadMismatch(op)
	}

	id, mapped, err := h.Queue.ResolveID(ctx, p.EntityID)
	if err != nil {
		return Result{}, err
	}
	if !mapped {
		return Result{}, fmt.Errorf("delete %s: %w", p.EntityID, ErrUnmappedTempID)
	}

	if err := h.Remote.Delete(ctx, id); err != nil && !errors.Is(err, remote.ErrNotFound) {
		return Result{}, fmt.Errorf("delete %s: %w", id, err)
	}
	return applied()
}
