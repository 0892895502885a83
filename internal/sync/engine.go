// Package sync drains the operation queue against the remote store.
package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/shelfcheck/internal/db"
	apperrors "github.com/kimhsiao/shelfcheck/internal/errors"
	"github.com/kimhsiao/shelfcheck/internal/logging"
	"github.com/kimhsiao/shelfcheck/internal/models"
	"github.com/kimhsiao/shelfcheck/internal/remote"
	"github.com/kimhsiao/shelfcheck/internal/sync/conflict"
)

// Progress is reported after every operation of a pass.
type Progress struct {
	Processed   int                  `json:"processed"`
	Total       int                  `json:"total"`
	Success     int                  `json:"success"`
	Conflict    int                  `json:"conflict"`
	Failed      int                  `json:"failed"`
	CurrentID   string               `json:"current_id,omitempty"`
	CurrentKind models.OperationKind `json:"current_kind,omitempty"`
}

// Percent returns how far the pass has come, 0-100.
func (p Progress) Percent() int {
	if p.Total == 0 {
		return 100
	}
	return p.Processed * 100 / p.Total
}

// Summary is the result of one sync pass.
type Summary struct {
	Success      int           `json:"success"`
	Conflict     int           `json:"conflict"`
	Failed       int           `json:"failed"`
	Total        int           `json:"total"`
	Purged       int64         `json:"purged"`
	Refreshed    int           `json:"refreshed"`
	PendingCount int           `json:"pending_count"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
	Duration     time.Duration `json:"duration"`
}

// Config holds Engine settings.
type Config struct {
	RefreshCache bool             // Reload the cache from the remote store after each pass
	Clock        func() time.Time // Defaults to time.Now
}

// Engine runs sync passes. At most one pass runs at a time; the guard is
// in memory because only one process opens the local store.
type Engine struct {
	queue    Queue
	remote   remote.Store
	meta     db.MetaRepository
	handlers map[models.OperationKind]Handler
	cfg      Config

	running atomic.Bool

	mu         gosync.RWMutex
	onProgress func(Progress)
	last       *Summary
}

// NewEngine creates an Engine with the default handler for every kind.
func NewEngine(q Queue, store remote.Store, meta db.MetaRepository, cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	detector := conflict.NewDetector().WithClock(cfg.Clock)

	return &Engine{
		queue:  q,
		remote: store,
		meta:   meta,
		cfg:    cfg,
		handlers: map[models.OperationKind]Handler{
			models.KindScan:   &ScanHandler{Remote: store, Queue: q, Detector: detector},
			models.KindCreate: &CreateHandler{Remote: store, Queue: q, Detector: detector},
			models.KindUpdate: &UpdateHandler{Remote: store, Queue: q, Detector: detector},
			models.KindDelete: &DeleteHandler{Remote: store, Queue: q},
		},
	}
}

// RegisterHandler replaces the handler for kind.
func (e *Engine) RegisterHandler(kind models.OperationKind, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[kind] = h
}

// SetProgressHandler sets the callback invoked after every operation.
func (e *Engine) SetProgressHandler(fn func(Progress)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onProgress = fn
}

// IsSyncing reports whether a pass is running.
func (e *Engine) IsSyncing() bool {
	return e.running.Load()
}

// LastSummary returns the summary of the most recent completed pass, or nil.
func (e *Engine) LastSummary() *Summary {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.last == nil {
		return nil
	}
	s := *e.last
	return &s
}

// RunSyncPass drains every currently pending operation once, in enqueue
// order. A concurrent call is dropped with an ErrSyncInProgress error.
func (e *Engine) RunSyncPass(ctx context.Context) (*Summary, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, apperrors.New(apperrors.ErrSyncInProgress, "sync pass already running")
	}
	defer e.running.Store(false)

	startedAt := e.cfg.Clock()
	ops, err := e.queue.ListPending(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncFailed, "list pending operations", err)
	}

	logging.Info("Sync pass started", map[string]interface{}{"pending": len(ops)})

	summary := &Summary{Total: len(ops), StartedAt: startedAt}
	for i, op := range ops {
		e.process(ctx, op, summary)
		e.emit(Progress{
			Processed:   i + 1,
			Total:       summary.Total,
			Success:     summary.Success,
			Conflict:    summary.Conflict,
			Failed:      summary.Failed,
			CurrentID:   op.ID,
			CurrentKind: op.Kind,
		})
	}
	if len(ops) == 0 {
		e.emit(Progress{})
	}

	if purged, err := e.queue.PurgeSynced(ctx); err != nil {
		logging.ErrorWithCode("Failed to purge synced operations", string(apperrors.CodeOf(err)), err)
	} else {
		summary.Purged = purged
	}

	if e.cfg.RefreshCache {
		summary.Refreshed = e.refreshCache(ctx)
	}

	summary.FinishedAt = e.cfg.Clock()
	summary.Duration = summary.FinishedAt.Sub(startedAt)
	if err := e.meta.SetLastSyncTimestamp(ctx, summary.FinishedAt.UnixMilli()); err != nil {
		logging.ErrorWithCode("Failed to persist last sync timestamp", string(apperrors.CodeOf(err)), err)
	}
	if counts, err := e.queue.Counts(ctx); err == nil {
		summary.PendingCount = counts.Unsynced()
	}

	e.mu.Lock()
	e.last = summary
	e.mu.Unlock()

	logging.Info("Sync pass completed", map[string]interface{}{
		"total":       summary.Total,
		"success":     summary.Success,
		"conflict":    summary.Conflict,
		"failed":      summary.Failed,
		"pending":     summary.PendingCount,
		"duration_ms": summary.Duration.Milliseconds(),
	})

	out := *summary
	return &out, nil
}

// process applies one operation and records its outcome. Nothing here
// stops the drain: every error ends up as a failed operation.
func (e *Engine) process(ctx context.Context, op *models.Operation, summary *Summary) {
	e.mu.RLock()
	h, ok := e.handlers[op.Kind]
	e.mu.RUnlock()

	var (
		res Result
		err error
	)
	if !ok {
		err = fmt.Errorf("no handler for operation kind %q", op.Kind)
	} else {
		res, err = e.apply(ctx, h, op)
	}

	fields := map[string]interface{}{
		"operation_id": op.ID,
		"kind":         string(op.Kind),
	}

	if err != nil {
		fields["retry_count"] = op.RetryCount + 1
		fields["error"] = err.Error()
		logging.Warn("Operation failed", fields)
		if markErr := e.queue.MarkFailed(ctx, op.ID, err); markErr != nil {
			logging.ErrorWithCode("Failed to record operation failure", string(apperrors.CodeOf(markErr)), markErr, fields)
		}
		summary.Failed++
		return
	}

	switch res.Outcome {
	case OutcomeConflict:
		if markErr := e.queue.MarkConflict(ctx, op.ID, res.Conflict); markErr != nil {
			logging.ErrorWithCode("Failed to record conflict", string(apperrors.CodeOf(markErr)), markErr, fields)
			summary.Failed++
			return
		}
		summary.Conflict++
	default:
		if markErr := e.queue.MarkSynced(ctx, op.ID); markErr != nil {
			logging.ErrorWithCode("Failed to mark operation synced", string(apperrors.CodeOf(markErr)), markErr, fields)
			summary.Failed++
			return
		}
		logging.Debug("Operation synced", fields)
		summary.Success++
	}
}

// apply runs a handler, turning a panic into an error.
func (e *Engine) apply(ctx context.Context, h Handler, op *models.Operation) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	res, err = h.Apply(ctx, op)
	if err == nil && res.Outcome == OutcomeConflict && res.Conflict == nil {
		err = fmt.Errorf("handler reported a conflict without a record")
	}
	return res, err
}

func (e *Engine) emit(p Progress) {
	e.mu.RLock()
	fn := e.onProgress
	e.mu.RUnlock()
	if fn != nil {
		fn(p)
	}
}

func (e *Engine) refreshCache(ctx context.Context) int {
	lister, ok := e.remote.(remote.Lister)
	if !ok {
		return 0
	}
	items, err := lister.List(ctx)
	if err != nil {
		logging.Warn("Cache refresh skipped", map[string]interface{}{"error": err.Error()})
		return 0
	}
	n, err := e.queue.ApplyRemoteSnapshot(ctx, items)
	if err != nil {
		logging.ErrorWithCode("Cache refresh failed", string(apperrors.CodeOf(err)), err)
		return 0
	}
	return n
}
