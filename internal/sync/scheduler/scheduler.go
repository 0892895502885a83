// Package scheduler coordinates sync passes for the presentation layer:
// connectivity, manual and periodic triggers, and status broadcasts.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/shelfcheck/internal/db"
	"github.com/kimhsiao/shelfcheck/internal/errors"
	"github.com/kimhsiao/shelfcheck/internal/logging"
	"github.com/kimhsiao/shelfcheck/internal/models"
	syncpkg "github.com/kimhsiao/shelfcheck/internal/sync"
	"github.com/kimhsiao/shelfcheck/internal/sync/queue"
)

// CountSource reports operation totals.
type CountSource interface {
	Counts(ctx context.Context) (queue.Counts, error)
}

// Store is the slice of the local store the coordinator reads.
type Store interface {
	db.ConflictRepository
	db.MetaRepository
}

// Status is what the presentation layer shows about sync.
type Status struct {
	IsOnline          bool              `json:"is_online"`
	IsSyncing         bool              `json:"is_syncing"`
	PendingCount      int               `json:"pending_count"`
	ConflictCount     int               `json:"conflict_count"`
	LastSyncTimestamp int64             `json:"last_sync_timestamp"` // unix milliseconds, 0 if never
	Progress          *syncpkg.Progress `json:"progress,omitempty"`  // set while a pass runs
}

// Config holds coordinator configuration.
type Config struct {
	SyncInterval time.Duration // Periodic pass while online (0: off)
	PassTimeout  time.Duration // Upper bound on one pass (default: 5 minutes)
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval: 0,
		PassTimeout:  5 * time.Minute,
	}
}

// Coordinator wires connectivity to the sync engine and fans status out
// to subscribers.
type Coordinator struct {
	engine syncpkg.Runner
	counts CountSource
	store  Store
	cfg    Config

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu          sync.RWMutex
	isRunning   bool
	isOnline    bool
	syncing     bool
	last        *syncpkg.Summary
	lastErr     error
	subscribers map[int]func(Status)
	nextID      int
}

// NewCoordinator creates a Coordinator. It takes over the engine's
// progress handler.
func NewCoordinator(engine syncpkg.Runner, counts CountSource, store Store, config *Config) *Coordinator {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.PassTimeout <= 0 {
		cfg.PassTimeout = 5 * time.Minute
	}

	c := &Coordinator{
		engine:      engine,
		counts:      counts,
		store:       store,
		cfg:         cfg,
		stopCh:      make(chan struct{}),
		subscribers: make(map[int]func(Status)),
	}
	engine.SetProgressHandler(c.onProgress)
	return c
}

// Start starts the periodic sync loop when an interval is configured.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.isRunning {
		c.mu.Unlock()
		return
	}
	c.isRunning = true
	c.mu.Unlock()

	if c.cfg.SyncInterval > 0 {
		c.wg.Add(1)
		go c.periodicSyncLoop(ctx)
	}

	logging.Info("Sync coordinator started", map[string]interface{}{
		"sync_interval_seconds": c.cfg.SyncInterval.Seconds(),
	})
}

// Stop stops the periodic loop and waits for it to exit.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.isRunning {
		c.mu.Unlock()
		return
	}
	c.isRunning = false
	c.mu.Unlock()

	close(c.stopCh)
	c.wg.Wait()

	logging.Info("Sync coordinator stopped", nil)
}

// IsRunning returns whether Start has been called without Stop.
func (c *Coordinator) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isRunning
}

// SetOnlineStatus records connectivity and broadcasts a change. It is the
// network monitor's status listener.
func (c *Coordinator) SetOnlineStatus(isOnline bool) {
	c.mu.Lock()
	wasOnline := c.isOnline
	c.isOnline = isOnline
	c.mu.Unlock()

	if wasOnline == isOnline {
		return
	}
	logging.Info("Online status changed", map[string]interface{}{
		"was_online": wasOnline,
		"is_online":  isOnline,
	})
	c.broadcast(context.Background(), nil)
}

// IsOnline returns the last connectivity reported to SetOnlineStatus.
func (c *Coordinator) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isOnline
}

// IsSyncing reports whether a pass is running.
func (c *Coordinator) IsSyncing() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.syncing || c.engine.IsSyncing()
}

// Subscribe registers cb for status updates: every connectivity flip, pass
// start, progress step and pass end. Callbacks run on the goroutine that
// caused the update and must not block.
func (c *Coordinator) Subscribe(cb func(Status)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subscribers[id] = cb
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subscribers, id)
			c.mu.Unlock()
		})
	}
}

// TriggerManualSync starts a pass in the background. It returns false when
// offline or when a pass is already running.
func (c *Coordinator) TriggerManualSync(ctx context.Context) bool {
	if !c.IsOnline() || c.IsSyncing() {
		return false
	}
	go func() {
		if _, err := c.runSync(ctx); err != nil && !errors.Is(err, errors.ErrSyncInProgress) {
			logging.ErrorWithCode("Manual sync failed", string(errors.ErrSyncFailed), err)
		}
	}()
	return true
}

// SyncNow runs a pass and waits for it.
func (c *Coordinator) SyncNow(ctx context.Context) (*syncpkg.Summary, error) {
	if !c.IsOnline() {
		return nil, errors.New(errors.ErrRemoteUnavailable, "offline")
	}
	return c.runSync(ctx)
}

// OnReconnect is the network monitor's trigger. The monitor only fires it
// after reporting online, so connectivity is not checked again.
func (c *Coordinator) OnReconnect(ctx context.Context) error {
	_, err := c.runSync(ctx)
	if errors.Is(err, errors.ErrSyncInProgress) {
		return nil
	}
	return err
}

// GetSummary returns the current status.
func (c *Coordinator) GetSummary(ctx context.Context) Status {
	return c.status(ctx, nil)
}

// LastResult returns the summary of the most recent pass and the error it
// ended with, or nil, nil before the first pass.
func (c *Coordinator) LastResult() (*syncpkg.Summary, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return nil, c.lastErr
	}
	s := *c.last
	return &s, c.lastErr
}

// ListConflicts returns conflict records for review.
func (c *Coordinator) ListConflicts(ctx context.Context, includeResolved bool) ([]*models.ConflictRecord, error) {
	return c.store.ListConflicts(ctx, includeResolved)
}

// ResolveConflict marks a conflict resolved and broadcasts the new count.
func (c *Coordinator) ResolveConflict(ctx context.Context, id string) error {
	if err := c.store.ResolveConflict(ctx, id); err != nil {
		return err
	}
	logging.Info("Conflict resolved", map[string]interface{}{"conflict_id": id})
	c.broadcast(ctx, nil)
	return nil
}

func (c *Coordinator) periodicSyncLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			if !c.IsOnline() {
				continue
			}
			if c.IsSyncing() {
				logging.Debug("Sync already in progress, skipping", nil)
				continue
			}
			if _, err := c.runSync(ctx); err != nil && !errors.Is(err, errors.ErrSyncInProgress) {
				logging.ErrorWithCode("Periodic sync failed", string(errors.ErrSyncFailed), err,
					map[string]interface{}{"interval_seconds": c.cfg.SyncInterval.Seconds()})
			}
		}
	}
}

func (c *Coordinator) runSync(ctx context.Context) (*syncpkg.Summary, error) {
	c.mu.Lock()
	if c.syncing {
		c.mu.Unlock()
		return nil, errors.New(errors.ErrSyncInProgress, "sync pass already running")
	}
	c.syncing = true
	c.mu.Unlock()

	c.broadcast(ctx, nil)

	syncCtx, cancel := context.WithTimeout(ctx, c.cfg.PassTimeout)
	summary, err := c.engine.RunSyncPass(syncCtx)
	cancel()

	c.mu.Lock()
	c.syncing = false
	if !errors.Is(err, errors.ErrSyncInProgress) {
		if summary != nil {
			c.last = summary
		}
		c.lastErr = err
	}
	c.mu.Unlock()

	c.broadcast(ctx, nil)
	return summary, err
}

func (c *Coordinator) onProgress(p syncpkg.Progress) {
	c.broadcast(context.Background(), &p)
}

func (c *Coordinator) status(ctx context.Context, progress *syncpkg.Progress) Status {
	st := Status{
		IsOnline:  c.IsOnline(),
		IsSyncing: c.IsSyncing(),
		Progress:  progress,
	}

	if counts, err := c.counts.Counts(ctx); err != nil {
		logging.Warn("Failed to count operations", map[string]interface{}{"error": err.Error()})
	} else {
		st.PendingCount = counts.Unsynced()
	}
	if n, err := c.store.CountUnresolvedConflicts(ctx); err != nil {
		logging.Warn("Failed to count conflicts", map[string]interface{}{"error": err.Error()})
	} else {
		st.ConflictCount = n
	}
	if ts, err := c.store.LastSyncTimestamp(ctx); err != nil {
		logging.Warn("Failed to read last sync timestamp", map[string]interface{}{"error": err.Error()})
	} else {
		st.LastSyncTimestamp = ts
	}
	return st
}

func (c *Coordinator) broadcast(ctx context.Context, progress *syncpkg.Progress) {
	c.mu.RLock()
	if len(c.subscribers) == 0 {
		c.mu.RUnlock()
		return
	}
	cbs := make([]func(Status), 0, len(c.subscribers))
	for id := 0; id < c.nextID; id++ {
		if cb, ok := c.subscribers[id]; ok {
			cbs = append(cbs, cb)
		}
	}
	c.mu.RUnlock()

	st := c.status(ctx, progress)
	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Warn("Status subscriber panicked", map[string]interface{}{"panic": r})
				}
			}()
			cb(st)
		}()
	}
}
