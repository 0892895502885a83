// Package main provides the FFI bridge for mobile platforms.
// Build as shared library: libshelfcheck.so (Android) / shelfcheck.framework (iOS)
//
// The host app calls Init once, pushes connectivity changes through
// NotifyNetwork and exchanges everything else as JSON strings.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kimhsiao/shelfcheck/internal/app"
	"github.com/kimhsiao/shelfcheck/internal/config"
	apperrors "github.com/kimhsiao/shelfcheck/internal/errors"
	"github.com/kimhsiao/shelfcheck/internal/logging"
	"github.com/kimhsiao/shelfcheck/internal/models"
	"github.com/kimhsiao/shelfcheck/internal/network"
	"github.com/kimhsiao/shelfcheck/internal/remote"
	"github.com/kimhsiao/shelfcheck/internal/sync/scheduler"
	"github.com/kimhsiao/shelfcheck/internal/uuid"
)

// initRequest is the JSON accepted by Init. Empty fields keep the value
// from the config file or the defaults.
type initRequest struct {
	ConfigPath string `json:"config_path"`
	DataDir    string `json:"data_dir"`
	DeviceID   string `json:"device_id"`
	UserID     string `json:"user_id"`
	RemoteURL  string `json:"remote_url"`
	LogLevel   string `json:"log_level"`
}

// bridge owns the core for the lifetime of the host process.
type bridge struct {
	mu      sync.Mutex
	app     *app.App
	coord   *scheduler.Coordinator // nil without a remote store
	monitor *network.Monitor
	cancel  context.CancelFunc
	done    chan struct{}

	errMu   sync.RWMutex
	lastErr error
}

var core = &bridge{}

var errNotInitialized = apperrors.New(apperrors.ErrInternal, "core not initialized")

func (b *bridge) setLastError(err error) {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	b.lastErr = err
}

// lastError renders the last recorded error, or "" when the last call
// succeeded.
func (b *bridge) lastError() string {
	b.errMu.RLock()
	defer b.errMu.RUnlock()
	if b.lastErr == nil {
		return ""
	}
	data, _ := json.Marshal(map[string]string{
		"code":  string(apperrors.CodeOf(b.lastErr)),
		"error": b.lastErr.Error(),
	})
	return string(data)
}

func (b *bridge) init(requestJSON string, opts ...app.Option) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.app != nil {
		return nil
	}

	var req initRequest
	if requestJSON != "" {
		if err := json.Unmarshal([]byte(requestJSON), &req); err != nil {
			return apperrors.Wrap(apperrors.ErrValidation, "invalid init request", err)
		}
	}

	cfg, err := config.Load(req.ConfigPath)
	if err != nil {
		return err
	}
	override(&cfg.DataDir, req.DataDir)
	override(&cfg.DeviceID, req.DeviceID)
	override(&cfg.UserID, req.UserID)
	override(&cfg.Remote.URL, req.RemoteURL)
	override(&cfg.LogLevel, req.LogLevel)
	if err := cfg.Validate(); err != nil {
		return err
	}
	app.InitLogging(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	a, err := app.Open(ctx, cfg, opts...)
	if err != nil {
		cancel()
		return err
	}

	b.app = a
	b.cancel = cancel
	b.done = make(chan struct{})

	if a.Engine == nil {
		close(b.done)
		logging.Info("Mobile core started offline-only", map[string]interface{}{"device_id": cfg.DeviceID})
		return nil
	}

	b.coord = scheduler.NewCoordinator(a.Engine, a.Queue, a.Repository(), cfg.Scheduler())
	var prober network.Prober = network.NewStaticProber(false)
	if p, ok := a.Remote.(remote.Pinger); ok {
		prober = network.NewPingProber(p, cfg.Remote.Timeout)
	}
	b.monitor = network.NewMonitor(prober, b.coord.OnReconnect, cfg.Monitor())
	b.monitor.OnStatusChange(b.coord.SetOnlineStatus)
	b.coord.Start(ctx)

	go func() {
		defer close(b.done)
		if err := b.monitor.Run(ctx); err != nil {
			logging.Error("Network monitor exited", err, nil)
		}
	}()

	logging.Info("Mobile core started", map[string]interface{}{
		"device_id":  cfg.DeviceID,
		"remote_url": cfg.Remote.URL,
	})
	return nil
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// cleanup stops background work and closes the local store.
func (b *bridge) cleanup() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.app == nil {
		return nil
	}

	b.cancel()
	<-b.done
	if b.coord != nil {
		b.coord.Stop()
	}
	err := b.app.Close()

	b.app, b.coord, b.monitor, b.cancel, b.done = nil, nil, nil, nil, nil
	return err
}

// current returns the open app under the lock.
func (b *bridge) current() (*app.App, *scheduler.Coordinator, *network.Monitor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.app == nil {
		return nil, nil, nil, errNotInitialized
	}
	return b.app, b.coord, b.monitor, nil
}

func marshal(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("serialize: %w", err)
	}
	return string(data), nil
}

// =====================================================
// Operations
// =====================================================

// enqueue queues a payload of kind. A create without temp_id gets one.
func (b *bridge) enqueue(kind, payloadJSON string) (string, error) {
	a, _, _, err := b.current()
	if err != nil {
		return "", err
	}

	p, err := models.DecodePayload(models.OperationKind(kind), []byte(payloadJSON))
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrValidation, "invalid payload", err)
	}
	tempID := ""
	if c, ok := p.(models.CreatePayload); ok {
		if c.TempID == "" {
			c.TempID = uuid.NewTemp()
		}
		tempID = c.TempID
		p = c
	}

	id, err := a.Queue.Enqueue(context.Background(), p)
	if err != nil {
		return "", err
	}
	out := map[string]string{"operation_id": id}
	if tempID != "" {
		out["temp_id"] = tempID
	}
	return marshal(out)
}

// syncNow runs a pass and returns its summary.
func (b *bridge) syncNow() (string, error) {
	a, coord, _, err := b.current()
	if err != nil {
		return "", err
	}
	if err := a.RequireEngine(); err != nil {
		return "", err
	}
	summary, err := coord.SyncNow(context.Background())
	if err != nil {
		return "", err
	}
	return marshal(summary)
}

// status reports connectivity, queue depth and the last sync time.
func (b *bridge) status() (string, error) {
	a, coord, _, err := b.current()
	if err != nil {
		return "", err
	}
	ctx := context.Background()
	if coord != nil {
		return marshal(coord.GetSummary(ctx))
	}

	counts, err := a.Queue.Counts(ctx)
	if err != nil {
		return "", err
	}
	conflicts, err := a.Repository().CountUnresolvedConflicts(ctx)
	if err != nil {
		return "", err
	}
	last, err := a.Repository().LastSyncTimestamp(ctx)
	if err != nil {
		return "", err
	}
	return marshal(scheduler.Status{
		PendingCount:      counts.Unsynced(),
		ConflictCount:     conflicts,
		LastSyncTimestamp: last,
	})
}

func (b *bridge) items(includeDeleted bool) (string, error) {
	a, _, _, err := b.current()
	if err != nil {
		return "", err
	}
	items, err := a.Queue.CachedEntities(context.Background(), includeDeleted)
	if err != nil {
		return "", err
	}
	if items == nil {
		items = []*models.CachedEntity{}
	}
	return marshal(items)
}

func (b *bridge) conflicts(includeResolved bool) (string, error) {
	a, _, _, err := b.current()
	if err != nil {
		return "", err
	}
	list, err := a.Repository().ListConflicts(context.Background(), includeResolved)
	if err != nil {
		return "", err
	}
	if list == nil {
		list = []*models.ConflictRecord{}
	}
	return marshal(list)
}

func (b *bridge) resolve(id string) error {
	a, coord, _, err := b.current()
	if err != nil {
		return err
	}
	if coord != nil {
		return coord.ResolveConflict(context.Background(), id)
	}
	return a.Repository().ResolveConflict(context.Background(), id)
}

// notifyNetwork forwards a platform connectivity event.
func (b *bridge) notifyNetwork(online bool) error {
	_, _, monitor, err := b.current()
	if err != nil {
		return err
	}
	if monitor != nil {
		monitor.Notify(online)
	}
	return nil
}

func main() {
	// Required for c-shared build mode; not run when loaded as a library.
}
