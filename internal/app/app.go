// Package app wires the local store, operation queue, remote client and
// sync engine from a Config. Both binaries start from here.
package app

import (
	"context"
	"os"

	"github.com/kimhsiao/shelfcheck/internal/config"
	"github.com/kimhsiao/shelfcheck/internal/db"
	apperrors "github.com/kimhsiao/shelfcheck/internal/errors"
	"github.com/kimhsiao/shelfcheck/internal/logging"
	"github.com/kimhsiao/shelfcheck/internal/remote"
	syncpkg "github.com/kimhsiao/shelfcheck/internal/sync"
	"github.com/kimhsiao/shelfcheck/internal/sync/queue"
)

// App holds the wired components. Remote and Engine are nil when no remote
// store is configured; everything else works offline.
type App struct {
	Config *config.Config
	Store  *db.Store
	Queue  *queue.Manager
	Remote remote.Store
	Engine *syncpkg.Engine
}

// Option customizes Open.
type Option func(*options)

type options struct {
	remote remote.Store
}

// WithRemote uses store instead of an HTTP client built from the config.
func WithRemote(store remote.Store) Option {
	return func(o *options) { o.remote = store }
}

// InitLogging configures the global logger from cfg.
func InitLogging(cfg *config.Config) {
	logging.Init(os.Stderr, logging.ParseLevel(cfg.LogLevel))
}

// Open opens the local store and builds the queue, and the engine when a
// remote store is available.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	store := db.NewStore(cfg.DataDir)
	if err := store.Init(); err != nil {
		return nil, err
	}

	q, err := queue.NewManager(ctx, store.Repository(), cfg.Queue())
	if err != nil {
		store.Close()
		return nil, err
	}

	a := &App{
		Config: cfg,
		Store:  store,
		Queue:  q,
		Remote: o.remote,
	}
	if a.Remote == nil && cfg.Remote.URL != "" {
		a.Remote = remote.NewHTTPClient(cfg.Remote.URL, cfg.Remote.Timeout)
	}
	if a.Remote != nil {
		a.Engine = syncpkg.NewEngine(q, a.Remote, store.Repository(), syncpkg.Config{
			RefreshCache: cfg.Sync.RefreshCache,
		})
	}
	return a, nil
}

// RequireEngine fails when no remote store is configured.
func (a *App) RequireEngine() error {
	if a.Engine == nil {
		return apperrors.New(apperrors.ErrRemoteUnavailable, "remote.url is not configured")
	}
	return nil
}

// Repository returns the local store repository.
func (a *App) Repository() *db.Repository {
	return a.Store.Repository()
}

// Close releases the local store.
func (a *App) Close() error {
	return a.Store.Close()
}
