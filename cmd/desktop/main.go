// Package main provides the desktop sync agent. It keeps the local queue
// draining whenever the remote store is reachable and serves a REST and
// WebSocket API on localhost for the desktop UI.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/shelfcheck/cmd/desktop/handlers"
	"github.com/kimhsiao/shelfcheck/internal/app"
	"github.com/kimhsiao/shelfcheck/internal/config"
	"github.com/kimhsiao/shelfcheck/internal/logging"
	"github.com/kimhsiao/shelfcheck/internal/network"
	"github.com/kimhsiao/shelfcheck/internal/remote"
	"github.com/kimhsiao/shelfcheck/internal/sync/scheduler"
)

// Version is set at build time
var Version = "0.1.0"

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath, listen, dataDir, remoteURL, logLevel string

	cmd := &cobra.Command{
		Use:          "shelfcheck-desktop",
		Short:        "Desktop sync agent for the shelfcheck operation queue",
		Version:      Version,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			f := cmd.Flags()
			if f.Changed("listen") {
				cfg.Server.Listen = listen
			}
			if f.Changed("data-dir") {
				cfg.DataDir = dataDir
			}
			if f.Changed("remote-url") {
				cfg.Remote.URL = remoteURL
			}
			if f.Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			app.InitLogging(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ag, err := newAgent(ctx, cfg)
			if err != nil {
				return err
			}
			defer ag.close()

			ln, err := net.Listen("tcp", cfg.Server.Listen)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", cfg.Server.Listen, err)
			}
			return ag.run(ctx, ln)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	f.StringVar(&listen, "listen", "", "address for the local API")
	f.StringVar(&dataDir, "data-dir", "", "directory holding the local store")
	f.StringVar(&remoteURL, "remote-url", "", "base URL of the remote store")
	f.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	return cmd
}

// agent is the wired desktop process.
type agent struct {
	app     *app.App
	coord   *scheduler.Coordinator
	monitor *network.Monitor
	hub     *WSHub
	handler http.Handler
}

func newAgent(ctx context.Context, cfg *config.Config, opts ...app.Option) (*agent, error) {
	a, err := app.Open(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := a.RequireEngine(); err != nil {
		a.Close()
		return nil, err
	}

	coord := scheduler.NewCoordinator(a.Engine, a.Queue, a.Repository(), cfg.Scheduler())

	var prober network.Prober = network.NewStaticProber(true)
	if p, ok := a.Remote.(remote.Pinger); ok {
		prober = network.NewPingProber(p, cfg.Remote.Timeout)
	}
	monitor := network.NewMonitor(prober, coord.OnReconnect, cfg.Monitor())
	monitor.OnStatusChange(coord.SetOnlineStatus)

	hub := NewWSHub()
	coord.Subscribe(hub.BroadcastStatus)

	syncHandler := handlers.NewSyncHandler(a.Queue, coord, monitor)
	syncHandler.SetWebSocketHub(hub)

	mux := http.NewServeMux()
	syncHandler.Register(mux)
	mux.Handle("GET /ws", HandleWebSocket(hub))

	return &agent{
		app:     a,
		coord:   coord,
		monitor: monitor,
		hub:     hub,
		handler: mux,
	}, nil
}

// run serves on ln and runs the monitor, hub and coordinator until ctx is
// done or one of them fails.
func (a *agent) run(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return a.monitor.Run(gctx)
	})
	a.coord.Start(gctx)

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		logging.Info("Desktop agent listening", map[string]interface{}{
			"addr":      ln.Addr().String(),
			"device_id": a.app.Config.DeviceID,
		})
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.coord.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	err := g.Wait()
	logging.Info("Desktop agent stopped", nil)
	return err
}

func (a *agent) close() error {
	if err := a.app.Close(); err != nil {
		logging.Error("Failed to close local store", err, nil)
		return err
	}
	return nil
}
