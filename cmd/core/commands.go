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

	"github.com/kimhsiao/shelfcheck/internal/app"
	"github.com/kimhsiao/shelfcheck/internal/logging"
	"github.com/kimhsiao/shelfcheck/internal/models"
	"github.com/kimhsiao/shelfcheck/internal/remote"
	"github.com/kimhsiao/shelfcheck/internal/uuid"
)

// =====================================================
// Enqueue
// =====================================================

func newEnqueueCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue an operation for the next sync pass",
	}
	cmd.AddCommand(
		newEnqueueScanCmd(flags),
		newEnqueueCreateCmd(flags),
		newEnqueueUpdateCmd(flags),
		newEnqueueDeleteCmd(flags),
	)
	return cmd
}

type enqueueResult struct {
	OperationID string `json:"operation_id"`
	TempID      string `json:"temp_id,omitempty"`
}

func enqueue(cmd *cobra.Command, flags *globalFlags, p models.Payload, tempID string) error {
	return withApp(cmd, flags, func(ctx context.Context, a *app.App) error {
		id, err := a.Queue.Enqueue(ctx, p)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), enqueueResult{OperationID: id, TempID: tempID})
	})
}

func newEnqueueScanCmd(flags *globalFlags) *cobra.Command {
	var uncheck bool
	cmd := &cobra.Command{
		Use:   "scan <code>",
		Short: "Check (or uncheck) the item with a scanned code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			action := models.ScanCheck
			if uncheck {
				action = models.ScanUncheck
			}
			return enqueue(cmd, flags, models.ScanPayload{Code: args[0], Action: action}, "")
		},
	}
	cmd.Flags().BoolVar(&uncheck, "uncheck", false, "remove the check instead of adding it")
	return cmd
}

func newEnqueueCreateCmd(flags *globalFlags) *cobra.Command {
	var p models.CreatePayload
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an item offline under a temporary id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if p.TempID == "" {
				p.TempID = uuid.NewTemp()
			}
			return enqueue(cmd, flags, p, p.TempID)
		},
	}
	f := cmd.Flags()
	f.StringVar(&p.TempID, "temp-id", "", "temporary id (generated when empty)")
	f.StringVar(&p.Code, "code", "", "item code")
	f.StringVar(&p.Name, "name", "", "item name")
	f.StringVar(&p.Location, "location", "", "storage location")
	f.IntVar(&p.Quantity, "quantity", 0, "quantity on hand")
	f.StringVar(&p.Notes, "notes", "", "free-form notes")
	return cmd
}

func newEnqueueUpdateCmd(flags *globalFlags) *cobra.Command {
	var (
		code                  string
		name, location, notes string
		quantity              int
	)
	cmd := &cobra.Command{
		Use:   "update <entity-id>",
		Short: "Change item fields; only the flags given are sent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var fields models.ItemFields
			f := cmd.Flags()
			if f.Changed("name") {
				fields.Name = &name
			}
			if f.Changed("location") {
				fields.Location = &location
			}
			if f.Changed("quantity") {
				fields.Quantity = &quantity
			}
			if f.Changed("notes") {
				fields.Notes = &notes
			}
			return enqueue(cmd, flags, models.UpdatePayload{EntityID: args[0], Code: code, Fields: fields}, "")
		},
	}
	f := cmd.Flags()
	f.StringVar(&code, "code", "", "item code, for the local echo")
	f.StringVar(&name, "name", "", "new name")
	f.StringVar(&location, "location", "", "new location")
	f.IntVar(&quantity, "quantity", 0, "new quantity")
	f.StringVar(&notes, "notes", "", "new notes")
	return cmd
}

func newEnqueueDeleteCmd(flags *globalFlags) *cobra.Command {
	var code string
	cmd := &cobra.Command{
		Use:   "delete <entity-id>",
		Short: "Delete an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return enqueue(cmd, flags, models.DeletePayload{EntityID: args[0], Code: code}, "")
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "item code, for the local echo")
	return cmd
}

// =====================================================
// Sync and inspection
// =====================================================

func newSyncCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass against the remote store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app.App) error {
				if err := a.RequireEngine(); err != nil {
					return err
				}
				summary, err := a.Engine.RunSyncPass(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), summary)
			})
		},
	}
}

type statusOutput struct {
	DeviceID          string `json:"device_id"`
	Pending           int    `json:"pending"`
	Failed            int    `json:"failed"`
	Conflict          int    `json:"conflict"`
	Dead              int    `json:"dead"`
	PendingCount      int    `json:"pending_count"`
	UnresolvedCount   int    `json:"unresolved_conflicts"`
	LastSyncTimestamp int64  `json:"last_sync_timestamp"`
}

func newStatusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue counts and the last sync time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app.App) error {
				counts, err := a.Queue.Counts(ctx)
				if err != nil {
					return err
				}
				unresolved, err := a.Repository().CountUnresolvedConflicts(ctx)
				if err != nil {
					return err
				}
				last, err := a.Repository().LastSyncTimestamp(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), statusOutput{
					DeviceID:          a.Config.DeviceID,
					Pending:           counts.Pending,
					Failed:            counts.Failed,
					Conflict:          counts.Conflict,
					Dead:              counts.Dead,
					PendingCount:      counts.Unsynced(),
					UnresolvedCount:   unresolved,
					LastSyncTimestamp: last,
				})
			})
		},
	}
}

func newItemsCmd(flags *globalFlags) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "items",
		Short: "List the locally cached items, pending changes included",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app.App) error {
				items, err := a.Queue.CachedEntities(ctx, all)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), items)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include items deleted locally")
	return cmd
}

func newConflictsCmd(flags *globalFlags) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List conflict records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app.App) error {
				conflicts, err := a.Repository().ListConflicts(ctx, all)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), conflicts)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include resolved conflicts")
	return cmd
}

func newResolveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Mark a conflict resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app.App) error {
				if err := a.Repository().ResolveConflict(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "resolved %s\n", args[0])
				return nil
			})
		},
	}
}

func newRetryDeadCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-dead",
		Short: "Return dead operations to the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app.App) error {
				n, err := a.Queue.RetryDead(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %d operations\n", n)
				return nil
			})
		},
	}
}

func newConfigCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), cfg.String())
			return nil
		},
	}
}

// =====================================================
// serve-remote
// =====================================================

func newServeRemoteCmd(flags *globalFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve-remote",
		Short: "Serve an in-memory remote store over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(cmd, flags); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ln, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", listen, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "remote store listening on http://%s\n", ln.Addr())
			return serveRemote(ctx, ln, remote.NewMemoryStore())
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:9090", "address to listen on")
	return cmd
}

// serveRemote serves store on ln until ctx is done.
func serveRemote(ctx context.Context, ln net.Listener, store remote.Store) error {
	srv := &http.Server{
		Handler:           remote.NewHandler(store),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logging.Info("Remote store serving", map[string]interface{}{"addr": ln.Addr().String()})

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown remote store: %w", err)
	}
	logging.Info("Remote store stopped", nil)
	return nil
}
