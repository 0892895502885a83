// Package main provides the shelfcheck command line: enqueue operations
// offline, run sync passes, inspect status and conflicts, and serve an
// in-memory remote store for local testing.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/shelfcheck/internal/app"
	"github.com/kimhsiao/shelfcheck/internal/config"
	"github.com/kimhsiao/shelfcheck/internal/logging"
)

// Version is set at build time
var Version = "0.1.0"

type globalFlags struct {
	configPath string
	dataDir    string
	deviceID   string
	user       string
	remoteURL  string
	logLevel   string
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "shelfcheck",
		Short:         "Offline-first inventory operation queue",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "path to a YAML config file")
	pf.StringVar(&flags.dataDir, "data-dir", "", "directory holding the local store")
	pf.StringVar(&flags.deviceID, "device-id", "", "device id stamped on operations")
	pf.StringVar(&flags.user, "user", "", "user id stamped on operations")
	pf.StringVar(&flags.remoteURL, "remote-url", "", "base URL of the remote store")
	pf.StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error")

	root.AddCommand(
		newEnqueueCmd(flags),
		newSyncCmd(flags),
		newStatusCmd(flags),
		newItemsCmd(flags),
		newConflictsCmd(flags),
		newResolveCmd(flags),
		newRetryDeadCmd(flags),
		newConfigCmd(flags),
		newServeRemoteCmd(flags),
	)
	return root
}

// loadConfig resolves defaults, file, environment, then flags.
func loadConfig(cmd *cobra.Command, flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}

	pf := cmd.Flags()
	overrides := map[string]struct {
		src string
		dst *string
	}{
		"data-dir":   {flags.dataDir, &cfg.DataDir},
		"device-id":  {flags.deviceID, &cfg.DeviceID},
		"user":       {flags.user, &cfg.UserID},
		"remote-url": {flags.remoteURL, &cfg.Remote.URL},
		"log-level":  {flags.logLevel, &cfg.LogLevel},
	}
	for name, o := range overrides {
		if pf.Changed(name) {
			*o.dst = o.src
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	app.InitLogging(cfg)
	return cfg, nil
}

// withApp opens the application for the duration of fn.
func withApp(cmd *cobra.Command, flags *globalFlags, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig(cmd, flags)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logging.Error("Failed to close local store", err, nil)
		}
	}()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
