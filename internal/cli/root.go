// Package cli implements the shrinkctl commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ent0n29/shrink/internal/app"
	"github.com/ent0n29/shrink/internal/config"
	"github.com/ent0n29/shrink/internal/logging"
)

type options struct {
	verbose bool
	sqlite  string
}

// NewRootCmd builds the command tree. Configuration comes from the same
// environment variables as the server.
func NewRootCmd() *cobra.Command {
	var opts options
	root := &cobra.Command{
		Use:           "shrinkctl",
		Short:         "Inspect and exercise the shrink memory and recall engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log to stderr")
	root.PersistentFlags().StringVar(&opts.sqlite, "sqlite", "", "SQLite memory file (overrides SQLITE_PATH)")

	root.AddCommand(
		newMemoryCmd(&opts),
		newProfileCmd(&opts),
		newRecallCmd(&opts),
		newClassifyCmd(&opts),
		newChatCmd(&opts),
	)
	return root
}

// withApp loads config, builds the dependency graph, runs fn and releases
// everything afterwards.
func withApp(ctx context.Context, opts *options, fn func(*app.BuildResult) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if opts.sqlite != "" {
		cfg.SQLitePath = opts.sqlite
	}

	log := zap.NewNop()
	if opts.verbose {
		if log, err = logging.New(cfg.LogMode, cfg.LogLevel); err != nil {
			return fmt.Errorf("logger: %w", err)
		}
	}

	built, err := app.Build(ctx, cfg, log, app.Options{Registerer: prometheus.NewRegistry()})
	if err != nil {
		return err
	}
	runErr := fn(built)
	if err := built.Cleanup(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
