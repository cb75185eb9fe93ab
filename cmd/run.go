// Package cmd defines and implements the CLI commands for the corpus-crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/corpus-crawler/internal/config"
	"github.com/JakeFAU/corpus-crawler/internal/server"
)

// runner builds and runs the pipeline. Tests swap it for a stub.
var runner = func(ctx context.Context, cfg config.Config) error {
	app, err := server.Build(ctx, &cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	return app.Run(ctx)
}

// newRunCmd creates the 'run' subcommand, which crawls until a limit, an idle
// frontier or a signal stops the pipeline.
func newRunCmd() *cobra.Command {
	var (
		maxPages    int
		maxDuration int
		stopIdle    bool
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Starts the ingestion pipeline",
		Long: `Seeds the frontier from the sources file and runs the fetcher pool until
max pages or max duration is reached, the frontier drains (with --stop-when-idle),
or SIGINT/SIGTERM arrives. The open shard is sealed on the way out.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("max-pages") {
				cfg.Limits.MaxPages = maxPages
			}
			if flags.Changed("max-duration") {
				cfg.Limits.MaxDurationSeconds = maxDuration
			}
			if flags.Changed("stop-when-idle") {
				cfg.Limits.StopWhenIdle = stopIdle
			}
			if flags.Changed("concurrency") {
				cfg.Crawler.Concurrency = concurrency
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := runner(cmd.Context(), cfg); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run pipeline: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "stop after this many fetch attempts (0 = unlimited)")
	cmd.Flags().IntVar(&maxDuration, "max-duration", 0, "stop after this many seconds (0 = unlimited)")
	cmd.Flags().BoolVar(&stopIdle, "stop-when-idle", false, "stop once the frontier is empty and nothing is in flight")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "number of fetch workers")
	return cmd
}
