package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/SteelMorgan/weblog-etl/internal/config"
	"github.com/SteelMorgan/weblog-etl/internal/observability"
	"github.com/SteelMorgan/weblog-etl/internal/service"
)

func newRunCommand() *cobra.Command {
	var (
		watch  time.Duration
		paths  []string
		format string
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "run [flags]",
		Short: "Process the configured access logs",
		Long: `Process every access log under SOURCE_PATHS from its last checkpoint to
the end of the file. With --watch the pass is repeated at the given interval
until interrupted.

Examples:
  etl run
  etl run --path /var/log/nginx --format nginx
  etl run --watch 30s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(paths) > 0 {
				os.Setenv("SOURCE_PATHS", strings.Join(paths, ";"))
			}
			if format != "" {
				os.Setenv("LOG_FORMAT", format)
			}
			if dryRun {
				os.Setenv("READ_ONLY", "true")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, watch)
		},
	}

	cmd.Flags().DurationVar(&watch, "watch", 0, "repeat the pass at this interval until interrupted")
	cmd.Flags().StringArrayVar(&paths, "path", nil, "file or directory to process (overrides SOURCE_PATHS, repeatable)")
	cmd.Flags().StringVar(&format, "format", "", "log format: auto, apache, nginx or json (overrides LOG_FORMAT)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "process records without writing them (same as READ_ONLY=true)")
	return cmd
}

func run(parent context.Context, cfg *config.Config, watch time.Duration) error {
	logCloser := observability.InitLogger(cfg.LogLevel, cfg.LogFile)
	defer logCloser.Close()

	log.Info().
		Str("version", Version).
		Strs("paths", cfg.SourcePaths).
		Str("sink", cfg.Sink).
		Bool("read_only", cfg.ReadOnly).
		Msg("Starting web log ETL")

	shutdown, err := observability.InitTracer(cfg.TracerConfig(Version))
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize tracer")
	} else {
		defer shutdown(context.Background())
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := service.NewETLService(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Error().Err(err).Msg("Error during shutdown")
		}
	}()

	if watch > 0 {
		return svc.Watch(ctx, watch)
	}

	summary, err := svc.RunOnce(ctx)
	if err != nil {
		return err
	}
	if len(summary.Aborted) > 0 {
		log.Warn().Int("files", len(summary.Aborted)).Msg("Some files were skipped")
	}
	return nil
}
