package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/SteelMorgan/weblog-etl/internal/config"
	"github.com/SteelMorgan/weblog-etl/internal/observability"
	"github.com/SteelMorgan/weblog-etl/internal/service"
)

func newCheckpointsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Inspect or reset per-source checkpoints",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List committed positions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := openState()
			if err != nil {
				return err
			}
			defer state.Close()

			checkpoints, err := state.Checkpoints.List(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SOURCE\tLINE\tOFFSET\tCOMMITTED")
			for _, cp := range checkpoints {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
					cp.SourceID,
					cp.Position.Line,
					humanize.Bytes(uint64(cp.Position.Offset)),
					humanize.Time(cp.CommittedAt),
				)
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset <source>",
		Short: "Forget the checkpoint of a source so it is processed from the start",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := openState()
			if err != nil {
				return err
			}
			defer state.Close()

			if err := state.Checkpoints.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checkpoint for %s reset\n", args[0])
			return nil
		},
	})

	return cmd
}

func newDeadLettersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletters",
		Aliases: []string{"dlq"},
		Short:   "Inspect, replay or discard batches that could not be loaded",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List dead-lettered batches, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := openState()
			if err != nil {
				return err
			}
			defer state.Close()

			entries, err := state.DeadLetters.List(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "BATCH\tSOURCE\tSINK\tLINES\tRECORDS\tATTEMPTS\tFAILED\tREASON")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d-%d\t%d\t%d\t%s\t%s\n",
					e.BatchID,
					e.SourceID,
					e.Sink,
					e.From.Line+1,
					e.To.Line,
					len(e.Records),
					e.Attempts,
					humanize.Time(e.FailedAt),
					e.Reason,
				)
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <batch-id>...",
		Short: "Discard dead-lettered batches without loading them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := openState()
			if err != nil {
				return err
			}
			defer state.Close()

			entries, err := state.DeadLetters.List(cmd.Context())
			if err != nil {
				return err
			}
			known := make(map[string]bool, len(entries))
			for _, e := range entries {
				known[e.BatchID] = true
			}
			for _, id := range args {
				if !known[id] {
					return fmt.Errorf("no dead-lettered batch %s", id)
				}
			}

			for _, id := range args {
				if err := state.DeadLetters.Delete(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "batch %s deleted\n", id)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "replay [batch-id...]",
		Short: "Load dead-lettered batches into the sink again, all of them by default",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return replay(cmd, cfg, args)
		},
	})

	return cmd
}

func replay(cmd *cobra.Command, cfg *config.Config, ids []string) error {
	logCloser := observability.InitLogger(cfg.LogLevel, cfg.LogFile)
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := service.NewETLService(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}
	defer svc.Close()

	summary, err := svc.Replay(ctx, ids...)
	if summary != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "replayed %d batches (%s records), %d failed\n",
			summary.Batches, humanize.Comma(int64(summary.Records)), len(summary.Failed))
	}
	if err != nil {
		return err
	}
	if len(summary.Failed) > 0 {
		return fmt.Errorf("%d batches failed again: %s", len(summary.Failed), strings.Join(summary.Failed, ", "))
	}
	return nil
}
