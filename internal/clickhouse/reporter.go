package clickhouse

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/weblog-etl/internal/domain"
)

// RunReporter records run summaries into the etl_runs table
type RunReporter struct {
	client *Client
}

// NewRunReporter creates a run reporter
func NewRunReporter(client *Client) *RunReporter {
	return &RunReporter{client: client}
}

// WriteRun writes one run summary
func (r *RunReporter) WriteRun(ctx context.Context, result *domain.ProcessingResult) error {
	table := RunsTable
	if db := r.client.Database(); db != "" {
		table = db + "." + RunsTable
	}

	batch, err := r.client.Conn().PrepareBatch(ctx, "INSERT INTO "+table)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	err = batch.Append(
		result.RunID,
		result.SourceID,
		result.Format,
		string(result.Status),
		result.StartedAt,
		uint64(result.Elapsed.Milliseconds()),
		uint64(result.Read),
		uint64(result.Parsed),
		uint64(result.ParseFailures),
		uint64(result.Rejected),
		uint64(result.Duplicate),
		uint64(result.EnrichedPartial),
		uint64(result.Loaded),
		uint64(result.Failed),
		uint64(result.Batches),
		uint64(result.DeadLettered),
		result.RecordsPerSecond(),
		result.SuccessRate(),
	)
	if err != nil {
		return fmt.Errorf("failed to append to batch: %w", err)
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	log.Debug().
		Str("run_id", result.RunID).
		Str("source", result.SourceID).
		Int64("loaded", result.Loaded).
		Float64("records_per_second", result.RecordsPerSecond()).
		Msg("Run summary written to ClickHouse")

	return nil
}
