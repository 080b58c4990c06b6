package clickhouse

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

const (
	AccessLogTable = "access_log"
	RunsTable      = "etl_runs"
)

// ReplacingMergeTree keyed by fingerprint makes a retried insert of the
// same batch collapse into the rows written by the first attempt
const accessLogDDL = `
CREATE TABLE IF NOT EXISTS %s.access_log (
    timestamp        DateTime64(3, 'UTC'),
    source_id        LowCardinality(String),
    line             UInt64,
    fingerprint      UInt64,
    client_ip        String,
    remote_user      String,
    method           LowCardinality(String),
    url              String,
    protocol         LowCardinality(String),
    status           UInt16,
    bytes            UInt32,
    referrer         String,
    user_agent       String,
    route            String,
    enrichment       String,
    failed_enrichers Array(String),
    extra            Nested(key String, value String),
    inserted_at      DateTime DEFAULT now()
) ENGINE = ReplacingMergeTree(inserted_at)
PARTITION BY toYYYYMM(timestamp)
ORDER BY fingerprint`

const runsDDL = `
CREATE TABLE IF NOT EXISTS %s.etl_runs (
    run_id            String,
    source_id         String,
    format            LowCardinality(String),
    status            LowCardinality(String),
    started_at        DateTime64(3, 'UTC'),
    elapsed_ms        UInt64,
    read              UInt64,
    parsed            UInt64,
    parse_failures    UInt64,
    rejected          UInt64,
    duplicate         UInt64,
    enriched_partial  UInt64,
    loaded            UInt64,
    failed            UInt64,
    batches           UInt64,
    dead_lettered     UInt64,
    records_per_second Float64,
    success_rate      Float64
) ENGINE = MergeTree
ORDER BY (source_id, started_at)`

// EnsureSchema creates the database and tables if they do not exist
func EnsureSchema(ctx context.Context, c *Client) error {
	db := c.Database()
	if db == "" {
		db = "default"
	}

	statements := []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", db),
		fmt.Sprintf(accessLogDDL, db),
		fmt.Sprintf(runsDDL, db),
	}
	for _, stmt := range statements {
		if err := c.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	log.Info().Str("database", db).Msg("ClickHouse schema ready")
	return nil
}
