package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/weblog-etl/internal/clickhouse"
	"github.com/SteelMorgan/weblog-etl/internal/domain"
)

const ClickHouseName = "clickhouse"

// inserted_at is left to its column default
const clickHouseColumns = "timestamp, source_id, line, fingerprint, client_ip, remote_user, method, url, " +
	"protocol, status, bytes, referrer, user_agent, route, enrichment, failed_enrichers, extra.key, extra.value"

// ClickHouseSink writes batches with a single native INSERT per batch
type ClickHouseSink struct {
	conn   driver.Conn
	table  string
	client *clickhouse.Client // Owned connection, nil when conn is borrowed
}

// NewClickHouseSink creates a sink writing into table on conn
func NewClickHouseSink(conn driver.Conn, table string) *ClickHouseSink {
	return &ClickHouseSink{conn: conn, table: table}
}

func newClickHouseFromOptions(ctx context.Context, opts Options) (Sink, error) {
	client, err := clickhouse.NewClientWithRetry(ctx, opts.ClickHouse, opts.Retry)
	if err != nil {
		return nil, err
	}
	if err := clickhouse.EnsureSchema(ctx, client); err != nil {
		client.Close()
		return nil, err
	}

	table := opts.Table
	if db := client.Database(); db != "" {
		table = db + "." + table
	}
	s := NewClickHouseSink(client.Conn(), table)
	s.client = client
	return s, nil
}

func (s *ClickHouseSink) Name() string { return ClickHouseName }

func (s *ClickHouseSink) Write(ctx context.Context, b *domain.Batch) error {
	if b.Len() == 0 {
		return nil
	}
	startTime := time.Now()

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table+" ("+clickHouseColumns+")")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for i := range b.Entries {
		r, err := newRow(b.SourceID, &b.Entries[i])
		if err != nil {
			batch.Abort()
			return fmt.Errorf("failed to build row for line %d: %w", b.Entries[i].Line, err)
		}
		if err := batch.Append(r.clickHouseValues()...); err != nil {
			batch.Abort()
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	log.Debug().
		Str("batch_id", b.ID).
		Int("records", b.Len()).
		Dur("duration", time.Since(startTime)).
		Msg("Batch written to ClickHouse")
	return nil
}

func (s *ClickHouseSink) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// clickHouseValues returns column values in clickHouseColumns order
func (r row) clickHouseValues() []any {
	return []any{
		r.Timestamp,
		r.SourceID,
		r.Line,
		r.Fingerprint,
		r.ClientIP,
		r.RemoteUser,
		r.Method,
		r.URL,
		r.Protocol,
		r.Status,
		r.Bytes,
		r.Referrer,
		r.UserAgent,
		r.Route,
		r.Enrichment,
		r.FailedEnrichers,
		r.ExtraKeys,
		r.ExtraValues,
	}
}
