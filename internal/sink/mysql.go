package sink

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/VividCortex/mysqlerr"
	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/weblog-etl/internal/domain"
	"github.com/SteelMorgan/weblog-etl/internal/retry"
)

const (
	MySQLName = "mysql"

	// Rows per INSERT statement, keeps placeholders well under the 65535 limit
	mysqlChunkSize = 500
)

var mysqlColumns = []string{
	"fingerprint", "source_id", "line", "timestamp", "client_ip", "remote_user",
	"method", "url", "protocol", "status", "bytes", "referrer", "user_agent",
	"route", "enrichment", "failed_enrichers", "extra",
}

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS %s (
	fingerprint      BIGINT UNSIGNED NOT NULL PRIMARY KEY,
	source_id        VARCHAR(512) NOT NULL,
	line             BIGINT UNSIGNED NOT NULL,
	timestamp        DATETIME(3) NOT NULL,
	client_ip        VARCHAR(45) NOT NULL,
	remote_user      VARCHAR(255) NOT NULL,
	method           VARCHAR(16) NOT NULL,
	url              TEXT NOT NULL,
	protocol         VARCHAR(16) NOT NULL,
	status           SMALLINT UNSIGNED NOT NULL,
	bytes            INT UNSIGNED NOT NULL,
	referrer         TEXT NOT NULL,
	user_agent       TEXT NOT NULL,
	route            VARCHAR(2048) NOT NULL,
	enrichment       JSON NOT NULL,
	failed_enrichers VARCHAR(255) NOT NULL,
	extra            JSON NOT NULL,
	INDEX idx_timestamp (timestamp)
)`

// MySQLSink writes each batch in one transaction. The fingerprint primary key
// with ON DUPLICATE KEY UPDATE makes a replayed batch overwrite itself.
type MySQLSink struct {
	db    *sql.DB
	table string
	owned bool
}

// NewMySQLSink creates a sink writing into table on db
func NewMySQLSink(db *sql.DB, table string) *MySQLSink {
	return &MySQLSink{db: db, table: table}
}

func newMySQLFromOptions(ctx context.Context, opts Options) (Sink, error) {
	if opts.MySQLDSN == "" {
		return nil, fmt.Errorf("mysql sink requires MYSQL_DSN")
	}
	cfg, err := mysql.ParseDSN(opts.MySQLDSN)
	if err != nil {
		return nil, fmt.Errorf("invalid mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)

	if err := retry.Do(ctx, opts.Retry, func() error {
		return classifyMySQLError(db.PingContext(ctx))
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping mysql: %w", err)
	}

	s := NewMySQLSink(db, opts.Table)
	s.owned = true
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().
		Str("addr", cfg.Addr).
		Str("database", cfg.DBName).
		Msg("Connected to MySQL")
	return s, nil
}

// EnsureSchema creates the target table if it does not exist
func (s *MySQLSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(mysqlSchema, s.table)); err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.table, err)
	}
	return nil
}

func (s *MySQLSink) Name() string { return MySQLName }

func (s *MySQLSink) Write(ctx context.Context, b *domain.Batch) (err error) {
	if b.Len() == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyMySQLError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				log.Warn().Err(rbErr).Str("batch_id", b.ID).Msg("Rollback failed")
			}
		}
	}()

	for start := 0; start < b.Len(); start += mysqlChunkSize {
		end := min(start+mysqlChunkSize, b.Len())
		query, args, err := s.insertStatement(b.SourceID, b.Entries[start:end])
		if err != nil {
			return retry.Permanent(err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return classifyMySQLError(fmt.Errorf("failed to insert batch %s: %w", b.ID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return classifyMySQLError(fmt.Errorf("failed to commit transaction: %w", err))
	}

	log.Debug().
		Str("batch_id", b.ID).
		Int("records", b.Len()).
		Msg("Batch written to MySQL")
	return nil
}

func (s *MySQLSink) insertStatement(sourceID string, entries []domain.EnrichedLogEntry) (string, []any, error) {
	stmt := squirrel.Insert(s.table).Columns(mysqlColumns...)
	for i := range entries {
		r, err := newRow(sourceID, &entries[i])
		if err != nil {
			return "", nil, fmt.Errorf("failed to build row for line %d: %w", entries[i].Line, err)
		}
		stmt = stmt.Values(r.mysqlValues()...)
	}

	updates := make([]string, 0, len(mysqlColumns)-1)
	for _, c := range mysqlColumns[1:] {
		updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", c, c))
	}
	return stmt.Suffix("ON DUPLICATE KEY UPDATE " + strings.Join(updates, ", ")).ToSql()
}

func (s *MySQLSink) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}

func (r row) mysqlValues() []any {
	return []any{
		r.Fingerprint,
		r.SourceID,
		r.Line,
		r.Timestamp,
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
		strings.Join(r.FailedEnrichers, ","),
		r.ExtraJSON,
	}
}

// Lock conflicts and connection churn clear up on their own
var transientMySQLErrors = map[uint16]bool{
	mysqlerr.ER_LOCK_DEADLOCK:     true,
	mysqlerr.ER_LOCK_WAIT_TIMEOUT: true,
	mysqlerr.ER_CON_COUNT_ERROR:   true,
}

// classifyMySQLError marks err as transient or permanent for retry.Do
func classifyMySQLError(err error) error {
	if err == nil {
		return nil
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		if transientMySQLErrors[myErr.Number] {
			return retry.Transient(err)
		}
		return retry.Permanent(err)
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return retry.Transient(err)
	}
	return err
}
