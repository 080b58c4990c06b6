package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/weblog-etl/internal/retry"
)

// Config holds connection settings
type Config struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
}

// Client wraps ClickHouse connection
type Client struct {
	conn     clickhouse.Conn
	database string
	retryCfg retry.Config
}

// NewClient creates a new ClickHouse client with default retry config
func NewClient(cfg Config) (*Client, error) {
	return NewClientWithRetry(context.Background(), cfg, retry.DefaultConfig())
}

// NewClientWithRetry creates a new ClickHouse client with custom retry configuration
func NewClientWithRetry(ctx context.Context, cfg Config, retryCfg retry.Config) (*Client, error) {
	username := cfg.Username
	if username == "" {
		username = "default"
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	// Test connection with retry
	if err := retry.Do(ctx, retryCfg, func() error {
		return conn.Ping(ctx)
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	log.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("database", cfg.Database).
		Msg("Connected to ClickHouse")

	return &Client{
		conn:     conn,
		database: cfg.Database,
		retryCfg: retryCfg,
	}, nil
}

// Conn returns the underlying ClickHouse connection
func (c *Client) Conn() clickhouse.Conn {
	return c.conn
}

// Database returns the configured database name
func (c *Client) Database() string {
	return c.database
}

// Close closes the connection
func (c *Client) Close() error {
	log.Info().Msg("Closing ClickHouse connection")
	return c.conn.Close()
}

// Query executes a SELECT query and returns rows with retry logic
func (c *Client) Query(ctx context.Context, query string, args ...interface{}) (driver.Rows, error) {
	return retry.DoWithResult(ctx, c.retryCfg, func() (driver.Rows, error) {
		return c.conn.Query(ctx, query, args...)
	})
}

// Exec executes a non-SELECT query with retry logic
func (c *Client) Exec(ctx context.Context, query string, args ...interface{}) error {
	return retry.Do(ctx, c.retryCfg, func() error {
		return c.conn.Exec(ctx, query, args...)
	})
}
