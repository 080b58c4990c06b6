package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SteelMorgan/weblog-etl/internal/breaker"
	"github.com/SteelMorgan/weblog-etl/internal/clickhouse"
	"github.com/SteelMorgan/weblog-etl/internal/dedup"
	"github.com/SteelMorgan/weblog-etl/internal/logreader"
	"github.com/SteelMorgan/weblog-etl/internal/observability"
	"github.com/SteelMorgan/weblog-etl/internal/retry"
	"github.com/SteelMorgan/weblog-etl/internal/validate"
)

// Config holds all configuration for the application
type Config struct {
	// Sources
	SourcePaths    []string `yaml:"source_paths"`    // Files or directories to process
	SourcePatterns []string `yaml:"source_patterns"` // File name globs for directories

	// Format detection
	LogFormat        string  `yaml:"log_format"` // "auto" or a parser name
	DetectSampleSize int     `yaml:"detect_sample_size"`
	DetectThreshold  float64 `yaml:"detect_threshold"`

	// Pipeline
	Workers            int           `yaml:"workers"`
	BatchSize          int           `yaml:"batch_size"`
	BatchFlushInterval time.Duration `yaml:"batch_flush_interval"`
	MaxInflightBatches int           `yaml:"max_inflight_batches"`
	DedupWindow        time.Duration `yaml:"dedup_window"`
	DedupMaxEntries    int           `yaml:"dedup_max_entries"`
	ClockSkew          time.Duration `yaml:"clock_skew"`
	Retention          time.Duration `yaml:"retention"` // 0 disables the age check

	// Loading
	RetryMaxAttempts  int           `yaml:"retry_max_attempts"`
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`
	RetryMultiplier   float64       `yaml:"retry_multiplier"`
	RetryJitter       float64       `yaml:"retry_jitter"`
	BreakerThreshold  int           `yaml:"breaker_threshold"`
	BreakerCooldown   time.Duration `yaml:"breaker_cooldown"`
	SinkTimeout       time.Duration `yaml:"sink_timeout"`
	Sink              string        `yaml:"sink"`
	ReadOnly          bool          `yaml:"read_only"` // Technical mode: process logs but don't write them anywhere

	// ClickHouse
	ClickHouseHost     string `yaml:"clickhouse_host"`
	ClickHousePort     int    `yaml:"clickhouse_port"`
	ClickHouseDB       string `yaml:"clickhouse_db"`
	ClickHouseUser     string `yaml:"clickhouse_user"`
	ClickHousePassword string `yaml:"clickhouse_password"`

	// MySQL
	MySQLDSN string `yaml:"mysql_dsn"`

	// Local state: checkpoints and dead letters
	StateDBPath string `yaml:"state_db_path"`

	// Enrichment
	GeoIPFile         string `yaml:"geoip_file"`
	ThreatFile        string `yaml:"threat_file"`
	RedisAddr         string `yaml:"redis_addr"`
	RedisThreatPrefix string `yaml:"redis_threat_prefix"`

	// Observability
	ReportRuns     bool   `yaml:"report_runs"` // Record run results in ClickHouse
	LogLevel       string `yaml:"log_level"`
	LogFile        string `yaml:"log_file"`
	TracingEnabled     bool    `yaml:"tracing_enabled"`
	TracingServiceName string  `yaml:"tracing_service_name"`
	TracingSampleRatio float64 `yaml:"tracing_sample_ratio"`
	OTLPEndpoint       string  `yaml:"otlp_endpoint"`
	OTLPProtocol       string  `yaml:"otlp_protocol"`
}

// Default returns the built-in configuration
func Default() *Config {
	rc := retry.DefaultConfig()
	bc := breaker.DefaultConfig()
	return &Config{
		SourcePatterns: logreader.DefaultPatterns,

		LogFormat:        "auto",
		DetectSampleSize: 20,
		DetectThreshold:  0.9,

		Workers:            runtime.NumCPU(),
		BatchSize:          1000,
		BatchFlushInterval: 5 * time.Second,
		MaxInflightBatches: 4,
		DedupWindow:        dedup.DefaultHorizon,
		DedupMaxEntries:    dedup.DefaultMaxEntries,
		ClockSkew:          validate.DefaultClockSkew,

		RetryMaxAttempts:  rc.MaxAttempts,
		RetryInitialDelay: rc.InitialDelay,
		RetryMaxDelay:     rc.MaxDelay,
		RetryMultiplier:   rc.Multiplier,
		RetryJitter:       rc.Jitter,
		BreakerThreshold:  bc.Threshold,
		BreakerCooldown:   bc.Cooldown,
		SinkTimeout:       10 * time.Second,
		Sink:              "clickhouse",

		ClickHouseHost: "localhost",
		ClickHousePort: 9000,
		ClickHouseDB:   "logs",
		ClickHouseUser: "default",

		StateDBPath:       "data/state.db",
		RedisThreatPrefix: "threat:",

		LogLevel:     "info",
		OTLPProtocol: "grpc",

		TracingServiceName: observability.ServiceName,
		TracingSampleRatio: 1,
	}
}

// Load builds configuration from defaults, the optional YAML file named by
// CONFIG_FILE and environment variables, in increasing priority
func Load() (*Config, error) {
	cfg, err := LoadUnchecked()
	if err != nil {
		return nil, err
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadUnchecked is Load without validation, for commands that only touch
// local state
func LoadUnchecked() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.SourcePaths = getEnvList("SOURCE_PATHS", c.SourcePaths)
	c.SourcePatterns = getEnvList("SOURCE_PATTERNS", c.SourcePatterns)

	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.DetectSampleSize = getEnvInt("DETECT_SAMPLE_SIZE", c.DetectSampleSize)
	c.DetectThreshold = getEnvFloat("DETECT_THRESHOLD", c.DetectThreshold)

	c.Workers = getEnvInt("WORKERS", c.Workers)
	c.BatchSize = getEnvInt("BATCH_SIZE", c.BatchSize)
	c.BatchFlushInterval = getEnvMillis("BATCH_FLUSH_INTERVAL_MS", c.BatchFlushInterval)
	c.MaxInflightBatches = getEnvInt("MAX_INFLIGHT_BATCHES", c.MaxInflightBatches)
	c.DedupWindow = getEnvDuration("DEDUP_WINDOW", c.DedupWindow)
	c.DedupMaxEntries = getEnvInt("DEDUP_MAX_ENTRIES", c.DedupMaxEntries)
	c.ClockSkew = getEnvDuration("CLOCK_SKEW", c.ClockSkew)
	c.Retention = getEnvDuration("RETENTION", c.Retention)

	c.RetryMaxAttempts = getEnvInt("RETRY_MAX_ATTEMPTS", c.RetryMaxAttempts)
	c.RetryInitialDelay = getEnvMillis("RETRY_INITIAL_DELAY_MS", c.RetryInitialDelay)
	c.RetryMaxDelay = getEnvMillis("RETRY_MAX_DELAY_MS", c.RetryMaxDelay)
	c.RetryMultiplier = getEnvFloat("RETRY_MULTIPLIER", c.RetryMultiplier)
	c.RetryJitter = getEnvFloat("RETRY_JITTER", c.RetryJitter)
	c.BreakerThreshold = getEnvInt("BREAKER_THRESHOLD", c.BreakerThreshold)
	c.BreakerCooldown = getEnvDuration("BREAKER_COOLDOWN", c.BreakerCooldown)
	c.SinkTimeout = getEnvDuration("SINK_TIMEOUT", c.SinkTimeout)
	c.Sink = getEnv("SINK", c.Sink)
	c.ReadOnly = getEnvBool("READ_ONLY", c.ReadOnly)

	c.ClickHouseHost = getEnv("CLICKHOUSE_HOST", c.ClickHouseHost)
	c.ClickHousePort = getEnvInt("CLICKHOUSE_PORT", c.ClickHousePort)
	c.ClickHouseDB = getEnv("CLICKHOUSE_DB", c.ClickHouseDB)
	c.ClickHouseUser = getEnv("CLICKHOUSE_USER", c.ClickHouseUser)
	c.ClickHousePassword = getEnv("CLICKHOUSE_PASSWORD", c.ClickHousePassword)
	c.MySQLDSN = getEnv("MYSQL_DSN", c.MySQLDSN)

	c.StateDBPath = getEnv("STATE_DB_PATH", c.StateDBPath)

	c.GeoIPFile = getEnv("GEOIP_FILE", c.GeoIPFile)
	c.ThreatFile = getEnv("THREAT_FILE", c.ThreatFile)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisThreatPrefix = getEnv("REDIS_THREAT_PREFIX", c.RedisThreatPrefix)

	c.ReportRuns = getEnvBool("REPORT_RUNS", c.ReportRuns)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFile = getEnv("LOG_FILE", c.LogFile)
	c.TracingEnabled = getEnvBool("TRACING_ENABLED", c.TracingEnabled)
	c.TracingServiceName = getEnv("TRACING_SERVICE_NAME", c.TracingServiceName)
	c.TracingSampleRatio = getEnvFloat("TRACING_SAMPLE_RATIO", c.TracingSampleRatio)
	c.OTLPEndpoint = getEnv("OTLP_ENDPOINT", c.OTLPEndpoint)
	c.OTLPProtocol = getEnv("OTLP_PROTOCOL", c.OTLPProtocol)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.SourcePaths) == 0 {
		return fmt.Errorf("SOURCE_PATHS must list at least one file or directory")
	}
	if c.LogFormat == "" {
		return fmt.Errorf("LOG_FORMAT is required")
	}
	if c.DetectSampleSize < 1 {
		return fmt.Errorf("DETECT_SAMPLE_SIZE must be at least 1")
	}
	if c.DetectThreshold <= 0 || c.DetectThreshold > 1 {
		return fmt.Errorf("DETECT_THRESHOLD must be in (0, 1]")
	}
	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be at least 1")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("BATCH_SIZE must be at least 1")
	}
	if c.BatchFlushInterval <= 0 {
		return fmt.Errorf("BATCH_FLUSH_INTERVAL_MS must be positive")
	}
	if c.MaxInflightBatches < 1 {
		return fmt.Errorf("MAX_INFLIGHT_BATCHES must be at least 1")
	}
	if c.DedupWindow <= 0 || c.DedupMaxEntries < 1 {
		return fmt.Errorf("DEDUP_WINDOW and DEDUP_MAX_ENTRIES must be positive")
	}
	if c.ClockSkew < 0 || c.Retention < 0 {
		return fmt.Errorf("CLOCK_SKEW and RETENTION must not be negative")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.RetryMultiplier < 1 {
		return fmt.Errorf("RETRY_MULTIPLIER must be at least 1")
	}
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		return fmt.Errorf("RETRY_JITTER must be in [0, 1]")
	}
	if c.BreakerThreshold < 1 || c.BreakerCooldown <= 0 {
		return fmt.Errorf("BREAKER_THRESHOLD and BREAKER_COOLDOWN must be positive")
	}
	if c.SinkTimeout <= 0 {
		return fmt.Errorf("SINK_TIMEOUT must be positive")
	}
	if c.StateDBPath == "" {
		return fmt.Errorf("STATE_DB_PATH is required")
	}
	if c.TracingSampleRatio <= 0 || c.TracingSampleRatio > 1 {
		return fmt.Errorf("TRACING_SAMPLE_RATIO must be in (0, 1]")
	}

	if !c.ReadOnly {
		switch c.Sink {
		case "clickhouse":
			if err := c.validateClickHouse(); err != nil {
				return err
			}
		case "mysql":
			if c.MySQLDSN == "" {
				return fmt.Errorf("MYSQL_DSN is required for the mysql sink")
			}
		case "":
			return fmt.Errorf("SINK is required")
		}
	}
	if c.ReportRuns {
		if err := c.validateClickHouse(); err != nil {
			return fmt.Errorf("REPORT_RUNS: %w", err)
		}
	}

	return nil
}

func (c *Config) validateClickHouse() error {
	if c.ClickHouseHost == "" {
		return fmt.Errorf("CLICKHOUSE_HOST is required")
	}
	if c.ClickHousePort <= 0 || c.ClickHousePort > 65535 {
		return fmt.Errorf("CLICKHOUSE_PORT must be between 1 and 65535")
	}
	if c.ClickHouseDB == "" {
		return fmt.Errorf("CLICKHOUSE_DB is required")
	}
	return nil
}

// RetryConfig returns the loader retry policy
func (c *Config) RetryConfig() retry.Config {
	rc := retry.DefaultConfig()
	rc.MaxAttempts = c.RetryMaxAttempts
	rc.InitialDelay = c.RetryInitialDelay
	rc.MaxDelay = c.RetryMaxDelay
	rc.Multiplier = c.RetryMultiplier
	rc.Jitter = c.RetryJitter
	return rc
}

// BreakerConfig returns the sink circuit breaker settings
func (c *Config) BreakerConfig() breaker.Config {
	return breaker.Config{Threshold: c.BreakerThreshold, Cooldown: c.BreakerCooldown}
}

// ClickHouseConfig returns ClickHouse connection settings
func (c *Config) ClickHouseConfig() clickhouse.Config {
	return clickhouse.Config{
		Host:     c.ClickHouseHost,
		Port:     c.ClickHousePort,
		Database: c.ClickHouseDB,
		Username: c.ClickHouseUser,
		Password: c.ClickHousePassword,
	}
}

// TracerConfig returns OpenTelemetry settings
func (c *Config) TracerConfig(version string) observability.TracerConfig {
	return observability.TracerConfig{
		ServiceName:    c.TracingServiceName,
		ServiceVersion: version,
		Endpoint:       c.OTLPEndpoint,
		Protocol:       c.OTLPProtocol,
		Enabled:        c.TracingEnabled,
		SampleRatio:    c.TracingSampleRatio,
	}
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable or returns a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("30s", "1h")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvMillis reads a duration given in milliseconds
func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if list := parsePathList(os.Getenv(key)); len(list) > 0 {
		return list
	}
	return defaultValue
}

// parsePathList parses a semicolon-separated list of paths
func parsePathList(pathsStr string) []string {
	if pathsStr == "" {
		return nil
	}

	paths := strings.Split(pathsStr, ";")
	result := make([]string, 0, len(paths))

	for _, path := range paths {
		trimmed := strings.TrimSpace(path)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
