package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/SteelMorgan/weblog-etl/internal/observability"
)

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "etl.yaml")
	content := `
source_paths: [/var/log/nginx]
batch_size: 500
dedup_window: 30m
sink: mysql
mysql_dsn: "etl:secret@tcp(db:3306)/logs"
`
	if err := os.WriteFile(file, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CONFIG_FILE", file)
	t.Setenv("BATCH_SIZE", "250")
	t.Setenv("BATCH_FLUSH_INTERVAL_MS", "1500")
	t.Setenv("RETENTION", "720h")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if diff := cmp.Diff([]string{"/var/log/nginx"}, cfg.SourcePaths); diff != "" {
		t.Errorf("SourcePaths mismatch (-want +got):\n%s", diff)
	}
	if cfg.BatchSize != 250 {
		t.Errorf("BatchSize = %d, want env value 250", cfg.BatchSize)
	}
	if cfg.DedupWindow != 30*time.Minute {
		t.Errorf("DedupWindow = %v, want file value 30m", cfg.DedupWindow)
	}
	if cfg.BatchFlushInterval != 1500*time.Millisecond {
		t.Errorf("BatchFlushInterval = %v", cfg.BatchFlushInterval)
	}
	if cfg.Retention != 720*time.Hour {
		t.Errorf("Retention = %v", cfg.Retention)
	}
	if cfg.Sink != "mysql" || cfg.RetryMaxAttempts != 3 {
		t.Errorf("Sink = %s, RetryMaxAttempts = %d", cfg.Sink, cfg.RetryMaxAttempts)
	}
}

func TestLoad_SourcePathList(t *testing.T) {
	t.Setenv("SOURCE_PATHS", " /a.log ; ;/b ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if diff := cmp.Diff([]string{"/a.log", "/b"}, cfg.SourcePaths); diff != "" {
		t.Errorf("SourcePaths mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_BadFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.SourcePaths = []string{"/var/log/access.log"}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "no sources", mutate: func(c *Config) { c.SourcePaths = nil }, wantErr: true},
		{name: "zero batch", mutate: func(c *Config) { c.BatchSize = 0 }, wantErr: true},
		{name: "threshold above one", mutate: func(c *Config) { c.DetectThreshold = 1.5 }, wantErr: true},
		{name: "jitter above one", mutate: func(c *Config) { c.RetryJitter = 2 }, wantErr: true},
		{name: "mysql without dsn", mutate: func(c *Config) { c.Sink = "mysql" }, wantErr: true},
		{name: "read only skips sink checks", mutate: func(c *Config) { c.Sink = "mysql"; c.ReadOnly = true }},
		{name: "zero sample ratio", mutate: func(c *Config) { c.TracingSampleRatio = 0 }, wantErr: true},
		{name: "sample ratio above one", mutate: func(c *Config) { c.TracingSampleRatio = 1.5 }, wantErr: true},
		{name: "bad clickhouse port", mutate: func(c *Config) { c.ClickHousePort = 70000 }, wantErr: true},
		{name: "run reports need clickhouse", mutate: func(c *Config) {
			c.Sink = "noop"
			c.ClickHouseHost = ""
			c.ReportRuns = true
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRetryConfig(t *testing.T) {
	cfg := Default()
	cfg.RetryMaxAttempts = 5
	cfg.RetryInitialDelay = 10 * time.Millisecond

	rc := cfg.RetryConfig()
	if rc.MaxAttempts != 5 || rc.InitialDelay != 10*time.Millisecond || len(rc.RetryableErrors) == 0 {
		t.Errorf("RetryConfig() = %+v", rc)
	}
}

func TestTracerConfig(t *testing.T) {
	t.Setenv("TRACING_ENABLED", "true")
	t.Setenv("TRACING_SAMPLE_RATIO", "0.1")
	t.Setenv("OTLP_PROTOCOL", "http")

	cfg, err := LoadUnchecked()
	if err != nil {
		t.Fatal(err)
	}
	want := observability.TracerConfig{
		ServiceName:    observability.ServiceName,
		ServiceVersion: "1.0.0",
		Protocol:       "http",
		Enabled:        true,
		SampleRatio:    0.1,
	}
	if diff := cmp.Diff(want, cfg.TracerConfig("1.0.0")); diff != "" {
		t.Errorf("TracerConfig() mismatch (-want +got):\n%s", diff)
	}
}
