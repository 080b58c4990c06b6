package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"

	"github.com/SteelMorgan/weblog-etl/internal/config"
	"github.com/SteelMorgan/weblog-etl/internal/logreader"
	"github.com/SteelMorgan/weblog-etl/internal/pipeline"
	"github.com/SteelMorgan/weblog-etl/internal/sink"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func accessLines(n int, ts time.Time) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, `203.0.113.%d - - [%s] "GET /items/%d HTTP/1.1" 200 128 "-" "curl/8.0"`+"\n",
			i+1, ts.Format("02/Jan/2006:15:04:05 -0700"), 1000+i)
	}
	return sb.String()
}

func testConfig(t *testing.T) (*config.Config, string) {
	t.Helper()
	dir := t.TempDir()
	logs := filepath.Join(dir, "logs")
	if err := os.Mkdir(logs, 0755); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.SourcePaths = []string{logs}
	cfg.Sink = sink.NoopName
	cfg.StateDBPath = filepath.Join(dir, "state", "state.db")
	cfg.Workers = 2
	cfg.BatchSize = 10
	return cfg, logs
}

func TestETLService_RunOnceAndResume(t *testing.T) {
	cfg, logs := testConfig(t)
	ts := time.Now().Add(-time.Minute).UTC()
	writeFile(t, filepath.Join(logs, "access.log"), accessLines(25, ts))
	writeFile(t, filepath.Join(logs, "notes.log"), "just some text\nnothing to see\n")

	geo := filepath.Join(t.TempDir(), "geo.yaml")
	writeFile(t, geo, "networks:\n  \"203.0.113.0/24\": {country_code: NL, city: Amsterdam}\n")
	cfg.GeoIPFile = geo

	ctx := context.Background()
	svc, err := NewETLService(ctx, cfg)
	if err != nil {
		t.Fatalf("NewETLService() error = %v", err)
	}
	defer svc.Close()

	summary, err := svc.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if len(summary.Results) != 1 || len(summary.Aborted) != 1 {
		t.Fatalf("results = %d, aborted = %d, want 1/1", len(summary.Results), len(summary.Aborted))
	}
	total := summary.Total()
	if total.Read != 25 || total.Loaded != 25 || total.Batches != 3 {
		t.Errorf("total = %+v", total)
	}
	if n := svc.sink.(*sink.Noop).Records(); n != 25 {
		t.Errorf("sink received %d records", n)
	}

	src, err := logreader.NewFileSource(filepath.Join(logs, "access.log"))
	if err != nil {
		t.Fatal(err)
	}
	cp, err := svc.state.Checkpoints.Get(ctx, src.ID())
	if err != nil || cp == nil || cp.Position.Line != 25 {
		t.Fatalf("checkpoint = %+v, err = %v", cp, err)
	}

	summary, err = svc.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second RunOnce() error = %v", err)
	}
	if total := summary.Total(); total.Read != 0 {
		t.Errorf("second pass read %d lines, want 0", total.Read)
	}
}

func TestETLService_RedisThreatLookup(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.HSet("threat:203.0.113.1", "score", "90", "category", "scanner")

	cfg, logs := testConfig(t)
	cfg.RedisAddr = mr.Addr()
	writeFile(t, filepath.Join(logs, "access.log"), accessLines(2, time.Now().Add(-time.Minute)))

	ctx := context.Background()
	svc, err := NewETLService(ctx, cfg)
	if err != nil {
		t.Fatalf("NewETLService() error = %v", err)
	}
	defer svc.Close()

	names := svc.enrichers.Names()
	if len(names) != 3 || names[2] != "threat" {
		t.Errorf("enrichers = %v", names)
	}

	summary, err := svc.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if total := summary.Total(); total.Loaded != 2 || total.EnrichedPartial != 0 {
		t.Errorf("total = %+v", total)
	}
}

func TestETLService_ReadOnlyUsesNoop(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.Sink = "mysql"
	cfg.ReadOnly = true

	svc, err := NewETLService(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewETLService() error = %v", err)
	}
	defer svc.Close()

	if svc.sink.Name() != sink.NoopName {
		t.Errorf("sink = %s, want noop", svc.sink.Name())
	}
}

func TestETLService_BadGeoFile(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.GeoIPFile = filepath.Join(t.TempDir(), "missing.yaml")

	if _, err := NewETLService(context.Background(), cfg); err == nil {
		t.Error("expected error for missing geo file")
	}
}

func TestETLService_Watch(t *testing.T) {
	cfg, logs := testConfig(t)
	path := filepath.Join(logs, "access.log")
	writeFile(t, path, accessLines(3, time.Now().Add(-time.Minute)))

	svc, err := NewETLService(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewETLService() error = %v", err)
	}
	defer svc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := svc.Watch(ctx, 20*time.Millisecond); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	if n := svc.sink.(*sink.Noop).Records(); n != 3 {
		t.Errorf("sink received %d records, want 3", n)
	}
}

func TestETLService_TruncatedFileStartsOver(t *testing.T) {
	cfg, logs := testConfig(t)
	ts := time.Now().Add(-time.Minute).UTC().Truncate(time.Second)
	live := filepath.Join(logs, "access.log")
	writeFile(t, live, accessLines(25, ts))

	ctx := context.Background()
	svc, err := NewETLService(ctx, cfg)
	if err != nil {
		t.Fatalf("NewETLService() error = %v", err)
	}
	defer svc.Close()

	if _, err := svc.RunOnce(ctx); err != nil {
		t.Fatalf("first RunOnce() error = %v", err)
	}

	// copytruncate: the live file is emptied in place and refilled, and
	// another log shows up next to it
	writeFile(t, live, accessLines(5, ts.Add(10*time.Second)))
	other := filepath.Join(logs, "other_access.log")
	writeFile(t, other, accessLines(3, ts.Add(20*time.Second)))
	older := time.Now().Add(-time.Hour)
	if err := os.Chtimes(live, older, older); err != nil {
		t.Fatal(err)
	}

	summary, err := svc.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second RunOnce() error = %v", err)
	}
	if len(summary.Results) != 2 || len(summary.Aborted) != 0 {
		t.Fatalf("results = %d, aborted = %v, want 2 results", len(summary.Results), summary.Aborted)
	}
	got := map[string]int64{}
	for _, r := range summary.Results {
		got[filepath.Base(strings.TrimPrefix(r.SourceID, "file:"))] = r.Loaded
	}
	want := map[string]int64{"access.log": 5, "other_access.log": 3}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("loaded per file mismatch (-want +got):\n%s", diff)
	}

	src, _ := logreader.NewFileSource(live)
	cp, err := svc.state.Checkpoints.Get(ctx, src.ID())
	if err != nil || cp == nil || cp.Position.Line != 5 {
		t.Errorf("checkpoint after restart = %+v, err = %v", cp, err)
	}
}

func TestSkippable(t *testing.T) {
	tests := []struct {
		reason string
		want   bool
	}{
		{pipeline.ReasonDetectionFailed, true},
		{pipeline.ReasonSourceError, true},
		{pipeline.ReasonCheckpointFailed, false},
		{pipeline.ReasonCancelled, false},
		{pipeline.ReasonConfigError, false},
	}
	for _, tt := range tests {
		err := fmt.Errorf("run: %w", &pipeline.AbortError{Reason: tt.reason, Err: errors.New("x")})
		if got := skippable(err); got != tt.want {
			t.Errorf("skippable(%s) = %v, want %v", tt.reason, got, tt.want)
		}
	}
	if skippable(errors.New("plain")) {
		t.Error("plain errors must stop the pass")
	}
}
