package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARNING", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLogLevel(tt.in); got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestInitLogger_FileIsJSON(t *testing.T) {
	prev, prevLevel := log.Logger, zerolog.GlobalLevel()
	defer func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	}()

	path := filepath.Join(t.TempDir(), "etl.log")
	var console bytes.Buffer
	closer := initLogger(&console, "info", path)

	log.Info().Str("source", "file:/a.log").Msg("Run finished")
	closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %s", len(lines), data)
	}

	var event map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &event); err != nil {
		t.Fatalf("file line is not JSON: %v", err)
	}
	if event["message"] != "Run finished" || event["source"] != "file:/a.log" {
		t.Errorf("unexpected event: %v", event)
	}
	if !strings.Contains(console.String(), "Run finished") {
		t.Errorf("console output missing message: %q", console.String())
	}
}

func TestEndSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	_, ok := StartSpan(context.Background(), "test", "op.ok")
	EndSpan(ok, nil, "done")
	_, failed := StartSpan(context.Background(), "test", "op.failed")
	EndSpan(failed, errors.New("boom"), "write failed")

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Ok {
		t.Errorf("op.ok status = %v", spans[0].Status())
	}
	if spans[1].Status().Code != codes.Error || len(spans[1].Events()) == 0 {
		t.Errorf("op.failed status = %v, events = %d", spans[1].Status(), len(spans[1].Events()))
	}
}

func TestInitTracer_Disabled(t *testing.T) {
	shutdown, err := InitTracer(TracerConfig{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Error(err)
	}
	if _, err := InitTracer(TracerConfig{Enabled: true, Protocol: "carrier-pigeon"}); err == nil {
		t.Error("expected error for unsupported protocol")
	}
}

func TestResolveEndpoint(t *testing.T) {
	tests := []struct {
		protocol, endpoint     string
		wantProto, wantAddress string
		wantErr                bool
	}{
		{"", "", ProtocolGRPC, "localhost:4317", false},
		{"HTTP", "", ProtocolHTTP, "localhost:4318", false},
		{"grpc", "otel-collector:4317", ProtocolGRPC, "otel-collector:4317", false},
		{"zipkin", "", "", "", true},
	}
	for _, tt := range tests {
		proto, addr, err := resolveEndpoint(tt.protocol, tt.endpoint)
		if (err != nil) != tt.wantErr {
			t.Errorf("resolveEndpoint(%q, %q) error = %v", tt.protocol, tt.endpoint, err)
			continue
		}
		if proto != tt.wantProto || addr != tt.wantAddress {
			t.Errorf("resolveEndpoint(%q, %q) = %s, %s, want %s, %s",
				tt.protocol, tt.endpoint, proto, addr, tt.wantProto, tt.wantAddress)
		}
	}
}

func TestRootSampler(t *testing.T) {
	tests := []struct {
		ratio float64
		want  sdktrace.Sampler
	}{
		{0, sdktrace.AlwaysSample()},
		{1, sdktrace.AlwaysSample()},
		{0.25, sdktrace.TraceIDRatioBased(0.25)},
	}
	for _, tt := range tests {
		if got := rootSampler(tt.ratio).Description(); got != tt.want.Description() {
			t.Errorf("rootSampler(%v) = %s, want %s", tt.ratio, got, tt.want.Description())
		}
	}
}

func TestNewResource_DefaultServiceName(t *testing.T) {
	for _, tt := range []struct{ in, want string }{
		{"", ServiceName},
		{"edge-etl", "edge-etl"},
	} {
		res, err := newResource(TracerConfig{ServiceName: tt.in, ServiceVersion: "1.2.3"})
		if err != nil {
			t.Fatal(err)
		}
		got, ok := res.Set().Value(semconv.ServiceNameKey)
		if !ok || got.AsString() != tt.want {
			t.Errorf("service.name = %q, want %q", got.AsString(), tt.want)
		}
	}
}
