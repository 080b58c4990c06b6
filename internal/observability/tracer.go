package observability

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http"

	shutdownTimeout = 5 * time.Second
)

var defaultEndpoints = map[string]string{
	ProtocolGRPC: "localhost:4317",
	ProtocolHTTP: "localhost:4318",
}

// TracerConfig describes where pipeline spans are exported
type TracerConfig struct {
	ServiceName    string // Default: ServiceName
	ServiceVersion string
	Endpoint       string // OTLP collector host:port, default per protocol
	Protocol       string // grpc (default) or http
	Enabled        bool
	SampleRatio    float64 // Share of runs traced; 0 or 1 traces every run
}

// InitTracer installs the global tracer provider. With tracing disabled a
// no-op provider is installed and spans cost nothing.
func InitTracer(cfg TracerConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	protocol, endpoint, err := resolveEndpoint(cfg.Protocol, cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	res, err := newResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlptrace.New(context.Background(), newClient(protocol, endpoint))
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(shutdownTimeout),
			sdktrace.WithMaxExportBatchSize(512),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(rootSampler(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)

	log.Info().
		Str("protocol", protocol).
		Str("endpoint", endpoint).
		Float64("sample_ratio", cfg.SampleRatio).
		Msg("Tracing enabled")

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
		return tp.Shutdown(ctx)
	}, nil
}

// resolveEndpoint normalizes the protocol and fills in its default endpoint
func resolveEndpoint(protocol, endpoint string) (string, string, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	if protocol == "" {
		protocol = ProtocolGRPC
	}
	def, ok := defaultEndpoints[protocol]
	if !ok {
		return "", "", fmt.Errorf("unsupported OTLP protocol %q (use grpc or http)", protocol)
	}
	if endpoint == "" {
		endpoint = def
	}
	return protocol, endpoint, nil
}

func newClient(protocol, endpoint string) otlptrace.Client {
	if protocol == ProtocolHTTP {
		return otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	}
	return otlptracegrpc.NewClient(
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
}

// OTEL_RESOURCE_ATTRIBUTES are merged in
func newResource(cfg TracerConfig) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = ServiceName
	}
	return resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(name),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
		resource.WithFromEnv(),
		resource.WithHost(),
		resource.WithProcess(),
	)
}

func rootSampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.TraceIDRatioBased(ratio)
}
