package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Config contains OpenTelemetry configuration
type Config struct {
	// Enable tracing
	Enabled bool

	// Service name and build version for traces
	ServiceName    string
	ServiceVersion string

	// OTLP endpoint (e.g., localhost:4317)
	Endpoint string

	// Sampling configuration
	SamplingRatio float64

	// Connection timeout
	Timeout time.Duration

	// Where change events and order lists come from
	RealtimeSource string
	RemoteBackend  string

	// Viewer the process was started for; empty until a session is requested
	ViewerID string
	Role     string

	// Additional resource attributes
	Attributes map[string]string
}

// DefaultConfig returns default telemetry configuration
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		ServiceName:   "stocksync",
		Endpoint:      "localhost:4317",
		SamplingRatio: 0.1,
		Timeout:       5 * time.Second,
		Attributes:    map[string]string{},
	}
}

// ResourceAttributes describes this stocksync process on every exported span
func (c Config) ResourceAttributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(c.ServiceName),
	}
	if c.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersionKey.String(c.ServiceVersion))
	}

	optional := []struct {
		key   string
		value string
	}{
		{"stocksync.realtime.source", c.RealtimeSource},
		{"stocksync.remote.backend", c.RemoteBackend},
		{"stocksync.viewer.id", c.ViewerID},
		{"stocksync.viewer.role", c.Role},
	}
	for _, kv := range optional {
		if kv.value != "" {
			attrs = append(attrs, attribute.String(kv.key, kv.value))
		}
	}

	// Custom attributes last so they can override
	for k, v := range c.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

// Setup initializes OpenTelemetry and exports spans over OTLP/gRPC
func Setup(ctx context.Context, config Config) (shutdown func(context.Context) error, err error) {
	if !config.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	logger := log.With().Str("component", "telemetry").Logger()
	logger.Info().
		Str("endpoint", config.Endpoint).
		Float64("sampling_ratio", config.SamplingRatio).
		Msg("Setting up OpenTelemetry tracing")

	exporter, err := otlptracegrpc.New(
		ctx,
		otlptracegrpc.WithEndpoint(config.Endpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(config.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	res, err := resource.New(
		ctx,
		resource.WithAttributes(config.ResourceAttributes()...),
		resource.WithProcessPID(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SamplingRatio))),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		logger.Info().Msg("Shutting down OpenTelemetry tracing")
		return traceProvider.Shutdown(ctx)
	}, nil
}

// Tracer returns a named tracer from the global provider
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
