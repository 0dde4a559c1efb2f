package telemetry

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		_ = provider.Shutdown(context.Background())
	})
	return recorder
}

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestResourceAttributes(t *testing.T) {
	config := DefaultConfig()
	config.ServiceVersion = "1.4.0"
	config.RealtimeSource = "websocket"
	config.RemoteBackend = "rest"
	config.ViewerID = "emp-1"
	config.Role = "employee"
	config.Attributes = map[string]string{"deployment.environment": "staging"}

	attrs := map[attribute.Key]string{}
	for _, kv := range config.ResourceAttributes() {
		attrs[kv.Key] = kv.Value.AsString()
	}

	assert.Equal(t, "stocksync", attrs["service.name"])
	assert.Equal(t, "1.4.0", attrs["service.version"])
	assert.Equal(t, "websocket", attrs["stocksync.realtime.source"])
	assert.Equal(t, "rest", attrs["stocksync.remote.backend"])
	assert.Equal(t, "emp-1", attrs["stocksync.viewer.id"])
	assert.Equal(t, "employee", attrs["stocksync.viewer.role"])
	assert.Equal(t, "staging", attrs["deployment.environment"])
}

func TestResourceAttributesSkipUnset(t *testing.T) {
	attrs := DefaultConfig().ResourceAttributes()
	require.Len(t, attrs, 1)
	assert.Equal(t, attribute.Key("service.name"), attrs[0].Key)
}

func TestFiberMiddlewareRecordsSpan(t *testing.T) {
	recorder := installRecorder(t)

	var sawSpan bool
	app := fiber.New()
	app.Use(FiberMiddleware("test"))
	app.Get("/orders", func(c *fiber.Ctx) error {
		sawSpan = trace.SpanFromContext(c.UserContext()).SpanContext().IsValid()
		return c.SendStatus(fiber.StatusOK)
	})
	app.Get("/broken", func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusServiceUnavailable, "down")
	})

	req := httptest.NewRequest("GET", "/orders", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.True(t, sawSpan)

	resp, err = app.Test(httptest.NewRequest("GET", "/broken", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "GET /orders", spans[0].Name())
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", spans[0].SpanContext().TraceID().String())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

func TestSpanHelpers(t *testing.T) {
	recorder := installRecorder(t)

	ctx, span := StartSpan(context.Background(), "refresh")
	AddSpanEvent(ctx, "fetched")
	MarkSpanError(ctx, errors.New("boom"))
	MarkSpanError(ctx, nil)
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "refresh", spans[0].Name())
	assert.Len(t, spans[0].Events(), 2) // fetched + exception
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}
