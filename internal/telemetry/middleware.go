package telemetry

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// headerCarrier adapts fiber request headers to a propagation.TextMapCarrier
type headerCarrier struct {
	c *fiber.Ctx
}

func (h headerCarrier) Get(key string) string { return h.c.Get(key) }

func (h headerCarrier) Set(key, value string) { h.c.Request().Header.Set(key, value) }

func (h headerCarrier) Keys() []string {
	keys := make([]string, 0)
	h.c.Request().Header.VisitAll(func(key, _ []byte) {
		keys = append(keys, string(key))
	})
	return keys
}

// FiberMiddleware starts a server span per request. Incoming W3C trace
// context is honoured and the span is stored in the request's user context.
func FiberMiddleware(serviceName string) fiber.Handler {
	tracer := Tracer(serviceName)

	return func(c *fiber.Ctx) error {
		ctx := propagation.TraceContext{}.Extract(c.UserContext(), headerCarrier{c})

		spanCtx, span := tracer.Start(
			ctx,
			c.Method()+" "+c.Path(),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPMethodKey.String(c.Method()),
				semconv.HTTPTargetKey.String(string(c.Request().RequestURI())),
				semconv.HTTPUserAgentKey.String(c.Get(fiber.HeaderUserAgent)),
				semconv.HTTPSchemeKey.String(c.Protocol()),
				semconv.NetHostNameKey.String(c.Hostname()),
			),
		)
		defer span.End()

		c.SetUserContext(spanCtx)

		err := c.Next()

		status := c.Response().StatusCode()
		if fe, ok := err.(*fiber.Error); ok {
			status = fe.Code
		} else if err != nil {
			status = fiber.StatusInternalServerError
		}

		if route := c.Route(); route != nil && route.Path != "" {
			span.SetAttributes(semconv.HTTPRouteKey.String(route.Path))
		}
		span.SetAttributes(semconv.HTTPStatusCodeKey.Int(status))
		if status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		if err != nil {
			span.RecordError(err)
		}

		return err
	}
}
