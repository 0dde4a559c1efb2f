package logging

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// FiberMiddleware logs each request with its status, duration and request id.
// It must run after the requestid middleware for the id to be present.
func FiberMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		event := log.With().
			Str("method", c.Method()).
			Str("path", c.Path()).
			Str("remote_addr", c.IP()).
			Str("user_agent", c.Get(fiber.HeaderUserAgent)).
			Str("request_id", c.GetRespHeader(fiber.HeaderXRequestID))

		if span := trace.SpanFromContext(c.UserContext()); span.SpanContext().IsValid() {
			event = event.
				Str("trace_id", span.SpanContext().TraceID().String()).
				Str("span_id", span.SpanContext().SpanID().String())
		}

		logger := event.Logger()
		c.SetUserContext(logger.WithContext(c.UserContext()))

		logger.Debug().Msg("Request started")

		err := c.Next()

		status := c.Response().StatusCode()
		if fe, ok := err.(*fiber.Error); ok {
			status = fe.Code
		} else if err != nil {
			status = fiber.StatusInternalServerError
		}

		size := 0
		if !c.Response().IsBodyStream() {
			size = len(c.Response().Body())
		}

		var logEvent *zerolog.Event
		switch {
		case status >= 500:
			logEvent = logger.Error().Err(err)
		case status >= 400:
			logEvent = logger.Warn()
		default:
			logEvent = logger.Debug()
		}

		logEvent.
			Str("route", c.Route().Path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Int("response_size", size).
			Msg("Request completed")

		return err
	}
}
