package response

import (
	"github.com/gofiber/fiber/v2"
	"github.com/nkkko/stocksync/internal/api/errors"
)

// Response represents a standardized API response
type Response struct {
	Success   bool   `json:"success"`
	RequestID string `json:"request_id,omitempty"`
	Data      any    `json:"data,omitempty"`
	Error     any    `json:"error,omitempty"`
	Meta      any    `json:"meta,omitempty"`
}

// requestID reads the id set by the requestid middleware
func requestID(c *fiber.Ctx) string {
	return c.GetRespHeader(fiber.HeaderXRequestID)
}

// JSON sends a JSON response
func JSON(c *fiber.Ctx, statusCode int, data any) error {
	return c.Status(statusCode).JSON(Response{
		Success:   statusCode >= 200 && statusCode < 300,
		RequestID: requestID(c),
		Data:      data,
	})
}

// Error sends an error response
func Error(c *fiber.Ctx, err error) error {
	id := requestID(c)
	apiErr := errors.FromError(err).WithRequestID(id)

	return c.Status(apiErr.HTTPCode).JSON(Response{
		Success:   false,
		RequestID: id,
		Error:     apiErr,
	})
}

// WithMeta adds metadata to a successful response
func WithMeta(c *fiber.Ctx, statusCode int, data any, meta any) error {
	return c.Status(statusCode).JSON(Response{
		Success:   statusCode >= 200 && statusCode < 300,
		RequestID: requestID(c),
		Data:      data,
		Meta:      meta,
	})
}
