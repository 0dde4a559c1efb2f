package validation

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/nkkko/stocksync/internal/api/errors"
)

// Validator defines the interface for request validation
type Validator interface {
	Validate() error
}

// ParseAndValidate parses a JSON request body and validates it
func ParseAndValidate(c *fiber.Ctx, v Validator) error {
	if len(c.Body()) == 0 {
		return errors.ValidationError("empty_request_body", "Request body is empty")
	}
	if err := c.BodyParser(v); err != nil {
		return errors.ValidationError("invalid_json", "Invalid JSON format: "+err.Error())
	}

	return v.Validate()
}

// Required validates that a string is not empty
func Required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return errors.ValidationError(
			"required_field_missing",
			field+" is required",
		)
	}
	return nil
}

// OneOf validates that value is one of the allowed values
func OneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return errors.ValidationError(
		"invalid_value",
		field+" must be one of: "+strings.Join(allowed, ", "),
	)
}
