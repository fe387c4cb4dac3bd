// Package validation provides request validation helpers for the HTTP API.
package validation

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/taskpay/internal/apperr"
	"github.com/mbd888/taskpay/internal/money"
)

// MaxRequestSize is the maximum request body size (1MB). Gateway webhook
// payloads are well below this.
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-text fields
const MaxStringLength = 10000

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// SanitizeString trims whitespace, removes null bytes and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// FieldError describes one invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// FieldErrors is a collection of field errors
type FieldErrors []FieldError

func (e FieldErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Err converts the collection into an apperr validation error naming the
// first offending field, or nil when empty.
func (e FieldErrors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return apperr.Validation(e[0].Field, e[0].Message)
}

// Check is a single validation rule.
type Check func() *FieldError

// Validate runs every check and collects the failures.
func Validate(checks ...Check) FieldErrors {
	var errs FieldErrors
	for _, check := range checks {
		if err := check(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) Check {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) Check {
	return func() *FieldError {
		if len(value) > max {
			return &FieldError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidCurrency checks for a three-letter ISO-4217 style code.
// Empty values pass; combine with Required when needed.
func ValidCurrency(field, value string) Check {
	return func() *FieldError {
		if value == "" {
			return nil
		}
		if _, err := money.NormalizeCurrency(value); err != nil {
			return &FieldError{Field: field, Message: "must be a three-letter currency code"}
		}
		return nil
	}
}

// ValidAmount checks that value is a positive decimal with no more
// fractional digits than the currency allows.
func ValidAmount(field, value, currency string) Check {
	return func() *FieldError {
		if value == "" {
			return nil
		}
		if _, err := money.Parse(value, currency); err != nil {
			return &FieldError{Field: field, Message: "must be a positive amount in " + strings.ToUpper(currency)}
		}
		return nil
	}
}

// OneOf checks that value is one of the allowed options.
func OneOf(field, value string, allowed ...string) Check {
	return func() *FieldError {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &FieldError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}
