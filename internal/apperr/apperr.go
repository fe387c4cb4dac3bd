// Package apperr defines the error taxonomy shared by the settlement engine
// and its mapping onto HTTP responses.
package apperr

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Kind classifies an error for propagation and transport mapping.
type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindAuthentication    Kind = "authentication_error"
	KindForbidden         Kind = "forbidden"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindExternalService   Kind = "external_service_error"
	KindFatalConfig       Kind = "fatal_config_error"
	KindInternal          Kind = "internal_error"
)

// Error is a classified error. Package-level sentinels are *Error values and
// are matched with errors.Is; wrapped causes stay reachable through Unwrap.
type Error struct {
	Kind    Kind   `json:"error"`
	Code    string `json:"-"` // overrides Kind as the response error code
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Coded creates a classified error with a specific response code, such as
// "no_reserved_funds" under KindConflict.
func Coded(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Validation reports a bad input field.
func Validation(field, message string) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: message}
}

// External reports a failed dependency (gateway, rate lookup).
func External(message string, err error) *Error {
	return Wrap(KindExternalService, message, err)
}

// KindOf returns the kind of the first classified error in the chain, or
// KindInternal if none is found.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether any error in err's chain has the given kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

// HTTPStatus maps a kind to its response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation, KindInsufficientFunds:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindExternalService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Respond writes err as a JSON error body. Internal errors never leak their
// message to the caller.
func Respond(c *gin.Context, err error) {
	var e *Error
	if !errors.As(err, &e) {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   string(KindInternal),
			"message": "An unexpected error occurred",
		})
		return
	}

	code := string(e.Kind)
	if e.Code != "" {
		code = e.Code
	}
	body := gin.H{
		"error":   code,
		"message": e.Message,
	}
	if e.Field != "" {
		body["field"] = e.Field
	}
	if e.Kind == KindFatalConfig || e.Kind == KindInternal {
		body["message"] = "An unexpected error occurred"
	}
	c.JSON(HTTPStatus(e.Kind), body)
}
