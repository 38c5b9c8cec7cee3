package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Error represents an application error carrying the HTTP status it maps to.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`

	// sentinel is the error this one was derived from with Wrap or Withf.
	sentinel *Error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors derived from the same sentinel, so
// errors.Is(ErrConflict.Withf(...), ErrConflict) holds while distinct
// sentinels sharing a status code stay distinct.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.origin() == t.origin()
}

func (e *Error) origin() *Error {
	if e.sentinel != nil {
		return e.sentinel
	}
	return e
}

// JSON returns the error as a JSON string
func (e *Error) JSON() string {
	b, _ := json.Marshal(e)
	return string(b)
}

// Wrap returns a copy of e carrying cause. Sentinels are never mutated.
func (e *Error) Wrap(cause error) *Error {
	return &Error{Code: e.Code, Message: e.Message, Err: cause, sentinel: e.origin()}
}

// Withf returns a copy of e with a formatted message suffix.
func (e *Error) Withf(format string, args ...any) *Error {
	return &Error{Code: e.Code, Message: e.Message + ": " + fmt.Sprintf(format, args...), Err: e.Err, sentinel: e.origin()}
}

// New creates a new Error
func New(code int, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// From converts any error to *Error, defaulting to 500.
func From(err error) *Error {
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return ErrInternalServer.Wrap(err)
}

// StatusCode returns the HTTP status for err.
func StatusCode(err error) int {
	return From(err).Code
}

// Common error types
var (
	ErrBadRequest         = New(http.StatusBadRequest, "Bad request", nil)
	ErrUnauthorized       = New(http.StatusUnauthorized, "Unauthorized", nil)
	ErrForbidden          = New(http.StatusForbidden, "Forbidden", nil)
	ErrNotFound           = New(http.StatusNotFound, "Not found", nil)
	ErrConflict           = New(http.StatusConflict, "Conflict", nil)
	ErrUnprocessable      = New(http.StatusUnprocessableEntity, "Unprocessable entity", nil)
	ErrInternalServer     = New(http.StatusInternalServerError, "Internal server error", nil)
	ErrBadGateway         = New(http.StatusBadGateway, "Upstream processor error", nil)
	ErrServiceUnavailable = New(http.StatusServiceUnavailable, "Service unavailable", nil)
)

// Database error types
var (
	ErrDatabaseQuery       = New(http.StatusInternalServerError, "Database query error", nil)
	ErrDatabaseTransaction = New(http.StatusInternalServerError, "Database transaction error", nil)
)

// Validation error types
var (
	ErrValidation   = New(http.StatusBadRequest, "Validation error", nil)
	ErrInvalidInput = New(http.StatusBadRequest, "Invalid input", nil)
)

// Authentication error types
var (
	ErrTokenExpired = New(http.StatusUnauthorized, "Token expired", nil)
	ErrInvalidToken = New(http.StatusUnauthorized, "Invalid token", nil)
)

// ErrorMiddleware renders the last error attached with c.Error.
func ErrorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		appErr := From(c.Errors.Last().Err)
		c.AbortWithStatusJSON(appErr.Code, gin.H{"error": appErr.Message})
	}
}
