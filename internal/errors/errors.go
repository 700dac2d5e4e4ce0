// Package errors defines the service-level error type used at the HTTP
// boundary and the translation from data-layer errors to it.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/fastmango/fastmango/pkg/orm"
)

// Re-exported so callers can import a single errors package.
var (
	Is  = errors.Is
	As  = errors.As
	New = errors.New
)

// ErrorCode is a stable machine-readable error identifier.
type ErrorCode string

const (
	CodeBadRequest    ErrorCode = "BAD_REQUEST"
	CodeInvalidField  ErrorCode = "INVALID_FIELD"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeConflict      ErrorCode = "CONFLICT"
	CodeUnauthorized  ErrorCode = "UNAUTHORIZED"
	CodeInvalidToken  ErrorCode = "INVALID_TOKEN"
	CodeRateLimited   ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeInternal      ErrorCode = "INTERNAL_ERROR"
	CodeNotPersisted  ErrorCode = "NOT_PERSISTED"
	CodeNoSession     ErrorCode = "SESSION_UNAVAILABLE"
	CodeToolNotFound  ErrorCode = "TOOL_NOT_FOUND"
	CodeToolArguments ErrorCode = "INVALID_ARGUMENTS"
)

// ServiceError is an error carrying the HTTP status it should surface as.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	HTTPStatus int                    `json:"-"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails returns e with key set in its details.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func newError(code ErrorCode, status int, message string, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

func BadRequest(message string) *ServiceError {
	return newError(CodeBadRequest, http.StatusBadRequest, message, nil)
}

func NotFound(resource string) *ServiceError {
	return newError(CodeNotFound, http.StatusNotFound, resource+" not found", nil)
}

func Conflict(message string, err error) *ServiceError {
	return newError(CodeConflict, http.StatusConflict, message, err)
}

func Unauthorized(message string) *ServiceError {
	if message == "" {
		message = "Unauthorized"
	}
	return newError(CodeUnauthorized, http.StatusUnauthorized, message, nil)
}

func InvalidToken(err error) *ServiceError {
	return newError(CodeInvalidToken, http.StatusUnauthorized, "Invalid or expired token", err)
}

// RateLimitExceeded reports that limit requests per window were exceeded.
func RateLimitExceeded(limit int, window string) *ServiceError {
	return newError(CodeRateLimited, http.StatusTooManyRequests, "Rate limit exceeded", nil).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

func ToolNotFound(name string) *ServiceError {
	return newError(CodeToolNotFound, http.StatusNotFound, fmt.Sprintf("Tool '%s' not found", name), nil)
}

func InvalidArguments(message string, err error) *ServiceError {
	return newError(CodeToolArguments, http.StatusBadRequest, message, err)
}

func Internal(message string, err error) *ServiceError {
	return newError(CodeInternal, http.StatusInternalServerError, message, err)
}

// GetServiceError returns the ServiceError in err's chain, or nil.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	return nil
}

// FromError converts err into a ServiceError, mapping data-layer errors to
// client-facing statuses. Unknown errors become internal errors.
func FromError(err error) *ServiceError {
	if err == nil {
		return nil
	}
	if se := GetServiceError(err); se != nil {
		return se
	}

	var (
		notFound  *orm.NotFoundError
		invalid   *orm.InvalidFieldError
		integrity *orm.IntegrityError
	)
	switch {
	case errors.As(err, &notFound):
		return newError(CodeNotFound, http.StatusNotFound, notFound.Error(), err)
	case errors.As(err, &invalid):
		return newError(CodeInvalidField, http.StatusBadRequest, invalid.Error(), err).
			WithDetails("field", invalid.Field)
	case errors.As(err, &integrity):
		se := Conflict("constraint violation", err)
		if integrity.Constraint != "" {
			se.WithDetails("constraint", integrity.Constraint)
		}
		return se
	case errors.Is(err, orm.ErrInvalidValue):
		return newError(CodeBadRequest, http.StatusBadRequest, err.Error(), err)
	case errors.Is(err, orm.ErrNotPersisted):
		return newError(CodeNotPersisted, http.StatusBadRequest, "record has not been saved", err)
	case errors.Is(err, orm.ErrSessionUnavailable):
		return newError(CodeNoSession, http.StatusInternalServerError, "database session not available", err)
	}
	return Internal("internal server error", err)
}
