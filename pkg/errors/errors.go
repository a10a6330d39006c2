// Package errors defines the typed application errors shared by the stores,
// sources and HTTP layer.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// ErrorType classifies an error for retry decisions and HTTP mapping
type ErrorType string

const (
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeConflict    ErrorType = "conflict"
	ErrorTypeRateLimit   ErrorType = "rate_limit"
	ErrorTypeUnavailable ErrorType = "unavailable"
	ErrorTypeInternal    ErrorType = "internal"
	ErrorTypeExternal    ErrorType = "external"
	ErrorTypeTimeout     ErrorType = "timeout"
)

var httpStatuses = map[ErrorType]int{
	ErrorTypeValidation:  http.StatusBadRequest,
	ErrorTypeNotFound:    http.StatusNotFound,
	ErrorTypeConflict:    http.StatusConflict,
	ErrorTypeRateLimit:   http.StatusTooManyRequests,
	ErrorTypeUnavailable: http.StatusServiceUnavailable,
	ErrorTypeExternal:    http.StatusBadGateway,
	ErrorTypeTimeout:     http.StatusGatewayTimeout,
}

// HTTPStatus is the response status for errors of this type
func (t ErrorType) HTTPStatus() int {
	if status, ok := httpStatuses[t]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Error codes
const (
	CodeValidation   = "VALIDATION_ERROR"
	CodeNotFound     = "NOT_FOUND"
	CodeConflict     = "CONFLICT"
	CodeRateLimit    = "RATE_LIMIT_EXCEEDED"
	CodeUnavailable  = "SERVICE_UNAVAILABLE"
	CodeInternal     = "INTERNAL_ERROR"
	CodeExternal     = "EXTERNAL_SERVICE_ERROR"
	CodeTimeout      = "TIMEOUT"
	CodeUpstreamHTTP = "UPSTREAM_HTTP_ERROR"
	CodeSource       = "SOURCE_ERROR"
	CodeParse        = "PARSE_ERROR"
	CodeUnknown      = "UNKNOWN_ERROR"
)

// AppError is an error with a type, a stable code and string details
type AppError struct {
	Type    ErrorType         `json:"type"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
	Cause   error             `json:"-"`
}

func (e *AppError) Error() string {
	var b strings.Builder
	b.WriteString(e.Code)
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteString(")")
	}
	return b.String()
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, code, message string) *AppError {
	return &AppError{Type: errorType, Code: code, Message: message}
}

// WithCause sets the wrapped error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

func NewValidationError(message string) *AppError {
	return NewAppError(ErrorTypeValidation, CodeValidation, message)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrorTypeNotFound, CodeNotFound, resource+" not found")
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrorTypeConflict, CodeConflict, message)
}

func NewRateLimitError(message string) *AppError {
	return NewAppError(ErrorTypeRateLimit, CodeRateLimit, message)
}

func NewUnavailableError(service, message string) *AppError {
	return NewAppError(ErrorTypeUnavailable, CodeUnavailable, message).WithDetail("service", service)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, CodeInternal, message)
}

func NewExternalError(service, message string) *AppError {
	return NewAppError(ErrorTypeExternal, CodeExternal, message).WithDetail("service", service)
}

func NewTimeoutError(operation string) *AppError {
	return NewAppError(ErrorTypeTimeout, CodeTimeout, operation+" timed out")
}

// NewHTTPStatusError reports a non-success upstream HTTP status. The status
// code is kept in Details so retry classification can inspect it.
func NewHTTPStatusError(service string, statusCode int) *AppError {
	errorType := ErrorTypeExternal
	if statusCode == http.StatusTooManyRequests {
		errorType = ErrorTypeRateLimit
	}
	return NewAppError(errorType, CodeUpstreamHTTP, fmt.Sprintf("%s returned HTTP %d", service, statusCode)).
		WithDetail("service", service).
		WithDetail("status_code", strconv.Itoa(statusCode))
}

// NewSourceError reports a misconfigured or misbehaving annotation source
func NewSourceError(sourceName, message string) *AppError {
	return NewAppError(ErrorTypeInternal, CodeSource, message).WithDetail("source", sourceName)
}

// NewParseError reports an upstream body that could not be decoded
func NewParseError(sourceName string, cause error) *AppError {
	return NewAppError(ErrorTypeExternal, CodeParse, "failed to parse upstream response").
		WithDetail("source", sourceName).
		WithCause(cause)
}

// walk calls fn for every AppError in the chain until fn returns true
func walk(err error, fn func(*AppError) bool) bool {
	for ; err != nil; err = stderrors.Unwrap(err) {
		if appErr, ok := err.(*AppError); ok && fn(appErr) {
			return true
		}
	}
	return false
}

// IsType checks if any AppError in the error chain is of a specific type
func IsType(err error, errorType ErrorType) bool {
	return walk(err, func(e *AppError) bool { return e.Type == errorType })
}

// IsNotFound reports whether the error chain carries a not-found error
func IsNotFound(err error) bool {
	return IsType(err, ErrorTypeNotFound)
}

// StatusCode returns the upstream HTTP status carried by the error chain, or 0
func StatusCode(err error) int {
	status := 0
	walk(err, func(e *AppError) bool {
		code, convErr := strconv.Atoi(e.Details["status_code"])
		if convErr != nil {
			return false
		}
		status = code
		return true
	})
	return status
}

// Classify returns the outermost AppError of err. Other errors become a
// timeout for an expired deadline and an unknown internal error otherwise.
func Classify(err error) *AppError {
	var appErr *AppError
	switch {
	case stderrors.As(err, &appErr):
		return appErr
	case stderrors.Is(err, context.DeadlineExceeded):
		return NewTimeoutError("request").WithCause(err)
	default:
		return NewAppError(ErrorTypeInternal, CodeUnknown, "An unknown error occurred").WithCause(err)
	}
}

// GetCode returns the code of the first AppError in the chain
func GetCode(err error) string {
	return Classify(err).Code
}

// GetType returns the type of the first AppError in the chain
func GetType(err error) ErrorType {
	return Classify(err).Type
}
