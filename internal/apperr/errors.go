// Package apperr defines the error taxonomy shared by snapshot, run and patch services.
package apperr

import (
	"fmt"
	"net/http"

	errors "github.com/Laisky/errors/v2"
)

// ErrorCode identifies a machine-stable error code.
type ErrorCode string

const (
	ErrCodeNotFound            ErrorCode = "NOT_FOUND"
	ErrCodeStateConflict       ErrorCode = "STATE_CONFLICT"
	ErrCodeIdempotencyConflict ErrorCode = "IDEMPOTENCY_CONFLICT"
	ErrCodeBlobSizeMismatch    ErrorCode = "BLOB_SIZE_MISMATCH"
	ErrCodeValidation          ErrorCode = "VALIDATION_FAILED"
	ErrCodeHashMismatch        ErrorCode = "HASH_MISMATCH"
	ErrCodeContentRequired     ErrorCode = "CONTENT_REQUIRED"
	ErrCodePayloadTooLarge     ErrorCode = "PAYLOAD_TOO_LARGE"
	ErrCodeQuotaExceeded       ErrorCode = "QUOTA_EXCEEDED"
	ErrCodeRateLimited         ErrorCode = "RATE_LIMITED"
	ErrCodeUnauthorized        ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden           ErrorCode = "FORBIDDEN"
	ErrCodeWorkerFailed        ErrorCode = "WORKER_FAILED"
	ErrCodeUpstreamFailure     ErrorCode = "UPSTREAM_FAILURE"
	ErrCodeUpstreamTimeout     ErrorCode = "UPSTREAM_TIMEOUT"
	ErrCodeUnavailable         ErrorCode = "UNAVAILABLE"
	ErrCodeInternal            ErrorCode = "INTERNAL"
)

// Category groups error codes into the caller-facing taxonomy.
type Category string

const (
	CategoryNotFound        Category = "not-found"
	CategoryStateConflict   Category = "state-conflict"
	CategoryValidation      Category = "validation"
	CategoryResourceLimit   Category = "resource-limit"
	CategoryRateLimited     Category = "rate-limited"
	CategoryUnauthorized    Category = "unauthorized"
	CategoryUpstreamFailure Category = "upstream-failure"
	CategoryUnavailable     Category = "unavailable"
	CategoryInternal        Category = "internal"
)

type codeInfo struct {
	category Category
	status   int
}

var codeTable = map[ErrorCode]codeInfo{
	ErrCodeNotFound:            {CategoryNotFound, http.StatusNotFound},
	ErrCodeStateConflict:       {CategoryStateConflict, http.StatusConflict},
	ErrCodeIdempotencyConflict: {CategoryStateConflict, http.StatusConflict},
	ErrCodeBlobSizeMismatch:    {CategoryStateConflict, http.StatusConflict},
	ErrCodeValidation:          {CategoryValidation, http.StatusUnprocessableEntity},
	ErrCodeHashMismatch:        {CategoryValidation, http.StatusUnprocessableEntity},
	ErrCodeContentRequired:     {CategoryValidation, http.StatusUnprocessableEntity},
	ErrCodePayloadTooLarge:     {CategoryResourceLimit, http.StatusRequestEntityTooLarge},
	ErrCodeQuotaExceeded:       {CategoryResourceLimit, http.StatusRequestEntityTooLarge},
	ErrCodeRateLimited:         {CategoryRateLimited, http.StatusTooManyRequests},
	ErrCodeUnauthorized:        {CategoryUnauthorized, http.StatusUnauthorized},
	ErrCodeForbidden:           {CategoryUnauthorized, http.StatusForbidden},
	ErrCodeWorkerFailed:        {CategoryUpstreamFailure, http.StatusBadGateway},
	ErrCodeUpstreamFailure:     {CategoryUpstreamFailure, http.StatusBadGateway},
	ErrCodeUpstreamTimeout:     {CategoryUpstreamFailure, http.StatusGatewayTimeout},
	ErrCodeUnavailable:         {CategoryUnavailable, http.StatusServiceUnavailable},
	ErrCodeInternal:            {CategoryInternal, http.StatusInternalServerError},
}

// Error captures a typed application error with retryability metadata.
type Error struct {
	Code      ErrorCode
	Message   string
	Retryable bool
	// Details carries structured context for conflicts, such as expected and current values.
	Details map[string]any
}

// Error returns the error message.
func (e *Error) Error() string {
	if e == nil {
		return "app error: <nil>"
	}
	if e.Message == "" {
		return fmt.Sprintf("app error: %s", e.Code)
	}
	return e.Message
}

// Category returns the taxonomy category of the error code.
func (e *Error) Category() Category {
	if e == nil {
		return CategoryInternal
	}
	return CategoryOf(e.Code)
}

// HTTPStatus returns the HTTP status mapped to the error code.
func (e *Error) HTTPStatus() int {
	if e == nil {
		return http.StatusInternalServerError
	}
	return HTTPStatusOf(e.Code)
}

// WithDetails returns the error after attaching structured details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// New constructs a typed application error.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: code == ErrCodeRateLimited || code == ErrCodeUnavailable}
}

// Newf constructs a typed application error with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// AsError extracts a typed application error from the error chain.
func AsError(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed, true
	}
	return nil, false
}

// IsCode reports whether the error chain contains the given code.
func IsCode(err error, code ErrorCode) bool {
	if typed, ok := AsError(err); ok {
		return typed.Code == code
	}
	return false
}

// CategoryOf returns the category for a code, defaulting to internal.
func CategoryOf(code ErrorCode) Category {
	if info, ok := codeTable[code]; ok {
		return info.category
	}
	return CategoryInternal
}

// HTTPStatusOf returns the HTTP status for a code, defaulting to 500.
func HTTPStatusOf(code ErrorCode) int {
	if info, ok := codeTable[code]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}
