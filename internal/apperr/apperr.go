package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

type Code string

const (
	CodeUnauthenticated  Code = "UNAUTHENTICATED"
	CodeNotFound         Code = "NOT_FOUND"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeMuted            Code = "MUTED"
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeUnavailable      Code = "UNAVAILABLE"
	CodeInternal         Code = "INTERNAL"
)

// Error is a domain error carried back to clients through acks and HTTP
// responses.
type Error struct {
	Code    Code
	Message string
	// RetryAfter is set for rate limit rejections only.
	RetryAfter time.Duration
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by code, so errors.Is(err, apperr.ErrNotFound) works for
// any not found error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrUnauthenticated = &Error{Code: CodeUnauthenticated}
	ErrNotFound        = &Error{Code: CodeNotFound}
	ErrNotAuthorized   = &Error{Code: CodePermissionDenied}
	ErrMuted           = &Error{Code: CodeMuted}
	ErrValidation      = &Error{Code: CodeInvalidArgument}
	ErrRateLimited     = &Error{Code: CodeRateLimited}
	ErrUnavailable     = &Error{Code: CodeUnavailable}
)

func Authentication(message string) *Error {
	return &Error{Code: CodeUnauthenticated, Message: message}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func NotAuthorized(format string, args ...any) *Error {
	return &Error{Code: CodePermissionDenied, Message: fmt.Sprintf(format, args...)}
}

func Muted(until time.Time) *Error {
	return &Error{
		Code:    CodeMuted,
		Message: fmt.Sprintf("muted until %s", until.UTC().Format(time.RFC3339)),
	}
}

func Validation(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

func RateLimited(retryAfter time.Duration) *Error {
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &Error{
		Code:       CodeRateLimited,
		Message:    "rate limit exceeded",
		RetryAfter: retryAfter,
	}
}

// Unavailable wraps an infrastructure failure of the shared or durable store.
// Domain errors pass through untouched.
func Unavailable(cause error) error {
	if cause == nil {
		return nil
	}
	var e *Error
	if errors.As(cause, &e) {
		return cause
	}
	return &Error{Code: CodeUnavailable, Message: "store unavailable", Cause: cause}
}

func Internal(cause error) *Error {
	return &Error{Code: CodeInternal, Message: "internal error", Cause: cause}
}

// CodeOf returns the domain code of err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Message returns the client facing message for err. Causes of foreign
// errors are not exposed.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Message != "" {
			return e.Message
		}
		return string(e.Code)
	}
	return "internal error"
}

func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodePermissionDenied, CodeMuted:
		return http.StatusForbidden
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
