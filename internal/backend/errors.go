package backend

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error code values for machine-readable handling.
const (
	CodeAuthentication = "authentication"
	CodeRateLimit      = "rate_limit"
	CodeNetwork        = "network"
	CodeBackend        = "backend"
	CodeBadRequest     = "bad_request"
	CodeNotFound       = "not_found"
)

// Error is a typed backend failure. Retryable drives the retry policy;
// RetryAfter is honored when a rate-limited response supplies it.
type Error struct {
	Code       string
	Status     int
	Message    string
	Retryable  bool
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewAuthError creates a non-retryable authentication error.
func NewAuthError(message string) *Error {
	return &Error{Code: CodeAuthentication, Status: http.StatusUnauthorized, Message: message}
}

// NewNetworkError creates a retryable network error (timeouts included).
func NewNetworkError(message string) *Error {
	return &Error{Code: CodeNetwork, Message: message, Retryable: true}
}

// FromStatus maps an HTTP status to a typed error. Rate-limit and 5xx are
// retryable; auth, bad-request, and 404 are not.
func FromStatus(status int, message string) *Error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Code: CodeAuthentication, Status: status, Message: message}
	case status == http.StatusTooManyRequests:
		return &Error{Code: CodeRateLimit, Status: status, Message: message, Retryable: true}
	case status == http.StatusNotFound:
		return &Error{Code: CodeNotFound, Status: status, Message: message}
	case status == http.StatusBadRequest:
		return &Error{Code: CodeBadRequest, Status: status, Message: message}
	case status >= 500:
		return &Error{Code: CodeBackend, Status: status, Message: message, Retryable: true}
	default:
		return &Error{Code: CodeBackend, Status: status, Message: message}
	}
}

// IsRetryable reports whether err is a backend error flagged as retryable.
func IsRetryable(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Retryable
}

// IsAuthError reports whether err is an authentication failure.
func IsAuthError(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Code == CodeAuthentication
}
