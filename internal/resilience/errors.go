package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// ErrorClass is a coarse bucket for provider failures, used in logs.
type ErrorClass string

// Error classes.
const (
	ClassQuota     ErrorClass = "quota"
	ClassTransient ErrorClass = "transient"
	ClassCanceled  ErrorClass = "canceled"
	ClassPermanent ErrorClass = "permanent"
)

// StatusError wraps a provider error with its HTTP status code.
type StatusError struct {
	Err        error
	StatusCode int
}

func (e *StatusError) Error() string {
	return e.Err.Error()
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// WithStatus wraps err with an HTTP status code. A nil err stays nil.
func WithStatus(err error, statusCode int) error {
	if err == nil {
		return nil
	}
	return &StatusError{Err: err, StatusCode: statusCode}
}

// StatusCode extracts the HTTP status code from an error chain, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// ClassifyError buckets an error for logging. Every class is still retried
// by the scheduler; the class only explains what happened.
func ClassifyError(err error) ErrorClass {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ClassCanceled
	case IsQuota(err):
		return ClassQuota
	case IsTransient(err):
		return ClassTransient
	default:
		return ClassPermanent
	}
}

// IsQuota reports whether err looks like a rate-limit or quota rejection.
func IsQuota(err error) bool {
	if err == nil {
		return false
	}
	if StatusCode(err) == 429 {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range []string{"resource_exhausted", "resource exhausted", "rate limit", "quota", "too many requests"} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransient returns true if the error carries a retry-safe status code or
// matches common network failure patterns.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if code := StatusCode(err); code != 0 {
		return IsTransientHTTPStatus(code)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"no such host",
		"i/o timeout",
		"server closed idle connection",
		"overloaded",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus returns true for status codes that indicate a
// transient server-side issue.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504, 529:
		return true
	default:
		return false
	}
}
