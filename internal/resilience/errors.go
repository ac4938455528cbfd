package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// MalformedError marks a dependency response that violated the expected
// schema. It is not retried against the same input and never counts
// toward the circuit breaker: the dependency is up, the payload is bad.
type MalformedError struct {
	Err error
}

func (e *MalformedError) Error() string {
	return "malformed response: " + e.Err.Error()
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

// NewMalformedError wraps a schema/validation failure.
func NewMalformedError(err error) *MalformedError {
	return &MalformedError{Err: err}
}

// IsMalformed reports whether err (or anything in its chain) is a
// MalformedError.
func IsMalformed(err error) bool {
	var me *MalformedError
	return errors.As(err, &me)
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures). Malformed responses are never
// transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsMalformed(err) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
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

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
		"overloaded",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsCancellation reports whether err was caused by the caller giving up
// rather than the dependency failing. Cancelled work is re-queued, not
// recorded as a failure.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}

// ErrorKind buckets an error for counters and the audit trail.
type ErrorKind string

const (
	ErrorKindTransient ErrorKind = "transient"
	ErrorKindBreaker   ErrorKind = "breaker_open"
	ErrorKindMalformed ErrorKind = "malformed"
	ErrorKindPermanent ErrorKind = "permanent"
)

// ClassifyError maps an error onto the taxonomy used by run counters
// and the audit destination.
func ClassifyError(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return ErrorKindBreaker
	case IsMalformed(err):
		return ErrorKindMalformed
	case IsTransient(err):
		return ErrorKindTransient
	default:
		return ErrorKindPermanent
	}
}
