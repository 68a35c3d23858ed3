// Package resilience provides the error taxonomy, retry policy, and circuit
// breakers used when calling external AI providers.
package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// ErrorKind classifies a provider failure for retry and dead-letter decisions.
type ErrorKind string

const (
	KindTimeout         ErrorKind = "timeout"
	KindConnectionError ErrorKind = "connection_error"
	KindRateLimited     ErrorKind = "rate_limited"
	KindServerError     ErrorKind = "server_error"
	KindAuthError       ErrorKind = "auth_error"
	KindValidationError ErrorKind = "validation_error"
	KindContentPolicy   ErrorKind = "content_policy"
	KindParseError      ErrorKind = "parse_error"
	KindUnknown         ErrorKind = "unknown"
)

// Retryable reports whether a failure of this kind may be retried. Auth,
// validation, and content-policy failures are dead-lettered on first
// occurrence; parse errors never fail a task at all.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindAuthError, KindValidationError, KindContentPolicy:
		return false
	}
	return true
}

// ProviderError wraps a provider failure with its classified kind and the
// HTTP status code when one was observed.
type ProviderError struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	return e.Err.Error()
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError wraps err with an explicit kind.
func NewProviderError(kind ErrorKind, err error) *ProviderError {
	return &ProviderError{Kind: kind, Err: err}
}

// FromHTTPStatus classifies an HTTP status code into an error kind.
func FromHTTPStatus(code int) ErrorKind {
	switch {
	case code == 401 || code == 403:
		return KindAuthError
	case code == 408:
		return KindTimeout
	case code == 422 || code == 400:
		return KindValidationError
	case code == 429:
		return KindRateLimited
	case code >= 500:
		return KindServerError
	default:
		return KindUnknown
	}
}

// Classify maps an arbitrary error to its kind. Explicit ProviderErrors win;
// otherwise network-level checks and string heuristics apply. Unrecognized
// errors classify as unknown, which is retryable.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return KindConnectionError
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "rate limit", "too many requests", "429"):
		return KindRateLimited
	case containsAny(msg, "timeout", "deadline exceeded", "timed out"):
		return KindTimeout
	case containsAny(msg,
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"server closed idle connection",
		"transport connection broken",
		"connection refused"):
		return KindConnectionError
	case containsAny(msg, "unauthorized", "invalid api key", "authentication"):
		return KindAuthError
	case containsAny(msg, "content policy", "content filtered", "refused to respond"):
		return KindContentPolicy
	}

	return KindUnknown
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
