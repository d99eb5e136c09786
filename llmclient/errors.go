package llmclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"
)

// ProviderError is the error type providers surface for failed calls. Either
// StatusCode (HTTP) or Code (network-style, e.g. "ECONNRESET") may be set.
type ProviderError struct {
	Message    string
	Provider   string
	StatusCode int
	Code       string
	RetryAfter *time.Duration
	Cause      error
}

func (e *ProviderError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("[%s] %s (status=%d)", e.Provider, e.Message, e.StatusCode)
	case e.Code != "":
		return fmt.Sprintf("[%s] %s (code=%s)", e.Provider, e.Message, e.Code)
	default:
		return fmt.Sprintf("[%s] %s", e.Provider, e.Message)
	}
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// NewProviderError builds a ProviderError from an HTTP status code.
func NewProviderError(provider string, statusCode int, message string, cause error) *ProviderError {
	return &ProviderError{
		Message:    message,
		Provider:   provider,
		StatusCode: statusCode,
		Cause:      cause,
	}
}

var retryableStatusCodes = map[int]bool{
	408: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

var retryableNetCodes = map[string]bool{
	"ECONNRESET":   true,
	"ECONNREFUSED": true,
	"ETIMEDOUT":    true,
	"ENOTFOUND":    true,
	"EAI_AGAIN":    true,
	"EPIPE":        true,
}

var retryableErrnos = map[syscall.Errno]bool{
	syscall.ECONNRESET:   true,
	syscall.ECONNREFUSED: true,
	syscall.ETIMEDOUT:    true,
	syscall.EPIPE:        true,
}

// Message patterns that mark a failure as transient even when no structured
// status or code survived the provider's error translation.
var retryableMessagePatterns = []string{
	"rate limit",
	"rate_limit",
	"too many requests",
	"timeout",
	"timed out",
	"service unavailable",
	"service_unavailable",
	"connection reset",
	"connection refused",
	"network error",
	"socket hang up",
	"overloaded",
}

// IsRetryableError reports whether err represents a transient failure worth
// retrying. It walks the Unwrap chain looking for a retryable HTTP status, a
// retryable network error code, or a recognizable message pattern. Anything
// else is non-retryable.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		if retryableStatusCodes[pe.StatusCode] {
			return true
		}
		if retryableNetCodes[strings.ToUpper(pe.Code)] {
			return true
		}
	}
	var errno syscall.Errno
	if errors.As(err, &errno) && retryableErrnos[errno] {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range retryableMessagePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
