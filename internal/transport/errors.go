package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/szibis/trace-batcher/internal/record"
)

// ErrorType is a low-cardinality category of send error.
type ErrorType string

const (
	ErrorTypeNetwork     ErrorType = "network"
	ErrorTypeTimeout     ErrorType = "timeout"
	ErrorTypeServerError ErrorType = "server_error"
	ErrorTypeClientError ErrorType = "client_error"
	ErrorTypeAuth        ErrorType = "auth"
	ErrorTypeRateLimit   ErrorType = "rate_limit"
	ErrorTypeTooLarge    ErrorType = "too_large"
	ErrorTypeCanceled    ErrorType = "canceled"
	ErrorTypeEncode      ErrorType = "encode"
	ErrorTypeUnknown     ErrorType = "unknown"
)

// SendError is a structured error returned by transports. It carries enough
// detail to decide between retrying, shrinking and giving up.
type SendError struct {
	Err        error
	Type       ErrorType
	StatusCode int
	// Message is the response body or error detail from the collector.
	Message string
	// RetryAfter is the collector's Retry-After hint, zero if none.
	RetryAfter time.Duration
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("send error: type=%s status=%d %s", e.Type, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("send error: type=%s %s", e.Type, e.Message)
}

func (e *SendError) Unwrap() error { return e.Err }

// IsRetryable reports whether the same batch may succeed later.
func (e *SendError) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeServerError, ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit,
		ErrorTypeCanceled, ErrorTypeTooLarge, ErrorTypeUnknown:
		return true
	default:
		return false
	}
}

// IsOversized reports whether the collector rejected the batch for its size.
func (e *SendError) IsOversized() bool {
	if e.Type == ErrorTypeTooLarge || e.StatusCode == http.StatusRequestEntityTooLarge {
		return true
	}
	return (e.StatusCode == http.StatusBadRequest || e.Type == ErrorTypeClientError) &&
		containsPayloadTooLarge(strings.ToLower(e.Message))
}

// containsPayloadTooLarge checks for common collector messages meaning the
// request exceeded a size limit.
func containsPayloadTooLarge(msg string) bool {
	for _, p := range []string{"too big", "too large", "exceeds", "max_request_size", "request entity too large", "message size"} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Classify maps a send error to an Outcome. nil is Success; a *SendError is
// classified by its type; other errors by inspection.
func Classify(err error) record.Outcome {
	if err == nil {
		return record.Succeeded()
	}
	var se *SendError
	if !errors.As(err, &se) {
		se = &SendError{Err: err, Type: classifyError(err)}
	}
	o := record.Outcome{Err: err, RetryAfter: se.RetryAfter, Oversized: se.IsOversized()}
	if se.IsRetryable() || o.Oversized {
		o.Kind = record.Retryable
	} else {
		o.Kind = record.Fatal
	}
	return o
}

// classifyError categorizes a plain error.
func classifyError(err error) ErrorType {
	switch {
	case err == nil:
		return ErrorTypeUnknown
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, ErrHandleClosed):
		return ErrorTypeCanceled
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorTypeTimeout
		}
		return ErrorTypeNetwork
	}
	msg := strings.ToLower(err.Error())
	for _, p := range []string{"connection refused", "no such host", "network is unreachable", "connection reset", "broken pipe", "eof"} {
		if strings.Contains(msg, p) {
			return ErrorTypeNetwork
		}
	}
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
		return ErrorTypeTimeout
	}
	return ErrorTypeUnknown
}

// classifyHTTPStatusCode categorizes a non-2xx HTTP status.
func classifyHTTPStatusCode(code int) ErrorType {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrorTypeAuth
	case code == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case code == http.StatusRequestTimeout:
		return ErrorTypeTimeout
	case code == http.StatusRequestEntityTooLarge:
		return ErrorTypeTooLarge
	case code >= 400 && code < 500:
		return ErrorTypeClientError
	case code >= 500:
		return ErrorTypeServerError
	default:
		return ErrorTypeUnknown
	}
}

// parseRetryAfter parses a Retry-After header: delta seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
