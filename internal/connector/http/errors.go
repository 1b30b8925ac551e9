package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/nucleus/tracker-core/internal/tracker"
)

// HTTPError represents an HTTP error response.
type HTTPError struct {
	StatusCode int
	Message    string
	RetryAfter string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsRateLimited returns true if this is a rate limit error.
func (e *HTTPError) IsRateLimited() bool {
	return e.StatusCode == 429
}

// IsServerError returns true if this is a server error.
func (e *HTTPError) IsServerError() bool {
	return e.StatusCode >= 500
}

// StatusCode extracts the HTTP status from err, or 0.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

// IsRetryable reports whether another attempt may succeed: rate limiting,
// server errors, timeouts and dropped connections. Cancellation never is.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.IsRateLimited() || httpErr.IsServerError()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED)
}

// TransportError classifies err for the tracker engine.
func TransportError(service, op string, err error) *tracker.TransportError {
	return &tracker.TransportError{
		Service:    service,
		Op:         op,
		StatusCode: StatusCode(err),
		Retryable:  IsRetryable(err),
		Err:        err,
	}
}

// DecodeError reports a response body that could not be decoded. It is not
// retried.
func DecodeError(service, op string, err error) *tracker.TransportError {
	return &tracker.TransportError{
		Service: service,
		Op:      op,
		Err:     fmt.Errorf("decode response: %w", err),
	}
}
