// ABOUTME: Error types for the completion port
// ABOUTME: UpstreamError wraps provider failures and classifies them for retry

package completion

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// ErrStreamTruncated is reported when a stream ends without a terminal event.
var ErrStreamTruncated = errors.New("stream ended without completion")

// UpstreamError wraps a failure from the completion provider.
type UpstreamError struct {
	Provider string
	Op       string // "complete" or "stream"
	Err      error
}

func (e *UpstreamError) Error() string {
	if e == nil {
		return "upstream error"
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Message is the text safe to show an end user.
func (e *UpstreamError) Message() string {
	if e == nil || e.Err == nil {
		return "unknown upstream error"
	}
	var apiErr *openai.APIError
	if errors.As(e.Err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return "completion timed out"
	}
	return e.Err.Error()
}

// IsUpstreamError reports whether err is or wraps an UpstreamError.
func IsUpstreamError(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}

// retryable reports whether a failed call may succeed if repeated.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
