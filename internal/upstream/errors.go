// Package upstream implements the client for the conversational backend:
// request framing, SSE and WebSocket stream sources, credential handling,
// and connection-level resilience.
package upstream

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	log "github.com/nghyane/llm-relay/internal/logging"
)

// ErrIdleTimeout is returned by a Source when the backend stopped sending
// before a terminal lifecycle message and the idle watchdog closed the
// connection.
var ErrIdleTimeout = errors.New("upstream stream idle timeout")

// StatusError is a non-2xx response from the backend.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, summarizeBody(e.Body))
}

// IsAuthError reports whether err is a 401 that should trigger a
// credential refresh.
func IsAuthError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized
}

// IsRetryable reports whether a request-level error is worth another
// connect attempt: transport failures, 429, and 5xx. Auth errors are not
// retryable here; they go through the refresh path instead.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	if IsAuthError(err) {
		return false
	}
	// Transport-level failure.
	return true
}

// handleHTTPError drains the error body and returns a categorized error.
// The caller keeps ownership of resp.Body and must close it.
func handleHTTPError(resp *http.Response, name string) error {
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
	if readErr != nil {
		return fmt.Errorf("%s: read error response body: %w", name, readErr)
	}
	log.Debugf("%s: error status: %d, body: %s", name, resp.StatusCode, summarizeBody(string(body)))
	return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
}

func summarizeBody(body string) string {
	body = strings.TrimSpace(body)
	if len(body) > 200 {
		return body[:200] + "..."
	}
	return body
}
