package api

import (
	"errors"
	"fmt"
	"net/http"
)

// HTTPError reports a non-2xx response from the chat backend. The body is kept for logs; it is
// never surfaced to the user directly.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.Status, e.Body)
}

// IsAuth reports whether err is a missing or expired credential failure. Auth failures are never
// retried; the caller should prompt for sign-in instead.
func IsAuth(err error) bool {
	var he *HTTPError
	if !errors.As(err, &he) {
		return false
	}
	return he.Status == http.StatusUnauthorized || he.Status == http.StatusForbidden
}

// IsRateLimit reports whether err is an HTTP 429. Rate limiting is retried with backoff and
// surfaced with a dedicated message, without discarding any cached state.
func IsRateLimit(err error) bool {
	var he *HTTPError
	if !errors.As(err, &he) {
		return false
	}
	return he.Status == http.StatusTooManyRequests
}
