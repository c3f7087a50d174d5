package remote

import (
	"fmt"
	"time"
)

// RateLimitError reports an HTTP 429 from the remote store. RetryAfter is the
// parsed Retry-After header, zero when the header is absent or unparseable.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("remote: rate limited, retry after %s", e.RetryAfter)
	}
	return "remote: rate limited"
}

// APIError reports a non-retryable 4xx response. The body is truncated to
// keep logs readable.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote: api error %d: %s", e.Status, e.Body)
}
