package upstream

import (
	"errors"
	"fmt"
)

var (
	// ErrRetriesExhausted matches every *RetriesExhaustedError via errors.Is.
	ErrRetriesExhausted = errors.New("upstream: retries exhausted")
	// ErrPaginationOverflow is returned when a listing exceeds the page ceiling.
	ErrPaginationOverflow = errors.New("upstream: pagination overflow")
)

// bodySnippetLimit bounds the response body kept in an HTTPError.
const bodySnippetLimit = 500

// NetworkError is a transport-level failure: dial, timeout, reset, unreadable
// or undecodable body. It is retried.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error for %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPError is an upstream response with a non-2xx status. Only 429 and 5xx
// are retried; any other status is returned as is.
type HTTPError struct {
	URL    string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d for %s", e.Status, e.URL)
	}
	return fmt.Sprintf("HTTP %d for %s: %s", e.Status, e.URL, e.Body)
}

// Transient reports whether the status is retried.
func (e *HTTPError) Transient() bool {
	return isTransientStatus(e.Status)
}

// RetriesExhaustedError wraps the last failure once the attempt budget for
// one failure class is spent.
type RetriesExhaustedError struct {
	URL      string
	Attempts int
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted for %s after %d attempts: %v", e.URL, e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Last }

func (e *RetriesExhaustedError) Is(target error) bool {
	return target == ErrRetriesExhausted
}

func isTransientStatus(code int) bool {
	return code == 429 || (code >= 500 && code <= 599)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
