// Package gql provides the shared HTTP and GraphQL client for the
// Twitch APIs: cookie-jar-backed requests, rate limiting, bounded
// retries with backoff, batched GQL operations, and proxy support.
package gql

import (
	"errors"
	"fmt"
	"strings"
)

// RequestError wraps a transient failure (network error, HTTP 5xx or
// 429); callers may retry with backoff.
type RequestError struct {
	Op     string
	Status int
	Err    error
}

func (e *RequestError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("request %s returned status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("request %s: %v", e.Op, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// RequestInvalidError wraps a non-retryable client failure (HTTP 4xx
// excluding 429); it is surfaced up without retries.
type RequestInvalidError struct {
	Op     string
	Status int
	Body   string
}

func (e *RequestInvalidError) Error() string {
	return fmt.Sprintf("request %s rejected with status %d: %s", e.Op, e.Status, e.Body)
}

// GQLError is a platform-level error payload in an otherwise successful
// GQL response. Only "service error" responses are retried.
type GQLError struct {
	Op      string
	Message string
}

func (e *GQLError) Error() string {
	return fmt.Sprintf("gql %s: %s", e.Op, e.Message)
}

// ServiceError reports whether the platform flagged a transient internal
// failure that warrants a retry.
func (e *GQLError) ServiceError() bool {
	return strings.Contains(strings.ToLower(e.Message), "service error")
}

// retryable reports whether an error may be retried with backoff.
func retryable(err error) bool {
	var re *RequestError
	if errors.As(err, &re) {
		return true
	}
	var ge *GQLError
	if errors.As(err, &ge) {
		return ge.ServiceError()
	}
	return false
}
