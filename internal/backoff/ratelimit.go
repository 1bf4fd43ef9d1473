package backoff

import (
	"context"
	"errors"

	"golang.org/x/time/rate"
)

// ErrRateLimitExceeded is returned by TryAcquire when no token is
// available and the caller opted out of blocking.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// Limiter is a token bucket for one endpoint class. Acquire blocks the
// calling task until a token is available; TryAcquire never blocks.
type Limiter struct {
	bucket *rate.Limiter
}

// NewLimiter creates a Limiter refilled at perSecond tokens/second with
// the given burst capacity.
func NewLimiter(perSecond float64, burst int) *Limiter {
	return &Limiter{bucket: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Acquire suspends the caller until a token is available or the context
// is cancelled.
func (l *Limiter) Acquire(ctx context.Context) error {
	return l.bucket.Wait(ctx)
}

// TryAcquire takes a token if one is immediately available, otherwise
// returns ErrRateLimitExceeded.
func (l *Limiter) TryAcquire() error {
	if !l.bucket.Allow() {
		return ErrRateLimitExceeded
	}
	return nil
}

// Limiters bundles the two endpoint-class buckets shared by the HTTP
// and GQL clients.
type Limiters struct {
	// GQL paces GraphQL POSTs.
	GQL *Limiter
	// Web paces all other HTTP traffic (beacons, probes, icon fetches).
	Web *Limiter
}

// NewLimiters creates the default bucket pair: GraphQL at gqlRate/s with
// gqlBurst capacity and general web traffic at webRate/s with webBurst.
func NewLimiters(gqlRate float64, gqlBurst int, webRate float64, webBurst int) *Limiters {
	return &Limiters{
		GQL: NewLimiter(gqlRate, gqlBurst),
		Web: NewLimiter(webRate, webBurst),
	}
}
