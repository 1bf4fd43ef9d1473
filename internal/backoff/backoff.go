// Package backoff provides exponential backoff with jitter and the
// per-endpoint-class token-bucket rate limiters shared by all outbound
// HTTP traffic.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy computes exponential backoff delays with ±20% uniform jitter.
// The zero value is not usable; construct with New.
type Policy struct {
	base time.Duration
	cap  time.Duration
}

// New creates a backoff Policy with the given base and cap.
func New(base, cap time.Duration) Policy {
	if base <= 0 {
		base = time.Second
	}
	if cap < base {
		cap = base
	}
	return Policy{base: base, cap: cap}
}

// Delay returns the backoff delay for the given zero-based attempt:
// min(base * 2^attempt, cap), jittered by ±20%.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := float64(p.base) * math.Pow(2, float64(attempt))
	if d > float64(p.cap) {
		d = float64(p.cap)
	}

	jitter := 0.8 + rand.Float64()*0.4
	return time.Duration(d * jitter)
}

// MaxTotal returns an upper bound on the summed delays for n attempts,
// assuming worst-case (+20%) jitter on each.
func (p Policy) MaxTotal(n int) time.Duration {
	var total float64
	for i := 0; i < n; i++ {
		d := float64(p.base) * math.Pow(2, float64(i))
		if d > float64(p.cap) {
			d = float64(p.cap)
		}
		total += d * 1.2
	}
	return time.Duration(total)
}
