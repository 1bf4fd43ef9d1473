package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayGrowsExponentially(t *testing.T) {
	p := New(time.Second, time.Minute)

	for attempt := 0; attempt < 5; attempt++ {
		want := time.Duration(1<<attempt) * time.Second
		d := p.Delay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(float64(want)*0.8), "attempt %d below jitter floor", attempt)
		assert.LessOrEqual(t, d, time.Duration(float64(want)*1.2), "attempt %d above jitter ceiling", attempt)
	}
}

func TestDelayRespectsCap(t *testing.T) {
	p := New(time.Second, 10*time.Second)

	d := p.Delay(30)
	assert.LessOrEqual(t, d, 12*time.Second)
	assert.GreaterOrEqual(t, d, 8*time.Second)
}

func TestDelayNegativeAttempt(t *testing.T) {
	p := New(time.Second, time.Minute)
	d := p.Delay(-3)
	assert.LessOrEqual(t, d, 1200*time.Millisecond)
}

func TestMaxTotalBoundsRetryBudget(t *testing.T) {
	// Five attempts at base 1s capped at 30s must stay well under the
	// two-minute worst-case budget.
	p := New(time.Second, 30*time.Second)
	assert.Less(t, p.MaxTotal(5), 2*time.Minute)
}

func TestLimiterTryAcquire(t *testing.T) {
	l := NewLimiter(1, 2)

	require.NoError(t, l.TryAcquire())
	require.NoError(t, l.TryAcquire())
	assert.ErrorIs(t, l.TryAcquire(), ErrRateLimitExceeded)
}

func TestLimiterAcquireBlocksUntilToken(t *testing.T) {
	l := NewLimiter(100, 1)
	require.NoError(t, l.TryAcquire())

	start := time.Now()
	require.NoError(t, l.Acquire(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
}

func TestLimiterAcquireHonorsCancellation(t *testing.T) {
	l := NewLimiter(0.001, 1)
	require.NoError(t, l.TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Acquire(ctx))
}
