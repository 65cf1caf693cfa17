package service

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds automatic retries of an order placement that lost an
// optimistic concurrency race. Other failures are never retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 8,
		BaseBackoff: 10 * time.Millisecond,
		MaxBackoff:  250 * time.Millisecond,
	}
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// backoff returns the wait after the given failed attempt (1-based):
// exponential growth capped at MaxBackoff, plus up to 50% jitter.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	if p.BaseBackoff <= 0 {
		return 0
	}
	exp := p.BaseBackoff
	for i := 1; i < attempt && exp < p.MaxBackoff; i++ {
		exp *= 2
	}
	if p.MaxBackoff > 0 && exp > p.MaxBackoff {
		exp = p.MaxBackoff
	}
	if half := exp / 2; half > 0 {
		exp += rand.N(half)
	}
	return exp
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
