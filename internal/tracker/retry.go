package tracker

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds retries of a failing page request.
type RetryPolicy struct {
	// MaxAttempts counts the first try (default 3).
	MaxAttempts int

	// BaseDelay is the backoff before the second attempt (default 200ms).
	BaseDelay time.Duration

	// MaxDelay caps any single backoff (default 5s).
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the default policy: 3 attempts, 200ms base
// delay doubling up to 5s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// withDefaults fills zero fields from def.
func (p RetryPolicy) withDefaults(def RetryPolicy) RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Backoff returns the delay after the given failed attempt (1 based):
// exponential in the attempt number, capped at MaxDelay, with the upper
// half randomized.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half+1)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
