package retry

import (
	"context"
	"time"
)

// Backoff computes capped exponential delays: Base before the second
// attempt, doubling on each further attempt, never more than Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the given attempt (1-based). The first
// attempt has no delay.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 1 || b.Base <= 0 {
		return 0
	}

	d := b.Base
	for i := 2; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Wait blocks for Delay(attempt) or until ctx is done.
func (b Backoff) Wait(ctx context.Context, attempt int) error {
	d := b.Delay(attempt)
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
