package ingest

import (
	"context"
	rand "math/rand/v2"
	"time"
)

// jitterBackoff returns the next retry delay: base plus a random share of the
// doubled previous delay, capped at max. prev <= 0 starts at base.
func jitterBackoff(prev, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	if max > 0 && max < base {
		return max
	}
	if prev <= 0 {
		return base
	}
	spread := 2*prev - base
	if spread <= 0 {
		spread = base
	}
	next := base + time.Duration(rand.Int64N(int64(spread))) //nolint:gosec // non-crypto backoff jitter
	if max > 0 && next > max {
		return max
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
