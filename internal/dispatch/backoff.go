package dispatch

import (
	"context"
	"math"
	"time"
)

// backoffDelay returns the wait before the attempt following attempt (which
// starts at 1): base * factor^(attempt-1), jittered by ±jitter and capped at
// maxDelay. r is a uniform sample in [0, 1).
func backoffDelay(cfg Config, attempt int, r float64) time.Duration {
	base := cfg.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	factor := cfg.Factor
	if factor < 1 {
		factor = 2
	}

	d := float64(base) * math.Pow(factor, float64(attempt-1))
	if cfg.MaxDelay > 0 && d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}
	if cfg.Jitter > 0 {
		d *= 1 + cfg.Jitter*(2*r-1)
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
