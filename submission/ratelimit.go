package submission

import (
	"context"
	"time"

	"mailinglist/common"
	"mailinglist/metrics"
)

const (
	tierEmail = "email"
	tierBatch = "batch"
)

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

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

// RateLimiter paces deliveries. After the n-th send of a run it pauses for
// the batch delay when n is a multiple of the batch size, otherwise for the
// per-message delay. Never both.
type RateLimiter struct {
	emailDelay common.Delay
	batchDelay common.Delay
	batchSize  int
	sleep      SleepFunc
}

func NewRateLimiter(cfg *common.Config, sleep SleepFunc) *RateLimiter {
	if sleep == nil {
		sleep = sleepContext
	}
	return &RateLimiter{
		emailDelay: cfg.EmailDelay,
		batchDelay: cfg.BatchDelay,
		batchSize:  cfg.BatchSize,
		sleep:      sleep,
	}
}

// Pause returns how long to wait after the n-th send and which tier applies.
// ok is false when no delay is configured for that send.
func (r *RateLimiter) Pause(n int) (d time.Duration, tier string, ok bool) {
	if r.batchDelay.Enabled && r.batchSize > 0 && n > 0 && n%r.batchSize == 0 {
		return r.batchDelay.Duration, tierBatch, true
	}
	if r.emailDelay.Enabled {
		return r.emailDelay.Duration, tierEmail, true
	}
	return 0, "", false
}

// Wait applies the pause for the n-th send.
func (r *RateLimiter) Wait(ctx context.Context, n int) error {
	d, tier, ok := r.Pause(n)
	if !ok {
		return nil
	}
	metrics.RateLimitPauses.WithLabelValues(tier).Inc()
	return r.sleep(ctx, d)
}
