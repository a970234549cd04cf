// Package backoff provides exponential backoff and a context-aware retry loop.
package backoff

import (
	"context"
	"math"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
}

// Exponential calculates exponential backoff for a given attempt.
// Attempt 1 returns initial, attempt 2 returns initial*2, etc.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial := 100 * time.Millisecond
	maxBackoff := 5 * time.Second

	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			maxBackoff = cfg.Max
		}
	}

	if attempt < 1 {
		return initial
	}

	d := float64(initial) * math.Pow(2.0, float64(attempt-1))
	if d > float64(maxBackoff) {
		d = float64(maxBackoff)
	}
	return time.Duration(d)
}

// Retry calls fn until it succeeds, retries are exhausted, ctx ends or
// permanent reports the error as not worth retrying. It returns the last
// error and the number of retries performed.
func Retry(ctx context.Context, retries int, cfg *Config, permanent func(error) bool, fn func(context.Context) error) (int, error) {
	var lastErr error
	for attempt := range retries + 1 {
		if attempt > 0 {
			timer := time.NewTimer(Exponential(attempt, cfg))
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt - 1, ctx.Err()
			case <-timer.C:
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return attempt, nil
		}
		if permanent != nil && permanent(lastErr) {
			return attempt, lastErr
		}
	}
	return retries, lastErr
}
