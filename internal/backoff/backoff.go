// Package backoff retries operations with capped exponential delays.
package backoff

import (
	"context"
	"math/rand/v2"
	"time"
)

// Config controls exponential backoff retry behavior.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration // zero means uncapped
	JitterPct  float64       // e.g. 0.25 for 25% jitter
}

// Delay returns the wait before retry number attempt (1-based), jitter
// included. The result never exceeds MaxDelay.
func (c Config) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := c.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if c.MaxDelay > 0 && delay >= c.MaxDelay {
			delay = c.MaxDelay
			break
		}
	}
	jitter := time.Duration(float64(delay) * rand.Float64() * c.JitterPct)
	delay += jitter
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do calls fn until it succeeds, returns an error retryable rejects, the
// retries are exhausted or ctx ends. A nil retryable retries every error.
// The last error from fn is returned.
func Do(ctx context.Context, cfg Config, fn func(context.Context) error, retryable func(error) bool) error {
	return DoWithSleep(ctx, cfg, fn, retryable, Sleep)
}

// DoWithSleep is Do with an injectable sleep.
func DoWithSleep(ctx context.Context, cfg Config, fn func(context.Context) error, retryable func(error) bool, sleep SleepFunc) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		if retryable != nil && !retryable(err) {
			return err
		}
		if sleepErr := sleep(ctx, cfg.Delay(attempt)); sleepErr != nil {
			return err
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
	}
	return err
}
