package sqlite

import (
	"context"
	"strings"
	"time"

	"github.com/mistakeknot/huddle/internal/backoff"
)

// DefaultRetryConfig retries a locked database 7 times from 50ms with 25%
// jitter.
func DefaultRetryConfig() backoff.Config {
	return backoff.Config{
		MaxRetries: 7,
		BaseDelay:  50 * time.Millisecond,
		MaxDelay:   2 * time.Second,
		JitterPct:  0.25,
	}
}

// RetryOnDBLock retries fn while it fails with "database is locked".
func RetryOnDBLock(ctx context.Context, fn func(context.Context) error) error {
	return backoff.Do(ctx, DefaultRetryConfig(), fn, isDBLocked)
}

func retryOnDBLockInternal(ctx context.Context, cfg backoff.Config, fn func(context.Context) error, sleep backoff.SleepFunc) error {
	return backoff.DoWithSleep(ctx, cfg, fn, isDBLocked, sleep)
}

func isDBLocked(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}
