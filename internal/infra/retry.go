package infra

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// RetryPolicy wraps a fallible operation with exponential backoff plus
// jitter and a maximum attempt count. The classifier decides which failures
// are retryable; everything else is terminal and returned immediately.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

// DefaultRetryPolicy matches the venue-facing defaults: 5 attempts, 500ms
// base backoff capped at 8s, with jitter to avoid retry spikes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
		Jitter:      true,
	}
}

// Backoff returns the delay before the given retry (0-based).
// Logic: BaseDelay * 2^retry, capped at MaxDelay, optionally jittered down
// to a random value in (0, delay].
func (p RetryPolicy) Backoff(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	max := p.MaxDelay
	if max <= 0 {
		max = 60 * time.Second
	}

	// 2^30 seconds already dwarfs any sane cap; avoid shift overflow.
	if retry > 30 {
		return max
	}
	delay := base * time.Duration(1<<retry)
	if delay > max {
		delay = max
	}
	if p.Jitter && delay > 0 {
		delay = time.Duration(rand.Int63n(int64(delay))) + 1
	}
	return delay
}

// Do runs op until it succeeds, fails terminally, exhausts MaxAttempts, or
// ctx ends. Backoff sleeps suspend only the calling goroutine.
func (p RetryPolicy) Do(ctx context.Context, name string, retryable func(error) bool, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := p.Backoff(attempt - 1)
			slog.Warn("retryable failure, backing off",
				slog.String("op", name),
				slog.Int("attempt", attempt),
				slog.Duration("wait", delay),
				slog.Any("err", err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err = op(ctx)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
	}
	return err
}
