// Package retry provides small, reusable backoff policies.
package retry

import (
	"context"
	"errors"
	"time"
)

// Sleeper waits for d or until ctx is done. Tests substitute a recording fake.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(ctx context.Context, d time.Duration) error

// Sleep calls f.
func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error {
	return f(ctx, d)
}

// RealSleeper sleeps on the wall clock.
var RealSleeper Sleeper = SleeperFunc(func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
})

// Backoff maps a zero-based retry index to a delay.
type Backoff func(attempt int) time.Duration

// Exponential returns base * 2^attempt, capped at max (no cap when max <= 0).
func Exponential(base, max time.Duration) Backoff {
	return func(attempt int) time.Duration {
		if attempt < 0 {
			attempt = 0
		}
		d := base
		for i := 0; i < attempt; i++ {
			d *= 2
			if max > 0 && d >= max {
				return max
			}
		}
		if max > 0 && d > max {
			return max
		}
		return d
	}
}

// Linear returns base * (attempt+1).
func Linear(base time.Duration) Backoff {
	return func(attempt int) time.Duration {
		if attempt < 0 {
			attempt = 0
		}
		return base * time.Duration(attempt+1)
	}
}

// Ladder indexes a fixed schedule, clamping to the last step.
func Ladder(steps ...time.Duration) Backoff {
	return func(attempt int) time.Duration {
		if len(steps) == 0 {
			return 0
		}
		if attempt < 0 {
			attempt = 0
		}
		if attempt >= len(steps) {
			return steps[len(steps)-1]
		}
		return steps[attempt]
	}
}

// Policy runs an operation up to MaxAttempts times.
type Policy struct {
	MaxAttempts int
	Backoff     Backoff
	Sleeper     Sleeper
}

// ErrPermanent marks an error that must not be retried.
var ErrPermanent = errors.New("permanent failure")

// Permanent wraps err so Do stops retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }
func (p *permanentError) Is(target error) bool {
	return target == ErrPermanent
}

// Do invokes fn until it succeeds, returns a permanent error, attempts run
// out, or ctx is cancelled. fn receives the zero-based attempt number.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleeper := p.Sleeper
	if sleeper == nil {
		sleeper = RealSleeper
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 && p.Backoff != nil {
			if err := sleeper.Sleep(ctx, p.Backoff(attempt-1)); err != nil {
				if lastErr != nil {
					return lastErr
				}
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrPermanent) {
			return lastErr
		}
	}
	return lastErr
}
