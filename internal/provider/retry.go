package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultMaxRetries is the number of retries after the first attempt.
const DefaultMaxRetries = 3

// DefaultBaseDelay is the first backoff step.
const DefaultBaseDelay = 1 * time.Second

// Retrier re-runs a send with exponential backoff. The zero value never
// retries.
type Retrier struct {
	// Name prefixes the exhaustion error, e.g. "SES API request".
	Name       string
	MaxRetries int
	BaseDelay  time.Duration
}

// NewRetrier returns a Retrier with the default retry count and delay.
func NewRetrier(name string) Retrier {
	return Retrier{Name: name, MaxRetries: DefaultMaxRetries, BaseDelay: DefaultBaseDelay}
}

// Do calls send until it succeeds, returns an error marked Permanent, the
// context ends, or the retries are exhausted. Retry n waits
// Backoff(BaseDelay, n) unless the previous error came from RetryAfter.
func (r Retrier) Do(ctx context.Context, send func(attempt int) error) error {
	var (
		lastErr error
		delay   time.Duration
	)
	for attempt := 0; attempt <= r.MaxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying forward", "provider", r.Name, "attempt", attempt, "delay", delay)
			if err := Sleep(ctx, delay); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		err := send(attempt)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if ctx.Err() != nil {
			return err
		}

		delay = Backoff(r.BaseDelay, attempt+1)
		var after *retryAfterError
		if errors.As(err, &after) {
			delay = after.delay
			err = after.err
		}
		lastErr = err
	}
	return fmt.Errorf("%s failed after %d retries: %w", r.Name, r.MaxRetries, lastErr)
}

// Backoff returns base doubled attempt times.
func Backoff(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns err unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type retryAfterError struct {
	err   error
	delay time.Duration
}

func (e *retryAfterError) Error() string { return e.err.Error() }
func (e *retryAfterError) Unwrap() error { return e.err }

// RetryAfter asks Do to wait exactly d before the next attempt. A zero d
// retries immediately.
func RetryAfter(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return &retryAfterError{err: err, delay: d}
}
