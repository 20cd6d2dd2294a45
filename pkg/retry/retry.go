// Package retry provides a small bounded-retry combinator for caller-level
// retry policy on top of single, honest protocol attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is wrapped into the error returned when every attempt failed
var ErrExhausted = errors.New("retry attempts exhausted")

// PermanentError marks an error that must not be retried
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so Do returns it without further attempts
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent checks if an error is marked as permanent
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Config bounds a retry loop
type Config struct {
	Attempts   int           // total attempts, at least 1
	Backoff    time.Duration // delay before the second attempt
	Multiplier float64       // growth per attempt; <= 1 keeps the delay fixed
	MaxBackoff time.Duration // 0 means no cap
}

// Fixed returns a config with n attempts and a constant backoff
func Fixed(n int, backoff time.Duration) Config {
	return Config{Attempts: n, Backoff: backoff}
}

// Do runs fn until it succeeds, returns a permanent error, ctx ends, or the
// attempts are used up. The last error is wrapped together with ErrExhausted.
func Do(ctx context.Context, cfg Config, fn func(attempt int) error) error {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if cfg.Backoff < 0 {
		return errors.New("retry: negative backoff")
	}

	var lastErr error
	delay := cfg.Backoff

	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if IsPermanent(err) {
			return err
		}
		if attempt == cfg.Attempts {
			break
		}

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry cancelled before attempt %d: %w", attempt+1, ctx.Err())
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled before attempt %d: %w", attempt+1, ctx.Err())
		}

		if cfg.Multiplier > 1 {
			delay = time.Duration(float64(delay) * cfg.Multiplier)
			if cfg.MaxBackoff > 0 && delay > cfg.MaxBackoff {
				delay = cfg.MaxBackoff
			}
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, cfg.Attempts, lastErr)
}

// DoValue is Do for functions returning a value
func DoValue[T any](ctx context.Context, cfg Config, fn func(attempt int) (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func(attempt int) error {
		var innerErr error
		result, innerErr = fn(attempt)
		return innerErr
	})
	return result, err
}
