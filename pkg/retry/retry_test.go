package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Fixed(3, time.Millisecond), func(int) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient error")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_AllAttemptsFail(t *testing.T) {
	sentinel := errors.New("stop failed")
	attempts := 0
	err := Do(context.Background(), Fixed(3, time.Millisecond), func(int) error {
		attempts++
		return sentinel
	})

	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, sentinel)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, 3, attempts)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Fixed(5, time.Millisecond), func(int) error {
		attempts++
		return Permanent(errors.New("bad request"))
	})

	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, attempts)
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	attempts := 0
	err := Do(ctx, Fixed(10, 50*time.Millisecond), func(int) error {
		attempts++
		return errors.New("error")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "retry cancelled")
	assert.Less(t, attempts, 10)
}

func TestDo_PassesAttemptNumber(t *testing.T) {
	var seen []int
	_ = Do(context.Background(), Fixed(3, 0), func(attempt int) error {
		seen = append(seen, attempt)
		return errors.New("again")
	})
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestDo_BackoffGrowsAndCaps(t *testing.T) {
	cfg := Config{Attempts: 4, Backoff: 5 * time.Millisecond, Multiplier: 2, MaxBackoff: 8 * time.Millisecond}
	start := time.Now()
	_ = Do(context.Background(), cfg, func(int) error { return errors.New("x") })

	// 5 + 8 + 8 ms of backoff
	assert.GreaterOrEqual(t, time.Since(start), 21*time.Millisecond)
}

func TestDoValue(t *testing.T) {
	v, err := DoValue(context.Background(), Fixed(2, 0), func(attempt int) (int, error) {
		if attempt == 1 {
			return 0, errors.New("first")
		}
		return 42, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 42, v)
}
