package retry

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleepExecutor() *Executor {
	return NewExecutor(
		WithSleep(func(ctx context.Context, d time.Duration) error { return nil }),
		WithRand(rand.New(rand.NewSource(1))),
	)
}

func TestClassifierRetryableDefaults(t *testing.T) {
	c := NewClassifier()
	assert.True(t, c.Retryable(errors.New("connection reset by peer")))
	assert.True(t, c.Retryable(errors.New("request timeout")))
	assert.False(t, c.Retryable(errors.New("unauthorized: invalid api key")))
	assert.False(t, c.Retryable(errors.New("validation failed: missing field")))
	assert.False(t, c.Retryable(nil))
}

func TestClassifierExtraKeywords(t *testing.T) {
	c := NewClassifier("exchange unavailable")
	assert.True(t, c.Retryable(errors.New("exchange unavailable: binance")))
}

func TestDoRetriesThenSucceeds(t *testing.T) {
	e := noSleepExecutor()
	cfg := Config{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, BackoffMultiplier: 2, JitterFraction: 0.1}

	attempts := 0
	err := e.Do(context.Background(), "op", cfg, NewClassifier(), nil, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)

	stats := e.StatsFor("op")
	assert.EqualValues(t, 3, stats.TotalAttempts)
	assert.EqualValues(t, 1, stats.SuccessfulRetries)
	assert.EqualValues(t, 0, stats.FailedRetries)
}

func TestDoStopsOnNonRetryableError(t *testing.T) {
	e := noSleepExecutor()
	cfg := DefaultConfig()

	attempts := 0
	err := e.Do(context.Background(), "op", cfg, NewClassifier(), nil, func(ctx context.Context) error {
		attempts++
		return errors.New("validation failed")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDoExhaustsRetriesAndFails(t *testing.T) {
	e := noSleepExecutor()
	cfg := Config{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, BackoffMultiplier: 2, JitterFraction: 0.1}

	attempts := 0
	err := e.Do(context.Background(), "op", cfg, NewClassifier(), nil, func(ctx context.Context) error {
		attempts++
		return errors.New("timeout")
	})

	require.Error(t, err)
	assert.Equal(t, cfg.MaxRetries+1, attempts)

	stats := e.StatsFor("op")
	assert.EqualValues(t, 1, stats.FailedRetries)
}

func TestDoRespectsContextCancellation(t *testing.T) {
	e := NewExecutor(WithSleep(func(ctx context.Context, d time.Duration) error {
		return ctx.Err()
	}))
	cfg := Config{MaxRetries: 5, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, BackoffMultiplier: 2, JitterFraction: 0}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := e.Do(ctx, "op", cfg, NewClassifier(), nil, func(ctx context.Context) error {
		attempts++
		return errors.New("timeout")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDoDispatchesEachAttemptThroughBreaker(t *testing.T) {
	e := noSleepExecutor()
	cfg := Config{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, BackoffMultiplier: 2, JitterFraction: 0.1}

	breakerCalls := 0
	breaker := func(ctx context.Context, fn func(ctx context.Context) error) error {
		breakerCalls++
		return fn(ctx)
	}

	attempts := 0
	err := e.Do(context.Background(), "op", cfg, NewClassifier(), breaker, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, breakerCalls, "breaker must gate every individual attempt, not just the overall call")
}

func TestDoBreakerOpenShortCircuitsRetryLoop(t *testing.T) {
	e := noSleepExecutor()
	cfg := Config{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, BackoffMultiplier: 2, JitterFraction: 0.1}

	breakerCalls := 0
	breaker := func(ctx context.Context, fn func(ctx context.Context) error) error {
		breakerCalls++
		return errors.New("circuit open")
	}

	fnCalls := 0
	err := e.Do(context.Background(), "op", cfg, NewClassifier(), breaker, func(ctx context.Context) error {
		fnCalls++
		return nil
	})

	require.Error(t, err)
	assert.Equal(t, 1, breakerCalls)
	assert.Equal(t, 0, fnCalls, "fn must never run once the breaker itself rejects the attempt")
}

func TestJitterNeverExceedsDelay(t *testing.T) {
	e := NewExecutor(WithRand(rand.New(rand.NewSource(42))))
	delay := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		w := e.jitter(delay, 0.5)
		assert.LessOrEqual(t, w, delay)
		assert.GreaterOrEqual(t, w, time.Duration(0))
	}
}
