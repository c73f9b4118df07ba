// Package retry implements the backoff-and-jitter retry executor of
// spec.md §4.4: exponential backoff with proportional jitter, a pluggable
// retryability classifier, and per-service statistics.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider/internal/log"
)

var logger = log.For("retry")

// Config controls backoff shape for one operation class.
type Config struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterFraction    float64 // 0..1, fraction of the computed delay randomized away
}

// DefaultConfig is a general-purpose retry policy.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.3,
	}
}

// HTTPConfig tunes retries for outbound HTTP calls: a few quick attempts,
// short cap, since the caller is usually itself under a tight budget.
func HTTPConfig() Config {
	return Config{
		MaxRetries:        3,
		InitialDelay:      50 * time.Millisecond,
		MaxDelay:          1 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.25,
	}
}

// DatabaseConfig tunes retries for a storage dependency: fewer attempts,
// since a storage failure is rarely transient inside the 100ms budget.
func DatabaseConfig() Config {
	return Config{
		MaxRetries:        2,
		InitialDelay:      75 * time.Millisecond,
		MaxDelay:          1 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.2,
	}
}

// CacheConfig tunes retries for cache operations: at most one retry, to
// keep read latency bounded under the sub-100ms response target.
func CacheConfig() Config {
	return Config{
		MaxRetries:        1,
		InitialDelay:      10 * time.Millisecond,
		MaxDelay:          20 * time.Millisecond,
		BackoffMultiplier: 1.5,
		JitterFraction:    0.3,
	}
}

// ExternalAPIConfig tunes retries for a third-party exchange API: patient,
// longer caps, since rate limits and transient 5xx responses resolve over
// seconds rather than milliseconds.
func ExternalAPIConfig() Config {
	return Config{
		MaxRetries:        4,
		InitialDelay:      200 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.5,
		JitterFraction:    0.4,
	}
}

// Stats tracks retry outcomes for one operation name.
type Stats struct {
	TotalAttempts    int64
	SuccessfulRetries int64
	FailedRetries    int64
	LastRetryTime    time.Time
}

// Executor runs operations under a retry policy and tracks per-operation
// statistics, matching the teacher's stream.RetryConfig shape
// (internal/stream/bus.go) generalized to a standalone executor.
type Executor struct {
	mu    sync.Mutex
	stats map[string]*Stats

	nowFunc  func() time.Time
	sleepFunc func(context.Context, time.Duration) error
	rngMu    sync.Mutex
	rng      *rand.Rand
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock overrides time sourcing for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.nowFunc = now }
}

// WithSleep overrides the sleep implementation for deterministic tests
// (avoids real waiting when exercising backoff sequences).
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(e *Executor) { e.sleepFunc = sleep }
}

// WithRand overrides the jitter source for deterministic tests.
func WithRand(rng *rand.Rand) Option {
	return func(e *Executor) { e.rng = rng }
}

// NewExecutor builds a retry Executor.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		stats:   make(map[string]*Stats),
		nowFunc: time.Now,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	e.sleepFunc = func(ctx context.Context, d time.Duration) error {
		if d <= 0 {
			return nil
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
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BreakerFunc gates one attempt through a circuit breaker, e.g.
// (*circuit.Manager).Execute bound to one serviceID and circuit.Config.
// A nil BreakerFunc runs fn directly, ungated.
type BreakerFunc func(ctx context.Context, fn func(ctx context.Context) error) error

// Do runs fn under cfg, retrying while classifier.Retryable(err) holds and
// attempts remain. Each individual attempt is dispatched through breaker
// (spec.md §4.4 "each attempt is dispatched through the breaker, so OPEN
// short-circuits the retry loop"), not just the retry loop as a whole.
// operation names the call for statistics and logs.
func (e *Executor) Do(ctx context.Context, operation string, cfg Config, classifier *Classifier, breaker BreakerFunc, fn func(ctx context.Context) error) error {
	if classifier == nil {
		classifier = NewClassifier()
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		e.recordAttempt(operation)

		var err error
		if breaker != nil {
			err = breaker(ctx, fn)
		} else {
			err = fn(ctx)
		}
		if err == nil {
			if attempt > 0 {
				e.recordSuccessAfterRetry(operation)
			}
			return nil
		}
		lastErr = err

		if !classifier.Retryable(err) {
			return err
		}
		if attempt == cfg.MaxRetries {
			break
		}

		wait := e.jitter(delay, cfg.JitterFraction)
		logger.Debug().Str("operation", operation).Int("attempt", attempt+1).Dur("wait", wait).Msg("retrying after error")
		if sleepErr := e.sleepFunc(ctx, wait); sleepErr != nil {
			return errors.Join(lastErr, sleepErr)
		}

		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	e.recordFailure(operation)
	return lastErr
}

// jitter picks a random delay within [delay*(1-fraction), delay].
func (e *Executor) jitter(delay time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return delay
	}
	if fraction > 1 {
		fraction = 1
	}
	e.rngMu.Lock()
	r := e.rng.Float64()
	e.rngMu.Unlock()

	spread := float64(delay) * fraction
	reduction := r * spread
	result := float64(delay) - reduction
	if result < 0 {
		result = 0
	}
	return time.Duration(math.Round(result))
}

func (e *Executor) statsFor(operation string) *Stats {
	s, ok := e.stats[operation]
	if !ok {
		s = &Stats{}
		e.stats[operation] = s
	}
	return s
}

func (e *Executor) recordAttempt(operation string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.statsFor(operation)
	s.TotalAttempts++
	s.LastRetryTime = e.nowFunc()
}

func (e *Executor) recordSuccessAfterRetry(operation string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statsFor(operation).SuccessfulRetries++
}

func (e *Executor) recordFailure(operation string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statsFor(operation).FailedRetries++
}

// StatsFor returns a copy of the statistics tracked for operation.
func (e *Executor) StatsFor(operation string) Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.stats[operation]; ok {
		return *s
	}
	return Stats{}
}

// AllStats returns a copy of every tracked operation's statistics.
func (e *Executor) AllStats() map[string]Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]Stats, len(e.stats))
	for k, v := range e.stats {
		out[k] = *v
	}
	return out
}
