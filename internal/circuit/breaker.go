// Package circuit implements the per-service circuit breaker of spec.md
// §4.3: a CLOSED/OPEN/HALF_OPEN state machine with a rolling failure
// history, a background health sweep, and tier-aware default tuning.
//
// The state machine is hand-rolled rather than built on
// github.com/sony/gobreaker (see DESIGN.md): the spec requires a
// background sweep that can force a stuck OPEN circuit into HALF_OPEN and
// an idle HALF_OPEN circuit back to CLOSED without a request ever
// arriving, plus per-circuit recovery timers that must be cancelable on
// unregister. gobreaker's public API exposes no equivalent of the
// teacher's own ForceOpen/ForceHalfOpen/ForceClosed, so this package
// generalizes that hand-rolled engine (internal/net/circuit/circuit.go)
// instead.
package circuit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider/internal/log"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/metrics"
)

var (
	// ErrOpen is returned when a call is fast-failed because the circuit
	// for its service is OPEN.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrUnknownService is returned by operations on a serviceId that was
	// never registered.
	ErrUnknownService = errors.New("circuit breaker: unknown service")
)

// State is one of the three legal circuit states (spec.md §3).
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// Config is the per-service tuning described in spec.md §3.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	RecoveryTimeout  time.Duration
	OperationTimeout time.Duration
	MonitoringWindow time.Duration
}

// DefaultConfig is the conservative baseline for a generic downstream.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		RecoveryTimeout:  30 * time.Second,
		OperationTimeout: 5 * time.Second,
		MonitoringWindow: 5 * time.Minute,
	}
}

// AdapterConfig loosens the thresholds for exchange-adapter-like services:
// naturally-flapping WebSockets must not latch the breaker open on a
// handful of reconnects (spec.md §4.3 "Default tuning").
func AdapterConfig() Config {
	c := DefaultConfig()
	c.FailureThreshold = 10
	c.RecoveryTimeout = 10 * time.Second
	return c
}

// KnownExchangeConfig is for named primary exchange sources: even looser,
// and a single successful probe is enough to close.
func KnownExchangeConfig() Config {
	c := AdapterConfig()
	c.FailureThreshold = 15
	c.SuccessThreshold = 1
	return c
}

const maxHistory = 500

type historyEntry struct {
	at           time.Time
	success      bool
	responseTime time.Duration
}

// Breaker guards a single downstream service.
type Breaker struct {
	serviceID string
	cfg       Config

	mu               sync.Mutex
	state            State
	consecutiveFail  int
	consecutiveOK    int
	lastFailureTime  time.Time
	lastSuccessTime  time.Time
	lastStateChange  time.Time
	lastRequestTime  time.Time
	history          []historyEntry
	lastHistoryPrune time.Time
	recoveryTimer    *time.Timer

	openWarn *log.Limiter
}

// NewBreaker constructs a breaker in the CLOSED state.
func NewBreaker(serviceID string, cfg Config) *Breaker {
	now := time.Now()
	return &Breaker{
		serviceID:       serviceID,
		cfg:             cfg,
		state:           StateClosed,
		lastStateChange: now,
		openWarn:        log.NewLimiter(30 * time.Second),
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn if the circuit allows it. OPEN fast-fails without
// invoking fn at all. A timeout counts as a failure.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.allow() {
		return ErrOpen
	}

	opCtx, cancel := context.WithTimeout(ctx, b.cfg.OperationTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- fn(opCtx) }()

	select {
	case err := <-done:
		b.record(err == nil, time.Since(start))
		return err
	case <-opCtx.Done():
		b.record(false, time.Since(start))
		return context.DeadlineExceeded
	}
}

// allow reports whether a request may proceed, lazily transitioning
// OPEN -> HALF_OPEN once the recovery timeout has elapsed.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastRequestTime = time.Now()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(b.lastFailureTime) >= b.cfg.RecoveryTimeout {
			b.transitionLocked(StateHalfOpen)
			return true
		}
		return false
	default:
		return false
	}
}

func (b *Breaker) record(success bool, responseTime time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.appendHistoryLocked(historyEntry{at: now, success: success, responseTime: responseTime})

	if success {
		b.lastSuccessTime = now
		b.onSuccessLocked()
	} else {
		b.lastFailureTime = now
		b.onFailureLocked()
	}
}

func (b *Breaker) onSuccessLocked() {
	switch b.state {
	case StateClosed:
		b.consecutiveFail = 0
	case StateHalfOpen:
		b.consecutiveOK++
		if b.consecutiveOK >= b.cfg.SuccessThreshold {
			b.transitionLocked(StateClosed)
		}
	}
}

func (b *Breaker) onFailureLocked() {
	metrics.CircuitFailures.WithLabelValues(b.serviceID).Inc()
	switch b.state {
	case StateClosed:
		b.consecutiveFail++
		if b.consecutiveFail >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		b.transitionLocked(StateOpen)
	}
}

// transitionLocked moves to newState, resetting counters and (re)arming
// the recovery timer. Caller must hold b.mu.
func (b *Breaker) transitionLocked(newState State) {
	if newState == b.state {
		return
	}
	b.state = newState
	b.lastStateChange = time.Now()

	if b.recoveryTimer != nil {
		b.recoveryTimer.Stop()
		b.recoveryTimer = nil
	}

	switch newState {
	case StateOpen:
		b.consecutiveOK = 0
		if b.openWarn.Allow(b.serviceID) {
			log.For("circuit").Warn().Str("service", b.serviceID).Msg("circuit opened")
		}
		b.recoveryTimer = time.AfterFunc(b.cfg.RecoveryTimeout, b.fireRecoveryTimer)
	case StateHalfOpen:
		b.consecutiveOK = 0
	case StateClosed:
		b.consecutiveFail = 0
		b.consecutiveOK = 0
	}

	metrics.CircuitState.WithLabelValues(b.serviceID).Set(float64(newState))
}

func (b *Breaker) fireRecoveryTimer() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen {
		b.transitionLocked(StateHalfOpen)
	}
}

func (b *Breaker) appendHistoryLocked(e historyEntry) {
	b.history = append(b.history, e)
	if len(b.history) > maxHistory {
		b.history = b.history[len(b.history)-maxHistory:]
	}
	if time.Since(b.lastHistoryPrune) >= 10*time.Second {
		b.pruneHistoryLocked()
	}
}

func (b *Breaker) pruneHistoryLocked() {
	b.lastHistoryPrune = time.Now()
	cutoff := time.Now().Add(-b.cfg.MonitoringWindow)
	i := 0
	for ; i < len(b.history); i++ {
		if b.history[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		b.history = append([]historyEntry(nil), b.history[i:]...)
	}
}

// Metrics is the spec.md §4.3 getCircuitMetrics result.
type Metrics struct {
	RequestCount       int
	FailureRate        float64
	AverageResponseTime time.Duration
	LastStateChange    time.Time
}

// Metrics computes request count/failure rate/average response time over
// the monitoring window from the bounded history.
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneHistoryLocked()

	m := Metrics{LastStateChange: b.lastStateChange}
	if len(b.history) == 0 {
		return m
	}

	var failures int
	var totalResp time.Duration
	for _, e := range b.history {
		if !e.success {
			failures++
		}
		totalResp += e.responseTime
	}
	m.RequestCount = len(b.history)
	m.FailureRate = float64(failures) / float64(len(b.history))
	m.AverageResponseTime = totalResp / time.Duration(len(b.history))
	return m
}

// sweepOnce implements the §4.3 health sweep for this breaker: idle
// HALF_OPEN circuits reset to CLOSED, and OPEN circuits that outlived
// their recovery timer (e.g. a missed timer tick) are forced to
// HALF_OPEN.
func (b *Breaker) sweepOnce(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		if now.Sub(b.lastRequestTime) > 60*time.Second {
			b.transitionLocked(StateClosed)
		}
	case StateOpen:
		if now.Sub(b.lastFailureTime) > b.cfg.RecoveryTimeout+30*time.Second {
			b.transitionLocked(StateHalfOpen)
		}
	}
}

// stop cancels any pending recovery timer. Called on unregister/cleanup.
func (b *Breaker) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.recoveryTimer != nil {
		b.recoveryTimer.Stop()
		b.recoveryTimer = nil
	}
}
