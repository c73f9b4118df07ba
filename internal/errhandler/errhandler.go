// Package errhandler implements the tiered error handler of spec.md §4.5:
// it ingests errors from any source, classifies them, records them
// against per-source history, selects a response strategy, and executes
// it, delegating failover/degradation to internal/recovery.
package errhandler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider/internal/circuit"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/classification"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/eventbus"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/log"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/recovery"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/retry"
)

var logger = log.For("errhandler")

// defaultStaleDataAgeThresholdMs reclassifies an otherwise-generic error as
// STALE_DATA when the data it concerns is older than this (spec.md §4.5
// "dataAge > 2000ms ⇒ STALE_DATA"), unless overridden via
// WithStaleDataThreshold from config.Config.FreshnessThresholdMs.
const defaultStaleDataAgeThresholdMs = 2000

// historyWindow bounds per-source error history to the most recent 1000
// records within the last 24h (spec.md §4.5).
const (
	historyWindow   = 24 * time.Hour
	maxHistoryItems = 1000
	escalationWindow = 5 * time.Minute
)

// RetryFunc is one more attempt at the operation that originally failed,
// supplied by the caller of HandleError so the retry strategy can actually
// dispatch it instead of merely reporting statistics.
type RetryFunc func(ctx context.Context) error

// StrategyName identifies one of the five response strategies.
type StrategyName string

const (
	StrategyRetry               StrategyName = "retry"
	StrategyFailover            StrategyName = "failover"
	StrategyTierFallback        StrategyName = "tier_fallback"
	StrategyCCXTBackup          StrategyName = "ccxt_backup"
	StrategyGracefulDegradation StrategyName = "graceful_degradation"
)

// Decision is the outcome of handling one classified error.
type Decision struct {
	Strategy              StrategyName
	Category              classification.Category
	Severity              classification.Severity
	EstimatedRecoveryTime time.Duration
	DegradationLevel      string // set only for graceful_degradation
	RetrySucceeded        bool   // set only for StrategyRetry, when retryFn was given and succeeded
}

type historyRecord struct {
	at       time.Time
	category classification.Category
}

// Handler ties classification, per-source history, strategy selection,
// and execution together.
type Handler struct {
	circuits  *circuit.Manager
	retries   *retry.Executor
	recovery  *recovery.Manager
	bus       *eventbus.Bus

	circuitCfg           circuit.Config
	staleDataAgeThresholdMs int64
	tier1ToTier2Delay    time.Duration

	mu                sync.Mutex
	history           map[string][]historyRecord
	ccxtBackupActive  map[string]bool // keyed by feed.ID.Key()

	nowFunc   func() time.Time
	sleepFunc func(context.Context, time.Duration) error
}

// Option configures a Handler.
type Option func(*Handler)

// WithClock overrides time sourcing for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.nowFunc = now }
}

// WithCircuitConfig overrides the breaker configuration applied to a
// deferred retry attempt, normally sourced from config.Config.Circuit.
func WithCircuitConfig(cfg circuit.Config) Option {
	return func(h *Handler) { h.circuitCfg = cfg }
}

// WithStaleDataThreshold overrides the data-age threshold beyond which an
// error is reclassified as STALE_DATA, normally sourced from
// config.Config.FreshnessThresholdMs.
func WithStaleDataThreshold(ms int64) Option {
	return func(h *Handler) { h.staleDataAgeThresholdMs = ms }
}

// WithTier1ToTier2Delay sets the hysteresis pause observed before falling
// back from a Tier-1 source to its CCXT backup or a Tier-2 sibling,
// normally sourced from config.Config.Tier1ToTier2Delay().
func WithTier1ToTier2Delay(d time.Duration) Option {
	return func(h *Handler) { h.tier1ToTier2Delay = d }
}

// New builds a Handler wired to the given circuit manager, retry
// executor, recovery manager, and event bus.
func New(circuits *circuit.Manager, retries *retry.Executor, rec *recovery.Manager, bus *eventbus.Bus, opts ...Option) *Handler {
	h := &Handler{
		circuits:                circuits,
		retries:                 retries,
		recovery:                rec,
		bus:                     bus,
		circuitCfg:              circuit.AdapterConfig(),
		staleDataAgeThresholdMs: defaultStaleDataAgeThresholdMs,
		history:                 make(map[string][]historyRecord),
		ccxtBackupActive:        make(map[string]bool),
		nowFunc:                 time.Now,
		sleepFunc: func(ctx context.Context, d time.Duration) error {
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
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleError classifies err for source/feed f, records it, selects a
// strategy, and executes it. dataAgeMs is the age of the data the error
// concerns, used for the STALE_DATA contextual cue; pass 0 if not
// applicable. retryFn, if non-nil, is one more attempt at the original
// operation that execute dispatches when the selected strategy is
// StrategyRetry (spec.md §4.5 "schedule a deferred attempt via the circuit
// breaker"); pass nil when the caller has no retriable operation to offer.
func (h *Handler) HandleError(ctx context.Context, source string, f feed.ID, err error, dataAgeMs int64, retryFn RetryFunc) Decision {
	category := classification.Classify(err)
	if dataAgeMs > h.staleDataAgeThresholdMs {
		category = classification.StaleData
	}
	severity := h.escalatedSeverity(source, category)
	recoverable := category != classification.Authentication &&
		category != classification.StaleData &&
		category != classification.Validation

	h.recordHistory(source, category)

	strategy := h.selectStrategy(source, f, severity, recoverable)
	return h.execute(ctx, strategy, source, f, category, severity, retryFn)
}

// escalatedSeverity assigns a baseline severity and escalates it based on
// how many errors this source has produced in the last 5 minutes: 3
// recent errors escalate one level, 5 escalate to critical (spec.md
// §4.5).
func (h *Handler) escalatedSeverity(source string, category classification.Category) classification.Severity {
	base := classification.DefaultSeverity(category)

	h.mu.Lock()
	recent := h.recentCountLocked(source)
	h.mu.Unlock()

	switch {
	case recent >= 5:
		return classification.SeverityCritical
	case recent >= 3:
		return escalateOneLevel(base)
	default:
		return base
	}
}

func escalateOneLevel(s classification.Severity) classification.Severity {
	switch s {
	case classification.SeverityLow:
		return classification.SeverityMedium
	case classification.SeverityMedium:
		return classification.SeverityHigh
	case classification.SeverityHigh:
		return classification.SeverityCritical
	default:
		return classification.SeverityCritical
	}
}

func (h *Handler) recentCountLocked(source string) int {
	cutoff := h.nowFunc().Add(-escalationWindow)
	count := 0
	for _, rec := range h.history[source] {
		if rec.at.After(cutoff) {
			count++
		}
	}
	return count
}

func (h *Handler) recordHistory(source string, category classification.Category) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.nowFunc()
	cutoff := now.Add(-historyWindow)
	records := h.history[source]
	records = append(records, historyRecord{at: now, category: category})

	pruned := records[:0]
	for _, rec := range records {
		if rec.at.After(cutoff) {
			pruned = append(pruned, rec)
		}
	}
	if len(pruned) > maxHistoryItems {
		pruned = pruned[len(pruned)-maxHistoryItems:]
	}
	h.history[source] = pruned
}

// selectStrategy implements spec.md §4.5's selection rule: if severity is
// critical and a failover strategy exists, pick it; else if the error is
// recoverable and severity is not critical, pick retry; else pick the
// highest-ranked available strategy.
func (h *Handler) selectStrategy(source string, f feed.ID, severity classification.Severity, recoverable bool) StrategyName {
	failoverAvailable := h.recovery != nil && h.recovery.HasViableSameTierFailover(source)

	if severity == classification.SeverityCritical && failoverAvailable {
		return StrategyFailover
	}
	if recoverable && severity != classification.SeverityCritical {
		return StrategyRetry
	}
	if recoverable {
		return StrategyRetry
	}
	if failoverAvailable {
		return StrategyFailover
	}
	if feed.TierOf(feed.Source(source)) == feed.Tier1 {
		if h.ccxtSiblingViable(source, f) {
			return StrategyCCXTBackup
		}
		if h.tier2Viable(f) {
			return StrategyTierFallback
		}
	}
	return StrategyGracefulDegradation
}

func (h *Handler) tier2Viable(f feed.ID) bool {
	if h.recovery == nil {
		return false
	}
	cfg, ok := h.recovery.FeedConfig(f)
	if !ok {
		return false
	}
	for _, s := range append(append([]string(nil), cfg.Primary...), cfg.Backup...) {
		if feed.TierOf(feed.Source(s)) == feed.Tier2 && h.recovery.Viable(s) {
			return true
		}
	}
	return false
}

// ccxtSiblingViable checks specifically for the CCXT adapter substituting
// the *same* exchange as source (spec.md §4.5 ccxt_backup).
func (h *Handler) ccxtSiblingViable(source string, f feed.ID) bool {
	if h.recovery == nil {
		return false
	}
	exchange := strings.TrimSuffix(source, "-adapter")
	ccxtID := string(feed.CCXTSource(exchange))

	cfg, ok := h.recovery.FeedConfig(f)
	if !ok {
		return false
	}
	for _, s := range append(append([]string(nil), cfg.Primary...), cfg.Backup...) {
		if s == ccxtID && h.recovery.Viable(s) {
			return true
		}
	}
	return false
}

// execute runs the side effects of the selected strategy (spec.md §4.5
// "Execution").
func (h *Handler) execute(ctx context.Context, strategy StrategyName, source string, f feed.ID, category classification.Category, severity classification.Severity, retryFn RetryFunc) Decision {
	decision := Decision{Strategy: strategy, Category: category, Severity: severity}

	switch strategy {
	case StrategyRetry:
		stats := h.retries.StatsFor(source)
		decision.EstimatedRecoveryTime = estimateRecoveryTime(stats)
		if retryFn == nil {
			break
		}
		retryErr := h.circuits.Execute(ctx, source, h.circuitCfg, func(ctx context.Context) error {
			return retryFn(ctx)
		})
		if retryErr == nil {
			decision.RetrySucceeded = true
			h.publish(eventbus.TopicRetrySuccess, source)
		} else {
			h.publish(eventbus.TopicRetryFailed, source)
		}

	case StrategyFailover:
		results, _ := h.recovery.TriggerFailover(source, "errhandler:"+string(category))
		if len(results) == 0 {
			h.publish(eventbus.TopicRetryFailed, source)
		}

	case StrategyCCXTBackup:
		h.mu.Lock()
		h.ccxtBackupActive[f.Key()] = true
		h.mu.Unlock()
		h.sleepFunc(ctx, h.tier1ToTier2Delay)
		h.recovery.TriggerFailover(source, "ccxt_backup")

	case StrategyTierFallback:
		h.sleepFunc(ctx, h.tier1ToTier2Delay)
		h.recovery.TriggerFailover(source, "tier_fallback")

	case StrategyGracefulDegradation:
		decision.DegradationLevel = "severe"
		if h.recovery != nil {
			h.recovery.ImplementGracefulDegradation(f)
		}
	}

	logger.Warn().Str("source", source).Str("feed", f.Key()).Str("strategy", string(strategy)).
		Str("category", string(category)).Str("severity", string(severity)).Msg("classified error handled")

	return decision
}

func estimateRecoveryTime(stats retry.Stats) time.Duration {
	if stats.TotalAttempts == 0 {
		return 100 * time.Millisecond
	}
	return 100 * time.Millisecond * time.Duration(stats.FailedRetries+1)
}

// IsCCXTBackupActive reports whether f is currently being served by its
// CCXT backup adapter (spec.md §4.5 ccxtBackupActive[feedKey]).
func (h *Handler) IsCCXTBackupActive(f feed.ID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ccxtBackupActive[f.Key()]
}

func (h *Handler) publish(topic string, payload any) {
	if h.bus != nil {
		h.bus.Publish(topic, payload)
	}
}
