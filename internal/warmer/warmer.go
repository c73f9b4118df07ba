// Package warmer implements the cache warmer of spec.md §4.2: it
// observes feed read patterns, ranks feeds by a priority score, and
// periodically refreshes the hottest ones so a foreground read lands on
// a warm entry.
package warmer

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider/internal/cache"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/log"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/metrics"
)

var logger = log.For("warmer")

// SourceFunc fetches a fresh aggregated price for a feed (spec.md §6
// "Data-source callback for the warmer").
type SourceFunc func(ctx context.Context, f feed.ID) (feed.AggregatedPrice, error)

// Config tunes thresholds and strategy cadence.
type Config struct {
	ImmediateThresholdCount int
	FrequentIntervalMs      float64
	FreshnessThresholdMs    int64
	StaleThresholdMs        int64

	CriticalInterval    time.Duration
	PredictiveInterval  time.Duration
	MaintenanceInterval time.Duration

	CriticalTargetFeeds    int
	PredictiveTargetFeeds  int
	MaintenanceTargetFeeds int

	CriticalConcurrency    int
	PredictiveConcurrency  int
	MaintenanceConcurrency int

	PriorityMin float64
	PriorityMax float64
	BaseHalfLifeHours float64
	K0          float64
}

// DefaultConfig matches spec.md §6's documented default effects.
func DefaultConfig() Config {
	return Config{
		ImmediateThresholdCount: 5,
		FrequentIntervalMs:      15000,
		FreshnessThresholdMs:    2000,
		StaleThresholdMs:        int64(time.Hour / time.Millisecond),
		CriticalInterval:        5 * time.Second,
		PredictiveInterval:      30 * time.Second,
		MaintenanceInterval:     5 * time.Minute,
		CriticalTargetFeeds:     10,
		PredictiveTargetFeeds:   20,
		MaintenanceTargetFeeds:  50,
		CriticalConcurrency:     3,
		PredictiveConcurrency:   5,
		MaintenanceConcurrency:  10,
		PriorityMin:             0,
		PriorityMax:             100,
		BaseHalfLifeHours:       4,
		K0:                      10,
	}
}

// AccessPattern is the per-feed access-tracking record (spec.md §3
// "Access pattern").
type AccessPattern struct {
	Feed                feed.ID
	AccessCount         int64
	AvgIntervalMs       float64
	LastAccessed        time.Time
	PredictedNextAccess time.Time
	WarmingSuccesses    int64
	WarmingFailures     int64
	Priority            float64
}

// Stats is the snapshot returned by GetWarmupStats.
type Stats struct {
	TrackedFeeds int
	TopFeeds     []AccessPattern
}

// Warmer tracks access patterns and runs the three warming strategies.
type Warmer struct {
	c      *cache.Cache
	source SourceFunc
	cfg    Config

	mu       sync.Mutex
	patterns map[string]*AccessPattern

	warmingNow sync.Map // feed key -> struct{}, storm coalescing

	nowFunc func() time.Time
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Warmer.
type Option func(*Warmer)

// WithClock overrides time sourcing for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(w *Warmer) { w.nowFunc = now }
}

// New builds a Warmer and starts its three strategy tickers.
func New(c *cache.Cache, source SourceFunc, cfg Config, opts ...Option) *Warmer {
	w := &Warmer{
		c:        c,
		source:   source,
		cfg:      cfg,
		patterns: make(map[string]*AccessPattern),
		nowFunc:  time.Now,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	w.wg.Add(3)
	go w.runStrategy("critical", cfg.CriticalInterval, cfg.CriticalTargetFeeds, cfg.CriticalConcurrency, w.criticalCandidates)
	go w.runStrategy("predictive", cfg.PredictiveInterval, cfg.PredictiveTargetFeeds, cfg.PredictiveConcurrency, w.predictiveCandidates)
	go w.runStrategy("maintenance", cfg.MaintenanceInterval, cfg.MaintenanceTargetFeeds, cfg.MaintenanceConcurrency, w.maintenanceCandidates)

	return w
}

// Close stops every strategy ticker (spec.md §5 "no ticker outlives
// cleanup").
func (w *Warmer) Close() {
	close(w.stopCh)
	w.wg.Wait()
}

// TrackFeedAccess upserts the access-pattern record for f and triggers a
// background warm when the first-access, immediate-threshold, or
// frequent-interval conditions fire (spec.md §4.2 trackFeedAccess).
func (w *Warmer) TrackFeedAccess(f feed.ID) {
	now := w.nowFunc()

	w.mu.Lock()
	p, existed := w.patterns[f.Key()]
	if !existed {
		p = &AccessPattern{Feed: f}
		w.patterns[f.Key()] = p
	}

	firstAccess := !existed
	var interval time.Duration
	if existed {
		interval = now.Sub(p.LastAccessed)
		if p.AccessCount > 0 {
			p.AvgIntervalMs = (p.AvgIntervalMs*float64(p.AccessCount) + float64(interval.Milliseconds())) / float64(p.AccessCount+1)
		} else {
			p.AvgIntervalMs = float64(interval.Milliseconds())
		}
	}
	p.AccessCount++
	p.LastAccessed = now
	p.PredictedNextAccess = now.Add(time.Duration(p.AvgIntervalMs) * time.Millisecond)
	p.Priority = w.computePriority(p, now)
	metrics.WarmerPriority.WithLabelValues(f.Key()).Set(p.Priority)
	crossedImmediate := p.AccessCount == int64(w.cfg.ImmediateThresholdCount)
	isFrequent := existed && p.AvgIntervalMs > 0 && p.AvgIntervalMs < w.cfg.FrequentIntervalMs
	w.mu.Unlock()

	if firstAccess || crossedImmediate || isFrequent {
		go w.warmWithCoalescing(f)
	}
}

// warmWithCoalescing ensures at most one in-flight warm per feed
// (resolves spec.md §9 Open Question 3: warming-storm coalescing).
func (w *Warmer) warmWithCoalescing(f feed.ID) {
	key := f.Key()
	if _, already := w.warmingNow.LoadOrStore(key, struct{}{}); already {
		return
	}
	defer w.warmingNow.Delete(key)

	if err := w.WarmFeedCache(context.Background(), f); err != nil {
		logger.Debug().Str("feed", key).Err(err).Msg("background warm failed")
		w.recordWarmOutcome(f, false)
		return
	}
	w.recordWarmOutcome(f, true)
}

// WarmFeedCache short-circuits if the cached price is fresher than the
// freshness threshold; otherwise fetches via the source callback and
// writes the result (spec.md §4.2 warmFeedCache).
func (w *Warmer) WarmFeedCache(ctx context.Context, f feed.ID) error {
	now := w.nowFunc()
	if existing, ok := w.c.GetPrice(f); ok {
		age := now.UnixMilli() - existing.TimestampMs
		if age < w.cfg.FreshnessThresholdMs {
			return nil
		}
	}

	if w.source == nil {
		return fmt.Errorf("warmer: no source callback configured for %s", f.Key())
	}
	price, err := w.source(ctx, f)
	if err != nil {
		return fmt.Errorf("warmer: fetch %s: %w", f.Key(), err)
	}
	entry := price.ToEntry()
	w.c.SetPrice(f, &entry)
	return nil
}

func (w *Warmer) recordWarmOutcome(f feed.ID, success bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.patterns[f.Key()]
	if !ok {
		return
	}
	if success {
		p.WarmingSuccesses++
	} else {
		p.WarmingFailures++
	}
}

// computePriority implements spec.md §4.2's design-level priority
// formula. Caller holds w.mu.
func (w *Warmer) computePriority(p *AccessPattern, now time.Time) float64 {
	score := math.Log(float64(p.AccessCount)+1) * w.cfg.K0

	sinceAccess := now.Sub(p.LastAccessed)
	var recencyFactor float64
	switch {
	case sinceAccess <= 30*time.Minute:
		recencyFactor = 3.0
	case sinceAccess <= 2*time.Hour:
		recencyFactor = 2.0
	case sinceAccess <= 8*time.Hour:
		recencyFactor = 1.5
	default:
		recencyFactor = 1.0
	}

	var frequencyFactor float64
	switch {
	case p.AvgIntervalMs > 0 && p.AvgIntervalMs < 15000:
		frequencyFactor = 2.0
	case p.AvgIntervalMs > 0 && p.AvgIntervalMs < 60000:
		frequencyFactor = 1.5
	default:
		frequencyFactor = 1.0
	}

	totalAttempts := p.WarmingSuccesses + p.WarmingFailures
	successRate := 0.8
	if totalAttempts > 0 {
		successRate = float64(p.WarmingSuccesses) / float64(totalAttempts)
	}
	successFactor := 0.5 + successRate

	halfLife := w.cfg.BaseHalfLifeHours * (1 + math.Log(float64(p.AccessCount)+1))
	decay := math.Exp(-sinceAccess.Hours() / halfLife)

	volumeBoost := 1 + math.Log(float64(p.AccessCount)+1)*0.1

	priority := score * recencyFactor * frequencyFactor * successFactor * decay * volumeBoost
	if priority < w.cfg.PriorityMin {
		priority = w.cfg.PriorityMin
	}
	if priority > w.cfg.PriorityMax {
		priority = w.cfg.PriorityMax
	}
	return priority
}

// isStale reports whether p's lastAccessed predates the stale threshold
// (spec.md §9 Open Question 2, applied uniformly to both ranking call
// sites).
func (w *Warmer) isStale(p *AccessPattern, now time.Time) bool {
	return now.Sub(p.LastAccessed).Milliseconds() > w.cfg.StaleThresholdMs
}

// GetPopularFeeds returns up to n feeds ranked by priority descending,
// excluding stale access patterns (spec.md §4.2 / §8 scenario 4).
func (w *Warmer) GetPopularFeeds(n int) []feed.ID {
	now := w.nowFunc()
	w.mu.Lock()
	ranked := w.rankedLocked(now)
	w.mu.Unlock()

	if n > len(ranked) {
		n = len(ranked)
	}
	out := make([]feed.ID, n)
	for i := 0; i < n; i++ {
		out[i] = ranked[i].Feed
	}
	return out
}

// GetWarmupStats exposes counts and the top-N ranked feeds, filtering out
// stale access patterns the same way GetPopularFeeds does.
func (w *Warmer) GetWarmupStats(topN int) Stats {
	now := w.nowFunc()
	w.mu.Lock()
	ranked := w.rankedLocked(now)
	tracked := len(w.patterns)
	w.mu.Unlock()

	if topN > len(ranked) {
		topN = len(ranked)
	}
	top := make([]AccessPattern, topN)
	for i := 0; i < topN; i++ {
		top[i] = *ranked[i]
	}
	return Stats{TrackedFeeds: tracked, TopFeeds: top}
}

// rankedLocked returns every non-stale pattern sorted by priority
// descending. Caller holds w.mu.
func (w *Warmer) rankedLocked(now time.Time) []*AccessPattern {
	out := make([]*AccessPattern, 0, len(w.patterns))
	for _, p := range w.patterns {
		if w.isStale(p, now) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// criticalCandidates selects recently-active, high-count feeds.
func (w *Warmer) criticalCandidates(now time.Time) []feed.ID {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []feed.ID
	for _, p := range w.patterns {
		if now.Sub(p.LastAccessed) <= 2*time.Minute && p.AccessCount >= int64(w.cfg.ImmediateThresholdCount) {
			out = append(out, p.Feed)
		}
	}
	return out
}

// predictiveCandidates selects feeds predicted to be accessed within the
// next 60s.
func (w *Warmer) predictiveCandidates(now time.Time) []feed.ID {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []feed.ID
	for _, p := range w.patterns {
		until := p.PredictedNextAccess.Sub(now)
		if until > 0 && until <= 60*time.Second {
			out = append(out, p.Feed)
		}
	}
	return out
}

// maintenanceCandidates selects any feed active within the last hour.
func (w *Warmer) maintenanceCandidates(now time.Time) []feed.ID {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []feed.ID
	for _, p := range w.patterns {
		if now.Sub(p.LastAccessed) <= time.Hour {
			out = append(out, p.Feed)
		}
	}
	return out
}

func (w *Warmer) runStrategy(name string, interval time.Duration, targetFeeds, concurrency int, candidatesFn func(now time.Time) []feed.ID) {
	defer w.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.runOnce(name, targetFeeds, concurrency, candidatesFn)
		}
	}
}

func (w *Warmer) runOnce(name string, targetFeeds, concurrency int, candidatesFn func(now time.Time) []feed.ID) {
	candidates := candidatesFn(w.nowFunc())
	if len(candidates) > targetFeeds {
		candidates = candidates[:targetFeeds]
	}

	successes, failures := w.warmBounded(candidates, concurrency)
	metrics.WarmerRuns.WithLabelValues(name, "success").Add(float64(successes))
	metrics.WarmerRuns.WithLabelValues(name, "failure").Add(float64(failures))
	logger.Debug().Str("strategy", name).Int("candidates", len(candidates)).
		Int("successes", successes).Int("failures", failures).Msg("warming pass complete")
}

// warmBounded submits candidates to a bounded concurrent executor that
// never exceeds concurrency in-flight operations and continues past
// individual failures (spec.md §4.2 "Concurrency executor").
func (w *Warmer) warmBounded(candidates []feed.ID, concurrency int) (successes, failures int) {
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, f := range candidates {
		wg.Add(1)
		sem <- struct{}{}
		go func(f feed.ID) {
			defer wg.Done()
			defer func() { <-sem }()

			err := w.WarmFeedCache(context.Background(), f)
			mu.Lock()
			if err != nil {
				failures++
				w.recordWarmOutcomeUnlocked(f, false)
			} else {
				successes++
				w.recordWarmOutcomeUnlocked(f, true)
			}
			mu.Unlock()
		}(f)
	}
	wg.Wait()
	return successes, failures
}

func (w *Warmer) recordWarmOutcomeUnlocked(f feed.ID, success bool) {
	w.recordWarmOutcome(f, success)
}
