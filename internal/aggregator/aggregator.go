// Package aggregator implements the aggregation facade of spec.md §4
// ("fans a single feed request across adapters, merges prices, fills
// cache"): the HTTP-facing entry point that sits between a cache lookup
// and the orchestrator's resolved adapters, wrapping every outbound pull
// in circuit-breaker + retry and handing terminal failures to the error
// handler for recovery bookkeeping.
package aggregator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider/internal/adapter"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/cache"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/circuit"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/errhandler"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/log"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/orchestrator"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/retry"
)

var logger = log.For("aggregator")

// votingRoundTTL is the TTL requested for a freshly-fetched historical
// entry (spec.md §6 "cached with a 60s TTL in the voting-round keyspace");
// the cache clamps it to its own maxTTL, so the entry lives at most that
// long.
const votingRoundTTL = 60 * time.Second

// defaultVolumeWindowSec is the default window when the caller omits one
// (spec.md §6 "windowSec defaults to 60").
const defaultVolumeWindowSec = 60

// SourceFailure records one adapter's failure while aggregating a feed.
type SourceFailure struct {
	Source string
	Err    error
}

// Result is one feed's current-value response (spec.md §6 "Current
// values").
type Result struct {
	Feed       feed.ID
	Value      feed.Entry
	Source     feed.ValueSource
	Failures   []SourceFailure // failed sources: always for fallback/fallback_error, and for aggregated when some sources failed
}

// HistoricalResult is the per-voting-round response (spec.md §6
// "Historical").
type HistoricalResult struct {
	VotingRoundID int64
	Data          []Result
}

// ExchangeVolume is one exchange's reported volume for a feed.
type ExchangeVolume struct {
	Exchange string
	Volume   float64
}

// VolumeResult is one feed's volume breakdown (spec.md §6 "Volumes").
type VolumeResult struct {
	Feed    feed.ID
	Volumes []ExchangeVolume
}

// Aggregator ties the cache, orchestrator, and reliability layer together
// for on-demand reads.
type Aggregator struct {
	cache    *cache.Cache
	orch     *orchestrator.Orchestrator
	circuits *circuit.Manager
	retries  *retry.Executor
	errh     *errhandler.Handler
	rc       *retry.Classifier

	circuitCfg circuit.Config
	retryCfg   retry.Config

	mu       sync.Mutex
	lastGood map[string]feed.Entry // feed.ID.Key() -> last successful aggregate

	nowFunc func() time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides time sourcing for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.nowFunc = now }
}

// WithCircuitConfig overrides the breaker configuration applied to every
// adapter fetch, normally sourced from config.Config.Circuit.
func WithCircuitConfig(cfg circuit.Config) Option {
	return func(a *Aggregator) { a.circuitCfg = cfg }
}

// WithRetryConfig overrides the retry policy applied to every adapter
// fetch, normally sourced from config.Config.Retry.
func WithRetryConfig(cfg retry.Config) Option {
	return func(a *Aggregator) { a.retryCfg = cfg }
}

// New builds an Aggregator wired to its collaborators.
func New(c *cache.Cache, orch *orchestrator.Orchestrator, circuits *circuit.Manager, retries *retry.Executor, errh *errhandler.Handler, opts ...Option) *Aggregator {
	a := &Aggregator{
		cache:      c,
		orch:       orch,
		circuits:   circuits,
		retries:    retries,
		errh:       errh,
		rc:         retry.NewClassifier(),
		circuitCfg: circuit.AdapterConfig(),
		retryCfg:   retry.ExternalAPIConfig(),
		lastGood:   make(map[string]feed.Entry),
		nowFunc:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// GetCurrentValues resolves the current value of every requested feed,
// preferring a live cache hit and otherwise fanning out to adapters
// (spec.md §6 "Current values"). Feeds are resolved concurrently so the
// overall call stays within the sub-100ms response target.
func (a *Aggregator) GetCurrentValues(ctx context.Context, feeds []feed.ID) []Result {
	out := make([]Result, len(feeds))
	var wg sync.WaitGroup
	for i, f := range feeds {
		wg.Add(1)
		go func(i int, f feed.ID) {
			defer wg.Done()
			if entry, ok := a.cache.GetPrice(f); ok {
				out[i] = Result{Feed: f, Value: entry, Source: feed.ValueFromCache}
				return
			}
			out[i] = a.aggregateFeed(ctx, f)
		}(i, f)
	}
	wg.Wait()
	return out
}

// GetHistoricalValues resolves the per-voting-round value of every
// requested feed, caching any freshly-fetched entry under the
// voting-round keyspace with a 60s TTL (spec.md §6 "Historical").
func (a *Aggregator) GetHistoricalValues(ctx context.Context, round int64, feeds []feed.ID) HistoricalResult {
	data := make([]Result, len(feeds))
	var wg sync.WaitGroup
	for i, f := range feeds {
		wg.Add(1)
		go func(i int, f feed.ID) {
			defer wg.Done()
			if entry, ok := a.cache.GetForVotingRound(f, round); ok {
				data[i] = Result{Feed: f, Value: entry, Source: feed.ValueFromCache}
				return
			}
			res := a.aggregateFeed(ctx, f)
			if res.Source == feed.ValueAggregated {
				votingEntry := res.Value.Clone()
				a.cache.SetForVotingRound(f, round, &votingEntry, votingRoundTTL)
			}
			data[i] = res
		}(i, f)
	}
	wg.Wait()
	return HistoricalResult{VotingRoundID: round, Data: data}
}

// GetVolumes reports each feed's per-exchange volume over the last
// windowSec seconds (spec.md §6 "Volumes"). Only adapters that report a
// volume figure on their most recent tick contribute; windowSec governs
// which sources the caller expects fresh data for but is not itself used
// to bucket the reported volume, since the adapter contract's
// fetchTickerREST exposes only a point-in-time reading.
func (a *Aggregator) GetVolumes(ctx context.Context, feeds []feed.ID, windowSec int) []VolumeResult {
	if windowSec <= 0 {
		windowSec = defaultVolumeWindowSec
	}

	out := make([]VolumeResult, len(feeds))
	var wg sync.WaitGroup
	for i, f := range feeds {
		wg.Add(1)
		go func(i int, f feed.ID) {
			defer wg.Done()
			out[i] = VolumeResult{Feed: f, Volumes: a.volumesForFeed(ctx, f)}
		}(i, f)
	}
	wg.Wait()
	return out
}

func (a *Aggregator) volumesForFeed(ctx context.Context, f feed.ID) []ExchangeVolume {
	sources := a.orch.AdaptersForFeed(f)
	var mu sync.Mutex
	var volumes []ExchangeVolume
	var wg sync.WaitGroup

	for _, src := range sources {
		wg.Add(1)
		go func(src orchestrator.AdapterSource) {
			defer wg.Done()
			tick, err := a.fetchOne(ctx, src, f)
			if err != nil || tick.Volume == nil {
				return
			}
			mu.Lock()
			volumes = append(volumes, ExchangeVolume{Exchange: src.Adapter.ExchangeName(), Volume: *tick.Volume})
			mu.Unlock()
		}(src)
	}
	wg.Wait()
	return volumes
}

// aggregateFeed fans f's request out to every resolved adapter (one
// without REST fetch capability is recorded as a failed source), wrapping
// each call in that source's circuit breaker and an
// external-API retry policy, then merges the successful ticks into one
// entry and writes it to the cache (spec.md §2 "Data flow for a read").
func (a *Aggregator) aggregateFeed(ctx context.Context, f feed.ID) Result {
	sources := a.orch.AdaptersForFeed(f)

	type outcome struct {
		tick adapter.Tick
		err  error
		src  string
	}
	results := make([]outcome, 0, len(sources))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, src := range sources {
		wg.Add(1)
		go func(src orchestrator.AdapterSource) {
			defer wg.Done()
			tick, err := a.fetchOne(ctx, src, f)
			mu.Lock()
			results = append(results, outcome{tick: tick, err: err, src: src.Adapter.ID()})
			mu.Unlock()
		}(src)
	}
	wg.Wait()

	var ticks []adapter.Tick
	var failures []SourceFailure
	for _, r := range results {
		if r.err != nil {
			failures = append(failures, SourceFailure{Source: r.src, Err: r.err})
			continue
		}
		ticks = append(ticks, r.tick)
	}

	if len(ticks) == 0 {
		return a.fallback(f, failures)
	}

	merged := mergeTicks(ticks)
	a.cache.SetPrice(f, &merged)

	a.mu.Lock()
	a.lastGood[f.Key()] = merged
	a.mu.Unlock()

	return Result{Feed: f, Value: merged, Source: feed.ValueAggregated, Failures: failures}
}

// fetchOne runs one source's REST pull, dispatching each individual retry
// attempt through that source's circuit breaker (spec.md §4.4: "each
// attempt is dispatched through the breaker, so OPEN short-circuits the
// retry loop"). On terminal failure the error is handed to errhandler,
// which may itself schedule one more breaker-gated attempt
// (spec.md §4.5 retry strategy); its real outcome decides whether fetchOne
// returns the recovered tick or the original error.
func (a *Aggregator) fetchOne(ctx context.Context, src orchestrator.AdapterSource, f feed.ID) (adapter.Tick, error) {
	fetcher, ok := src.Adapter.(adapter.RESTFetcher)
	if !ok {
		return adapter.Tick{}, fmt.Errorf("aggregator: %s has no REST fetch capability", src.Adapter.ID())
	}

	serviceID := src.Adapter.ID()
	var tick adapter.Tick

	fetch := func(ctx context.Context) error {
		t, ferr := fetcher.FetchTickerREST(ctx, src.Symbol)
		if ferr != nil {
			return ferr
		}
		tick = t
		return nil
	}
	breaker := func(ctx context.Context, fn func(ctx context.Context) error) error {
		return a.circuits.Execute(ctx, serviceID, a.circuitCfg, fn)
	}

	if err := a.retries.Do(ctx, serviceID, a.retryCfg, a.rc, breaker, fetch); err != nil {
		if a.errh == nil {
			return adapter.Tick{}, err
		}
		decision := a.errh.HandleError(ctx, serviceID, f, err, 0, fetch)
		if decision.RetrySucceeded {
			return tick, nil
		}
		return adapter.Tick{}, err
	}
	return tick, nil
}

// fallback serves the last successfully aggregated entry for f from the
// aggregator's own record, which outlives the cache entry; if f was never
// aggregated successfully there is nothing to fall back to (spec.md §6
// "fallback/fallback_error").
func (a *Aggregator) fallback(f feed.ID, failures []SourceFailure) Result {
	a.mu.Lock()
	entry, ok := a.lastGood[f.Key()]
	a.mu.Unlock()

	if !ok {
		logger.Warn().Str("feed", f.Key()).Int("failures", len(failures)).Msg("every source failed, no fallback available")
		return Result{Feed: f, Source: feed.ValueFallbackError, Failures: failures}
	}
	return Result{Feed: f, Value: entry, Source: feed.ValueFallback, Failures: failures}
}

// mergeTicks combines multiple sources' ticks for the same feed into one
// entry: price is confidence-weighted, confidence is the mean of
// contributing sources, and timestamp is the most recent tick's.
func mergeTicks(ticks []adapter.Tick) feed.Entry {
	var weightedPrice, totalWeight, confidenceSum float64
	var latest int64
	sources := make([]feed.Source, 0, len(ticks))

	for _, t := range ticks {
		weight := t.Confidence
		if weight <= 0 {
			weight = 0.01
		}
		weightedPrice += t.Price * weight
		totalWeight += weight
		confidenceSum += t.Confidence
		if t.TimestampMs > latest {
			latest = t.TimestampMs
		}
		sources = append(sources, feed.Source(t.Source))
	}

	price := weightedPrice / totalWeight
	return feed.Entry{
		Price:       price,
		TimestampMs: latest,
		Sources:     sources,
		Confidence:  confidenceSum / float64(len(ticks)),
	}
}
