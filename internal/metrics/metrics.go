// Package metrics exposes the component-owned Prometheus instrumentation
// for the cache, circuit breaker and warmer. This is distinct from the
// per-endpoint API request metrics spec.md §1 scopes out as an external
// collaborator's concern: these gauges describe internal component state,
// not HTTP request volume.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	CacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ftsofeed",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Cache hits by keyspace (price, voting_round).",
	}, []string{"keyspace"})

	CacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ftsofeed",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Cache misses by keyspace (price, voting_round).",
	}, []string{"keyspace"})

	CacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ftsofeed",
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "LRU evictions performed.",
	})

	CacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ftsofeed",
		Subsystem: "cache",
		Name:      "entries",
		Help:      "Current number of live cache entries.",
	})

	CircuitState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ftsofeed",
		Subsystem: "circuit",
		Name:      "state",
		Help:      "Circuit breaker state per service: 0=closed 1=open 2=half-open.",
	}, []string{"service"})

	CircuitFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ftsofeed",
		Subsystem: "circuit",
		Name:      "failures_total",
		Help:      "Failures observed by the circuit breaker per service.",
	}, []string{"service"})

	WarmerPriority = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ftsofeed",
		Subsystem: "warmer",
		Name:      "feed_priority",
		Help:      "Current priority score per tracked feed.",
	}, []string{"feed"})

	WarmerRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ftsofeed",
		Subsystem: "warmer",
		Name:      "runs_total",
		Help:      "Warming attempts by strategy and outcome (success/failure).",
	}, []string{"strategy", "outcome"})

	FailoverDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ftsofeed",
		Subsystem: "recovery",
		Name:      "failover_duration_seconds",
		Help:      "Wall-clock duration of triggerFailover calls.",
		Buckets:   []float64{.005, .01, .025, .05, .075, .1, .25, .5},
	})
)

// Registry bundles every collector for one-shot registration.
func Registry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(
		CacheHits, CacheMisses, CacheEvictions, CacheEntries,
		CircuitState, CircuitFailures,
		WarmerPriority, WarmerRuns,
		FailoverDuration,
	)
	return r
}
