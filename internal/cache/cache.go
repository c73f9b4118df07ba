// Package cache implements the real-time TTL/LRU cache described in
// spec.md §4.1: a string-keyed store with a hard TTL ceiling, LRU
// eviction at a configurable size bound, a voting-round keyspace, and
// hit/miss accounting.
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider/internal/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/metrics"
)

// EvictionPolicy enumerates supported eviction strategies. LRU is the only
// one spec.md defines; the type exists so Config is forward-compatible.
type EvictionPolicy string

const (
	EvictionLRU EvictionPolicy = "LRU"
)

// Config is the cache's tunable configuration (spec.md §3 "Cache
// configuration").
type Config struct {
	MaxTTL         time.Duration
	MaxEntries     int
	EvictionPolicy EvictionPolicy
	MemoryLimit    int64 // advisory, bytes
}

// DefaultConfig returns the spec.md §6 default knobs.
func DefaultConfig() Config {
	return Config{
		MaxTTL:         1 * time.Second,
		MaxEntries:     10000,
		EvictionPolicy: EvictionLRU,
		MemoryLimit:    64 << 20,
	}
}

// Stats is the externally observable counters described in spec.md §3
// ("Cache stats"), plus the averageResponseTime metric whose definition
// spec.md §9 left ambiguous in the source: here it is
// Σresponse_time / (hits + misses), computed once, not a blend of moving
// averages.
type Stats struct {
	Hits               int64
	Misses             int64
	Evictions          int64
	TotalRequests      int64
	TotalEntries       int64
	HitRate            float64
	MissRate           float64
	MemoryUsage        int64
	AverageResponseTime time.Duration
}

type item struct {
	entry        feed.Entry
	expiresAt    int64 // unix ms
	lastAccessed int64 // unix ms
	accessCount  int64
	// order is a monotonically increasing sequence number refreshed on
	// every insertion and every successful read; it drives LRU eviction
	// and doubles as the insertion-order tiebreak (spec.md §4.1) since an
	// entry that has never been re-read keeps its insertion-time order.
	order uint64
}

// Cache is the concrete store. The zero value is not usable; construct
// with New.
type Cache struct {
	mu      sync.RWMutex
	cfg     Config
	entries map[string]*item
	// votingIndex maps a feed key ("category:name") to the set of
	// voting-round cache keys currently live for that feed, so
	// InvalidateOnPriceUpdate need not scan the whole map.
	votingIndex map[string]map[string]struct{}

	orderSeq uint64

	hits, misses, evictions, totalRequests int64
	responseTimeNs                         int64

	nowFunc func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Option customizes a Cache at construction time.
type Option func(*Cache)

// WithClock overrides the time source, used by tests that need to
// deterministically advance past a TTL.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.nowFunc = now }
}

// New constructs a Cache with the given configuration and starts its
// background sweeper (spec.md §4.1 "a sweeper runs every 500 ms").
func New(cfg Config, opts ...Option) *Cache {
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = DefaultConfig().MaxTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultConfig().MaxEntries
	}
	if cfg.EvictionPolicy == "" {
		cfg.EvictionPolicy = EvictionLRU
	}

	c := &Cache{
		cfg:         cfg,
		entries:     make(map[string]*item),
		votingIndex: make(map[string]map[string]struct{}),
		nowFunc:     time.Now,
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.sweepLoop()
	return c
}

func (c *Cache) nowMs() int64 {
	return c.nowFunc().UnixMilli()
}

// Set stores entry under key, clamping the requested TTL to
// [0, maxTTL]. A non-positive effective TTL is a no-op (spec.md §4.1).
// entry must not be nil: that is a caller invariant violation, not a
// recoverable error.
func (c *Cache) Set(key string, entry *feed.Entry, requestedTTL time.Duration) {
	if entry == nil {
		panic("cache: Set called with nil entry")
	}

	effectiveTTL := requestedTTL
	if effectiveTTL > c.cfg.MaxTTL {
		effectiveTTL = c.cfg.MaxTTL
	}
	if effectiveTTL <= 0 {
		return
	}

	now := c.nowMs()
	expiresAt := now + effectiveTTL.Milliseconds()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.cfg.MaxEntries {
		c.evictLocked()
	}

	c.orderSeq++
	c.entries[key] = &item{
		entry:        entry.Clone(),
		expiresAt:    expiresAt,
		lastAccessed: now,
		order:        c.orderSeq,
	}
	c.indexVotingKeyLocked(key)
	metrics.CacheEntries.Set(float64(len(c.entries)))
}

// Get returns the live value for key, or (zero, false) if absent or
// expired. A hit updates lastAccessed/accessCount for LRU purposes.
func (c *Cache) Get(key string) (feed.Entry, bool) {
	start := c.nowFunc()

	c.mu.Lock()
	it, exists := c.entries[key]
	now := c.nowMs()
	if !exists {
		c.mu.Unlock()
		atomic.AddInt64(&c.misses, 1)
		atomic.AddInt64(&c.totalRequests, 1)
		c.recordResponseTime(start)
		metrics.CacheMisses.WithLabelValues(keyspaceOf(key)).Inc()
		return feed.Entry{}, false
	}

	if now >= it.expiresAt {
		c.removeLocked(key)
		c.mu.Unlock()
		atomic.AddInt64(&c.misses, 1)
		atomic.AddInt64(&c.totalRequests, 1)
		c.recordResponseTime(start)
		metrics.CacheMisses.WithLabelValues(keyspaceOf(key)).Inc()
		return feed.Entry{}, false
	}

	c.orderSeq++
	it.lastAccessed = now
	it.accessCount++
	it.order = c.orderSeq
	out := it.entry.Clone()
	c.mu.Unlock()

	atomic.AddInt64(&c.hits, 1)
	atomic.AddInt64(&c.totalRequests, 1)
	c.recordResponseTime(start)
	metrics.CacheHits.WithLabelValues(keyspaceOf(key)).Inc()
	return out, true
}

func (c *Cache) recordResponseTime(start time.Time) {
	atomic.AddInt64(&c.responseTimeNs, int64(c.nowFunc().Sub(start)))
}

// Invalidate removes key if present. Idempotent.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

// removeLocked deletes key and keeps the voting index consistent. Caller
// must hold c.mu.
func (c *Cache) removeLocked(key string) {
	if _, ok := c.entries[key]; !ok {
		return
	}
	delete(c.entries, key)
	if feedKey, round, ok := parseVotingKey(key); ok {
		_ = round
		if set, exists := c.votingIndex[feedKey]; exists {
			delete(set, key)
			if len(set) == 0 {
				delete(c.votingIndex, feedKey)
			}
		}
	}
	metrics.CacheEntries.Set(float64(len(c.entries)))
}

// evictLocked removes the least-recently-accessed entry, breaking ties
// by insertion order. Caller must hold c.mu. A no-op on an empty store.
func (c *Cache) evictLocked() {
	if len(c.entries) == 0 {
		return
	}

	var victimKey string
	var victim *item
	for key, it := range c.entries {
		if victim == nil || it.order < victim.order {
			victimKey, victim = key, it
		}
	}

	if victimKey != "" {
		c.removeLocked(victimKey)
		atomic.AddInt64(&c.evictions, 1)
		metrics.CacheEvictions.Inc()
	}
}

func (c *Cache) indexVotingKeyLocked(key string) {
	feedKey, _, ok := parseVotingKey(key)
	if !ok {
		return
	}
	set, exists := c.votingIndex[feedKey]
	if !exists {
		set = make(map[string]struct{})
		c.votingIndex[feedKey] = set
	}
	set[key] = struct{}{}
}

// Config returns the cache's effective configuration.
func (c *Cache) Config() Config { return c.cfg }

// Stats returns a snapshot of hit/miss/eviction counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	entries := len(c.entries)
	memUsage := c.estimateMemoryLocked()
	c.mu.RUnlock()

	hits := atomic.LoadInt64(&c.hits)
	misses := atomic.LoadInt64(&c.misses)
	total := atomic.LoadInt64(&c.totalRequests)
	evictions := atomic.LoadInt64(&c.evictions)
	responseNs := atomic.LoadInt64(&c.responseTimeNs)

	st := Stats{
		Hits:          hits,
		Misses:        misses,
		Evictions:     evictions,
		TotalRequests: total,
		TotalEntries:  int64(entries),
		MemoryUsage:   memUsage,
	}
	if total > 0 {
		st.HitRate = float64(hits) / float64(total)
		st.MissRate = float64(misses) / float64(total)
		st.AverageResponseTime = time.Duration(responseNs / total)
	}
	return st
}

// estimateMemoryLocked computes the additive memory estimate from
// spec.md §4.1: key-length*2 + fixed overhead + Σ source-string
// lengths*2. Caller must hold at least a read lock.
func (c *Cache) estimateMemoryLocked() int64 {
	const fixedOverhead = 96
	var total int64
	for key, it := range c.entries {
		total += int64(len(key)) * 2
		total += fixedOverhead
		for _, src := range it.entry.Sources {
			total += int64(len(src)) * 2
		}
	}
	return total
}

// Close stops the background sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

// sweepExpired removes entries whose expiresAt has passed. Sweeping is
// advisory (spec.md §4.1): Get always re-checks expiry independently, so
// a slow or skipped sweep never produces a stale hit.
func (c *Cache) sweepExpired() {
	now := c.nowMs()

	c.mu.Lock()
	defer c.mu.Unlock()
	for key, it := range c.entries {
		if now >= it.expiresAt {
			c.removeLocked(key)
		}
	}
}
