package warmer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NiftyLeague/ftso-feed-value-provider/internal/cache"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/feed"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FreshnessThresholdMs = 2000
	cfg.StaleThresholdMs = int64(time.Hour / time.Millisecond)
	return cfg
}

func newTestCache() *cache.Cache {
	return cache.New(cache.Config{MaxTTL: time.Second, MaxEntries: 1000})
}

func TestTrackFeedAccessFirstAccessTriggersWarm(t *testing.T) {
	c := newTestCache()
	defer c.Close()

	f := feed.ID{Category: feed.CategoryCrypto, Name: "BTC/USD"}
	source := func(ctx context.Context, got feed.ID) (feed.AggregatedPrice, error) {
		return feed.AggregatedPrice{Price: 42000, TimestampMs: time.Now().UnixMilli(), Confidence: 1}, nil
	}

	w := New(c, source, testConfig())
	defer w.Close()

	w.TrackFeedAccess(f)

	require.Eventually(t, func() bool {
		_, ok := c.GetPrice(f)
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestWarmFeedCacheShortCircuitsOnFreshEntry(t *testing.T) {
	c := newTestCache()
	defer c.Close()

	f := feed.ID{Category: feed.CategoryCrypto, Name: "ETH/USD"}
	entry := feed.Entry{Price: 3000, TimestampMs: time.Now().UnixMilli()}
	c.SetPrice(f, &entry)

	var calls int32
	source := func(ctx context.Context, got feed.ID) (feed.AggregatedPrice, error) {
		atomic.AddInt32(&calls, 1)
		return feed.AggregatedPrice{Price: 9999}, nil
	}

	w := New(c, source, testConfig())
	defer w.Close()

	require.NoError(t, w.WarmFeedCache(context.Background(), f))
	assert.EqualValues(t, 0, atomic.LoadInt32(&calls))
}

func TestWarmFeedCacheRefetchesStaleEntry(t *testing.T) {
	c := newTestCache()
	defer c.Close()

	f := feed.ID{Category: feed.CategoryCrypto, Name: "ETH/USD"}
	stale := feed.Entry{Price: 3000, TimestampMs: time.Now().Add(-10 * time.Second).UnixMilli()}
	c.SetPrice(f, &stale)

	source := func(ctx context.Context, got feed.ID) (feed.AggregatedPrice, error) {
		return feed.AggregatedPrice{Price: 3100, TimestampMs: time.Now().UnixMilli()}, nil
	}

	w := New(c, source, testConfig())
	defer w.Close()

	require.NoError(t, w.WarmFeedCache(context.Background(), f))
	got, ok := c.GetPrice(f)
	require.True(t, ok)
	assert.Equal(t, 3100.0, got.Price)
}

func TestGetPopularFeedsOrdersByPriority(t *testing.T) {
	c := newTestCache()
	defer c.Close()

	source := func(ctx context.Context, f feed.ID) (feed.AggregatedPrice, error) {
		return feed.AggregatedPrice{Price: 1, TimestampMs: time.Now().UnixMilli()}, nil
	}

	now := time.Now()
	w := New(c, source, testConfig(), WithClock(func() time.Time { return now }))
	defer w.Close()

	hot := feed.ID{Category: feed.CategoryCrypto, Name: "HOT/USD"}
	cold := feed.ID{Category: feed.CategoryCrypto, Name: "COLD/USD"}

	for i := 0; i < 20; i++ {
		w.TrackFeedAccess(hot)
	}
	w.TrackFeedAccess(cold)

	top := w.GetPopularFeeds(2)
	require.Len(t, top, 2)
	assert.Equal(t, hot, top[0])
	assert.Equal(t, cold, top[1])
}

func TestGetWarmupStatsFiltersStalePatterns(t *testing.T) {
	c := newTestCache()
	defer c.Close()

	source := func(ctx context.Context, f feed.ID) (feed.AggregatedPrice, error) {
		return feed.AggregatedPrice{}, nil
	}

	clock := time.Now()
	w := New(c, source, testConfig(), WithClock(func() time.Time { return clock }))
	defer w.Close()

	f := feed.ID{Category: feed.CategoryCrypto, Name: "BTC/USD"}
	w.TrackFeedAccess(f)

	clock = clock.Add(2 * time.Hour)

	stats := w.GetWarmupStats(10)
	assert.Equal(t, 1, stats.TrackedFeeds)
	assert.Empty(t, stats.TopFeeds)
}

func TestWarmWithCoalescingPreventsDuplicateInFlightWarms(t *testing.T) {
	c := newTestCache()
	defer c.Close()

	f := feed.ID{Category: feed.CategoryCrypto, Name: "BTC/USD"}
	started := make(chan struct{})
	release := make(chan struct{})
	var calls int32

	source := func(ctx context.Context, got feed.ID) (feed.AggregatedPrice, error) {
		atomic.AddInt32(&calls, 1)
		close(started)
		<-release
		return feed.AggregatedPrice{Price: 1, TimestampMs: time.Now().UnixMilli()}, nil
	}

	w := New(c, source, testConfig())
	defer w.Close()

	go w.warmWithCoalescing(f)
	<-started

	// A second concurrent warm for the same feed must be a no-op while
	// the first is still in flight.
	w.warmWithCoalescing(f)
	close(release)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, 5*time.Millisecond)
}

func TestWarmBoundedContinuesPastIndividualFailures(t *testing.T) {
	c := newTestCache()
	defer c.Close()

	ok := feed.ID{Category: feed.CategoryCrypto, Name: "OK/USD"}
	bad := feed.ID{Category: feed.CategoryCrypto, Name: "BAD/USD"}

	source := func(ctx context.Context, f feed.ID) (feed.AggregatedPrice, error) {
		if f == bad {
			return feed.AggregatedPrice{}, assert.AnError
		}
		return feed.AggregatedPrice{Price: 1, TimestampMs: time.Now().UnixMilli()}, nil
	}

	w := New(c, source, testConfig())
	defer w.Close()

	successes, failures := w.warmBounded([]feed.ID{ok, bad}, 2)
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, failures)
}
