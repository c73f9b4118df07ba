package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NiftyLeague/ftso-feed-value-provider/internal/feed"
)

func newTestCache(t *testing.T, cfg Config) (*Cache, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	c := New(cfg, WithClock(clock.Now))
	t.Cleanup(c.Close)
	return c, clock
}

// fakeClock lets tests advance time deterministically instead of sleeping.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(0, 0)} }
func (f *fakeClock) Now() time.Time { return f.t }
func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func TestTTLClamp(t *testing.T) {
	c, clock := newTestCache(t, Config{MaxTTL: 1 * time.Second, MaxEntries: 10})

	v := &feed.Entry{Price: 1.23}
	c.Set("k", v, 5*time.Second)

	clock.Advance(1100 * time.Millisecond)
	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 1*time.Second, c.Config().MaxTTL)
}

func TestLRUEviction(t *testing.T) {
	c, _ := newTestCache(t, Config{MaxTTL: 1 * time.Second, MaxEntries: 2})

	v := &feed.Entry{Price: 1}
	c.Set("a", v, time.Second)
	c.Set("b", v, time.Second)
	_, ok := c.Get("a") // touch a so b becomes the LRU victim
	require.True(t, ok)

	c.Set("c", v, time.Second)

	_, okA := c.Get("a")
	_, okB := c.Get("b")
	_, okC := c.Get("c")
	assert.True(t, okA)
	assert.False(t, okB)
	assert.True(t, okC)
}

func TestPriceVotingRoundIndependence(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())
	f := feed.ID{Category: feed.CategoryCrypto, Name: "BTC/USD"}

	v := &feed.Entry{Price: 42}
	c.SetPrice(f, v)
	c.SetForVotingRound(f, 123, v, time.Second)
	c.InvalidateOnPriceUpdate(f)

	price, ok := c.GetPrice(f)
	require.True(t, ok)
	assert.Equal(t, 42.0, price.Price)

	_, ok = c.GetForVotingRound(f, 123)
	assert.False(t, ok)
}

func TestSetPriceInvalidatesVotingRoundKeysOnly(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())
	f := feed.ID{Category: feed.CategoryCrypto, Name: "ETH/USD"}

	old := &feed.Entry{Price: 1}
	c.SetForVotingRound(f, 1, old, time.Second)
	c.SetForVotingRound(f, 2, old, time.Second)

	updated := &feed.Entry{Price: 2}
	c.SetPrice(f, updated)

	_, ok1 := c.GetForVotingRound(f, 1)
	_, ok2 := c.GetForVotingRound(f, 2)
	assert.False(t, ok1)
	assert.False(t, ok2)

	price, ok := c.GetPrice(f)
	require.True(t, ok)
	assert.Equal(t, 2.0, price.Price)
}

func TestInvalidateIdempotent(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())
	c.Set("k", &feed.Entry{Price: 1}, time.Second)
	c.Invalidate("k")
	c.Invalidate("k") // must not panic or error
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestSetNonPositiveTTLIsNoop(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())
	c.Set("k", &feed.Entry{Price: 1}, 0)
	_, ok := c.Get("k")
	assert.False(t, ok)

	before := c.Stats().TotalEntries
	c.Set("k2", &feed.Entry{Price: 1}, -1*time.Second)
	assert.Equal(t, before, c.Stats().TotalEntries)
}

func TestStatsHitMissRate(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())
	c.Set("k", &feed.Entry{Price: 1}, time.Second)

	_, _ = c.Get("k")
	_, _ = c.Get("missing")

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(2), stats.TotalRequests)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)
	assert.InDelta(t, 0.5, stats.MissRate, 1e-9)
}

func TestMaxEntriesNeverExceeded(t *testing.T) {
	c, _ := newTestCache(t, Config{MaxTTL: time.Second, MaxEntries: 3})
	for i := 0; i < 50; i++ {
		c.Set(string(rune('a'+i%26))+string(rune(i)), &feed.Entry{Price: float64(i)}, time.Second)
		assert.LessOrEqual(t, c.Stats().TotalEntries, int64(3))
	}
}
