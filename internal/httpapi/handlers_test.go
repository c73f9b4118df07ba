package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	adapterpkg "github.com/NiftyLeague/ftso-feed-value-provider/internal/adapter"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/aggregator"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/cache"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/circuit"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/orchestrator"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/retry"
)

// fakeAdapter is a minimal REST-capable adapter.Exchange for exercising
// the HTTP surface without real network I/O.
type fakeAdapter struct {
	name  string
	price float64
}

func (a *fakeAdapter) ID() string              { return a.name + "-adapter" }
func (a *fakeAdapter) ExchangeName() string    { return a.name }
func (a *fakeAdapter) Category() feed.Category { return feed.CategoryCrypto }
func (a *fakeAdapter) Capabilities() adapterpkg.Capabilities {
	return adapterpkg.Capabilities{REST: true}
}
func (a *fakeAdapter) GetSymbolMapping(s string) string                  { return s }
func (a *fakeAdapter) Connect(ctx context.Context) error                 { return nil }
func (a *fakeAdapter) Disconnect(ctx context.Context) error              { return nil }
func (a *fakeAdapter) IsConnected() bool                                 { return true }
func (a *fakeAdapter) Subscribe(ctx context.Context, s []string) error   { return nil }
func (a *fakeAdapter) Unsubscribe(ctx context.Context, s []string) error { return nil }
func (a *fakeAdapter) OnPriceUpdate(cb func(adapterpkg.Tick))            {}
func (a *fakeAdapter) OnConnectionChange(cb func(bool))                  {}

func (a *fakeAdapter) FetchTickerREST(ctx context.Context, symbol string) (adapterpkg.Tick, error) {
	return adapterpkg.Tick{
		Symbol: symbol, Price: a.price, TimestampMs: time.Now().UnixMilli(),
		Source: a.ID(), Confidence: 1.0,
	}, nil
}

func newTestHandlers(t *testing.T) *Handlers {
	t.Helper()
	c := cache.New(cache.Config{MaxTTL: time.Second, MaxEntries: 100})
	t.Cleanup(c.Close)

	binance := &fakeAdapter{name: "binance", price: 100}
	o := orchestrator.New(map[string]adapterpkg.Exchange{"binance": binance}, nil)

	btc := feed.ID{Category: feed.CategoryCrypto, Name: "BTC/USD"}
	cfs := []feed.ConfiguredFeed{{Feed: btc, Sources: []feed.ExchangeSymbol{{Exchange: "binance", Symbol: "BTCUSDT"}}}}
	require.NoError(t, o.Init(context.Background(), cfs))

	circuits := circuit.NewManager()
	t.Cleanup(circuits.Close)
	retries := retry.NewExecutor()

	agg := aggregator.New(c, o, circuits, retries, nil)
	return NewHandlers(agg, c, circuits, nil, nil)
}

func TestCurrentValuesReturnsAggregatedPrice(t *testing.T) {
	h := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/current?feeds=Crypto:BTC/USD", nil)
	w := httptest.NewRecorder()
	h.CurrentValues(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var got []currentValueResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "Crypto:BTC/USD", got[0].Feed)
	assert.Equal(t, 100.0, got[0].Value)
	assert.Equal(t, "aggregated", got[0].Source)
}

func TestCurrentValuesRequiresFeedsParam(t *testing.T) {
	h := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/current", nil)
	w := httptest.NewRecorder()
	h.CurrentValues(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestVolumesDefaultsWindowSec(t *testing.T) {
	h := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/volumes?feeds=Crypto:BTC/USD", nil)
	w := httptest.NewRecorder()
	h.Volumes(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var got []volumeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "Crypto:BTC/USD", got[0].Feed)
}

func TestHealthReportsCacheStats(t *testing.T) {
	h := newTestHandlers(t)
	_, _ = h.cache.Get("missing")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.Health(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var got healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "healthy", got.Status)
	assert.Equal(t, int64(1), got.Cache.Misses)
}

func TestParseFeedIDSplitsOnFirstColon(t *testing.T) {
	id, err := parseFeedID("Crypto:BTC/USD")
	require.NoError(t, err)
	assert.Equal(t, feed.CategoryCrypto, id.Category)
	assert.Equal(t, "BTC/USD", id.Name)

	id, err = parseFeedID("Crypto:A:B")
	require.NoError(t, err)
	assert.Equal(t, "A:B", id.Name)
}

func TestParseFeedIDRejectsMissingColon(t *testing.T) {
	_, err := parseFeedID("BTCUSD")
	assert.Error(t, err)
}
