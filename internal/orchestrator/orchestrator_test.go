package orchestrator

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NiftyLeague/ftso-feed-value-provider/internal/adapter"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/feed"
)

type fakeAdapter struct {
	mu             sync.Mutex
	name           string
	connected      bool
	subscribeCalls [][]string
	onPrice        func(adapter.Tick)
	onConnChange   func(bool)
}

func (a *fakeAdapter) ID() string              { return a.name + "-adapter" }
func (a *fakeAdapter) ExchangeName() string    { return a.name }
func (a *fakeAdapter) Category() feed.Category { return feed.CategoryCrypto }
func (a *fakeAdapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{WebSocket: true}
}
func (a *fakeAdapter) GetSymbolMapping(s string) string { return s }

func (a *fakeAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	return nil
}
func (a *fakeAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	return nil
}
func (a *fakeAdapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}
func (a *fakeAdapter) Subscribe(ctx context.Context, symbols []string) error {
	a.mu.Lock()
	a.subscribeCalls = append(a.subscribeCalls, append([]string(nil), symbols...))
	a.mu.Unlock()
	return nil
}
func (a *fakeAdapter) Unsubscribe(ctx context.Context, symbols []string) error { return nil }
func (a *fakeAdapter) OnPriceUpdate(cb func(adapter.Tick))                    { a.onPrice = cb }
func (a *fakeAdapter) OnConnectionChange(cb func(bool))                      { a.onConnChange = cb }

func TestInitSubscribesExactlyOncePerSymbol(t *testing.T) {
	ccxtAdapter := &fakeAdapter{name: "ccxt-binance"}
	o := New(nil, func(exchange string) adapter.Exchange { return ccxtAdapter })

	btc := feed.ID{Category: feed.CategoryCrypto, Name: "BTC/USD"}
	eth := feed.ID{Category: feed.CategoryCrypto, Name: "ETH/USD"}

	feeds := []feed.ConfiguredFeed{
		{Feed: btc, Sources: []feed.ExchangeSymbol{{Exchange: "binance", Symbol: "S"}}},
		{Feed: eth, Sources: []feed.ExchangeSymbol{{Exchange: "binance", Symbol: "S"}, {Exchange: "binance", Symbol: "T"}}},
	}

	require.NoError(t, o.Init(context.Background(), feeds))

	subscribed := o.SubscribedSymbols("binance")
	assert.True(t, subscribed["S"])
	assert.True(t, subscribed["T"])

	// "S" must appear in exactly one combined subscribe call, not duplicated.
	total := 0
	for _, call := range ccxtAdapter.subscribeCalls {
		for _, s := range call {
			if s == "S" {
				total++
			}
		}
	}
	assert.Equal(t, 1, total)
}

func TestCustomAdapterPreferredOverCCXT(t *testing.T) {
	custom := &fakeAdapter{name: "binance"}
	ccxtCalled := false
	o := New(map[string]adapter.Exchange{"binance": custom}, func(exchange string) adapter.Exchange {
		ccxtCalled = true
		return &fakeAdapter{name: "ccxt-" + exchange}
	})

	f := feed.ID{Category: feed.CategoryCrypto, Name: "BTC/USD"}
	feeds := []feed.ConfiguredFeed{{Feed: f, Sources: []feed.ExchangeSymbol{{Exchange: "binance", Symbol: "BTCUSDT"}}}}

	require.NoError(t, o.Init(context.Background(), feeds))
	assert.False(t, ccxtCalled)
	assert.True(t, custom.IsConnected())
}

func TestReconnectExchangeSkipsIfConnected(t *testing.T) {
	a := &fakeAdapter{name: "binance", connected: true}
	o := New(map[string]adapter.Exchange{"binance": a}, nil)

	f := feed.ID{Category: feed.CategoryCrypto, Name: "BTC/USD"}
	require.NoError(t, o.Init(context.Background(), []feed.ConfiguredFeed{
		{Feed: f, Sources: []feed.ExchangeSymbol{{Exchange: "binance", Symbol: "BTCUSDT"}}},
	}))

	err := o.ReconnectExchange(context.Background(), "binance")
	assert.NoError(t, err)
}

func TestReconnectExchangeRespectsCooldown(t *testing.T) {
	a := &fakeAdapter{name: "binance"}
	o := New(map[string]adapter.Exchange{"binance": a}, nil)

	f := feed.ID{Category: feed.CategoryCrypto, Name: "BTC/USD"}
	require.NoError(t, o.Init(context.Background(), []feed.ConfiguredFeed{
		{Feed: f, Sources: []feed.ExchangeSymbol{{Exchange: "binance", Symbol: "BTCUSDT"}}},
	}))
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()

	err := o.ReconnectExchange(context.Background(), "binance")
	assert.Error(t, err)
}

func TestCleanupDisconnectsConnectedAdapters(t *testing.T) {
	a := &fakeAdapter{name: "binance"}
	o := New(map[string]adapter.Exchange{"binance": a}, nil)

	f := feed.ID{Category: feed.CategoryCrypto, Name: "BTC/USD"}
	require.NoError(t, o.Init(context.Background(), []feed.ConfiguredFeed{
		{Feed: f, Sources: []feed.ExchangeSymbol{{Exchange: "binance", Symbol: "BTCUSDT"}}},
	}))
	require.True(t, a.IsConnected())

	o.Cleanup(context.Background())
	assert.False(t, a.IsConnected())
}
