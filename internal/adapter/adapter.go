// Package adapter defines the exchange adapter contract (spec.md §6)
// implemented by both the Tier-1 streaming adapters
// (internal/adapter/wsadapter) and the Tier-2 CCXT-backed polling adapter
// (internal/adapter/ccxt).
package adapter

import (
	"context"

	"github.com/NiftyLeague/ftso-feed-value-provider/internal/feed"
)

// Tick is the normalized inbound price record every adapter delivers to
// its registered callback (spec.md §6 "normalized record").
type Tick struct {
	Symbol      string
	Price       float64
	TimestampMs int64
	Source      string
	Confidence  float64
	Volume      *float64
}

// Capabilities describes what an adapter can do, per spec.md §6.
type Capabilities struct {
	WebSocket  bool
	REST       bool
	Volume     bool
	OrderBook  bool
	Categories []feed.Category
}

// Exchange is the contract every adapter (Tier-1 or Tier-2) implements.
type Exchange interface {
	// ID is the source identifier used across circuit/retry/recovery —
	// e.g. "binance-adapter" or "ccxt-binance".
	ID() string
	ExchangeName() string
	Category() feed.Category
	Capabilities() Capabilities

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	Subscribe(ctx context.Context, symbols []string) error
	Unsubscribe(ctx context.Context, symbols []string) error

	OnPriceUpdate(cb func(Tick))
	OnConnectionChange(cb func(connected bool))

	// GetSymbolMapping converts a normalized symbol (e.g. "BTC/USDT") to
	// the exchange's wire form (e.g. "BTC-USDT").
	GetSymbolMapping(feedSymbol string) string
}

// RESTFetcher is the optional pull-mode contract (spec.md §6
// "Optional fetchTickerREST(symbol) and healthCheck() for pull-mode and
// probing").
type RESTFetcher interface {
	FetchTickerREST(ctx context.Context, symbol string) (Tick, error)
}

// HealthChecker is the optional active-probe contract.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}
