// Package ccxt is the Tier-2 adapter: a polling REST client that stands
// in for the multi-exchange CCXT library the original system shells out
// to (spec.md §6 "a polling REST-based Tier-2 'CCXT' adapter"). It
// implements the same adapter.Exchange contract as the Tier-1 streaming
// adapters so the orchestrator treats both uniformly.
package ccxt

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/NiftyLeague/ftso-feed-value-provider/internal/adapter"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/log"
)

// TickerParser extracts a Tick from one REST ticker response body.
type TickerParser func(symbol string, body []byte) (adapter.Tick, error)

// Config parameterizes one CCXT-backed adapter for a single underlying
// exchange.
type Config struct {
	Exchange     string // underlying exchange name, e.g. "binance"
	Category     feed.Category
	BaseURL      string // e.g. "https://api.binance.com"
	BuildRequest func(baseURL, symbol string) (*http.Request, error)
	Parse        TickerParser
	PollInterval time.Duration
	HTTPClient   *http.Client
}

// Adapter polls every subscribed symbol on a ticker and delivers ticks to
// the registered callback, emulating a streaming adapter's push model
// over REST.
type Adapter struct {
	cfg Config

	mu           sync.RWMutex
	connected    bool
	subscribed   map[string]bool
	onPrice      func(adapter.Tick)
	onConnChange func(bool)

	cancel context.CancelFunc
	logger zerolog.Logger
}

func New(cfg Config) *Adapter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 3 * time.Second}
	}
	return &Adapter{
		cfg:        cfg,
		subscribed: make(map[string]bool),
		logger:     log.For("ccxt." + cfg.Exchange),
	}
}

func (a *Adapter) ID() string              { return string(feed.CCXTSource(a.cfg.Exchange)) }
func (a *Adapter) ExchangeName() string    { return a.cfg.Exchange }
func (a *Adapter) Category() feed.Category { return a.cfg.Category }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{WebSocket: false, REST: true, Volume: true, OrderBook: false, Categories: []feed.Category{a.cfg.Category}}
}

func (a *Adapter) GetSymbolMapping(feedSymbol string) string {
	return strings.ToUpper(strings.ReplaceAll(feedSymbol, "/", "-"))
}

func (a *Adapter) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

// Connect starts the polling loop; there is no persistent socket, so
// "connected" here means "the poller is running."
func (a *Adapter) Connect(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	a.setConnected(true)
	go a.pollLoop(pollCtx)
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.setConnected(false)
	return nil
}

// Subscribe adds symbols to the polled set; it is the CCXT adapter's
// equivalent of a combined subscribe call (spec.md §4.7 "The CCXT adapter
// receives one combined subscribe call covering every symbol that maps to
// it").
func (a *Adapter) Subscribe(ctx context.Context, symbols []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range symbols {
		a.subscribed[s] = true
	}
	return nil
}

func (a *Adapter) Unsubscribe(ctx context.Context, symbols []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range symbols {
		delete(a.subscribed, s)
	}
	return nil
}

func (a *Adapter) OnPriceUpdate(cb func(adapter.Tick)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onPrice = cb
}

func (a *Adapter) OnConnectionChange(cb func(bool)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onConnChange = cb
}

func (a *Adapter) setConnected(connected bool) {
	a.mu.Lock()
	changed := a.connected != connected
	a.connected = connected
	cb := a.onConnChange
	a.mu.Unlock()

	if changed && cb != nil {
		cb(connected)
	}
}

// FetchTickerREST satisfies adapter.RESTFetcher for on-demand pulls
// outside the poll loop (spec.md §6 "Optional fetchTickerREST").
func (a *Adapter) FetchTickerREST(ctx context.Context, symbol string) (adapter.Tick, error) {
	req, err := a.cfg.BuildRequest(a.cfg.BaseURL, symbol)
	if err != nil {
		return adapter.Tick{}, fmt.Errorf("ccxt: build request for %s: %w", symbol, err)
	}
	req = req.WithContext(ctx)

	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return adapter.Tick{}, fmt.Errorf("ccxt: fetch %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return adapter.Tick{}, fmt.Errorf("ccxt: %s returned status %d", symbol, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return adapter.Tick{}, fmt.Errorf("ccxt: read body for %s: %w", symbol, err)
	}

	tick, err := a.cfg.Parse(symbol, body)
	if err != nil {
		return adapter.Tick{}, fmt.Errorf("ccxt: parse %s: %w", symbol, err)
	}
	tick.Source = a.ID()
	return tick, nil
}

// HealthCheck satisfies adapter.HealthChecker with a lightweight probe of
// the configured base URL.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL, nil)
	if err != nil {
		return err
	}
	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

func (a *Adapter) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pollOnce(ctx)
		}
	}
}

func (a *Adapter) pollOnce(ctx context.Context) {
	a.mu.RLock()
	symbols := make([]string, 0, len(a.subscribed))
	for s := range a.subscribed {
		symbols = append(symbols, s)
	}
	onPrice := a.onPrice
	a.mu.RUnlock()

	for _, symbol := range symbols {
		tick, err := a.FetchTickerREST(ctx, symbol)
		if err != nil {
			a.logger.Warn().Str("symbol", symbol).Err(err).Msg("poll failed")
			continue
		}
		if onPrice != nil {
			onPrice(tick)
		}
	}
}
