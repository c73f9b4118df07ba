// Package wsadapter is the Tier-1 streaming adapter: a gorilla/websocket
// client that dials a single exchange's public ticker stream, normalizes
// inbound ticks, and reports connection-state transitions, grounded on
// the teacher's internal/data/ws exchange clients (generalized from a
// mock tick generator to a real dial and from one hardcoded exchange per
// file to a single parameterized adapter).
package wsadapter

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/NiftyLeague/ftso-feed-value-provider/internal/adapter"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/log"
)

// TickDecoder turns one raw inbound WebSocket message into a Tick. Each
// exchange has its own wire format, so the decoder is supplied by the
// caller (the per-exchange constructors, e.g. NewBinance, pass their own).
type TickDecoder func(raw []byte) (adapter.Tick, bool, error)

// SymbolMapper converts a normalized feed symbol ("BTC/USDT") into the
// exchange's wire form ("btcusdt").
type SymbolMapper func(feedSymbol string) string

// Config parameterizes one Adapter instance.
type Config struct {
	ExchangeName string
	Category     feed.Category
	StreamURL    *url.URL
	Decode       TickDecoder
	MapSymbol    SymbolMapper
	DialTimeout  time.Duration
}

// Adapter is a single-exchange Tier-1 streaming adapter.
type Adapter struct {
	cfg Config

	mu              sync.RWMutex
	conn            *websocket.Conn
	connected       bool
	subscribed      map[string]bool
	onPrice         func(adapter.Tick)
	onConnChange    func(bool)
	lastConnAttempt time.Time

	readLoopCancel context.CancelFunc
	logger         zerolog.Logger
}

// New builds an Adapter. cfg.DialTimeout defaults to 10s if zero.
func New(cfg Config) *Adapter {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Adapter{
		cfg:        cfg,
		subscribed: make(map[string]bool),
		logger:     log.For("wsadapter." + cfg.ExchangeName),
	}
}

func (a *Adapter) ID() string             { return a.cfg.ExchangeName + "-adapter" }
func (a *Adapter) ExchangeName() string   { return a.cfg.ExchangeName }
func (a *Adapter) Category() feed.Category { return a.cfg.Category }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{WebSocket: true, REST: false, Volume: false, OrderBook: false, Categories: []feed.Category{a.cfg.Category}}
}

func (a *Adapter) GetSymbolMapping(feedSymbol string) string {
	if a.cfg.MapSymbol != nil {
		return a.cfg.MapSymbol(feedSymbol)
	}
	return strings.ToLower(strings.ReplaceAll(feedSymbol, "/", ""))
}

func (a *Adapter) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

// Connect dials the exchange's stream URL and starts the read loop.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	a.lastConnAttempt = time.Now()
	a.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.DialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, a.cfg.StreamURL.String(), nil)
	if err != nil {
		a.setConnected(false)
		return fmt.Errorf("wsadapter: dial %s: %w", a.cfg.ExchangeName, err)
	}

	readCtx, readCancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.conn = conn
	a.readLoopCancel = readCancel
	a.mu.Unlock()

	a.setConnected(true)
	go a.readLoop(readCtx, conn)
	return nil
}

// Disconnect closes the underlying socket.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	conn := a.conn
	cancel := a.readLoopCancel
	a.conn = nil
	a.readLoopCancel = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.setConnected(false)
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Subscribe sends one combined subscribe message for symbols, matching
// the per-exchange batching the orchestrator expects (spec.md §4.7).
func (a *Adapter) Subscribe(ctx context.Context, symbols []string) error {
	a.mu.Lock()
	conn := a.conn
	for _, s := range symbols {
		a.subscribed[s] = true
	}
	a.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("wsadapter: %s not connected", a.cfg.ExchangeName)
	}
	msg := map[string]any{"method": "SUBSCRIBE", "params": symbols}
	return conn.WriteJSON(msg)
}

// Unsubscribe sends one combined unsubscribe message for symbols.
func (a *Adapter) Unsubscribe(ctx context.Context, symbols []string) error {
	a.mu.Lock()
	conn := a.conn
	for _, s := range symbols {
		delete(a.subscribed, s)
	}
	a.mu.Unlock()

	if conn == nil {
		return nil
	}
	msg := map[string]any{"method": "UNSUBSCRIBE", "params": symbols}
	return conn.WriteJSON(msg)
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

func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			a.logger.Warn().Err(err).Msg("read failed, marking disconnected")
			a.setConnected(false)
			return
		}

		tick, ok, err := a.cfg.Decode(raw)
		if err != nil {
			a.logger.Debug().Err(err).Msg("decode error")
			continue
		}
		if !ok {
			continue // control/heartbeat frame, not a price tick
		}

		a.mu.RLock()
		cb := a.onPrice
		a.mu.RUnlock()
		if cb != nil {
			cb(tick)
		}
	}
}
