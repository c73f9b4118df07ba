// Package orchestrator implements the WebSocket orchestrator of spec.md
// §4.7: it owns the lifecycle of every adapter, maps configured feeds to
// their (exchange, symbol) inputs, and maintains exactly-once
// subscription per symbol per adapter.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider/internal/adapter"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/log"
)

var logger = log.For("orchestrator")

// connectBatchSize and connectBatchPause implement spec.md §4.7 phase 3:
// "Connect all adapters in parallel with bounded concurrency (batches of
// 5, with a small inter-batch pause)."
const (
	connectBatchSize  = 5
	connectBatchPause = 50 * time.Millisecond
	reconnectCooldown = 10 * time.Second
)

// CCXTResolver builds (or returns a cached) Tier-2 adapter substituting
// for exchangeName, used when no custom adapter is registered for it.
type CCXTResolver func(exchangeName string) adapter.Exchange

// exchangeState tracks one adapter's lifecycle (spec.md §5 "the
// orchestrator's exchangeStates map").
type exchangeState struct {
	mu                    sync.Mutex
	adapter               adapter.Exchange
	requiredSymbols       map[string]bool
	subscribedSymbols     map[string]bool
	lastConnectionAttempt time.Time
}

// Orchestrator owns adapter lifecycles and feed-to-exchange mapping.
type Orchestrator struct {
	custom map[string]adapter.Exchange // exchange name -> registered Tier-1 adapter
	ccxt   CCXTResolver

	mu            sync.RWMutex
	states        map[string]*exchangeState // exchange name -> state
	feedMapping   map[string][]feed.ExchangeSymbol // feed.ID.Key() -> sources
	priceSink     func(adapter.Tick)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPriceSink registers the callback invoked for every inbound tick
// from any adapter (spec.md §6 "onPriceUpdate(callback)").
func WithPriceSink(sink func(adapter.Tick)) Option {
	return func(o *Orchestrator) { o.priceSink = sink }
}

// New builds an Orchestrator. custom maps exchange name to a registered
// Tier-1 adapter; ccxt resolves the Tier-2 fallback for any exchange
// without one.
func New(custom map[string]adapter.Exchange, ccxt CCXTResolver, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		custom:      custom,
		ccxt:        ccxt,
		states:      make(map[string]*exchangeState),
		feedMapping: make(map[string][]feed.ExchangeSymbol),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Init runs the four-phase startup sequence of spec.md §4.7.
func (o *Orchestrator) Init(ctx context.Context, feeds []feed.ConfiguredFeed) error {
	// Phase 1: build the feed-to-exchange mapping.
	o.mu.Lock()
	for _, cf := range feeds {
		o.feedMapping[cf.Feed.Key()] = append([]feed.ExchangeSymbol(nil), cf.Sources...)
	}
	o.mu.Unlock()

	// Phase 2: resolve one adapter per unique exchange and accumulate its
	// required symbol set.
	required := make(map[string]map[string]bool)
	for _, cf := range feeds {
		for _, es := range cf.Sources {
			ex, err := o.resolveAdapter(es.Exchange)
			if err != nil {
				logger.Warn().Str("exchange", es.Exchange).Err(err).Msg("no adapter available")
				continue
			}
			o.mu.Lock()
			if _, ok := o.states[es.Exchange]; !ok {
				o.states[es.Exchange] = &exchangeState{
					adapter:           ex,
					requiredSymbols:   make(map[string]bool),
					subscribedSymbols: make(map[string]bool),
				}
				o.wireAdapter(ex)
			}
			o.mu.Unlock()

			if required[es.Exchange] == nil {
				required[es.Exchange] = make(map[string]bool)
			}
			required[es.Exchange][es.Symbol] = true
		}
	}

	o.mu.Lock()
	for name, symbols := range required {
		st := o.states[name]
		st.mu.Lock()
		for s := range symbols {
			st.requiredSymbols[s] = true
		}
		st.mu.Unlock()
	}
	var names []string
	for name := range o.states {
		names = append(names, name)
	}
	o.mu.Unlock()

	// Phase 3: connect adapters in bounded-concurrency batches.
	o.connectInBatches(ctx, names)

	// Phase 4: subscribe every connected adapter to its required symbols.
	for _, name := range names {
		o.subscribeExchange(ctx, name)
	}
	return nil
}

func (o *Orchestrator) resolveAdapter(exchangeName string) (adapter.Exchange, error) {
	if ex, ok := o.custom[exchangeName]; ok {
		return ex, nil
	}
	if o.ccxt == nil {
		return nil, fmt.Errorf("orchestrator: no adapter or ccxt fallback for %s", exchangeName)
	}
	return o.ccxt(exchangeName), nil
}

// wireAdapter installs the orchestrator's shared price sink and a
// connection-change observer onto ex. Caller holds o.mu.
func (o *Orchestrator) wireAdapter(ex adapter.Exchange) {
	if o.priceSink != nil {
		ex.OnPriceUpdate(o.priceSink)
	}
	ex.OnConnectionChange(func(connected bool) {
		logger.Debug().Str("exchange", ex.ExchangeName()).Bool("connected", connected).Msg("connection state changed")
	})
}

func (o *Orchestrator) connectInBatches(ctx context.Context, names []string) {
	for i := 0; i < len(names); i += connectBatchSize {
		end := i + connectBatchSize
		if end > len(names) {
			end = len(names)
		}
		batch := names[i:end]

		var wg sync.WaitGroup
		for _, name := range batch {
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				o.connectOne(ctx, name)
			}(name)
		}
		wg.Wait()

		if end < len(names) {
			time.Sleep(connectBatchPause)
		}
	}
}

func (o *Orchestrator) connectOne(ctx context.Context, name string) {
	o.mu.RLock()
	st := o.states[name]
	o.mu.RUnlock()
	if st == nil {
		return
	}

	st.mu.Lock()
	st.lastConnectionAttempt = time.Now()
	st.mu.Unlock()

	if err := st.adapter.Connect(ctx); err != nil {
		logger.Warn().Str("exchange", name).Err(err).Msg("connect failed, adapter downgraded")
		return
	}
}

func (o *Orchestrator) subscribeExchange(ctx context.Context, name string) {
	o.mu.RLock()
	st := o.states[name]
	o.mu.RUnlock()
	if st == nil || !st.adapter.IsConnected() {
		return
	}

	st.mu.Lock()
	var toSubscribe []string
	for s := range st.requiredSymbols {
		if !st.subscribedSymbols[s] {
			toSubscribe = append(toSubscribe, s)
		}
	}
	st.mu.Unlock()

	if len(toSubscribe) == 0 {
		return
	}
	if err := st.adapter.Subscribe(ctx, toSubscribe); err != nil {
		logger.Warn().Str("exchange", name).Err(err).Msg("subscribe failed")
		return
	}

	st.mu.Lock()
	for _, s := range toSubscribe {
		st.subscribedSymbols[s] = true
	}
	st.mu.Unlock()
}

// SubscribeToFeed subscribes every configured (exchange, symbol) pair for
// f that is not already subscribed, batching one subscribe call per
// adapter (spec.md §4.7 "Per-feed subscription on demand").
func (o *Orchestrator) SubscribeToFeed(ctx context.Context, f feed.ID) error {
	o.mu.RLock()
	sources := o.feedMapping[f.Key()]
	o.mu.RUnlock()

	batches := make(map[string][]string)
	for _, es := range sources {
		o.mu.RLock()
		st := o.states[es.Exchange]
		o.mu.RUnlock()
		if st == nil || !st.adapter.IsConnected() {
			continue
		}

		st.mu.Lock()
		alreadySubscribed := st.subscribedSymbols[es.Symbol]
		st.requiredSymbols[es.Symbol] = true
		st.mu.Unlock()

		if !alreadySubscribed {
			batches[es.Exchange] = append(batches[es.Exchange], es.Symbol)
		}
	}

	for name, symbols := range batches {
		o.mu.RLock()
		st := o.states[name]
		o.mu.RUnlock()

		if err := st.adapter.Subscribe(ctx, symbols); err != nil {
			logger.Warn().Str("exchange", name).Err(err).Msg("subscribeToFeed failed")
			continue
		}
		st.mu.Lock()
		for _, s := range symbols {
			st.subscribedSymbols[s] = true
		}
		st.mu.Unlock()
	}
	return nil
}

// ReconnectExchange reconnects the named adapter, honoring a 10s cooldown
// to prevent thrash (spec.md §4.7 reconnectExchange).
func (o *Orchestrator) ReconnectExchange(ctx context.Context, name string) error {
	o.mu.RLock()
	st := o.states[name]
	o.mu.RUnlock()
	if st == nil {
		return fmt.Errorf("orchestrator: unknown exchange %s", name)
	}

	if st.adapter.IsConnected() {
		logger.Debug().Str("exchange", name).Msg("reconnect skipped, already connected")
		return nil
	}

	st.mu.Lock()
	sinceLastAttempt := time.Since(st.lastConnectionAttempt)
	if sinceLastAttempt < reconnectCooldown {
		st.mu.Unlock()
		return fmt.Errorf("orchestrator: %s reconnect cooldown active (%s remaining)", name, reconnectCooldown-sinceLastAttempt)
	}
	st.lastConnectionAttempt = time.Now()
	st.mu.Unlock()

	if err := st.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("orchestrator: reconnect %s: %w", name, err)
	}

	o.subscribeExchange(ctx, name)
	return nil
}

// Cleanup disconnects every adapter the orchestrator reports connected
// and clears its maps (spec.md §4.7 "Cleanup").
func (o *Orchestrator) Cleanup(ctx context.Context) {
	o.mu.Lock()
	states := o.states
	o.states = make(map[string]*exchangeState)
	o.feedMapping = make(map[string][]feed.ExchangeSymbol)
	o.mu.Unlock()

	for name, st := range states {
		if st.adapter.IsConnected() {
			if err := st.adapter.Disconnect(ctx); err != nil {
				logger.Warn().Str("exchange", name).Err(err).Msg("disconnect failed during cleanup")
			}
		}
	}
}

// AdapterSource pairs a resolved adapter with the wire symbol it should
// be asked about for one feed (spec.md §4's aggregation facade "fans a
// single feed request across adapters").
type AdapterSource struct {
	Adapter adapter.Exchange
	Symbol  string
}

// AdaptersForFeed returns the already-resolved adapters configured as
// sources for f, one entry per configured source (an adapter configured
// with two symbols appears twice), each paired with the symbol that
// exchange should be queried with.
func (o *Orchestrator) AdaptersForFeed(f feed.ID) []AdapterSource {
	o.mu.RLock()
	sources := o.feedMapping[f.Key()]
	o.mu.RUnlock()

	var out []AdapterSource
	for _, es := range sources {
		o.mu.RLock()
		st := o.states[es.Exchange]
		o.mu.RUnlock()
		if st == nil {
			continue
		}
		out = append(out, AdapterSource{Adapter: st.adapter, Symbol: es.Symbol})
	}
	return out
}

// SubscribedSymbols returns the current subscription set for name,
// exposed for tests validating exactly-once subscription semantics.
func (o *Orchestrator) SubscribedSymbols(name string) map[string]bool {
	o.mu.RLock()
	st := o.states[name]
	o.mu.RUnlock()
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make(map[string]bool, len(st.subscribedSymbols))
	for s, v := range st.subscribedSymbols {
		out[s] = v
	}
	return out
}
