// Command ftsofeed runs the real-time feed value provider: it wires the
// cache, circuit breaker, retry executor, error handler, recovery
// manager, cache warmer, WebSocket orchestrator, and aggregation facade
// together behind an HTTP surface (spec.md §2 "Components and their
// responsibilities").
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/NiftyLeague/ftso-feed-value-provider/internal/adapter"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/adapter/ccxt"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/adapter/wsadapter"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/aggregator"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/cache"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/circuit"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/config"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/errhandler"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/eventbus"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/httpapi"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/log"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/orchestrator"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/recovery"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/retry"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/warmer"
)

const (
	appName = "ftsofeed"
	version = "v0.1.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Real-time FTSO feed value provider",
		Version: version,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the aggregation service and its HTTP surface",
		RunE:  runServe,
	}
	serveCmd.Flags().String("config", "config.yaml", "Path to the YAML configuration file")
	serveCmd.Flags().String("host", "", "Override the configured HTTP listen host")
	serveCmd.Flags().Int("port", 0, "Override the configured HTTP listen port")
	serveCmd.Flags().String("log-level", "info", "Log level: debug|info|warn|error")

	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Base().Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	hostOverride, _ := cmd.Flags().GetString("host")
	portOverride, _ := cmd.Flags().GetInt("port")
	logLevel, _ := cmd.Flags().GetString("log-level")

	setLogLevel(logLevel)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	httpCfg := httpapi.DefaultServerConfig()
	if addr := cfg.HTTPAddr; addr != "" {
		if host, port, perr := splitHostPort(addr); perr == nil {
			httpCfg.Host, httpCfg.Port = host, port
		}
	}
	if hostOverride != "" {
		httpCfg.Host = hostOverride
	}
	if portOverride != 0 {
		httpCfg.Port = portOverride
	}

	deps := buildDependencies(*cfg)
	defer deps.cache.Close()
	defer deps.circuits.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := deps.orch.Init(ctx, deps.configuredFeeds); err != nil {
		cancel()
		return fmt.Errorf("orchestrator init: %w", err)
	}
	cancel()

	handlers := httpapi.NewHandlers(deps.agg, deps.cache, deps.circuits, deps.recoveryMgr, deps.warmer)
	server, err := httpapi.NewServer(httpCfg, handlers)
	if err != nil {
		return fmt.Errorf("http server: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			serverErr <- err
		}
	}()
	log.Base().Info().Str("addr", server.GetAddress()).Msg("ftsofeed serving")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Base().Info().Msg("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	deps.warmer.Close()
	deps.orch.Cleanup(shutdownCtx)
	return server.Shutdown(shutdownCtx)
}

func setLogLevel(level string) {
	var zl zerolog.Level
	switch level {
	case "debug":
		zl = zerolog.DebugLevel
	case "warn":
		zl = zerolog.WarnLevel
	case "error":
		zl = zerolog.ErrorLevel
	default:
		zl = zerolog.InfoLevel
	}

	var w zerolog.ConsoleWriter
	w.Out = os.Stderr
	w.TimeFormat = time.Kitchen
	w.NoColor = !term.IsTerminal(int(os.Stderr.Fd()))
	log.SetBase(zerolog.New(w).With().Timestamp().Logger().Level(zl))
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	if host == "" {
		host = "0.0.0.0"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

// dependencies bundles every wired component runServe needs to start and
// shut down the service.
type dependencies struct {
	cache           *cache.Cache
	circuits        *circuit.Manager
	retries         *retry.Executor
	bus             *eventbus.Bus
	recoveryMgr     *recovery.Manager
	errHandler      *errhandler.Handler
	orch            *orchestrator.Orchestrator
	agg             *aggregator.Aggregator
	warmer          *warmer.Warmer
	configuredFeeds []feed.ConfiguredFeed
}

// buildDependencies wires every component per spec.md §2's dependency
// graph: cache and circuit/retry have no dependencies; recovery depends
// on the event bus; the error handler depends on circuit, retry, and
// recovery; the orchestrator depends on the resolved adapters; the
// aggregation facade ties the cache, orchestrator, circuit, retry, and
// error handler together; the warmer depends on the cache and uses the
// aggregator as its data source.
func buildDependencies(cfg config.Config) *dependencies {
	c := cache.New(cache.Config{
		MaxTTL:     cfg.MaxTTL(),
		MaxEntries: cfg.MaxEntries,
	})

	circuitCfg := toCircuitConfig(cfg.Circuit)
	retryCfg := toRetryConfig(cfg.Retry)

	circuits := circuit.NewManager()
	retries := retry.NewExecutor()
	bus := eventbus.New()
	recoveryMgr := recovery.New(bus, recovery.WithFailoverBudget(cfg.FailoverBudget()))
	errHandler := errhandler.New(circuits, retries, recoveryMgr, bus,
		errhandler.WithCircuitConfig(circuitCfg),
		errhandler.WithStaleDataThreshold(int64(cfg.FreshnessThresholdMs)),
		errhandler.WithTier1ToTier2Delay(cfg.Tier1ToTier2Delay()),
	)

	custom, reverseIndex := buildAdapters(cfg.Feeds)
	ccxtResolver := func(exchangeName string) adapter.Exchange {
		logger := log.For("main")
		logger.Warn().Str("exchange", exchangeName).Msg("falling back to generic CCXT substitute")
		return ccxt.NewBinance()
	}

	orch := orchestrator.New(custom, ccxtResolver, orchestrator.WithPriceSink(func(t adapter.Tick) {
		f, ok := reverseIndex[t.Source+":"+t.Symbol]
		if !ok {
			return
		}
		entry := feed.Entry{Price: t.Price, TimestampMs: t.TimestampMs, Sources: []feed.Source{feed.Source(t.Source)}, Confidence: t.Confidence}
		c.SetPrice(f, &entry)
	}))

	for _, fs := range cfg.Feeds {
		var sources []feed.ExchangeSymbol
		for _, s := range fs.Sources {
			sources = append(sources, feed.ExchangeSymbol{Exchange: s.Exchange, Symbol: s.Symbol})
		}
		recoveryMgr.ConfigureFeedSources(feed.ID{Category: feed.ParseCategory(fs.Category), Name: fs.Name}, exchangeNames(sources), nil)
	}

	agg := aggregator.New(c, orch, circuits, retries, errHandler,
		aggregator.WithCircuitConfig(circuitCfg),
		aggregator.WithRetryConfig(retryCfg),
	)

	warmSource := func(ctx context.Context, f feed.ID) (feed.AggregatedPrice, error) {
		results := agg.GetCurrentValues(ctx, []feed.ID{f})
		if len(results) == 0 || results[0].Source == feed.ValueFallbackError {
			return feed.AggregatedPrice{}, fmt.Errorf("warm: no data available for %s", f.Key())
		}
		r := results[0]
		return feed.AggregatedPrice{Price: r.Value.Price, TimestampMs: r.Value.TimestampMs, Sources: r.Value.Sources, Confidence: r.Value.Confidence}, nil
	}
	w := warmer.New(c, warmSource, toWarmerConfig(cfg))

	var configuredFeeds []feed.ConfiguredFeed
	for _, fs := range cfg.Feeds {
		var sources []feed.ExchangeSymbol
		for _, s := range fs.Sources {
			sources = append(sources, feed.ExchangeSymbol{Exchange: s.Exchange, Symbol: s.Symbol})
		}
		configuredFeeds = append(configuredFeeds, feed.ConfiguredFeed{
			Feed:    feed.ID{Category: feed.ParseCategory(fs.Category), Name: fs.Name},
			Sources: sources,
		})
	}

	return &dependencies{
		cache: c, circuits: circuits, retries: retries, bus: bus,
		recoveryMgr: recoveryMgr, errHandler: errHandler, orch: orch,
		agg: agg, warmer: w, configuredFeeds: configuredFeeds,
	}
}

// toCircuitConfig converts the loaded circuitDefaults YAML block into the
// circuit.Config the manager/breaker contract expects (spec.md §6
// "Environment/configuration knobs").
func toCircuitConfig(d config.CircuitDefaults) circuit.Config {
	return circuit.Config{
		FailureThreshold: d.FailureThreshold,
		SuccessThreshold: d.SuccessThreshold,
		RecoveryTimeout:  d.RecoveryTimeout(),
		OperationTimeout: d.OperationTimeout(),
		MonitoringWindow: d.MonitoringWindow(),
	}
}

// toRetryConfig converts the loaded retryDefaults YAML block into the
// retry.Config the executor expects.
func toRetryConfig(d config.RetryDefaults) retry.Config {
	return retry.Config{
		MaxRetries:        d.MaxRetries,
		InitialDelay:      d.InitialDelay(),
		MaxDelay:          d.MaxDelay(),
		BackoffMultiplier: d.BackoffMultiplier,
		JitterFraction:    d.JitterFraction,
	}
}

// toWarmerConfig overlays the loaded warmerIntervals/freshness/stale-age
// knobs onto warmer.DefaultConfig, leaving the strategy's target-feed
// counts, concurrency, and priority-scoring shape at their tuned Go
// defaults since spec.md §6 does not expose those as configuration.
func toWarmerConfig(cfg config.Config) warmer.Config {
	c := warmer.DefaultConfig()
	c.CriticalInterval = cfg.Warmer.Critical()
	c.PredictiveInterval = cfg.Warmer.Predictive()
	c.MaintenanceInterval = cfg.Warmer.Maintenance()
	c.FreshnessThresholdMs = int64(cfg.FreshnessThresholdMs)
	c.StaleThresholdMs = int64(cfg.StalePatternAgeMs)
	return c
}

// buildAdapters constructs the Tier-1 custom adapter set this build ships
// (currently just Binance) and a reverse (sourceID, wire symbol) -> feed
// index used to route pushed ticks into the cache.
func buildAdapters(feeds []config.FeedSpec) (map[string]adapter.Exchange, map[string]feed.ID) {
	binance := wsadapter.NewBinance()
	custom := map[string]adapter.Exchange{"binance": binance}

	reverseIndex := make(map[string]feed.ID)
	for _, fs := range feeds {
		f := feed.ID{Category: feed.ParseCategory(fs.Category), Name: fs.Name}
		for _, s := range fs.Sources {
			ex, ok := custom[s.Exchange]
			if !ok {
				continue
			}
			reverseIndex[ex.ID()+":"+s.Symbol] = f
		}
	}
	return custom, reverseIndex
}

func exchangeNames(sources []feed.ExchangeSymbol) []string {
	out := make([]string, len(sources))
	for i, s := range sources {
		out[i] = s.Exchange
	}
	return out
}
