package errhandler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NiftyLeague/ftso-feed-value-provider/internal/circuit"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/classification"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/eventbus"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/recovery"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/retry"
)

func newTestHandler() (*Handler, *recovery.Manager) {
	rec := recovery.New(eventbus.New())
	h := New(circuit.NewManager(), retry.NewExecutor(), rec, eventbus.New())
	return h, rec
}

func TestHandleErrorRetryableSelectsRetry(t *testing.T) {
	h, _ := newTestHandler()
	f := feed.ID{Category: feed.CategoryCrypto, Name: "BTC/USD"}

	decision := h.HandleError(context.Background(), "binance-adapter", f, errors.New("connection reset"), 0, nil)
	assert.Equal(t, StrategyRetry, decision.Strategy)
	assert.Equal(t, classification.Connection, decision.Category)
	assert.False(t, decision.RetrySucceeded, "no retryFn was supplied")
}

func TestHandleErrorStaleDataClassification(t *testing.T) {
	h, _ := newTestHandler()
	f := feed.ID{Category: feed.CategoryCrypto, Name: "BTC/USD"}

	decision := h.HandleError(context.Background(), "binance-adapter", f, errors.New("some generic error"), 5000, nil)
	assert.Equal(t, classification.StaleData, decision.Category)
	assert.Equal(t, StrategyGracefulDegradation, decision.Strategy)
}

func TestHandleErrorCCXTBackup(t *testing.T) {
	h, rec := newTestHandler()
	f := feed.ID{Category: feed.CategoryCrypto, Name: "BTC/USD"}
	rec.ConfigureFeedSources(f, []string{"binance-adapter"}, []string{"ccxt-binance"})

	// dataAge beyond the threshold forces STALE_DATA, which is
	// non-recoverable, so selection falls through to the Tier-1-fails
	// branch where a same-exchange CCXT sibling is available.
	decision := h.HandleError(context.Background(), "binance-adapter", f, errors.New("some generic error"), 5000, nil)
	assert.Equal(t, StrategyCCXTBackup, decision.Strategy)
	assert.True(t, h.IsCCXTBackupActive(f))
}

func TestSeverityEscalatesWithRepeatedErrors(t *testing.T) {
	now := time.Now()
	h, rec := newTestHandler()
	h.nowFunc = func() time.Time { return now }
	f := feed.ID{Category: feed.CategoryCrypto, Name: "BTC/USD"}
	rec.ConfigureFeedSources(f, []string{"binance-adapter"}, []string{"coinbase-adapter"})

	for i := 0; i < 5; i++ {
		h.HandleError(context.Background(), "binance-adapter", f, errors.New("exchange symbol not found"), 0, nil)
	}

	decision := h.HandleError(context.Background(), "binance-adapter", f, errors.New("exchange symbol not found"), 0, nil)
	assert.Equal(t, classification.SeverityCritical, decision.Severity)
}

func TestHistoryPruning(t *testing.T) {
	h, _ := newTestHandler()
	f := feed.ID{Category: feed.CategoryCrypto, Name: "BTC/USD"}

	// A record older than the 24h history window is dropped on the next
	// recordHistory call.
	past := time.Now().Add(-25 * time.Hour)
	h.nowFunc = func() time.Time { return past }
	h.HandleError(context.Background(), "src", f, errors.New("connection reset"), 0, nil)
	h.nowFunc = time.Now

	h.HandleError(context.Background(), "src", f, errors.New("connection reset"), 0, nil)

	h.mu.Lock()
	count := len(h.history["src"])
	h.mu.Unlock()
	require.Equal(t, 1, count)
}

func TestHandleErrorRetryDispatchesAndReportsSuccess(t *testing.T) {
	h, _ := newTestHandler()
	f := feed.ID{Category: feed.CategoryCrypto, Name: "BTC/USD"}

	calls := 0
	retryFn := func(ctx context.Context) error {
		calls++
		return nil
	}

	decision := h.HandleError(context.Background(), "binance-adapter", f, errors.New("connection reset"), 0, retryFn)
	assert.Equal(t, StrategyRetry, decision.Strategy)
	assert.True(t, decision.RetrySucceeded)
	assert.Equal(t, 1, calls)
}

func TestHandleErrorRetryDispatchesAndReportsFailure(t *testing.T) {
	h, _ := newTestHandler()
	f := feed.ID{Category: feed.CategoryCrypto, Name: "BTC/USD"}

	retryFn := func(ctx context.Context) error {
		return errors.New("connection reset")
	}

	decision := h.HandleError(context.Background(), "binance-adapter", f, errors.New("connection reset"), 0, retryFn)
	assert.Equal(t, StrategyRetry, decision.Strategy)
	assert.False(t, decision.RetrySucceeded)
}
