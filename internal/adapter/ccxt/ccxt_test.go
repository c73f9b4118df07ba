package ccxt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDUsesCCXTPrefix(t *testing.T) {
	a := NewBinance()
	assert.Equal(t, "ccxt-binance", a.ID())
}

func TestFetchTickerRESTParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbol":"BTCUSDT","price":"60123.45"}`))
	}))
	defer srv.Close()

	a := NewBinance()
	a.cfg.BaseURL = srv.URL

	tick, err := a.FetchTickerREST(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", tick.Symbol)
	assert.InDelta(t, 60123.45, tick.Price, 0.001)
	assert.Equal(t, "ccxt-binance", tick.Source)
}

func TestFetchTickerRESTNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := NewBinance()
	a.cfg.BaseURL = srv.URL

	_, err := a.FetchTickerREST(context.Background(), "BTCUSDT")
	assert.Error(t, err)
}

func TestSubscribeTracksSymbols(t *testing.T) {
	a := NewBinance()
	require.NoError(t, a.Subscribe(context.Background(), []string{"BTCUSDT", "ETHUSDT"}))

	a.mu.RLock()
	defer a.mu.RUnlock()
	assert.True(t, a.subscribed["BTCUSDT"])
	assert.True(t, a.subscribed["ETHUSDT"])
}
