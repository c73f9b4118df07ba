package wsadapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeBinanceTick(t *testing.T) {
	raw := []byte(`{"s":"BTCUSDT","b":"60000.10","B":"1.0","a":"60000.50","A":"2.0","u":1}`)
	tick, ok, err := decodeBinanceTick(raw)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", tick.Symbol)
	assert.InDelta(t, 60000.3, tick.Price, 0.001)
	assert.Equal(t, "binance-adapter", tick.Source)
}

func TestDecodeBinanceTickIgnoresEmptyFrame(t *testing.T) {
	_, ok, err := decodeBinanceTick([]byte(`{}`))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetSymbolMappingDefault(t *testing.T) {
	a := NewBinance()
	assert.Equal(t, "btcusdt", a.GetSymbolMapping("BTC/USDT"))
}

func TestIDAndCapabilities(t *testing.T) {
	a := NewBinance()
	assert.Equal(t, "binance-adapter", a.ID())
	caps := a.Capabilities()
	assert.True(t, caps.WebSocket)
	assert.False(t, caps.REST)
}

func TestOnConnectionChangeFiresOnTransition(t *testing.T) {
	a := NewBinance()
	var got []bool
	a.OnConnectionChange(func(c bool) { got = append(got, c) })

	a.setConnected(true)
	a.setConnected(true) // no-op, same state
	a.setConnected(false)

	assert.Equal(t, []bool{true, false}, got)
}
