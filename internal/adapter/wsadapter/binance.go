package wsadapter

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider/internal/adapter"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/feed"
)

// bookTicker mirrors Binance's combined book-ticker stream payload,
// grounded on the teacher's BinanceBookTicker shape
// (internal/data/ws/binance.go), trimmed to the fields the normalized
// Tick needs.
type bookTicker struct {
	Symbol   string `json:"s"`
	BidPrice string `json:"b"`
	AskPrice string `json:"a"`
}

// NewBinance builds the Tier-1 adapter for Binance's public combined
// book-ticker WebSocket stream.
func NewBinance() *Adapter {
	u, _ := url.Parse("wss://stream.binance.com:9443/ws/!bookTicker")
	return New(Config{
		ExchangeName: "binance",
		Category:     feed.CategoryCrypto,
		StreamURL:    u,
		Decode:       decodeBinanceTick,
		MapSymbol:    func(feedSymbol string) string { return strings.ToLower(strings.ReplaceAll(feedSymbol, "/", "")) },
	})
}

func decodeBinanceTick(raw []byte) (adapter.Tick, bool, error) {
	var t bookTicker
	if err := json.Unmarshal(raw, &t); err != nil {
		return adapter.Tick{}, false, err
	}
	if t.Symbol == "" {
		return adapter.Tick{}, false, nil
	}

	bid, err := strconv.ParseFloat(t.BidPrice, 64)
	if err != nil {
		return adapter.Tick{}, false, err
	}
	ask, err := strconv.ParseFloat(t.AskPrice, 64)
	if err != nil {
		return adapter.Tick{}, false, err
	}

	mid := (bid + ask) / 2
	return adapter.Tick{
		Symbol:      t.Symbol,
		Price:       mid,
		TimestampMs: time.Now().UnixMilli(),
		Source:      "binance-adapter",
		Confidence:  1.0,
	}, true, nil
}
