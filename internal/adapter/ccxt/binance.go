package ccxt

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider/internal/adapter"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/feed"
)

// binanceTickerResponse mirrors Binance's REST /api/v3/ticker/price
// response, the fallback path used when the Tier-1 WebSocket adapter for
// the same exchange is unavailable.
type binanceTickerResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// NewBinance builds the CCXT-backed Tier-2 substitute for the Binance
// Tier-1 adapter.
func NewBinance() *Adapter {
	return New(Config{
		Exchange: "binance",
		Category: feed.CategoryCrypto,
		BaseURL:  "https://api.binance.com",
		BuildRequest: func(baseURL, symbol string) (*http.Request, error) {
			url := fmt.Sprintf("%s/api/v3/ticker/price?symbol=%s", baseURL, symbol)
			return http.NewRequest(http.MethodGet, url, nil)
		},
		Parse: parseBinanceTicker,
	})
}

func parseBinanceTicker(symbol string, body []byte) (adapter.Tick, error) {
	var resp binanceTickerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return adapter.Tick{}, err
	}
	price, err := strconv.ParseFloat(resp.Price, 64)
	if err != nil {
		return adapter.Tick{}, err
	}
	return adapter.Tick{
		Symbol:      symbol,
		Price:       price,
		TimestampMs: time.Now().UnixMilli(),
		Confidence:  0.9, // Tier-2 substitute, slightly discounted confidence
	}, nil
}
