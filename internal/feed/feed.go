// Package feed defines the identity and normalized value types shared by
// every other package in the module: a feed is a (category, name) pair,
// a cache entry is the normalized price/volume record stored against it.
package feed

import (
	"fmt"
	"strings"
)

// Category enumerates the asset domains the provider serves.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryCrypto
	CategoryForex
	CategoryCommodity
	CategoryStock
)

func (c Category) String() string {
	switch c {
	case CategoryCrypto:
		return "Crypto"
	case CategoryForex:
		return "Forex"
	case CategoryCommodity:
		return "Commodity"
	case CategoryStock:
		return "Stock"
	default:
		return "Unknown"
	}
}

// ParseCategory converts the string form used in configuration files back
// into a Category.
func ParseCategory(s string) Category {
	switch strings.ToLower(s) {
	case "crypto":
		return CategoryCrypto
	case "forex":
		return CategoryForex
	case "commodity":
		return CategoryCommodity
	case "stock":
		return CategoryStock
	default:
		return CategoryUnknown
	}
}

// ID identifies a feed by (category, name). Equality is structural; Key
// gives the stable string encoding used for map/cache keys.
type ID struct {
	Category Category
	Name     string
}

// Key returns the stable "category:name" encoding used as a cache key
// component. Two IDs are equal iff their Key is equal.
func (f ID) Key() string {
	return f.Category.String() + ":" + f.Name
}

func (f ID) String() string {
	return f.Key()
}

// Source identifies a single upstream data source (exchange or CCXT-backed
// alternative) that contributed to an entry.
type Source string

// Tier partitions data sources into the Tier-1 (custom adapter) / Tier-2
// (CCXT-backed) preference classes described in spec.md §3/§6.
type Tier int

const (
	TierUnknown Tier = iota
	Tier1
	Tier2
)

func (t Tier) String() string {
	switch t {
	case Tier1:
		return "TIER1"
	case Tier2:
		return "TIER2"
	default:
		return "UNKNOWN"
	}
}

// ccxtPrefix is the convention used to derive a source's tier from its
// identifier: CCXT-backed sources are always named "ccxt-<exchange>".
const ccxtPrefix = "ccxt-"

// TierOf derives the tier of a source identifier from its naming
// convention, per spec.md §3 ("Tier is derived from source identifier").
func TierOf(source Source) Tier {
	if strings.HasPrefix(string(source), ccxtPrefix) {
		return Tier2
	}
	return Tier1
}

// UnderlyingExchange strips the "ccxt-" prefix (if any), returning the
// exchange name a Tier-2 source substitutes for.
func UnderlyingExchange(source Source) string {
	return strings.TrimPrefix(string(source), ccxtPrefix)
}

// CCXTSource builds the Tier-2 source identifier for a given exchange.
func CCXTSource(exchange string) Source {
	return Source(ccxtPrefix + exchange)
}

// Entry is a normalized price/volume record, the value type stored in the
// cache (spec.md §3 "Cache entry").
type Entry struct {
	Price       float64    `json:"price"`
	TimestampMs int64      `json:"timestampMs"`
	Sources     []Source   `json:"sources"`
	Confidence  float64    `json:"confidence"`
	VotingRound *int64     `json:"votingRound,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate a cached entry through
// a returned reference.
func (e Entry) Clone() Entry {
	out := e
	if len(e.Sources) > 0 {
		out.Sources = append([]Source(nil), e.Sources...)
	}
	if e.VotingRound != nil {
		v := *e.VotingRound
		out.VotingRound = &v
	}
	return out
}

// AggregatedPrice is the external result of fanning a feed request across
// adapters (spec.md §6 "Aggregated price record").
type AggregatedPrice struct {
	Price       float64  `json:"price"`
	TimestampMs int64    `json:"timestampMs"`
	Sources     []Source `json:"sources"`
	Confidence  float64  `json:"confidence"`
}

// ToEntry converts an AggregatedPrice into the cache's Entry shape.
func (a AggregatedPrice) ToEntry() Entry {
	return Entry{
		Price:       a.Price,
		TimestampMs: a.TimestampMs,
		Sources:     append([]Source(nil), a.Sources...),
		Confidence:  a.Confidence,
	}
}

// ValueSource classifies where a served HTTP value came from, per spec.md
// §6 ("source ∈ {cache, aggregated, fallback, fallback_error}").
type ValueSource string

const (
	ValueFromCache         ValueSource = "cache"
	ValueAggregated        ValueSource = "aggregated"
	ValueFallback          ValueSource = "fallback"
	ValueFallbackError     ValueSource = "fallback_error"
)

// Exchange/Symbol pair used by the orchestrator's feed mapping.
type ExchangeSymbol struct {
	Exchange string
	Symbol   string
}

func (es ExchangeSymbol) String() string {
	return fmt.Sprintf("%s:%s", es.Exchange, es.Symbol)
}

// ConfiguredFeed is one entry of the feed configuration input (spec.md §6).
type ConfiguredFeed struct {
	Feed    ID
	Sources []ExchangeSymbol
}
