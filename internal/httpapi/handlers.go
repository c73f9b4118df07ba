package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/NiftyLeague/ftso-feed-value-provider/internal/aggregator"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/cache"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/circuit"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/recovery"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/warmer"
)

// Handlers binds the HTTP surface to the aggregation facade and the
// reliability/observability components it reports health from.
type Handlers struct {
	agg      *aggregator.Aggregator
	cache    *cache.Cache
	circuits *circuit.Manager
	recovery *recovery.Manager
	warmer   *warmer.Warmer
}

// NewHandlers builds a Handlers. recovery and warmer may be nil: the
// health endpoint omits the sections they would otherwise contribute.
func NewHandlers(agg *aggregator.Aggregator, c *cache.Cache, circuits *circuit.Manager, rec *recovery.Manager, w *warmer.Warmer) *Handlers {
	return &Handlers{agg: agg, cache: c, circuits: circuits, recovery: rec, warmer: w}
}

type currentValueResponse struct {
	Feed       string   `json:"feed"`
	Value      float64  `json:"value"`
	Timestamp  int64    `json:"timestamp"`
	Confidence float64  `json:"confidence"`
	Source     string   `json:"source"`
	Failures   []string `json:"failures,omitempty"`
}

func toCurrentValueResponse(r aggregator.Result) currentValueResponse {
	resp := currentValueResponse{
		Feed:       r.Feed.Key(),
		Value:      r.Value.Price,
		Timestamp:  r.Value.TimestampMs,
		Confidence: r.Value.Confidence,
		Source:     string(r.Source),
	}
	for _, f := range r.Failures {
		resp.Failures = append(resp.Failures, fmt.Sprintf("%s: %v", f.Source, f.Err))
	}
	return resp
}

// CurrentValues serves spec.md §6 "Current values": GET
// /api/v1/current?feeds=Crypto:BTC/USD,Crypto:ETH/USD. The overall call
// succeeds (200) as long as at least one requested feed resolved to
// something other than fallback_error; if every feed failed completely
// the response is 503 with per-feed diagnostics still attached.
func (h *Handlers) CurrentValues(w http.ResponseWriter, r *http.Request) {
	feeds, err := parseFeedsParam(r.URL.Query().Get("feeds"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(feeds) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("feeds parameter is required"))
		return
	}

	results := h.agg.GetCurrentValues(r.Context(), feeds)
	resp := make([]currentValueResponse, len(results))
	succeeded := 0
	for i, res := range results {
		resp[i] = toCurrentValueResponse(res)
		if res.Source != feed.ValueFallbackError {
			succeeded++
		}
	}

	if succeeded == 0 {
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type historicalResponse struct {
	VotingRoundID int64                  `json:"votingRoundId"`
	Data          []currentValueResponse `json:"data"`
}

// HistoricalValues serves spec.md §6 "Historical": GET
// /api/v1/historical/{votingRoundId}?feeds=....
func (h *Handlers) HistoricalValues(w http.ResponseWriter, r *http.Request) {
	round, err := strconv.ParseInt(mux.Vars(r)["votingRoundId"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid votingRoundId: %w", err))
		return
	}
	feeds, err := parseFeedsParam(r.URL.Query().Get("feeds"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(feeds) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("feeds parameter is required"))
		return
	}

	result := h.agg.GetHistoricalValues(r.Context(), round, feeds)
	data := make([]currentValueResponse, len(result.Data))
	for i, res := range result.Data {
		data[i] = toCurrentValueResponse(res)
	}
	writeJSON(w, http.StatusOK, historicalResponse{VotingRoundID: result.VotingRoundID, Data: data})
}

type exchangeVolumeResponse struct {
	Exchange string  `json:"exchange"`
	Volume   float64 `json:"volume"`
}

type volumeResponse struct {
	Feed    string                   `json:"feed"`
	Volumes []exchangeVolumeResponse `json:"volumes"`
}

// Volumes serves spec.md §6 "Volumes": GET
// /api/v1/volumes?feeds=...&windowSec=60. windowSec defaults to 60 when
// omitted or non-positive.
func (h *Handlers) Volumes(w http.ResponseWriter, r *http.Request) {
	feeds, err := parseFeedsParam(r.URL.Query().Get("feeds"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(feeds) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("feeds parameter is required"))
		return
	}

	windowSec := 0
	if raw := r.URL.Query().Get("windowSec"); raw != "" {
		windowSec, err = strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid windowSec: %w", err))
			return
		}
	}

	results := h.agg.GetVolumes(r.Context(), feeds, windowSec)
	resp := make([]volumeResponse, len(results))
	for i, res := range results {
		vr := volumeResponse{Feed: res.Feed.Key()}
		for _, v := range res.Volumes {
			vr.Volumes = append(vr.Volumes, exchangeVolumeResponse{Exchange: v.Exchange, Volume: v.Volume})
		}
		resp[i] = vr
	}
	writeJSON(w, http.StatusOK, resp)
}

type healthResponse struct {
	Status       string                    `json:"status"`
	Cache        cache.Stats               `json:"cache"`
	Circuits     map[string]circuit.Metrics `json:"circuits"`
	Sources      *recovery.SystemHealth     `json:"sources,omitempty"`
	WarmedFeeds  int                        `json:"warmedFeeds,omitempty"`
}

// Health reports an aggregate view drawn from the cache, the circuit
// manager, and (when wired) the recovery manager and warmer, so an
// operator can tell at a glance why the service might be degraded.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:   "healthy",
		Cache:    h.cache.Stats(),
		Circuits: h.circuits.AllMetrics(),
	}
	if h.recovery != nil {
		sh := h.recovery.GetSystemHealth()
		resp.Sources = &sh
		resp.Status = sh.Label
	}
	if h.warmer != nil {
		resp.WarmedFeeds = h.warmer.GetWarmupStats(0).TrackedFeeds
	}

	status := http.StatusOK
	if resp.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// parseFeedsParam splits a comma-separated "Category:Name,Category:Name"
// query value into feed IDs.
func parseFeedsParam(raw string) ([]feed.ID, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]feed.ID, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := parseFeedID(p)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// parseFeedID parses "Category:Name" into a feed.ID. Name itself may
// contain ':' (it never does for the crypto pairs this service serves,
// but the split is on the first colon only to stay safe if it ever did).
func parseFeedID(s string) (feed.ID, error) {
	idx := strings.Index(s, ":")
	if idx < 0 {
		return feed.ID{}, fmt.Errorf("invalid feed id %q: expected Category:Name", s)
	}
	return feed.ID{Category: feed.ParseCategory(s[:idx]), Name: s[idx+1:]}, nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error().Err(err).Msg("failed to encode response body")
	}
}
