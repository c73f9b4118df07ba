// Package recovery implements connection recovery and failover
// (spec.md §4.6): it owns health records for every data source, decides
// which source(s) serve a feed, and executes source swaps under a tight
// time budget, publishing its events on the shared eventbus.
package recovery

import (
	"sync"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider/internal/eventbus"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/log"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/metrics"
)

var logger = log.For("recovery")

// defaultFailoverBudget is the wall-clock target for triggerFailover
// (spec.md §4.6, §8 scenario 7: "elapsed time is recorded and observable"
// and must complete in ≤100ms with at least one viable backup), unless
// overridden via WithFailoverBudget from config.Config.FailoverBudget().
const defaultFailoverBudget = 100 * time.Millisecond

// DataSource is the subset of the adapter contract (spec.md §6) the
// recovery manager needs to install a connection-state listener.
type DataSource interface {
	ID() string
	OnConnectionChange(func(connected bool))
}

// SourceHealth is the health record for one registered data source
// (spec.md §3 "Source health").
type SourceHealth struct {
	SourceID            string
	Connected           bool
	Healthy             bool
	ConsecutiveFailures int
	ReconnectAttempts   int
	LastFailureTime     time.Time
}

// FeedSourceConfig records the ordered source preference for a feed
// (spec.md §4.6 configureFeedSources).
type FeedSourceConfig struct {
	Primary []string
	Backup  []string
}

// SystemHealth is the aggregate view returned by GetSystemHealth.
type SystemHealth struct {
	Total     int
	Connected int
	Healthy   int
	Failed    int
	Label     string // "healthy" | "degraded" | "unhealthy"
}

// Strategy is one entry of getRecoveryStrategies(sourceId).
type Strategy struct {
	Name     string // "reconnect" | "failover" | "graceful_degradation"
	Priority int
}

// FailoverResult describes one feed's outcome from a triggerFailover call.
type FailoverResult struct {
	Feed      feed.ID
	FromRole  string // "primary" | "backup"
	Activated string
	ElapsedMs int64
}

// Manager owns source health, feed source configuration, and executes
// failover/degradation decisions.
type Manager struct {
	mu          sync.Mutex
	sources     map[string]*SourceHealth
	feedConfigs map[string]FeedSourceConfig // keyed by feed.ID.Key()
	activeOf    map[string]string           // feed key -> currently active source

	bus     *eventbus.Bus
	nowFunc func() time.Time

	failoverBudget time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides time sourcing for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.nowFunc = now }
}

// WithFailoverBudget overrides the wall-clock target TriggerFailover warns
// against exceeding, normally sourced from config.Config.FailoverBudget().
func WithFailoverBudget(d time.Duration) Option {
	return func(m *Manager) { m.failoverBudget = d }
}

// New constructs a Manager publishing onto bus.
func New(bus *eventbus.Bus, opts ...Option) *Manager {
	m := &Manager{
		sources:        make(map[string]*SourceHealth),
		feedConfigs:    make(map[string]FeedSourceConfig),
		activeOf:       make(map[string]string),
		bus:            bus,
		nowFunc:        time.Now,
		failoverBudget: defaultFailoverBudget,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterDataSource installs health tracking and a connection-state
// listener for ds (spec.md §4.6 registerDataSource).
func (m *Manager) RegisterDataSource(ds DataSource) {
	id := ds.ID()

	m.mu.Lock()
	if _, exists := m.sources[id]; !exists {
		m.sources[id] = &SourceHealth{SourceID: id, Healthy: true}
	}
	m.mu.Unlock()

	ds.OnConnectionChange(func(connected bool) {
		m.onConnectionChange(id, connected)
	})
}

// UnregisterDataSource removes sourceID's health record.
func (m *Manager) UnregisterDataSource(sourceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sources, sourceID)
}

func (m *Manager) onConnectionChange(sourceID string, connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.sources[sourceID]
	if !ok {
		h = &SourceHealth{SourceID: sourceID}
		m.sources[sourceID] = h
	}
	wasConnected := h.Connected
	h.Connected = connected
	if connected {
		h.ConsecutiveFailures = 0
		h.ReconnectAttempts = 0
		h.Healthy = true
		if !wasConnected {
			m.publish(eventbus.TopicConnectionRestored, sourceID)
		}
	}
}

// ConfigureFeedSources records the ordered source preference for feed
// (spec.md §4.6 configureFeedSources).
func (m *Manager) ConfigureFeedSources(f feed.ID, primary, backup []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feedConfigs[f.Key()] = FeedSourceConfig{
		Primary: append([]string(nil), primary...),
		Backup:  append([]string(nil), backup...),
	}
}

// MarkFailure records a failure against sourceID, for use by callers that
// detect errors outside the connection-state callback (e.g. the error
// handler after a classified failure).
func (m *Manager) MarkFailure(sourceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.sources[sourceID]
	if !ok {
		h = &SourceHealth{SourceID: sourceID}
		m.sources[sourceID] = h
	}
	h.ConsecutiveFailures++
	h.Healthy = false
	h.LastFailureTime = m.nowFunc()
}

// TriggerFailover marks sourceID unhealthy and, for every feed that
// references it, activates the next viable candidate: primary→primary,
// then primary→backup, then backup→backup (spec.md §4.6 triggerFailover).
// Elapsed wall-clock time is measured, observed in the failover-duration
// histogram, and a warning logged if it exceeds the failover budget
// (100ms unless set with WithFailoverBudget).
func (m *Manager) TriggerFailover(sourceID, reason string) ([]FailoverResult, error) {
	start := m.nowFunc()

	m.mu.Lock()
	if h, ok := m.sources[sourceID]; ok {
		h.Healthy = false
		h.LastFailureTime = start
	} else {
		m.sources[sourceID] = &SourceHealth{SourceID: sourceID, Healthy: false, LastFailureTime: start}
	}

	var results []FailoverResult
	for key, cfg := range m.feedConfigs {
		role, idx := roleOf(cfg, sourceID)
		if role == "" {
			continue
		}
		candidate, fromRole, found := m.nextCandidateLocked(cfg, role, idx)
		if !found {
			continue
		}
		m.activeOf[key] = candidate
		results = append(results, FailoverResult{
			Feed:      keyToID(key),
			FromRole:  fromRole,
			Activated: candidate,
			ElapsedMs: 0, // filled after unlock with final elapsed
		})
	}
	m.mu.Unlock()

	elapsed := m.nowFunc().Sub(start)
	elapsedMs := elapsed.Milliseconds()
	metrics.FailoverDuration.Observe(elapsed.Seconds())
	for i := range results {
		results[i].ElapsedMs = elapsedMs
		m.publish(eventbus.TopicFailoverCompleted, results[i])
	}

	if elapsed > m.failoverBudget {
		logger.Warn().Str("source", sourceID).Str("reason", reason).Dur("elapsed", elapsed).Msg("failover exceeded budget")
	}
	return results, nil
}

// roleOf reports whether sourceID appears in cfg's primary or backup list
// and its index there.
func roleOf(cfg FeedSourceConfig, sourceID string) (role string, idx int) {
	for i, s := range cfg.Primary {
		if s == sourceID {
			return "primary", i
		}
	}
	for i, s := range cfg.Backup {
		if s == sourceID {
			return "backup", i
		}
	}
	return "", -1
}

// nextCandidateLocked selects the next viable candidate per spec.md's
// ordering: same-list sibling first, then the first viable entry of the
// other list. Caller holds m.mu.
func (m *Manager) nextCandidateLocked(cfg FeedSourceConfig, role string, idx int) (candidate, fromRole string, found bool) {
	if role == "primary" {
		for i, s := range cfg.Primary {
			if i == idx {
				continue
			}
			if m.viableLocked(s) {
				return s, "primary", true
			}
		}
		for _, s := range cfg.Backup {
			if m.viableLocked(s) {
				return s, "backup", true
			}
		}
		return "", "", false
	}
	for i, s := range cfg.Backup {
		if i == idx {
			continue
		}
		if m.viableLocked(s) {
			return s, "backup", true
		}
	}
	return "", "", false
}

func (m *Manager) viableLocked(sourceID string) bool {
	h, ok := m.sources[sourceID]
	if !ok {
		return true // unknown source assumed viable until proven otherwise
	}
	return h.Healthy
}

// ImplementGracefulDegradation inspects feed's configured sources and
// emits completeServiceDegradation if none are viable, or
// partialServiceDegradation if below the desired redundancy of 2
// (spec.md §4.6 implementGracefulDegradation).
func (m *Manager) ImplementGracefulDegradation(f feed.ID) {
	m.mu.Lock()
	cfg, ok := m.feedConfigs[f.Key()]
	if !ok {
		m.mu.Unlock()
		return
	}
	viable := 0
	for _, s := range append(append([]string(nil), cfg.Primary...), cfg.Backup...) {
		if m.viableLocked(s) {
			viable++
		}
	}
	m.mu.Unlock()

	const desiredRedundancy = 2
	switch {
	case viable == 0:
		m.publish(eventbus.TopicCompleteServiceDegradation, f)
	case viable < desiredRedundancy:
		m.publish(eventbus.TopicPartialServiceDegradation, f)
	}
}

// Viable reports whether sourceID is currently healthy (or unknown, which
// is assumed viable until proven otherwise).
func (m *Manager) Viable(sourceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.viableLocked(sourceID)
}

// FeedConfig returns the configured source preference for f, if any.
func (m *Manager) FeedConfig(f feed.ID) (FeedSourceConfig, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.feedConfigs[f.Key()]
	return cfg, ok
}

// HasViableFailover reports whether any feed referencing sourceID has a
// viable sibling candidate in the same role list or the other list.
func (m *Manager) HasViableFailover(sourceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cfg := range m.feedConfigs {
		role, idx := roleOf(cfg, sourceID)
		if role == "" {
			continue
		}
		if _, _, found := m.nextCandidateLocked(cfg, role, idx); found {
			return true
		}
	}
	return false
}

// HasViableSameTierFailover reports whether any feed referencing
// sourceID has a viable candidate of the *same tier* as sourceID,
// distinguishing a same-tier "failover" from a cross-tier "tier_fallback"
// / "ccxt_backup" (spec.md §4.5: "failover — if other healthy sources
// exist in the same tier").
func (m *Manager) HasViableSameTierFailover(sourceID string) bool {
	tier := feed.TierOf(feed.Source(sourceID))

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cfg := range m.feedConfigs {
		role, _ := roleOf(cfg, sourceID)
		if role == "" {
			continue
		}
		for _, s := range append(append([]string(nil), cfg.Primary...), cfg.Backup...) {
			if s == sourceID {
				continue
			}
			if feed.TierOf(feed.Source(s)) == tier && m.viableLocked(s) {
				return true
			}
		}
	}
	return false
}

// GetSystemHealth aggregates source counts into an overall label
// (spec.md §4.6 getSystemHealth).
func (m *Manager) GetSystemHealth() SystemHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := SystemHealth{Total: len(m.sources)}
	for _, s := range m.sources {
		if s.Connected {
			h.Connected++
		}
		if s.Healthy {
			h.Healthy++
		} else {
			h.Failed++
		}
	}
	if h.Total == 0 {
		h.Label = "healthy"
		return h
	}
	ratio := float64(h.Healthy) / float64(h.Total)
	switch {
	case ratio >= 0.8:
		h.Label = "healthy"
	case ratio >= 0.4:
		h.Label = "degraded"
	default:
		h.Label = "unhealthy"
	}
	return h
}

// GetRecoveryStrategies returns the priority-ordered recovery strategies
// for sourceID (spec.md §4.6 getRecoveryStrategies).
func (m *Manager) GetRecoveryStrategies(sourceID string) []Strategy {
	return []Strategy{
		{Name: "reconnect", Priority: 1},
		{Name: "failover", Priority: 2},
		{Name: "graceful_degradation", Priority: 3},
	}
}

func (m *Manager) publish(topic string, payload any) {
	if m.bus != nil {
		m.bus.Publish(topic, payload)
	}
}

func keyToID(key string) feed.ID {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return feed.ID{Category: feed.ParseCategory(key[:i]), Name: key[i+1:]}
		}
	}
	return feed.ID{Name: key}
}
