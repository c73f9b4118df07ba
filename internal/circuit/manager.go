package circuit

import (
	"context"
	"sync"
	"time"
)

// Manager owns every registered breaker and runs the shared health sweep
// ticker (spec.md §4.3 "a background task every 30 s").
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewManager constructs a Manager and starts its health sweep.
func NewManager() *Manager {
	m := &Manager{
		breakers: make(map[string]*Breaker),
		stopCh:   make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Register installs a breaker for serviceID with cfg if one does not
// already exist. Safe to call repeatedly; subsequent calls are no-ops.
func (m *Manager) Register(serviceID string, cfg Config) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[serviceID]; ok {
		return b
	}
	b := NewBreaker(serviceID, cfg)
	m.breakers[serviceID] = b
	return b
}

// Get returns the breaker for serviceID, if registered.
func (m *Manager) Get(serviceID string) (*Breaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.breakers[serviceID]
	return b, ok
}

// Unregister removes serviceID's breaker, canceling its recovery timer
// (spec.md §5 "Per-circuit pending recovery timers must be canceled on
// unregisterCircuit").
func (m *Manager) Unregister(serviceID string) {
	m.mu.Lock()
	b, ok := m.breakers[serviceID]
	delete(m.breakers, serviceID)
	m.mu.Unlock()
	if ok {
		b.stop()
	}
}

// Execute runs fn through serviceID's breaker, registering one with cfg
// if it doesn't exist yet.
func (m *Manager) Execute(ctx context.Context, serviceID string, cfg Config, fn func(ctx context.Context) error) error {
	b := m.Register(serviceID, cfg)
	return b.Execute(ctx, fn)
}

// AllMetrics returns getCircuitMetrics for every registered service.
func (m *Manager) AllMetrics() map[string]Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Metrics, len(m.breakers))
	for id, b := range m.breakers {
		out[id] = b.Metrics()
	}
	return out
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepOnce()
		}
	}
}

func (m *Manager) sweepOnce() {
	m.mu.RLock()
	snapshot := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		snapshot = append(snapshot, b)
	}
	m.mu.RUnlock()

	now := time.Now()
	for _, b := range snapshot {
		b.sweepOnce(now)
	}
}

// Close stops the health sweep and cancels every breaker's recovery
// timer (spec.md §5 "cleanup").
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.breakers {
		b.stop()
	}
}
