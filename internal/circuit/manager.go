package circuit

import (
	"sync"

	"github.com/anima-ai/anima/internal/clock"
)

// Manager hands out one breaker per provider name. Lookups are cheap; the
// write path uses double-checked locking so concurrent first requests for
// the same name share a breaker.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
	clk      clock.Clock
}

// NewManager creates a manager whose breakers share cfg and clk.
func NewManager(cfg Config, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Manager{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		clk:      clk,
	}
}

// Get returns the breaker for name, creating it on first use.
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b
	}
	b = NewBreaker(name, m.cfg, m.clk)
	m.breakers[name] = b
	return b
}

// ResetAll forces every managed breaker CLOSED.
func (m *Manager) ResetAll() {
	m.mu.RLock()
	all := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		all = append(all, b)
	}
	m.mu.RUnlock()
	for _, b := range all {
		b.Reset()
	}
}

// Metrics returns snapshots for every managed breaker.
func (m *Manager) Metrics() []Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Metrics, 0, len(m.breakers))
	for _, b := range m.breakers {
		out = append(out, b.Metrics())
	}
	return out
}
