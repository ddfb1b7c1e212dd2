// Package state enforces the agent lifecycle. Every transition between
// cognitive states goes through the Manager, which checks the legal
// edge set, runs guards and hooks, and records history.
package state

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anima-ai/anima/internal/clock"
	"github.com/anima-ai/anima/internal/common/logger"
	v1 "github.com/anima-ai/anima/pkg/api/v1"
)

// legalEdges is the allowed transition set. SHUTDOWN exits only to
// WAKEUP; there is no other path out of it.
var legalEdges = map[v1.AgentState][]v1.AgentState{
	v1.AgentStateShutdown: {v1.AgentStateWakeup},
	v1.AgentStateWakeup:   {v1.AgentStateWork, v1.AgentStateDream, v1.AgentStateShutdown},
	v1.AgentStateWork:     {v1.AgentStateDream, v1.AgentStatePlay, v1.AgentStateSolitude, v1.AgentStateShutdown},
	v1.AgentStateDream:    {v1.AgentStateWork, v1.AgentStateShutdown},
	v1.AgentStatePlay:     {v1.AgentStateWork, v1.AgentStateSolitude, v1.AgentStateShutdown},
	v1.AgentStateSolitude: {v1.AgentStateWork, v1.AgentStateShutdown},
}

// Guard decides whether a transition may proceed.
type Guard func(from, to v1.AgentState) bool

// Hook runs on a transition before it commits; an error aborts it.
type Hook func(from, to v1.AgentState) error

// Transition is one accepted edge traversal.
type Transition struct {
	From      v1.AgentState `json:"from"`
	To        v1.AgentState `json:"to"`
	Timestamp time.Time     `json:"timestamp"`
}

// Metadata is the per-state scratch record reset on entry.
type Metadata struct {
	EnteredAt time.Time              `json:"entered_at"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
}

type edgeKey struct {
	from, to v1.AgentState
}

// Manager is the agent lifecycle state machine.
type Manager struct {
	mu       sync.Mutex
	current  v1.AgentState
	history  []Transition
	metadata map[v1.AgentState]*Metadata
	guards   map[edgeKey]Guard
	hooks    map[edgeKey]Hook

	wakeupComplete bool

	clk clock.Clock
	log *logger.Logger
}

// NewManager starts in SHUTDOWN, the only state a fresh runtime can
// legally wake from.
func NewManager(clk clock.Clock, log *logger.Logger) *Manager {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		current:  v1.AgentStateShutdown,
		metadata: map[v1.AgentState]*Metadata{},
		guards:   map[edgeKey]Guard{},
		hooks:    map[edgeKey]Hook{},
		clk:      clk,
		log:      log.WithComponent("state_manager"),
	}
}

// Current returns the agent's present state.
func (m *Manager) Current() v1.AgentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// History returns a copy of the accepted transitions, oldest first.
func (m *Manager) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// Metadata returns the current state's scratch record.
func (m *Manager) Metadata() *Metadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metadata[m.current]
}

// SetGuard installs a guard on one edge.
func (m *Manager) SetGuard(from, to v1.AgentState, guard Guard) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guards[edgeKey{from, to}] = guard
}

// SetHook installs a transition hook on one edge.
func (m *Manager) SetHook(from, to v1.AgentState, hook Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks[edgeKey{from, to}] = hook
}

// CanTransition reports whether the edge current → target is legal.
func (m *Manager) CanTransition(target v1.AgentState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return edgeAllowed(m.current, target)
}

func edgeAllowed(from, to v1.AgentState) bool {
	for _, allowed := range legalEdges[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TransitionTo moves the agent to target. It returns false without
// touching history when the edge is illegal, the target equals the
// current state, a guard refuses, or a hook errors.
func (m *Manager) TransitionTo(target v1.AgentState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.current
	if target == from {
		return false
	}
	if !edgeAllowed(from, target) {
		m.log.Warn("illegal state transition rejected",
			zap.String("from", string(from)), zap.String("to", string(target)))
		return false
	}

	key := edgeKey{from, target}
	if guard, ok := m.guards[key]; ok && guard != nil {
		if !guard(from, target) {
			m.log.Info("transition refused by guard",
				zap.String("from", string(from)), zap.String("to", string(target)))
			return false
		}
	}
	if hook, ok := m.hooks[key]; ok && hook != nil {
		if err := hook(from, target); err != nil {
			m.log.Warn("transition hook failed, aborting",
				zap.String("from", string(from)), zap.String("to", string(target)), zap.Error(err))
			return false
		}
	}

	now := m.clk.Now()
	m.current = target
	m.history = append(m.history, Transition{From: from, To: target, Timestamp: now})
	m.metadata[target] = &Metadata{EnteredAt: now, Extra: map[string]interface{}{}}
	if target == v1.AgentStateWakeup {
		m.wakeupComplete = false
	}
	m.log.Info("state transition",
		zap.String("from", string(from)), zap.String("to", string(target)))
	return true
}

// MarkWakeupComplete records that the wakeup sequence finished, arming
// the single auto-transition.
func (m *Manager) MarkWakeupComplete() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wakeupComplete = true
}

// ShouldAutoTransition returns WORK exactly once after wakeup
// completes. No other state auto-transitions, and SHUTDOWN never does.
func (m *Manager) ShouldAutoTransition() (v1.AgentState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == v1.AgentStateWakeup && m.wakeupComplete {
		return v1.AgentStateWork, true
	}
	return "", false
}

// Describe reports the legal edges out of the current state.
func (m *Manager) Describe() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("state=%s legal_targets=%v transitions=%d",
		m.current, legalEdges[m.current], len(m.history))
}
