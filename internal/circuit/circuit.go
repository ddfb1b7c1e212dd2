// Package circuit implements the per-provider circuit breaker used by the
// service registry. A breaker trips OPEN after enough failures inside a
// rolling window, probes through HALF_OPEN after a cooldown, and closes
// again on success.
package circuit

import (
	"sync"
	"time"

	"github.com/anima-ai/anima/internal/clock"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config controls breaker behavior.
type Config struct {
	// FailureThreshold is the number of failures within Window that trip
	// the breaker OPEN.
	FailureThreshold int

	// Window is the rolling interval over which failures are counted.
	// A success inside CLOSED clears the count.
	Window time.Duration

	// Cooldown is how long the breaker stays OPEN before allowing a
	// HALF_OPEN probe.
	Cooldown time.Duration

	// SuccessThreshold is the number of HALF_OPEN successes required to
	// close the breaker.
	SuccessThreshold int

	// OnStateChange, when set, is invoked after every state transition.
	// It runs outside the breaker lock.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the breaker defaults used by the registry.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           60 * time.Second,
		Cooldown:         30 * time.Second,
		SuccessThreshold: 1,
	}
}

// Metrics is a point-in-time snapshot of breaker counters.
type Metrics struct {
	Name           string    `json:"name"`
	State          string    `json:"state"`
	WindowFailures int       `json:"window_failures"`
	TotalCalls     int64     `json:"total_calls"`
	TotalFailures  int64     `json:"total_failures"`
	TotalSuccesses int64     `json:"total_successes"`
	LastFailureAt  time.Time `json:"last_failure_at,omitempty"`
	OpenedAt       time.Time `json:"opened_at,omitempty"`
}

// Breaker is a single provider's circuit breaker. All methods are safe for
// concurrent use.
type Breaker struct {
	name string
	cfg  Config
	clk  clock.Clock

	mu                sync.Mutex
	state             State
	failureTimes      []time.Time
	halfOpenSuccesses int
	openedAt          time.Time
	lastFailureAt     time.Time
	totalCalls        int64
	totalFailures     int64
	totalSuccesses    int64
}

// NewBreaker creates a breaker. Zero config fields fall back to defaults.
func NewBreaker(name string, cfg Config, clk clock.Clock) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Breaker{name: name, cfg: cfg, clk: clk, state: StateClosed}
}

// Name returns the breaker's provider name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, applying the OPEN → HALF_OPEN cooldown
// transition if it is due.
func (b *Breaker) State() State {
	b.mu.Lock()
	from, to, changed := b.maybeHalfOpenLocked()
	state := b.state
	b.mu.Unlock()
	if changed {
		b.notify(from, to)
	}
	return state
}

// AllowCall reports whether a call may proceed. An OPEN breaker whose
// cooldown has elapsed moves to HALF_OPEN and admits one probe.
func (b *Breaker) AllowCall() bool {
	b.mu.Lock()
	from, to, changed := b.maybeHalfOpenLocked()
	allowed := b.state != StateOpen
	if allowed {
		b.totalCalls++
	}
	b.mu.Unlock()
	if changed {
		b.notify(from, to)
	}
	return allowed
}

// RecordSuccess registers a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.totalSuccesses++
	var from, to State
	changed := false
	switch b.state {
	case StateClosed:
		b.failureTimes = b.failureTimes[:0]
	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			from, to, changed = b.setStateLocked(StateClosed)
		}
	}
	b.mu.Unlock()
	if changed {
		b.notify(from, to)
	}
}

// RecordFailure registers a failed call and trips the breaker when the
// window threshold is reached.
func (b *Breaker) RecordFailure() {
	now := b.clk.Now()
	b.mu.Lock()
	b.totalFailures++
	b.lastFailureAt = now
	var from, to State
	changed := false
	switch b.state {
	case StateClosed:
		b.failureTimes = append(b.failureTimes, now)
		b.pruneLocked(now)
		if len(b.failureTimes) >= b.cfg.FailureThreshold {
			from, to, changed = b.setStateLocked(StateOpen)
		}
	case StateHalfOpen:
		from, to, changed = b.setStateLocked(StateOpen)
	}
	b.mu.Unlock()
	if changed {
		b.notify(from, to)
	}
}

// Reset forces the breaker CLOSED and clears the failure window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from, to, changed := b.setStateLocked(StateClosed)
	// setStateLocked is a no-op when already CLOSED; the window must
	// clear either way.
	b.failureTimes = b.failureTimes[:0]
	b.halfOpenSuccesses = 0
	b.openedAt = time.Time{}
	b.mu.Unlock()
	if changed {
		b.notify(from, to)
	}
}

// Metrics returns a snapshot of the breaker counters.
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Metrics{
		Name:           b.name,
		State:          b.state.String(),
		WindowFailures: len(b.failureTimes),
		TotalCalls:     b.totalCalls,
		TotalFailures:  b.totalFailures,
		TotalSuccesses: b.totalSuccesses,
		LastFailureAt:  b.lastFailureAt,
		OpenedAt:       b.openedAt,
	}
}

// maybeHalfOpenLocked applies the cooldown transition. Caller holds b.mu.
func (b *Breaker) maybeHalfOpenLocked() (State, State, bool) {
	if b.state != StateOpen {
		return b.state, b.state, false
	}
	if b.clk.Now().Sub(b.openedAt) < b.cfg.Cooldown {
		return b.state, b.state, false
	}
	return b.setStateLocked(StateHalfOpen)
}

// setStateLocked performs the transition bookkeeping. Caller holds b.mu.
func (b *Breaker) setStateLocked(to State) (State, State, bool) {
	from := b.state
	if from == to {
		return from, to, false
	}
	b.state = to
	switch to {
	case StateOpen:
		b.openedAt = b.clk.Now()
		b.halfOpenSuccesses = 0
	case StateClosed:
		b.failureTimes = b.failureTimes[:0]
		b.halfOpenSuccesses = 0
		b.openedAt = time.Time{}
	case StateHalfOpen:
		b.halfOpenSuccesses = 0
	}
	return from, to, true
}

// pruneLocked drops failures older than the window. Caller holds b.mu.
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	kept := b.failureTimes[:0]
	for _, t := range b.failureTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failureTimes = kept
}

func (b *Breaker) notify(from, to State) {
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}
