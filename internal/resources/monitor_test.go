package resources

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anima-ai/anima/internal/clock"
	"github.com/anima-ai/anima/internal/common/config"
)

type stubCounter struct {
	mu    sync.Mutex
	count int
}

func (s *stubCounter) CountActiveThoughts(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count, nil
}

func (s *stubCounter) set(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count = n
}

type signalRecord struct {
	signal   Signal
	resource string
}

type signalRecorder struct {
	mu   sync.Mutex
	seen []signalRecord
}

func (r *signalRecorder) handler() Handler {
	return func(signal Signal, resource string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.seen = append(r.seen, signalRecord{signal: signal, resource: resource})
	}
}

func (r *signalRecorder) all() []signalRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]signalRecord, len(r.seen))
	copy(out, r.seen)
	return out
}

func TestMonitorWarningSignal(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	bus := NewSignalBus(nil)
	rec := &signalRecorder{}
	bus.Register(SignalWarn, rec.handler())

	counter := &stubCounter{}
	cfg := config.ResourcesConfig{
		ThoughtsActive: config.ResourceLimit{Warning: 5, Critical: 10, Action: "defer"},
	}
	m := NewMonitor(cfg, bus, counter, "", clk, nil)

	counter.set(3)
	snap := m.Sample(context.Background())
	assert.Empty(t, snap.Warnings)
	assert.Empty(t, rec.all())

	counter.set(6)
	snap = m.Sample(context.Background())
	assert.Contains(t, snap.Warnings, ResourceThoughtsActive)
	assert.Empty(t, snap.Critical)

	seen := rec.all()
	require.Len(t, seen, 1)
	assert.Equal(t, SignalWarn, seen[0].signal)
	assert.Equal(t, ResourceThoughtsActive, seen[0].resource)
}

func TestMonitorCriticalUsesConfiguredAction(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	bus := NewSignalBus(nil)
	rec := &signalRecorder{}
	bus.Register(SignalDefer, rec.handler())
	warnRec := &signalRecorder{}
	bus.Register(SignalWarn, warnRec.handler())

	counter := &stubCounter{count: 12}
	cfg := config.ResourcesConfig{
		ThoughtsActive: config.ResourceLimit{Warning: 5, Critical: 10, Action: "defer"},
	}
	m := NewMonitor(cfg, bus, counter, "", clk, nil)

	snap := m.Sample(context.Background())
	assert.Contains(t, snap.Critical, ResourceThoughtsActive)
	// A critical crossing fires the configured action, not the warning.
	assert.NotContains(t, snap.Warnings, ResourceThoughtsActive)

	seen := rec.all()
	require.Len(t, seen, 1)
	assert.Equal(t, SignalDefer, seen[0].signal)
	assert.Empty(t, warnRec.all())
}

func TestMonitorCooldownSuppressesRepeats(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	bus := NewSignalBus(nil)
	rec := &signalRecorder{}
	bus.Register(SignalWarn, rec.handler())

	counter := &stubCounter{count: 6}
	cfg := config.ResourcesConfig{
		ThoughtsActive: config.ResourceLimit{Warning: 5, CooldownSeconds: 60},
	}
	m := NewMonitor(cfg, bus, counter, "", clk, nil)

	m.Sample(context.Background())
	require.Len(t, rec.all(), 1)

	clk.Advance(30 * time.Second)
	m.Sample(context.Background())
	assert.Len(t, rec.all(), 1, "inside cooldown, no repeat")

	clk.Advance(31 * time.Second)
	m.Sample(context.Background())
	assert.Len(t, rec.all(), 2, "after cooldown, fires again")
}

func TestMonitorTokenWindows(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	m := NewMonitor(config.ResourcesConfig{}, nil, nil, "", clk, nil)

	m.RecordTokens(100)
	clk.Advance(2 * time.Hour)
	m.RecordTokens(40)

	snap := m.Sample(context.Background())
	assert.Equal(t, 40.0, snap.TokensUsedHour, "only the recent event is in the hour window")
	assert.Equal(t, 140.0, snap.TokensUsedDay)

	clk.Advance(23 * time.Hour)
	snap = m.Sample(context.Background())
	assert.Equal(t, 0.0, snap.TokensUsedHour)
	assert.Equal(t, 40.0, snap.TokensUsedDay, "the first event aged out of the day window")
}

func TestMonitorRecordTokensIgnoresNonPositive(t *testing.T) {
	clk := clock.NewMockClock(time.Now())
	m := NewMonitor(config.ResourcesConfig{}, nil, nil, "", clk, nil)
	m.RecordTokens(0)
	m.RecordTokens(-5)
	snap := m.Sample(context.Background())
	assert.Equal(t, 0.0, snap.TokensUsedDay)
}

func TestMonitorCheckAvailable(t *testing.T) {
	clk := clock.NewMockClock(time.Now())
	counter := &stubCounter{count: 4}
	cfg := config.ResourcesConfig{
		ThoughtsActive: config.ResourceLimit{Warning: 6, Critical: 10},
	}
	m := NewMonitor(cfg, nil, counter, "", clk, nil)
	m.Sample(context.Background())

	assert.True(t, m.CheckAvailable(ResourceThoughtsActive, 1), "4+1 < 6")
	assert.False(t, m.CheckAvailable(ResourceThoughtsActive, 2), "4+2 reaches the warning bound")
	assert.True(t, m.CheckAvailable("unknown_resource", 100), "unconfigured resources never block")
	assert.True(t, m.CheckAvailable(ResourceTokensHour, 1000), "zero warning means unlimited")
}

func TestMonitorSnapshotIsCopy(t *testing.T) {
	clk := clock.NewMockClock(time.Now())
	counter := &stubCounter{count: 2}
	m := NewMonitor(config.ResourcesConfig{}, nil, counter, "", clk, nil)
	m.Sample(context.Background())

	snap := m.Snapshot()
	snap.Values[ResourceThoughtsActive] = 999

	again := m.Snapshot()
	assert.Equal(t, 2.0, again.Values[ResourceThoughtsActive])
}

func TestSignalBusContainsHandlerPanics(t *testing.T) {
	bus := NewSignalBus(nil)
	bus.Register(SignalThrottle, func(Signal, string) { panic("boom") })
	rec := &signalRecorder{}
	bus.Register(SignalThrottle, rec.handler())

	assert.NotPanics(t, func() { bus.Emit(SignalThrottle, ResourceCPUPercent) })
	require.Len(t, rec.all(), 1, "later handlers still run after a panic")
}

func TestSignalBusOnlyMatchingSignal(t *testing.T) {
	bus := NewSignalBus(nil)
	rec := &signalRecorder{}
	bus.Register(SignalReject, rec.handler())
	bus.Emit(SignalWarn, ResourceTokensDay)
	assert.Empty(t, rec.all())
}
