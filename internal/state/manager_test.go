package state

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anima-ai/anima/internal/clock"
	v1 "github.com/anima-ai/anima/pkg/api/v1"
)

func newTestManager(t *testing.T) (*Manager, *clock.MockClock) {
	t.Helper()
	clk := clock.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewManager(clk, nil), clk
}

func TestManagerStartsInShutdown(t *testing.T) {
	m, _ := newTestManager(t)
	assert.Equal(t, v1.AgentStateShutdown, m.Current())
}

func TestShutdownOnlyExitsToWakeup(t *testing.T) {
	m, _ := newTestManager(t)

	for _, target := range []v1.AgentState{
		v1.AgentStateWork, v1.AgentStatePlay, v1.AgentStateSolitude, v1.AgentStateDream,
	} {
		assert.False(t, m.TransitionTo(target), "SHUTDOWN -> %s must be rejected", target)
		assert.Equal(t, v1.AgentStateShutdown, m.Current())
		assert.Empty(t, m.History())
	}

	require.True(t, m.TransitionTo(v1.AgentStateWakeup))
	assert.Equal(t, v1.AgentStateWakeup, m.Current())
}

func TestEveryStateCanReachShutdown(t *testing.T) {
	paths := map[v1.AgentState][]v1.AgentState{
		v1.AgentStateWakeup:   {v1.AgentStateWakeup},
		v1.AgentStateWork:     {v1.AgentStateWakeup, v1.AgentStateWork},
		v1.AgentStatePlay:     {v1.AgentStateWakeup, v1.AgentStateWork, v1.AgentStatePlay},
		v1.AgentStateSolitude: {v1.AgentStateWakeup, v1.AgentStateWork, v1.AgentStateSolitude},
		v1.AgentStateDream:    {v1.AgentStateWakeup, v1.AgentStateDream},
	}
	for from, path := range paths {
		m, _ := newTestManager(t)
		for _, step := range path {
			require.True(t, m.TransitionTo(step), "building path to %s via %s", from, step)
		}
		require.Equal(t, from, m.Current())
		assert.True(t, m.TransitionTo(v1.AgentStateShutdown), "%s -> SHUTDOWN must be legal", from)
	}
}

func TestSelfTransitionRejected(t *testing.T) {
	m, _ := newTestManager(t)
	require.True(t, m.TransitionTo(v1.AgentStateWakeup))
	assert.False(t, m.TransitionTo(v1.AgentStateWakeup))
	assert.Len(t, m.History(), 1)
}

func TestGuardRefusesTransition(t *testing.T) {
	m, _ := newTestManager(t)
	m.SetGuard(v1.AgentStateShutdown, v1.AgentStateWakeup, func(from, to v1.AgentState) bool {
		return false
	})
	assert.False(t, m.TransitionTo(v1.AgentStateWakeup))
	assert.Equal(t, v1.AgentStateShutdown, m.Current())
}

func TestHookErrorAbortsTransition(t *testing.T) {
	m, _ := newTestManager(t)
	m.SetHook(v1.AgentStateShutdown, v1.AgentStateWakeup, func(from, to v1.AgentState) error {
		return errors.New("not ready")
	})
	assert.False(t, m.TransitionTo(v1.AgentStateWakeup))
	assert.Empty(t, m.History())
}

func TestHistoryRecordsTimestampsInOrder(t *testing.T) {
	m, clk := newTestManager(t)

	require.True(t, m.TransitionTo(v1.AgentStateWakeup))
	clk.Advance(5 * time.Second)
	require.True(t, m.TransitionTo(v1.AgentStateWork))
	clk.Advance(5 * time.Second)
	require.True(t, m.TransitionTo(v1.AgentStatePlay))

	history := m.History()
	require.Len(t, history, 3)
	assert.Equal(t, v1.AgentStateShutdown, history[0].From)
	assert.Equal(t, v1.AgentStateWakeup, history[0].To)
	assert.Equal(t, v1.AgentStatePlay, history[2].To)
	assert.True(t, history[1].Timestamp.After(history[0].Timestamp))
	assert.True(t, history[2].Timestamp.After(history[1].Timestamp))
}

func TestWakeupAutoTransitionFiresOnce(t *testing.T) {
	m, _ := newTestManager(t)
	require.True(t, m.TransitionTo(v1.AgentStateWakeup))

	_, ok := m.ShouldAutoTransition()
	assert.False(t, ok, "before wakeup completes nothing auto-transitions")

	m.MarkWakeupComplete()
	target, ok := m.ShouldAutoTransition()
	require.True(t, ok)
	assert.Equal(t, v1.AgentStateWork, target)

	require.True(t, m.TransitionTo(target))
	_, ok = m.ShouldAutoTransition()
	assert.False(t, ok, "WORK never auto-transitions")
}

func TestWakeupCompletionResetsOnReentry(t *testing.T) {
	m, _ := newTestManager(t)
	require.True(t, m.TransitionTo(v1.AgentStateWakeup))
	m.MarkWakeupComplete()
	require.True(t, m.TransitionTo(v1.AgentStateWork))
	require.True(t, m.TransitionTo(v1.AgentStateShutdown))

	require.True(t, m.TransitionTo(v1.AgentStateWakeup))
	_, ok := m.ShouldAutoTransition()
	assert.False(t, ok, "a fresh wakeup must complete again before auto-transitioning")
}

func TestMetadataResetsOnEntry(t *testing.T) {
	m, clk := newTestManager(t)
	require.True(t, m.TransitionTo(v1.AgentStateWakeup))
	first := m.Metadata().EnteredAt

	require.True(t, m.TransitionTo(v1.AgentStateShutdown))
	clk.Advance(time.Minute)
	require.True(t, m.TransitionTo(v1.AgentStateWakeup))
	assert.True(t, m.Metadata().EnteredAt.After(first))
}
