package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/anima-ai/anima/internal/clock"
)

func TestAllowExhaustsBurst(t *testing.T) {
	l := New(5, clock.NewSystemClock())
	defer l.Stop()

	for i := 0; i < 5; i++ {
		ok, _ := l.Allow("client_a")
		assert.True(t, ok, "request %d should pass", i+1)
	}
	ok, wait := l.Allow("client_a")
	assert.False(t, ok)
	assert.Equal(t, 12*time.Second, wait, "one token refills every 60/perMinute seconds")
}

func TestBucketsAreIndependent(t *testing.T) {
	l := New(1, clock.NewSystemClock())
	defer l.Stop()

	ok, _ := l.Allow("client_a")
	assert.True(t, ok)
	ok, _ = l.Allow("client_a")
	assert.False(t, ok)

	ok, _ = l.Allow("client_b")
	assert.True(t, ok, "another client has its own bucket")
	assert.Equal(t, 2, l.ActiveClients())
}

func TestJanitorDropsIdleBuckets(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	l := New(10, clk)
	defer l.Stop()

	l.Allow("stale")
	clk.Advance(30 * time.Minute)
	l.Allow("fresh")

	clk.Advance(45 * time.Minute) // stale is now 75m idle, fresh 45m
	l.sweep()

	assert.Equal(t, 1, l.ActiveClients())
	// The stale client simply gets a fresh bucket on return.
	ok, _ := l.Allow("stale")
	assert.True(t, ok)
}

func TestZeroPerMinuteFallsBackToDefault(t *testing.T) {
	l := New(0, clock.NewSystemClock())
	defer l.Stop()
	ok, _ := l.Allow("client")
	assert.True(t, ok)
}

func TestStopIsIdempotent(t *testing.T) {
	l := New(10, clock.NewSystemClock())
	l.Stop()
	l.Stop()
}
