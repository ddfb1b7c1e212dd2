// Package clock provides the time source used by every time-dependent
// component. Nothing outside this package reads the system clock directly,
// which keeps timestamps uniform and lets tests substitute a mock.
package clock

import (
	"sync"
	"time"
)

// Clock is the injectable time source.
type Clock interface {
	// Now returns the current timezone-aware time in UTC.
	Now() time.Time

	// NowISO returns the current time formatted as an RFC3339 string.
	NowISO() string

	// Timestamp returns the current time as float seconds since the epoch.
	Timestamp() float64
}

// SystemClock reads the real system clock in UTC.
type SystemClock struct{}

// NewSystemClock creates the production clock.
func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

func (c *SystemClock) Now() time.Time {
	return time.Now().UTC()
}

func (c *SystemClock) NowISO() string {
	return c.Now().Format(time.RFC3339Nano)
}

func (c *SystemClock) Timestamp() float64 {
	return float64(c.Now().UnixNano()) / float64(time.Second)
}

// MockClock is a settable clock for tests. The zero value starts at the
// Unix epoch; use Set or Advance to move it.
type MockClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockClock creates a mock clock fixed at the given time.
func NewMockClock(now time.Time) *MockClock {
	return &MockClock{now: now.UTC()}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *MockClock) NowISO() string {
	return c.Now().Format(time.RFC3339Nano)
}

func (c *MockClock) Timestamp() float64 {
	return float64(c.Now().UnixNano()) / float64(time.Second)
}

// Set moves the mock clock to the given time.
func (c *MockClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now.UTC()
}

// Advance moves the mock clock forward by d.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var (
	_ Clock = (*SystemClock)(nil)
	_ Clock = (*MockClock)(nil)
)
