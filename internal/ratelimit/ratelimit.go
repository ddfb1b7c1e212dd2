// Package ratelimit holds per-client token buckets for the HTTP
// boundary. Buckets refill linearly at requests-per-minute / 60 per
// second; idle buckets are dropped by a janitor.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/anima-ai/anima/internal/clock"
)

const idleExpiry = time.Hour

// Limiter tracks one bucket per client id.
type Limiter struct {
	perMinute int
	clk       clock.Clock

	mu      sync.Mutex
	buckets map[string]*bucket
	stopCh  chan struct{}
	once    sync.Once
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a limiter allowing perMinute requests per client.
func New(perMinute int, clk clock.Clock) *Limiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	l := &Limiter{
		perMinute: perMinute,
		clk:       clk,
		buckets:   make(map[string]*bucket),
		stopCh:    make(chan struct{}),
	}
	go l.janitor()
	return l
}

// Allow consumes one token for the client. When denied it also returns
// how long the client should wait before retrying.
func (l *Limiter) Allow(clientID string) (bool, time.Duration) {
	b := l.bucket(clientID)
	if b.limiter.Allow() {
		return true, 0
	}
	// Time until one token refills at perMinute/60 tokens per second.
	wait := time.Duration(math.Ceil(60.0/float64(l.perMinute))) * time.Second
	return false, wait
}

// ActiveClients reports how many buckets are live.
func (l *Limiter) ActiveClients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Stop ends the janitor.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stopCh) })
}

func (l *Limiter) bucket(clientID string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[clientID]
	if !ok {
		b = &bucket{
			limiter: rate.NewLimiter(rate.Limit(float64(l.perMinute)/60.0), l.perMinute),
		}
		l.buckets[clientID] = b
	}
	b.lastSeen = l.clk.Now()
	return b
}

func (l *Limiter) janitor() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *Limiter) sweep() {
	cutoff := l.clk.Now().Add(-idleExpiry)
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, id)
		}
	}
}
