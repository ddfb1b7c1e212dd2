package resources

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/anima-ai/anima/internal/clock"
	"github.com/anima-ai/anima/internal/common/config"
	"github.com/anima-ai/anima/internal/common/logger"
	"github.com/anima-ai/anima/internal/registry"
	v1 "github.com/anima-ai/anima/pkg/api/v1"
)

// sampleInterval is how often the monitor takes a reading.
const sampleInterval = time.Second

// Resource names used in signals and snapshots.
const (
	ResourceMemoryMB       = "memory_mb"
	ResourceCPUPercent     = "cpu_percent"
	ResourceTokensHour     = "tokens_hour"
	ResourceTokensDay      = "tokens_day"
	ResourceThoughtsActive = "thoughts_active"
)

// ThoughtCounter reports how many thoughts are pending or processing.
type ThoughtCounter interface {
	CountActiveThoughts(ctx context.Context) (int, error)
}

// Snapshot is the last sampled usage.
type Snapshot struct {
	Timestamp      time.Time          `json:"timestamp"`
	MemoryMB       float64            `json:"memory_mb"`
	CPUPercent     float64            `json:"cpu_percent"`
	CPUAverage1Min float64            `json:"cpu_average_1min"`
	DiskFreeMB     float64            `json:"disk_free_mb"`
	DiskUsedMB     float64            `json:"disk_used_mb"`
	TokensUsedHour float64            `json:"tokens_used_hour"`
	TokensUsedDay  float64            `json:"tokens_used_day"`
	ThoughtsActive int                `json:"thoughts_active"`
	Warnings       []string           `json:"warnings,omitempty"`
	Critical       []string           `json:"critical,omitempty"`
	Values         map[string]float64 `json:"values"`
}

// Monitor samples usage once per second and drives the signal bus.
type Monitor struct {
	registry.BaseService

	cfg      config.ResourcesConfig
	bus      *SignalBus
	thoughts ThoughtCounter
	dbPath   string
	clk      clock.Clock
	log      *logger.Logger

	proc *process.Process

	mu         sync.Mutex
	snapshot   Snapshot
	tokens     []tokenEvent
	lastEmit   map[string]time.Time
	cpuSamples []float64

	stopCh chan struct{}
	done   chan struct{}
}

type tokenEvent struct {
	at time.Time
	n  int
}

// NewMonitor creates the monitor. thoughts may be nil in tests.
func NewMonitor(cfg config.ResourcesConfig, bus *SignalBus, thoughts ThoughtCounter, dbPath string, clk clock.Clock, log *logger.Logger) *Monitor {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	if log == nil {
		log = logger.Default()
	}
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Monitor{
		BaseService: registry.NewBaseService("resource_monitor"),
		cfg:         cfg,
		bus:         bus,
		thoughts:    thoughts,
		dbPath:      dbPath,
		clk:         clk,
		log:         log.WithComponent("resource_monitor"),
		proc:        proc,
		lastEmit:    map[string]time.Time{},
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start launches the sampling loop.
func (m *Monitor) Start(ctx context.Context) error {
	if err := m.BaseService.Start(ctx); err != nil {
		return err
	}
	go m.loop()
	return nil
}

// Stop halts sampling.
func (m *Monitor) Stop(ctx context.Context) error {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	<-m.done
	return m.BaseService.Stop(ctx)
}

func (m *Monitor) loop() {
	defer close(m.done)
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Sample(context.Background())
		case <-m.stopCh:
			return
		}
	}
}

// RecordTokens adds n tokens to the rolling usage window.
func (m *Monitor) RecordTokens(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = append(m.tokens, tokenEvent{at: m.clk.Now(), n: n})
}

// CheckAvailable is the fast pre-admission check: it compares the
// projected usage against the warning threshold, not the hard limit, so
// callers back off early.
func (m *Monitor) CheckAvailable(resource string, amount float64) bool {
	limit := m.limitFor(resource)
	if limit == nil || limit.Warning <= 0 {
		return true
	}
	m.mu.Lock()
	current := m.snapshot.Values[resource]
	m.mu.Unlock()
	return current+amount < limit.Warning
}

// Snapshot returns a copy of the last sample.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.snapshot
	snap.Warnings = append([]string(nil), m.snapshot.Warnings...)
	snap.Critical = append([]string(nil), m.snapshot.Critical...)
	values := make(map[string]float64, len(m.snapshot.Values))
	for k, v := range m.snapshot.Values {
		values[k] = v
	}
	snap.Values = values
	return snap
}

// Sample takes one reading and evaluates every configured threshold.
func (m *Monitor) Sample(ctx context.Context) Snapshot {
	now := m.clk.Now()
	snap := Snapshot{Timestamp: now, Values: map[string]float64{}}

	if m.proc != nil {
		if mi, err := m.proc.MemoryInfo(); err == nil && mi != nil {
			snap.MemoryMB = float64(mi.RSS) / (1024 * 1024)
		}
		if pct, err := m.proc.Percent(0); err == nil {
			snap.CPUPercent = pct
		}
	}
	if m.dbPath != "" {
		if usage, err := disk.Usage(diskDir(m.dbPath)); err == nil && usage != nil {
			snap.DiskFreeMB = float64(usage.Free) / (1024 * 1024)
			snap.DiskUsedMB = float64(usage.Used) / (1024 * 1024)
		}
	}
	if m.thoughts != nil {
		if count, err := m.thoughts.CountActiveThoughts(ctx); err == nil {
			snap.ThoughtsActive = count
		}
	}

	m.mu.Lock()
	m.pruneTokensLocked(now)
	hourCutoff := now.Add(-time.Hour)
	for _, ev := range m.tokens {
		snap.TokensUsedDay += float64(ev.n)
		if ev.at.After(hourCutoff) {
			snap.TokensUsedHour += float64(ev.n)
		}
	}

	m.cpuSamples = append(m.cpuSamples, snap.CPUPercent)
	if len(m.cpuSamples) > 60 {
		m.cpuSamples = m.cpuSamples[len(m.cpuSamples)-60:]
	}
	var sum float64
	for _, s := range m.cpuSamples {
		sum += s
	}
	snap.CPUAverage1Min = sum / float64(len(m.cpuSamples))

	snap.Values[ResourceMemoryMB] = snap.MemoryMB
	snap.Values[ResourceCPUPercent] = snap.CPUPercent
	snap.Values[ResourceTokensHour] = snap.TokensUsedHour
	snap.Values[ResourceTokensDay] = snap.TokensUsedDay
	snap.Values[ResourceThoughtsActive] = float64(snap.ThoughtsActive)
	m.mu.Unlock()

	m.evaluate(&snap, now)

	m.mu.Lock()
	m.snapshot = snap
	m.mu.Unlock()
	return snap
}

func (m *Monitor) pruneTokensLocked(now time.Time) {
	dayCutoff := now.Add(-24 * time.Hour)
	kept := m.tokens[:0]
	for _, ev := range m.tokens {
		if ev.at.After(dayCutoff) {
			kept = append(kept, ev)
		}
	}
	m.tokens = kept
}

func (m *Monitor) evaluate(snap *Snapshot, now time.Time) {
	for _, resource := range []string{
		ResourceMemoryMB, ResourceCPUPercent, ResourceTokensHour,
		ResourceTokensDay, ResourceThoughtsActive,
	} {
		limit := m.limitFor(resource)
		if limit == nil {
			continue
		}
		current := snap.Values[resource]

		switch {
		case limit.Critical > 0 && current >= limit.Critical:
			snap.Critical = append(snap.Critical, resource)
			m.emit(resource, actionSignal(limit.Action), limit, now)
		case limit.Warning > 0 && current >= limit.Warning:
			snap.Warnings = append(snap.Warnings, resource)
			m.emit(resource, SignalWarn, limit, now)
		}
	}
}

func (m *Monitor) limitFor(resource string) *config.ResourceLimit {
	switch resource {
	case ResourceMemoryMB:
		return &m.cfg.MemoryMB
	case ResourceCPUPercent:
		return &m.cfg.CPUPercent
	case ResourceTokensHour:
		return &m.cfg.TokensHour
	case ResourceTokensDay:
		return &m.cfg.TokensDay
	case ResourceThoughtsActive:
		return &m.cfg.ThoughtsActive
	}
	return nil
}

// emit fires the signal unless the same (resource, signal) pair fired
// inside its cooldown.
func (m *Monitor) emit(resource string, signal Signal, limit *config.ResourceLimit, now time.Time) {
	if m.bus == nil {
		return
	}
	key := resource + "/" + string(signal)
	cooldown := time.Duration(limit.CooldownSeconds) * time.Second

	m.mu.Lock()
	last, seen := m.lastEmit[key]
	if seen && cooldown > 0 && now.Sub(last) < cooldown {
		m.mu.Unlock()
		return
	}
	m.lastEmit[key] = now
	m.mu.Unlock()

	m.log.Warn("resource bound crossed",
		zap.String("resource", resource),
		zap.String("signal", string(signal)))
	m.bus.Emit(signal, resource)
}

func actionSignal(action string) Signal {
	switch strings.ToLower(action) {
	case "throttle":
		return SignalThrottle
	case "defer":
		return SignalDefer
	case "reject":
		return SignalReject
	case "shutdown":
		return SignalShutdown
	default:
		return SignalWarn
	}
}

// ToAPI converts a snapshot to its wire form.
func (m *Monitor) ToAPI() *v1.ResourceSnapshotResponse {
	snap := m.Snapshot()
	resources := map[string]v1.ResourceUsageView{}
	healthy := true
	for name, value := range snap.Values {
		limit := m.limitFor(name)
		if limit == nil {
			continue
		}
		ok := limit.Critical <= 0 || value < limit.Critical
		if !ok {
			healthy = false
		}
		resources[name] = v1.ResourceUsageView{
			Current:  value,
			Warning:  limit.Warning,
			Critical: limit.Critical,
			Limit:    limit.Limit,
			Healthy:  ok,
		}
	}
	return &v1.ResourceSnapshotResponse{
		Timestamp:      snap.Timestamp,
		MemoryMB:       snap.MemoryMB,
		CPUPercent:     snap.CPUPercent,
		TokensUsedHour: snap.TokensUsedHour,
		TokensUsedDay:  snap.TokensUsedDay,
		ThoughtsActive: snap.ThoughtsActive,
		Resources:      resources,
		HealthyOverall: healthy,
	}
}

func diskDir(path string) string {
	if idx := strings.LastIndexByte(path, '/'); idx > 0 {
		return path[:idx]
	}
	return "."
}

var _ registry.Service = (*Monitor)(nil)
