// Package maintenance holds the housekeeping providers: scheduled
// database pruning plus the consolidation and incident capability
// stubs that round out the registry's kind surface.
package maintenance

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anima-ai/anima/internal/audit"
	"github.com/anima-ai/anima/internal/clock"
	"github.com/anima-ai/anima/internal/common/logger"
	"github.com/anima-ai/anima/internal/graph"
	"github.com/anima-ai/anima/internal/memory"
	"github.com/anima-ai/anima/internal/registry"
)

// DatabaseMaintenance prunes expired graph nodes on a schedule. The
// audit chain database itself is never pruned; only its graph mirror
// ages out.
type DatabaseMaintenance struct {
	registry.BaseService

	mem      *memory.Service
	auditSvc *audit.Service
	interval time.Duration
	clk      clock.Clock
	log      *logger.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	done    chan struct{}
	started bool
}

// NewDatabaseMaintenance creates the pruning service. A zero interval
// defaults to one hour.
func NewDatabaseMaintenance(mem *memory.Service, auditSvc *audit.Service, interval time.Duration, clk clock.Clock, log *logger.Logger) *DatabaseMaintenance {
	if interval <= 0 {
		interval = time.Hour
	}
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	if log == nil {
		log = logger.Default()
	}
	return &DatabaseMaintenance{
		BaseService: registry.NewBaseService("database_maintenance", "prune", "vacuum"),
		mem:         mem,
		auditSvc:    auditSvc,
		interval:    interval,
		clk:         clk,
		log:         log.WithComponent("maintenance"),
	}
}

var _ registry.Service = (*DatabaseMaintenance)(nil)

// Start launches the pruning loop.
func (m *DatabaseMaintenance) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})
	m.mu.Unlock()

	if err := m.BaseService.Start(ctx); err != nil {
		return err
	}
	go m.run(ctx)
	return nil
}

// Stop halts the loop.
func (m *DatabaseMaintenance) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	close(m.stopCh)
	done := m.done
	m.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return m.BaseService.Stop(ctx)
}

func (m *DatabaseMaintenance) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce performs one pruning pass.
func (m *DatabaseMaintenance) RunOnce(ctx context.Context) {
	if m.auditSvc != nil {
		cutoff := m.auditSvc.RetentionCutoff()
		pruned, err := m.mem.PruneOlderThan(ctx, graph.NodeTypeAuditEntry, cutoff)
		if err != nil {
			m.log.Warn("audit node pruning failed", zap.Error(err))
		} else if pruned > 0 {
			m.log.Info("pruned expired audit nodes", zap.Int64("count", pruned))
		}
	}

	// Raw observations age out after thirty days.
	cutoff := m.clk.Now().Add(-30 * 24 * time.Hour)
	pruned, err := m.mem.PruneOlderThan(ctx, graph.NodeTypeObservation, cutoff)
	if err != nil {
		m.log.Warn("observation pruning failed", zap.Error(err))
	} else if pruned > 0 {
		m.log.Info("pruned stale observations", zap.Int64("count", pruned))
	}
}

// CapabilityStub satisfies a registry kind whose full behavior lives
// outside this runtime. It is healthy once started and advertises its
// capability names so describe output stays complete.
type CapabilityStub struct {
	registry.BaseService
}

// NewCapabilityStub creates a named stub provider.
func NewCapabilityStub(name string, capabilities ...string) *CapabilityStub {
	return &CapabilityStub{
		BaseService: registry.NewBaseService(name, capabilities...),
	}
}

var _ registry.Service = (*CapabilityStub)(nil)

// NewTSDBConsolidation covers the tsdb_consolidation kind.
func NewTSDBConsolidation() *CapabilityStub {
	return NewCapabilityStub("tsdb_consolidation", "consolidate", "downsample")
}

// NewIncidentManagement covers the incident_management kind.
func NewIncidentManagement() *CapabilityStub {
	return NewCapabilityStub("incident_management", "record_incident", "list_incidents")
}
