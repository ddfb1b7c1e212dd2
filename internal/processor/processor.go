// Package processor drives the agent's per-round workload. Each round
// runs the function associated with the current cognitive state; the
// WORK round pulls a batch of pending thoughts, dispatches their
// selected actions through the sinks, and settles their terminal
// statuses.
package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anima-ai/anima/internal/audit"
	"github.com/anima-ai/anima/internal/buses"
	"github.com/anima-ai/anima/internal/clock"
	"github.com/anima-ai/anima/internal/common/logger"
	"github.com/anima-ai/anima/internal/events"
	"github.com/anima-ai/anima/internal/events/bus"
	"github.com/anima-ai/anima/internal/resources"
	"github.com/anima-ai/anima/internal/sinks"
	"github.com/anima-ai/anima/internal/state"
	"github.com/anima-ai/anima/internal/task/models"
	"github.com/anima-ai/anima/internal/task/repository"
	v1 "github.com/anima-ai/anima/pkg/api/v1"
)

// Config bounds the processing loop.
type Config struct {
	MaxActiveThoughts int
	MaxThoughtDepth   int
	RoundDelay        time.Duration
	MaxRounds         int // 0 = unbounded
	EnableAutoDefer   bool
}

// StepResult reports one manually driven round.
type StepResult struct {
	Round             int
	ThoughtsBefore    int
	ThoughtsAfter     int
	ThoughtsProcessed int
	ElapsedMS         float64
}

// Processor owns the round loop.
type Processor struct {
	cfg      Config
	states   *state.Manager
	repo     repository.Repository
	selector ActionSelector
	actions  *sinks.ActionSink
	deferral *sinks.DeferralSink
	auditSvc *audit.Service
	monitor  *resources.Monitor
	eventBus bus.EventBus
	clk      clock.Clock
	log      *logger.Logger

	mu          sync.Mutex
	round       int
	paused      bool
	lastRoundMS float64

	stopCh chan struct{}
	done   chan struct{}
}

// New creates the processor.
func New(cfg Config, states *state.Manager, repo repository.Repository, selector ActionSelector, actions *sinks.ActionSink, deferralSink *sinks.DeferralSink, auditSvc *audit.Service, monitor *resources.Monitor, eventBus bus.EventBus, clk clock.Clock, log *logger.Logger) *Processor {
	if cfg.MaxActiveThoughts <= 0 {
		cfg.MaxActiveThoughts = 50
	}
	if cfg.MaxThoughtDepth <= 0 {
		cfg.MaxThoughtDepth = models.DefaultMaxThoughtDepth
	}
	if cfg.RoundDelay <= 0 {
		cfg.RoundDelay = 5 * time.Second
	}
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	if log == nil {
		log = logger.Default()
	}
	return &Processor{
		cfg:      cfg,
		states:   states,
		repo:     repo,
		selector: selector,
		actions:  actions,
		deferral: deferralSink,
		auditSvc: auditSvc,
		monitor:  monitor,
		eventBus: eventBus,
		clk:      clk,
		log:      log.WithComponent("processor"),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run drives rounds until stopped. It is the runtime's main loop.
func (p *Processor) Run(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if p.isPaused() {
			select {
			case <-time.After(250 * time.Millisecond):
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		p.runRound(ctx)

		if target, ok := p.states.ShouldAutoTransition(); ok {
			p.states.TransitionTo(target)
		}
		if p.cfg.MaxRounds > 0 && p.Round() >= p.cfg.MaxRounds {
			p.log.Info("max rounds reached, pausing", zap.Int("rounds", p.cfg.MaxRounds))
			p.Pause()
		}

		select {
		case <-time.After(p.cfg.RoundDelay):
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends the loop after the in-flight round.
func (p *Processor) Stop() {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	<-p.done
}

// Pause stops admitting work without ending the process.
func (p *Processor) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
	p.publish(events.ProcessorPaused, map[string]interface{}{"paused": true})
}

// Resume restarts round processing.
func (p *Processor) Resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	p.publish(events.ProcessorPaused, map[string]interface{}{"paused": false})
}

// Paused reports whether the loop is admitting work.
func (p *Processor) Paused() bool { return p.isPaused() }

func (p *Processor) isPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Round returns the current round counter.
func (p *Processor) Round() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.round
}

// LastRoundMS returns the elapsed milliseconds of the last round.
func (p *Processor) LastRoundMS() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRoundMS
}

// SingleStep executes exactly one round and reports counters, for the
// runtime-control surface. It works while paused.
func (p *Processor) SingleStep(ctx context.Context) (*StepResult, error) {
	before, err := p.repo.CountThoughtsByStatus(ctx, v1.ThoughtStatusPending)
	if err != nil {
		return nil, fmt.Errorf("count pending thoughts: %w", err)
	}

	start := time.Now()
	p.runRound(ctx)
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0

	after, err := p.repo.CountThoughtsByStatus(ctx, v1.ThoughtStatusPending)
	if err != nil {
		return nil, fmt.Errorf("count pending thoughts: %w", err)
	}
	return &StepResult{
		Round:             p.Round(),
		ThoughtsBefore:    before,
		ThoughtsAfter:     after,
		ThoughtsProcessed: before - after,
		ElapsedMS:         elapsed,
	}, nil
}

// OnResourceSignal is registered on the resource signal bus: defer
// pauses new work; shutdown requests the state transition.
func (p *Processor) OnResourceSignal(signal resources.Signal, resource string) {
	switch signal {
	case resources.SignalDefer:
		p.log.Warn("defer signal received", zap.String("resource", resource))
		p.mu.Lock()
		p.paused = true
		p.mu.Unlock()
		// Pausing alone would strand already-admitted work; the
		// backlog gets deferred so each task carries a defer record.
		p.deferBacklog(context.Background(), p.cfg.MaxActiveThoughts, "resource_defer")
	case resources.SignalShutdown:
		p.log.Warn("shutdown signal received", zap.String("resource", resource))
		p.states.TransitionTo(v1.AgentStateShutdown)
	}
	p.publish(events.ResourceSignal, map[string]interface{}{
		"signal":   string(signal),
		"resource": resource,
	})
}

// runRound executes the round function for the current state.
func (p *Processor) runRound(ctx context.Context) {
	p.mu.Lock()
	p.round++
	round := p.round
	p.mu.Unlock()

	start := time.Now()
	current := p.states.Current()

	switch current {
	case v1.AgentStateWakeup:
		p.wakeupRound(ctx)
	case v1.AgentStateWork:
		p.workRound(ctx, round, p.cfg.MaxActiveThoughts)
	case v1.AgentStatePlay, v1.AgentStateSolitude:
		// Reduced-attention variants of the work round.
		p.workRound(ctx, round, maxBatch(p.cfg.MaxActiveThoughts/4, 1))
	case v1.AgentStateDream:
		p.dreamRound(ctx)
	case v1.AgentStateShutdown:
		p.shutdownRound(ctx)
	}

	elapsed := float64(time.Since(start).Microseconds()) / 1000.0
	p.mu.Lock()
	p.lastRoundMS = elapsed
	p.mu.Unlock()

	p.publish(events.ProcessorRound, map[string]interface{}{
		"round":      round,
		"state":      string(current),
		"elapsed_ms": elapsed,
	})
}

// wakeupRound verifies readiness and arms the auto-transition to WORK.
func (p *Processor) wakeupRound(ctx context.Context) {
	p.states.MarkWakeupComplete()
	p.log.Info("wakeup complete")
}

// dreamRound is the consolidation pass: terminal tasks whose outcome is
// settled are summarized into memory by the maintenance services; here
// we only count backlog and emit telemetry.
func (p *Processor) dreamRound(ctx context.Context) {
	pending, err := p.repo.CountThoughtsByStatus(ctx, v1.ThoughtStatusPending)
	if err != nil {
		p.log.Warn("dream round count failed", zap.Error(err))
		return
	}
	p.log.Info("dream round", zap.Int("pending_thoughts", pending))
}

// shutdownRound defers all pending work so nothing is lost across the
// restart boundary.
func (p *Processor) shutdownRound(ctx context.Context) {
	thoughts, err := p.repo.ListPendingThoughtsForProcessing(ctx, p.cfg.MaxActiveThoughts)
	if err != nil {
		p.log.Warn("shutdown round listing failed", zap.Error(err))
		return
	}
	for _, thought := range thoughts {
		p.deferThought(ctx, thought, "shutdown")
	}
}

// workRound is the dispatch contract: admit a batch of pending
// thoughts, process each to a terminal status, settle parent tasks.
func (p *Processor) workRound(ctx context.Context, round, batchLimit int) {
	if p.monitor != nil {
		snap := p.monitor.Snapshot()
		for _, name := range snap.Critical {
			if name == resources.ResourceThoughtsActive || name == resources.ResourceTokensHour || name == resources.ResourceTokensDay {
				if p.cfg.EnableAutoDefer {
					p.deferBacklog(ctx, batchLimit, "resource_critical:"+name)
				}
				return
			}
		}
		if len(snap.Warnings) > 0 {
			batchLimit = maxBatch(batchLimit/2, 1)
		}
	}

	thoughts, err := p.repo.ListPendingThoughtsForProcessing(ctx, batchLimit)
	if err != nil {
		p.log.Error("round admission query failed", zap.Error(err))
		return
	}

	for _, thought := range thoughts {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}
		p.processThought(ctx, thought, round)
	}
}

func (p *Processor) processThought(ctx context.Context, thought *models.Thought, round int) {
	// The depth ceiling defers rather than spawning another level.
	if thought.Depth >= p.cfg.MaxThoughtDepth {
		p.deferThought(ctx, thought, "max_depth")
		return
	}

	if err := p.repo.MarkThoughtProcessing(ctx, thought.ID, round); err != nil {
		p.log.Warn("thought admission lost", zap.String("thought_id", thought.ID), zap.Error(err))
		return
	}
	thought.RoundNumber = round

	task, err := p.repo.GetTask(ctx, thought.SourceTaskID)
	if err != nil {
		p.failThought(ctx, thought, fmt.Errorf("task lookup: %w", err))
		return
	}
	if task.Status == v1.TaskStatusPending {
		if err := p.repo.UpdateTaskStatus(ctx, task.ID, v1.TaskStatusActive); err != nil {
			p.log.Warn("task activation failed", zap.String("task_id", task.ID), zap.Error(err))
		}
	}

	action, err := p.selector.SelectAction(ctx, thought, task)
	if err != nil {
		p.failThought(ctx, thought, fmt.Errorf("action selection: %w", err))
		return
	}

	if action != nil {
		if !p.actions.Enqueue(action) {
			p.deferThought(ctx, thought, "action_backpressure")
			return
		}
	}

	if err := p.repo.UpdateThoughtStatus(ctx, thought.ID, v1.ThoughtStatusCompleted); err != nil {
		p.log.Warn("thought completion write failed", zap.String("thought_id", thought.ID), zap.Error(err))
		return
	}
	if p.auditSvc != nil {
		actionName := "none"
		if action != nil {
			actionName = string(action.Type)
		}
		_, _ = p.auditSvc.LogAction(ctx, actionName, audit.ActionContext{
			ThoughtID:   thought.ID,
			TaskID:      task.ID,
			HandlerName: "processor",
		}, "completed")
	}
	p.publish(events.ThoughtStatusChanged, map[string]interface{}{
		"thought_id": thought.ID,
		"task_id":    task.ID,
		"status":     string(v1.ThoughtStatusCompleted),
	})

	p.settleTask(ctx, task.ID)
}

// deferBacklog defers up to limit pending thoughts under critical
// resource pressure.
func (p *Processor) deferBacklog(ctx context.Context, limit int, reason string) {
	thoughts, err := p.repo.ListPendingThoughtsForProcessing(ctx, limit)
	if err != nil {
		p.log.Error("defer backlog listing failed", zap.Error(err))
		return
	}
	for _, thought := range thoughts {
		p.deferThought(ctx, thought, reason)
	}
}

func (p *Processor) deferThought(ctx context.Context, thought *models.Thought, reason string) {
	if err := p.repo.UpdateThoughtStatus(ctx, thought.ID, v1.ThoughtStatusDeferred); err != nil {
		p.log.Warn("thought deferral write failed", zap.String("thought_id", thought.ID), zap.Error(err))
		return
	}
	if err := p.repo.UpdateTaskStatus(ctx, thought.SourceTaskID, v1.TaskStatusDeferred); err != nil {
		p.log.Warn("task deferral write failed", zap.String("task_id", thought.SourceTaskID), zap.Error(err))
	}

	// The defer audit entry references the thought; this is the
	// invariant every DEFERRED task must satisfy.
	if p.auditSvc != nil {
		_, _ = p.auditSvc.LogEvent(ctx, "defer", audit.EventData{
			Actor:    "processor",
			EntityID: thought.ID,
			Outcome:  "deferred",
			Details: map[string]interface{}{
				"task_id": thought.SourceTaskID,
				"reason":  reason,
			},
		})
	}
	if p.deferral != nil {
		p.deferral.Enqueue(&sinks.DeferralPackage{
			Deferral: buses.DeferralContext{
				ThoughtID: thought.ID,
				TaskID:    thought.SourceTaskID,
				Reason:    reason,
			},
		})
	}
	p.publish(events.TaskDeferred, map[string]interface{}{
		"task_id":    thought.SourceTaskID,
		"thought_id": thought.ID,
		"reason":     reason,
	})
}

func (p *Processor) failThought(ctx context.Context, thought *models.Thought, cause error) {
	p.log.Error("thought failed",
		zap.String("thought_id", thought.ID), zap.Error(cause))
	if err := p.repo.UpdateThoughtStatus(ctx, thought.ID, v1.ThoughtStatusFailed); err != nil {
		p.log.Warn("thought failure write failed", zap.String("thought_id", thought.ID), zap.Error(err))
	}
	if p.auditSvc != nil {
		_, _ = p.auditSvc.LogEvent(ctx, "round_error", audit.EventData{
			Actor:    "processor",
			EntityID: thought.ID,
			Outcome:  "failed",
			Details: map[string]interface{}{
				"task_id": thought.SourceTaskID,
				"error":   cause.Error(),
			},
		})
	}
	p.settleTask(ctx, thought.SourceTaskID)
}

// settleTask completes or fails the task once every thought is
// terminal.
func (p *Processor) settleTask(ctx context.Context, taskID string) {
	thoughts, err := p.repo.ListThoughtsByTask(ctx, taskID)
	if err != nil {
		p.log.Warn("task settlement listing failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}

	anyFailed := false
	anyDeferred := false
	for _, thought := range thoughts {
		if !thought.IsTerminal() {
			return
		}
		switch thought.Status {
		case v1.ThoughtStatusFailed:
			anyFailed = true
		case v1.ThoughtStatusDeferred:
			anyDeferred = true
		}
	}

	status := v1.TaskStatusCompleted
	eventType := events.TaskCompleted
	switch {
	case anyFailed:
		status = v1.TaskStatusFailed
		eventType = events.TaskStatusChanged
	case anyDeferred:
		// Deferred tasks wait for wise-authority feedback; do not
		// complete them.
		return
	}

	if err := p.repo.UpdateTaskStatus(ctx, taskID, status); err != nil {
		p.log.Warn("task settlement write failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	p.publish(eventType, map[string]interface{}{
		"task_id": taskID,
		"status":  string(status),
	})
}

func (p *Processor) publish(eventType string, data map[string]interface{}) {
	if p.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "processor", data)
	if err := p.eventBus.Publish(context.Background(), eventType, event); err != nil {
		p.log.Debug("event publish failed", zap.String("type", eventType), zap.Error(err))
	}
}

func maxBatch(n, floor int) int {
	if n < floor {
		return floor
	}
	return n
}
