// Package scheduler reactivates deferred tasks once their defer window
// has passed and seeds the follow-up thought that resumes them.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anima-ai/anima/internal/clock"
	"github.com/anima-ai/anima/internal/common/logger"
	"github.com/anima-ai/anima/internal/events"
	"github.com/anima-ai/anima/internal/events/bus"
	"github.com/anima-ai/anima/internal/registry"
	"github.com/anima-ai/anima/internal/task/models"
	"github.com/anima-ai/anima/internal/task/repository"
	v1 "github.com/anima-ai/anima/pkg/api/v1"
)

// deferUntilKey is the task-context key holding the RFC3339 timestamp
// before which a deferred task must not resume. A deferred task
// without it waits for wise-authority feedback instead.
const deferUntilKey = "defer_until"

// Service is the task_scheduler provider.
type Service struct {
	registry.BaseService

	repo     repository.Repository
	eventBus bus.EventBus
	interval time.Duration
	clk      clock.Clock
	log      *logger.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	done    chan struct{}
	started bool
}

// New creates the scheduler. A zero interval defaults to one minute.
func New(repo repository.Repository, eventBus bus.EventBus, interval time.Duration, clk clock.Clock, log *logger.Logger) *Service {
	if interval <= 0 {
		interval = time.Minute
	}
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		BaseService: registry.NewBaseService("task_scheduler", "schedule_task", "reactivate_deferred"),
		repo:        repo,
		eventBus:    eventBus,
		interval:    interval,
		clk:         clk,
		log:         log.WithComponent("scheduler"),
	}
}

var _ registry.Service = (*Service)(nil)

// Start launches the periodic reactivation loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	if err := s.BaseService.Start(ctx); err != nil {
		return err
	}
	go s.run(ctx)
	return nil
}

// Stop halts the loop.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	close(s.stopCh)
	done := s.done
	s.mu.Unlock()

	if err := s.BaseService.Stop(ctx); err != nil {
		return err
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.ReactivateDue(ctx); err != nil {
				s.log.Warn("reactivation sweep failed", zap.Error(err))
			} else if n > 0 {
				s.log.Info("reactivated deferred tasks", zap.Int("count", n))
			}
		}
	}
}

// ReactivateDue scans deferred tasks, moves those past their
// defer_until back to ACTIVE, and seeds a fresh pending thought so the
// processor picks them up next round. Returns how many were resumed.
func (s *Service) ReactivateDue(ctx context.Context) (int, error) {
	tasks, err := s.repo.ListTasksByStatus(ctx, v1.TaskStatusDeferred)
	if err != nil {
		return 0, err
	}
	now := s.clk.Now()
	resumed := 0
	for _, task := range tasks {
		due, ok := deferUntil(task)
		if !ok || now.Before(due) {
			continue
		}
		if err := s.reactivate(ctx, task); err != nil {
			s.log.Warn("task reactivation failed",
				zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		resumed++
	}
	return resumed, nil
}

// ScheduleTask creates a deferred task that the sweep will activate at
// the given time.
func (s *Service) ScheduleTask(ctx context.Context, channelID, description string, priority int, at time.Time) (*models.Task, error) {
	task := models.NewTask(channelID, description, priority)
	task.Status = v1.TaskStatusDeferred
	task.Context[deferUntilKey] = at.UTC().Format(time.RFC3339)
	if err := s.repo.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	s.publish(events.TaskCreated, map[string]interface{}{
		"task_id":     task.ID,
		"defer_until": task.Context[deferUntilKey],
	})
	return task, nil
}

func (s *Service) reactivate(ctx context.Context, task *models.Task) error {
	if err := s.repo.UpdateTaskStatus(ctx, task.ID, v1.TaskStatusActive); err != nil {
		return err
	}
	thought := models.NewThought(task.ID, models.ThoughtTypeStandard, task.Description)
	thought.ProcessingContext = map[string]interface{}{
		"resumed_from_deferral": true,
	}
	if err := s.repo.CreateThought(ctx, thought); err != nil {
		return err
	}
	s.publish(events.TaskStatusChanged, map[string]interface{}{
		"task_id": task.ID,
		"status":  string(v1.TaskStatusActive),
		"reason":  "defer_until_elapsed",
	})
	return nil
}

func (s *Service) publish(eventType string, data map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "scheduler", data)
	if err := s.eventBus.Publish(context.Background(), eventType, event); err != nil {
		s.log.Debug("event publish failed", zap.String("type", eventType), zap.Error(err))
	}
}

func deferUntil(task *models.Task) (time.Time, bool) {
	raw, ok := task.Context[deferUntilKey]
	if !ok {
		return time.Time{}, false
	}
	str, ok := raw.(string)
	if !ok {
		return time.Time{}, false
	}
	due, err := time.Parse(time.RFC3339, str)
	if err != nil {
		return time.Time{}, false
	}
	return due, true
}
