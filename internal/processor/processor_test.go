package processor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anima-ai/anima/internal/audit"
	"github.com/anima-ai/anima/internal/clock"
	"github.com/anima-ai/anima/internal/db"
	"github.com/anima-ai/anima/internal/resources"
	"github.com/anima-ai/anima/internal/sinks"
	"github.com/anima-ai/anima/internal/state"
	"github.com/anima-ai/anima/internal/task/models"
	"github.com/anima-ai/anima/internal/task/repository/sqlite"
	v1 "github.com/anima-ai/anima/pkg/api/v1"
)

// echoSelector always selects a send_message action.
type echoSelector struct {
	err error
}

func (s echoSelector) SelectAction(ctx context.Context, thought *models.Thought, task *models.Task) (*sinks.Action, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &sinks.Action{
		Type:      sinks.ActionSendMessage,
		ThoughtID: thought.ID,
		TaskID:    task.ID,
		ChannelID: task.ChannelID,
		Content:   "ack: " + thought.Content,
	}, nil
}

// silentSelector completes thoughts without outbound work.
type silentSelector struct{}

func (silentSelector) SelectAction(ctx context.Context, thought *models.Thought, task *models.Task) (*sinks.Action, error) {
	return nil, nil
}

type fixture struct {
	proc     *Processor
	repo     *sqlite.Repository
	states   *state.Manager
	actions  *sinks.ActionSink
	deferral *sinks.DeferralSink
	auditSvc *audit.Service
	chain    *audit.HashChain
}

func newFixture(t *testing.T, cfg Config, selector ActionSelector) *fixture {
	t.Helper()
	dir := t.TempDir()

	dbConn, err := db.OpenSQLite(filepath.Join(dir, "main.db"))
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(dbConn, "sqlite3")
	repo, err := sqlite.NewWithDB(sqlxDB, sqlxDB)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlxDB.Close() })

	auditConn, err := db.OpenSQLite(filepath.Join(dir, "audit.db"))
	require.NoError(t, err)
	auditDB := sqlx.NewDb(auditConn, "sqlite3")
	t.Cleanup(func() { _ = auditDB.Close() })
	chain, err := audit.NewHashChain(auditDB, nil)
	require.NoError(t, err)
	auditSvc, err := audit.NewService(chain, nil, nil, nil, audit.Config{CacheSize: 64})
	require.NoError(t, err)

	clk := clock.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	states := state.NewManager(clk, nil)
	require.True(t, states.TransitionTo(v1.AgentStateWakeup))
	require.True(t, states.TransitionTo(v1.AgentStateWork))

	actions := sinks.NewActionSink(10, nil, nil, nil, nil)
	deferral := sinks.NewDeferralSink(10, nil, nil, nil, nil)

	proc := New(cfg, states, repo, selector, actions, deferral, auditSvc, nil, nil, clk, nil)
	return &fixture{
		proc: proc, repo: repo, states: states,
		actions: actions, deferral: deferral,
		auditSvc: auditSvc, chain: chain,
	}
}

func seedTask(t *testing.T, f *fixture, content string) (*models.Task, *models.Thought) {
	t.Helper()
	ctx := context.Background()
	task := models.NewTask("console", "respond to operator", 2)
	require.NoError(t, f.repo.CreateTask(ctx, task))
	thought := models.NewThought(task.ID, models.ThoughtTypeObservation, content)
	require.NoError(t, f.repo.CreateThought(ctx, thought))
	return task, thought
}

func auditTypes(t *testing.T, f *fixture) []string {
	t.Helper()
	records, err := f.chain.Records(1, 100)
	require.NoError(t, err)
	types := make([]string, 0, len(records))
	for _, rec := range records {
		types = append(types, rec.EventType)
	}
	return types
}

func TestWorkRoundCompletesThoughtAndTask(t *testing.T) {
	f := newFixture(t, Config{MaxActiveThoughts: 10}, echoSelector{})
	ctx := context.Background()
	task, thought := seedTask(t, f, "hello")

	step, err := f.proc.SingleStep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, step.ThoughtsProcessed)

	gotThought, err := f.repo.GetThought(ctx, thought.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ThoughtStatusCompleted, gotThought.Status)
	assert.Equal(t, 1, gotThought.RoundNumber)

	gotTask, err := f.repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCompleted, gotTask.Status)

	assert.Equal(t, 1, f.actions.Len(), "the selected action is queued for dispatch")
	assert.Contains(t, auditTypes(t, f), "action.send_message")
}

func TestMaxDepthThoughtIsDeferred(t *testing.T) {
	f := newFixture(t, Config{MaxActiveThoughts: 10, MaxThoughtDepth: 3}, echoSelector{})
	ctx := context.Background()
	task, thought := seedTask(t, f, "deep chain")
	thought.Depth = 3
	require.NoError(t, f.repo.UpdateThought(ctx, thought))

	_, err := f.proc.SingleStep(ctx)
	require.NoError(t, err)

	gotThought, err := f.repo.GetThought(ctx, thought.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ThoughtStatusDeferred, gotThought.Status)

	gotTask, err := f.repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusDeferred, gotTask.Status)

	assert.Equal(t, 1, f.deferral.Len(), "a deferral package reaches the sink")
	assert.Contains(t, auditTypes(t, f), "defer")

	// The defer entry references the thought id.
	records, err := f.chain.Records(1, 10)
	require.NoError(t, err)
	var found bool
	for _, rec := range records {
		if rec.EventType == "defer" {
			assert.Equal(t, thought.ID, rec.EntityID)
			found = true
		}
	}
	assert.True(t, found)
}

func TestActionBackpressureDefers(t *testing.T) {
	f := newFixture(t, Config{MaxActiveThoughts: 10}, echoSelector{})
	ctx := context.Background()

	// Saturate the action queue so the next enqueue is rejected.
	full := sinks.NewActionSink(1, nil, nil, nil, nil)
	require.True(t, full.Enqueue(&sinks.Action{Type: sinks.ActionSendMessage}))
	f.proc.actions = full

	_, thought := seedTask(t, f, "hello")
	_, err := f.proc.SingleStep(ctx)
	require.NoError(t, err)

	gotThought, err := f.repo.GetThought(ctx, thought.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ThoughtStatusDeferred, gotThought.Status)

	records, err := f.chain.Records(1, 10)
	require.NoError(t, err)
	var reason string
	for _, rec := range records {
		if rec.EventType == "defer" {
			reason = rec.Payload
		}
	}
	assert.Contains(t, reason, "action_backpressure")
}

func TestSelectorErrorFailsThought(t *testing.T) {
	f := newFixture(t, Config{MaxActiveThoughts: 10}, echoSelector{err: errors.New("model offline")})
	ctx := context.Background()
	task, thought := seedTask(t, f, "hello")

	_, err := f.proc.SingleStep(ctx)
	require.NoError(t, err)

	gotThought, err := f.repo.GetThought(ctx, thought.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ThoughtStatusFailed, gotThought.Status)

	gotTask, err := f.repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusFailed, gotTask.Status)

	assert.Contains(t, auditTypes(t, f), "round_error")
}

func TestNilActionCompletesWithoutDispatch(t *testing.T) {
	f := newFixture(t, Config{MaxActiveThoughts: 10}, silentSelector{})
	ctx := context.Background()
	_, thought := seedTask(t, f, "internal musing")

	_, err := f.proc.SingleStep(ctx)
	require.NoError(t, err)

	gotThought, err := f.repo.GetThought(ctx, thought.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ThoughtStatusCompleted, gotThought.Status)
	assert.Zero(t, f.actions.Len())
	assert.Contains(t, auditTypes(t, f), "action.none")
}

func TestTaskWithOpenThoughtsDoesNotSettle(t *testing.T) {
	f := newFixture(t, Config{MaxActiveThoughts: 1}, silentSelector{})
	ctx := context.Background()

	task, _ := seedTask(t, f, "first")
	second := models.NewThought(task.ID, models.ThoughtTypeObservation, "second")
	require.NoError(t, f.repo.CreateThought(ctx, second))

	// Batch of one processes only the first thought.
	_, err := f.proc.SingleStep(ctx)
	require.NoError(t, err)

	gotTask, err := f.repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusActive, gotTask.Status, "task stays open while thoughts remain")

	_, err = f.proc.SingleStep(ctx)
	require.NoError(t, err)
	gotTask, err = f.repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCompleted, gotTask.Status)
}

func TestShutdownRoundDefersAllPending(t *testing.T) {
	f := newFixture(t, Config{MaxActiveThoughts: 10}, echoSelector{})
	ctx := context.Background()

	_, first := seedTask(t, f, "one")
	_, second := seedTask(t, f, "two")

	require.True(t, f.states.TransitionTo(v1.AgentStateShutdown))
	_, err := f.proc.SingleStep(ctx)
	require.NoError(t, err)

	for _, id := range []string{first.ID, second.ID} {
		got, err := f.repo.GetThought(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, v1.ThoughtStatusDeferred, got.Status)
	}
	assert.Equal(t, 2, f.deferral.Len())
}

func TestDeferSignalPausesAndDrainsBacklog(t *testing.T) {
	f := newFixture(t, Config{MaxActiveThoughts: 10}, echoSelector{})
	ctx := context.Background()

	task, thought := seedTask(t, f, "pending work")

	f.proc.OnResourceSignal(resources.SignalDefer, "tokens_hour")

	assert.True(t, f.proc.Paused())

	gotThought, err := f.repo.GetThought(ctx, thought.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ThoughtStatusDeferred, gotThought.Status)

	gotTask, err := f.repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusDeferred, gotTask.Status)

	assert.Contains(t, auditTypes(t, f), "defer")
	assert.Equal(t, 1, f.deferral.Len())
}

func TestWakeupRoundArmsAutoTransition(t *testing.T) {
	f := newFixture(t, Config{MaxActiveThoughts: 10}, echoSelector{})
	require.True(t, f.states.TransitionTo(v1.AgentStateShutdown))
	require.True(t, f.states.TransitionTo(v1.AgentStateWakeup))

	_, err := f.proc.SingleStep(context.Background())
	require.NoError(t, err)

	target, ok := f.states.ShouldAutoTransition()
	require.True(t, ok)
	assert.Equal(t, v1.AgentStateWork, target)
}

func TestPauseBlocksRunLoop(t *testing.T) {
	f := newFixture(t, Config{MaxActiveThoughts: 10, RoundDelay: 10 * time.Millisecond}, silentSelector{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.proc.Pause()
	go f.proc.Run(ctx)

	_, thought := seedTask(t, f, "queued while paused")
	time.Sleep(100 * time.Millisecond)

	got, err := f.repo.GetThought(ctx, thought.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ThoughtStatusPending, got.Status, "a paused processor admits nothing")

	f.proc.Resume()
	require.Eventually(t, func() bool {
		got, err := f.repo.GetThought(ctx, thought.ID)
		return err == nil && got.Status == v1.ThoughtStatusCompleted
	}, 2*time.Second, 20*time.Millisecond)
	f.proc.Stop()
}

func TestMaxRoundsPausesLoop(t *testing.T) {
	f := newFixture(t, Config{MaxActiveThoughts: 10, RoundDelay: 5 * time.Millisecond, MaxRounds: 3}, silentSelector{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go f.proc.Run(ctx)
	require.Eventually(t, func() bool { return f.proc.Paused() }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, f.proc.Round())
	f.proc.Stop()
}

func TestSingleStepWorksWhilePaused(t *testing.T) {
	f := newFixture(t, Config{MaxActiveThoughts: 10}, silentSelector{})
	f.proc.Pause()

	_, thought := seedTask(t, f, "stepped")
	step, err := f.proc.SingleStep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, step.ThoughtsProcessed)

	got, err := f.repo.GetThought(context.Background(), thought.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ThoughtStatusCompleted, got.Status)
}
