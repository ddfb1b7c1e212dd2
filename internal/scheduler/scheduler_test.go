package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anima-ai/anima/internal/clock"
	"github.com/anima-ai/anima/internal/db"
	"github.com/anima-ai/anima/internal/task/models"
	"github.com/anima-ai/anima/internal/task/repository"
	"github.com/anima-ai/anima/internal/task/repository/sqlite"
	v1 "github.com/anima-ai/anima/pkg/api/v1"
)

func newSchedulerFixture(t *testing.T) (*Service, repository.Repository, *clock.MockClock) {
	t.Helper()
	conn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	sdb := sqlx.NewDb(conn, "sqlite3")
	repo, err := sqlite.NewWithDB(sdb, sdb)
	require.NoError(t, err)

	clk := clock.NewMockClock(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC))
	return New(repo, nil, time.Minute, clk, nil), repo, clk
}

func TestReactivateDueResumesElapsedTask(t *testing.T) {
	s, repo, clk := newSchedulerFixture(t)
	ctx := context.Background()

	task, err := s.ScheduleTask(ctx, "chan-1", "follow up later", 1, clk.Now().Add(30*time.Minute))
	require.NoError(t, err)
	require.Equal(t, v1.TaskStatusDeferred, task.Status)

	// Not due yet.
	n, err := s.ReactivateDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clk.Advance(31 * time.Minute)
	n, err = s.ReactivateDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusActive, got.Status)

	thoughts, err := repo.ListThoughtsByTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, thoughts, 1)
	assert.Equal(t, v1.ThoughtStatusPending, thoughts[0].Status)
	assert.Equal(t, task.Description, thoughts[0].Content)
	assert.Equal(t, true, thoughts[0].ProcessingContext["resumed_from_deferral"])
}

func TestReactivateDueSkipsTaskWithoutDeadline(t *testing.T) {
	s, repo, clk := newSchedulerFixture(t)
	ctx := context.Background()

	// Deferred awaiting wise-authority feedback: no defer_until key.
	task := models.NewTask("chan-1", "waiting on guidance", 1)
	task.Status = v1.TaskStatusDeferred
	require.NoError(t, repo.CreateTask(ctx, task))

	clk.Advance(48 * time.Hour)
	n, err := s.ReactivateDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusDeferred, got.Status)
}

func TestReactivateDueIgnoresMalformedDeadline(t *testing.T) {
	s, repo, clk := newSchedulerFixture(t)
	ctx := context.Background()

	task := models.NewTask("chan-1", "bad deadline", 1)
	task.Status = v1.TaskStatusDeferred
	task.Context["defer_until"] = "not-a-timestamp"
	require.NoError(t, repo.CreateTask(ctx, task))

	clk.Advance(time.Hour)
	n, err := s.ReactivateDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReactivateDueHandlesMultipleTasks(t *testing.T) {
	s, repo, clk := newSchedulerFixture(t)
	ctx := context.Background()

	_, err := s.ScheduleTask(ctx, "chan-1", "due soon", 1, clk.Now().Add(10*time.Minute))
	require.NoError(t, err)
	_, err = s.ScheduleTask(ctx, "chan-1", "due later", 1, clk.Now().Add(2*time.Hour))
	require.NoError(t, err)

	clk.Advance(20 * time.Minute)
	n, err := s.ReactivateDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	active, err := repo.ListTasksByStatus(ctx, v1.TaskStatusActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "due soon", active[0].Description)

	deferred, err := repo.ListTasksByStatus(ctx, v1.TaskStatusDeferred)
	require.NoError(t, err)
	assert.Len(t, deferred, 1)
}

func TestScheduleTaskStoresRFC3339Deadline(t *testing.T) {
	s, repo, clk := newSchedulerFixture(t)
	ctx := context.Background()

	at := clk.Now().Add(time.Hour)
	task, err := s.ScheduleTask(ctx, "chan-2", "scheduled", 3, at)
	require.NoError(t, err)

	got, err := repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	raw, ok := got.Context["defer_until"].(string)
	require.True(t, ok)
	parsed, err := time.Parse(time.RFC3339, raw)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(at))
}

func TestStartStopIdempotent(t *testing.T) {
	s, _, _ := newSchedulerFixture(t)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
}
