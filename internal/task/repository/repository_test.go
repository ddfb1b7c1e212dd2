package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/anima-ai/anima/internal/db"
	"github.com/anima-ai/anima/internal/task/models"
	"github.com/anima-ai/anima/internal/task/repository/sqlite"
	v1 "github.com/anima-ai/anima/pkg/api/v1"
)

func createTestRepo(t *testing.T) *sqlite.Repository {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	dbConn, err := db.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("failed to open SQLite database: %v", err)
	}
	sqlxDB := sqlx.NewDb(dbConn, "sqlite3")
	repo, err := sqlite.NewWithDB(sqlxDB, sqlxDB)
	if err != nil {
		t.Fatalf("failed to create SQLite repository: %v", err)
	}

	t.Cleanup(func() {
		if err := sqlxDB.Close(); err != nil {
			t.Errorf("failed to close sqlite db: %v", err)
		}
	})
	return repo
}

func TestTaskCRUD(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()

	task := models.NewTask("channel-1", "answer the question", 5)
	task.Context["origin"] = "test"
	if err := repo.CreateTask(ctx, task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}

	got, err := repo.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.Description != "answer the question" {
		t.Errorf("expected description to round-trip, got %q", got.Description)
	}
	if got.Status != v1.TaskStatusPending {
		t.Errorf("expected PENDING, got %s", got.Status)
	}
	if got.Context["origin"] != "test" {
		t.Error("expected context JSON to round-trip")
	}

	got.Description = "revised"
	got.RetryCount = 2
	if err := repo.UpdateTask(ctx, got); err != nil {
		t.Fatalf("failed to update task: %v", err)
	}
	updated, err := repo.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to re-get task: %v", err)
	}
	if updated.Description != "revised" || updated.RetryCount != 2 {
		t.Error("expected update to persist")
	}
}

func TestGetTaskNotFound(t *testing.T) {
	repo := createTestRepo(t)
	if _, err := repo.GetTask(context.Background(), "task_missing"); err == nil {
		t.Fatal("expected error for missing task")
	}
}

func TestUpdateTaskStatusStampsCompletion(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()

	task := models.NewTask("channel-1", "work", 0)
	if err := repo.CreateTask(ctx, task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}

	if err := repo.UpdateTaskStatus(ctx, task.ID, v1.TaskStatusActive); err != nil {
		t.Fatalf("failed to activate: %v", err)
	}
	active, _ := repo.GetTask(ctx, task.ID)
	if active.CompletedAt != nil {
		t.Error("ACTIVE must not stamp completed_at")
	}

	if err := repo.UpdateTaskStatus(ctx, task.ID, v1.TaskStatusCompleted); err != nil {
		t.Fatalf("failed to complete: %v", err)
	}
	done, _ := repo.GetTask(ctx, task.ID)
	if done.Status != v1.TaskStatusCompleted {
		t.Errorf("expected COMPLETED, got %s", done.Status)
	}
	if done.CompletedAt == nil {
		t.Error("COMPLETED must stamp completed_at")
	}
}

func TestListTasksByStatus(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()

	low := models.NewTask("channel-1", "low", 1)
	high := models.NewTask("channel-1", "high", 9)
	done := models.NewTask("channel-1", "done", 5)
	done.Status = v1.TaskStatusCompleted
	for _, task := range []*models.Task{low, high, done} {
		if err := repo.CreateTask(ctx, task); err != nil {
			t.Fatalf("failed to create task: %v", err)
		}
	}

	pending, err := repo.ListTasksByStatus(ctx, v1.TaskStatusPending)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending tasks, got %d", len(pending))
	}
	if pending[0].ID != high.ID {
		t.Error("expected highest priority first")
	}

	count, err := repo.CountTasksByStatus(ctx, v1.TaskStatusPending)
	if err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if count != 2 {
		t.Errorf("expected count 2, got %d", count)
	}
}

func TestThoughtLifecycle(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()

	task := models.NewTask("channel-1", "work", 0)
	if err := repo.CreateTask(ctx, task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}

	thought := models.NewThought(task.ID, models.ThoughtTypeStandard, "first step")
	if err := repo.CreateThought(ctx, thought); err != nil {
		t.Fatalf("failed to create thought: %v", err)
	}

	if err := repo.MarkThoughtProcessing(ctx, thought.ID, 3); err != nil {
		t.Fatalf("failed to claim thought: %v", err)
	}
	got, err := repo.GetThought(ctx, thought.ID)
	if err != nil {
		t.Fatalf("failed to get thought: %v", err)
	}
	if got.Status != v1.ThoughtStatusProcessing {
		t.Errorf("expected PROCESSING, got %s", got.Status)
	}
	if got.RoundNumber != 3 {
		t.Errorf("expected round 3, got %d", got.RoundNumber)
	}

	// A second claim must fail: the thought is no longer PENDING.
	if err := repo.MarkThoughtProcessing(ctx, thought.ID, 4); err == nil {
		t.Fatal("expected second claim to fail")
	}

	got.FinalAction = map[string]interface{}{"action": "speak"}
	got.Status = v1.ThoughtStatusCompleted
	if err := repo.UpdateThought(ctx, got); err != nil {
		t.Fatalf("failed to update thought: %v", err)
	}
	final, _ := repo.GetThought(ctx, thought.ID)
	if final.FinalAction["action"] != "speak" {
		t.Error("expected final action to round-trip")
	}
}

func TestListPendingThoughtsForProcessing(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()

	lowTask := models.NewTask("channel-1", "low", 1)
	highTask := models.NewTask("channel-1", "high", 9)
	for _, task := range []*models.Task{lowTask, highTask} {
		if err := repo.CreateTask(ctx, task); err != nil {
			t.Fatalf("failed to create task: %v", err)
		}
	}

	// Insert the low-priority task's thought first so age alone would pick it.
	lowThought := models.NewThought(lowTask.ID, models.ThoughtTypeStandard, "low work")
	if err := repo.CreateThought(ctx, lowThought); err != nil {
		t.Fatalf("failed to create thought: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	highOld := models.NewThought(highTask.ID, models.ThoughtTypeStandard, "high work a")
	if err := repo.CreateThought(ctx, highOld); err != nil {
		t.Fatalf("failed to create thought: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	highNew := models.NewThought(highTask.ID, models.ThoughtTypeStandard, "high work b")
	if err := repo.CreateThought(ctx, highNew); err != nil {
		t.Fatalf("failed to create thought: %v", err)
	}

	batch, err := repo.ListPendingThoughtsForProcessing(ctx, 2)
	if err != nil {
		t.Fatalf("failed to list batch: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("expected batch of 2, got %d", len(batch))
	}
	if batch[0].ID != highOld.ID || batch[1].ID != highNew.ID {
		t.Error("expected high-priority task's thoughts first, oldest first")
	}

	// Completed thoughts drop out of the pending pool.
	if err := repo.UpdateThoughtStatus(ctx, highOld.ID, v1.ThoughtStatusCompleted); err != nil {
		t.Fatalf("failed to complete thought: %v", err)
	}
	count, err := repo.CountThoughtsByStatus(ctx, v1.ThoughtStatusPending)
	if err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 pending thoughts, got %d", count)
	}
}

func TestThoughtsByTask(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()

	task := models.NewTask("channel-1", "work", 0)
	if err := repo.CreateTask(ctx, task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	root := models.NewThought(task.ID, models.ThoughtTypeStandard, "root")
	if err := repo.CreateThought(ctx, root); err != nil {
		t.Fatalf("failed to create root: %v", err)
	}
	child := models.NewChildThought(root, models.ThoughtTypeFollowUp, "child")
	if err := repo.CreateThought(ctx, child); err != nil {
		t.Fatalf("failed to create child: %v", err)
	}

	thoughts, err := repo.ListThoughtsByTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to list thoughts: %v", err)
	}
	if len(thoughts) != 2 {
		t.Fatalf("expected 2 thoughts, got %d", len(thoughts))
	}
	var gotChild *models.Thought
	for _, th := range thoughts {
		if th.ID == child.ID {
			gotChild = th
		}
	}
	if gotChild == nil {
		t.Fatal("child thought missing from listing")
	}
	if gotChild.ParentThoughtID != root.ID || gotChild.Depth != 1 {
		t.Error("expected parent linkage and depth to round-trip")
	}
}

func TestCorrelationLifecycle(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()

	corr := models.NewCorrelation("llm", "speak_handler", "call_llm_structured")
	corr.RequestData = map[string]interface{}{"prompt": "hello"}
	if err := repo.CreateCorrelation(ctx, corr); err != nil {
		t.Fatalf("failed to create correlation: %v", err)
	}

	pending, err := repo.GetCorrelation(ctx, corr.ID)
	if err != nil {
		t.Fatalf("failed to get correlation: %v", err)
	}
	if pending.Status != models.CorrelationStatusPending {
		t.Errorf("expected PENDING, got %s", pending.Status)
	}

	err = repo.ResolveCorrelation(ctx, corr.ID, models.CorrelationStatusCompleted,
		map[string]interface{}{"tokens": float64(42)})
	if err != nil {
		t.Fatalf("failed to resolve correlation: %v", err)
	}

	resolved, _ := repo.GetCorrelation(ctx, corr.ID)
	if resolved.Status != models.CorrelationStatusCompleted {
		t.Errorf("expected COMPLETED, got %s", resolved.Status)
	}
	if resolved.ResponseData["tokens"] != float64(42) {
		t.Error("expected response data to round-trip")
	}

	recent, err := repo.ListRecentCorrelations(ctx, "llm", 10)
	if err != nil {
		t.Fatalf("failed to list correlations: %v", err)
	}
	if len(recent) != 1 {
		t.Errorf("expected 1 correlation, got %d", len(recent))
	}
}

func TestCeremonies(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()

	ceremony := &models.CreationCeremony{
		AgentID:      "agent-1",
		AgentName:    "scout",
		TemplateName: "default",
		TemplateHash: "abc123",
		CreatorID:    "wa-alice",
		ApproverID:   "wa-bob",
	}
	if err := repo.CreateCeremony(ctx, ceremony); err != nil {
		t.Fatalf("failed to create ceremony: %v", err)
	}
	if ceremony.ID == "" {
		t.Fatal("expected generated ceremony id")
	}

	ceremonies, err := repo.ListCeremonies(ctx)
	if err != nil {
		t.Fatalf("failed to list ceremonies: %v", err)
	}
	if len(ceremonies) != 1 || ceremonies[0].ApproverID != "wa-bob" {
		t.Error("expected ceremony to round-trip")
	}
}
