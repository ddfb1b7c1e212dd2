package sinks

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anima-ai/anima/internal/buses"
	"github.com/anima-ai/anima/internal/db"
	"github.com/anima-ai/anima/internal/task/models"
	"github.com/anima-ai/anima/internal/task/repository/sqlite"
	v1 "github.com/anima-ai/anima/pkg/api/v1"
)

func createTestRepo(t *testing.T) *sqlite.Repository {
	t.Helper()
	dbConn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(dbConn, "sqlite3")
	repo, err := sqlite.NewWithDB(sqlxDB, sqlxDB)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlxDB.Close() })
	return repo
}

func TestEnqueueReturnsFalseWhenFull(t *testing.T) {
	s := NewSink[int]("test_sink", 2, nil, func(ctx context.Context, item int) error { return nil })

	assert.True(t, s.Enqueue(1))
	assert.True(t, s.Enqueue(2))
	assert.False(t, s.Enqueue(3), "a full sink must reject, never block")
	assert.Equal(t, 2, s.Len())
}

func TestEnqueueReturnsFalseAfterStop(t *testing.T) {
	s := NewSink[int]("test_sink", 2, nil, func(ctx context.Context, item int) error { return nil })
	s.Stop()
	assert.False(t, s.Enqueue(1))
}

func TestRunProcessesInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	s := NewSink[int]("test_sink", 10, nil, func(ctx context.Context, item int) error {
		mu.Lock()
		got = append(got, item)
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
		return nil
	})

	for i := 1; i <= 3; i++ {
		require.True(t, s.Enqueue(i))
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sink did not drain")
	}
	s.Stop()
	s.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestRunSurvivesItemErrors(t *testing.T) {
	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	s := NewSink[int]("test_sink", 10, nil, func(ctx context.Context, item int) error {
		if item == 2 {
			return fmt.Errorf("item %d failed", item)
		}
		mu.Lock()
		got = append(got, item)
		if len(got) == 2 {
			close(done)
		}
		mu.Unlock()
		return nil
	})

	for i := 1; i <= 3; i++ {
		require.True(t, s.Enqueue(i))
	}
	go s.Run(context.Background())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sink did not continue past the failing item")
	}
	s.Stop()
	s.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 3}, got)
}

func TestStopPreservesQueuedItems(t *testing.T) {
	s := NewSink[int]("test_sink", 10, nil, func(ctx context.Context, item int) error { return nil })
	require.True(t, s.Enqueue(1))
	require.True(t, s.Enqueue(2))
	s.Stop()
	assert.Equal(t, 2, s.Len(), "stop must not drop queued items")
}

func TestFeedbackSinkCreatesCorrectionThought(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()

	task := models.NewTask("console", "respond to operator", 2)
	require.NoError(t, repo.CreateTask(ctx, task))
	deferred := models.NewThought(task.ID, models.ThoughtTypeStandard, "needs guidance")
	deferred.Status = v1.ThoughtStatusDeferred
	require.NoError(t, repo.CreateThought(ctx, deferred))

	sink := NewFeedbackSink(10, repo, nil)
	ok := sink.Enqueue(&Feedback{
		Message: &buses.Message{
			ID:         "msg_1",
			AuthorName: "operator",
			Content:    "approved, proceed with the plan",
		},
		DeferredThoughtID: deferred.ID,
	})
	require.True(t, ok)

	go sink.Run(ctx)
	require.Eventually(t, func() bool {
		thoughts, err := sink.repo.ListThoughtsByTask(ctx, task.ID)
		return err == nil && len(thoughts) == 2
	}, 2*time.Second, 20*time.Millisecond)
	sink.Stop()
	sink.Wait()

	thoughts, err := repo.ListThoughtsByTask(ctx, task.ID)
	require.NoError(t, err)

	var correction *models.Thought
	for _, th := range thoughts {
		if th.ThoughtType == models.ThoughtTypeCorrection {
			correction = th
		}
	}
	require.NotNil(t, correction)
	assert.Equal(t, deferred.ID, correction.ParentThoughtID)
	assert.Equal(t, deferred.Depth+1, correction.Depth)
	assert.Equal(t, true, correction.ProcessingContext["is_wa_feedback"])
	assert.Equal(t, "operator", correction.ProcessingContext["wa_author"])
}

func TestFeedbackSinkUnknownThoughtFails(t *testing.T) {
	repo := createTestRepo(t)
	sink := NewFeedbackSink(10, repo, nil)

	err := sink.processFeedback(context.Background(), &Feedback{
		Message:           &buses.Message{ID: "msg_1", Content: "hello"},
		DeferredThoughtID: "thought_missing",
	})
	assert.Error(t, err)
}
