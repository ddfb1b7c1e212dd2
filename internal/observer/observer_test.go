package observer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anima-ai/anima/internal/buses"
	"github.com/anima-ai/anima/internal/clock"
	"github.com/anima-ai/anima/internal/db"
	"github.com/anima-ai/anima/internal/registry"
	"github.com/anima-ai/anima/internal/sinks"
	"github.com/anima-ai/anima/internal/task/models"
	"github.com/anima-ai/anima/internal/task/repository/sqlite"
	v1 "github.com/anima-ai/anima/pkg/api/v1"
)

const testAgentID = "agent_anima"

type denyAdmission struct{}

func (denyAdmission) CheckAvailable(resource string, amount float64) bool { return false }

type fixture struct {
	obs      *Observer
	repo     *sqlite.Repository
	feedback *sinks.FeedbackSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dbConn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(dbConn, "sqlite3")
	repo, err := sqlite.NewWithDB(sqlxDB, sqlxDB)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlxDB.Close() })

	reg := registry.New(registry.Config{}, clock.NewSystemClock(), nil)
	filter := NewKeywordFilter()
	_, err = reg.Register(registry.Registration{
		Kind:     registry.KindAdaptiveFilter,
		Name:     filter.Name(),
		Instance: filter,
		Priority: registry.PriorityFallback,
	})
	require.NoError(t, err)

	feedback := sinks.NewFeedbackSink(10, repo, nil)
	obs := New(Config{
		AdapterName:     "console",
		AgentID:         testAgentID,
		DeferralChannel: "wa_deferrals",
		WAAuthors:       []string{"operator"},
	}, nil, reg, nil, repo, feedback, nil)

	return &fixture{obs: obs, repo: repo, feedback: feedback}
}

func message(id, author, channel, content string) *buses.Message {
	return &buses.Message{
		ID:         id,
		AuthorID:   "user_" + author,
		AuthorName: author,
		ChannelID:  channel,
		Content:    content,
		Timestamp:  time.Now().UTC(),
	}
}

func pendingTasks(t *testing.T, f *fixture) []*models.Task {
	t.Helper()
	tasks, err := f.repo.ListTasksByStatus(context.Background(), v1.TaskStatusPending)
	require.NoError(t, err)
	return tasks
}

func TestUrgentMessageCreatesElevatedTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.obs.HandleMessage(ctx, message("m1", "alice", "console", "help, the deploy is broken")))

	tasks := pendingTasks(t, f)
	require.Len(t, tasks, 1)
	assert.Equal(t, 5, tasks[0].Priority)
	assert.Equal(t, "console", tasks[0].Context["adapter"])
	assert.Equal(t, "m1", tasks[0].Context["message_id"])

	thoughts, err := f.repo.ListThoughtsByTask(ctx, tasks[0].ID)
	require.NoError(t, err)
	require.Len(t, thoughts, 1)
	assert.Equal(t, models.ThoughtTypeObservation, thoughts[0].ThoughtType)
	assert.Equal(t, "help, the deploy is broken", thoughts[0].Content)
}

func TestFilteredMessageCreatesNothing(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.obs.HandleMessage(context.Background(), message("m1", "alice", "console", "   ")))
	assert.Empty(t, pendingTasks(t, f))
}

func TestDuplicateDeliveryIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg := message("m1", "alice", "console", "please take a look")
	require.NoError(t, f.obs.HandleMessage(ctx, msg))
	require.NoError(t, f.obs.HandleMessage(ctx, msg))
	assert.Len(t, pendingTasks(t, f), 1)
}

func TestOwnAndBotMessagesOnlyFeedHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	own := message("m1", "anima", "console", "I already replied")
	own.AuthorID = testAgentID
	bot := message("m2", "otherbot", "console", "beep")
	bot.IsBot = true

	require.NoError(t, f.obs.HandleMessage(ctx, own))
	require.NoError(t, f.obs.HandleMessage(ctx, bot))

	assert.Empty(t, pendingTasks(t, f))
	assert.Len(t, f.obs.History(), 2)
}

func TestAdmissionGateDropsPassiveButNotUrgent(t *testing.T) {
	f := newFixture(t)
	f.obs.SetAdmissionChecker(denyAdmission{})
	ctx := context.Background()

	require.NoError(t, f.obs.HandleMessage(ctx, message("m1", "alice", "console", "just saying hi")))
	assert.Empty(t, pendingTasks(t, f), "passive observation must respect the gate")

	require.NoError(t, f.obs.HandleMessage(ctx, message("m2", "alice", "console", "urgent: production is down")))
	assert.Len(t, pendingTasks(t, f), 1, "urgent observations bypass the gate")
}

func TestWACorrectionEnqueuesFeedback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reply := message("m1", "operator", "wa_deferrals", "re thought_abcdef1234: approved, proceed")
	require.NoError(t, f.obs.HandleMessage(ctx, reply))

	assert.Equal(t, 1, f.feedback.Len())
	assert.Empty(t, pendingTasks(t, f), "corrections never create tasks")
}

func TestDuplicateCorrectionDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := message("m1", "operator", "wa_deferrals", "re thought_abcdef1234: approved")
	second := message("m2", "operator", "wa_deferrals", "thought_abcdef1234 again: also approved")
	require.NoError(t, f.obs.HandleMessage(ctx, first))
	require.NoError(t, f.obs.HandleMessage(ctx, second))

	assert.Equal(t, 1, f.feedback.Len(), "one correction per deferred thought")
}

func TestCorrectionWithoutThoughtRefErrors(t *testing.T) {
	f := newFixture(t)
	err := f.obs.HandleMessage(context.Background(),
		message("m1", "operator", "wa_deferrals", "looks good to me"))
	assert.Error(t, err)
}

func TestNonWAAuthorInDeferralChannelIsObservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg := message("m1", "alice", "wa_deferrals", "please check thought_abcdef1234")
	require.NoError(t, f.obs.HandleMessage(ctx, msg))

	assert.Zero(t, f.feedback.Len())
	assert.Len(t, pendingTasks(t, f), 1)
}

func TestHistoryRingIsBounded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < PassiveContextLimit+5; i++ {
		msg := message("m"+string(rune('a'+i)), "alice", "console", "note")
		require.NoError(t, f.obs.HandleMessage(ctx, msg))
	}
	assert.Len(t, f.obs.History(), PassiveContextLimit)
}

func TestNilMessageRejected(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.obs.HandleMessage(context.Background(), nil))
	assert.Error(t, f.obs.HandleMessage(context.Background(), &buses.Message{}))
}
