package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anima-ai/anima/internal/common/logger"
)

func newTestBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewMemoryEventBus(log)
}

// collector counts deliveries and exposes them for polling.
type collector struct {
	mu     sync.Mutex
	events []*Event
}

func (c *collector) handler() EventHandler {
	return func(ctx context.Context, event *Event) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.events = append(c.events, event)
		return nil
	}
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *collector) last() *Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return nil
	}
	return c.events[len(c.events)-1]
}

func TestPublishReachesSubscriber(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	col := &collector{}
	_, err := b.Subscribe("task.created", col.handler())
	require.NoError(t, err)

	event := NewEvent("task.created", "test", map[string]interface{}{"task_id": "t1"})
	require.NoError(t, b.Publish(context.Background(), "task.created", event))

	require.Eventually(t, func() bool { return col.count() == 1 }, time.Second, 5*time.Millisecond)
	got := col.last()
	assert.Equal(t, event.ID, got.ID)
	assert.Equal(t, "t1", got.Data["task_id"])
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	first, second := &collector{}, &collector{}
	_, err := b.Subscribe("state.changed", first.handler())
	require.NoError(t, err)
	_, err = b.Subscribe("state.changed", second.handler())
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "state.changed", NewEvent("state.changed", "test", nil)))

	require.Eventually(t, func() bool {
		return first.count() == 1 && second.count() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	col := &collector{}
	sub, err := b.Subscribe("task.created", col.handler())
	require.NoError(t, err)
	require.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "task.created", NewEvent("task.created", "test", nil)))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, col.count())
}

func TestWildcardSubjects(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		subject string
		match   bool
	}{
		{"single token star", "task.*", "task.created", true},
		{"star does not span tokens", "task.*", "task.created.now", false},
		{"tail wildcard", "task.>", "task.created.now", true},
		{"tail needs at least one token", "task.>", "task", false},
		{"exact", "task.created", "task.created", true},
		{"exact mismatch", "task.created", "task.updated", false},
		{"match all", ">", "anything.at.all", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBus(t)
			defer b.Close()

			col := &collector{}
			_, err := b.Subscribe(tt.pattern, col.handler())
			require.NoError(t, err)

			require.NoError(t, b.Publish(context.Background(), tt.subject, NewEvent(tt.subject, "test", nil)))

			if tt.match {
				require.Eventually(t, func() bool { return col.count() == 1 }, time.Second, 5*time.Millisecond)
			} else {
				time.Sleep(50 * time.Millisecond)
				assert.Zero(t, col.count())
			}
		})
	}
}

func TestQueueGroupDeliversOnce(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	first, second := &collector{}, &collector{}
	_, err := b.QueueSubscribe("work.item", "workers", first.handler())
	require.NoError(t, err)
	_, err = b.QueueSubscribe("work.item", "workers", second.handler())
	require.NoError(t, err)

	const published = 10
	for i := 0; i < published; i++ {
		require.NoError(t, b.Publish(context.Background(), "work.item", NewEvent("work.item", "test", nil)))
	}

	// Each event reaches exactly one group member; round-robin splits
	// them evenly.
	require.Eventually(t, func() bool {
		return first.count()+second.count() == published
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, published/2, first.count())
	assert.Equal(t, published/2, second.count())
}

func TestCloseRejectsFurtherUse(t *testing.T) {
	b := newTestBus(t)

	sub, err := b.Subscribe("task.created", func(ctx context.Context, event *Event) error { return nil })
	require.NoError(t, err)
	require.True(t, b.IsConnected())

	b.Close()

	assert.False(t, b.IsConnected())
	assert.False(t, sub.IsValid())
	assert.Error(t, b.Publish(context.Background(), "task.created", NewEvent("task.created", "test", nil)))
	_, err = b.Subscribe("task.created", func(ctx context.Context, event *Event) error { return nil })
	assert.Error(t, err)
}

func TestRequestReply(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	_, err := b.Subscribe("runtime.status", func(ctx context.Context, event *Event) error {
		reply, ok := event.Data["_reply"].(string)
		if !ok {
			return nil
		}
		return b.Publish(ctx, reply, NewEvent("runtime.status.reply", "responder",
			map[string]interface{}{"state": "WORK"}))
	})
	require.NoError(t, err)

	response, err := b.Request(context.Background(), "runtime.status",
		NewEvent("runtime.status", "test", nil), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "WORK", response.Data["state"])
}

func TestRequestTimesOutWithoutResponder(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	_, err := b.Request(context.Background(), "nobody.home",
		NewEvent("nobody.home", "test", nil), 50*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	col := &collector{}
	_, err := b.Subscribe("load.>", col.handler())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Publish(context.Background(), "load.test", NewEvent("load.test", "test", nil))
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return col.count() == 20 }, time.Second, 5*time.Millisecond)
}

func TestNewEventFields(t *testing.T) {
	before := time.Now().UTC()
	event := NewEvent("task.created", "observer", map[string]interface{}{"k": "v"})

	assert.NotEmpty(t, event.ID)
	assert.Equal(t, "task.created", event.Type)
	assert.Equal(t, "observer", event.Source)
	assert.Equal(t, "v", event.Data["k"])
	assert.False(t, event.Timestamp.Before(before))
}
