package events

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/fleetd/pkg/models"
	"github.com/agentfleet/fleetd/pkg/store"
)

// recordingNotifier captures cross-pod notifications for assertions.
type recordingNotifier struct {
	mu    sync.Mutex
	calls []struct {
		channel string
		payload string
	}
}

func (r *recordingNotifier) Notify(_ context.Context, channel string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, struct {
		channel string
		payload string
	}{channel, string(payload)})
	return nil
}

func (r *recordingNotifier) channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.channel
	}
	return out
}

func drainSub(t *testing.T, sub *Subscription, n int) []models.SystemEvent {
	t.Helper()
	out := make([]models.SystemEvent, 0, n)
	for len(out) < n {
		select {
		case ev := <-sub.C:
			out = append(out, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d of %d", len(out)+1, n)
		}
	}
	return out
}

func TestOutboxBusDeliversInCommitOrder(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	bus := NewOutboxBus(mem)

	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	for _, taskID := range []string{"t-1", "t-2", "t-3"} {
		ev := New(EventTaskAssigned, EntityTask, taskID,
			TaskAssignedPayload{TaskID: taskID, AgentID: "agent-1"}, time.Now())
		require.NoError(t, bus.Publish(ctx, ev))
	}

	n, err := bus.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got := drainSub(t, sub, 3)
	assert.Equal(t, "t-1", got[0].EntityID)
	assert.Equal(t, "t-2", got[1].EntityID)
	assert.Equal(t, "t-3", got[2].EntityID)

	var p TaskAssignedPayload
	require.NoError(t, Decode(got[0], &p))
	assert.Equal(t, "agent-1", p.AgentID)
}

func TestOutboxBusTypeFiltering(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	bus := NewOutboxBus(mem)

	taskSub := bus.Subscribe(EventTaskCompleted)
	defer taskSub.Unsubscribe()
	allSub := bus.Subscribe()
	defer allSub.Unsubscribe()

	require.NoError(t, bus.Publish(ctx, New(EventTaskCompleted, EntityTask, "t-1",
		TaskCompletedPayload{TaskID: "t-1"}, time.Now())))
	require.NoError(t, bus.Publish(ctx, New(EventHeartbeatReceived, EntityAgent, "a-1",
		HeartbeatReceivedPayload{AgentID: "a-1", SequenceNumber: 7}, time.Now())))

	_, err := bus.DrainOnce(ctx)
	require.NoError(t, err)

	filtered := drainSub(t, taskSub, 1)
	assert.Equal(t, EventTaskCompleted, filtered[0].EventType)
	select {
	case ev := <-taskSub.C:
		t.Fatalf("filtered subscriber received unexpected event %s", ev.EventType)
	default:
	}

	all := drainSub(t, allSub, 2)
	assert.Equal(t, EventTaskCompleted, all[0].EventType)
	assert.Equal(t, EventHeartbeatReceived, all[1].EventType)
}

func TestOutboxBusDrainIsIdempotentWhenEmpty(t *testing.T) {
	ctx := context.Background()
	bus := NewOutboxBus(store.NewMemory())

	n, err := bus.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOutboxBusEventsAreNotRedelivered(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	bus := NewOutboxBus(mem)
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	require.NoError(t, bus.Publish(ctx, New(EventTaskFailed, EntityTask, "t-1",
		TaskFailedPayload{TaskID: "t-1", Error: "connection reset", RetryCount: 1, MaxRetries: 3, Attempt: 2}, time.Now())))

	n, err := bus.DrainOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = bus.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "drained events must not be delivered again")
}

func TestOutboxBusPicksUpStoreCommittedEvents(t *testing.T) {
	// Events co-committed by store composite operations flow through the
	// same outbox as directly published ones.
	ctx := context.Background()
	mem := store.NewMemory()
	bus := NewOutboxBus(mem)
	sub := bus.Subscribe(EventAgentStatusChanged)
	defer sub.Unsubscribe()

	require.NoError(t, mem.AppendEvents(ctx, New(EventAgentStatusChanged, EntityAgent, "a-1",
		AgentStatusChangedPayload{
			AgentID:        "a-1",
			PreviousStatus: string(models.AgentStatusIdle),
			NewStatus:      string(models.AgentStatusRunning),
			Reason:         "task assigned",
			TriggeredBy:    "dispatcher",
		}, time.Now())))

	_, err := bus.DrainOnce(ctx)
	require.NoError(t, err)

	got := drainSub(t, sub, 1)
	var p AgentStatusChangedPayload
	require.NoError(t, Decode(got[0], &p))
	assert.Equal(t, string(models.AgentStatusRunning), p.NewStatus)
}

func TestOutboxBusNotifierReceivesGlobalAndEntityChannels(t *testing.T) {
	ctx := context.Background()
	notifier := &recordingNotifier{}
	bus := NewOutboxBus(store.NewMemory(), WithNotifier(notifier))

	require.NoError(t, bus.Publish(ctx, New(EventTaskTimedOut, EntityTask, "t-9",
		TaskTimedOutPayload{TaskID: "t-9", TimeoutSeconds: 600, ElapsedTime: 612.4}, time.Now())))
	_, err := bus.DrainOnce(ctx)
	require.NoError(t, err)

	channels := notifier.channels()
	require.Len(t, channels, 2)
	assert.Equal(t, GlobalChannel, channels[0])
	assert.Equal(t, "task:t-9", channels[1])
}

func TestOutboxBusCloseFlushesAndRejectsPublish(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	bus := NewOutboxBus(mem)
	sub := bus.Subscribe()

	require.NoError(t, bus.Publish(ctx, New(EventTaskCancelled, EntityTask, "t-1",
		map[string]any{"task_id": "t-1"}, time.Now())))

	done := make(chan error, 1)
	go func() { done <- bus.Close(ctx) }()

	got := drainSub(t, sub, 1)
	assert.Equal(t, EventTaskCancelled, got[0].EventType)
	require.NoError(t, <-done)

	err := bus.Publish(ctx, New(EventTaskCancelled, EntityTask, "t-2", nil, time.Now()))
	assert.ErrorIs(t, err, ErrBusClosed)

	depth, err := mem.OutboxDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth, "Close must flush the outbox")
}

func TestOutboxBusBackgroundDrain(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewOutboxBus(store.NewMemory(), WithPollInterval(5*time.Millisecond))
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	bus.Start(ctx)
	defer func() { _ = bus.Close(context.Background()) }()

	require.NoError(t, bus.Publish(ctx, New(EventHeartbeatMissed, EntityAgent, "a-1",
		HeartbeatMissedPayload{AgentID: "a-1", MissedCount: 2, EscalationLevel: EscalationDegraded}, time.Now())))

	got := drainSub(t, sub, 1)
	assert.Equal(t, EventHeartbeatMissed, got[0].EventType)
}

func TestBuildTruncatedPayloadKeepsRoutingFields(t *testing.T) {
	ev := New(EventTaskCompleted, EntityTask, "t-1",
		TaskCompletedPayload{TaskID: "t-1", Result: map[string]any{"output": strings.Repeat("x", 10000)}},
		time.Now())
	ev.ID = 42

	raw, err := buildTruncatedPayload(mustJSON(t, ev))
	require.NoError(t, err)
	assert.Contains(t, raw, `"truncated":true`)
	assert.Contains(t, raw, `"entity_id":"t-1"`)
	assert.Contains(t, raw, `"id":42`)
	assert.NotContains(t, raw, "xxxx")
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestEntityChannel(t *testing.T) {
	assert.Equal(t, "agent:a-1", EntityChannel(EntityAgent, "a-1"))
	assert.Equal(t, "ticket:tk-7", EntityChannel(EntityTicket, "tk-7"))
}
