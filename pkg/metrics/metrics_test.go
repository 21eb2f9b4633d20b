package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/fleetd/pkg/events"
	"github.com/agentfleet/fleetd/pkg/models"
	"github.com/agentfleet/fleetd/pkg/store"
)

func TestObserveCountsLifecycleEvents(t *testing.T) {
	m := New()

	for _, eventType := range []string{
		events.EventTaskAssigned,
		events.EventTaskCompleted,
		events.EventTaskFailed,
		events.EventTaskFailed,
		events.EventHeartbeatReceived,
		events.EventAgentRestarted,
	} {
		m.Observe(models.SystemEvent{EventType: eventType})
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksAssigned))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksCompleted))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.tasksFailed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.heartbeatsReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.agentsRestarted))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsTotal.WithLabelValues(events.EventTaskFailed)))
}

func TestRunConsumesBusSubscription(t *testing.T) {
	mem := store.NewMemory()
	bus := events.NewOutboxBus(mem)
	m := New()

	sub := bus.Subscribe(events.EventTaskCompleted)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(context.Background(), sub)
	}()

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, models.SystemEvent{
		EventType:  events.EventTaskCompleted,
		EntityType: events.EntityTask,
		EntityID:   "task-1",
	}))
	require.NoError(t, bus.Publish(ctx, models.SystemEvent{
		EventType:  events.EventTaskFailed,
		EntityType: events.EntityTask,
		EntityID:   "task-1",
	}))
	_, err := bus.DrainOnce(ctx)
	require.NoError(t, err)

	sub.Unsubscribe()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("metrics consumer did not stop")
	}

	// Only the subscribed type reached the collector.
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksCompleted))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.tasksFailed))
}

func TestUpdateDepths(t *testing.T) {
	mem := store.NewMemory()
	m := New()
	ctx := context.Background()

	require.NoError(t, mem.CreateTask(ctx, &models.Task{
		ID: "task-1", Type: "implement", Priority: models.PriorityMedium,
		Status: models.TaskStatusPending, MaxRetries: 3, TimeoutSeconds: 600,
	}))
	require.NoError(t, mem.AppendEvents(ctx, models.SystemEvent{
		EventType: events.EventTaskAssigned, EntityType: events.EntityTask, EntityID: "task-1",
	}))

	require.NoError(t, m.UpdateDepths(ctx, mem))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outboxDepth))
}
