package taskqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/fleetd/pkg/clock"
	"github.com/agentfleet/fleetd/pkg/config"
	"github.com/agentfleet/fleetd/pkg/events"
	"github.com/agentfleet/fleetd/pkg/models"
	"github.com/agentfleet/fleetd/pkg/store"
)

type queueFixture struct {
	queue *Queue
	store *store.Memory
	clock *clock.Fake
}

// newQueueFixture wires the queue with a synchronous timer so retry
// re-enqueues happen inline.
func newQueueFixture(t *testing.T) *queueFixture {
	t.Helper()
	mem := store.NewMemory()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := config.DefaultConfig()
	q := New(mem, cfg.Retry, cfg.Timeouts, clk,
		WithTimer(func(_ time.Duration, f func()) { f() }))
	return &queueFixture{queue: q, store: mem, clock: clk}
}

func (f *queueFixture) eventsOfType(t *testing.T, eventType string) []models.SystemEvent {
	t.Helper()
	batch, err := f.store.NextOutboxBatch(context.Background(), 1000)
	require.NoError(t, err)
	var out []models.SystemEvent
	for _, ev := range batch {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// failOnce drives a task through assigned → running → failed.
func (f *queueFixture) failOnce(t *testing.T, taskID, errMsg string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.queue.Assign(ctx, taskID, store.Assignee{AgentID: "a-1"})
	require.NoError(t, err)
	_, err = f.queue.UpdateStatus(ctx, taskID, models.TaskStatusRunning, UpdateParams{})
	require.NoError(t, err)
	_, err = f.queue.UpdateStatus(ctx, taskID, models.TaskStatusFailed, UpdateParams{ErrorMessage: errMsg})
	require.NoError(t, err)
}

func TestEnqueueAppliesDefaults(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()

	task, err := f.queue.Enqueue(ctx, EnqueueParams{TicketID: "tk-1", Type: "implement"})
	require.NoError(t, err)
	assert.Equal(t, models.PriorityMedium, task.Priority)
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.Equal(t, 3, task.MaxRetries)
	assert.Equal(t, 600, task.TimeoutSeconds)

	_, err = f.queue.Enqueue(ctx, EnqueueParams{Type: ""})
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = f.queue.Enqueue(ctx, EnqueueParams{Type: "implement", Priority: "urgent"})
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = f.queue.Enqueue(ctx, EnqueueParams{Type: "implement", Dependencies: []string{"ghost"}})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAssignAndLifecycle(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()

	task, err := f.queue.Enqueue(ctx, EnqueueParams{Type: "implement"})
	require.NoError(t, err)

	assigned, err := f.queue.Assign(ctx, task.ID, store.Assignee{AgentID: "a-1"})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusAssigned, assigned.Status)
	require.NotNil(t, assigned.StartedAt)

	_, err = f.queue.Assign(ctx, task.ID, store.Assignee{AgentID: "a-2"})
	assert.ErrorIs(t, err, store.ErrConflict)

	running, err := f.queue.UpdateStatus(ctx, task.ID, models.TaskStatusRunning, UpdateParams{ConversationID: "conv-7"})
	require.NoError(t, err)
	assert.Equal(t, "conv-7", running.ConversationID)

	done, err := f.queue.UpdateStatus(ctx, task.ID, models.TaskStatusCompleted, UpdateParams{
		Result: map[string]any{"exit": "ok"},
	})
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)

	// Terminal statuses freeze the row.
	_, err = f.queue.UpdateStatus(ctx, task.ID, models.TaskStatusFailed, UpdateParams{ErrorMessage: "late"})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.Len(t, f.eventsOfType(t, events.EventTaskAssigned), 1)
	completed := f.eventsOfType(t, events.EventTaskCompleted)
	require.Len(t, completed, 1)
	var payload events.TaskCompletedPayload
	require.NoError(t, events.Decode(completed[0], &payload))
	assert.Equal(t, "ok", payload.Result["exit"])
}

func TestAssignSandboxPublishesSpawnEvent(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()

	task, err := f.queue.Enqueue(ctx, EnqueueParams{Type: "implement"})
	require.NoError(t, err)
	assigned, err := f.queue.Assign(ctx, task.ID, store.Assignee{AgentID: "a-1", SandboxID: "sbx-9"})
	require.NoError(t, err)
	assert.Equal(t, "sbx-9", assigned.Assignee())

	spawned := f.eventsOfType(t, events.EventTaskSandboxSpawned)
	require.Len(t, spawned, 1)
	assert.Empty(t, f.eventsOfType(t, events.EventTaskAssigned))
}

func TestRetryBackoffWindows(t *testing.T) {
	cfg := config.DefaultConfig().Retry
	tests := []struct {
		retryCount int
		min, max   time.Duration
	}{
		{0, 750 * time.Millisecond, 1250 * time.Millisecond},
		{1, 1500 * time.Millisecond, 2500 * time.Millisecond},
		{2, 3 * time.Second, 5 * time.Second},
		{10, 45 * time.Second, 75 * time.Second}, // capped at max_delay
	}
	for _, tt := range tests {
		for i := 0; i < 50; i++ {
			d := Backoff(cfg, tt.retryCount)
			assert.GreaterOrEqual(t, d, tt.min, "retry_count=%d", tt.retryCount)
			assert.LessOrEqual(t, d, tt.max, "retry_count=%d", tt.retryCount)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	cfg := config.DefaultConfig().Retry
	assert.True(t, IsRetryable(cfg, "connection reset by peer"))
	assert.True(t, IsRetryable(cfg, "Request Timeout after 30s"))
	assert.True(t, IsRetryable(cfg, "429 rate limit exceeded"))
	assert.False(t, IsRetryable(cfg, "segmentation fault"))
	assert.False(t, IsRetryable(cfg, ""))
}

func TestScheduleRetryExponentialWindows(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()

	task, err := f.queue.Enqueue(ctx, EnqueueParams{Type: "implement", MaxRetries: 3})
	require.NoError(t, err)

	windows := []struct{ min, max float64 }{
		{0.75, 1.25},
		{1.5, 2.5},
		{3, 5},
	}
	for attempt, w := range windows {
		f.failOnce(t, task.ID, "connection reset")

		decision, err := f.queue.ScheduleRetry(ctx, task.ID)
		require.NoError(t, err)
		require.True(t, decision.Retry, "attempt %d", attempt+1)
		assert.GreaterOrEqual(t, decision.Delay.Seconds(), w.min)
		assert.LessOrEqual(t, decision.Delay.Seconds(), w.max)

		// Synchronous timer: re-enqueue already happened.
		got, err := f.store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatusPending, got.Status)
		assert.Equal(t, attempt+1, got.RetryCount)
	}

	scheduled := f.eventsOfType(t, events.EventTaskRetryScheduled)
	require.Len(t, scheduled, 3)
	var payload events.TaskRetryScheduledPayload
	require.NoError(t, events.Decode(scheduled[0], &payload))
	assert.Equal(t, 1, payload.RetryCount)
	assert.GreaterOrEqual(t, payload.DelaySeconds, 0.75)
	assert.LessOrEqual(t, payload.DelaySeconds, 1.25)

	// Fourth failure exhausts the budget.
	f.failOnce(t, task.ID, "connection reset")
	decision, err := f.queue.ScheduleRetry(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, decision.Retry)
	assert.Equal(t, "max_retries_exceeded", decision.Reason)

	permanent := f.eventsOfType(t, events.EventTaskPermanentlyFailed)
	require.Len(t, permanent, 1)
	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
}

func TestScheduleRetryPermanentError(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()

	task, err := f.queue.Enqueue(ctx, EnqueueParams{Type: "implement"})
	require.NoError(t, err)
	f.failOnce(t, task.ID, "segmentation fault")

	decision, err := f.queue.ScheduleRetry(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, decision.Retry)
	assert.Equal(t, "permanent_error", decision.Reason)

	var payload events.TaskPermanentlyFailedPayload
	permanent := f.eventsOfType(t, events.EventTaskPermanentlyFailed)
	require.Len(t, permanent, 1)
	require.NoError(t, events.Decode(permanent[0], &payload))
	assert.Equal(t, "permanent_error", payload.Reason)

	// Not failed → no retry to schedule.
	pending, err := f.queue.Enqueue(ctx, EnqueueParams{Type: "implement"})
	require.NoError(t, err)
	_, err = f.queue.ScheduleRetry(ctx, pending.ID)
	assert.ErrorIs(t, err, ErrNotFailed)
}

func TestShouldRetry(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()

	task, err := f.queue.Enqueue(ctx, EnqueueParams{Type: "implement"})
	require.NoError(t, err)

	ok, err := f.queue.ShouldRetry(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, ok, "pending task has nothing to retry")

	f.failOnce(t, task.ID, "upstream unavailable")
	ok, err = f.queue.ShouldRetry(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

// recordingReleaser captures release calls from the queue.
type recordingReleaser struct {
	released [][2]string
}

func (r *recordingReleaser) Release(_ context.Context, agentID, taskID string) error {
	r.released = append(r.released, [2]string{agentID, taskID})
	return nil
}

func TestEndedTaskReleasesWorker(t *testing.T) {
	mem := store.NewMemory()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := config.DefaultConfig()
	rel := &recordingReleaser{}
	q := New(mem, cfg.Retry, cfg.Timeouts, clk, WithAgentReleaser(rel))
	ctx := context.Background()

	task, err := q.Enqueue(ctx, EnqueueParams{Type: "implement"})
	require.NoError(t, err)
	_, err = q.Assign(ctx, task.ID, store.Assignee{AgentID: "a-1"})
	require.NoError(t, err)
	_, err = q.UpdateStatus(ctx, task.ID, models.TaskStatusRunning, UpdateParams{})
	require.NoError(t, err)
	assert.Empty(t, rel.released, "a running task still holds its worker")

	_, err = q.UpdateStatus(ctx, task.ID, models.TaskStatusCompleted, UpdateParams{})
	require.NoError(t, err)
	require.Len(t, rel.released, 1)
	assert.Equal(t, [2]string{"a-1", task.ID}, rel.released[0])

	// A failed task frees the worker too; the retry policy decides the
	// task's fate separately.
	failed, err := q.Enqueue(ctx, EnqueueParams{Type: "implement"})
	require.NoError(t, err)
	_, err = q.Assign(ctx, failed.ID, store.Assignee{AgentID: "a-2"})
	require.NoError(t, err)
	_, err = q.UpdateStatus(ctx, failed.ID, models.TaskStatusFailed, UpdateParams{ErrorMessage: "boom"})
	require.NoError(t, err)
	require.Len(t, rel.released, 2)
	assert.Equal(t, "a-2", rel.released[1][0])

	// Sandbox-backed tasks never release: their agent dies with the
	// sandbox.
	sbx, err := q.Enqueue(ctx, EnqueueParams{Type: "implement"})
	require.NoError(t, err)
	_, err = q.Assign(ctx, sbx.ID, store.Assignee{AgentID: "a-3", SandboxID: "sbx-1"})
	require.NoError(t, err)
	_, err = q.UpdateStatus(ctx, sbx.ID, models.TaskStatusRunning, UpdateParams{})
	require.NoError(t, err)
	_, err = q.UpdateStatus(ctx, sbx.ID, models.TaskStatusCompleted, UpdateParams{})
	require.NoError(t, err)
	assert.Len(t, rel.released, 2)
}

func TestWatchFailuresSchedulesRetry(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()

	task, err := f.queue.Enqueue(ctx, EnqueueParams{Type: "implement", MaxRetries: 3})
	require.NoError(t, err)
	f.failOnce(t, task.ID, "connection reset")

	bus := events.NewOutboxBus(f.store)
	sub := bus.Subscribe(events.EventTaskFailed)
	_, err = bus.DrainOnce(ctx)
	require.NoError(t, err)
	sub.Unsubscribe()

	// The closed subscription makes the watcher drain its backlog and
	// return, so the test stays synchronous.
	f.queue.WatchFailures(ctx, sub)

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	scheduled := f.eventsOfType(t, events.EventTaskRetryScheduled)
	require.Len(t, scheduled, 1)
}

func TestTimeoutDetectionAndMarking(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()

	task, err := f.queue.Enqueue(ctx, EnqueueParams{Type: "implement", TimeoutSeconds: 60})
	require.NoError(t, err)
	_, err = f.queue.Assign(ctx, task.ID, store.Assignee{AgentID: "a-1"})
	require.NoError(t, err)
	_, err = f.queue.UpdateStatus(ctx, task.ID, models.TaskStatusRunning, UpdateParams{})
	require.NoError(t, err)

	f.clock.Advance(30 * time.Second)
	overdue, err := f.queue.GetTimedOutTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, overdue)

	f.clock.Advance(90 * time.Second)
	overdue, err = f.queue.GetTimedOutTasks(ctx)
	require.NoError(t, err)
	require.Len(t, overdue, 1)

	marked, err := f.queue.MarkTimeout(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusTimedOut, marked.Status)

	timedOut := f.eventsOfType(t, events.EventTaskTimedOut)
	require.Len(t, timedOut, 1)
	var payload events.TaskTimedOutPayload
	require.NoError(t, events.Decode(timedOut[0], &payload))
	assert.Equal(t, 60, payload.TimeoutSeconds)
	assert.Equal(t, 120.0, payload.ElapsedTime)
}
