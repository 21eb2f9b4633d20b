package coordination

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
	"github.com/agentfleet/fleetd/pkg/taskqueue"
)

type engineFixture struct {
	engine *Engine
	queue  *taskqueue.Queue
	store  *store.Memory
	clock  *clock.Fake
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	mem := store.NewMemory()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := config.DefaultConfig()
	q := taskqueue.New(mem, cfg.Retry, cfg.Timeouts, clk)
	return &engineFixture{engine: NewEngine(mem, q, clk), queue: q, store: mem, clock: clk}
}

// complete drives a pending task to completed with the given result.
func (f *engineFixture) complete(t *testing.T, taskID string, result map[string]any) {
	t.Helper()
	ctx := context.Background()
	_, err := f.queue.Assign(ctx, taskID, store.Assignee{AgentID: "a-1"})
	require.NoError(t, err)
	_, err = f.queue.UpdateStatus(ctx, taskID, models.TaskStatusRunning, taskqueue.UpdateParams{})
	require.NoError(t, err)
	_, err = f.queue.UpdateStatus(ctx, taskID, models.TaskStatusCompleted, taskqueue.UpdateParams{Result: result})
	require.NoError(t, err)
}

func (f *engineFixture) pending(t *testing.T, typ string) *models.Task {
	t.Helper()
	task, err := f.queue.Enqueue(context.Background(), taskqueue.EnqueueParams{Type: typ})
	require.NoError(t, err)
	return task
}

func TestSyncBarrier(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	t1 := f.pending(t, "analyze")
	t2 := f.pending(t, "analyze")
	t3 := f.pending(t, "analyze")
	waiting := []string{t1.ID, t2.ID, t3.ID}

	ready, err := f.engine.Sync(ctx, "sync-1", waiting, 2, 0)
	require.NoError(t, err)
	assert.False(t, ready)

	f.complete(t, t1.ID, nil)
	ready, err = f.engine.Sync(ctx, "sync-1", waiting, 2, 0)
	require.NoError(t, err)
	assert.False(t, ready)

	f.complete(t, t2.ID, nil)
	ready, err = f.engine.Sync(ctx, "sync-1", waiting, 2, 0)
	require.NoError(t, err)
	assert.True(t, ready, "2-of-3 satisfied")

	_, err = f.engine.Sync(ctx, "sync-bad", waiting, 4, 0)
	assert.ErrorIs(t, err, ErrInvalidRequiredCount)

	// The record persisted for observability.
	point, err := f.store.GetCoordinationPoint(ctx, "sync-1")
	require.NoError(t, err)
	assert.Equal(t, models.CoordinationSync, point.Type)
	assert.Equal(t, 2, point.RequiredCount)
}

func TestSyncTimeout(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	t1 := f.pending(t, "analyze")
	ready, err := f.engine.Sync(ctx, "sync-1", []string{t1.ID}, 1, 30)
	require.NoError(t, err)
	require.False(t, ready)

	// Still inside the window.
	failed, err := f.engine.CheckSyncTimeout(ctx, "sync-1")
	require.NoError(t, err)
	assert.False(t, failed)

	f.clock.Advance(31 * time.Second)
	failed, err = f.engine.CheckSyncTimeout(ctx, "sync-1")
	require.NoError(t, err)
	assert.True(t, failed)

	batch, err := f.store.NextOutboxBatch(ctx, 100)
	require.NoError(t, err)
	found := false
	for _, ev := range batch {
		if ev.EventType == events.EventSyncTimedOut {
			found = true
			assert.Equal(t, "sync-1", ev.EntityID)
		}
	}
	assert.True(t, found, "timeout event published")

	// A barrier that became ready never times out.
	t2 := f.pending(t, "analyze")
	f.complete(t, t2.ID, nil)
	_, err = f.engine.Sync(ctx, "sync-2", []string{t2.ID}, 1, 10)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	failed, err = f.engine.CheckSyncTimeout(ctx, "sync-2")
	require.NoError(t, err)
	assert.False(t, failed)
}

func TestSplitCreatesGatedChildren(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	source := f.pending(t, "plan")
	children, err := f.engine.Split(ctx, "split-1", source.ID, []taskqueue.EnqueueParams{
		{Type: "implement-a"},
		{Type: "implement-b"},
		{Type: "implement-c"},
	})
	require.NoError(t, err)
	require.Len(t, children, 3)
	for _, c := range children {
		assert.Contains(t, c.Dependencies, source.ID)
	}

	// Children are dependency-gated until the source completes.
	next, err := f.store.NextReadyTask(ctx, "", nil)
	require.NoError(t, err)
	assert.Equal(t, source.ID, next.ID)

	f.complete(t, source.ID, nil)
	next, err = f.store.NextReadyTask(ctx, "", nil)
	require.NoError(t, err)
	assert.Contains(t, []string{children[0].ID, children[1].ID, children[2].ID}, next.ID)

	_, err = f.engine.Split(ctx, "split-ghost", "ghost", []taskqueue.EnqueueParams{{Type: "x"}})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestJoinCreatesContinuation(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	a := f.pending(t, "part-a")
	b := f.pending(t, "part-b")

	continuation, err := f.engine.Join(ctx, "join-1", []string{a.ID, b.ID}, taskqueue.EnqueueParams{Type: "assemble"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, continuation.Dependencies)

	point, err := f.store.GetCoordinationPoint(ctx, "join-1")
	require.NoError(t, err)
	assert.Equal(t, continuation.ID, point.ContinuationTaskID)
}

func TestMergeResults(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	a := f.pending(t, "review")
	b := f.pending(t, "review")
	c := f.pending(t, "review")
	f.complete(t, a.ID, map[string]any{"verdict": "pass", "notes": "ok"})
	f.complete(t, b.ID, map[string]any{"verdict": "pass"})

	// All sources must be completed first.
	_, err := f.engine.MergeResults(ctx, "merge-1", []string{a.ID, b.ID, c.ID}, models.MergeMajority)
	assert.ErrorIs(t, err, ErrSourcesIncomplete)

	f.complete(t, c.ID, map[string]any{"verdict": "fail"})
	merged, err := f.engine.MergeResults(ctx, "merge-1", []string{a.ID, b.ID, c.ID}, models.MergeMajority)
	require.NoError(t, err)
	assert.Equal(t, "pass", merged["verdict"])

	_, err = f.engine.MergeResults(ctx, "merge-2", []string{a.ID}, "average")
	assert.ErrorIs(t, err, ErrInvalidStrategy)
}
