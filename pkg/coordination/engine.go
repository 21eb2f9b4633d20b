package coordination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentfleet/fleetd/pkg/clock"
	"github.com/agentfleet/fleetd/pkg/events"
	"github.com/agentfleet/fleetd/pkg/models"
	"github.com/agentfleet/fleetd/pkg/store"
	"github.com/agentfleet/fleetd/pkg/taskqueue"
)

var (
	// ErrInvalidStrategy is returned for an unknown merge strategy
	ErrInvalidStrategy = errors.New("invalid merge strategy")

	// ErrSourcesIncomplete is returned when MergeResults runs before all
	// source tasks completed
	ErrSourcesIncomplete = errors.New("not all source tasks are completed")

	// ErrInvalidRequiredCount is returned when a sync barrier requires
	// more completions than it has waiting tasks
	ErrInvalidRequiredCount = errors.New("invalid required count")
)

// Store is the persistence slice the engine needs.
type Store interface {
	store.TaskStore
	store.CoordinationStore
	store.OutboxStore
}

// Engine coordinates multi-task control flow by editing the task DAG.
// New tasks only ever depend on pre-existing ones, so the DAG invariant
// holds by construction.
type Engine struct {
	store Store
	queue *taskqueue.Queue
	clock clock.Clock
}

// NewEngine creates an Engine sharing the queue's task creation path.
func NewEngine(s Store, q *taskqueue.Queue, clk clock.Clock) *Engine {
	return &Engine{store: s, queue: q, clock: clk}
}

// Sync checks an m-of-n barrier: ready iff at least requiredCount of the
// waiting tasks are completed. The point record persists for
// observability; readiness is always recomputed from the task rows.
func (e *Engine) Sync(ctx context.Context, syncID string, waiting []string, requiredCount, timeoutSeconds int) (bool, error) {
	if requiredCount < 1 || requiredCount > len(waiting) {
		return false, fmt.Errorf("%w: %d of %d", ErrInvalidRequiredCount, requiredCount, len(waiting))
	}

	if err := e.record(ctx, &models.CoordinationPoint{
		ID:             syncID,
		Type:           models.CoordinationSync,
		TaskIDs:        waiting,
		RequiredCount:  requiredCount,
		TimeoutSeconds: timeoutSeconds,
		CreatedAt:      e.clock.Now(),
	}); err != nil {
		return false, err
	}

	completed, err := e.countCompleted(ctx, waiting)
	if err != nil {
		return false, err
	}
	return completed >= requiredCount, nil
}

// CheckSyncTimeout converts a still-unready sync past its deadline into
// a failure event. Returns whether the barrier is now considered failed.
func (e *Engine) CheckSyncTimeout(ctx context.Context, syncID string) (bool, error) {
	point, err := e.store.GetCoordinationPoint(ctx, syncID)
	if err != nil {
		return false, err
	}
	if point.TimeoutSeconds <= 0 {
		return false, nil
	}
	now := e.clock.Now()
	if now.Sub(point.CreatedAt) <= time.Duration(point.TimeoutSeconds)*time.Second {
		return false, nil
	}

	completed, err := e.countCompleted(ctx, point.TaskIDs)
	if err != nil {
		return false, err
	}
	if completed >= point.RequiredCount {
		return false, nil
	}

	ev := events.New(events.EventSyncTimedOut, events.EntityTask, syncID, map[string]any{
		"sync_id":         syncID,
		"required_count":  point.RequiredCount,
		"completed_count": completed,
		"timeout_seconds": point.TimeoutSeconds,
	}, now)
	if err := e.store.AppendEvents(ctx, ev); err != nil {
		return false, fmt.Errorf("failed to record sync timeout: %w", err)
	}
	slog.Warn("Sync barrier timed out",
		"sync_id", syncID,
		"completed", completed,
		"required", point.RequiredCount)
	return true, nil
}

// Split fans a source task out into one task per target spec, each
// depending on the source.
func (e *Engine) Split(ctx context.Context, splitID, sourceTaskID string, targets []taskqueue.EnqueueParams) ([]*models.Task, error) {
	if _, err := e.store.GetTask(ctx, sourceTaskID); err != nil {
		return nil, err
	}

	created := make([]*models.Task, 0, len(targets))
	for _, spec := range targets {
		spec.Dependencies = append([]string{sourceTaskID}, spec.Dependencies...)
		task, err := e.queue.Enqueue(ctx, spec)
		if err != nil {
			return nil, fmt.Errorf("failed to create split target: %w", err)
		}
		created = append(created, task)
	}

	ids := make([]string, len(created))
	for i, t := range created {
		ids[i] = t.ID
	}
	if err := e.record(ctx, &models.CoordinationPoint{
		ID:        splitID,
		Type:      models.CoordinationSplit,
		TaskIDs:   append([]string{sourceTaskID}, ids...),
		CreatedAt: e.clock.Now(),
	}); err != nil {
		return nil, err
	}

	slog.Info("Split created", "split_id", splitID, "source", sourceTaskID, "targets", len(created))
	return created, nil
}

// Join fans sources into a continuation task depending on all of them.
func (e *Engine) Join(ctx context.Context, joinID string, sources []string, continuation taskqueue.EnqueueParams) (*models.Task, error) {
	continuation.Dependencies = append(append([]string{}, sources...), continuation.Dependencies...)
	task, err := e.queue.Enqueue(ctx, continuation)
	if err != nil {
		return nil, fmt.Errorf("failed to create continuation: %w", err)
	}

	if err := e.record(ctx, &models.CoordinationPoint{
		ID:                 joinID,
		Type:               models.CoordinationJoin,
		TaskIDs:            sources,
		ContinuationTaskID: task.ID,
		CreatedAt:          e.clock.Now(),
	}); err != nil {
		return nil, err
	}

	slog.Info("Join created", "join_id", joinID, "sources", len(sources), "continuation", task.ID)
	return task, nil
}

// MergeResults merges the result maps of completed source tasks per the
// strategy. Every source must be completed.
func (e *Engine) MergeResults(ctx context.Context, mergeID string, sources []string, strategy models.MergeStrategy) (map[string]any, error) {
	if !strategy.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStrategy, strategy)
	}

	tasks, err := e.store.GetTasks(ctx, sources)
	if err != nil {
		return nil, err
	}
	results := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		if t.Status != models.TaskStatusCompleted {
			return nil, fmt.Errorf("%w: task %s is %s", ErrSourcesIncomplete, t.ID, t.Status)
		}
		results = append(results, t.Result)
	}

	merged, err := Merge(strategy, results)
	if err != nil {
		return nil, err
	}

	if err := e.record(ctx, &models.CoordinationPoint{
		ID:        mergeID,
		Type:      models.CoordinationMerge,
		TaskIDs:   sources,
		Strategy:  strategy,
		CreatedAt: e.clock.Now(),
	}); err != nil {
		return nil, err
	}
	return merged, nil
}

// record persists a coordination point, tolerating re-checks of an
// already-recorded one.
func (e *Engine) record(ctx context.Context, p *models.CoordinationPoint) error {
	if err := e.store.CreateCoordinationPoint(ctx, p); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		return fmt.Errorf("failed to record coordination point: %w", err)
	}
	return nil
}

func (e *Engine) countCompleted(ctx context.Context, ids []string) (int, error) {
	tasks, err := e.store.GetTasks(ctx, ids)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		if t.Status == models.TaskStatusCompleted {
			n++
		}
	}
	return n, nil
}
