// Package taskqueue manages the task lifecycle: priority/dependency
// ordered dispatch, the status state machine, timeouts, and the retry
// policy with exponential backoff.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentfleet/fleetd/pkg/clock"
	"github.com/agentfleet/fleetd/pkg/config"
	"github.com/agentfleet/fleetd/pkg/events"
	"github.com/agentfleet/fleetd/pkg/models"
	"github.com/agentfleet/fleetd/pkg/store"
)

// Store is the persistence slice the queue needs: task rows plus the
// outbox for events emitted outside a row mutation.
type Store interface {
	store.TaskStore
	store.OutboxStore
}

// Timer schedules a function after a delay. Tests inject a synchronous
// implementation.
type Timer func(d time.Duration, f func())

// AgentReleaser frees an in-registry worker once its task stops running.
// The registry implements it.
type AgentReleaser interface {
	Release(ctx context.Context, agentID, taskID string) error
}

// Option customizes a Queue.
type Option func(*Queue)

// WithTimer replaces the re-enqueue timer.
func WithTimer(t Timer) Option {
	return func(q *Queue) { q.timer = t }
}

// WithAgentReleaser wires the hook that returns a worker to the idle
// pool when its task reaches a terminal or failed status.
func WithAgentReleaser(r AgentReleaser) Option {
	return func(q *Queue) { q.releaser = r }
}

// Queue is the sole writer of task status and the retry/timeout fields.
type Queue struct {
	store    Store
	retry    config.RetryConfig
	timeouts config.TimeoutsConfig
	clock    clock.Clock
	timer    Timer
	releaser AgentReleaser
}

// New creates a Queue.
func New(s Store, retry config.RetryConfig, timeouts config.TimeoutsConfig, clk clock.Clock, opts ...Option) *Queue {
	q := &Queue{
		store:    s,
		retry:    retry,
		timeouts: timeouts,
		clock:    clk,
		timer:    func(d time.Duration, f func()) { time.AfterFunc(d, f) },
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// EnqueueParams describes a new task. MaxRetries and TimeoutSeconds fall
// back to the configured defaults when zero.
type EnqueueParams struct {
	TicketID        string
	Phase           string
	Type            string
	Description     string
	Priority        models.TaskPriority
	RequiredCaps    []string
	Dependencies    []string
	MaxRetries      int
	TimeoutSeconds  int
	ExecutionConfig map[string]any
}

// Enqueue creates a pending task. The store rejects unknown dependencies
// and any edge that would close a cycle.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (*models.Task, error) {
	if p.Type == "" {
		return nil, fmt.Errorf("%w: task type is required", ErrInvalidStatus)
	}
	priority := p.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}
	if !priority.IsValid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalidStatus, p.Priority)
	}
	maxRetries := p.MaxRetries
	if maxRetries == 0 {
		maxRetries = q.retry.MaxRetriesDefault
	}
	timeout := p.TimeoutSeconds
	if timeout == 0 {
		timeout = q.timeouts.DefaultTaskSeconds
	}

	task := &models.Task{
		ID:              fmt.Sprintf("task-%s", uuid.New().String()),
		TicketID:        p.TicketID,
		Phase:           p.Phase,
		Type:            p.Type,
		Description:     p.Description,
		Priority:        priority,
		Status:          models.TaskStatusPending,
		RequiredCaps:    p.RequiredCaps,
		Dependencies:    p.Dependencies,
		MaxRetries:      maxRetries,
		TimeoutSeconds:  timeout,
		ExecutionConfig: p.ExecutionConfig,
		CreatedAt:       q.clock.Now(),
	}
	if err := q.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	slog.Info("Task enqueued",
		"task_id", task.ID,
		"ticket_id", task.TicketID,
		"type", task.Type,
		"priority", task.Priority,
		"dependencies", len(task.Dependencies))
	return task, nil
}

// GetNextTask returns the highest-priority ready task, optionally
// filtered by phase and by required capabilities ⊆ caps.
// store.ErrNotFound when nothing is ready.
func (q *Queue) GetNextTask(ctx context.Context, phase string, caps []string) (*models.Task, error) {
	return q.store.NextReadyTask(ctx, phase, caps)
}

// Assign compare-and-sets pending → assigned for the given assignee and
// stamps started_at. store.ErrConflict when another dispatcher won.
func (q *Queue) Assign(ctx context.Context, taskID string, a store.Assignee) (*models.Task, error) {
	now := q.clock.Now()
	ev := events.New(events.EventTaskAssigned, events.EntityTask, taskID,
		events.TaskAssignedPayload{TaskID: taskID, AgentID: a.AgentID}, now)
	if a.SandboxID != "" {
		ev = events.New(events.EventTaskSandboxSpawned, events.EntityTask, taskID,
			events.TaskSandboxSpawnedPayload{TaskID: taskID, SandboxID: a.SandboxID, AgentID: a.AgentID}, now)
	}

	task, err := q.store.AssignTask(ctx, taskID, a, now, ev)
	if err != nil {
		return nil, err
	}
	slog.Info("Task assigned", "task_id", taskID, "assignee", task.Assignee())
	return task, nil
}

// UpdateParams carries the optional fields written with a status update.
type UpdateParams struct {
	Result         map[string]any
	ErrorMessage   string
	ConversationID string
	PersistenceDir string
	SandboxID      string
}

// UpdateStatus moves a task along the state machine, stamping timestamps
// and publishing the matching lifecycle event atomically with the change.
// Terminal statuses freeze the row: no edge leaves them.
func (q *Queue) UpdateStatus(ctx context.Context, taskID string, to models.TaskStatus, p UpdateParams) (*models.Task, error) {
	if !to.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, to)
	}
	task, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	from := task.Status
	if !from.CanTransitionTo(to) {
		return nil, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}

	now := q.clock.Now()
	update := store.TaskUpdate{
		Result:         p.Result,
		ErrorMessage:   p.ErrorMessage,
		ConversationID: p.ConversationID,
		PersistenceDir: p.PersistenceDir,
		SandboxID:      p.SandboxID,
	}
	if to == models.TaskStatusRunning && task.StartedAt == nil {
		update.StartedAt = &now
	}
	if to.IsTerminal() || to == models.TaskStatusFailed {
		update.CompletedAt = &now
	}

	evs := q.lifecycleEvents(task, to, p, now)
	updated, err := q.store.UpdateTaskStatus(ctx, taskID, from, to, update, evs...)
	if err != nil {
		return nil, err
	}

	// A task that stops running frees its worker. Sandbox-backed tasks
	// skip this: their agent dies with the sandbox.
	if q.releaser != nil && updated.AssignedAgentID != "" && updated.SandboxID == "" &&
		(to.IsTerminal() || to == models.TaskStatusFailed) {
		if err := q.releaser.Release(ctx, updated.AssignedAgentID, taskID); err != nil {
			slog.Warn("Failed to release agent",
				"agent_id", updated.AssignedAgentID, "task_id", taskID, "error", err)
		}
	}

	slog.Info("Task status updated", "task_id", taskID, "from", from, "to", to)
	return updated, nil
}

// lifecycleEvents builds the events published with a status update.
func (q *Queue) lifecycleEvents(task *models.Task, to models.TaskStatus, p UpdateParams, now time.Time) []models.SystemEvent {
	switch to {
	case models.TaskStatusCompleted:
		return []models.SystemEvent{events.New(events.EventTaskCompleted, events.EntityTask, task.ID,
			events.TaskCompletedPayload{TaskID: task.ID, Result: p.Result}, now)}
	case models.TaskStatusFailed:
		return []models.SystemEvent{events.New(events.EventTaskFailed, events.EntityTask, task.ID,
			events.TaskFailedPayload{
				TaskID:     task.ID,
				Error:      p.ErrorMessage,
				RetryCount: task.RetryCount,
				MaxRetries: task.MaxRetries,
				Attempt:    task.RetryCount + 1,
			}, now)}
	case models.TaskStatusTimedOut:
		elapsed := 0.0
		if task.StartedAt != nil {
			elapsed = now.Sub(*task.StartedAt).Seconds()
		}
		return []models.SystemEvent{events.New(events.EventTaskTimedOut, events.EntityTask, task.ID,
			events.TaskTimedOutPayload{
				TaskID:         task.ID,
				TimeoutSeconds: task.TimeoutSeconds,
				ElapsedTime:    elapsed,
			}, now)}
	case models.TaskStatusCancelled:
		return []models.SystemEvent{events.New(events.EventTaskCancelled, events.EntityTask, task.ID,
			map[string]any{"task_id": task.ID, "reason": p.ErrorMessage}, now)}
	case models.TaskStatusNeedsValidation:
		return []models.SystemEvent{events.New(events.EventTaskValidationRequested, events.EntityTask, task.ID,
			map[string]any{"task_id": task.ID}, now)}
	default:
		return nil
	}
}

// ShouldRetry reports whether a failed task qualifies for another
// attempt: budget left and a transient error class.
func (q *Queue) ShouldRetry(ctx context.Context, taskID string) (bool, error) {
	task, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	return task.Status == models.TaskStatusFailed &&
		task.RetryCount < task.MaxRetries &&
		IsRetryable(q.retry, task.ErrorMessage), nil
}

// RetryDecision is the outcome of ScheduleRetry.
type RetryDecision struct {
	Retry bool
	Delay time.Duration
	// Reason is set when Retry is false: "permanent_error" or
	// "max_retries_exceeded".
	Reason string
}

// ScheduleRetry decides a failed task's fate. Transient failures with
// budget left get a backoff-delayed re-enqueue (failed → pending after
// the delay) and a TASK_RETRY_SCHEDULED event; everything else gets
// TASK_PERMANENTLY_FAILED and stays failed.
func (q *Queue) ScheduleRetry(ctx context.Context, taskID string) (RetryDecision, error) {
	task, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return RetryDecision{}, err
	}
	if task.Status != models.TaskStatusFailed {
		return RetryDecision{}, fmt.Errorf("%w: task %s is %s", ErrNotFailed, taskID, task.Status)
	}

	now := q.clock.Now()
	reason := ""
	switch {
	case !IsRetryable(q.retry, task.ErrorMessage):
		reason = "permanent_error"
	case task.RetryCount >= task.MaxRetries:
		reason = "max_retries_exceeded"
	}
	if reason != "" {
		ev := events.New(events.EventTaskPermanentlyFailed, events.EntityTask, taskID,
			events.TaskPermanentlyFailedPayload{TaskID: taskID, Error: task.ErrorMessage, Reason: reason}, now)
		if err := q.store.AppendEvents(ctx, ev); err != nil {
			return RetryDecision{}, fmt.Errorf("failed to record permanent failure: %w", err)
		}
		slog.Warn("Task permanently failed",
			"task_id", taskID, "reason", reason, "error", task.ErrorMessage)
		return RetryDecision{Reason: reason}, nil
	}

	delay := Backoff(q.retry, task.RetryCount)
	ev := events.New(events.EventTaskRetryScheduled, events.EntityTask, taskID,
		events.TaskRetryScheduledPayload{
			TaskID:       taskID,
			RetryCount:   task.RetryCount + 1,
			DelaySeconds: delay.Seconds(),
		}, now)
	if err := q.store.AppendEvents(ctx, ev); err != nil {
		return RetryDecision{}, fmt.Errorf("failed to record retry schedule: %w", err)
	}

	q.timer(delay, func() {
		if _, err := q.store.IncrementRetry(context.Background(), taskID); err != nil {
			slog.Error("Retry re-enqueue failed", "task_id", taskID, "error", err)
		}
	})

	slog.Info("Task retry scheduled",
		"task_id", taskID,
		"retry_count", task.RetryCount+1,
		"delay", delay)
	return RetryDecision{Retry: true, Delay: delay}, nil
}

// WatchFailures consumes TASK_FAILED events and applies the retry policy
// to each failed task. Blocks until the context is cancelled or the
// subscription channel closes.
func (q *Queue) WatchFailures(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if ev.EventType != events.EventTaskFailed {
				continue
			}
			_, err := q.ScheduleRetry(ctx, ev.EntityID)
			switch {
			case err == nil:
			case errors.Is(err, ErrNotFailed), errors.Is(err, store.ErrNotFound):
				// The task was retried or cancelled by hand before the
				// event arrived.
			default:
				slog.Error("Retry scheduling failed", "task_id", ev.EntityID, "error", err)
			}
		}
	}
}

// GetTimedOutTasks lists assigned/running tasks past their deadline.
func (q *Queue) GetTimedOutTasks(ctx context.Context) ([]*models.Task, error) {
	return q.store.ListTimedOutTasks(ctx, q.clock.Now())
}

// MarkTimeout moves an overdue task to timed_out.
func (q *Queue) MarkTimeout(ctx context.Context, taskID string) (*models.Task, error) {
	return q.UpdateStatus(ctx, taskID, models.TaskStatusTimedOut, UpdateParams{
		ErrorMessage: fmt.Sprintf("task exceeded its %s timeout", q.timeoutOf(ctx, taskID)),
	})
}

func (q *Queue) timeoutOf(ctx context.Context, taskID string) time.Duration {
	task, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return 0
	}
	return time.Duration(task.TimeoutSeconds) * time.Second
}
