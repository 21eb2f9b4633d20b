package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/agentfleet/fleetd/pkg/store"
	"github.com/agentfleet/fleetd/pkg/taskqueue"
)

// TaskTimeoutMonitor scans for tasks past their deadline and moves them
// to timed_out, which fires TASK_TIMED_OUT and frees their workers.
type TaskTimeoutMonitor struct {
	queue *taskqueue.Queue
}

// NewTaskTimeoutMonitor creates the task timeout loop.
func NewTaskTimeoutMonitor(q *taskqueue.Queue) *TaskTimeoutMonitor {
	return &TaskTimeoutMonitor{queue: q}
}

func (m *TaskTimeoutMonitor) Name() string            { return "task-timeout" }
func (m *TaskTimeoutMonitor) Interval() time.Duration { return timeoutInterval }

// Tick marks every overdue task. A task that finished between the scan
// and the mark is skipped; other per-task failures are logged and do
// not stop the tick.
func (m *TaskTimeoutMonitor) Tick(ctx context.Context) error {
	overdue, err := m.queue.GetTimedOutTasks(ctx)
	if err != nil {
		return err
	}
	for _, task := range overdue {
		if _, err := m.queue.MarkTimeout(ctx, task.ID); err != nil {
			if errors.Is(err, store.ErrConflict) || errors.Is(err, taskqueue.ErrInvalidTransition) {
				continue
			}
			slog.Error("Failed to time out task", "task_id", task.ID, "error", err)
		}
	}
	return nil
}
