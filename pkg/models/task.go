package models

import (
	"fmt"
	"strings"
	"time"
)

// TaskPriority orders tasks in the queue. Higher weight dispatches first.
type TaskPriority string

// Task priorities.
const (
	PriorityCritical TaskPriority = "critical"
	PriorityHigh     TaskPriority = "high"
	PriorityMedium   TaskPriority = "medium"
	PriorityLow      TaskPriority = "low"
)

// Weight returns the numeric rank used for queue ordering.
func (p TaskPriority) Weight() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// IsValid checks if the priority is a known value.
func (p TaskPriority) IsValid() bool {
	return p.Weight() > 0
}

// TaskStatus is a task's lifecycle state.
type TaskStatus string

// Task lifecycle states.
const (
	TaskStatusPending           TaskStatus = "pending"
	TaskStatusAssigned          TaskStatus = "assigned"
	TaskStatusRunning           TaskStatus = "running"
	TaskStatusNeedsValidation   TaskStatus = "needs_validation"
	TaskStatusPendingValidation TaskStatus = "pending_validation"
	TaskStatusCompleted         TaskStatus = "completed"
	TaskStatusFailed            TaskStatus = "failed"
	TaskStatusNeedsRevision     TaskStatus = "needs_revision"
	TaskStatusCancelled         TaskStatus = "cancelled"
	TaskStatusTimedOut          TaskStatus = "timed_out"
)

// taskTransitions is the permitted edge set for task status updates made
// through the queue. Assignment (pending→assigned) is a dedicated
// compare-and-set and retry (failed→pending) a dedicated operation, so
// neither appears here.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusAssigned: {TaskStatusRunning, TaskStatusFailed, TaskStatusCancelled, TaskStatusTimedOut},
	TaskStatusRunning: {TaskStatusCompleted, TaskStatusFailed, TaskStatusTimedOut,
		TaskStatusNeedsRevision, TaskStatusNeedsValidation, TaskStatusCancelled},
	TaskStatusNeedsValidation:   {TaskStatusPendingValidation, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusPendingValidation: {TaskStatusCompleted, TaskStatusFailed, TaskStatusNeedsRevision, TaskStatusCancelled},
	TaskStatusNeedsRevision:     {TaskStatusPending, TaskStatusCancelled},
	TaskStatusPending:           {TaskStatusCancelled},
}

// IsValid checks if the status is a known value.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPending, TaskStatusAssigned, TaskStatusRunning,
		TaskStatusNeedsValidation, TaskStatusPendingValidation,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusNeedsRevision,
		TaskStatusCancelled, TaskStatusTimedOut:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status freezes the task's result and
// error blobs. failed is not terminal: the retry policy may resurrect it.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusCancelled || s == TaskStatusTimedOut
}

// CanTransitionTo reports whether from→to is a permitted queue update.
func (s TaskStatus) CanTransitionTo(to TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ParseTaskStatus normalizes a stored status string.
func ParseTaskStatus(raw string) (TaskStatus, error) {
	s := TaskStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !s.IsValid() {
		return "", fmt.Errorf("unknown task status %q", raw)
	}
	return s, nil
}

// Task is a unit of work derived from a ticket.
type Task struct {
	ID              string         `json:"id"`
	TicketID        string         `json:"ticket_id"`
	Phase           string         `json:"phase,omitempty"`
	Type            string         `json:"type"`
	Description     string         `json:"description,omitempty"`
	Priority        TaskPriority   `json:"priority"`
	Status          TaskStatus     `json:"status"`
	AssignedAgentID string         `json:"assigned_agent_id,omitempty"`
	SandboxID       string         `json:"sandbox_id,omitempty"`
	RequiredCaps    []string       `json:"required_capabilities,omitempty"`
	Dependencies    []string       `json:"dependencies,omitempty"`
	RetryCount      int            `json:"retry_count"`
	MaxRetries      int            `json:"max_retries"`
	TimeoutSeconds  int            `json:"timeout_seconds"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	ExecutionConfig map[string]any `json:"execution_config,omitempty"`
	ConversationID  string         `json:"conversation_id,omitempty"`
	PersistenceDir  string         `json:"persistence_dir,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// Assignee returns whichever of agent id or sandbox id holds the task.
func (t *Task) Assignee() string {
	if t.SandboxID != "" {
		return t.SandboxID
	}
	return t.AssignedAgentID
}
