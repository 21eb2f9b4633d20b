package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/agentfleet/fleetd/pkg/models"
	"github.com/agentfleet/fleetd/pkg/taskqueue"
)

// registerAgentRequest is the POST /agents body.
type registerAgentRequest struct {
	Kind         string            `json:"kind" binding:"required"`
	Phase        string            `json:"phase"`
	Capabilities []string          `json:"capabilities"`
	Capacity     int               `json:"capacity"`
	Tags         []string          `json:"tags"`
	Metadata     map[string]string `json:"metadata"`
}

// transitionRequest is the POST /agents/:id/status body.
type transitionRequest struct {
	Status      string            `json:"status" binding:"required"`
	Health      string            `json:"health"`
	Reason      string            `json:"reason" binding:"required"`
	TriggeredBy string            `json:"triggered_by" binding:"required"`
	TaskID      string            `json:"task_id"`
	Metadata    map[string]string `json:"metadata"`
	Force       bool              `json:"force"`
}

// restartRequest is the POST /agents/:id/restart body.
type restartRequest struct {
	Reason      string `json:"reason" binding:"required"`
	InitiatedBy string `json:"initiated_by" binding:"required"`
	Authority   string `json:"authority" binding:"required"`
}

// steerRequest is the POST /agents/:id/steer body.
type steerRequest struct {
	Message     string `json:"message" binding:"required"`
	Reason      string `json:"reason"`
	InitiatedBy string `json:"initiated_by" binding:"required"`
	Authority   string `json:"authority" binding:"required"`
}

// createTaskRequest is the POST /tasks body and the task shape inside
// split/join requests.
type createTaskRequest struct {
	TicketID        string         `json:"ticket_id"`
	Phase           string         `json:"phase"`
	Type            string         `json:"type" binding:"required"`
	Description     string         `json:"description"`
	Priority        string         `json:"priority"`
	RequiredCaps    []string       `json:"required_capabilities"`
	Dependencies    []string       `json:"dependencies"`
	MaxRetries      int            `json:"max_retries"`
	TimeoutSeconds  int            `json:"timeout_seconds"`
	ExecutionConfig map[string]any `json:"execution_config"`
}

func (r createTaskRequest) enqueueParams() taskqueue.EnqueueParams {
	return taskqueue.EnqueueParams{
		TicketID:        r.TicketID,
		Phase:           r.Phase,
		Type:            r.Type,
		Description:     r.Description,
		Priority:        models.TaskPriority(r.Priority),
		RequiredCaps:    r.RequiredCaps,
		Dependencies:    r.Dependencies,
		MaxRetries:      r.MaxRetries,
		TimeoutSeconds:  r.TimeoutSeconds,
		ExecutionConfig: r.ExecutionConfig,
	}
}

// updateTaskStatusRequest is the POST /tasks/:id/status body.
type updateTaskStatusRequest struct {
	Status       string         `json:"status" binding:"required"`
	Result       map[string]any `json:"result"`
	ErrorMessage string         `json:"error_message"`
	SandboxID    string         `json:"sandbox_id"`
}

// createTicketRequest is the POST /tickets body.
type createTicketRequest struct {
	ProjectID      string     `json:"project_id" binding:"required"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	Priority       string     `json:"priority"`
	Phase          string     `json:"phase"`
	ReviewDeadline *time.Time `json:"review_deadline"`
}

// updateTicketStatusRequest is the POST /tickets/:id/status body.
type updateTicketStatusRequest struct {
	Status      string `json:"status" binding:"required"`
	BlockerType string `json:"blocker_type"`
}

// syncRequest is the POST /coordination/sync body.
type syncRequest struct {
	SyncID         string   `json:"sync_id" binding:"required"`
	Waiting        []string `json:"waiting" binding:"required"`
	RequiredCount  int      `json:"required_count" binding:"required"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

// splitRequest is the POST /coordination/split body.
type splitRequest struct {
	SplitID      string              `json:"split_id" binding:"required"`
	SourceTaskID string              `json:"source_task_id" binding:"required"`
	Targets      []createTaskRequest `json:"targets" binding:"required"`
}

// joinRequest is the POST /coordination/join body.
type joinRequest struct {
	JoinID       string            `json:"join_id" binding:"required"`
	Sources      []string          `json:"sources" binding:"required"`
	Continuation createTaskRequest `json:"continuation" binding:"required"`
}

// mergeRequest is the POST /coordination/merge body.
type mergeRequest struct {
	MergeID  string   `json:"merge_id" binding:"required"`
	Sources  []string `json:"sources" binding:"required"`
	Strategy string   `json:"strategy" binding:"required"`
}

// parseAuthority maps a wire label to an authority level.
func parseAuthority(raw string) (models.AuthorityLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "WORKER":
		return models.AuthorityWorker, nil
	case "WATCHDOG":
		return models.AuthorityWatchdog, nil
	case "MONITOR":
		return models.AuthorityMonitor, nil
	case "GUARDIAN":
		return models.AuthorityGuardian, nil
	default:
		return models.AuthorityWorker, fmt.Errorf("unknown authority level %q", raw)
	}
}
