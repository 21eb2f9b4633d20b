// Package intervention routes guardian steering messages to agents,
// picking the transport from the agent's current task: sandboxed agents
// get a mailbox injection, legacy in-process agents get the message on
// their conversation handle. Every attempt is audited and published,
// whether or not the transport delivered.
package intervention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/agentfleet/fleetd/pkg/clock"
	"github.com/agentfleet/fleetd/pkg/events"
	"github.com/agentfleet/fleetd/pkg/models"
	"github.com/agentfleet/fleetd/pkg/runtime"
	"github.com/agentfleet/fleetd/pkg/store"
)

// Transport labels carried on audit records and events.
const (
	TransportSandbox   = "sandbox"
	TransportInProcess = "in_process"
)

// ErrInsufficientAuthority is returned when the initiator is below
// GUARDIAN.
var ErrInsufficientAuthority = errors.New("insufficient authority for steering")

// Store is the persistence slice the router needs.
type Store interface {
	store.AgentStore
	store.TaskStore
	store.GuardianStore
}

// Router delivers steering messages. Both transports sit behind the
// runtime Inject operation; the in-process side keys its mailboxes by
// conversation handle instead of sandbox id.
type Router struct {
	store     Store
	sandbox   runtime.AgentRuntime
	inProcess runtime.AgentRuntime
	clock     clock.Clock
}

// New creates a Router over the two transports.
func New(s Store, sandbox, inProcess runtime.AgentRuntime, clk clock.Clock) *Router {
	return &Router{store: s, sandbox: sandbox, inProcess: inProcess, clock: clk}
}

// SteerRequest is one steering message aimed at an agent.
type SteerRequest struct {
	AgentID     string
	Message     string
	Reason      string
	InitiatedBy string
	Authority   models.AuthorityLevel
}

// SteerResult reports how the message was routed. Routed is transport
// success; the audit record and event exist either way.
type SteerResult struct {
	Routed    bool
	Transport string
	TaskID    string
	MessageID string
}

// Steer routes one steering message. Transport failures do not surface
// as errors; they come back as Routed=false on an audited attempt.
// Errors are reserved for authority, unknown agents and storage.
func (r *Router) Steer(ctx context.Context, req SteerRequest) (*SteerResult, error) {
	if !req.Authority.AtLeast(models.AuthorityGuardian) {
		return nil, fmt.Errorf("%w: %s is below GUARDIAN", ErrInsufficientAuthority, req.Authority)
	}
	if _, err := r.store.GetAgent(ctx, req.AgentID); err != nil {
		return nil, err
	}

	tasks, err := r.store.ListAssignedTasks(ctx, req.AgentID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up current task: %w", err)
	}

	result := &SteerResult{Transport: TransportInProcess}
	var sandboxID string
	if len(tasks) > 0 {
		task := tasks[0]
		result.TaskID = task.ID
		if task.SandboxID != "" {
			sandboxID = task.SandboxID
			result.Transport = TransportSandbox
			result.MessageID, err = r.sandbox.Inject(ctx, sandboxID, req.Message, runtime.MessageGuardianNudge)
		} else if handle := conversationHandle(task); handle != "" {
			result.MessageID, err = r.inProcess.Inject(ctx, handle, req.Message, runtime.MessageGuardianNudge)
		} else {
			err = errors.New("task carries no conversation handle")
		}
	} else {
		err = errors.New("agent has no active task")
	}
	result.Routed = err == nil
	if err != nil {
		slog.Warn("Steering transport failed",
			"agent_id", req.AgentID, "transport", result.Transport, "error", err)
	}

	now := r.clock.Now()
	ev := events.New(events.EventGuardianIntervention, events.EntityAgent, req.AgentID,
		events.GuardianInterventionPayload{
			AgentID:   req.AgentID,
			TaskID:    result.TaskID,
			SandboxID: sandboxID,
			Transport: result.Transport,
			Routed:    result.Routed,
			Message:   req.Message,
		}, now)
	if err := r.store.InsertGuardianAction(ctx, &models.GuardianAction{
		ID:          uuid.New().String(),
		ActionType:  "steer",
		Target:      req.AgentID,
		Reason:      req.Reason,
		InitiatedBy: req.InitiatedBy,
		Authority:   req.Authority,
		After: map[string]any{
			"message":   req.Message,
			"transport": result.Transport,
			"task_id":   result.TaskID,
		},
		Routed:     result.Routed,
		ExecutedAt: now,
	}, ev); err != nil {
		return nil, fmt.Errorf("failed to audit intervention: %w", err)
	}

	slog.Info("Steering message routed",
		"agent_id", req.AgentID, "transport", result.Transport, "routed", result.Routed)
	return result, nil
}

// conversationHandle returns the in-process mailbox key for a task.
func conversationHandle(t *models.Task) string {
	if t.ConversationID != "" {
		return t.ConversationID
	}
	return t.PersistenceDir
}
