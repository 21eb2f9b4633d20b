// Package registry manages the agent roster: registration, the status
// state machine with its audit trail, and capability-based matching.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/agentfleet/fleetd/pkg/clock"
	"github.com/agentfleet/fleetd/pkg/events"
	"github.com/agentfleet/fleetd/pkg/models"
	"github.com/agentfleet/fleetd/pkg/store"
)

// MinMatchScore is the capability-overlap floor below which an agent is
// not considered a fit.
const MinMatchScore = 0.5

// loadStatuses are the task statuses that count toward an agent's
// current load when breaking match ties.
var loadStatuses = []models.TaskStatus{models.TaskStatusAssigned, models.TaskStatusRunning}

// Registry is the sole writer of agent status and its audit trail.
type Registry struct {
	store store.AgentStore
	clock clock.Clock
}

// New creates a Registry over the given store.
func New(s store.AgentStore, clk clock.Clock) *Registry {
	return &Registry{store: s, clock: clk}
}

// RegisterParams describes a new agent. Capabilities and Capacity fall
// back to the kind's template when unset.
type RegisterParams struct {
	Kind         models.AgentKind
	Phase        string
	Capabilities []string
	Capacity     int
	Tags         []string
	Metadata     map[string]string
}

// Register creates an agent row in SPAWNING. The caller confirms the
// spawn with Complete once the agent process is up.
func (r *Registry) Register(ctx context.Context, p RegisterParams) (*models.Agent, error) {
	if !p.Kind.IsValid() {
		return nil, NewValidationError("kind", fmt.Sprintf("unknown agent kind %q", p.Kind))
	}
	if p.Capacity < 0 {
		return nil, NewValidationError("capacity", "must not be negative")
	}

	tmpl := TemplateFor(p.Kind)
	caps := p.Capabilities
	if len(caps) == 0 {
		caps = tmpl.Capabilities
	}
	capacity := p.Capacity
	if capacity == 0 {
		capacity = tmpl.Capacity
	}

	now := r.clock.Now()
	agent := &models.Agent{
		ID:                   fmt.Sprintf("%s-%s", p.Kind, uuid.New().String()),
		Kind:                 p.Kind,
		Phase:                p.Phase,
		Capabilities:         caps,
		Capacity:             capacity,
		Status:               models.AgentStatusSpawning,
		Health:               models.HealthHealthy,
		ExpectedNextSequence: 1,
		Tags:                 p.Tags,
		Metadata:             p.Metadata,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if err := r.store.CreateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("failed to register agent: %w", err)
	}

	slog.Info("Agent registered",
		"agent_id", agent.ID,
		"kind", agent.Kind,
		"phase", agent.Phase,
		"capabilities", agent.Capabilities)
	return agent, nil
}

// Complete confirms a spawn: SPAWNING → IDLE.
func (r *Registry) Complete(ctx context.Context, agentID string) (*models.Agent, error) {
	return r.TransitionStatus(ctx, TransitionRequest{
		AgentID:     agentID,
		To:          models.AgentStatusIdle,
		Reason:      "spawn complete",
		TriggeredBy: "registry",
	})
}

// TransitionRequest describes a status transition. Force bypasses edge
// validation; same-state transitions always require it.
type TransitionRequest struct {
	AgentID     string
	To          models.AgentStatus
	Health      models.HealthStatus
	Reason      string
	TriggeredBy string
	TaskID      string
	Metadata    map[string]string
	Force       bool
}

// TransitionStatus applies a validated status transition. The audit row
// and the AGENT_STATUS_CHANGED event commit atomically with the change.
func (r *Registry) TransitionStatus(ctx context.Context, req TransitionRequest) (*models.Agent, error) {
	if !req.To.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, req.To)
	}

	agent, err := r.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}

	from := agent.Status
	if !req.Force {
		if from == req.To {
			return nil, fmt.Errorf("%w: %s → %s requires force", ErrInvalidTransition, from, req.To)
		}
		if !from.CanTransitionTo(req.To) {
			return nil, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, req.To)
		}
	}

	now := r.clock.Now()
	ev := events.New(events.EventAgentStatusChanged, events.EntityAgent, req.AgentID,
		events.AgentStatusChangedPayload{
			AgentID:        req.AgentID,
			PreviousStatus: string(from),
			NewStatus:      string(req.To),
			Reason:         req.Reason,
			TaskID:         req.TaskID,
			TriggeredBy:    req.TriggeredBy,
			Timestamp:      now.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		}, now)

	updated, err := r.store.TransitionAgent(ctx, store.TransitionParams{
		AgentID:     req.AgentID,
		From:        from,
		To:          req.To,
		Health:      req.Health,
		Reason:      req.Reason,
		TriggeredBy: req.TriggeredBy,
		TaskID:      req.TaskID,
		Forced:      req.Force,
		Metadata:    req.Metadata,
		At:          now,
	}, ev)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w: agent %s moved away from %s", store.ErrConflict, req.AgentID, from)
		}
		return nil, err
	}

	slog.Info("Agent status changed",
		"agent_id", req.AgentID,
		"from", from,
		"to", req.To,
		"reason", req.Reason,
		"triggered_by", req.TriggeredBy,
		"forced", req.Force)
	return updated, nil
}

// Release returns a worker to IDLE after its task ends. A no-op when
// the agent already left RUNNING (failed, quarantined, terminated) or no
// longer exists; only those races are tolerated, storage failures are
// not.
func (r *Registry) Release(ctx context.Context, agentID, taskID string) error {
	_, err := r.TransitionStatus(ctx, TransitionRequest{
		AgentID:     agentID,
		To:          models.AgentStatusIdle,
		Reason:      "task finished",
		TriggeredBy: "taskqueue",
		TaskID:      taskID,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotFound):
		return nil
	default:
		return err
	}
}

// GetTransitionHistory returns the agent's audit trail, most recent first.
func (r *Registry) GetTransitionHistory(ctx context.Context, agentID string, limit int) ([]*models.AgentStatusTransition, error) {
	return r.store.ListTransitions(ctx, agentID, limit)
}

// AgentMatch is a scored candidate from capability matching.
type AgentMatch struct {
	Agent       *models.Agent `json:"agent"`
	Score       float64       `json:"score"`
	RunningLoad int           `json:"running_load"`
}

// FindBestFit returns the best-scoring IDLE agent for the required
// capabilities, or store.ErrNotFound when no agent reaches the score
// floor.
func (r *Registry) FindBestFit(ctx context.Context, requiredCaps []string, phase string, kind models.AgentKind) (*AgentMatch, error) {
	matches, err := r.Search(ctx, requiredCaps, phase, kind, 1)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: no idle agent matches %v", store.ErrNotFound, requiredCaps)
	}
	return matches[0], nil
}

// Search ranks IDLE agents by capability overlap, ties broken by lower
// running load, then lower lifetime assignments. Agents below the score
// floor are excluded.
func (r *Registry) Search(ctx context.Context, requiredCaps []string, phase string, kind models.AgentKind, limit int) ([]*AgentMatch, error) {
	agents, err := r.store.ListAgents(ctx, store.AgentFilter{
		Statuses: []models.AgentStatus{models.AgentStatusIdle},
		Kind:     kind,
		Phase:    phase,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list idle agents: %w", err)
	}

	var matches []*AgentMatch
	for _, a := range agents {
		score := matchScore(a.Capabilities, requiredCaps)
		if score < MinMatchScore {
			continue
		}
		load, err := r.store.CountAgentTasks(ctx, a.ID, loadStatuses)
		if err != nil {
			return nil, fmt.Errorf("failed to count tasks for agent %s: %w", a.ID, err)
		}
		matches = append(matches, &AgentMatch{Agent: a, Score: score, RunningLoad: load})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if matches[i].RunningLoad != matches[j].RunningLoad {
			return matches[i].RunningLoad < matches[j].RunningLoad
		}
		if matches[i].Agent.AssignmentsTotal != matches[j].Agent.AssignmentsTotal {
			return matches[i].Agent.AssignmentsTotal < matches[j].Agent.AssignmentsTotal
		}
		return matches[i].Agent.ID < matches[j].Agent.ID
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// matchScore is |offered ∩ required| / |required| in 0..1. No required
// capabilities means every agent fits perfectly.
func matchScore(offered, required []string) float64 {
	if len(required) == 0 {
		return 1.0
	}
	have := make(map[string]bool, len(offered))
	for _, c := range offered {
		have[c] = true
	}
	hit := 0
	for _, c := range required {
		if have[c] {
			hit++
		}
	}
	return float64(hit) / float64(len(required))
}
