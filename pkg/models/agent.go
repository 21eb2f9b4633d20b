package models

import (
	"fmt"
	"strings"
	"time"
)

// AgentKind classifies what an agent does in the fleet.
type AgentKind string

// Agent kinds.
const (
	AgentKindWorker     AgentKind = "worker"
	AgentKindMonitor    AgentKind = "monitor"
	AgentKindWatchdog   AgentKind = "watchdog"
	AgentKindGuardian   AgentKind = "guardian"
	AgentKindValidator  AgentKind = "validator"
	AgentKindDiagnostic AgentKind = "diagnostic"
)

// IsValid checks if the agent kind is a known value.
func (k AgentKind) IsValid() bool {
	switch k {
	case AgentKindWorker, AgentKindMonitor, AgentKindWatchdog,
		AgentKindGuardian, AgentKindValidator, AgentKindDiagnostic:
		return true
	default:
		return false
	}
}

// AgentStatus is an agent's lifecycle state. The canonical form is
// upper-case; ParseAgentStatus normalizes at the store boundary.
type AgentStatus string

// Agent lifecycle states.
const (
	AgentStatusSpawning    AgentStatus = "SPAWNING"
	AgentStatusIdle        AgentStatus = "IDLE"
	AgentStatusRunning     AgentStatus = "RUNNING"
	AgentStatusDegraded    AgentStatus = "DEGRADED"
	AgentStatusFailed      AgentStatus = "FAILED"
	AgentStatusQuarantined AgentStatus = "QUARANTINED"
	AgentStatusTerminated  AgentStatus = "TERMINATED"
)

// agentTransitions is the permitted edge set of the agent status state
// machine. Any edge not listed is invalid unless forced.
var agentTransitions = map[AgentStatus][]AgentStatus{
	AgentStatusSpawning:    {AgentStatusIdle, AgentStatusFailed, AgentStatusTerminated},
	AgentStatusIdle:        {AgentStatusRunning, AgentStatusDegraded, AgentStatusQuarantined, AgentStatusTerminated},
	AgentStatusRunning:     {AgentStatusIdle, AgentStatusDegraded, AgentStatusFailed, AgentStatusQuarantined},
	AgentStatusDegraded:    {AgentStatusIdle, AgentStatusFailed, AgentStatusQuarantined, AgentStatusTerminated},
	AgentStatusFailed:      {AgentStatusQuarantined, AgentStatusTerminated},
	AgentStatusQuarantined: {AgentStatusIdle, AgentStatusTerminated},
}

// IsValid checks if the status is a known value.
func (s AgentStatus) IsValid() bool {
	switch s {
	case AgentStatusSpawning, AgentStatusIdle, AgentStatusRunning,
		AgentStatusDegraded, AgentStatusFailed, AgentStatusQuarantined,
		AgentStatusTerminated:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status admits no further transitions.
func (s AgentStatus) IsTerminal() bool {
	return s == AgentStatusTerminated
}

// IsActive reports whether the agent is eligible for assignment.
func (s AgentStatus) IsActive() bool {
	return s == AgentStatusIdle || s == AgentStatusRunning
}

// IsOperational reports whether the agent is alive in any sense.
func (s AgentStatus) IsOperational() bool {
	return s == AgentStatusIdle || s == AgentStatusRunning || s == AgentStatusDegraded
}

// CanTransitionTo reports whether from→to is a permitted edge.
// Same-state transitions are never permitted here; callers that need one
// must force it.
func (s AgentStatus) CanTransitionTo(to AgentStatus) bool {
	for _, allowed := range agentTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ParseAgentStatus normalizes a stored status string to its canonical
// upper-case form.
func ParseAgentStatus(raw string) (AgentStatus, error) {
	s := AgentStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.IsValid() {
		return "", fmt.Errorf("unknown agent status %q", raw)
	}
	return s, nil
}

// HealthStatus is the coarse health label maintained by the heartbeat
// protocol, orthogonal to the lifecycle status.
type HealthStatus string

// Health labels.
const (
	HealthHealthy      HealthStatus = "healthy"
	HealthDegraded     HealthStatus = "degraded"
	HealthStale        HealthStatus = "stale"
	HealthUnresponsive HealthStatus = "unresponsive"
	HealthQuarantined  HealthStatus = "quarantined"
)

// Agent is a registered member of the fleet.
type Agent struct {
	ID                   string            `json:"id"`
	Kind                 AgentKind         `json:"kind"`
	Phase                string            `json:"phase,omitempty"`
	Capabilities         []string          `json:"capabilities"`
	Capacity             int               `json:"capacity"`
	Status               AgentStatus       `json:"status"`
	Health               HealthStatus      `json:"health"`
	LastHeartbeat        *time.Time        `json:"last_heartbeat,omitempty"`
	CurrentSequence      int64             `json:"current_sequence"`
	ExpectedNextSequence int64             `json:"expected_next_sequence"`
	ConsecutiveMissed    int               `json:"consecutive_missed"`
	AssignmentsTotal     int               `json:"assignments_total"`
	Tags                 []string          `json:"tags,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// HasCapabilities reports whether the agent offers every required capability.
func (a *Agent) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	offered := make(map[string]bool, len(a.Capabilities))
	for _, c := range a.Capabilities {
		offered[c] = true
	}
	for _, r := range required {
		if !offered[r] {
			return false
		}
	}
	return true
}

// AgentStatusTransition is an immutable audit record of a status change.
type AgentStatusTransition struct {
	ID          string            `json:"id"`
	AgentID     string            `json:"agent_id"`
	From        AgentStatus       `json:"from"`
	To          AgentStatus       `json:"to"`
	Reason      string            `json:"reason"`
	TriggeredBy string            `json:"triggered_by"`
	TaskID      string            `json:"task_id,omitempty"`
	Forced      bool              `json:"forced"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	At          time.Time         `json:"at"`
}
