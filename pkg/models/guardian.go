package models

import "time"

// AuthorityLevel gates who may initiate privileged actions. Levels are
// ordered; a higher level may do everything a lower one may.
type AuthorityLevel int

// Authority levels in increasing order.
const (
	AuthorityWorker AuthorityLevel = iota
	AuthorityWatchdog
	AuthorityMonitor
	AuthorityGuardian
)

// String returns the canonical label for the authority level.
func (l AuthorityLevel) String() string {
	switch l {
	case AuthorityWorker:
		return "WORKER"
	case AuthorityWatchdog:
		return "WATCHDOG"
	case AuthorityMonitor:
		return "MONITOR"
	case AuthorityGuardian:
		return "GUARDIAN"
	default:
		return "UNKNOWN"
	}
}

// AtLeast reports whether the level meets a required minimum.
func (l AuthorityLevel) AtLeast(min AuthorityLevel) bool {
	return l >= min
}

// GuardianAction is an audit record of a privileged intervention.
type GuardianAction struct {
	ID          string         `json:"id"`
	ActionType  string         `json:"action_type"`
	Target      string         `json:"target"`
	Reason      string         `json:"reason"`
	InitiatedBy string         `json:"initiated_by"`
	Authority   AuthorityLevel `json:"authority_level"`
	Before      map[string]any `json:"before,omitempty"`
	After       map[string]any `json:"after,omitempty"`
	Routed      bool           `json:"routed"`
	ExecutedAt  time.Time      `json:"executed_at"`
	RevertedAt  *time.Time     `json:"reverted_at,omitempty"`
}

// RestartAttempt is an audit record of a restart initiated against an agent.
type RestartAttempt struct {
	ID                 string    `json:"id"`
	AgentID            string    `json:"agent_id"`
	ReplacementAgentID string    `json:"replacement_agent_id,omitempty"`
	Reason             string    `json:"reason"`
	InitiatedBy        string    `json:"initiated_by"`
	ReassignedTaskIDs  []string  `json:"reassigned_task_ids,omitempty"`
	InitiatedAt        time.Time `json:"initiated_at"`
}

// Cooldown is a persisted per-entity cooldown marker so that supervisor
// loops stay idempotent across process restarts.
type Cooldown struct {
	Scope     string    `json:"scope"`
	EntityID  string    `json:"entity_id"`
	ExpiresAt time.Time `json:"expires_at"`
}
