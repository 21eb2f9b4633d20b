package events

import (
	"encoding/json"
	"time"

	"github.com/agentfleet/fleetd/pkg/models"
)

// Typed payloads are the contract between publisher and subscriber.
// The bus carries them as opaque maps inside the SystemEvent envelope;
// constructors below build the envelope from the typed form.

// AgentStatusChangedPayload is the payload for AGENT_STATUS_CHANGED.
type AgentStatusChangedPayload struct {
	AgentID        string `json:"agent_id"`
	PreviousStatus string `json:"previous_status"`
	NewStatus      string `json:"new_status"`
	Reason         string `json:"reason"`
	TaskID         string `json:"task_id,omitempty"`
	TriggeredBy    string `json:"triggered_by"`
	Timestamp      string `json:"timestamp"`
}

// HeartbeatReceivedPayload is the payload for HEARTBEAT_RECEIVED.
type HeartbeatReceivedPayload struct {
	AgentID        string             `json:"agent_id"`
	SequenceNumber int64              `json:"sequence_number"`
	Status         string             `json:"status"`
	HasGaps        bool               `json:"has_gaps"`
	HealthMetrics  map[string]float64 `json:"health_metrics,omitempty"`
}

// HeartbeatMissedPayload is the payload for HEARTBEAT_MISSED.
type HeartbeatMissedPayload struct {
	AgentID         string `json:"agent_id"`
	MissedCount     int    `json:"missed_count"`
	EscalationLevel string `json:"escalation_level"`
	Action          string `json:"action,omitempty"`
}

// AgentRestartedPayload is the payload for AGENT_RESTARTED.
type AgentRestartedPayload struct {
	AgentID            string   `json:"agent_id"`
	ReplacementAgentID string   `json:"replacement_agent_id"`
	ReassignedTaskIDs  []string `json:"reassigned_task_ids"`
	Reason             string   `json:"reason"`
}

// TaskAssignedPayload is the payload for TASK_ASSIGNED.
type TaskAssignedPayload struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
}

// TaskSandboxSpawnedPayload is the payload for TASK_SANDBOX_SPAWNED.
type TaskSandboxSpawnedPayload struct {
	TaskID    string `json:"task_id"`
	SandboxID string `json:"sandbox_id"`
	AgentID   string `json:"agent_id"`
}

// TaskCompletedPayload is the payload for TASK_COMPLETED.
type TaskCompletedPayload struct {
	TaskID string         `json:"task_id"`
	Result map[string]any `json:"result,omitempty"`
}

// TaskFailedPayload is the payload for TASK_FAILED.
type TaskFailedPayload struct {
	TaskID     string `json:"task_id"`
	Error      string `json:"error"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
	Attempt    int    `json:"attempt"`
}

// TaskPermanentlyFailedPayload is the payload for TASK_PERMANENTLY_FAILED.
// Reason is one of "permanent_error", "max_retries_exceeded".
type TaskPermanentlyFailedPayload struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// TaskRetryScheduledPayload is the payload for TASK_RETRY_SCHEDULED.
type TaskRetryScheduledPayload struct {
	TaskID       string  `json:"task_id"`
	RetryCount   int     `json:"retry_count"`
	DelaySeconds float64 `json:"delay_seconds"`
}

// TaskTimedOutPayload is the payload for TASK_TIMED_OUT.
type TaskTimedOutPayload struct {
	TaskID         string  `json:"task_id"`
	TimeoutSeconds int     `json:"timeout_seconds"`
	ElapsedTime    float64 `json:"elapsed_time"`
}

// TaskReassignedPayload is the payload for TASK_REASSIGNED.
type TaskReassignedPayload struct {
	TaskID        string `json:"task_id"`
	FromAgentID   string `json:"from_agent_id"`
	Reason        string `json:"reason"`
	RetainedRetry int    `json:"retained_retry_count"`
}

// GuardianInterventionPayload is the payload for
// guardian.steering.intervention.
type GuardianInterventionPayload struct {
	AgentID   string `json:"agent_id"`
	TaskID    string `json:"task_id,omitempty"`
	SandboxID string `json:"sandbox_id,omitempty"`
	Transport string `json:"transport"` // "sandbox" or "in_process"
	Routed    bool   `json:"routed"`
	Message   string `json:"message"`
}

// TicketSupervisionPayload is shared by the ticket supervision events
// (approval timeout, blocked, stuck).
type TicketSupervisionPayload struct {
	TicketID    string `json:"ticket_id"`
	Detail      string `json:"detail,omitempty"`
	BlockerType string `json:"blocker_type,omitempty"`
}

// New builds a SystemEvent envelope from a typed payload. The payload is
// round-tripped through JSON so subscribers see exactly the wire shape.
func New(eventType, entityType, entityID string, payload any, at time.Time) models.SystemEvent {
	return models.SystemEvent{
		EventType:  eventType,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    toMap(payload),
		OccurredAt: at,
	}
}

func toMap(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]any{"marshal_error": err.Error()}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"marshal_error": err.Error()}
	}
	return m
}

// Decode unmarshals an event payload into a typed struct.
func Decode(ev models.SystemEvent, out any) error {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
