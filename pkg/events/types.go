// Package events provides the system event bus: typed lifecycle events
// persisted to a durable outbox co-written with business transactions,
// drained to in-process subscribers and to PostgreSQL NOTIFY for
// cross-pod delivery.
package events

// Entity types carried in the SystemEvent envelope. Events with the same
// (entity_type, entity_id) are totally ordered.
const (
	EntityAgent  = "agent"
	EntityTask   = "task"
	EntityTicket = "ticket"
)

// Agent lifecycle event types.
const (
	EventAgentStatusChanged = "AGENT_STATUS_CHANGED"
	EventHeartbeatReceived  = "HEARTBEAT_RECEIVED"
	EventHeartbeatMissed    = "HEARTBEAT_MISSED"
	EventAgentRestarted     = "AGENT_RESTARTED"
	EventSandboxSpawned     = "SANDBOX_SPAWNED"
)

// Task lifecycle event types.
const (
	EventTaskAssigned          = "TASK_ASSIGNED"
	EventTaskSandboxSpawned    = "TASK_SANDBOX_SPAWNED"
	EventTaskCompleted         = "TASK_COMPLETED"
	EventTaskFailed            = "TASK_FAILED"
	EventTaskPermanentlyFailed = "TASK_PERMANENTLY_FAILED"
	EventTaskRetryScheduled    = "TASK_RETRY_SCHEDULED"
	EventTaskTimedOut          = "TASK_TIMED_OUT"
	EventTaskReassigned        = "TASK_REASSIGNED"
	EventTaskCancelled         = "TASK_CANCELLED"
)

// Validation interface event types (external validation service).
const (
	EventTaskValidationRequested = "TASK_VALIDATION_REQUESTED"
	EventTaskValidationPassed    = "TASK_VALIDATION_PASSED"
	EventTaskValidationFailed    = "TASK_VALIDATION_FAILED"
)

// Ticket supervision event types.
const (
	EventTicketApprovalTimedOut = "TICKET_APPROVAL_TIMED_OUT"
	EventTicketBlocked          = "TICKET_BLOCKED"
	EventTicketStuck            = "TICKET_STUCK"
)

// Coordination event types.
const (
	EventSyncTimedOut = "COORDINATION_SYNC_TIMED_OUT"
)

// Guardian event types.
const (
	EventGuardianIntervention = "guardian.steering.intervention"
)

// Escalation levels carried by HEARTBEAT_MISSED payloads.
const (
	EscalationWarn         = "warn"
	EscalationDegraded     = "degraded"
	EscalationUnresponsive = "unresponsive"
)

// GlobalChannel is the NOTIFY channel carrying every drained event; the
// WebSocket fan-out and any cross-pod consumer listen here.
const GlobalChannel = "fleet_events"

// EntityChannel returns the NOTIFY channel for one entity's events.
// Format: "{entity_type}:{entity_id}".
func EntityChannel(entityType, entityID string) string {
	return entityType + ":" + entityID
}
