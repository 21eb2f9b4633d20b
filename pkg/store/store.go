// Package store defines the persistence contract for the control plane.
//
// Two engines satisfy the contract: the PostgreSQL engine in
// store/postgres (row locks, FOR UPDATE SKIP LOCKED) and the in-memory
// engine in this package (single-mutex serialization) used by tests.
//
// Mutating composite operations accept trailing SystemEvents; the engine
// appends them to the outbox inside the same transaction as the business
// mutation, so an event is visible if and only if the mutation committed.
package store

import (
	"context"
	"time"

	"github.com/agentfleet/fleetd/pkg/models"
)

// AgentFilter narrows ListAgents.
type AgentFilter struct {
	Statuses []models.AgentStatus
	Kind     models.AgentKind
	Phase    string
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Statuses []models.TaskStatus
	TicketID string
	Phase    string
	AgentID  string
}

// TransitionParams describes an atomic agent status transition. The engine
// compare-and-sets Status against From, updates Health when set, writes the
// audit row and co-commits the given events. ErrConflict is returned when
// the row's status no longer equals From.
type TransitionParams struct {
	AgentID     string
	From        models.AgentStatus
	To          models.AgentStatus
	Health      models.HealthStatus // optional; empty leaves health untouched
	Reason      string
	TriggeredBy string
	TaskID      string
	Forced      bool
	Metadata    map[string]string
	At          time.Time
}

// HeartbeatUpdate carries the row updates applied on heartbeat receipt.
type HeartbeatUpdate struct {
	LastHeartbeat        time.Time
	CurrentSequence      int64
	ExpectedNextSequence int64
	Health               models.HealthStatus
}

/// Assignee identifies who a task is being assigned to: a registered agent,
// a sandbox handle, or both (sandbox mode registers an agent record too).
type Assignee struct {
	AgentID   string
	SandboxID string
}

// TaskUpdate carries the optional fields written alongside a task status
// change.
type TaskUpdate struct {
	Result         map[string]any
	ErrorMessage   string
	ConversationID string
	PersistenceDir string
	SandboxID      string
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// Store is the transactional persistence contract.
type Store interface {
	AgentStore
	TaskStore
	TicketStore
	CoordinationStore
	GuardianStore
	CooldownStore
	OutboxStore
}

// AgentStore persists agents and their status audit trail.
type AgentStore interface {
	CreateAgent(ctx context.Context, a *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	ListAgents(ctx context.Context, f AgentFilter) ([]*models.Agent, error)

	// TransitionAgent atomically applies a validated status transition:
	// CAS on From, audit row, co-committed events.
	TransitionAgent(ctx context.Context, p TransitionParams, evs ...models.SystemEvent) (*models.Agent, error)
	ListTransitions(ctx context.Context, agentID string, limit int) ([]*models.AgentStatusTransition, error)

	// RecordHeartbeat updates the liveness columns and resets the missed
	// counter.
	RecordHeartbeat(ctx context.Context, agentID string, u HeartbeatUpdate, evs ...models.SystemEvent) error
	// IncrementMissed bumps the consecutive-missed counter and returns the
	// new value.
	IncrementMissed(ctx context.Context, agentID string, evs ...models.SystemEvent) (int, error)
	IncrementAssignments(ctx context.Context, agentID string) error
	// CountAgentTasks counts the agent's tasks in the given statuses.
	CountAgentTasks(ctx context.Context, agentID string, statuses []models.TaskStatus) (int, error)
}

// TaskStore persists tasks and enforces the queue's atomicity invariants.
type TaskStore interface {
	// CreateTask validates that every dependency exists and that adding the
	// task keeps the dependency graph acyclic (ErrCircularDependency).
	CreateTask(ctx context.Context, t *models.Task, evs ...models.SystemEvent) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	GetTasks(ctx context.Context, ids []string) ([]*models.Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]*models.Task, error)

	// AddTaskDependency adds an edge after reverse-reachability checking
	// that no cycle closes (ErrCircularDependency).
	AddTaskDependency(ctx context.Context, taskID, dependsOn string) error

	// NextReadyTask returns the highest-priority pending task whose
	// dependencies are all completed, optionally filtered by phase and by
	// required-capabilities ⊆ caps. ErrNotFound when none is ready.
	NextReadyTask(ctx context.Context, phase string, caps []string) (*models.Task, error)

	// AssignTask compare-and-sets pending→assigned. ErrConflict when the
	// task is no longer pending.
	AssignTask(ctx context.Context, taskID string, a Assignee, at time.Time, evs ...models.SystemEvent) (*models.Task, error)

	// UpdateTaskStatus compare-and-sets from→to with the given row updates.
	UpdateTaskStatus(ctx context.Context, taskID string, from, to models.TaskStatus, u TaskUpdate, evs ...models.SystemEvent) (*models.Task, error)

	// RequeueTask puts a non-terminal task back to pending, clearing its
	// assignee. Retry count is untouched.
	RequeueTask(ctx context.Context, taskID string, evs ...models.SystemEvent) (*models.Task, error)

	// IncrementRetry moves failed→pending with retry_count+1.
	IncrementRetry(ctx context.Context, taskID string, evs ...models.SystemEvent) (*models.Task, error)

	// ListTimedOutTasks returns assigned/running tasks whose started_at is
	// older than their timeout at the given instant.
	ListTimedOutTasks(ctx context.Context, now time.Time) ([]*models.Task, error)

	// ListAssignedTasks returns the non-terminal tasks bound to an agent.
	ListAssignedTasks(ctx context.Context, agentID string) ([]*models.Task, error)
}

// TicketStore persists the supervision-relevant slice of tickets.
type TicketStore interface {
	CreateTicket(ctx context.Context, t *models.Ticket) error
	GetTicket(ctx context.Context, id string) (*models.Ticket, error)
	ListTicketsByStatus(ctx context.Context, status models.TicketStatus) ([]*models.Ticket, error)
	UpdateTicketStatus(ctx context.Context, id string, to models.TicketStatus, blockerType string, evs ...models.SystemEvent) (*models.Ticket, error)

	// ListStaleTickets returns in-progress tickets with no task activity
	// (creation, start, completion) after the given instant.
	ListStaleTickets(ctx context.Context, before time.Time) ([]*models.Ticket, error)
}

// CoordinationStore persists coordination-point records for observability.
type CoordinationStore interface {
	CreateCoordinationPoint(ctx context.Context, p *models.CoordinationPoint) error
	GetCoordinationPoint(ctx context.Context, id string) (*models.CoordinationPoint, error)
}

// GuardianStore persists privileged-action audit records.
type GuardianStore interface {
	InsertGuardianAction(ctx context.Context, a *models.GuardianAction, evs ...models.SystemEvent) error
	InsertRestartAttempt(ctx context.Context, r *models.RestartAttempt) error
	CountRestarts(ctx context.Context, agentID string) (int, error)
	LastRestartAt(ctx context.Context, agentID string) (*time.Time, error)
}

// CooldownStore persists per-entity cooldown markers used by the
// supervisor loops, keeping them crash-safe.
type CooldownStore interface {
	GetCooldown(ctx context.Context, scope, entityID string) (*models.Cooldown, error)
	SetCooldown(ctx context.Context, scope, entityID string, expiresAt time.Time) error
}

// OutboxStore is the durable event outbox drained by the bus.
type OutboxStore interface {
	// AppendEvents appends events outside of any business mutation.
	AppendEvents(ctx context.Context, evs ...models.SystemEvent) error
	// NextOutboxBatch returns up to limit undrained events in commit order.
	NextOutboxBatch(ctx context.Context, limit int) ([]models.SystemEvent, error)
	MarkDrained(ctx context.Context, ids []int64) error
	OutboxDepth(ctx context.Context) (int, error)
}
