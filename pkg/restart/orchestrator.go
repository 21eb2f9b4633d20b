// Package restart replaces failed agents: drain their in-flight tasks
// back to the queue, spawn a replacement, terminate the failed record.
package restart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentfleet/fleetd/pkg/clock"
	"github.com/agentfleet/fleetd/pkg/config"
	"github.com/agentfleet/fleetd/pkg/events"
	"github.com/agentfleet/fleetd/pkg/models"
	"github.com/agentfleet/fleetd/pkg/registry"
	"github.com/agentfleet/fleetd/pkg/store"
)

const cooldownScope = "restart"

var (
	// ErrCooldownActive is returned when a restart was initiated for the
	// agent too recently. Guardians bypass it.
	ErrCooldownActive = errors.New("restart cooldown active")

	// ErrRestartBudgetExhausted is returned when the agent hit its
	// lifetime restart cap
	ErrRestartBudgetExhausted = errors.New("restart budget exhausted")

	// ErrInsufficientAuthority is returned when the initiator is below
	// MONITOR
	ErrInsufficientAuthority = errors.New("insufficient authority for restart")
)

// Store is the persistence slice the orchestrator needs.
type Store interface {
	store.AgentStore
	store.TaskStore
	store.GuardianStore
	store.CooldownStore
	store.OutboxStore
}

// Orchestrator drives the FAILED → replacement lifecycle.
type Orchestrator struct {
	store    Store
	registry *registry.Registry
	cfg      config.RestartConfig
	clock    clock.Clock
}

// New creates an Orchestrator.
func New(s Store, reg *registry.Registry, cfg config.RestartConfig, clk clock.Clock) *Orchestrator {
	return &Orchestrator{store: s, registry: reg, cfg: cfg, clock: clk}
}

// Request describes a restart. Authority must be at least MONITOR;
// GUARDIAN additionally bypasses the cooldown (but never the lifetime
// budget).
type Request struct {
	AgentID     string
	Reason      string
	InitiatedBy string
	Authority   models.AuthorityLevel
}

// Result reports what the restart did.
type Result struct {
	ReplacementAgent  *models.Agent
	ReassignedTaskIDs []string
}

// Restart replaces a failed agent:
//
//  1. gate on authority, cooldown, and the per-agent restart budget
//  2. drain non-terminal tasks back to pending (retry counts untouched)
//  3. register a replacement with the same kind/phase/capabilities
//  4. terminate the failed agent
//  5. publish AGENT_RESTARTED
func (o *Orchestrator) Restart(ctx context.Context, req Request) (*Result, error) {
	if !req.Authority.AtLeast(models.AuthorityMonitor) {
		return nil, fmt.Errorf("%w: %s is below MONITOR", ErrInsufficientAuthority, req.Authority)
	}

	agent, err := o.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}

	if err := o.checkBudget(ctx, req); err != nil {
		return nil, err
	}

	now := o.clock.Now()
	if err := o.store.InsertRestartAttempt(ctx, &models.RestartAttempt{
		ID:          uuid.New().String(),
		AgentID:     req.AgentID,
		Reason:      req.Reason,
		InitiatedBy: req.InitiatedBy,
		InitiatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("failed to record restart attempt: %w", err)
	}
	if err := o.store.SetCooldown(ctx, cooldownScope, req.AgentID, now.Add(o.cfg.Cooldown())); err != nil {
		return nil, fmt.Errorf("failed to set restart cooldown: %w", err)
	}

	reassigned, err := o.drainTasks(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}

	replacement, err := o.registry.Register(ctx, registry.RegisterParams{
		Kind:         agent.Kind,
		Phase:        agent.Phase,
		Capabilities: agent.Capabilities,
		Capacity:     agent.Capacity,
		Tags:         agent.Tags,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register replacement: %w", err)
	}
	if _, err := o.registry.Complete(ctx, replacement.ID); err != nil {
		return nil, fmt.Errorf("failed to activate replacement: %w", err)
	}

	// FAILED → TERMINATED is a normal edge; force covers restarts
	// requested against agents stuck elsewhere in the machine.
	if _, err := o.registry.TransitionStatus(ctx, registry.TransitionRequest{
		AgentID:     req.AgentID,
		To:          models.AgentStatusTerminated,
		Reason:      "restart",
		TriggeredBy: req.InitiatedBy,
		Force:       agent.Status != models.AgentStatusFailed,
	}); err != nil {
		return nil, fmt.Errorf("failed to terminate agent %s: %w", req.AgentID, err)
	}

	ev := events.New(events.EventAgentRestarted, events.EntityAgent, req.AgentID,
		events.AgentRestartedPayload{
			AgentID:            req.AgentID,
			ReplacementAgentID: replacement.ID,
			ReassignedTaskIDs:  reassigned,
			Reason:             req.Reason,
		}, now)
	if err := o.store.AppendEvents(ctx, ev); err != nil {
		return nil, fmt.Errorf("failed to publish restart event: %w", err)
	}

	slog.Info("Agent restarted",
		"agent_id", req.AgentID,
		"replacement_agent_id", replacement.ID,
		"reassigned_tasks", len(reassigned),
		"initiated_by", req.InitiatedBy)
	return &Result{ReplacementAgent: replacement, ReassignedTaskIDs: reassigned}, nil
}

// checkBudget enforces the cooldown and the lifetime restart cap.
func (o *Orchestrator) checkBudget(ctx context.Context, req Request) error {
	count, err := o.store.CountRestarts(ctx, req.AgentID)
	if err != nil {
		return err
	}
	if count >= o.cfg.MaxAttempts {
		return fmt.Errorf("%w: agent %s restarted %d times", ErrRestartBudgetExhausted, req.AgentID, count)
	}

	if req.Authority.AtLeast(models.AuthorityGuardian) {
		return nil // guardian force-restarts bypass the cooldown
	}
	cd, err := o.store.GetCooldown(ctx, cooldownScope, req.AgentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if o.clock.Now().Before(cd.ExpiresAt) {
		return fmt.Errorf("%w: until %s", ErrCooldownActive, cd.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// drainTasks puts every non-terminal task held by the agent back to
// pending, publishing TASK_REASSIGNED per task.
func (o *Orchestrator) drainTasks(ctx context.Context, agentID string) ([]string, error) {
	tasks, err := o.store.ListAssignedTasks(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks for agent %s: %w", agentID, err)
	}

	now := o.clock.Now()
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		ev := events.New(events.EventTaskReassigned, events.EntityTask, task.ID,
			events.TaskReassignedPayload{
				TaskID:        task.ID,
				FromAgentID:   agentID,
				Reason:        "agent restart",
				RetainedRetry: task.RetryCount,
			}, now)
		if _, err := o.store.RequeueTask(ctx, task.ID, ev); err != nil {
			return nil, fmt.Errorf("failed to requeue task %s: %w", task.ID, err)
		}
		ids = append(ids, task.ID)
	}
	return ids, nil
}
