// Package dispatch runs the task dispatch loop: matching ready tasks to
// idle agents (in-registry mode) or spawning a sandbox per task
// (sandbox mode).
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentfleet/fleetd/pkg/clock"
	"github.com/agentfleet/fleetd/pkg/config"
	"github.com/agentfleet/fleetd/pkg/events"
	"github.com/agentfleet/fleetd/pkg/models"
	"github.com/agentfleet/fleetd/pkg/registry"
	"github.com/agentfleet/fleetd/pkg/runtime"
	"github.com/agentfleet/fleetd/pkg/store"
	"github.com/agentfleet/fleetd/pkg/taskqueue"
)

// Store is the persistence slice the dispatcher needs beyond the queue
// and registry services.
type Store interface {
	store.AgentStore
	store.OutboxStore
}

// Dispatcher drives one phase's dispatch loop. It is single-threaded;
// concurrent dispatchers are serialized by the agent and task
// compare-and-sets, so each worker carries at most one task.
type Dispatcher struct {
	queue    *taskqueue.Queue
	registry *registry.Registry
	store    Store
	runtime  runtime.AgentRuntime
	cfg      config.DispatcherConfig
	clock    clock.Clock
	phase    string

	// spawnSem bounds in-flight sandbox spawns across dispatchers
	// sharing it.
	spawnSem chan struct{}
}

// New creates a Dispatcher for one phase (empty means all phases).
func New(q *taskqueue.Queue, reg *registry.Registry, s Store, rt runtime.AgentRuntime,
	cfg config.DispatcherConfig, spawn config.SpawnConfig, clk clock.Clock, phase string) *Dispatcher {
	return &Dispatcher{
		queue:    q,
		registry: reg,
		store:    s,
		runtime:  rt,
		cfg:      cfg,
		clock:    clk,
		phase:    phase,
		spawnSem: make(chan struct{}, spawn.MaxConcurrent),
	}
}

// Run polls at the configured cadence until the context is cancelled.
// A failing tick logs and waits for the next cadence; it never kills
// the loop.
func (d *Dispatcher) Run(ctx context.Context) {
	log := slog.With("component", "dispatcher", "mode", d.cfg.Mode, "phase", d.phase)
	log.Info("Dispatcher started", "poll_interval", d.cfg.PollInterval())

	ticker := time.NewTicker(d.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Dispatcher stopped")
			return
		case <-ticker.C:
			d.drain(ctx, log)
		}
	}
}

// drain dispatches until no more work is immediately available.
func (d *Dispatcher) drain(ctx context.Context, log *slog.Logger) {
	for {
		dispatched, err := d.Tick(ctx)
		if err != nil {
			log.Error("Dispatch tick failed", "error", err)
			return
		}
		if !dispatched {
			return
		}
	}
}

// Tick attempts one dispatch. Returns whether a task was handled.
func (d *Dispatcher) Tick(ctx context.Context) (bool, error) {
	switch d.cfg.Mode {
	case config.DispatchSandbox:
		return d.tickSandbox(ctx)
	default:
		return d.tickInRegistry(ctx)
	}
}

// tickInRegistry pairs the best-fit idle agent with the next ready task
// matching its capabilities.
func (d *Dispatcher) tickInRegistry(ctx context.Context) (bool, error) {
	match, err := d.registry.FindBestFit(ctx, nil, d.phase, models.AgentKindWorker)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil // no idle agent: back off to the cadence
		}
		return false, err
	}
	agent := match.Agent

	task, err := d.queue.GetNextTask(ctx, d.phase, agent.Capabilities)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	// Reserve the agent before touching the task: the IDLE → RUNNING
	// compare-and-set keeps two dispatchers off the same worker.
	if _, err := d.registry.TransitionStatus(ctx, registry.TransitionRequest{
		AgentID:     agent.ID,
		To:          models.AgentStatusRunning,
		Reason:      "task assigned",
		TriggeredBy: "dispatcher",
		TaskID:      task.ID,
	}); err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, registry.ErrInvalidTransition) {
			return true, nil // another dispatcher reserved the agent; look again
		}
		return false, err
	}

	if _, err := d.queue.Assign(ctx, task.ID, store.Assignee{AgentID: agent.ID}); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Another dispatcher won the task; put the worker back.
			if _, rerr := d.registry.TransitionStatus(ctx, registry.TransitionRequest{
				AgentID:     agent.ID,
				To:          models.AgentStatusIdle,
				Reason:      "lost assignment race",
				TriggeredBy: "dispatcher",
			}); rerr != nil {
				return false, fmt.Errorf("agent %s reserved but task %s lost: %w", agent.ID, task.ID, rerr)
			}
			return true, nil
		}
		return false, err
	}
	if err := d.store.IncrementAssignments(ctx, agent.ID); err != nil {
		return false, err
	}

	slog.Info("Task dispatched", "task_id", task.ID, "agent_id", agent.ID, "phase", d.phase)
	return true, nil
}

// tickSandbox spawns a fresh sandbox-backed agent for the next ready
// task. Spawning is bounded by the shared semaphore; when it is full
// the tick skips and backpressure falls on the queue.
func (d *Dispatcher) tickSandbox(ctx context.Context) (bool, error) {
	select {
	case d.spawnSem <- struct{}{}:
	default:
		return false, nil
	}
	defer func() { <-d.spawnSem }()

	task, err := d.queue.GetNextTask(ctx, d.phase, nil)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	agent, err := d.registry.Register(ctx, registry.RegisterParams{
		Kind:         models.AgentKindWorker,
		Phase:        task.Phase,
		Capabilities: task.RequiredCaps,
		Tags:         []string{"sandbox", "local"},
	})
	if err != nil {
		return false, err
	}
	// Sandbox agents skip the spawn handshake: the sandbox either comes
	// up running or the whole dispatch fails below.
	if _, err := d.registry.TransitionStatus(ctx, registry.TransitionRequest{
		AgentID:     agent.ID,
		To:          models.AgentStatusRunning,
		Reason:      "sandbox execution",
		TriggeredBy: "dispatcher",
		TaskID:      task.ID,
		Force:       true,
	}); err != nil {
		return false, err
	}

	sandboxID, err := d.runtime.Spawn(ctx, runtime.SpawnParams{
		TaskID:        task.ID,
		AgentID:       agent.ID,
		Phase:         task.Phase,
		Kind:          models.AgentKindWorker,
		ExecutionMode: string(config.DispatchSandbox),
	})
	if err != nil {
		return true, d.failSpawn(ctx, task, agent, err)
	}

	if _, err := d.queue.Assign(ctx, task.ID, store.Assignee{AgentID: agent.ID, SandboxID: sandboxID}); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Another dispatcher took the task while we were spawning.
			if terr := d.runtime.Terminate(ctx, sandboxID, "lost assignment race"); terr != nil {
				slog.Warn("Failed to terminate orphaned sandbox", "sandbox_id", sandboxID, "error", terr)
			}
			_, _ = d.registry.TransitionStatus(ctx, registry.TransitionRequest{
				AgentID: agent.ID, To: models.AgentStatusTerminated,
				Reason: "lost assignment race", TriggeredBy: "dispatcher", Force: true,
			})
			return true, nil
		}
		return false, err
	}

	now := d.clock.Now()
	ev := events.New(events.EventSandboxSpawned, events.EntityAgent, agent.ID, map[string]any{
		"agent_id":   agent.ID,
		"sandbox_id": sandboxID,
		"task_id":    task.ID,
	}, now)
	if err := d.store.AppendEvents(ctx, ev); err != nil {
		return false, err
	}
	if err := d.store.IncrementAssignments(ctx, agent.ID); err != nil {
		return false, err
	}

	slog.Info("Sandbox dispatched", "task_id", task.ID, "agent_id", agent.ID, "sandbox_id", sandboxID)
	return true, nil
}

// failSpawn marks the task failed with a diagnostic message so the
// normal retry policy can pick it up, and fails the agent record.
func (d *Dispatcher) failSpawn(ctx context.Context, task *models.Task, agent *models.Agent, spawnErr error) error {
	if _, err := d.queue.Assign(ctx, task.ID, store.Assignee{AgentID: agent.ID}); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return err
	}
	if _, err := d.registry.TransitionStatus(ctx, registry.TransitionRequest{
		AgentID:     agent.ID,
		To:          models.AgentStatusFailed,
		Health:      models.HealthUnresponsive,
		Reason:      "sandbox spawn failed",
		TriggeredBy: "dispatcher",
		TaskID:      task.ID,
	}); err != nil {
		return err
	}
	if _, err := d.queue.UpdateStatus(ctx, task.ID, models.TaskStatusFailed, taskqueue.UpdateParams{
		ErrorMessage: fmt.Sprintf("Sandbox spawn failed: %v", spawnErr),
	}); err != nil {
		return err
	}
	slog.Error("Sandbox spawn failed", "task_id", task.ID, "agent_id", agent.ID, "error", spawnErr)
	return nil
}
