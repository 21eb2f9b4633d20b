package heartbeat

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
	"github.com/agentfleet/fleetd/pkg/store"
)

// StatusManager is the slice of the registry the receiver needs to move
// agents along the escalation ladder and back.
type StatusManager interface {
	TransitionStatus(ctx context.Context, req registry.TransitionRequest) (*models.Agent, error)
}

// Receiver validates and records incoming heartbeats and runs the
// missed-heartbeat scan.
type Receiver struct {
	store  store.AgentStore
	status StatusManager
	cfg    config.HeartbeatConfig
	clock  clock.Clock
}

// NewReceiver creates a Receiver.
func NewReceiver(s store.AgentStore, status StatusManager, cfg config.HeartbeatConfig, clk clock.Clock) *Receiver {
	return &Receiver{store: s, status: status, cfg: cfg, clock: clk}
}

// Receive processes one heartbeat. Protocol errors (bad checksum,
// unknown agent) come back as a negative ack, not a Go error; errors are
// reserved for storage failures.
func (r *Receiver) Receive(ctx context.Context, msg models.HeartbeatMessage) (models.HeartbeatAck, error) {
	ack := models.HeartbeatAck{AgentID: msg.AgentID, SequenceNumber: msg.SequenceNumber}

	if !Verify(msg) {
		ack.Message = "Checksum validation failed"
		return ack, nil
	}

	sentAt, err := time.Parse(time.RFC3339, msg.Timestamp)
	if err != nil {
		ack.Message = "Invalid timestamp format"
		return ack, nil
	}

	agent, err := r.store.GetAgent(ctx, msg.AgentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ack.Message = "Agent not found"
			return ack, nil
		}
		return ack, fmt.Errorf("failed to look up agent: %w", err)
	}

	hasGaps := false
	switch {
	case msg.SequenceNumber > agent.ExpectedNextSequence:
		hasGaps = true
		if agent.ExpectedNextSequence == msg.SequenceNumber-1 {
			ack.Message = fmt.Sprintf("gap detected: missed sequence %d", agent.ExpectedNextSequence)
		} else {
			ack.Message = fmt.Sprintf("gap detected: missed sequences %d-%d",
				agent.ExpectedNextSequence, msg.SequenceNumber-1)
		}
	case msg.SequenceNumber < agent.CurrentSequence:
		ack.Message = fmt.Sprintf("out-of-order sequence %d (current %d)",
			msg.SequenceNumber, agent.CurrentSequence)
	}

	now := r.clock.Now()
	ev := events.New(events.EventHeartbeatReceived, events.EntityAgent, msg.AgentID,
		events.HeartbeatReceivedPayload{
			AgentID:        msg.AgentID,
			SequenceNumber: msg.SequenceNumber,
			Status:         msg.Status,
			HasGaps:        hasGaps,
			HealthMetrics:  msg.HealthMetrics,
		}, now)

	// Liveness comes from the message timestamp, not receipt time, so
	// replaying a heartbeat leaves the agent row unchanged.
	err = r.store.RecordHeartbeat(ctx, msg.AgentID, store.HeartbeatUpdate{
		LastHeartbeat:        sentAt,
		CurrentSequence:      msg.SequenceNumber,
		ExpectedNextSequence: msg.SequenceNumber + 1,
		Health:               models.HealthHealthy,
	}, ev)
	if err != nil {
		return ack, fmt.Errorf("failed to record heartbeat: %w", err)
	}

	// A heartbeat from a DEGRADED agent proves recovery. FAILED and
	// beyond stay put; only the restart path revives those.
	if agent.Status == models.AgentStatusDegraded {
		if _, err := r.status.TransitionStatus(ctx, registry.TransitionRequest{
			AgentID:     msg.AgentID,
			To:          models.AgentStatusIdle,
			Health:      models.HealthHealthy,
			Reason:      "recovered",
			TriggeredBy: "heartbeat",
		}); err != nil && !errors.Is(err, store.ErrConflict) {
			return ack, fmt.Errorf("failed to recover agent %s: %w", msg.AgentID, err)
		}
	}

	ack.Received = true
	return ack, nil
}

// Escalation records one ladder step applied by CheckMissedHeartbeats.
type Escalation struct {
	AgentID     string
	MissedCount int
	Level       string
}

// CheckMissedHeartbeats scans IDLE, RUNNING and DEGRADED agents for
// overdue heartbeats and applies the escalation ladder: warn on the
// first miss, DEGRADED on the second, FAILED (unresponsive) from the
// third. Per-agent failures are logged and do not stop the scan.
func (r *Receiver) CheckMissedHeartbeats(ctx context.Context) ([]Escalation, error) {
	agents, err := r.store.ListAgents(ctx, store.AgentFilter{
		Statuses: []models.AgentStatus{
			models.AgentStatusIdle,
			models.AgentStatusRunning,
			models.AgentStatusDegraded,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}

	now := r.clock.Now()
	var escalations []Escalation
	for _, agent := range agents {
		ttl := r.cfg.TTLFor(agent.Status, agent.Kind)
		if agent.LastHeartbeat != nil && now.Sub(*agent.LastHeartbeat) <= ttl {
			continue
		}

		esc, err := r.escalate(ctx, agent, now)
		if err != nil {
			slog.Error("Heartbeat escalation failed",
				"agent_id", agent.ID, "error", err)
			continue
		}
		escalations = append(escalations, esc)
	}
	return escalations, nil
}

func (r *Receiver) escalate(ctx context.Context, agent *models.Agent, now time.Time) (Escalation, error) {
	missed := agent.ConsecutiveMissed + 1
	level := r.cfg.LevelFor(missed)

	action := ""
	if level == config.LevelUnresponsive {
		action = "Initiate restart protocol"
	}
	ev := events.New(events.EventHeartbeatMissed, events.EntityAgent, agent.ID,
		events.HeartbeatMissedPayload{
			AgentID:         agent.ID,
			MissedCount:     missed,
			EscalationLevel: level,
			Action:          action,
		}, now)

	if _, err := r.store.IncrementMissed(ctx, agent.ID, ev); err != nil {
		return Escalation{}, fmt.Errorf("failed to increment missed counter: %w", err)
	}

	switch level {
	case config.LevelDegraded:
		if agent.Status != models.AgentStatusDegraded {
			if _, err := r.status.TransitionStatus(ctx, registry.TransitionRequest{
				AgentID:     agent.ID,
				To:          models.AgentStatusDegraded,
				Health:      models.HealthDegraded,
				Reason:      fmt.Sprintf("missed %d consecutive heartbeats", missed),
				TriggeredBy: "heartbeat-monitor",
			}); err != nil {
				return Escalation{}, err
			}
		}
	case config.LevelUnresponsive:
		if _, err := r.status.TransitionStatus(ctx, registry.TransitionRequest{
			AgentID:     agent.ID,
			To:          models.AgentStatusFailed,
			Health:      models.HealthUnresponsive,
			Reason:      fmt.Sprintf("missed %d consecutive heartbeats", missed),
			TriggeredBy: "heartbeat-monitor",
		}); err != nil {
			return Escalation{}, err
		}
	}

	slog.Warn("Heartbeat missed",
		"agent_id", agent.ID,
		"missed_count", missed,
		"escalation_level", level)
	return Escalation{AgentID: agent.ID, MissedCount: missed, Level: level}, nil
}
