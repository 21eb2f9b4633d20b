package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentfleet/fleetd/pkg/config"
	"github.com/agentfleet/fleetd/pkg/heartbeat"
	"github.com/agentfleet/fleetd/pkg/models"
	"github.com/agentfleet/fleetd/pkg/restart"
	"github.com/agentfleet/fleetd/pkg/store"
)

// HeartbeatMonitor runs the missed-heartbeat scan and hands agents that
// reached the unresponsive rung to the restart orchestrator.
type HeartbeatMonitor struct {
	receiver *heartbeat.Receiver
	restarts *restart.Orchestrator
}

// NewHeartbeatMonitor creates the heartbeat monitor loop.
func NewHeartbeatMonitor(r *heartbeat.Receiver, o *restart.Orchestrator) *HeartbeatMonitor {
	return &HeartbeatMonitor{receiver: r, restarts: o}
}

func (m *HeartbeatMonitor) Name() string            { return "heartbeat-monitor" }
func (m *HeartbeatMonitor) Interval() time.Duration { return heartbeatInterval }

// Tick scans for overdue heartbeats and restarts every agent escalated
// to unresponsive. Per-agent restart failures are logged and do not
// stop the tick.
func (m *HeartbeatMonitor) Tick(ctx context.Context) error {
	escalations, err := m.receiver.CheckMissedHeartbeats(ctx)
	if err != nil {
		return err
	}

	for _, esc := range escalations {
		if esc.Level != config.LevelUnresponsive {
			continue
		}
		_, err := m.restarts.Restart(ctx, restart.Request{
			AgentID:     esc.AgentID,
			Reason:      fmt.Sprintf("missed %d consecutive heartbeats", esc.MissedCount),
			InitiatedBy: m.Name(),
			Authority:   models.AuthorityMonitor,
		})
		switch {
		case err == nil:
		case errors.Is(err, restart.ErrCooldownActive),
			errors.Is(err, restart.ErrRestartBudgetExhausted),
			errors.Is(err, store.ErrNotFound):
			// Expected backpressure; the agent stays FAILED until a
			// privileged restart or operator action.
			slog.Warn("Restart skipped", "agent_id", esc.AgentID, "reason", err)
		default:
			slog.Error("Restart failed", "agent_id", esc.AgentID, "error", err)
		}
	}
	return nil
}
