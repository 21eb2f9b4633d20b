package heartbeat

import (
	"sync"
	"time"

	"github.com/agentfleet/fleetd/pkg/clock"
	"github.com/agentfleet/fleetd/pkg/config"
	"github.com/agentfleet/fleetd/pkg/models"
)

// Emitter builds signed heartbeat messages for one agent, maintaining
// the monotonic sequence number. The in-process runtime drives it at
// the adaptive interval.
type Emitter struct {
	agentID string
	kind    models.AgentKind
	cfg     config.HeartbeatConfig
	clock   clock.Clock

	mu  sync.Mutex
	seq int64
}

// NewEmitter creates an emitter whose first message carries sequence 1.
func NewEmitter(agentID string, kind models.AgentKind, cfg config.HeartbeatConfig, clk clock.Clock) *Emitter {
	return &Emitter{agentID: agentID, kind: kind, cfg: cfg, clock: clk}
}

// Next builds and signs the next heartbeat message.
func (e *Emitter) Next(status models.AgentStatus, currentTaskID string, metrics map[string]float64) (models.HeartbeatMessage, error) {
	e.mu.Lock()
	e.seq++
	seq := e.seq
	e.mu.Unlock()

	msg := models.HeartbeatMessage{
		AgentID:        e.agentID,
		Timestamp:      e.clock.Now().UTC().Format(time.RFC3339Nano),
		SequenceNumber: seq,
		Status:         string(status),
		CurrentTaskID:  currentTaskID,
		HealthMetrics:  metrics,
	}
	if err := Sign(&msg); err != nil {
		return models.HeartbeatMessage{}, err
	}
	return msg, nil
}

// Interval returns the adaptive send cadence: guardians report slowly,
// monitors and watchdogs on the running cadence regardless of status,
// everyone else by current status.
func (e *Emitter) Interval(status models.AgentStatus) time.Duration {
	switch {
	case e.kind == models.AgentKindGuardian:
		return time.Duration(e.cfg.TTLGuardianSeconds) * time.Second
	case e.kind == models.AgentKindMonitor || e.kind == models.AgentKindWatchdog:
		return time.Duration(e.cfg.TTLRunningSeconds) * time.Second
	case status == models.AgentStatusRunning:
		return time.Duration(e.cfg.TTLRunningSeconds) * time.Second
	default:
		return time.Duration(e.cfg.TTLIdleSeconds) * time.Second
	}
}
