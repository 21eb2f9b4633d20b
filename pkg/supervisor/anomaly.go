package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/agentfleet/fleetd/pkg/clock"
	"github.com/agentfleet/fleetd/pkg/config"
	"github.com/agentfleet/fleetd/pkg/models"
	"github.com/agentfleet/fleetd/pkg/store"
)

const anomalyCooldownScope = "anomaly"

// Readings expire if an agent drops out of the scan for a few cadences,
// so a streak never spans long outages.
const readingTTL = 5 * anomalyInterval

// Scorer computes a composite anomaly score in [0,1] for an agent.
type Scorer interface {
	Score(agent *models.Agent, now time.Time) float64
}

// HealthScorer scores agents from liveness data: the consecutive-missed
// counter, the reported health status, and heartbeat staleness relative
// to the agent's TTL.
type HealthScorer struct {
	cfg config.HeartbeatConfig
}

// NewHealthScorer creates the default scorer.
func NewHealthScorer(cfg config.HeartbeatConfig) *HealthScorer {
	return &HealthScorer{cfg: cfg}
}

// Score weighs missed heartbeats 0.4, health 0.3 and staleness 0.3.
func (s *HealthScorer) Score(agent *models.Agent, now time.Time) float64 {
	missed := float64(agent.ConsecutiveMissed) / 3.0
	if missed > 1 {
		missed = 1
	}

	var health float64
	switch agent.Health {
	case models.HealthUnresponsive:
		health = 1
	case models.HealthDegraded:
		health = 0.6
	}

	staleness := 1.0
	if agent.LastHeartbeat != nil {
		ttl := s.cfg.TTLFor(agent.Status, agent.Kind)
		staleness = now.Sub(*agent.LastHeartbeat).Seconds() / (2 * ttl.Seconds())
		if staleness > 1 {
			staleness = 1
		}
		if staleness < 0 {
			staleness = 0
		}
	}

	return 0.4*missed + 0.3*health + 0.3*staleness
}

// AnomalyStore is the persistence slice the anomaly scorer needs.
type AnomalyStore interface {
	store.AgentStore
	store.CooldownStore
}

// AnomalyDetector scores every operational agent each tick and spawns a
// diagnostic agent once a score stays at or above the threshold for the
// configured number of consecutive readings. Streaks live in a TTL
// cache; the spawn cooldown is persisted so restarts cannot double-spawn.
type AnomalyDetector struct {
	store    AnomalyStore
	spawner  *DiagnosticSpawner
	scorer   Scorer
	cfg      config.AnomalyConfig
	cooldown time.Duration
	clock    clock.Clock
	readings *cache.Cache
}

// NewAnomalyDetector creates the anomaly scoring loop.
func NewAnomalyDetector(s AnomalyStore, sp *DiagnosticSpawner, scorer Scorer,
	cfg config.AnomalyConfig, cooldown time.Duration, clk clock.Clock) *AnomalyDetector {
	return &AnomalyDetector{
		store:    s,
		spawner:  sp,
		scorer:   scorer,
		cfg:      cfg,
		cooldown: cooldown,
		clock:    clk,
		readings: cache.New(readingTTL, 2*readingTTL),
	}
}

func (d *AnomalyDetector) Name() string            { return "anomaly-scorer" }
func (d *AnomalyDetector) Interval() time.Duration { return anomalyInterval }

// Tick scores the operational agents. Per-agent failures are logged and
// do not stop the scan.
func (d *AnomalyDetector) Tick(ctx context.Context) error {
	agents, err := d.store.ListAgents(ctx, store.AgentFilter{
		Statuses: []models.AgentStatus{
			models.AgentStatusIdle,
			models.AgentStatusRunning,
			models.AgentStatusDegraded,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to list agents: %w", err)
	}

	now := d.clock.Now()
	for _, agent := range agents {
		// Never diagnose the diagnosers.
		if agent.Kind == models.AgentKindDiagnostic {
			continue
		}
		if err := d.observe(ctx, agent, now); err != nil {
			slog.Error("Anomaly handling failed", "agent_id", agent.ID, "error", err)
		}
	}
	return nil
}

func (d *AnomalyDetector) observe(ctx context.Context, agent *models.Agent, now time.Time) error {
	score := d.scorer.Score(agent, now)
	if score < d.cfg.Threshold {
		d.readings.Delete(agent.ID)
		return nil
	}

	streak := 1
	if prev, ok := d.readings.Get(agent.ID); ok {
		streak = prev.(int) + 1
	}
	d.readings.Set(agent.ID, streak, cache.DefaultExpiration)
	slog.Debug("Anomalous reading", "agent_id", agent.ID, "score", score, "streak", streak)

	if streak < d.cfg.ConsecutiveReadings {
		return nil
	}

	active, err := cooldownActive(ctx, d.store, anomalyCooldownScope, agent.ID, now)
	if err != nil || active {
		return err
	}

	diag, sandboxID, err := d.spawner.Spawn(ctx, agent.Phase, "", map[string]string{
		"FLEETD_FOCUS_AGENT": agent.ID,
	})
	if err != nil {
		return err
	}
	if err := d.store.SetCooldown(ctx, anomalyCooldownScope, agent.ID, now.Add(d.cooldown)); err != nil {
		return err
	}
	d.readings.Delete(agent.ID)

	slog.Warn("Diagnostic agent spawned for anomalous agent",
		"agent_id", agent.ID, "score", score,
		"diagnostic_agent_id", diag.ID, "sandbox_id", sandboxID)
	return nil
}
