package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/fleetd/pkg/clock"
	"github.com/agentfleet/fleetd/pkg/config"
	"github.com/agentfleet/fleetd/pkg/events"
	"github.com/agentfleet/fleetd/pkg/models"
	"github.com/agentfleet/fleetd/pkg/registry"
	"github.com/agentfleet/fleetd/pkg/store"
)

type receiverFixture struct {
	receiver *Receiver
	registry *registry.Registry
	store    *store.Memory
	clock    *clock.Fake
}

func newFixture(t *testing.T) *receiverFixture {
	t.Helper()
	mem := store.NewMemory()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	reg := registry.New(mem, clk)
	return &receiverFixture{
		receiver: NewReceiver(mem, reg, config.DefaultConfig().Heartbeat, clk),
		registry: reg,
		store:    mem,
		clock:    clk,
	}
}

func (f *receiverFixture) idleAgent(t *testing.T) *models.Agent {
	t.Helper()
	ctx := context.Background()
	agent, err := f.registry.Register(ctx, registry.RegisterParams{Kind: models.AgentKindWorker})
	require.NoError(t, err)
	agent, err = f.registry.Complete(ctx, agent.ID)
	require.NoError(t, err)
	return agent
}

func (f *receiverFixture) signed(t *testing.T, agentID string, seq int64) models.HeartbeatMessage {
	t.Helper()
	msg := models.HeartbeatMessage{
		AgentID:        agentID,
		Timestamp:      f.clock.Now().UTC().Format(time.RFC3339Nano),
		SequenceNumber: seq,
		Status:         "IDLE",
	}
	require.NoError(t, Sign(&msg))
	return msg
}

func (f *receiverFixture) heartbeatEvents(t *testing.T, eventType string) []models.SystemEvent {
	t.Helper()
	batch, err := f.store.NextOutboxBatch(context.Background(), 100)
	require.NoError(t, err)
	var out []models.SystemEvent
	for _, ev := range batch {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func TestReceiveUpdatesLiveness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.idleAgent(t)

	ack, err := f.receiver.Receive(ctx, f.signed(t, agent.ID, 1))
	require.NoError(t, err)
	assert.True(t, ack.Received)
	assert.Empty(t, ack.Message)

	got, err := f.store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.CurrentSequence)
	assert.Equal(t, int64(2), got.ExpectedNextSequence)
	assert.Zero(t, got.ConsecutiveMissed)
	assert.Equal(t, models.HealthHealthy, got.Health)
	require.NotNil(t, got.LastHeartbeat)
	assert.Equal(t, f.clock.Now(), *got.LastHeartbeat,
		"liveness tracks the message timestamp")

	received := f.heartbeatEvents(t, events.EventHeartbeatReceived)
	require.Len(t, received, 1)
}

func TestReceiveFlagsGapsAndReplays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.idleAgent(t)

	_, err := f.receiver.Receive(ctx, f.signed(t, agent.ID, 1))
	require.NoError(t, err)

	// Sequences 2 and 3 were lost in transit.
	ack, err := f.receiver.Receive(ctx, f.signed(t, agent.ID, 4))
	require.NoError(t, err)
	assert.True(t, ack.Received)
	assert.Contains(t, ack.Message, "missed sequences 2-3")

	received := f.heartbeatEvents(t, events.EventHeartbeatReceived)
	require.Len(t, received, 2)
	var payload events.HeartbeatReceivedPayload
	require.NoError(t, events.Decode(received[1], &payload))
	assert.True(t, payload.HasGaps)

	// A late replay is accepted but flagged.
	replay := f.signed(t, agent.ID, 2)
	ack, err = f.receiver.Receive(ctx, replay)
	require.NoError(t, err)
	assert.True(t, ack.Received)
	assert.Contains(t, ack.Message, "out-of-order")

	// Replaying the identical message leaves the agent row untouched:
	// the stored heartbeat time comes from the message, not the wall
	// clock at receipt.
	before, err := f.store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	f.clock.Advance(5 * time.Second)
	_, err = f.receiver.Receive(ctx, replay)
	require.NoError(t, err)
	after, err := f.store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestReceiveRejectsProtocolErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.idleAgent(t)

	bad := f.signed(t, agent.ID, 1)
	bad.Checksum = "0000"
	ack, err := f.receiver.Receive(ctx, bad)
	require.NoError(t, err)
	assert.False(t, ack.Received)
	assert.Equal(t, "Checksum validation failed", ack.Message)

	ack, err = f.receiver.Receive(ctx, f.signed(t, "ghost", 1))
	require.NoError(t, err)
	assert.False(t, ack.Received)
	assert.Equal(t, "Agent not found", ack.Message)

	mangled := models.HeartbeatMessage{
		AgentID:        agent.ID,
		Timestamp:      "not-a-time",
		SequenceNumber: 2,
		Status:         "IDLE",
	}
	require.NoError(t, Sign(&mangled))
	ack, err = f.receiver.Receive(ctx, mangled)
	require.NoError(t, err)
	assert.False(t, ack.Received)
	assert.Equal(t, "Invalid timestamp format", ack.Message)
}

func TestReceiveRecoversDegradedAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.idleAgent(t)

	_, err := f.registry.TransitionStatus(ctx, registry.TransitionRequest{
		AgentID: agent.ID, To: models.AgentStatusDegraded,
		Health: models.HealthDegraded, Reason: "missed heartbeats", TriggeredBy: "test",
	})
	require.NoError(t, err)

	ack, err := f.receiver.Receive(ctx, f.signed(t, agent.ID, 1))
	require.NoError(t, err)
	assert.True(t, ack.Received)

	got, err := f.store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusIdle, got.Status)

	history, err := f.registry.GetTransitionHistory(ctx, agent.ID, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "recovered", history[0].Reason)
}

func TestReceiveNeverRevivesFailedAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.idleAgent(t)

	_, err := f.registry.TransitionStatus(ctx, registry.TransitionRequest{
		AgentID: agent.ID, To: models.AgentStatusRunning, Reason: "assigned", TriggeredBy: "test",
	})
	require.NoError(t, err)
	_, err = f.registry.TransitionStatus(ctx, registry.TransitionRequest{
		AgentID: agent.ID, To: models.AgentStatusFailed,
		Health: models.HealthUnresponsive, Reason: "unresponsive", TriggeredBy: "test",
	})
	require.NoError(t, err)

	ack, err := f.receiver.Receive(ctx, f.signed(t, agent.ID, 9))
	require.NoError(t, err)
	assert.True(t, ack.Received)

	got, err := f.store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusFailed, got.Status)
}

func TestEscalationLadder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.idleAgent(t)

	_, err := f.receiver.Receive(ctx, f.signed(t, agent.ID, 1))
	require.NoError(t, err)

	// First overdue scan: warn, no status change.
	f.clock.Advance(31 * time.Second)
	escalations, err := f.receiver.CheckMissedHeartbeats(ctx)
	require.NoError(t, err)
	require.Len(t, escalations, 1)
	assert.Equal(t, config.LevelWarn, escalations[0].Level)
	assert.Equal(t, 1, escalations[0].MissedCount)

	got, err := f.store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusIdle, got.Status)

	// Second: DEGRADED.
	f.clock.Advance(31 * time.Second)
	escalations, err = f.receiver.CheckMissedHeartbeats(ctx)
	require.NoError(t, err)
	require.Len(t, escalations, 1)
	assert.Equal(t, config.LevelDegraded, escalations[0].Level)

	got, err = f.store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusDegraded, got.Status)
	assert.Equal(t, models.HealthDegraded, got.Health)

	// Third: FAILED, unresponsive, restart signal in the payload.
	f.clock.Advance(31 * time.Second)
	escalations, err = f.receiver.CheckMissedHeartbeats(ctx)
	require.NoError(t, err)
	require.Len(t, escalations, 1)
	assert.Equal(t, config.LevelUnresponsive, escalations[0].Level)
	assert.Equal(t, 3, escalations[0].MissedCount)

	got, err = f.store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusFailed, got.Status)
	assert.Equal(t, models.HealthUnresponsive, got.Health)

	missed := f.heartbeatEvents(t, events.EventHeartbeatMissed)
	require.Len(t, missed, 3)
	var payload events.HeartbeatMissedPayload
	require.NoError(t, events.Decode(missed[2], &payload))
	assert.Equal(t, config.LevelUnresponsive, payload.EscalationLevel)
	assert.Equal(t, "Initiate restart protocol", payload.Action)

	// A FAILED agent drops out of the scan.
	f.clock.Advance(31 * time.Second)
	escalations, err = f.receiver.CheckMissedHeartbeats(ctx)
	require.NoError(t, err)
	assert.Empty(t, escalations)
}

func TestCheckSkipsFreshAgents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.idleAgent(t)

	_, err := f.receiver.Receive(ctx, f.signed(t, agent.ID, 1))
	require.NoError(t, err)

	f.clock.Advance(10 * time.Second)
	escalations, err := f.receiver.CheckMissedHeartbeats(ctx)
	require.NoError(t, err)
	assert.Empty(t, escalations)
}

func TestEmitterSequencesAndIntervals(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := config.DefaultConfig().Heartbeat

	e := NewEmitter("worker-1", models.AgentKindWorker, cfg, clk)
	first, err := e.Next(models.AgentStatusIdle, "", nil)
	require.NoError(t, err)
	second, err := e.Next(models.AgentStatusRunning, "t-1", map[string]float64{"cpu": 0.2})
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.SequenceNumber)
	assert.Equal(t, int64(2), second.SequenceNumber)
	assert.True(t, Verify(first))
	assert.True(t, Verify(second))

	assert.Equal(t, 30*time.Second, e.Interval(models.AgentStatusIdle))
	assert.Equal(t, 15*time.Second, e.Interval(models.AgentStatusRunning))

	guardian := NewEmitter("g-1", models.AgentKindGuardian, cfg, clk)
	assert.Equal(t, 60*time.Second, guardian.Interval(models.AgentStatusRunning))

	watchdog := NewEmitter("w-1", models.AgentKindWatchdog, cfg, clk)
	assert.Equal(t, 15*time.Second, watchdog.Interval(models.AgentStatusIdle))
}
