package heartbeat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/agentfleet/fleetd/pkg/models"
)

func TestSignAndVerify(t *testing.T) {
	msg := models.HeartbeatMessage{
		AgentID:        "worker-1",
		Timestamp:      "2026-03-01T12:00:00Z",
		SequenceNumber: 7,
		Status:         "RUNNING",
		CurrentTaskID:  "t-42",
		HealthMetrics:  map[string]float64{"cpu": 0.4, "mem": 0.6},
	}
	require.NoError(t, Sign(&msg))
	require.NotEmpty(t, msg.Checksum)
	assert.True(t, Verify(msg))

	tampered := msg
	tampered.SequenceNumber = 8
	assert.False(t, Verify(tampered))

	tampered = msg
	tampered.Checksum = "deadbeef"
	assert.False(t, Verify(tampered))
}

func TestChecksumIgnoresCarriedChecksum(t *testing.T) {
	msg := models.HeartbeatMessage{AgentID: "a", SequenceNumber: 1, Status: "IDLE"}

	bare, err := Checksum(msg)
	require.NoError(t, err)

	msg.Checksum = "something-stale"
	carried, err := Checksum(msg)
	require.NoError(t, err)
	assert.Equal(t, bare, carried)
}

// Any signed message verifies, and any single-field mutation breaks
// verification.
func TestChecksumProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		msg := models.HeartbeatMessage{
			AgentID:        rapid.StringMatching(`[a-z]{1,8}-[0-9]{1,4}`).Draw(rt, "agent_id"),
			Timestamp:      rapid.StringMatching(`2026-0[1-9]-[0-2][0-9]T[0-1][0-9]:00:00Z`).Draw(rt, "ts"),
			SequenceNumber: rapid.Int64Range(1, 1<<40).Draw(rt, "seq"),
			Status:         rapid.SampledFrom([]string{"IDLE", "RUNNING", "DEGRADED"}).Draw(rt, "status"),
		}
		if rapid.Bool().Draw(rt, "with_metrics") {
			msg.HealthMetrics = map[string]float64{
				"cpu": rapid.Float64Range(0, 1).Draw(rt, "cpu"),
			}
		}
		if err := Sign(&msg); err != nil {
			rt.Fatalf("sign: %v", err)
		}
		if !Verify(msg) {
			rt.Fatalf("signed message failed verification")
		}

		mutated := msg
		mutated.SequenceNumber++
		if Verify(mutated) {
			rt.Fatalf("mutated message passed verification")
		}
	})
}
