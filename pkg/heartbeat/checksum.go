// Package heartbeat implements the agent liveness protocol: checksummed
// sequence-numbered heartbeats, gap detection, and the missed-heartbeat
// escalation ladder.
package heartbeat

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/agentfleet/fleetd/pkg/models"
)

// Checksum computes the hex-lowercase SHA-256 of the message's canonical
// JSON form: every field except the checksum itself, keys sorted. The
// canonical form is produced by round-tripping through a map, which
// encoding/json always marshals with sorted keys.
func Checksum(msg models.HeartbeatMessage) (string, error) {
	msg.Checksum = ""

	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	var canonical map[string]any
	if err := json.Unmarshal(data, &canonical); err != nil {
		return "", err
	}
	delete(canonical, "checksum")

	data, err = json.Marshal(canonical)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Sign fills in the message's checksum.
func Sign(msg *models.HeartbeatMessage) error {
	sum, err := Checksum(*msg)
	if err != nil {
		return err
	}
	msg.Checksum = sum
	return nil
}

// Verify recomputes the checksum and compares it to the carried one.
func Verify(msg models.HeartbeatMessage) bool {
	sum, err := Checksum(msg)
	if err != nil {
		return false
	}
	return sum == msg.Checksum
}
