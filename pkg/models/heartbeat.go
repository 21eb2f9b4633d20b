package models

// HeartbeatMessage is the transport payload emitted by agents.
// Checksum is the hex-lowercase SHA-256 of the canonical JSON (UTF-8,
// sorted keys) of all other fields — see pkg/heartbeat.
type HeartbeatMessage struct {
	AgentID        string             `json:"agent_id"`
	Timestamp      string             `json:"timestamp"`
	SequenceNumber int64              `json:"sequence_number"`
	Status         string             `json:"status"`
	CurrentTaskID  string             `json:"current_task_id,omitempty"`
	HealthMetrics  map[string]float64 `json:"health_metrics,omitempty"`
	Checksum       string             `json:"checksum"`
}

// HeartbeatAck is the receiver's reply to a heartbeat.
type HeartbeatAck struct {
	AgentID        string `json:"agent_id"`
	SequenceNumber int64  `json:"sequence_number"`
	Received       bool   `json:"received"`
	Message        string `json:"message,omitempty"`
}
