// Package config loads and validates the fleetd runtime configuration.
//
// Configuration comes from a single YAML file merged over built-in
// defaults; every key is optional. Environment variables are expanded
// in the file body before parsing.
package config

import (
	"time"

	"github.com/agentfleet/fleetd/pkg/models"
)

// DispatchMode selects how the dispatcher executes assigned tasks.
type DispatchMode string

const (
	// DispatchInRegistry hands tasks to agents already registered in-process.
	DispatchInRegistry DispatchMode = "in_registry"
	// DispatchSandbox spawns an isolated sandbox per task via the runtime.
	DispatchSandbox DispatchMode = "sandbox"
)

// IsValid reports whether the mode is one of the recognized dispatch modes.
func (m DispatchMode) IsValid() bool {
	return m == DispatchInRegistry || m == DispatchSandbox
}

// Config is the full runtime configuration surface.
type Config struct {
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Heartbeat  HeartbeatConfig  `yaml:"heartbeat"`
	Restart    RestartConfig    `yaml:"restart"`
	Retry      RetryConfig      `yaml:"retry"`
	Timeouts   TimeoutsConfig   `yaml:"timeouts"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Spawn      SpawnConfig      `yaml:"spawn"`
}

// DispatcherConfig controls the task dispatch loop.
type DispatcherConfig struct {
	Mode                DispatchMode `yaml:"mode"`
	PollIntervalSeconds int          `yaml:"poll_interval_seconds"`
}

// PollInterval returns the idle poll cadence as a duration.
func (c DispatcherConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// HeartbeatConfig controls heartbeat TTLs and the escalation ladder.
type HeartbeatConfig struct {
	TTLIdleSeconds     int `yaml:"ttl_idle_seconds"`
	TTLRunningSeconds  int `yaml:"ttl_running_seconds"`
	TTLGuardianSeconds int `yaml:"ttl_guardian_seconds"`

	// EscalationThresholds maps a consecutive-missed count to the
	// escalation level applied when the counter reaches it.
	EscalationThresholds map[int]string `yaml:"escalation_thresholds"`
}

// TTLFor returns the heartbeat deadline for an agent given its current
// status and kind. Guardians report on a slower cadence regardless of
// status; running agents are held to the tightest deadline.
func (c HeartbeatConfig) TTLFor(status models.AgentStatus, kind models.AgentKind) time.Duration {
	switch {
	case kind == models.AgentKindGuardian:
		return time.Duration(c.TTLGuardianSeconds) * time.Second
	case status == models.AgentStatusRunning:
		return time.Duration(c.TTLRunningSeconds) * time.Second
	default:
		return time.Duration(c.TTLIdleSeconds) * time.Second
	}
}

// LevelFor returns the escalation level for a consecutive-missed count:
// the level of the highest configured threshold that the count has
// reached, or "" when the count is below every threshold.
func (c HeartbeatConfig) LevelFor(missed int) string {
	best := 0
	level := ""
	for threshold, l := range c.EscalationThresholds {
		if missed >= threshold && threshold > best {
			best = threshold
			level = l
		}
	}
	return level
}

// RestartConfig bounds the restart orchestrator.
type RestartConfig struct {
	CooldownSeconds int `yaml:"cooldown_seconds"`
	MaxAttempts     int `yaml:"max_attempts"`
}

// Cooldown returns the minimum interval between restarts of one agent.
func (c RestartConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// RetryConfig controls the failed-task retry policy.
type RetryConfig struct {
	BaseDelaySeconds    float64  `yaml:"base_delay_seconds"`
	MaxDelaySeconds     float64  `yaml:"max_delay_seconds"`
	MaxRetriesDefault   int      `yaml:"max_retries_default"`
	RetryableSubstrings []string `yaml:"retryable_substrings"`
}

// TimeoutsConfig holds task execution deadlines.
type TimeoutsConfig struct {
	DefaultTaskSeconds int `yaml:"default_task_seconds"`
}

// SupervisorConfig groups the background supervisor loop settings.
type SupervisorConfig struct {
	Diagnostic DiagnosticConfig `yaml:"diagnostic"`
	Anomaly    AnomalyConfig    `yaml:"anomaly"`
	Blocking   BlockingConfig   `yaml:"blocking"`
	Approval   ApprovalConfig   `yaml:"approval"`
}

// DiagnosticConfig gates the stuck-workflow detector. Enabled is a
// pointer so an explicit `enabled: false` survives the defaults merge.
type DiagnosticConfig struct {
	Enabled         *bool `yaml:"enabled"`
	CooldownSeconds int   `yaml:"cooldown_seconds"`
	MinStuckSeconds int   `yaml:"min_stuck_seconds"`
}

// IsEnabled reports whether diagnostic spawning is on (default true).
func (c DiagnosticConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Cooldown returns the per-workflow cooldown between diagnostic spawns.
func (c DiagnosticConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// MinStuck returns the inactivity window before a ticket counts as stuck.
func (c DiagnosticConfig) MinStuck() time.Duration {
	return time.Duration(c.MinStuckSeconds) * time.Second
}

// AnomalyConfig controls the anomaly scoring loop.
type AnomalyConfig struct {
	Threshold           float64 `yaml:"threshold"`
	ConsecutiveReadings int     `yaml:"consecutive_readings"`
}

// BlockingConfig controls the blocked-ticket detector.
type BlockingConfig struct {
	ThresholdSeconds int `yaml:"threshold_seconds"`
}

// Threshold returns the no-progress window before a ticket is blocked.
func (c BlockingConfig) Threshold() time.Duration {
	return time.Duration(c.ThresholdSeconds) * time.Second
}

// ApprovalConfig controls the approval-timeout poller.
type ApprovalConfig struct {
	PollSeconds int `yaml:"poll_seconds"`
}

// PollInterval returns the approval poll cadence as a duration.
func (c ApprovalConfig) PollInterval() time.Duration {
	return time.Duration(c.PollSeconds) * time.Second
}

// SpawnConfig bounds concurrent sandbox spawns.
type SpawnConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
}
