package config

// Escalation levels applied by the missed-heartbeat ladder.
const (
	LevelWarn         = "warn"
	LevelDegraded     = "degraded"
	LevelUnresponsive = "unresponsive"
)

// DefaultConfig returns the built-in configuration. User YAML is merged
// over this, so every field here must hold a usable production value.
func DefaultConfig() *Config {
	return &Config{
		Dispatcher: DispatcherConfig{
			Mode:                DispatchInRegistry,
			PollIntervalSeconds: 10,
		},
		Heartbeat: HeartbeatConfig{
			TTLIdleSeconds:     30,
			TTLRunningSeconds:  15,
			TTLGuardianSeconds: 60,
			EscalationThresholds: map[int]string{
				1: LevelWarn,
				2: LevelDegraded,
				3: LevelUnresponsive,
			},
		},
		Restart: RestartConfig{
			CooldownSeconds: 60,
			MaxAttempts:     3,
		},
		Retry: RetryConfig{
			BaseDelaySeconds:  1,
			MaxDelaySeconds:   60,
			MaxRetriesDefault: 3,
			RetryableSubstrings: []string{
				"timeout",
				"connection",
				"rate limit",
				"unavailable",
				"temporary",
			},
		},
		Timeouts: TimeoutsConfig{
			DefaultTaskSeconds: 600,
		},
		Supervisor: SupervisorConfig{
			Diagnostic: DiagnosticConfig{
				CooldownSeconds: 300,
				MinStuckSeconds: 900,
			},
			Anomaly: AnomalyConfig{
				Threshold:           0.8,
				ConsecutiveReadings: 3,
			},
			Blocking: BlockingConfig{
				ThresholdSeconds: 1800,
			},
			Approval: ApprovalConfig{
				PollSeconds: 10,
			},
		},
		Spawn: SpawnConfig{
			MaxConcurrent: 8,
		},
	}
}
