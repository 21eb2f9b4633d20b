package config

import "fmt"

// validate checks the merged configuration for values that would make
// the control loops misbehave (zero cadences, inverted bounds, unknown
// enum values).
func validate(cfg *Config) error {
	if !cfg.Dispatcher.Mode.IsValid() {
		return NewValidationError("dispatcher", "mode",
			fmt.Errorf("%w: %q (want in_registry or sandbox)", ErrInvalidValue, cfg.Dispatcher.Mode))
	}
	if cfg.Dispatcher.PollIntervalSeconds <= 0 {
		return NewValidationError("dispatcher", "poll_interval_seconds", positive(cfg.Dispatcher.PollIntervalSeconds))
	}

	if cfg.Heartbeat.TTLIdleSeconds <= 0 {
		return NewValidationError("heartbeat", "ttl_idle_seconds", positive(cfg.Heartbeat.TTLIdleSeconds))
	}
	if cfg.Heartbeat.TTLRunningSeconds <= 0 {
		return NewValidationError("heartbeat", "ttl_running_seconds", positive(cfg.Heartbeat.TTLRunningSeconds))
	}
	if cfg.Heartbeat.TTLGuardianSeconds <= 0 {
		return NewValidationError("heartbeat", "ttl_guardian_seconds", positive(cfg.Heartbeat.TTLGuardianSeconds))
	}
	if len(cfg.Heartbeat.EscalationThresholds) == 0 {
		return NewValidationError("heartbeat", "escalation_thresholds",
			fmt.Errorf("%w: must not be empty", ErrInvalidValue))
	}
	for threshold, level := range cfg.Heartbeat.EscalationThresholds {
		if threshold <= 0 {
			return NewValidationError("heartbeat", "escalation_thresholds",
				fmt.Errorf("%w: threshold %d must be positive", ErrInvalidValue, threshold))
		}
		switch level {
		case LevelWarn, LevelDegraded, LevelUnresponsive:
		default:
			return NewValidationError("heartbeat", "escalation_thresholds",
				fmt.Errorf("%w: unknown level %q", ErrInvalidValue, level))
		}
	}

	if cfg.Restart.CooldownSeconds <= 0 {
		return NewValidationError("restart", "cooldown_seconds", positive(cfg.Restart.CooldownSeconds))
	}
	if cfg.Restart.MaxAttempts <= 0 {
		return NewValidationError("restart", "max_attempts", positive(cfg.Restart.MaxAttempts))
	}

	if cfg.Retry.BaseDelaySeconds <= 0 {
		return NewValidationError("retry", "base_delay_seconds",
			fmt.Errorf("%w: must be positive, got %v", ErrInvalidValue, cfg.Retry.BaseDelaySeconds))
	}
	if cfg.Retry.MaxDelaySeconds < cfg.Retry.BaseDelaySeconds {
		return NewValidationError("retry", "max_delay_seconds",
			fmt.Errorf("%w: must be >= base_delay_seconds", ErrInvalidValue))
	}
	if cfg.Retry.MaxRetriesDefault < 0 {
		return NewValidationError("retry", "max_retries_default",
			fmt.Errorf("%w: must not be negative, got %d", ErrInvalidValue, cfg.Retry.MaxRetriesDefault))
	}

	if cfg.Timeouts.DefaultTaskSeconds <= 0 {
		return NewValidationError("timeouts", "default_task_seconds", positive(cfg.Timeouts.DefaultTaskSeconds))
	}

	if cfg.Supervisor.Diagnostic.CooldownSeconds <= 0 {
		return NewValidationError("supervisor", "diagnostic.cooldown_seconds", positive(cfg.Supervisor.Diagnostic.CooldownSeconds))
	}
	if cfg.Supervisor.Diagnostic.MinStuckSeconds <= 0 {
		return NewValidationError("supervisor", "diagnostic.min_stuck_seconds", positive(cfg.Supervisor.Diagnostic.MinStuckSeconds))
	}
	if cfg.Supervisor.Anomaly.Threshold <= 0 || cfg.Supervisor.Anomaly.Threshold > 1 {
		return NewValidationError("supervisor", "anomaly.threshold",
			fmt.Errorf("%w: must be in (0, 1], got %v", ErrInvalidValue, cfg.Supervisor.Anomaly.Threshold))
	}
	if cfg.Supervisor.Anomaly.ConsecutiveReadings <= 0 {
		return NewValidationError("supervisor", "anomaly.consecutive_readings", positive(cfg.Supervisor.Anomaly.ConsecutiveReadings))
	}
	if cfg.Supervisor.Blocking.ThresholdSeconds <= 0 {
		return NewValidationError("supervisor", "blocking.threshold_seconds", positive(cfg.Supervisor.Blocking.ThresholdSeconds))
	}
	if cfg.Supervisor.Approval.PollSeconds <= 0 {
		return NewValidationError("supervisor", "approval.poll_seconds", positive(cfg.Supervisor.Approval.PollSeconds))
	}

	if cfg.Spawn.MaxConcurrent <= 0 {
		return NewValidationError("spawn", "max_concurrent", positive(cfg.Spawn.MaxConcurrent))
	}

	return nil
}

func positive(got int) error {
	return fmt.Errorf("%w: must be positive, got %d", ErrInvalidValue, got)
}
