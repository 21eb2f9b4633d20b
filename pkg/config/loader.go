package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, merges, and validates configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Start from built-in defaults
//  2. Read the YAML file at path (missing file is fine: pure defaults)
//  3. Expand environment variables in the file body
//  4. Merge user values over the defaults
//  5. Validate the result
func Initialize(_ context.Context, path string) (*Config, error) {
	log := slog.With("config_file", path)

	cfg, err := load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized",
		"dispatch_mode", cfg.Dispatcher.Mode,
		"heartbeat_ttl_idle", cfg.Heartbeat.TTLIdleSeconds,
		"restart_max_attempts", cfg.Restart.MaxAttempts,
		"spawn_max_concurrent", cfg.Spawn.MaxConcurrent)

	return cfg, nil
}

// load reads and merges the user file over the defaults.
func load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Info("Configuration file not found, using defaults", "config_file", path)
			return cfg, nil
		}
		return nil, &LoadError{File: path, Err: err}
	}

	var user Config
	if err := yaml.Unmarshal(ExpandEnv(data), &user); err != nil {
		return nil, &LoadError{File: path, Err: fmt.Errorf("%w: %v", ErrInvalidYAML, err)}
	}

	// User values override defaults; zero-valued user fields keep the
	// default (explicit false survives via pointer fields).
	if err := mergo.Merge(cfg, &user, mergo.WithOverride); err != nil {
		return nil, &LoadError{File: path, Err: err}
	}

	return cfg, nil
}
