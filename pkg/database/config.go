package database

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// LoadConfigFromEnv reads connection settings from DB_* environment
// variables. Credentials are never validated here; a bad host or
// password surfaces as a connect error from NewClient.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		Host:     envString("DB_HOST", "localhost"),
		User:     envString("DB_USER", "fleetd"),
		Password: os.Getenv("DB_PASSWORD"),
		Database: envString("DB_NAME", "fleetd"),
		SSLMode:  envString("DB_SSLMODE", "disable"),

		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}

	var err error
	if cfg.Port, err = envInt("DB_PORT", 5432); err != nil {
		return Config{}, err
	}
	if cfg.MaxOpenConns, err = envInt("DB_MAX_OPEN_CONNS", 10); err != nil {
		return Config{}, err
	}
	if cfg.MaxIdleConns, err = envInt("DB_MAX_IDLE_CONNS", 5); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}
