package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// HealthStatus is a point-in-time connectivity check with pool counters.
type HealthStatus struct {
	Status       string    `json:"status"`
	ResponseTime int64     `json:"response_time_ms"`
	Pool         PoolStats `json:"pool"`
}

// PoolStats carries the sql.DBStats counters worth exposing.
type PoolStats struct {
	Open       int   `json:"open"`
	InUse      int   `json:"in_use"`
	Idle       int   `json:"idle"`
	WaitCount  int64 `json:"wait_count"`
	WaitMillis int64 `json:"wait_ms"`
	MaxOpen    int   `json:"max_open"`
}

// Health pings the database and snapshots the connection pool.
func Health(ctx context.Context, db *sql.DB) (*HealthStatus, error) {
	started := time.Now()

	if err := db.PingContext(ctx); err != nil {
		return &HealthStatus{
			Status:       "unhealthy",
			ResponseTime: time.Since(started).Milliseconds(),
		}, fmt.Errorf("database ping: %w", err)
	}

	s := db.Stats()
	return &HealthStatus{
		Status:       "healthy",
		ResponseTime: time.Since(started).Milliseconds(),
		Pool: PoolStats{
			Open:       s.OpenConnections,
			InUse:      s.InUse,
			Idle:       s.Idle,
			WaitCount:  s.WaitCount,
			WaitMillis: s.WaitDuration.Milliseconds(),
			MaxOpen:    s.MaxOpenConnections,
		},
	}, nil
}
