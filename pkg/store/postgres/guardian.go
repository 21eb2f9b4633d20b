package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentfleet/fleetd/pkg/models"
	"github.com/agentfleet/fleetd/pkg/store"
)

func (s *Store) CreateCoordinationPoint(ctx context.Context, p *models.CoordinationPoint) error {
	taskIDs, err := jsonArray(p.TaskIDs)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO coordination_points
		 (id, type, task_ids, required_count, continuation_task_id, strategy, timeout_seconds, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		p.ID, p.Type, taskIDs, p.RequiredCount, p.ContinuationTaskID, p.Strategy, p.TimeoutSeconds, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert coordination point: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrAlreadyExists
	}
	return nil
}

func (s *Store) GetCoordinationPoint(ctx context.Context, id string) (*models.CoordinationPoint, error) {
	var (
		p       models.CoordinationPoint
		taskIDs []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, type, task_ids, required_count, continuation_task_id, strategy, timeout_seconds, created_at
		 FROM coordination_points WHERE id = $1`, id).
		Scan(&p.ID, &p.Type, &taskIDs, &p.RequiredCount, &p.ContinuationTaskID, &p.Strategy, &p.TimeoutSeconds, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get coordination point: %w", err)
	}
	if err := unmarshalArray(taskIDs, &p.TaskIDs); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) InsertGuardianAction(ctx context.Context, a *models.GuardianAction, evs ...models.SystemEvent) error {
	before, err := jsonNullable(a.Before)
	if err != nil {
		return err
	}
	after, err := jsonNullable(a.After)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO guardian_actions
			 (id, action_type, target, reason, initiated_by, authority_level,
			  before_state, after_state, routed, executed_at, reverted_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			a.ID, a.ActionType, a.Target, a.Reason, a.InitiatedBy, int(a.Authority),
			before, after, a.Routed, a.ExecutedAt, a.RevertedAt)
		if err != nil {
			return fmt.Errorf("insert guardian action: %w", err)
		}
		return appendEvents(ctx, tx, evs)
	})
}

func (s *Store) InsertRestartAttempt(ctx context.Context, r *models.RestartAttempt) error {
	taskIDs, err := jsonArray(r.ReassignedTaskIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO restart_attempts
		 (id, agent_id, replacement_agent_id, reason, initiated_by, reassigned_task_ids, initiated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.AgentID, r.ReplacementAgentID, r.Reason, r.InitiatedBy, taskIDs, r.InitiatedAt)
	if err != nil {
		return fmt.Errorf("insert restart attempt: %w", err)
	}
	return nil
}

func (s *Store) CountRestarts(ctx context.Context, agentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM restart_attempts WHERE agent_id = $1`, agentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count restarts: %w", err)
	}
	return n, nil
}

func (s *Store) LastRestartAt(ctx context.Context, agentID string) (*time.Time, error) {
	var at sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(initiated_at) FROM restart_attempts WHERE agent_id = $1`, agentID).Scan(&at)
	if err != nil {
		return nil, fmt.Errorf("last restart: %w", err)
	}
	if !at.Valid {
		return nil, nil
	}
	t := at.Time
	return &t, nil
}

func (s *Store) GetCooldown(ctx context.Context, scope, entityID string) (*models.Cooldown, error) {
	var c models.Cooldown
	err := s.db.QueryRowContext(ctx,
		`SELECT scope, entity_id, expires_at FROM cooldowns WHERE scope = $1 AND entity_id = $2`,
		scope, entityID).Scan(&c.Scope, &c.EntityID, &c.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cooldown: %w", err)
	}
	return &c, nil
}

func (s *Store) SetCooldown(ctx context.Context, scope, entityID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cooldowns (scope, entity_id, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (scope, entity_id) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		scope, entityID, expiresAt)
	if err != nil {
		return fmt.Errorf("set cooldown: %w", err)
	}
	return nil
}
