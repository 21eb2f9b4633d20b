package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/agentfleet/fleetd/pkg/models"
	"github.com/agentfleet/fleetd/pkg/store"
)

const agentColumns = `id, kind, phase, capabilities, capacity, status, health,
	last_heartbeat, current_sequence, expected_next_sequence,
	consecutive_missed, assignments_total, tags, metadata, created_at, updated_at`

func scanAgent(row scanner) (*models.Agent, error) {
	var (
		a          models.Agent
		caps, tags []byte
		meta       []byte
		hb         sql.NullTime
	)
	err := row.Scan(&a.ID, &a.Kind, &a.Phase, &caps, &a.Capacity, &a.Status, &a.Health,
		&hb, &a.CurrentSequence, &a.ExpectedNextSequence,
		&a.ConsecutiveMissed, &a.AssignmentsTotal, &tags, &meta, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if hb.Valid {
		t := hb.Time
		a.LastHeartbeat = &t
	}
	if err := unmarshalArray(caps, &a.Capabilities); err != nil {
		return nil, err
	}
	if err := unmarshalArray(tags, &a.Tags); err != nil {
		return nil, err
	}
	if err := unmarshalObject(meta, &a.Metadata); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) CreateAgent(ctx context.Context, a *models.Agent) error {
	caps, err := jsonArray(a.Capabilities)
	if err != nil {
		return err
	}
	tags, err := jsonArray(a.Tags)
	if err != nil {
		return err
	}
	meta, err := jsonObject(a.Metadata)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, kind, phase, capabilities, capacity, status, health,
			last_heartbeat, current_sequence, expected_next_sequence,
			consecutive_missed, assignments_total, tags, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (id) DO NOTHING`,
		a.ID, a.Kind, a.Phase, caps, a.Capacity, a.Status, a.Health,
		a.LastHeartbeat, a.CurrentSequence, a.ExpectedNextSequence,
		a.ConsecutiveMissed, a.AssignmentsTotal, tags, meta, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
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

func (s *Store) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *Store) ListAgents(ctx context.Context, f store.AgentFilter) ([]*models.Agent, error) {
	var (
		conds []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			args = append(args, st)
			ph[i] = fmt.Sprintf("$%d", len(args))
		}
		conds = append(conds, "status IN ("+strings.Join(ph, ", ")+")")
	}
	if f.Kind != "" {
		args = append(args, f.Kind)
		conds = append(conds, fmt.Sprintf("kind = $%d", len(args)))
	}
	if f.Phase != "" {
		args = append(args, f.Phase)
		conds = append(conds, fmt.Sprintf("phase = $%d", len(args)))
	}

	query := `SELECT ` + agentColumns + ` FROM agents`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) TransitionAgent(ctx context.Context, p store.TransitionParams, evs ...models.SystemEvent) (*models.Agent, error) {
	var out *models.Agent
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		a, err := scanAgent(tx.QueryRowContext(ctx,
			`UPDATE agents
			 SET status = $1,
			     health = COALESCE(NULLIF($2, ''), health),
			     updated_at = $3
			 WHERE id = $4 AND status = $5
			 RETURNING `+agentColumns,
			p.To, string(p.Health), p.At, p.AgentID, p.From))
		if errors.Is(err, sql.ErrNoRows) {
			var exists bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM agents WHERE id = $1)`, p.AgentID).Scan(&exists); err != nil {
				return fmt.Errorf("check agent existence: %w", err)
			}
			if !exists {
				return store.ErrNotFound
			}
			return store.ErrConflict
		}
		if err != nil {
			return fmt.Errorf("transition agent: %w", err)
		}

		meta, err := jsonObject(p.Metadata)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO agent_status_transitions
			 (id, agent_id, from_status, to_status, reason, triggered_by, task_id, forced, metadata, occurred_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			uuid.NewString(), p.AgentID, p.From, p.To, p.Reason, p.TriggeredBy, p.TaskID, p.Forced, meta, p.At)
		if err != nil {
			return fmt.Errorf("insert status transition: %w", err)
		}

		if err := appendEvents(ctx, tx, evs); err != nil {
			return err
		}
		out = a
		return nil
	})
	return out, err
}

func (s *Store) ListTransitions(ctx context.Context, agentID string, limit int) ([]*models.AgentStatusTransition, error) {
	query := `SELECT id, agent_id, from_status, to_status, reason, triggered_by, task_id, forced, metadata, occurred_at
	          FROM agent_status_transitions
	          WHERE agent_id = $1
	          ORDER BY occurred_at DESC`
	args := []any{agentID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []*models.AgentStatusTransition
	for rows.Next() {
		var (
			t    models.AgentStatusTransition
			meta []byte
		)
		if err := rows.Scan(&t.ID, &t.AgentID, &t.From, &t.To, &t.Reason,
			&t.TriggeredBy, &t.TaskID, &t.Forced, &meta, &t.At); err != nil {
			return nil, err
		}
		if err := unmarshalObject(meta, &t.Metadata); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *Store) RecordHeartbeat(ctx context.Context, agentID string, u store.HeartbeatUpdate, evs ...models.SystemEvent) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE agents
			 SET last_heartbeat = $1,
			     current_sequence = $2,
			     expected_next_sequence = $3,
			     consecutive_missed = 0,
			     health = COALESCE(NULLIF($4, ''), health),
			     updated_at = $1
			 WHERE id = $5`,
			u.LastHeartbeat, u.CurrentSequence, u.ExpectedNextSequence, string(u.Health), agentID)
		if err != nil {
			return fmt.Errorf("record heartbeat: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return store.ErrNotFound
		}
		return appendEvents(ctx, tx, evs)
	})
}

func (s *Store) IncrementMissed(ctx context.Context, agentID string, evs ...models.SystemEvent) (int, error) {
	var missed int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`UPDATE agents SET consecutive_missed = consecutive_missed + 1
			 WHERE id = $1
			 RETURNING consecutive_missed`, agentID).Scan(&missed)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("increment missed: %w", err)
		}
		return appendEvents(ctx, tx, evs)
	})
	return missed, err
}

func (s *Store) IncrementAssignments(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET assignments_total = assignments_total + 1 WHERE id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("increment assignments: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CountAgentTasks(ctx context.Context, agentID string, statuses []models.TaskStatus) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	args := []any{agentID}
	ph := make([]string, len(statuses))
	for i, st := range statuses {
		args = append(args, st)
		ph[i] = fmt.Sprintf("$%d", len(args))
	}

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE assigned_agent_id = $1 AND status IN (`+strings.Join(ph, ", ")+`)`,
		args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count agent tasks: %w", err)
	}
	return n, nil
}
