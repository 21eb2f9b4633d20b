package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentfleet/fleetd/pkg/models"
	"github.com/agentfleet/fleetd/pkg/store"
)

const taskColumns = `id, ticket_id, phase, type, description, priority, status,
	assigned_agent_id, sandbox_id, required_capabilities, dependencies,
	retry_count, max_retries, timeout_seconds, error_message, result,
	execution_config, conversation_id, persistence_dir, created_at, started_at, completed_at`

// taskOrder sorts by priority weight desc, then age, then id for
// determinism when created_at collides.
const taskOrder = `ORDER BY CASE priority
		WHEN 'critical' THEN 4
		WHEN 'high' THEN 3
		WHEN 'medium' THEN 2
		WHEN 'low' THEN 1
		ELSE 0 END DESC,
	created_at ASC, id ASC`

func scanTask(row scanner) (*models.Task, error) {
	var (
		t                  models.Task
		reqCaps, deps      []byte
		result, execConfig []byte
		startedAt          sql.NullTime
		completedAt        sql.NullTime
	)
	err := row.Scan(&t.ID, &t.TicketID, &t.Phase, &t.Type, &t.Description, &t.Priority, &t.Status,
		&t.AssignedAgentID, &t.SandboxID, &reqCaps, &deps,
		&t.RetryCount, &t.MaxRetries, &t.TimeoutSeconds, &t.ErrorMessage, &result,
		&execConfig, &t.ConversationID, &t.PersistenceDir, &t.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		at := startedAt.Time
		t.StartedAt = &at
	}
	if completedAt.Valid {
		at := completedAt.Time
		t.CompletedAt = &at
	}
	if err := unmarshalArray(reqCaps, &t.RequiredCaps); err != nil {
		return nil, err
	}
	if err := unmarshalArray(deps, &t.Dependencies); err != nil {
		return nil, err
	}
	if err := unmarshalObject(result, &t.Result); err != nil {
		return nil, err
	}
	if err := unmarshalObject(execConfig, &t.ExecutionConfig); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) CreateTask(ctx context.Context, t *models.Task, evs ...models.SystemEvent) error {
	reqCaps, err := jsonArray(t.RequiredCaps)
	if err != nil {
		return err
	}
	deps, err := jsonArray(t.Dependencies)
	if err != nil {
		return err
	}
	result, err := jsonNullable(t.Result)
	if err != nil {
		return err
	}
	execConfig, err := jsonNullable(t.ExecutionConfig)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, dep := range t.Dependencies {
			var exists bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, dep).Scan(&exists); err != nil {
				return fmt.Errorf("check dependency: %w", err)
			}
			if !exists {
				return store.ErrNotFound
			}
			if dep == t.ID {
				return store.ErrCircularDependency
			}
			reachable, err := dependencyReachable(ctx, tx, dep, t.ID)
			if err != nil {
				return err
			}
			if reachable {
				return store.ErrCircularDependency
			}
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO tasks (id, ticket_id, phase, type, description, priority, status,
				assigned_agent_id, sandbox_id, required_capabilities, dependencies,
				retry_count, max_retries, timeout_seconds, error_message, result,
				execution_config, conversation_id, persistence_dir, created_at, started_at, completed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
			 ON CONFLICT (id) DO NOTHING`,
			t.ID, t.TicketID, t.Phase, t.Type, t.Description, t.Priority, t.Status,
			t.AssignedAgentID, t.SandboxID, reqCaps, deps,
			t.RetryCount, t.MaxRetries, t.TimeoutSeconds, t.ErrorMessage, result,
			execConfig, t.ConversationID, t.PersistenceDir, t.CreatedAt, t.StartedAt, t.CompletedAt)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return store.ErrAlreadyExists
		}
		return appendEvents(ctx, tx, evs)
	})
}

// dependencyReachable walks dependency edges from start and reports
// whether target is reachable.
func dependencyReachable(ctx context.Context, q querier, start, target string) (bool, error) {
	var reachable bool
	err := q.QueryRowContext(ctx,
		`WITH RECURSIVE reach(id) AS (
			SELECT dep FROM tasks t, jsonb_array_elements_text(t.dependencies) AS dep
			WHERE t.id = $1
		UNION
			SELECT dep FROM reach r
			JOIN tasks t ON t.id = r.id
			CROSS JOIN LATERAL jsonb_array_elements_text(t.dependencies) AS dep
		)
		SELECT EXISTS (SELECT 1 FROM reach WHERE id = $2)`,
		start, target).Scan(&reachable)
	if err != nil {
		return false, fmt.Errorf("dependency reachability: %w", err)
	}
	return reachable, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *Store) GetTasks(ctx context.Context, ids []string) ([]*models.Task, error) {
	out := make([]*models.Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) ListTasks(ctx context.Context, f store.TaskFilter) ([]*models.Task, error) {
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
	if f.TicketID != "" {
		args = append(args, f.TicketID)
		conds = append(conds, fmt.Sprintf("ticket_id = $%d", len(args)))
	}
	if f.Phase != "" {
		args = append(args, f.Phase)
		conds = append(conds, fmt.Sprintf("phase = $%d", len(args)))
	}
	if f.AgentID != "" {
		args = append(args, f.AgentID)
		conds = append(conds, fmt.Sprintf("assigned_agent_id = $%d", len(args)))
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " " + taskOrder

	return s.queryTasks(ctx, query, args...)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) AddTaskDependency(ctx context.Context, taskID, dependsOn string) error {
	if taskID == dependsOn {
		return store.ErrCircularDependency
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		// Lock the task row so concurrent dependency edits serialize.
		var deps []byte
		err := tx.QueryRowContext(ctx,
			`SELECT dependencies FROM tasks WHERE id = $1 FOR UPDATE`, taskID).Scan(&deps)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock task: %w", err)
		}

		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, dependsOn).Scan(&exists); err != nil {
			return fmt.Errorf("check dependency: %w", err)
		}
		if !exists {
			return store.ErrNotFound
		}

		var current []string
		if err := unmarshalArray(deps, &current); err != nil {
			return err
		}
		for _, dep := range current {
			if dep == dependsOn {
				return nil
			}
		}

		reachable, err := dependencyReachable(ctx, tx, dependsOn, taskID)
		if err != nil {
			return err
		}
		if reachable {
			return store.ErrCircularDependency
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE tasks SET dependencies = dependencies || to_jsonb($2::text) WHERE id = $1`,
			taskID, dependsOn)
		if err != nil {
			return fmt.Errorf("add dependency: %w", err)
		}
		return nil
	})
}

func (s *Store) NextReadyTask(ctx context.Context, phase string, caps []string) (*models.Task, error) {
	conds := []string{
		"status = 'pending'",
		`NOT EXISTS (
			SELECT 1 FROM jsonb_array_elements_text(tasks.dependencies) AS dep
			LEFT JOIN tasks d ON d.id = dep
			WHERE d.id IS NULL OR d.status <> 'completed'
		)`,
	}
	var args []any
	if phase != "" {
		args = append(args, phase)
		conds = append(conds, fmt.Sprintf("phase = $%d", len(args)))
	}
	if caps != nil {
		offered, err := jsonArray(caps)
		if err != nil {
			return nil, err
		}
		args = append(args, offered)
		conds = append(conds, fmt.Sprintf("required_capabilities <@ $%d::jsonb", len(args)))
	}

	// SKIP LOCKED keeps racing dispatchers off a row another assignment
	// is mid-flight on; they fall through to the next candidate.
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` +
		strings.Join(conds, " AND ") + " " + taskOrder + " LIMIT 1 FOR UPDATE SKIP LOCKED"

	t, err := scanTask(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("next ready task: %w", err)
	}
	return t, nil
}

func (s *Store) AssignTask(ctx context.Context, taskID string, a store.Assignee, at time.Time, evs ...models.SystemEvent) (*models.Task, error) {
	var out *models.Task
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		t, err := scanTask(tx.QueryRowContext(ctx,
			`UPDATE tasks
			 SET status = 'assigned', assigned_agent_id = $2, sandbox_id = $3, started_at = $4
			 WHERE id = $1 AND status = 'pending'
			 RETURNING `+taskColumns,
			taskID, a.AgentID, a.SandboxID, at))
		if errors.Is(err, sql.ErrNoRows) {
			var exists bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, taskID).Scan(&exists); err != nil {
				return fmt.Errorf("check task existence: %w", err)
			}
			if !exists {
				return store.ErrNotFound
			}
			return store.ErrConflict
		}
		if err != nil {
			return fmt.Errorf("assign task: %w", err)
		}
		if err := appendEvents(ctx, tx, evs); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, from, to models.TaskStatus, u store.TaskUpdate, evs ...models.SystemEvent) (*models.Task, error) {
	var out *models.Task
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		t, err := lockTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != from {
			return store.ErrConflict
		}

		t.Status = to
		if u.Result != nil {
			t.Result = u.Result
		}
		if u.ErrorMessage != "" {
			t.ErrorMessage = u.ErrorMessage
		}
		if u.ConversationID != "" {
			t.ConversationID = u.ConversationID
		}
		if u.PersistenceDir != "" {
			t.PersistenceDir = u.PersistenceDir
		}
		if u.SandboxID != "" {
			t.SandboxID = u.SandboxID
		}
		if u.StartedAt != nil {
			t.StartedAt = u.StartedAt
		}
		if u.CompletedAt != nil {
			t.CompletedAt = u.CompletedAt
		}

		if err := writeTask(ctx, tx, t); err != nil {
			return err
		}
		if err := appendEvents(ctx, tx, evs); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (s *Store) RequeueTask(ctx context.Context, taskID string, evs ...models.SystemEvent) (*models.Task, error) {
	var out *models.Task
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		t, err := lockTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status.IsTerminal() {
			return store.ErrConflict
		}
		t.Status = models.TaskStatusPending
		t.AssignedAgentID = ""
		t.SandboxID = ""
		t.StartedAt = nil

		if err := writeTask(ctx, tx, t); err != nil {
			return err
		}
		if err := appendEvents(ctx, tx, evs); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (s *Store) IncrementRetry(ctx context.Context, taskID string, evs ...models.SystemEvent) (*models.Task, error) {
	var out *models.Task
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		t, err := lockTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != models.TaskStatusFailed {
			return store.ErrConflict
		}
		t.RetryCount++
		t.Status = models.TaskStatusPending
		t.AssignedAgentID = ""
		t.SandboxID = ""
		t.StartedAt = nil

		if err := writeTask(ctx, tx, t); err != nil {
			return err
		}
		if err := appendEvents(ctx, tx, evs); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

// lockTask reads a task row under FOR UPDATE.
func lockTask(ctx context.Context, tx *sql.Tx, taskID string) (*models.Task, error) {
	t, err := scanTask(tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock task: %w", err)
	}
	return t, nil
}

// writeTask persists the mutable columns of a locked task row.
func writeTask(ctx context.Context, tx *sql.Tx, t *models.Task) error {
	result, err := jsonNullable(t.Result)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE tasks
		 SET status = $2, assigned_agent_id = $3, sandbox_id = $4,
		     retry_count = $5, error_message = $6, result = $7,
		     conversation_id = $8, persistence_dir = $9,
		     started_at = $10, completed_at = $11
		 WHERE id = $1`,
		t.ID, t.Status, t.AssignedAgentID, t.SandboxID,
		t.RetryCount, t.ErrorMessage, result,
		t.ConversationID, t.PersistenceDir,
		t.StartedAt, t.CompletedAt)
	if err != nil {
		return fmt.Errorf("write task: %w", err)
	}
	return nil
}

func (s *Store) ListTimedOutTasks(ctx context.Context, now time.Time) ([]*models.Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status IN ('assigned', 'running')
		   AND started_at IS NOT NULL
		   AND timeout_seconds > 0
		   AND started_at + make_interval(secs => timeout_seconds) < $1
		 `+taskOrder, now)
}

func (s *Store) ListAssignedTasks(ctx context.Context, agentID string) ([]*models.Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE assigned_agent_id = $1
		   AND status NOT IN ('completed', 'cancelled', 'timed_out')
		 `+taskOrder, agentID)
}
