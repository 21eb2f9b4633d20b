package postgres

import (
	"context"
	stdsql "database/sql"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	pgcontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/agentfleet/fleetd/pkg/database"
	"github.com/agentfleet/fleetd/pkg/models"
	"github.com/agentfleet/fleetd/pkg/store"
)

// newTestStore provisions a migrated database with CI/local detection.
// In CI (CI_DATABASE_URL set): connects to an external PostgreSQL service.
// In local dev: spins up a testcontainer. Skipped under -short.
func newTestStore(t *testing.T) *Store {
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	ctx := context.Background()

	connStr := os.Getenv("CI_DATABASE_URL")
	if connStr == "" {
		t.Log("Using testcontainers for PostgreSQL")
		pg, err := pgcontainer.Run(ctx,
			"postgres:16-alpine",
			pgcontainer.WithDatabase("test"),
			pgcontainer.WithUsername("test"),
			pgcontainer.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)
		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(pg); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		connStr, err = pg.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	db, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	require.NoError(t, database.MigrateUp(db, "test"))
	return New(db)
}

func testAgent(id string) *models.Agent {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &models.Agent{
		ID:                   id,
		Kind:                 models.AgentKindWorker,
		Capabilities:         []string{"code"},
		Capacity:             2,
		Status:               models.AgentStatusIdle,
		Health:               models.HealthHealthy,
		ExpectedNextSequence: 1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

func testTask(id string, priority models.TaskPriority, deps ...string) *models.Task {
	return &models.Task{
		ID:           id,
		Type:         "implement",
		Priority:     priority,
		Status:       models.TaskStatusPending,
		Dependencies: deps,
		MaxRetries:   3,
		CreatedAt:    time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestPostgresAgentLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateAgent(ctx, testAgent("a-1")))
	assert.ErrorIs(t, s.CreateAgent(ctx, testAgent("a-1")), store.ErrAlreadyExists)

	at := time.Now().UTC().Truncate(time.Millisecond)
	got, err := s.TransitionAgent(ctx, store.TransitionParams{
		AgentID:     "a-1",
		From:        models.AgentStatusIdle,
		To:          models.AgentStatusRunning,
		Reason:      "task assigned",
		TriggeredBy: "dispatcher",
		At:          at,
	}, models.SystemEvent{EventType: "AGENT_STATUS_CHANGED", EntityType: "agent", EntityID: "a-1", OccurredAt: at})
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusRunning, got.Status)

	// The losing CAS sees a conflict; the audit row and event committed
	// with the winning transition.
	_, err = s.TransitionAgent(ctx, store.TransitionParams{
		AgentID: "a-1", From: models.AgentStatusIdle, To: models.AgentStatusDegraded, At: at,
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	audit, err := s.ListTransitions(ctx, "a-1", 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, models.AgentStatusIdle, audit[0].From)

	depth, err := s.OutboxDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	// Heartbeat bookkeeping round-trips.
	hb := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.RecordHeartbeat(ctx, "a-1", store.HeartbeatUpdate{
		LastHeartbeat:        hb,
		CurrentSequence:      4,
		ExpectedNextSequence: 5,
		Health:               models.HealthHealthy,
	}))
	a, err := s.GetAgent(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), a.ExpectedNextSequence)
	require.NotNil(t, a.LastHeartbeat)

	missed, err := s.IncrementMissed(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, 1, missed)
}

func TestPostgresTaskQueueSemantics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateTask(ctx, testTask("t-1", models.PriorityMedium)))
	require.NoError(t, s.CreateTask(ctx, testTask("t-2", models.PriorityCritical, "t-1")))
	assert.ErrorIs(t, s.CreateTask(ctx, testTask("t-3", models.PriorityLow, "ghost")), store.ErrNotFound)

	// Cycle via a later dependency edit is rejected by the recursive check.
	assert.ErrorIs(t, s.AddTaskDependency(ctx, "t-1", "t-2"), store.ErrCircularDependency)

	// t-2 outranks t-1 but is dependency-gated.
	got, err := s.NextReadyTask(ctx, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "t-1", got.ID)

	// Capability filter: required ⊆ offered.
	capped := testTask("t-caps", models.PriorityCritical)
	capped.RequiredCaps = []string{"deploy"}
	require.NoError(t, s.CreateTask(ctx, capped))
	got, err = s.NextReadyTask(ctx, "", []string{"code"})
	require.NoError(t, err)
	assert.Equal(t, "t-1", got.ID)

	// Assignment CAS.
	at := time.Now().UTC().Truncate(time.Millisecond)
	assigned, err := s.AssignTask(ctx, "t-1", store.Assignee{AgentID: "a-1"}, at,
		models.SystemEvent{EventType: "TASK_ASSIGNED", EntityType: "task", EntityID: "t-1", OccurredAt: at})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusAssigned, assigned.Status)
	_, err = s.AssignTask(ctx, "t-1", store.Assignee{AgentID: "a-2"}, at)
	assert.ErrorIs(t, err, store.ErrConflict)

	// Complete t-1; t-2 becomes ready and outranks t-caps' tie by age.
	_, err = s.UpdateTaskStatus(ctx, "t-1", models.TaskStatusAssigned, models.TaskStatusRunning, store.TaskUpdate{})
	require.NoError(t, err)
	done := time.Now().UTC().Truncate(time.Millisecond)
	completed, err := s.UpdateTaskStatus(ctx, "t-1", models.TaskStatusRunning, models.TaskStatusCompleted, store.TaskUpdate{
		Result:      map[string]any{"ok": true},
		CompletedAt: &done,
	})
	require.NoError(t, err)
	assert.Equal(t, true, completed.Result["ok"])

	got, err = s.NextReadyTask(ctx, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "t-2", got.ID)
}

func TestPostgresRetryAndTimeouts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := testTask("t-1", models.PriorityMedium)
	task.TimeoutSeconds = 60
	require.NoError(t, s.CreateTask(ctx, task))

	started := time.Now().UTC().Add(-2 * time.Minute)
	_, err := s.AssignTask(ctx, "t-1", store.Assignee{AgentID: "a-1"}, started)
	require.NoError(t, err)

	timedOut, err := s.ListTimedOutTasks(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, timedOut, 1)
	assert.Equal(t, "t-1", timedOut[0].ID)

	_, err = s.UpdateTaskStatus(ctx, "t-1", models.TaskStatusAssigned, models.TaskStatusRunning, store.TaskUpdate{})
	require.NoError(t, err)
	_, err = s.UpdateTaskStatus(ctx, "t-1", models.TaskStatusRunning, models.TaskStatusFailed, store.TaskUpdate{ErrorMessage: "connection reset"})
	require.NoError(t, err)

	retried, err := s.IncrementRetry(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Equal(t, models.TaskStatusPending, retried.Status)
	assert.Empty(t, retried.AssignedAgentID)
	assert.Nil(t, retried.StartedAt)
}

func TestPostgresOutboxDrain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.AppendEvents(ctx,
		models.SystemEvent{EventType: "A", EntityType: "task", EntityID: "t-1", Payload: map[string]any{"n": 1.0}, OccurredAt: now},
		models.SystemEvent{EventType: "B", EntityType: "task", EntityID: "t-1", OccurredAt: now},
	))

	batch, err := s.NextOutboxBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "A", batch[0].EventType)
	assert.Equal(t, 1.0, batch[0].Payload["n"])
	assert.Less(t, batch[0].ID, batch[1].ID)

	require.NoError(t, s.MarkDrained(ctx, []int64{batch[0].ID, batch[1].ID}))
	depth, err := s.OutboxDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestPostgresCooldownsAndRestarts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetCooldown(ctx, "restart", "a-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	expires := time.Now().UTC().Add(time.Minute).Truncate(time.Millisecond)
	require.NoError(t, s.SetCooldown(ctx, "restart", "a-1", expires))
	c, err := s.GetCooldown(ctx, "restart", "a-1")
	require.NoError(t, err)
	assert.True(t, c.ExpiresAt.Equal(expires))

	at := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.InsertRestartAttempt(ctx, &models.RestartAttempt{
		ID: "r-1", AgentID: "a-1", Reason: "unresponsive", InitiatedBy: "monitor-1", InitiatedAt: at,
	}))
	n, err := s.CountRestarts(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	last, err := s.LastRestartAt(ctx, "a-1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.Equal(at))
}
