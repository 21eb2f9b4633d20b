// fleetd control-plane server — provides the HTTP API, runs the task
// dispatcher and the supervision loops, and streams fleet events over
// WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentfleet/fleetd/pkg/api"
	"github.com/agentfleet/fleetd/pkg/clock"
	"github.com/agentfleet/fleetd/pkg/config"
	"github.com/agentfleet/fleetd/pkg/coordination"
	"github.com/agentfleet/fleetd/pkg/database"
	"github.com/agentfleet/fleetd/pkg/dispatch"
	"github.com/agentfleet/fleetd/pkg/events"
	"github.com/agentfleet/fleetd/pkg/heartbeat"
	"github.com/agentfleet/fleetd/pkg/intervention"
	"github.com/agentfleet/fleetd/pkg/metrics"
	"github.com/agentfleet/fleetd/pkg/models"
	"github.com/agentfleet/fleetd/pkg/registry"
	"github.com/agentfleet/fleetd/pkg/restart"
	"github.com/agentfleet/fleetd/pkg/runtime"
	"github.com/agentfleet/fleetd/pkg/store"
	"github.com/agentfleet/fleetd/pkg/store/postgres"
	"github.com/agentfleet/fleetd/pkg/supervisor"
	"github.com/agentfleet/fleetd/pkg/taskqueue"
)

const depthPollInterval = 15 * time.Second

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("FLEETD_CONFIG", "./deploy/fleetd.yaml"),
		"Path to configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file, continuing with existing environment")
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(ctx, *configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Database (NewClient applies pending migrations)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	st := postgres.New(dbClient.DB())
	clk := clock.New()

	// 3. One-time startup orphan recovery: tasks still bound to agents
	// that did not survive the previous process go back to pending.
	if err := recoverOrphans(ctx, st); err != nil {
		slog.Error("Failed to recover orphaned tasks", "error", err)
		// Non-fatal — the heartbeat monitor catches stragglers.
	}

	// 4. Domain services
	reg := registry.New(st, clk)
	queue := taskqueue.New(st, cfg.Retry, cfg.Timeouts, clk,
		taskqueue.WithAgentReleaser(reg))
	coord := coordination.NewEngine(st, queue, clk)
	receiver := heartbeat.NewReceiver(st, reg, cfg.Heartbeat, clk)
	restarts := restart.New(st, reg, cfg.Restart, clk)

	// One runtime serves both steering transports in the single-binary
	// deployment; sandboxed and in-process handles share the mailbox.
	rt := runtime.NewLocal(st, clk)
	steering := intervention.New(st, rt, rt, clk)
	slog.Info("Services initialized")

	// 5. Event plumbing: outbox drainer with cross-pod NOTIFY, and the
	// LISTEN side feeding WebSocket clients.
	bus := events.NewOutboxBus(st, events.WithNotifier(events.NewPgNotifier(dbClient.DB())))
	bus.Start(ctx)

	connManager := api.NewConnectionManager(10 * time.Second)
	notifyListener := events.NewNotifyListener(dbClient.DSN(), connManager)
	if err := notifyListener.Start(ctx); err != nil {
		slog.Error("Failed to start NOTIFY listener", "error", err)
		os.Exit(1)
	}
	connManager.SetListener(notifyListener)
	slog.Info("Event streaming initialized")

	// 6. Metrics: collectors feed off the bus, depth gauges off a poll.
	m := metrics.New()
	metricsSub := bus.Subscribe()

	loopCtx, loopCancel := context.WithCancel(ctx)
	var loops sync.WaitGroup

	loops.Add(1)
	go func() {
		defer loops.Done()
		m.Run(loopCtx, metricsSub)
	}()
	loops.Add(1)
	go func() {
		defer loops.Done()
		ticker := time.NewTicker(depthPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if err := m.UpdateDepths(loopCtx, st); err != nil && !errors.Is(err, context.Canceled) {
					slog.Warn("Failed to update depth gauges", "error", err)
				}
			}
		}
	}()

	// Failed tasks flow back through the retry policy off the bus.
	retrySub := bus.Subscribe(events.EventTaskFailed)
	loops.Add(1)
	go func() {
		defer loops.Done()
		queue.WatchFailures(loopCtx, retrySub)
	}()

	// 7. Dispatcher and supervision loops
	dispatcher := dispatch.New(queue, reg, st, rt, cfg.Dispatcher, cfg.Spawn, clk, "")
	loops.Add(1)
	go func() {
		defer loops.Done()
		dispatcher.Run(loopCtx)
	}()

	spawner := supervisor.NewDiagnosticSpawner(reg, rt)
	sup := supervisor.New(
		supervisor.NewHeartbeatMonitor(receiver, restarts),
		supervisor.NewTaskTimeoutMonitor(queue),
		supervisor.NewStuckDetector(st, spawner, cfg.Supervisor.Diagnostic, clk),
		supervisor.NewAnomalyDetector(st, spawner, supervisor.NewHealthScorer(cfg.Heartbeat),
			cfg.Supervisor.Anomaly, cfg.Supervisor.Diagnostic.Cooldown(), clk),
		supervisor.NewApprovalTimeout(st, cfg.Supervisor.Approval, clk),
		supervisor.NewBlockingDetector(st, cfg.Supervisor.Blocking, clk),
	)
	loops.Add(1)
	go func() {
		defer loops.Done()
		sup.Run(loopCtx)
	}()

	// 8. HTTP server
	server := api.NewServer(api.Deps{
		Store:       st,
		DB:          dbClient,
		Registry:    reg,
		Queue:       queue,
		Coord:       coord,
		Receiver:    receiver,
		Restarts:    restarts,
		Steering:    steering,
		Metrics:     m,
		ConnManager: connManager,
		Clock:       clk,
	})
	httpServer := &http.Server{
		Addr:    ":" + httpPort,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("fleetd started", "http_port", httpPort, "dispatch_mode", cfg.Dispatcher.Mode)

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: stop accepting requests, stop the loops,
	// then tear down event plumbing. The bus closes last so events
	// committed by in-flight requests still drain.
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown error", "error", err)
	}

	loopCancel()
	loops.Wait()
	metricsSub.Unsubscribe()
	retrySub.Unsubscribe()

	notifyListener.Stop(shutdownCtx)
	if err := bus.Close(shutdownCtx); err != nil {
		slog.Warn("Event bus close error", "error", err)
	}

	slog.Info("fleetd stopped")
}

// recoverOrphans requeues every non-terminal task whose assigned agent is
// gone or beyond recovery. Retry counts are retained.
func recoverOrphans(ctx context.Context, s store.Store) error {
	tasks, err := s.ListTasks(ctx, store.TaskFilter{Statuses: []models.TaskStatus{
		models.TaskStatusAssigned,
		models.TaskStatusRunning,
		models.TaskStatusNeedsValidation,
	}})
	if err != nil {
		return err
	}

	requeued := 0
	for _, task := range tasks {
		if task.AssignedAgentID == "" {
			continue
		}
		agent, err := s.GetAgent(ctx, task.AssignedAgentID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// fall through to requeue
		case err != nil:
			return err
		case agent.Status != models.AgentStatusTerminated &&
			agent.Status != models.AgentStatusFailed &&
			agent.Status != models.AgentStatusQuarantined:
			continue
		}

		ev := events.New(events.EventTaskReassigned, events.EntityTask, task.ID,
			events.TaskReassignedPayload{
				TaskID:        task.ID,
				FromAgentID:   task.AssignedAgentID,
				Reason:        "orphaned at startup",
				RetainedRetry: task.RetryCount,
			}, time.Now())
		if _, err := s.RequeueTask(ctx, task.ID, ev); err != nil {
			slog.Warn("Failed to requeue orphaned task", "task_id", task.ID, "error", err)
			continue
		}
		requeued++
	}
	if requeued > 0 {
		slog.Info("Recovered orphaned tasks", "count", requeued)
	}
	return nil
}
