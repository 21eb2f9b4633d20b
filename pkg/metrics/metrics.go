// Package metrics exposes fleet health counters over Prometheus. The
// collectors are fed from the event bus, so every pod reports exactly
// what flowed through its outbox drainer.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentfleet/fleetd/pkg/events"
	"github.com/agentfleet/fleetd/pkg/models"
	"github.com/agentfleet/fleetd/pkg/store"
)

// Metrics holds the fleet's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	eventsTotal        *prometheus.CounterVec
	tasksAssigned      prometheus.Counter
	tasksCompleted     prometheus.Counter
	tasksFailed        prometheus.Counter
	tasksRetried       prometheus.Counter
	tasksTimedOut      prometheus.Counter
	heartbeatsReceived prometheus.Counter
	heartbeatsMissed   prometheus.Counter
	agentsRestarted    prometheus.Counter
	sandboxesSpawned   prometheus.Counter
	interventions      prometheus.Counter
	outboxDepth        prometheus.Gauge
	queueDepth         prometheus.Gauge
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetd_events_total",
			Help: "Lifecycle events drained from the outbox, by type.",
		}, []string{"event_type"}),
		tasksAssigned: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleetd_tasks_assigned_total",
			Help: "Tasks assigned to agents or sandboxes.",
		}),
		tasksCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleetd_tasks_completed_total",
			Help: "Tasks completed successfully.",
		}),
		tasksFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleetd_tasks_failed_total",
			Help: "Task failures, including those later retried.",
		}),
		tasksRetried: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleetd_tasks_retried_total",
			Help: "Retries scheduled for failed tasks.",
		}),
		tasksTimedOut: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleetd_tasks_timed_out_total",
			Help: "Tasks that exceeded their execution deadline.",
		}),
		heartbeatsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleetd_heartbeats_received_total",
			Help: "Heartbeats accepted from agents.",
		}),
		heartbeatsMissed: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleetd_heartbeats_missed_total",
			Help: "Missed-heartbeat escalations applied.",
		}),
		agentsRestarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleetd_agents_restarted_total",
			Help: "Agent restarts completed by the orchestrator.",
		}),
		sandboxesSpawned: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleetd_sandboxes_spawned_total",
			Help: "Sandboxes spawned by the dispatcher.",
		}),
		interventions: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleetd_guardian_interventions_total",
			Help: "Guardian steering messages routed.",
		}),
		outboxDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fleetd_outbox_depth",
			Help: "Undrained events sitting in the outbox.",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fleetd_queue_depth",
			Help: "Tasks waiting in pending.",
		}),
	}
}

// Handler serves the /metrics scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe counts one drained event.
func (m *Metrics) Observe(ev models.SystemEvent) {
	m.eventsTotal.WithLabelValues(ev.EventType).Inc()

	switch ev.EventType {
	case events.EventTaskAssigned, events.EventTaskSandboxSpawned:
		m.tasksAssigned.Inc()
	case events.EventTaskCompleted:
		m.tasksCompleted.Inc()
	case events.EventTaskFailed, events.EventTaskPermanentlyFailed:
		m.tasksFailed.Inc()
	case events.EventTaskRetryScheduled:
		m.tasksRetried.Inc()
	case events.EventTaskTimedOut:
		m.tasksTimedOut.Inc()
	case events.EventHeartbeatReceived:
		m.heartbeatsReceived.Inc()
	case events.EventHeartbeatMissed:
		m.heartbeatsMissed.Inc()
	case events.EventAgentRestarted:
		m.agentsRestarted.Inc()
	case events.EventSandboxSpawned:
		m.sandboxesSpawned.Inc()
	case events.EventGuardianIntervention:
		m.interventions.Inc()
	}
}

// Run consumes the subscription until its channel closes or the context
// is cancelled.
func (m *Metrics) Run(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			m.Observe(ev)
		}
	}
}

// UpdateDepths refreshes the queue and outbox gauges from the store.
func (m *Metrics) UpdateDepths(ctx context.Context, s store.Store) error {
	depth, err := s.OutboxDepth(ctx)
	if err != nil {
		return err
	}
	m.outboxDepth.Set(float64(depth))

	pending, err := s.ListTasks(ctx, store.TaskFilter{
		Statuses: []models.TaskStatus{models.TaskStatusPending},
	})
	if err != nil {
		return err
	}
	m.queueDepth.Set(float64(len(pending)))
	return nil
}
