// Package api is the HTTP adapter: a gin router over the control-plane
// services, plus the WebSocket event stream.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/agentfleet/fleetd/pkg/clock"
	"github.com/agentfleet/fleetd/pkg/coordination"
	"github.com/agentfleet/fleetd/pkg/database"
	"github.com/agentfleet/fleetd/pkg/heartbeat"
	"github.com/agentfleet/fleetd/pkg/intervention"
	"github.com/agentfleet/fleetd/pkg/metrics"
	"github.com/agentfleet/fleetd/pkg/registry"
	"github.com/agentfleet/fleetd/pkg/restart"
	"github.com/agentfleet/fleetd/pkg/store"
	"github.com/agentfleet/fleetd/pkg/taskqueue"
)

// Server wires the control-plane services to HTTP.
type Server struct {
	store       store.Store
	db          *database.Client // nil when running on the memory store
	registry    *registry.Registry
	queue       *taskqueue.Queue
	coord       *coordination.Engine
	receiver    *heartbeat.Receiver
	restarts    *restart.Orchestrator
	steering    *intervention.Router
	metrics     *metrics.Metrics
	connManager *ConnectionManager
	clock       clock.Clock
}

// Deps carries the service handles the server exposes.
type Deps struct {
	Store       store.Store
	DB          *database.Client
	Registry    *registry.Registry
	Queue       *taskqueue.Queue
	Coord       *coordination.Engine
	Receiver    *heartbeat.Receiver
	Restarts    *restart.Orchestrator
	Steering    *intervention.Router
	Metrics     *metrics.Metrics
	ConnManager *ConnectionManager
	Clock       clock.Clock // nil means wall clock
}

// NewServer creates the API server.
func NewServer(d Deps) *Server {
	clk := d.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Server{
		store:       d.Store,
		db:          d.DB,
		registry:    d.Registry,
		queue:       d.Queue,
		coord:       d.Coord,
		receiver:    d.Receiver,
		restarts:    d.Restarts,
		steering:    d.Steering,
		metrics:     d.Metrics,
		connManager: d.ConnManager,
		clock:       clk,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.health)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
	r.GET("/ws", s.handleWS)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/agents", s.registerAgent)
		v1.GET("/agents", s.listAgents)
		v1.GET("/agents/search", s.searchAgents)
		v1.GET("/agents/:id", s.getAgent)
		v1.POST("/agents/:id/complete", s.completeAgent)
		v1.POST("/agents/:id/status", s.transitionAgent)
		v1.GET("/agents/:id/transitions", s.listTransitions)
		v1.POST("/agents/:id/restart", s.restartAgent)
		v1.POST("/agents/:id/steer", s.steerAgent)

		v1.POST("/heartbeats", s.receiveHeartbeat)

		v1.POST("/tickets", s.createTicket)
		v1.GET("/tickets", s.listTickets)
		v1.GET("/tickets/:id", s.getTicket)
		v1.POST("/tickets/:id/status", s.updateTicketStatus)

		v1.POST("/tasks", s.createTask)
		v1.GET("/tasks", s.listTasks)
		v1.GET("/tasks/:id", s.getTask)
		v1.POST("/tasks/:id/status", s.updateTaskStatus)
		v1.POST("/tasks/:id/retry", s.retryTask)
		v1.POST("/tasks/:id/cancel", s.cancelTask)

		v1.POST("/coordination/sync", s.syncPoint)
		v1.POST("/coordination/split", s.splitTask)
		v1.POST("/coordination/join", s.joinTasks)
		v1.POST("/coordination/merge", s.mergeResults)
	}
	return r
}

// health reports process and database health.
func (s *Server) health(c *gin.Context) {
	if s.db == nil {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := database.Health(ctx, s.db.DB())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": dbHealth,
			"error":    err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"database": dbHealth,
	})
}

// handleWS upgrades to WebSocket and hands the connection to the
// ConnectionManager, which blocks until the socket closes.
func (s *Server) handleWS(c *gin.Context) {
	if s.connManager == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "WebSocket not available"})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	s.connManager.HandleConnection(c.Request.Context(), conn)
}
