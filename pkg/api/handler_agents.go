package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agentfleet/fleetd/pkg/intervention"
	"github.com/agentfleet/fleetd/pkg/models"
	"github.com/agentfleet/fleetd/pkg/registry"
	"github.com/agentfleet/fleetd/pkg/restart"
	"github.com/agentfleet/fleetd/pkg/store"
)

func (s *Server) registerAgent(c *gin.Context) {
	var req registerAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	agent, err := s.registry.Register(c.Request.Context(), registry.RegisterParams{
		Kind:         models.AgentKind(strings.ToLower(req.Kind)),
		Phase:        req.Phase,
		Capabilities: req.Capabilities,
		Capacity:     req.Capacity,
		Tags:         req.Tags,
		Metadata:     req.Metadata,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

func (s *Server) completeAgent(c *gin.Context) {
	agent, err := s.registry.Complete(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) getAgent(c *gin.Context) {
	agent, err := s.store.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) listAgents(c *gin.Context) {
	filter := store.AgentFilter{
		Kind:  models.AgentKind(c.Query("kind")),
		Phase: c.Query("phase"),
	}
	if raw := c.Query("status"); raw != "" {
		status, err := models.ParseAgentStatus(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		filter.Statuses = []models.AgentStatus{status}
	}

	agents, err := s.store.ListAgents(c.Request.Context(), filter)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "count": len(agents)})
}

// searchAgents ranks idle agents by capability overlap.
func (s *Server) searchAgents(c *gin.Context) {
	var caps []string
	if raw := c.Query("capabilities"); raw != "" {
		caps = strings.Split(raw, ",")
	}
	limit := 10
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	matches, err := s.registry.Search(c.Request.Context(), caps, c.Query("phase"),
		models.AgentKind(c.Query("kind")), limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"matches": matches, "count": len(matches)})
}

func (s *Server) transitionAgent(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	status, err := models.ParseAgentStatus(req.Status)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	agent, err := s.registry.TransitionStatus(c.Request.Context(), registry.TransitionRequest{
		AgentID:     c.Param("id"),
		To:          status,
		Health:      models.HealthStatus(req.Health),
		Reason:      req.Reason,
		TriggeredBy: req.TriggeredBy,
		TaskID:      req.TaskID,
		Metadata:    req.Metadata,
		Force:       req.Force,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) listTransitions(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	transitions, err := s.registry.GetTransitionHistory(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transitions": transitions, "count": len(transitions)})
}

func (s *Server) restartAgent(c *gin.Context) {
	var req restartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	authority, err := parseAuthority(req.Authority)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.restarts.Restart(c.Request.Context(), restart.Request{
		AgentID:     c.Param("id"),
		Reason:      req.Reason,
		InitiatedBy: req.InitiatedBy,
		Authority:   authority,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) steerAgent(c *gin.Context) {
	var req steerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	authority, err := parseAuthority(req.Authority)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.steering.Steer(c.Request.Context(), intervention.SteerRequest{
		AgentID:     c.Param("id"),
		Message:     req.Message,
		Reason:      req.Reason,
		InitiatedBy: req.InitiatedBy,
		Authority:   authority,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// receiveHeartbeat ingests one heartbeat. Protocol rejections come back
// as a 200 with received=false; errors are storage failures.
func (s *Server) receiveHeartbeat(c *gin.Context) {
	var msg models.HeartbeatMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ack, err := s.receiver.Receive(c.Request.Context(), msg)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ack)
}
