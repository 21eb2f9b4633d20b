package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentfleet/fleetd/pkg/models"
	"github.com/agentfleet/fleetd/pkg/store"
	"github.com/agentfleet/fleetd/pkg/taskqueue"
)

func (s *Server) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := s.queue.Enqueue(c.Request.Context(), req.enqueueParams())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (s *Server) getTask(c *gin.Context) {
	task, err := s.store.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) listTasks(c *gin.Context) {
	filter := store.TaskFilter{
		TicketID: c.Query("ticket_id"),
		Phase:    c.Query("phase"),
		AgentID:  c.Query("agent_id"),
	}
	if raw := c.Query("status"); raw != "" {
		status, err := models.ParseTaskStatus(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		filter.Statuses = []models.TaskStatus{status}
	}

	tasks, err := s.store.ListTasks(c.Request.Context(), filter)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) updateTaskStatus(c *gin.Context) {
	var req updateTaskStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	status, err := models.ParseTaskStatus(req.Status)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := s.queue.UpdateStatus(c.Request.Context(), c.Param("id"), status, taskqueue.UpdateParams{
		Result:       req.Result,
		ErrorMessage: req.ErrorMessage,
		SandboxID:    req.SandboxID,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// retryTask runs the retry policy against a failed task and returns the
// decision. A positive decision schedules the re-enqueue after backoff.
func (s *Server) retryTask(c *gin.Context) {
	decision, err := s.queue.ScheduleRetry(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, decision)
}

func (s *Server) cancelTask(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)

	task, err := s.queue.UpdateStatus(c.Request.Context(), c.Param("id"),
		models.TaskStatusCancelled, taskqueue.UpdateParams{ErrorMessage: req.Reason})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}
