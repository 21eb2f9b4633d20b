package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agentfleet/fleetd/pkg/models"
)

func (s *Server) createTicket(c *gin.Context) {
	var req createTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	now := s.clock.Now()
	ticket := &models.Ticket{
		ID:             "ticket-" + uuid.New().String(),
		ProjectID:      req.ProjectID,
		Title:          req.Title,
		Description:    req.Description,
		Priority:       models.TaskPriority(req.Priority),
		Status:         models.TicketStatusOpen,
		Phase:          req.Phase,
		ReviewDeadline: req.ReviewDeadline,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateTicket(c.Request.Context(), ticket); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ticket)
}

func (s *Server) getTicket(c *gin.Context) {
	ticket, err := s.store.GetTicket(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

func (s *Server) listTickets(c *gin.Context) {
	status, err := models.ParseTicketStatus(c.DefaultQuery("status", string(models.TicketStatusOpen)))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tickets, err := s.store.ListTicketsByStatus(c.Request.Context(), status)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tickets": tickets, "count": len(tickets)})
}

// updateTicketStatus moves a ticket between workflow states. Supervision
// events (blocked, stuck, approval timeout) are emitted by the loops that
// detect them, not here.
func (s *Server) updateTicketStatus(c *gin.Context) {
	var req updateTicketStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	status, err := models.ParseTicketStatus(req.Status)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ticket, err := s.store.UpdateTicketStatus(c.Request.Context(), c.Param("id"), status, req.BlockerType)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}
