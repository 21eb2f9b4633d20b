package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentfleet/fleetd/pkg/models"
	"github.com/agentfleet/fleetd/pkg/taskqueue"
)

// syncPoint registers (or re-checks) a sync barrier and reports whether
// it is ready.
func (s *Server) syncPoint(c *gin.Context) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ready, err := s.coord.Sync(c.Request.Context(), req.SyncID, req.Waiting,
		req.RequiredCount, req.TimeoutSeconds)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sync_id": req.SyncID, "ready": ready})
}

// splitTask fans a source task out into dependent children.
func (s *Server) splitTask(c *gin.Context) {
	var req splitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	targets := make([]taskqueue.EnqueueParams, 0, len(req.Targets))
	for _, t := range req.Targets {
		targets = append(targets, t.enqueueParams())
	}
	children, err := s.coord.Split(c.Request.Context(), req.SplitID, req.SourceTaskID, targets)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"split_id": req.SplitID, "children": children})
}

// joinTasks creates a continuation gated on all sources completing.
func (s *Server) joinTasks(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	continuation, err := s.coord.Join(c.Request.Context(), req.JoinID, req.Sources, req.Continuation.enqueueParams())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"join_id": req.JoinID, "continuation": continuation})
}

// mergeResults merges completed source results under a strategy.
func (s *Server) mergeResults(c *gin.Context) {
	var req mergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	merged, err := s.coord.MergeResults(c.Request.Context(), req.MergeID, req.Sources,
		models.MergeStrategy(req.Strategy))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"merge_id": req.MergeID, "result": merged})
}
