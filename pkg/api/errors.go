package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentfleet/fleetd/pkg/coordination"
	"github.com/agentfleet/fleetd/pkg/intervention"
	"github.com/agentfleet/fleetd/pkg/registry"
	"github.com/agentfleet/fleetd/pkg/restart"
	"github.com/agentfleet/fleetd/pkg/store"
	"github.com/agentfleet/fleetd/pkg/taskqueue"
)

// abortWithError maps service-layer errors to HTTP responses.
func abortWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	message := "internal server error"

	var validErr *registry.ValidationError
	switch {
	case errors.As(err, &validErr):
		status, message = http.StatusBadRequest, validErr.Error()
	case errors.Is(err, store.ErrNotFound):
		status, message = http.StatusNotFound, "resource not found"
	case errors.Is(err, store.ErrAlreadyExists):
		status, message = http.StatusConflict, "resource already exists"
	case errors.Is(err, store.ErrConflict):
		status, message = http.StatusConflict, "resource changed concurrently"
	case errors.Is(err, store.ErrCircularDependency):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, registry.ErrInvalidStatus),
		errors.Is(err, taskqueue.ErrInvalidStatus),
		errors.Is(err, coordination.ErrInvalidStrategy),
		errors.Is(err, coordination.ErrInvalidRequiredCount):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, registry.ErrInvalidTransition),
		errors.Is(err, taskqueue.ErrInvalidTransition),
		errors.Is(err, taskqueue.ErrNotFailed),
		errors.Is(err, coordination.ErrSourcesIncomplete),
		errors.Is(err, restart.ErrRestartBudgetExhausted):
		status, message = http.StatusConflict, err.Error()
	case errors.Is(err, restart.ErrCooldownActive):
		status, message = http.StatusTooManyRequests, err.Error()
	case errors.Is(err, restart.ErrInsufficientAuthority),
		errors.Is(err, intervention.ErrInsufficientAuthority):
		status, message = http.StatusForbidden, err.Error()
	default:
		slog.Error("Unexpected service error", "error", err)
	}

	c.AbortWithStatusJSON(status, gin.H{"error": message})
}
