package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentfleet/fleetd/pkg/models"
	"github.com/agentfleet/fleetd/pkg/registry"
	"github.com/agentfleet/fleetd/pkg/runtime"
	"github.com/agentfleet/fleetd/pkg/store"
)

// DiagnosticSpawner starts diagnostic agents on behalf of the detector
// loops: a registry record completed straight to IDLE plus a sandbox
// focused on the subject under investigation.
type DiagnosticSpawner struct {
	registry *registry.Registry
	runtime  runtime.AgentRuntime
}

// NewDiagnosticSpawner creates a DiagnosticSpawner.
func NewDiagnosticSpawner(reg *registry.Registry, rt runtime.AgentRuntime) *DiagnosticSpawner {
	return &DiagnosticSpawner{registry: reg, runtime: rt}
}

// Spawn registers a diagnostic agent and starts its sandbox. The focus
// map is handed to the sandbox as environment variables naming what to
// investigate.
func (d *DiagnosticSpawner) Spawn(ctx context.Context, phase, projectID string, focus map[string]string) (*models.Agent, string, error) {
	agent, err := d.registry.Register(ctx, registry.RegisterParams{
		Kind:  models.AgentKindDiagnostic,
		Phase: phase,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to register diagnostic agent: %w", err)
	}
	if agent, err = d.registry.Complete(ctx, agent.ID); err != nil {
		return nil, "", fmt.Errorf("failed to activate diagnostic agent: %w", err)
	}

	sandboxID, err := d.runtime.Spawn(ctx, runtime.SpawnParams{
		AgentID:   agent.ID,
		Phase:     phase,
		Kind:      models.AgentKindDiagnostic,
		ProjectID: projectID,
		ExtraEnv:  focus,
	})
	if err != nil {
		_, _ = d.registry.TransitionStatus(ctx, registry.TransitionRequest{
			AgentID:     agent.ID,
			To:          models.AgentStatusTerminated,
			Reason:      "diagnostic sandbox spawn failed",
			TriggeredBy: "supervisor",
			Force:       true,
		})
		return nil, "", fmt.Errorf("failed to spawn diagnostic sandbox: %w", err)
	}
	return agent, sandboxID, nil
}

// cooldownActive reports whether the (scope, entity) cooldown has not
// yet expired.
func cooldownActive(ctx context.Context, s store.CooldownStore, scope, entityID string, now time.Time) (bool, error) {
	cd, err := s.GetCooldown(ctx, scope, entityID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return now.Before(cd.ExpiresAt), nil
}
