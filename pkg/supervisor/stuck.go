package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentfleet/fleetd/pkg/clock"
	"github.com/agentfleet/fleetd/pkg/config"
	"github.com/agentfleet/fleetd/pkg/events"
	"github.com/agentfleet/fleetd/pkg/store"
)

const diagnosticCooldownScope = "diagnostic"

// StuckStore is the persistence slice the stuck-workflow detector needs.
type StuckStore interface {
	store.TicketStore
	store.CooldownStore
	store.OutboxStore
}

// StuckDetector finds in-progress tickets with no task activity for the
// configured window and spawns a diagnostic agent per ticket, bounded by
// a persisted per-ticket cooldown.
type StuckDetector struct {
	store   StuckStore
	spawner *DiagnosticSpawner
	cfg     config.DiagnosticConfig
	clock   clock.Clock
}

// NewStuckDetector creates the stuck-workflow loop.
func NewStuckDetector(s StuckStore, sp *DiagnosticSpawner, cfg config.DiagnosticConfig, clk clock.Clock) *StuckDetector {
	return &StuckDetector{store: s, spawner: sp, cfg: cfg, clock: clk}
}

func (d *StuckDetector) Name() string            { return "stuck-workflow-detector" }
func (d *StuckDetector) Interval() time.Duration { return stuckInterval }

// Tick scans for stuck tickets. Per-ticket failures are logged and do
// not stop the scan.
func (d *StuckDetector) Tick(ctx context.Context) error {
	if !d.cfg.IsEnabled() {
		return nil
	}

	now := d.clock.Now()
	tickets, err := d.store.ListStaleTickets(ctx, now.Add(-d.cfg.MinStuck()))
	if err != nil {
		return fmt.Errorf("failed to list stale tickets: %w", err)
	}

	for _, ticket := range tickets {
		if err := d.diagnose(ctx, ticket.ID, ticket.ProjectID, ticket.Phase, now); err != nil {
			slog.Error("Stuck-ticket diagnosis failed", "ticket_id", ticket.ID, "error", err)
		}
	}
	return nil
}

func (d *StuckDetector) diagnose(ctx context.Context, ticketID, projectID, phase string, now time.Time) error {
	active, err := cooldownActive(ctx, d.store, diagnosticCooldownScope, ticketID, now)
	if err != nil || active {
		return err
	}

	agent, sandboxID, err := d.spawner.Spawn(ctx, phase, projectID, map[string]string{
		"FLEETD_FOCUS_TICKET": ticketID,
	})
	if err != nil {
		return err
	}
	if err := d.store.SetCooldown(ctx, diagnosticCooldownScope, ticketID, now.Add(d.cfg.Cooldown())); err != nil {
		return err
	}

	ev := events.New(events.EventTicketStuck, events.EntityTicket, ticketID,
		events.TicketSupervisionPayload{
			TicketID: ticketID,
			Detail:   fmt.Sprintf("no task activity for %s; diagnostic agent %s spawned", d.cfg.MinStuck(), agent.ID),
		}, now)
	if err := d.store.AppendEvents(ctx, ev); err != nil {
		return err
	}

	slog.Info("Diagnostic agent spawned for stuck ticket",
		"ticket_id", ticketID, "agent_id", agent.ID, "sandbox_id", sandboxID)
	return nil
}
