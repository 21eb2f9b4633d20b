package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentfleet/fleetd/pkg/clock"
	"github.com/agentfleet/fleetd/pkg/config"
	"github.com/agentfleet/fleetd/pkg/events"
	"github.com/agentfleet/fleetd/pkg/models"
	"github.com/agentfleet/fleetd/pkg/store"
)

// TicketStore is the persistence slice of the ticket loops.
type TicketStore interface {
	store.TicketStore
	store.OutboxStore
}

// ApprovalTimeout expires tickets left in pending_review past their
// deadline.
type ApprovalTimeout struct {
	store TicketStore
	cfg   config.ApprovalConfig
	clock clock.Clock
}

// NewApprovalTimeout creates the approval-timeout loop.
func NewApprovalTimeout(s TicketStore, cfg config.ApprovalConfig, clk clock.Clock) *ApprovalTimeout {
	return &ApprovalTimeout{store: s, cfg: cfg, clock: clk}
}

func (a *ApprovalTimeout) Name() string            { return "approval-timeout" }
func (a *ApprovalTimeout) Interval() time.Duration { return a.cfg.PollInterval() }

// Tick times out every pending_review ticket whose deadline has passed.
// Per-ticket failures are logged and do not stop the scan.
func (a *ApprovalTimeout) Tick(ctx context.Context) error {
	tickets, err := a.store.ListTicketsByStatus(ctx, models.TicketStatusPendingReview)
	if err != nil {
		return fmt.Errorf("failed to list pending_review tickets: %w", err)
	}

	now := a.clock.Now()
	for _, ticket := range tickets {
		if ticket.ReviewDeadline == nil || !now.After(*ticket.ReviewDeadline) {
			continue
		}

		ev := events.New(events.EventTicketApprovalTimedOut, events.EntityTicket, ticket.ID,
			events.TicketSupervisionPayload{
				TicketID: ticket.ID,
				Detail:   fmt.Sprintf("review deadline %s elapsed", ticket.ReviewDeadline.Format(time.RFC3339)),
			}, now)
		if _, err := a.store.UpdateTicketStatus(ctx, ticket.ID, models.TicketStatusTimedOut, "", ev); err != nil {
			slog.Error("Approval timeout failed", "ticket_id", ticket.ID, "error", err)
			continue
		}
		slog.Info("Ticket approval timed out", "ticket_id", ticket.ID)
	}
	return nil
}
