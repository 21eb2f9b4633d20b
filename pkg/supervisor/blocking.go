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
)

// BlockerNoTaskProgress marks tickets blocked because no task moved
// within the blocking threshold.
const BlockerNoTaskProgress = "no_task_progress"

// BlockingDetector marks in-progress tickets blocked once they show no
// task activity for the configured threshold.
type BlockingDetector struct {
	store TicketStore
	cfg   config.BlockingConfig
	clock clock.Clock
}

// NewBlockingDetector creates the blocking-detection loop.
func NewBlockingDetector(s TicketStore, cfg config.BlockingConfig, clk clock.Clock) *BlockingDetector {
	return &BlockingDetector{store: s, cfg: cfg, clock: clk}
}

func (b *BlockingDetector) Name() string            { return "blocking-detector" }
func (b *BlockingDetector) Interval() time.Duration { return blockingInterval }

// Tick blocks every stale in-progress ticket. Per-ticket failures are
// logged and do not stop the scan.
func (b *BlockingDetector) Tick(ctx context.Context) error {
	now := b.clock.Now()
	tickets, err := b.store.ListStaleTickets(ctx, now.Add(-b.cfg.Threshold()))
	if err != nil {
		return fmt.Errorf("failed to list stale tickets: %w", err)
	}

	for _, ticket := range tickets {
		ev := events.New(events.EventTicketBlocked, events.EntityTicket, ticket.ID,
			events.TicketSupervisionPayload{
				TicketID:    ticket.ID,
				Detail:      fmt.Sprintf("no task progress for %s", b.cfg.Threshold()),
				BlockerType: BlockerNoTaskProgress,
			}, now)
		if _, err := b.store.UpdateTicketStatus(ctx, ticket.ID, models.TicketStatusBlocked, BlockerNoTaskProgress, ev); err != nil {
			slog.Error("Blocking detection failed", "ticket_id", ticket.ID, "error", err)
			continue
		}
		slog.Warn("Ticket blocked", "ticket_id", ticket.ID, "blocker_type", BlockerNoTaskProgress)
	}
	return nil
}
