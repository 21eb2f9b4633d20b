package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentfleet/fleetd/pkg/models"
)

func (s *Store) AppendEvents(ctx context.Context, evs ...models.SystemEvent) error {
	return appendEvents(ctx, s.db, evs)
}

func (s *Store) NextOutboxBatch(ctx context.Context, limit int) ([]models.SystemEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_type, entity_type, entity_id, payload, occurred_at
		 FROM outbox_events
		 WHERE drained_at IS NULL
		 ORDER BY id ASC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("next outbox batch: %w", err)
	}
	defer rows.Close()

	var out []models.SystemEvent
	for rows.Next() {
		var (
			ev      models.SystemEvent
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.EntityType, &ev.EntityID, &payload, &ev.OccurredAt); err != nil {
			return nil, err
		}
		if err := unmarshalObject(payload, &ev.Payload); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) MarkDrained(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	ph := make([]string, len(ids))
	for i, id := range ids {
		args[i] = id
		ph[i] = fmt.Sprintf("$%d", i+1)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_events SET drained_at = now() WHERE id IN (`+strings.Join(ph, ", ")+`)`,
		args...)
	if err != nil {
		return fmt.Errorf("mark drained: %w", err)
	}
	return nil
}

func (s *Store) OutboxDepth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox_events WHERE drained_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("outbox depth: %w", err)
	}
	return n, nil
}
