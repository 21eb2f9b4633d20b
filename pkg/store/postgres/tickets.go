package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentfleet/fleetd/pkg/models"
	"github.com/agentfleet/fleetd/pkg/store"
)

const ticketColumns = `id, project_id, title, description, priority, status,
	phase, blocker_type, review_deadline, created_at, updated_at`

func scanTicket(row scanner) (*models.Ticket, error) {
	var (
		t        models.Ticket
		deadline sql.NullTime
	)
	err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Priority, &t.Status,
		&t.Phase, &t.BlockerType, &deadline, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if deadline.Valid {
		d := deadline.Time
		t.ReviewDeadline = &d
	}
	return &t, nil
}

func (s *Store) CreateTicket(ctx context.Context, t *models.Ticket) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tickets (id, project_id, title, description, priority, status,
			phase, blocker_type, review_deadline, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO NOTHING`,
		t.ID, t.ProjectID, t.Title, t.Description, t.Priority, t.Status,
		t.Phase, t.BlockerType, t.ReviewDeadline, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert ticket: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrAlreadyExists
	}
	return nil
}

func (s *Store) GetTicket(ctx context.Context, id string) (*models.Ticket, error) {
	t, err := scanTicket(s.db.QueryRowContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ticket: %w", err)
	}
	return t, nil
}

func (s *Store) ListTicketsByStatus(ctx context.Context, status models.TicketStatus) ([]*models.Ticket, error) {
	return s.queryTickets(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE status = $1 ORDER BY created_at ASC`, status)
}

func (s *Store) queryTickets(ctx context.Context, query string, args ...any) ([]*models.Ticket, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tickets: %w", err)
	}
	defer rows.Close()

	var out []*models.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateTicketStatus(ctx context.Context, id string, to models.TicketStatus, blockerType string, evs ...models.SystemEvent) (*models.Ticket, error) {
	var out *models.Ticket
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		t, err := scanTicket(tx.QueryRowContext(ctx,
			`UPDATE tickets
			 SET status = $2,
			     blocker_type = COALESCE(NULLIF($3, ''), blocker_type),
			     updated_at = now()
			 WHERE id = $1
			 RETURNING `+ticketColumns,
			id, to, blockerType))
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("update ticket status: %w", err)
		}
		if err := appendEvents(ctx, tx, evs); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (s *Store) ListStaleTickets(ctx context.Context, before time.Time) ([]*models.Ticket, error) {
	// A ticket is stale when neither its own row nor any of its tasks saw
	// activity (creation, start, completion) after the cutoff.
	return s.queryTickets(ctx,
		`SELECT `+ticketColumns+` FROM tickets tk
		 WHERE tk.status = 'in_progress'
		   AND GREATEST(
		       tk.updated_at,
		       COALESCE((
		           SELECT MAX(GREATEST(
		               t.created_at,
		               COALESCE(t.started_at, '-infinity'::timestamptz),
		               COALESCE(t.completed_at, '-infinity'::timestamptz)))
		           FROM tasks t WHERE t.ticket_id = tk.id
		       ), tk.updated_at)
		   ) < $1
		 ORDER BY tk.created_at ASC`, before)
}
