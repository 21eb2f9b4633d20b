package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgreSQL caps NOTIFY payloads at 8000 bytes; leave headroom.
const notifyPayloadLimit = 7900

// PgNotifier broadcasts drained events cross-pod via pg_notify. Payloads
// over the NOTIFY size limit are replaced by a routing-only envelope;
// consumers fetch the full event by id.
type PgNotifier struct {
	db *sql.DB
}

// NewPgNotifier creates a Notifier backed by the given database handle.
func NewPgNotifier(db *sql.DB) *PgNotifier {
	return &PgNotifier{db: db}
}

var _ Notifier = (*PgNotifier)(nil)

// Notify sends the payload on the channel via pg_notify.
func (n *PgNotifier) Notify(ctx context.Context, channel string, payload []byte) error {
	out := string(payload)
	if len(out) > notifyPayloadLimit {
		truncated, err := buildTruncatedPayload(payload)
		if err != nil {
			return err
		}
		out = truncated
	}
	if _, err := n.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, out); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

// buildTruncatedPayload keeps only the routing fields of an oversized
// event so the consumer can fetch the full row.
func buildTruncatedPayload(payload []byte) (string, error) {
	var routing struct {
		ID         int64  `json:"id"`
		EventType  string `json:"event_type"`
		EntityType string `json:"entity_type"`
		EntityID   string `json:"entity_id"`
	}
	if err := json.Unmarshal(payload, &routing); err != nil {
		return "", fmt.Errorf("extract routing fields for truncation: %w", err)
	}

	out, err := json.Marshal(map[string]any{
		"id":          routing.ID,
		"event_type":  routing.EventType,
		"entity_type": routing.EntityType,
		"entity_id":   routing.EntityID,
		"truncated":   true,
	})
	if err != nil {
		return "", fmt.Errorf("marshal truncated payload: %w", err)
	}
	return string(out), nil
}
