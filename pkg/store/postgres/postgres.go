// Package postgres implements the store contract on PostgreSQL.
//
// Compare-and-set operations run as single conditional UPDATEs; composite
// operations (mutation + audit + events) run in one transaction so the
// outbox rows commit together with the business change.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/agentfleet/fleetd/pkg/models"
	"github.com/agentfleet/fleetd/pkg/store"
)

// Store is the PostgreSQL engine.
type Store struct {
	db *sql.DB
}

// New creates a Store over an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

var _ store.Store = (*Store)(nil)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// inTx runs fn inside a transaction, committing on nil error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// appendEvents inserts events into the outbox using the given querier, so
// callers inside a transaction get commit-atomicity with their mutation.
func appendEvents(ctx context.Context, q querier, evs []models.SystemEvent) error {
	for _, ev := range evs {
		payload, err := jsonObject(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		_, err = q.ExecContext(ctx,
			`INSERT INTO outbox_events (event_type, entity_type, entity_id, payload, occurred_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			ev.EventType, ev.EntityType, ev.EntityID, payload, ev.OccurredAt)
		if err != nil {
			return fmt.Errorf("insert outbox event: %w", err)
		}
	}
	return nil
}

// --- JSONB helpers ---

// jsonArray marshals a string slice, mapping nil to the empty array so
// NOT NULL jsonb columns stay well-formed.
func jsonArray(ss []string) ([]byte, error) {
	if ss == nil {
		ss = []string{}
	}
	return json.Marshal(ss)
}

// jsonObject marshals a map, mapping nil to the empty object.
func jsonObject[V any](m map[string]V) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// jsonNullable marshals a map, mapping nil to SQL NULL.
func jsonNullable(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalArray(data []byte, out *[]string) error {
	if len(data) == 0 {
		*out = nil
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal jsonb array: %w", err)
	}
	if len(*out) == 0 {
		*out = nil
	}
	return nil
}

func unmarshalObject[V any](data []byte, out *map[string]V) error {
	if len(data) == 0 {
		*out = nil
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal jsonb object: %w", err)
	}
	if len(*out) == 0 {
		*out = nil
	}
	return nil
}
