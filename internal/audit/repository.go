package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// PostgresSink persists audit events through sqlx
type PostgresSink struct {
	db *sqlx.DB
}

func NewPostgresSink(db *sqlx.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

// EnsureSchema creates the audit table when it does not exist yet
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_events (
			id UUID PRIMARY KEY,
			actor UUID NOT NULL,
			entity TEXT NOT NULL,
			entity_id BIGINT NOT NULL,
			action TEXT NOT NULL,
			payload JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to create audit schema: %w", err)
	}
	return nil
}

func (s *PostgresSink) Append(ctx context.Context, event Event) error {
	query := `
		INSERT INTO audit_events (
			id, actor, entity, entity_id, action, payload, created_at
		) VALUES (
			:id, :actor, :entity, :entity_id, :action, :payload, :created_at
		)`
	_, err := s.db.NamedExecContext(ctx, query, event)
	return err
}

// ListByEntity returns the event history for one entity, oldest first
func (s *PostgresSink) ListByEntity(ctx context.Context, entity string, entityID int64) ([]Event, error) {
	var events []Event
	err := s.db.SelectContext(ctx, &events,
		"SELECT * FROM audit_events WHERE entity = $1 AND entity_id = $2 ORDER BY created_at ASC",
		entity, entityID)
	return events, err
}

// ListByActor returns everything one actor did inside a time window
func (s *PostgresSink) ListByActor(ctx context.Context, actor uuid.UUID, since time.Time) ([]Event, error) {
	var events []Event
	err := s.db.SelectContext(ctx, &events,
		"SELECT * FROM audit_events WHERE actor = $1 AND created_at >= $2 ORDER BY created_at ASC",
		actor, since)
	return events, err
}
