package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"market-orchestrator/internal/domain"
)

// OutboxEvent is a stored notification waiting to be published.
type OutboxEvent struct {
	ID          uuid.UUID
	AggregateID uuid.UUID
	EventType   string
	RecipientID string
	Payload     []byte
	Attempts    int
}

type OutboxRepo interface {
	// Add stores a notification; pass the tx of the state change it belongs to.
	Add(ctx context.Context, tx *sql.Tx, n domain.Notification) error
	// ClaimBatch locks up to limit events, skipping rows another processor holds.
	ClaimBatch(ctx context.Context, tx *sql.Tx, limit int) ([]OutboxEvent, error)
	Delete(ctx context.Context, tx *sql.Tx, id uuid.UUID) error
	MarkAttempt(ctx context.Context, tx *sql.Tx, id uuid.UUID) error
}

type outboxRepo struct {
	db *sql.DB
}

func NewOutboxRepo(db *sql.DB) OutboxRepo {
	return &outboxRepo{db: db}
}

func (r *outboxRepo) Add(ctx context.Context, tx *sql.Tx, n domain.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}
	_, err = execNode(r.db, tx).ExecContext(ctx, `
		INSERT INTO outbox (id, aggregate_id, event_type, recipient_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		n.ID, n.AggregateID, n.Type, n.RecipientID, payload, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

func (r *outboxRepo) ClaimBatch(ctx context.Context, tx *sql.Tx, limit int) ([]OutboxEvent, error) {
	rows, err := execNode(r.db, tx).QueryContext(ctx, `
		SELECT id, aggregate_id, event_type, recipient_id, payload, attempts
		FROM outbox
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.EventType, &e.RecipientID, &e.Payload, &e.Attempts); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *outboxRepo) Delete(ctx context.Context, tx *sql.Tx, id uuid.UUID) error {
	_, err := execNode(r.db, tx).ExecContext(ctx, "DELETE FROM outbox WHERE id = $1", id)
	return err
}

func (r *outboxRepo) MarkAttempt(ctx context.Context, tx *sql.Tx, id uuid.UUID) error {
	_, err := execNode(r.db, tx).ExecContext(ctx, "UPDATE outbox SET attempts = attempts + 1 WHERE id = $1", id)
	return err
}
