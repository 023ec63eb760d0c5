package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/joao-fontenele/storefront/internal/domain"
)

// EventLedger is the processed_events table: one row per processor event id.
type EventLedger struct {
	db *sql.DB
}

func NewEventLedger(db *sql.DB) *EventLedger {
	return &EventLedger{db: db}
}

func (l *EventLedger) Exists(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := l.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)
	`, eventID).Scan(&exists)
	return exists, err
}

// Record appends event to the ledger. It reports false when a row for the
// same event id was already written by a concurrent delivery.
func (l *EventLedger) Record(ctx context.Context, event domain.ProcessedEvent) (bool, error) {
	metadata := event.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return false, err
	}

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	result, err := l.db.ExecContext(ctx, `
		INSERT INTO processed_events (event_id, event_type, order_id, metadata, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)
		ON CONFLICT (event_id) DO NOTHING
	`, event.EventID, event.EventType, event.OrderID, data, event.CreatedAt)
	if err != nil {
		return false, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rowsAffected > 0, nil
}

func (l *EventLedger) Get(ctx context.Context, eventID string) (*domain.ProcessedEvent, error) {
	var event domain.ProcessedEvent
	var data []byte
	err := l.db.QueryRowContext(ctx, `
		SELECT event_id, event_type, COALESCE(order_id, ''), metadata, created_at
		FROM processed_events
		WHERE event_id = $1
	`, eventID).Scan(&event.EventID, &event.EventType, &event.OrderID, &data, &event.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, &event.Metadata); err != nil {
		return nil, err
	}

	return &event, nil
}

func (l *EventLedger) CountForOrder(ctx context.Context, orderID string) (int, error) {
	var count int
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM processed_events WHERE order_id = $1
	`, orderID).Scan(&count)
	return count, err
}
