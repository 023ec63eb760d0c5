package domain

import "time"

// ProcessedEvent is one entry of the append-only webhook dedup ledger,
// keyed by the payment processor's event id.
type ProcessedEvent struct {
	EventID   string            `json:"event_id"`
	EventType string            `json:"event_type"`
	OrderID   string            `json:"order_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// OrderPaidEvent is handed to fulfillment once an order is durably paid.
type OrderPaidEvent struct {
	OrderID       string      `json:"orderId"`
	OrderNumber   string      `json:"orderNumber"`
	CustomerEmail string      `json:"customerEmail"`
	Items         []OrderLine `json:"items"`
	TotalCents    int64       `json:"totalCents"`
	Total         string      `json:"total"`
	Timestamp     time.Time   `json:"timestamp"`
}
