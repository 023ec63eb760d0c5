package domain

import "time"

type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "pending"
	OrderStatusPaid     OrderStatus = "paid"
	OrderStatusFailed   OrderStatus = "failed"
	OrderStatusRefunded OrderStatus = "refunded"
)

// transitions lists the only status changes an order may go through.
var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {OrderStatusPaid, OrderStatusFailed},
	OrderStatusPaid:    {OrderStatusRefunded},
}

// CanTransition reports whether an order in status from may move to status to.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SourcesOf returns every status from which an order may move to status to.
func SourcesOf(to OrderStatus) []OrderStatus {
	var sources []OrderStatus
	for from := range transitions {
		if CanTransition(from, to) {
			sources = append(sources, from)
		}
	}
	return sources
}

// MaxLineQuantity caps a single cart line so line amounts stay within the
// order_lines.quantity column and the processor's per-item limit.
const MaxLineQuantity = 999999

// CartLine is a request-scoped product reference; it is never persisted.
type CartLine struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// OrderLine snapshots the catalog name and price at order time.
type OrderLine struct {
	ID             string `json:"id"`
	OrderID        string `json:"order_id"`
	ProductID      string `json:"product_id"`
	ProductName    string `json:"product_name"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Quantity       int    `json:"quantity"`
}

func (l OrderLine) AmountCents() int64 {
	return l.UnitPriceCents * int64(l.Quantity)
}

type Order struct {
	ID              string      `json:"id"`
	OrderNumber     string      `json:"order_number"`
	CustomerEmail   string      `json:"customer_email"`
	TotalCents      int64       `json:"total_cents"`
	Status          OrderStatus `json:"status"`
	SessionID       string      `json:"session_id,omitempty"`
	PaymentIntentID string      `json:"payment_intent_id,omitempty"`
	Lines           []OrderLine `json:"lines"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// ProductIDSet returns the distinct product ids referenced by the order lines.
func (o *Order) ProductIDSet() map[string]struct{} {
	set := make(map[string]struct{}, len(o.Lines))
	for _, line := range o.Lines {
		set[line.ProductID] = struct{}{}
	}
	return set
}
