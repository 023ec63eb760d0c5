// Package fulfillment hands paid orders to the downstream delivery system.
// Every path here is best-effort: order state never depends on it.
package fulfillment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/storefront/internal/domain"
)

// Topic carries OrderPaidEvent messages when fulfillment is relayed through Kafka.
const Topic = "order.paid"

type Notifier interface {
	Notify(ctx context.Context, event domain.OrderPaidEvent) error
}

// NewOrderPaidEvent builds the fulfillment payload from a paid order.
func NewOrderPaidEvent(order *domain.Order, at time.Time) domain.OrderPaidEvent {
	return domain.OrderPaidEvent{
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		CustomerEmail: order.CustomerEmail,
		Items:         order.Lines,
		TotalCents:    order.TotalCents,
		Total:         decimal.New(order.TotalCents, -2).StringFixed(2),
		Timestamp:     at.UTC(),
	}
}

// HTTPNotifier POSTs the event as JSON to a fulfillment endpoint.
type HTTPNotifier struct {
	url        string
	httpClient *http.Client
}

func NewHTTPNotifier(url string, client *http.Client) *HTTPNotifier {
	return &HTTPNotifier{url: url, httpClient: client}
}

func (n *HTTPNotifier) Notify(ctx context.Context, event domain.OrderPaidEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("fulfillment endpoint returned status %d", resp.StatusCode)
	}

	return nil
}

type Publisher interface {
	Publish(ctx context.Context, key string, event any) error
}

// KafkaNotifier publishes the event keyed by order id for the relay worker.
type KafkaNotifier struct {
	publisher Publisher
}

func NewKafkaNotifier(publisher Publisher) *KafkaNotifier {
	return &KafkaNotifier{publisher: publisher}
}

func (n *KafkaNotifier) Notify(ctx context.Context, event domain.OrderPaidEvent) error {
	return n.publisher.Publish(ctx, event.OrderID, event)
}
