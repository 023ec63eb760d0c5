package fulfillment

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/joao-fontenele/storefront/internal/domain"
)

// Relay forwards OrderPaidEvent messages consumed from Kafka to a notifier.
type Relay struct {
	notifier Notifier
	logger   *slog.Logger
}

func NewRelay(notifier Notifier, logger *slog.Logger) *Relay {
	return &Relay{notifier: notifier, logger: logger}
}

// Handle drops payloads that cannot be decoded, since redelivery would not
// fix them, and returns notifier errors so the consumer retries.
func (r *Relay) Handle(ctx context.Context, payload []byte) error {
	var event domain.OrderPaidEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		r.logger.Error("dropping malformed order paid event", "error", err)
		return nil
	}
	if event.OrderID == "" {
		r.logger.Error("dropping order paid event without order id")
		return nil
	}

	if err := r.notifier.Notify(ctx, event); err != nil {
		return err
	}

	r.logger.Info("order paid event relayed", "order_id", event.OrderID, "order_number", event.OrderNumber)
	return nil
}
