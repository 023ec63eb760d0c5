package fulfillment

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/joao-fontenele/storefront/internal/domain"
	"github.com/joao-fontenele/storefront/internal/telemetry"
)

// Dispatcher runs notifications in the background. Failures are logged and
// counted, never returned to the caller.
type Dispatcher struct {
	notifier Notifier
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
	results  metric.Int64Counter
	wg       sync.WaitGroup
}

// NewDispatcher returns a dispatcher for notifier. A nil notifier disables
// dispatch entirely.
func NewDispatcher(notifier Notifier, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		notifier: notifier,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
		results:  telemetry.NewCounter("storefront.fulfillment.notifications", "Fulfillment notifications by outcome"),
	}
}

// Dispatch returns immediately. ctx only contributes its values (trace
// context); its cancellation does not stop the notification.
func (d *Dispatcher) Dispatch(ctx context.Context, order *domain.Order) {
	if d.notifier == nil || order == nil {
		return
	}

	event := NewOrderPaidEvent(order, d.now())
	ctx = context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()

		if err := d.notifier.Notify(ctx, event); err != nil {
			d.results.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
			d.logger.Error("fulfillment notification failed", "error", err, "order_id", event.OrderID)
			return
		}

		d.results.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "sent")))
		d.logger.Info("fulfillment notified", "order_id", event.OrderID, "order_number", event.OrderNumber)
	}()
}

// Wait blocks until every dispatched notification has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
