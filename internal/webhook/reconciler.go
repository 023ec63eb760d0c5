// Package webhook applies verified payment processor events to orders.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/joao-fontenele/storefront/internal/domain"
	"github.com/joao-fontenele/storefront/internal/payment"
	"github.com/joao-fontenele/storefront/internal/telemetry"
)

// Diagnostic metadata values written to the processed-event ledger.
const (
	diagMissingOrderID    = "missing_order_id"
	diagOrderNotFound     = "order_not_found"
	diagOrderUpdateFailed = "order_update_failed"
	diagFetchAfterUpdate  = "order_fetch_failed_after_update"
)

type EventVerifier interface {
	ParseEvent(payload []byte, signature string) (*payment.Event, error)
}

type OrderStore interface {
	Transition(ctx context.Context, id string, to domain.OrderStatus, paymentIntentID string) (bool, error)
	GetByID(ctx context.Context, id string) (*domain.Order, error)
	FindByPaymentIntent(ctx context.Context, paymentIntentID string) (*domain.Order, error)
}

type Ledger interface {
	Exists(ctx context.Context, eventID string) (bool, error)
	Record(ctx context.Context, event domain.ProcessedEvent) (bool, error)
}

type Fulfiller interface {
	Dispatch(ctx context.Context, order *domain.Order)
}

// Outcome describes an event that was accepted.
type Outcome struct {
	EventID          string
	AlreadyProcessed bool
	Warning          string
}

type Reconciler struct {
	verifier  EventVerifier
	orders    OrderStore
	ledger    Ledger
	fulfiller Fulfiller
	timeout   time.Duration
	logger    *slog.Logger
	events    metric.Int64Counter
}

const defaultStoreTimeout = 10 * time.Second

// NewReconciler builds a Reconciler whose store calls are each bounded by
// timeout. A non-positive timeout falls back to 10s.
func NewReconciler(verifier EventVerifier, orders OrderStore, ledger Ledger, fulfiller Fulfiller, timeout time.Duration, logger *slog.Logger) *Reconciler {
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	return &Reconciler{
		verifier:  verifier,
		orders:    orders,
		ledger:    ledger,
		fulfiller: fulfiller,
		timeout:   timeout,
		logger:    logger,
		events:    telemetry.NewCounter("storefront.webhook.events", "Payment webhook events by type and result"),
	}
}

// Process verifies payload against signature, skips events already in the
// ledger and applies the order transition the event implies.
//
// Errors wrap domain.ErrAuthentication or domain.ErrValidation for rejected
// input, domain.ErrReconciliation for events that cannot be correlated with
// an order, and domain.ErrUpstream when the store failed before any order
// changed.
func (r *Reconciler) Process(ctx context.Context, payload []byte, signature string) (*Outcome, error) {
	event, err := r.verifier.ParseEvent(payload, signature)
	if err != nil {
		r.events.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "rejected")))
		if errors.Is(err, payment.ErrInvalidSignature) {
			return nil, fmt.Errorf("%w: %v", domain.ErrAuthentication, err)
		}
		return nil, fmt.Errorf("%w: malformed event: %v", domain.ErrValidation, err)
	}

	ctx, span := telemetry.Tracer().Start(ctx, "webhook.process",
		trace.WithAttributes(
			attribute.String("webhook.event_id", event.ID),
			attribute.String("webhook.event_type", event.Type),
		),
	)
	defer span.End()

	outcome, err := r.process(ctx, event)

	result := "processed"
	switch {
	case err != nil:
		result = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case outcome.AlreadyProcessed:
		result = "duplicate"
	}
	r.events.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", event.Type),
		attribute.String("result", result),
	))

	return outcome, err
}

func (r *Reconciler) process(ctx context.Context, event *payment.Event) (*Outcome, error) {
	seen, err := r.alreadyProcessed(ctx, event.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: check processed events: %v", domain.ErrUpstream, err)
	}
	if seen {
		r.logger.Info("event already processed", "event_id", event.ID, "event_type", event.Type)
		return &Outcome{EventID: event.ID, AlreadyProcessed: true}, nil
	}

	switch event.Kind {
	case payment.EventPaymentSucceeded:
		return r.paymentSucceeded(ctx, event)
	case payment.EventPaymentFailed:
		return r.paymentFailed(ctx, event)
	case payment.EventRefunded:
		return r.refunded(ctx, event)
	default:
		r.logger.Info("unhandled event type", "event_id", event.ID, "event_type", event.Type)
		r.record(ctx, event, "", nil)
		return &Outcome{EventID: event.ID}, nil
	}
}

func (r *Reconciler) paymentSucceeded(ctx context.Context, event *payment.Event) (*Outcome, error) {
	if event.OrderID == "" {
		r.logger.Error("payment succeeded without order id", "event_id", event.ID, "session_id", event.SessionID, "customer_email", event.CustomerEmail)
		r.record(ctx, event, "", map[string]string{"error": diagMissingOrderID, "session_id": event.SessionID})
		return nil, fmt.Errorf("%w: missing order id in session %s", domain.ErrReconciliation, event.SessionID)
	}

	updated, err := r.transition(ctx, event.OrderID, domain.OrderStatusPaid, event.PaymentIntentID)
	if err != nil {
		r.logger.Error("failed to mark order paid", "error", err, "order_id", event.OrderID, "session_id", event.SessionID)
		r.record(ctx, event, event.OrderID, map[string]string{"error": diagOrderUpdateFailed, "error_details": err.Error()})
		return nil, fmt.Errorf("%w: mark order %s paid: %v", domain.ErrUpstream, event.OrderID, err)
	}

	if !updated {
		return r.paymentNotApplied(ctx, event)
	}

	r.logger.Info("order paid", "order_id", event.OrderID, "order_number", event.OrderNumber, "payment_intent_id", event.PaymentIntentID)

	order, err := r.getOrder(ctx, event.OrderID)
	if err != nil || order == nil {
		r.logger.Error("failed to load paid order for fulfillment", "error", err, "order_id", event.OrderID)
		r.record(ctx, event, event.OrderID, map[string]string{"warning": diagFetchAfterUpdate, "session_id": event.SessionID})
		return &Outcome{EventID: event.ID, Warning: "order updated but fetch failed"}, nil
	}

	r.fulfiller.Dispatch(ctx, order)

	r.record(ctx, event, order.ID, map[string]string{"session_id": event.SessionID, "customer_email": order.CustomerEmail})
	return &Outcome{EventID: event.ID}, nil
}

// paymentNotApplied handles a success event whose order was not pending:
// either the order does not exist or it already moved on.
func (r *Reconciler) paymentNotApplied(ctx context.Context, event *payment.Event) (*Outcome, error) {
	order, err := r.getOrder(ctx, event.OrderID)
	if err != nil {
		return nil, fmt.Errorf("%w: load order %s: %v", domain.ErrUpstream, event.OrderID, err)
	}

	if order == nil {
		r.logger.Error("payment succeeded for unknown order", "event_id", event.ID, "order_id", event.OrderID)
		r.record(ctx, event, event.OrderID, map[string]string{"error": diagOrderNotFound, "session_id": event.SessionID})
		return nil, fmt.Errorf("%w: order %s not found", domain.ErrReconciliation, event.OrderID)
	}

	r.logger.Warn("payment succeeded for order not pending, leaving status unchanged",
		"event_id", event.ID,
		"order_id", order.ID,
		"status", order.Status,
	)
	r.record(ctx, event, order.ID, map[string]string{"session_id": event.SessionID, "skipped_status": string(order.Status)})
	return &Outcome{EventID: event.ID}, nil
}

func (r *Reconciler) paymentFailed(ctx context.Context, event *payment.Event) (*Outcome, error) {
	if event.OrderID != "" {
		updated, err := r.transition(ctx, event.OrderID, domain.OrderStatusFailed, "")
		if err != nil {
			return nil, fmt.Errorf("%w: mark order %s failed: %v", domain.ErrUpstream, event.OrderID, err)
		}
		if updated {
			r.logger.Info("order payment failed", "order_id", event.OrderID, "payment_intent_id", event.PaymentIntentID)
		} else {
			r.logger.Info("payment failure ignored, order not pending", "order_id", event.OrderID)
		}
	} else {
		r.logger.Warn("payment failed without order id", "event_id", event.ID, "payment_intent_id", event.PaymentIntentID)
	}

	r.record(ctx, event, event.OrderID, map[string]string{"payment_intent_id": event.PaymentIntentID})
	return &Outcome{EventID: event.ID}, nil
}

func (r *Reconciler) refunded(ctx context.Context, event *payment.Event) (*Outcome, error) {
	var orderID string

	if event.PaymentIntentID != "" {
		order, err := r.findByPaymentIntent(ctx, event.PaymentIntentID)
		if err != nil {
			return nil, fmt.Errorf("%w: find order for payment intent %s: %v", domain.ErrUpstream, event.PaymentIntentID, err)
		}

		if order != nil {
			orderID = order.ID
			updated, err := r.transition(ctx, order.ID, domain.OrderStatusRefunded, "")
			if err != nil {
				return nil, fmt.Errorf("%w: mark order %s refunded: %v", domain.ErrUpstream, order.ID, err)
			}
			if updated {
				r.logger.Info("order refunded", "order_id", order.ID, "charge_id", event.ObjectID)
			} else {
				r.logger.Info("refund ignored, order not paid", "order_id", order.ID, "status", order.Status)
			}
		}
	}

	if orderID == "" {
		r.logger.Warn("refund for unknown payment intent", "event_id", event.ID, "payment_intent_id", event.PaymentIntentID)
	}

	r.record(ctx, event, orderID, map[string]string{"charge_id": event.ObjectID, "payment_intent_id": event.PaymentIntentID})
	return &Outcome{EventID: event.ID}, nil
}

// record appends the event to the ledger. A failed write is logged only:
// by the time it runs the event's effect, if any, is already durable.
func (r *Reconciler) record(ctx context.Context, event *payment.Event, orderID string, metadata map[string]string) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	inserted, err := r.ledger.Record(ctx, domain.ProcessedEvent{
		EventID:   event.ID,
		EventType: event.Type,
		OrderID:   orderID,
		Metadata:  compact(metadata),
	})
	if err != nil {
		r.logger.Error("failed to record processed event", "error", err, "event_id", event.ID, "order_id", orderID)
		return
	}
	if !inserted {
		r.logger.Warn("event recorded concurrently by another delivery", "event_id", event.ID)
	}
}

func (r *Reconciler) alreadyProcessed(ctx context.Context, eventID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.ledger.Exists(ctx, eventID)
}

func (r *Reconciler) transition(ctx context.Context, id string, to domain.OrderStatus, paymentIntentID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.orders.Transition(ctx, id, to, paymentIntentID)
}

func (r *Reconciler) getOrder(ctx context.Context, id string) (*domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.orders.GetByID(ctx, id)
}

func (r *Reconciler) findByPaymentIntent(ctx context.Context, paymentIntentID string) (*domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.orders.FindByPaymentIntent(ctx, paymentIntentID)
}

func compact(metadata map[string]string) map[string]string {
	for k, v := range metadata {
		if v == "" {
			delete(metadata, k)
		}
	}
	if len(metadata) == 0 {
		return nil
	}
	return metadata
}
