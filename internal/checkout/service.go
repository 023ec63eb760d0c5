// Package checkout turns a cart into a pending order and a hosted payment
// session, reusing a still-open session when the same buyer resubmits the
// same cart.
package checkout

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/joao-fontenele/storefront/internal/domain"
	"github.com/joao-fontenele/storefront/internal/payment"
	"github.com/joao-fontenele/storefront/internal/sanitize"
	"github.com/joao-fontenele/storefront/internal/telemetry"
)

type Catalog interface {
	FindActive(ctx context.Context, ids []string) (map[string]domain.Product, error)
}

type OrderStore interface {
	FindRecentPending(ctx context.Context, email string, since time.Time) ([]domain.Order, error)
	Create(ctx context.Context, order *domain.Order) error
	CreateLines(ctx context.Context, orderID string, lines []domain.OrderLine) error
	SetSessionID(ctx context.Context, orderID, sessionID string) error
}

type SessionProvider interface {
	CreateSession(ctx context.Context, req payment.SessionRequest) (*payment.Session, error)
	RetrieveSession(ctx context.Context, id string) (*payment.Session, error)
}

type Options struct {
	// AppURL is the public base used for the processor's redirect targets.
	AppURL          string
	DuplicateWindow time.Duration
	UpstreamTimeout time.Duration
}

type Request struct {
	Items         []domain.CartLine `json:"items"`
	CustomerEmail string            `json:"customerEmail"`
}

type Result struct {
	SessionURL  string `json:"sessionUrl"`
	OrderID     string `json:"orderId"`
	OrderNumber string `json:"orderNumber"`
	IsExisting  bool   `json:"isExisting"`
}

type Service struct {
	catalog  Catalog
	orders   OrderStore
	sessions SessionProvider
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
	outcomes metric.Int64Counter
}

func NewService(catalog Catalog, orders OrderStore, sessions SessionProvider, opts Options, logger *slog.Logger) *Service {
	return &Service{
		catalog:  catalog,
		orders:   orders,
		sessions: sessions,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		outcomes: telemetry.NewCounter("storefront.checkout.initiations", "Checkout initiations by outcome"),
	}
}

// Initiate validates the cart, returns the open session of an equivalent
// recent pending order when there is one, and otherwise creates an order,
// its lines and a new payment session. A failure after the order row is
// written leaves a pending order behind.
func (s *Service) Initiate(ctx context.Context, req Request) (*Result, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "checkout.initiate",
		trace.WithAttributes(attribute.Int("checkout.items", len(req.Items))),
	)
	defer span.End()

	result, err := s.initiate(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
		return nil, err
	}

	outcome := "created"
	if result.IsExisting {
		outcome = "reused"
	}
	span.SetAttributes(
		attribute.String("order.id", result.OrderID),
		attribute.Bool("checkout.existing", result.IsExisting),
	)
	s.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))

	return result, nil
}

func (s *Service) initiate(ctx context.Context, req Request) (*Result, error) {
	email, cart, err := validate(req)
	if err != nil {
		return nil, err
	}

	if existing := s.findReusable(ctx, email, cart); existing != nil {
		return existing, nil
	}

	products, err := s.loadProducts(ctx, cart)
	if err != nil {
		return nil, err
	}

	lines := make([]domain.OrderLine, 0, len(cart))
	var total int64
	for _, item := range cart {
		product := products[item.ProductID]
		line := domain.OrderLine{
			ProductID:      product.ID,
			ProductName:    product.Name,
			UnitPriceCents: product.PriceCents,
			Quantity:       item.Quantity,
		}
		total += line.AmountCents()
		lines = append(lines, line)
	}

	order := &domain.Order{
		OrderNumber:   generateOrderNumber(s.now()),
		CustomerEmail: email,
		TotalCents:    total,
		Status:        domain.OrderStatusPending,
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.UpstreamTimeout)
	err = s.orders.Create(callCtx, order)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: create order: %v", domain.ErrUpstream, err)
	}

	callCtx, cancel = context.WithTimeout(ctx, s.opts.UpstreamTimeout)
	err = s.orders.CreateLines(callCtx, order.ID, lines)
	cancel()
	if err != nil {
		s.logger.Error("order left without lines", "error", err, "order_id", order.ID)
		return nil, fmt.Errorf("%w: create order lines: %v", domain.ErrUpstream, err)
	}

	callCtx, cancel = context.WithTimeout(ctx, s.opts.UpstreamTimeout)
	session, err := s.sessions.CreateSession(callCtx, s.sessionRequest(order, email, cart, products))
	cancel()
	if err != nil {
		s.logger.Error("order left without payment session", "error", err, "order_id", order.ID)
		return nil, fmt.Errorf("%w: create payment session: %v", domain.ErrUpstream, err)
	}

	callCtx, cancel = context.WithTimeout(ctx, s.opts.UpstreamTimeout)
	err = s.orders.SetSessionID(callCtx, order.ID, session.ID)
	cancel()
	if err != nil {
		s.logger.Warn("failed to attach session to order", "error", err, "order_id", order.ID, "session_id", session.ID)
	}

	s.logger.Info("checkout session created",
		"order_id", order.ID,
		"order_number", order.OrderNumber,
		"session_id", session.ID,
		"total_cents", total,
	)

	return &Result{
		SessionURL:  session.URL,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
	}, nil
}

// findReusable returns the open session of a recent pending order with the
// same buyer and product set. Any lookup failure is logged and treated as
// "no duplicate".
func (s *Service) findReusable(ctx context.Context, email string, cart []domain.CartLine) *Result {
	callCtx, cancel := context.WithTimeout(ctx, s.opts.UpstreamTimeout)
	recent, err := s.orders.FindRecentPending(callCtx, email, s.now().Add(-s.opts.DuplicateWindow))
	cancel()
	if err != nil {
		s.logger.Warn("duplicate order lookup failed", "error", err)
		return nil
	}

	want := productSet(cart)
	for i := range recent {
		candidate := &recent[i]
		if candidate.SessionID == "" || !sameSet(want, candidate.ProductIDSet()) {
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, s.opts.UpstreamTimeout)
		session, err := s.sessions.RetrieveSession(callCtx, candidate.SessionID)
		cancel()
		if err != nil {
			s.logger.Warn("failed to retrieve existing session", "error", err, "order_id", candidate.ID, "session_id", candidate.SessionID)
			continue
		}
		if !session.Reusable() {
			s.logger.Info("existing session no longer open", "order_id", candidate.ID, "session_status", session.Status)
			continue
		}

		s.logger.Info("reusing checkout session", "order_id", candidate.ID, "session_id", session.ID)
		return &Result{
			SessionURL:  session.URL,
			OrderID:     candidate.ID,
			OrderNumber: candidate.OrderNumber,
			IsExisting:  true,
		}
	}

	return nil
}

func (s *Service) loadProducts(ctx context.Context, cart []domain.CartLine) (map[string]domain.Product, error) {
	ids := make([]string, 0, len(cart))
	for id := range productSet(cart) {
		ids = append(ids, id)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.UpstreamTimeout)
	products, err := s.catalog.FindActive(callCtx, ids)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: load products: %v", domain.ErrUpstream, err)
	}

	for _, item := range cart {
		if _, ok := products[item.ProductID]; !ok {
			return nil, fmt.Errorf("%w: product %s", domain.ErrNotFound, item.ProductID)
		}
	}

	return products, nil
}

func (s *Service) sessionRequest(order *domain.Order, email string, cart []domain.CartLine, products map[string]domain.Product) payment.SessionRequest {
	items := make([]payment.LineItem, 0, len(cart))
	for _, item := range cart {
		product := products[item.ProductID]
		line := payment.LineItem{
			Name:            sanitize.ForExternalText(product.Name, payment.MaxNameLength),
			Description:     sanitize.ForExternalText(product.Description, payment.MaxDescriptionLength),
			UnitAmountCents: product.PriceCents,
			Quantity:        item.Quantity,
		}
		if line.Name == "" {
			line.Name = product.ID
		}
		if len(product.Images) > 0 {
			line.ImageURL = sanitize.HTTPURL(product.Images[0])
		}
		items = append(items, line)
	}

	return payment.SessionRequest{
		LineItems:     items,
		SuccessURL:    s.opts.AppURL + "/order/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:     s.opts.AppURL + "/cart",
		CustomerEmail: email,
		Metadata: map[string]string{
			payment.MetadataOrderID:     order.ID,
			payment.MetadataOrderNumber: order.OrderNumber,
		},
	}
}

func validate(req Request) (string, []domain.CartLine, error) {
	if len(req.Items) == 0 {
		return "", nil, fmt.Errorf("%w: no items provided", domain.ErrValidation)
	}

	email, err := sanitize.NormalizeEmail(req.CustomerEmail)
	if err != nil {
		return "", nil, err
	}

	cart := make([]domain.CartLine, 0, len(req.Items))
	for _, item := range req.Items {
		id := strings.TrimSpace(item.ProductID)
		if id == "" {
			return "", nil, fmt.Errorf("%w: item without product id", domain.ErrValidation)
		}
		quantity := item.Quantity
		switch {
		case quantity == 0:
			quantity = 1
		case quantity < 0, quantity > domain.MaxLineQuantity:
			return "", nil, fmt.Errorf("%w: invalid quantity %d for product %s", domain.ErrValidation, quantity, id)
		}
		cart = append(cart, domain.CartLine{ProductID: id, Quantity: quantity})
	}

	return email, cart, nil
}

// generateOrderNumber returns ORD-<yyyymmdd>-<10 hex chars of a random uuid>.
func generateOrderNumber(now time.Time) string {
	token := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return "ORD-" + now.UTC().Format("20060102") + "-" + token[:10]
}

func productSet(cart []domain.CartLine) map[string]struct{} {
	set := make(map[string]struct{}, len(cart))
	for _, item := range cart {
		set[item.ProductID] = struct{}{}
	}
	return set
}

func sameSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}
