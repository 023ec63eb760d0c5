package checkout

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/joao-fontenele/storefront/internal/domain"
	"github.com/joao-fontenele/storefront/internal/payment"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeCatalog struct {
	products map[string]domain.Product
	err      error
}

func (c *fakeCatalog) FindActive(_ context.Context, ids []string) (map[string]domain.Product, error) {
	if c.err != nil {
		return nil, c.err
	}
	found := make(map[string]domain.Product)
	for _, id := range ids {
		if p, ok := c.products[id]; ok && p.Purchasable() {
			found[id] = p
		}
	}
	return found, nil
}

type fakeOrders struct {
	mu        sync.Mutex
	orders    map[string]*domain.Order
	createErr error
	linesErr  error
	setErr    error
	findErr   error
}

func newFakeOrders() *fakeOrders {
	return &fakeOrders{orders: make(map[string]*domain.Order)}
}

func (f *fakeOrders) FindRecentPending(_ context.Context, email string, since time.Time) ([]domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	var out []domain.Order
	for _, o := range f.orders {
		if o.CustomerEmail == email && o.Status == domain.OrderStatusPending && !o.CreatedAt.Before(since) {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *fakeOrders) Create(_ context.Context, order *domain.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	order.ID = uuid.NewString()
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt
	stored := *order
	f.orders[order.ID] = &stored
	return nil
}

func (f *fakeOrders) CreateLines(_ context.Context, orderID string, lines []domain.OrderLine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.linesErr != nil {
		return f.linesErr
	}
	for _, line := range lines {
		line.ID = uuid.NewString()
		line.OrderID = orderID
		f.orders[orderID].Lines = append(f.orders[orderID].Lines, line)
	}
	return nil
}

func (f *fakeOrders) SetSessionID(_ context.Context, orderID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.orders[orderID].SessionID = sessionID
	return nil
}

func (f *fakeOrders) get(id string) *domain.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orders[id]
}

func (f *fakeOrders) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

type fakeSessions struct {
	mu          sync.Mutex
	sessions    map[string]*payment.Session
	requests    []payment.SessionRequest
	createErr   error
	retrieveErr error
	seq         int
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: make(map[string]*payment.Session)}
}

func (f *fakeSessions) CreateSession(_ context.Context, req payment.SessionRequest) (*payment.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.seq++
	id := "cs_test_" + string(rune('a'+f.seq-1))
	s := &payment.Session{ID: id, URL: "https://checkout.stripe.com/c/pay/" + id, Status: payment.SessionStatusOpen}
	f.sessions[id] = s
	f.requests = append(f.requests, req)
	copied := *s
	return &copied, nil
}

func (f *fakeSessions) RetrieveSession(_ context.Context, id string) (*payment.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.retrieveErr != nil {
		return nil, f.retrieveErr
	}
	s, ok := f.sessions[id]
	if !ok {
		return nil, errors.New("no such checkout session")
	}
	copied := *s
	return &copied, nil
}

func (f *fakeSessions) expire(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id].Status = payment.SessionStatusExpired
}

func testCatalog() *fakeCatalog {
	return &fakeCatalog{products: map[string]domain.Product{
		"p1": {ID: "p1", Name: "Prompt Engineering Pack", Description: "<b>Prompts</b> for   teams", PriceCents: 2700, Status: domain.ProductStatusActive, Images: []string{"https://cdn.example.com/p1.png"}},
		"p2": {ID: "p2", Name: "Automation Workflow Bundle", PriceCents: 4900, Status: domain.ProductStatusActive, Images: []string{"javascript:alert(1)"}},
		"p4": {ID: "p4", Name: "Legacy Course", PriceCents: 9900, Status: domain.ProductStatusArchived},
	}}
}

func newTestService(catalog *fakeCatalog, orders *fakeOrders, sessions *fakeSessions) *Service {
	return NewService(catalog, orders, sessions, Options{
		AppURL:          "https://shop.example.com",
		DuplicateWindow: 15 * time.Minute,
		UpstreamTimeout: time.Second,
	}, discard)
}

func TestInitiate(t *testing.T) {
	t.Run("computes total from catalog prices", func(t *testing.T) {
		orders := newFakeOrders()
		sessions := newFakeSessions()
		svc := newTestService(testCatalog(), orders, sessions)

		result, err := svc.Initiate(context.Background(), Request{
			Items:         []domain.CartLine{{ProductID: "p1", Quantity: 2}},
			CustomerEmail: "  Buyer@Example.COM ",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if result.IsExisting {
			t.Fatal("expected a new order")
		}

		order := orders.get(result.OrderID)
		if order == nil {
			t.Fatal("order not stored")
		}
		if order.TotalCents != 5400 {
			t.Fatalf("expected total 5400, got %d", order.TotalCents)
		}
		if order.Status != domain.OrderStatusPending {
			t.Fatalf("expected pending, got %s", order.Status)
		}
		if order.CustomerEmail != "buyer@example.com" {
			t.Fatalf("expected normalized email, got %s", order.CustomerEmail)
		}
		if len(order.Lines) != 1 {
			t.Fatalf("expected 1 line, got %d", len(order.Lines))
		}
		if line := order.Lines[0]; line.Quantity != 2 || line.UnitPriceCents != 2700 || line.ProductName != "Prompt Engineering Pack" {
			t.Fatalf("unexpected line: %+v", line)
		}
		if order.SessionID != "cs_test_a" {
			t.Fatalf("expected session id to be attached, got %q", order.SessionID)
		}
		if result.SessionURL != "https://checkout.stripe.com/c/pay/cs_test_a" {
			t.Fatalf("unexpected session url %s", result.SessionURL)
		}
	})

	t.Run("sums multiple lines", func(t *testing.T) {
		orders := newFakeOrders()
		svc := newTestService(testCatalog(), orders, newFakeSessions())

		result, err := svc.Initiate(context.Background(), Request{
			Items:         []domain.CartLine{{ProductID: "p1", Quantity: 3}, {ProductID: "p2"}},
			CustomerEmail: "buyer@example.com",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		order := orders.get(result.OrderID)
		if want := int64(3*2700 + 4900); order.TotalCents != want {
			t.Fatalf("expected total %d, got %d", want, order.TotalCents)
		}
		var sum int64
		for _, line := range order.Lines {
			sum += line.AmountCents()
		}
		if sum != order.TotalCents {
			t.Fatalf("lines sum %d does not match total %d", sum, order.TotalCents)
		}
		if order.Lines[1].Quantity != 1 {
			t.Fatalf("expected missing quantity to default to 1, got %d", order.Lines[1].Quantity)
		}
	})

	t.Run("session request carries sanitized text and correlation metadata", func(t *testing.T) {
		orders := newFakeOrders()
		sessions := newFakeSessions()
		svc := newTestService(testCatalog(), orders, sessions)

		result, err := svc.Initiate(context.Background(), Request{
			Items:         []domain.CartLine{{ProductID: "p1", Quantity: 1}, {ProductID: "p2", Quantity: 1}},
			CustomerEmail: "buyer@example.com",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		req := sessions.requests[0]
		if req.Metadata[payment.MetadataOrderID] != result.OrderID {
			t.Fatalf("expected order id in metadata, got %v", req.Metadata)
		}
		if req.Metadata[payment.MetadataOrderNumber] != result.OrderNumber {
			t.Fatalf("expected order number in metadata, got %v", req.Metadata)
		}
		if req.LineItems[0].Description != "Prompts for teams" {
			t.Fatalf("expected sanitized description, got %q", req.LineItems[0].Description)
		}
		if req.LineItems[0].ImageURL != "https://cdn.example.com/p1.png" {
			t.Fatalf("expected image url, got %q", req.LineItems[0].ImageURL)
		}
		if req.LineItems[1].ImageURL != "" {
			t.Fatalf("expected unsafe image to be dropped, got %q", req.LineItems[1].ImageURL)
		}
		if req.SuccessURL != "https://shop.example.com/order/success?session_id={CHECKOUT_SESSION_ID}" {
			t.Fatalf("unexpected success url %s", req.SuccessURL)
		}
		if req.CancelURL != "https://shop.example.com/cart" {
			t.Fatalf("unexpected cancel url %s", req.CancelURL)
		}
	})

	t.Run("order number format", func(t *testing.T) {
		orders := newFakeOrders()
		svc := newTestService(testCatalog(), orders, newFakeSessions())

		result, err := svc.Initiate(context.Background(), Request{
			Items:         []domain.CartLine{{ProductID: "p1"}},
			CustomerEmail: "buyer@example.com",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if !regexp.MustCompile(`^ORD-\d{8}-[0-9A-F]{10}$`).MatchString(result.OrderNumber) {
			t.Fatalf("unexpected order number %q", result.OrderNumber)
		}
	})

	t.Run("validation errors", func(t *testing.T) {
		tests := []struct {
			name string
			req  Request
		}{
			{"empty cart", Request{CustomerEmail: "buyer@example.com"}},
			{"bad email", Request{Items: []domain.CartLine{{ProductID: "p1"}}, CustomerEmail: "not-an-email"}},
			{"missing product id", Request{Items: []domain.CartLine{{ProductID: " "}}, CustomerEmail: "buyer@example.com"}},
			{"negative quantity", Request{Items: []domain.CartLine{{ProductID: "p1", Quantity: -1}}, CustomerEmail: "buyer@example.com"}},
			{"quantity above cap", Request{Items: []domain.CartLine{{ProductID: "p1", Quantity: domain.MaxLineQuantity + 1}}, CustomerEmail: "buyer@example.com"}},
			{"quantity that would overflow the total", Request{Items: []domain.CartLine{{ProductID: "p1", Quantity: math.MaxInt64/2700 + 1}}, CustomerEmail: "buyer@example.com"}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				orders := newFakeOrders()
				svc := newTestService(testCatalog(), orders, newFakeSessions())

				_, err := svc.Initiate(context.Background(), tt.req)
				if !errors.Is(err, domain.ErrValidation) {
					t.Fatalf("expected validation error, got %v", err)
				}
				if orders.count() != 0 {
					t.Fatal("expected no order to be created")
				}
			})
		}
	})

	t.Run("quantity at cap", func(t *testing.T) {
		orders := newFakeOrders()
		svc := newTestService(testCatalog(), orders, newFakeSessions())

		result, err := svc.Initiate(context.Background(), Request{
			Items:         []domain.CartLine{{ProductID: "p1", Quantity: domain.MaxLineQuantity}},
			CustomerEmail: "buyer@example.com",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if want := int64(2700) * domain.MaxLineQuantity; orders.get(result.OrderID).TotalCents != want {
			t.Fatalf("expected total %d, got %d", want, orders.get(result.OrderID).TotalCents)
		}
	})

	t.Run("unknown or inactive product", func(t *testing.T) {
		for _, id := range []string{"missing", "p4"} {
			orders := newFakeOrders()
			svc := newTestService(testCatalog(), orders, newFakeSessions())

			_, err := svc.Initiate(context.Background(), Request{
				Items:         []domain.CartLine{{ProductID: "p1"}, {ProductID: id}},
				CustomerEmail: "buyer@example.com",
			})
			if !errors.Is(err, domain.ErrNotFound) {
				t.Fatalf("%s: expected not found, got %v", id, err)
			}
			if orders.count() != 0 {
				t.Fatalf("%s: expected no order to be created", id)
			}
		}
	})

	t.Run("upstream failures", func(t *testing.T) {
		boom := errors.New("boom")

		tests := []struct {
			name       string
			setup      func(*fakeCatalog, *fakeOrders, *fakeSessions)
			wantOrders int
		}{
			{"catalog", func(c *fakeCatalog, _ *fakeOrders, _ *fakeSessions) { c.err = boom }, 0},
			{"order create", func(_ *fakeCatalog, o *fakeOrders, _ *fakeSessions) { o.createErr = boom }, 0},
			{"order lines", func(_ *fakeCatalog, o *fakeOrders, _ *fakeSessions) { o.linesErr = boom }, 1},
			{"session create", func(_ *fakeCatalog, _ *fakeOrders, s *fakeSessions) { s.createErr = boom }, 1},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				catalog, orders, sessions := testCatalog(), newFakeOrders(), newFakeSessions()
				tt.setup(catalog, orders, sessions)
				svc := newTestService(catalog, orders, sessions)

				_, err := svc.Initiate(context.Background(), Request{
					Items:         []domain.CartLine{{ProductID: "p1"}},
					CustomerEmail: "buyer@example.com",
				})
				if !errors.Is(err, domain.ErrUpstream) {
					t.Fatalf("expected upstream error, got %v", err)
				}
				if orders.count() != tt.wantOrders {
					t.Fatalf("expected %d orders, got %d", tt.wantOrders, orders.count())
				}
			})
		}
	})

	t.Run("session attach failure still succeeds", func(t *testing.T) {
		orders := newFakeOrders()
		orders.setErr = errors.New("boom")
		svc := newTestService(testCatalog(), orders, newFakeSessions())

		result, err := svc.Initiate(context.Background(), Request{
			Items:         []domain.CartLine{{ProductID: "p1"}},
			CustomerEmail: "buyer@example.com",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.SessionURL == "" {
			t.Fatal("expected session url")
		}
	})
}

func TestInitiateIdempotency(t *testing.T) {
	req := Request{
		Items:         []domain.CartLine{{ProductID: "p1", Quantity: 1}, {ProductID: "p2", Quantity: 1}},
		CustomerEmail: "buyer@example.com",
	}

	t.Run("resubmission reuses open session", func(t *testing.T) {
		orders := newFakeOrders()
		sessions := newFakeSessions()
		svc := newTestService(testCatalog(), orders, sessions)

		first, err := svc.Initiate(context.Background(), req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		reordered := Request{
			Items:         []domain.CartLine{{ProductID: "p2", Quantity: 4}, {ProductID: "p1"}},
			CustomerEmail: "BUYER@example.com",
		}
		second, err := svc.Initiate(context.Background(), reordered)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if !second.IsExisting {
			t.Fatal("expected existing session to be reused")
		}
		if second.OrderID != first.OrderID || second.SessionURL != first.SessionURL {
			t.Fatalf("expected same order and session, got %+v vs %+v", first, second)
		}
		if orders.count() != 1 {
			t.Fatalf("expected 1 order, got %d", orders.count())
		}
	})

	t.Run("closed session creates a new order", func(t *testing.T) {
		orders := newFakeOrders()
		sessions := newFakeSessions()
		svc := newTestService(testCatalog(), orders, sessions)

		first, err := svc.Initiate(context.Background(), req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		sessions.expire(orders.get(first.OrderID).SessionID)

		third, err := svc.Initiate(context.Background(), req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if third.IsExisting || third.OrderID == first.OrderID {
			t.Fatalf("expected a new order, got %+v", third)
		}
		if orders.count() != 2 {
			t.Fatalf("expected 2 orders, got %d", orders.count())
		}
	})

	t.Run("retrieval failure falls through", func(t *testing.T) {
		orders := newFakeOrders()
		sessions := newFakeSessions()
		svc := newTestService(testCatalog(), orders, sessions)

		if _, err := svc.Initiate(context.Background(), req); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		sessions.retrieveErr = errors.New("timeout")

		second, err := svc.Initiate(context.Background(), req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if second.IsExisting {
			t.Fatal("expected a new order")
		}
	})

	t.Run("different product set is not a duplicate", func(t *testing.T) {
		orders := newFakeOrders()
		svc := newTestService(testCatalog(), orders, newFakeSessions())

		if _, err := svc.Initiate(context.Background(), req); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		second, err := svc.Initiate(context.Background(), Request{
			Items:         []domain.CartLine{{ProductID: "p1"}},
			CustomerEmail: "buyer@example.com",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if second.IsExisting {
			t.Fatal("expected a new order for a different cart")
		}
	})

	t.Run("different buyer is not a duplicate", func(t *testing.T) {
		orders := newFakeOrders()
		svc := newTestService(testCatalog(), orders, newFakeSessions())

		if _, err := svc.Initiate(context.Background(), req); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		other := req
		other.CustomerEmail = "someone@example.com"
		second, err := svc.Initiate(context.Background(), other)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if second.IsExisting {
			t.Fatal("expected a new order for a different buyer")
		}
	})

	t.Run("outside recency window", func(t *testing.T) {
		orders := newFakeOrders()
		svc := newTestService(testCatalog(), orders, newFakeSessions())

		if _, err := svc.Initiate(context.Background(), req); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		svc.now = func() time.Time { return time.Now().Add(20 * time.Minute) }

		second, err := svc.Initiate(context.Background(), req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if second.IsExisting {
			t.Fatal("expected a new order outside the window")
		}
	})

	t.Run("lookup failure falls through", func(t *testing.T) {
		orders := newFakeOrders()
		orders.findErr = errors.New("boom")
		svc := newTestService(testCatalog(), orders, newFakeSessions())

		result, err := svc.Initiate(context.Background(), req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.IsExisting {
			t.Fatal("expected a new order")
		}
	})
}

func TestGenerateOrderNumber(t *testing.T) {
	now := time.Date(2024, 3, 9, 23, 0, 0, 0, time.UTC)
	seen := make(map[string]bool)

	for i := 0; i < 1000; i++ {
		n := generateOrderNumber(now)
		if !strings.HasPrefix(n, "ORD-20240309-") {
			t.Fatalf("unexpected prefix in %s", n)
		}
		if seen[n] {
			t.Fatalf("duplicate order number %s", n)
		}
		seen[n] = true
	}
}
