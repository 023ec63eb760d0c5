package orders

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/joao-fontenele/storefront/internal/domain"
)

type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

const orderColumns = `id, order_number, customer_email, total_cents, status,
	COALESCE(session_id, ''), COALESCE(payment_intent_id, ''), created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (domain.Order, error) {
	var o domain.Order
	err := row.Scan(&o.ID, &o.OrderNumber, &o.CustomerEmail, &o.TotalCents, &o.Status,
		&o.SessionID, &o.PaymentIntentID, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

// Create inserts the order row only. Lines are written separately with
// CreateLines once the order id exists.
func (r *OrderRepository) Create(ctx context.Context, order *domain.Order) error {
	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	order.UpdatedAt = order.CreatedAt

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO orders (id, order_number, customer_email, total_cents, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, order.ID, order.OrderNumber, order.CustomerEmail, order.TotalCents, order.Status, order.CreatedAt)
	return err
}

// CreateLines writes all lines of an order in one transaction.
func (r *OrderRepository) CreateLines(ctx context.Context, orderID string, lines []domain.OrderLine) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for i := range lines {
		lines[i].ID = uuid.New().String()
		lines[i].OrderID = orderID
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_lines (id, order_id, product_id, product_name, unit_price_cents, quantity)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, lines[i].ID, orderID, lines[i].ProductID, lines[i].ProductName, lines[i].UnitPriceCents, lines[i].Quantity)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *OrderRepository) SetSessionID(ctx context.Context, orderID, sessionID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE orders SET session_id = $2, updated_at = NOW()
		WHERE id = $1
	`, orderID, sessionID)
	return err
}

func (r *OrderRepository) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	return r.getOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
}

func (r *OrderRepository) GetBySessionID(ctx context.Context, sessionID string) (*domain.Order, error) {
	return r.getOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE session_id = $1`, sessionID)
}

func (r *OrderRepository) FindByPaymentIntent(ctx context.Context, paymentIntentID string) (*domain.Order, error) {
	return r.getOne(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE payment_intent_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, paymentIntentID)
}

func (r *OrderRepository) getOne(ctx context.Context, query string, arg any) (*domain.Order, error) {
	order, err := scanOrder(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, product_id, product_name, unit_price_cents, quantity
		FROM order_lines
		WHERE order_id = $1
		ORDER BY product_id
	`, order.ID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	order.Lines = []domain.OrderLine{}
	for rows.Next() {
		var line domain.OrderLine
		if err := rows.Scan(&line.ID, &line.OrderID, &line.ProductID, &line.ProductName, &line.UnitPriceCents, &line.Quantity); err != nil {
			return nil, err
		}
		order.Lines = append(order.Lines, line)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &order, nil
}

// FindRecentPending returns the buyer's pending orders created at or after
// since, newest first, with their lines.
func (r *OrderRepository) FindRecentPending(ctx context.Context, email string, since time.Time) ([]domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE customer_email = $1 AND status = $2 AND created_at >= $3
		ORDER BY created_at DESC
	`, email, domain.OrderStatusPending, since)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	orderMap := make(map[string]*domain.Order)
	var orderIDs []string

	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		order.Lines = []domain.OrderLine{}
		orderMap[order.ID] = &order
		orderIDs = append(orderIDs, order.ID)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(orderIDs) == 0 {
		return []domain.Order{}, nil
	}

	lineRows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, product_id, product_name, unit_price_cents, quantity
		FROM order_lines
		WHERE order_id = ANY($1)
	`, pq.Array(orderIDs))
	if err != nil {
		return nil, err
	}
	defer func() { _ = lineRows.Close() }()

	for lineRows.Next() {
		var line domain.OrderLine
		if err := lineRows.Scan(&line.ID, &line.OrderID, &line.ProductID, &line.ProductName, &line.UnitPriceCents, &line.Quantity); err != nil {
			return nil, err
		}
		order := orderMap[line.OrderID]
		order.Lines = append(order.Lines, line)
	}

	if err := lineRows.Err(); err != nil {
		return nil, err
	}

	result := make([]domain.Order, 0, len(orderIDs))
	for _, id := range orderIDs {
		result = append(result, *orderMap[id])
	}

	return result, nil
}

// Transition moves the order to status to if its current status allows it.
// It reports false, without error, when the order is missing or already
// elsewhere in its lifecycle; applying the same transition twice is a no-op.
// A non-empty paymentIntentID is attached in the same statement.
func (r *OrderRepository) Transition(ctx context.Context, id string, to domain.OrderStatus, paymentIntentID string) (bool, error) {
	sources := domain.SourcesOf(to)
	from := make([]string, len(sources))
	for i, s := range sources {
		from[i] = string(s)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET status = $2,
			payment_intent_id = COALESCE(NULLIF($3, ''), payment_intent_id),
			updated_at = NOW()
		WHERE id = $1 AND status = ANY($4)
	`, id, to, paymentIntentID, pq.Array(from))
	if err != nil {
		return false, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rowsAffected > 0, nil
}
