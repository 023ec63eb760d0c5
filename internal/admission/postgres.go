package admission

import (
	"context"
	"database/sql"
	"time"
)

// PostgresGate shares counters between storefront replicas through the
// admission_counters table. Each check locks the identifier's row.
type PostgresGate struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresGate(db *sql.DB) *PostgresGate {
	return &PostgresGate{db: db, now: time.Now}
}

func (g *PostgresGate) Check(ctx context.Context, identifier string, maxRequests int, window time.Duration) (Result, error) {
	now := g.now().UTC()

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO admission_counters (identifier, count, reset_at)
		VALUES ($1, 0, $2)
		ON CONFLICT (identifier) DO NOTHING
	`, identifier, now)
	if err != nil {
		return Result{}, err
	}

	var count int
	var resetAt time.Time
	err = tx.QueryRowContext(ctx, `
		SELECT count, reset_at
		FROM admission_counters
		WHERE identifier = $1
		FOR UPDATE
	`, identifier).Scan(&count, &resetAt)
	if err != nil {
		return Result{}, err
	}

	result := Result{Limit: maxRequests}
	switch {
	case !now.Before(resetAt):
		count = 1
		resetAt = now.Add(window)
		result.Allowed = true
	case count < maxRequests:
		count++
		result.Allowed = true
	}

	if result.Allowed {
		_, err = tx.ExecContext(ctx, `
			UPDATE admission_counters SET count = $2, reset_at = $3
			WHERE identifier = $1
		`, identifier, count, resetAt)
		if err != nil {
			return Result{}, err
		}
		result.Remaining = maxRequests - count
	}
	result.ResetAt = resetAt

	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return result, nil
}

func (g *PostgresGate) Sweep(ctx context.Context) (int, error) {
	result, err := g.db.ExecContext(ctx, `
		DELETE FROM admission_counters WHERE reset_at <= $1
	`, g.now().UTC())
	if err != nil {
		return 0, err
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(removed), nil
}
