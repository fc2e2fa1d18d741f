package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore is the production order store.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the orders table if missing. cmd/migrate owns the
// versioned history; this keeps dev setups working without it.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS orders (
			id                TEXT PRIMARY KEY,
			status            TEXT NOT NULL,
			class             TEXT NOT NULL,
			want_goodie       BOOLEAN NOT NULL DEFAULT FALSE,
			goodie_held       BOOLEAN NOT NULL DEFAULT FALSE,
			got_goodie        BOOLEAN NOT NULL DEFAULT FALSE,
			amount_cents      BIGINT NOT NULL,
			currency          TEXT NOT NULL,
			customer_email    TEXT,
			payment_intent_id TEXT,
			ticket_pending_id TEXT,
			goodie_pending_id TEXT,
			ticket_code       TEXT,
			hold_expires_at   TIMESTAMPTZ,
			paid_at           TIMESTAMPTZ,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_intent ON orders(payment_intent_id);
		CREATE INDEX IF NOT EXISTS idx_orders_status_expiry ON orders(status, hold_expires_at);
		CREATE INDEX IF NOT EXISTS idx_orders_created ON orders(created_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("migrate orders: %w", err)
	}
	return nil
}

const orderColumns = `id, status, class, want_goodie, goodie_held, got_goodie,
	amount_cents, currency, customer_email, payment_intent_id,
	ticket_pending_id, goodie_pending_id, ticket_code,
	hold_expires_at, paid_at, created_at, updated_at`

func (s *PostgresStore) Insert(ctx context.Context, o *Order) error {
	now := time.Now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = o.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (id, status, class, want_goodie, goodie_held, got_goodie,
			amount_cents, currency, customer_email, payment_intent_id,
			ticket_pending_id, goodie_pending_id, ticket_code,
			hold_expires_at, paid_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		o.ID, o.Status, o.Class, o.WantGoodie, o.GoodieHeld, o.GotGoodie,
		o.AmountCents, o.Currency, nullString(o.CustomerEmail), nullString(o.PaymentIntentID),
		nullString(o.TicketPendingID), nullString(o.GoodiePendingID), nullString(o.TicketCode),
		o.HoldExpiresAt, o.PaidAt, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateOrder
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return scanOrder(row)
}

func (s *PostgresStore) GetByIntent(ctx context.Context, intentID string) (*Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE payment_intent_id = $1`, intentID)
	return scanOrder(row)
}

// UpdateStatus is the conditional transition. The WHERE clause is the
// race arbiter: whoever matches first wins, everyone else sees zero
// rows affected.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, from []Status, to Status, upd *Update) (bool, error) {
	fromStrs := make([]string, len(from))
	for i, f := range from {
		fromStrs[i] = string(f)
	}

	var paidAt *time.Time
	var ticketCode sql.NullString
	var gotGoodie sql.NullBool
	if upd != nil {
		paidAt = upd.PaidAt
		if upd.TicketCode != nil {
			ticketCode = sql.NullString{String: *upd.TicketCode, Valid: true}
		}
		if upd.GotGoodie != nil {
			gotGoodie = sql.NullBool{Bool: *upd.GotGoodie, Valid: true}
		}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET
			status = $2,
			paid_at = COALESCE($3, paid_at),
			ticket_code = COALESCE($4, ticket_code),
			got_goodie = COALESCE($5, got_goodie),
			updated_at = NOW()
		WHERE id = $1 AND status = ANY($6)`,
		id, to, paidAt, ticketCode, gotGoodie, pq.Array(fromStrs))
	if err != nil {
		return false, fmt.Errorf("update order status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update order status: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) ListHeldExpired(ctx context.Context, before time.Time, limit int) ([]*Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = $1 AND hold_expires_at < $2
		ORDER BY hold_expires_at ASC
		LIMIT $3`, StatusHeld, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired holds: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]*Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var o Order
	var email, intentID, ticketPending, goodiePending, ticketCode sql.NullString
	var holdExpires, paidAt sql.NullTime

	err := row.Scan(&o.ID, &o.Status, &o.Class, &o.WantGoodie, &o.GoodieHeld, &o.GotGoodie,
		&o.AmountCents, &o.Currency, &email, &intentID,
		&ticketPending, &goodiePending, &ticketCode,
		&holdExpires, &paidAt, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}

	o.CustomerEmail = email.String
	o.PaymentIntentID = intentID.String
	o.TicketPendingID = ticketPending.String
	o.GoodiePendingID = goodiePending.String
	o.TicketCode = ticketCode.String
	if holdExpires.Valid {
		t := holdExpires.Time
		o.HoldExpiresAt = &t
	}
	if paidAt.Valid {
		t := paidAt.Time
		o.PaidAt = &t
	}
	return &o, nil
}

func scanOrders(rows *sql.Rows) ([]*Order, error) {
	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return result, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
