// Package order is the durable record of every checkout attempt. The
// status column is the serialization point of the whole system: all
// transitions go through UpdateStatus, which only fires when the row is
// still in one of the expected source states.
package order

import (
	"context"
	"errors"
	"time"
)

var (
	ErrOrderNotFound  = errors.New("order not found")
	ErrDuplicateOrder = errors.New("order already exists")
)

// Status is the order lifecycle state.
type Status string

const (
	// StatusCreated: row inserted, ledger holds accepted, session not
	// yet fully wired. Short-lived.
	StatusCreated Status = "CREATED"
	// StatusHeld: reservation active, waiting for payment.
	StatusHeld Status = "HELD"
	StatusPaid Status = "PAID"
	// StatusPaidUnfulfilled: payment captured but the expired hold could
	// not be re-booked. Needs operator follow-up (refund).
	StatusPaidUnfulfilled Status = "PAID_UNFULFILLED"
	StatusFailed          Status = "FAILED"
	StatusCanceled        Status = "CANCELED"
	StatusTimeout         Status = "TIMEOUT"
)

// IsTerminal reports whether no further transition may leave s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusPaid, StatusPaidUnfulfilled, StatusFailed, StatusCanceled, StatusTimeout:
		return true
	}
	return false
}

// Order is one checkout attempt. Ledger pending ids are stored in hex
// so a webhook or sweep can settle without the session cache.
type Order struct {
	ID              string     `json:"id"`
	Status          Status     `json:"status"`
	Class           string     `json:"class"`
	WantGoodie      bool       `json:"want_goodie"`
	GoodieHeld      bool       `json:"goodie_held"`
	GotGoodie       bool       `json:"got_goodie"`
	AmountCents     int64      `json:"amount_cents"`
	Currency        string     `json:"currency"`
	CustomerEmail   string     `json:"customer_email,omitempty"`
	PaymentIntentID string     `json:"payment_intent_id,omitempty"`
	TicketPendingID string     `json:"-"`
	GoodiePendingID string     `json:"-"`
	TicketCode      string     `json:"ticket_code,omitempty"`
	HoldExpiresAt   *time.Time `json:"hold_expires_at,omitempty"`
	PaidAt          *time.Time `json:"paid_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Update carries the optional columns written together with a status
// transition. Nil fields keep their current value.
type Update struct {
	PaidAt     *time.Time
	TicketCode *string
	GotGoodie  *bool
}

// Store persists orders. UpdateStatus performs the conditional
// transition: it returns true when this caller moved the row, false
// when the row was not in any of the from states (a lost race, which
// callers treat as a no-op).
type Store interface {
	Insert(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	GetByIntent(ctx context.Context, intentID string) (*Order, error)
	UpdateStatus(ctx context.Context, id string, from []Status, to Status, upd *Update) (bool, error)
	// ListHeldExpired returns HELD orders whose hold lapsed before the
	// given instant, oldest first. Feeds the timeout sweep.
	ListHeldExpired(ctx context.Context, before time.Time, limit int) ([]*Order, error)
	// ListRecent returns the newest orders for the admin feed.
	ListRecent(ctx context.Context, limit int) ([]*Order, error)
}
