// Package session holds the short-lived reservation state between
// checkout and settlement: the session itself (keyed by order id), the
// payment-intent binding used by the webhook, and the idempotency gates
// for fulfillment and webhook event replay. Everything expires; the
// order store is the durable record.
package session

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrIntentNotFound  = errors.New("payment intent not bound")
)

// Gate lifetimes. Both outlive any plausible webhook replay window.
const (
	FulfillGateTTL = 24 * time.Hour
	EventSeenTTL   = time.Hour
)

// Session is a live reservation. Ledger ids travel as hex strings so the
// struct round-trips through JSON unchanged.
type Session struct {
	OrderID         string    `json:"order_id"`
	IntentID        string    `json:"intent_id"`
	Class           string    `json:"class"`
	WantGoodie      bool      `json:"want_goodie"`
	GoodieHeld      bool      `json:"goodie_held"`
	TicketPendingID string    `json:"ticket_pending_id"`
	GoodiePendingID string    `json:"goodie_pending_id,omitempty"`
	AmountCents     int64     `json:"amount_cents"`
	Currency        string    `json:"currency"`
	CustomerEmail   string    `json:"customer_email,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// Store is the reservation session backend. Memory for a single process,
// Redis when several workers share the checkout flow.
type Store interface {
	Put(ctx context.Context, s *Session) error
	Get(ctx context.Context, orderID string) (*Session, error)
	Delete(ctx context.Context, orderID string) error

	// BindIntent maps a payment intent to its order for webhook lookup.
	BindIntent(ctx context.Context, intentID, orderID string) error
	ResolveIntent(ctx context.Context, intentID string) (string, error)

	// AcquireFulfillment returns true exactly once per intent. The winner
	// fulfills; replays observe false and return the stored outcome.
	AcquireFulfillment(ctx context.Context, intentID string) (bool, error)
	// MarkEventSeen returns true the first time an event id is recorded.
	MarkEventSeen(ctx context.Context, eventID string) (bool, error)

	Close() error
}
