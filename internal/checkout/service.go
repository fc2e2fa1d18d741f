// Package checkout orchestrates the reservation lifecycle: hold on
// checkout, settle on webhook, release on cancel or timeout. The order
// row's conditional status update is the serialization point; the
// session store is the fast path and the ledger holds the inventory
// truth.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ticketd/ticketd/internal/accounting"
	"github.com/ticketd/ticketd/internal/idgen"
	"github.com/ticketd/ticketd/internal/ledger"
	"github.com/ticketd/ticketd/internal/metrics"
	"github.com/ticketd/ticketd/internal/mockpay"
	"github.com/ticketd/ticketd/internal/order"
	"github.com/ticketd/ticketd/internal/retry"
	"github.com/ticketd/ticketd/internal/session"
	"github.com/ticketd/ticketd/internal/traces"
)

var (
	// ErrUnknownIntent: the webhook names a payment intent no order knows.
	ErrUnknownIntent = errors.New("unknown payment intent")
)

// Ticket prices in cents.
var classPrices = map[accounting.Class]int64{
	accounting.ClassA: 6500,
	accounting.ClassB: 3500,
}

const currency = "eur"

// Config tunes the orchestrator.
type Config struct {
	// HoldTimeout is the reservation lifetime, mirrored into the ledger
	// pending transfers and the session TTL.
	HoldTimeout time.Duration
	// SweepGrace delays the timeout sweep past hold expiry so an almost
	// simultaneous webhook wins.
	SweepGrace time.Duration
}

// Service is the checkout/webhook orchestrator.
type Service struct {
	accounts *accounting.Service
	orders   order.Store
	sessions session.Store
	provider *mockpay.Provider
	cfg      Config
	logger   *slog.Logger

	nowFn func() time.Time
}

func NewService(accounts *accounting.Service, orders order.Store, sessions session.Store, provider *mockpay.Provider, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HoldTimeout <= 0 {
		cfg.HoldTimeout = 5 * time.Minute
	}
	if cfg.SweepGrace < 0 {
		cfg.SweepGrace = 0
	}
	return &Service{
		accounts: accounts,
		orders:   orders,
		sessions: sessions,
		provider: provider,
		cfg:      cfg,
		logger:   logger,
		nowFn:    time.Now,
	}
}

// Request is a checkout attempt.
type Request struct {
	Class         string
	WantGoodie    bool
	CustomerEmail string
}

// Result is a successful checkout: the reservation is HELD and the
// client should follow RedirectURL to pay.
type Result struct {
	OrderID     string `json:"order_id"`
	IntentID    string `json:"payment_intent_id"`
	RedirectURL string `json:"redirect_url"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	GoodieHeld  bool   `json:"goodie_held"`
}

// Checkout reserves a ticket (and optionally a goodie), persists the
// order, and hands back the payment redirect. Sold out surfaces as
// accounting.ErrSoldOut with a FAILED order row behind it; transient
// ledger trouble surfaces as ledger.ErrBatchFailed.
func (s *Service) Checkout(ctx context.Context, req Request) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "checkout")
	defer span.End()

	class, err := accounting.ParseClass(req.Class)
	if err != nil {
		return nil, err
	}

	orderID := idgen.WithPrefix("ord_")
	intentID := s.provider.NewIntentID()
	span.SetAttributes(traces.OrderID(orderID), traces.TicketClass(string(class)))

	var hold *accounting.Hold
	err = retry.Do(ctx, 3, 50*time.Millisecond, func() error {
		var holdErr error
		hold, holdErr = s.accounts.HoldTickets(ctx, orderID, class, req.WantGoodie, s.cfg.HoldTimeout)
		if holdErr != nil && !errors.Is(holdErr, ledger.ErrBatchFailed) {
			return retry.Permanent(holdErr)
		}
		return holdErr
	})
	now := s.nowFn()
	if err != nil {
		if errors.Is(err, accounting.ErrSoldOut) {
			s.recordSoldOut(ctx, orderID, class, req, now)
			metrics.CheckoutsTotal.WithLabelValues("sold_out").Inc()
			return nil, err
		}
		metrics.CheckoutsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	expiresAt := now.Add(s.cfg.HoldTimeout)
	o := &order.Order{
		ID:              orderID,
		Status:          order.StatusCreated,
		Class:           string(class),
		WantGoodie:      req.WantGoodie,
		GoodieHeld:      hold.GoodieHeld,
		AmountCents:     classPrices[class],
		Currency:        currency,
		CustomerEmail:   req.CustomerEmail,
		PaymentIntentID: intentID,
		TicketPendingID: hold.TicketPendingID.String(),
		GoodiePendingID: pendingHex(hold.GoodiePendingID),
		HoldExpiresAt:   &expiresAt,
		CreatedAt:       now,
	}
	if err := s.orders.Insert(ctx, o); err != nil {
		// The holds expire on their own, but release them now anyway.
		if cancelErr := s.accounts.CancelOrder(ctx, orderID, hold.TicketPendingID, hold.GoodiePendingID); cancelErr != nil {
			s.logger.Warn("release holds after failed insert", "order_id", orderID, "error", cancelErr)
		}
		metrics.CheckoutsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("persist order: %w", err)
	}

	sess := &session.Session{
		OrderID:         orderID,
		IntentID:        intentID,
		Class:           string(class),
		WantGoodie:      req.WantGoodie,
		GoodieHeld:      hold.GoodieHeld,
		TicketPendingID: hold.TicketPendingID.String(),
		GoodiePendingID: pendingHex(hold.GoodiePendingID),
		AmountCents:     o.AmountCents,
		Currency:        currency,
		CustomerEmail:   req.CustomerEmail,
		CreatedAt:       now,
		ExpiresAt:       expiresAt,
	}
	if err := s.sessions.Put(ctx, sess); err != nil {
		s.logger.Warn("session put failed, webhook will use the order store", "order_id", orderID, "error", err)
	}
	if err := s.sessions.BindIntent(ctx, intentID, orderID); err != nil {
		s.logger.Warn("intent binding failed, webhook will use the order store", "order_id", orderID, "error", err)
	}

	if _, err := s.orders.UpdateStatus(ctx, orderID, []order.Status{order.StatusCreated}, order.StatusHeld, nil); err != nil {
		s.logger.Warn("mark order held", "order_id", orderID, "error", err)
	}

	metrics.CheckoutsTotal.WithLabelValues("held").Inc()
	s.logger.Info("checkout held",
		"order_id", orderID,
		"class", class,
		"goodie_held", hold.GoodieHeld,
		"intent_id", intentID)

	return &Result{
		OrderID:     orderID,
		IntentID:    intentID,
		RedirectURL: "/payments/mock/" + intentID,
		AmountCents: o.AmountCents,
		Currency:    currency,
		GoodieHeld:  hold.GoodieHeld,
	}, nil
}

// recordSoldOut persists the losing attempt so the order id stays
// queryable. Best effort.
func (s *Service) recordSoldOut(ctx context.Context, orderID string, class accounting.Class, req Request, now time.Time) {
	o := &order.Order{
		ID:            orderID,
		Status:        order.StatusFailed,
		Class:         string(class),
		WantGoodie:    req.WantGoodie,
		AmountCents:   classPrices[class],
		Currency:      currency,
		CustomerEmail: req.CustomerEmail,
		CreatedAt:     now,
	}
	if err := s.orders.Insert(ctx, o); err != nil {
		s.logger.Warn("record sold-out order", "order_id", orderID, "error", err)
		return
	}
	metrics.OrdersSettledTotal.WithLabelValues(string(order.StatusFailed)).Inc()
}

// GetOrder returns the current state of an order.
func (s *Service) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	return s.orders.Get(ctx, id)
}

// HandleWebhook applies a verified payment event and returns the order
// it settled. Replays and lost races converge on the stored state.
func (s *Service) HandleWebhook(ctx context.Context, e *mockpay.Event) (*order.Order, error) {
	ctx, span := traces.StartSpan(ctx, "webhook", traces.IntentID(e.IntentID))
	defer span.End()

	// The signature is unique per (intent, event, timestamp); reusing it
	// as the replay key needs no provider-side event id. The gate is
	// advisory: the conditional status update below serializes duplicate
	// settlements, so a gate failure degrades to reprocessing, never to a
	// dropped event.
	fresh, err := s.sessions.MarkEventSeen(ctx, e.Signature)
	if err != nil {
		s.logger.Warn("event gate unavailable, processing anyway", "intent_id", e.IntentID, "error", err)
		fresh = true
	}

	o, err := s.resolveOrder(ctx, e.IntentID)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(e.Event, "unknown_intent").Inc()
		return nil, err
	}
	span.SetAttributes(traces.OrderID(o.ID))

	if o.Status.IsTerminal() {
		metrics.WebhookEventsTotal.WithLabelValues(e.Event, "replay").Inc()
		return o, nil
	}
	if !fresh {
		// Seen before but the order never settled: a prior delivery died
		// mid-settlement, so run it again.
		s.logger.Info("redelivered event for unsettled order", "order_id", o.ID, "intent_id", e.IntentID)
	}

	switch e.Event {
	case mockpay.EventPaid:
		o, err = s.settlePaid(ctx, o, e.IntentID)
	case mockpay.EventFailed:
		o, err = s.settleFailed(ctx, o)
	default:
		return nil, mockpay.ErrUnknownEvent
	}
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(e.Event, "error").Inc()
		return nil, err
	}

	metrics.WebhookEventsTotal.WithLabelValues(e.Event, "ok").Inc()
	if o.Status.IsTerminal() {
		metrics.OrdersSettledTotal.WithLabelValues(string(o.Status)).Inc()
		if err := s.sessions.Delete(ctx, o.ID); err != nil {
			s.logger.Warn("session cleanup", "order_id", o.ID, "error", err)
		}
	}
	return o, nil
}

// OrderForIntent resolves a payment intent to its order.
func (s *Service) OrderForIntent(ctx context.Context, intentID string) (*order.Order, error) {
	return s.resolveOrder(ctx, intentID)
}

// resolveOrder maps a payment intent to its order: session binding
// first, order store as the durable fallback.
func (s *Service) resolveOrder(ctx context.Context, intentID string) (*order.Order, error) {
	if orderID, err := s.sessions.ResolveIntent(ctx, intentID); err == nil {
		if o, err := s.orders.Get(ctx, orderID); err == nil {
			return o, nil
		}
	}
	o, err := s.orders.GetByIntent(ctx, intentID)
	if errors.Is(err, order.ErrOrderNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIntent, intentID)
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Service) settlePaid(ctx context.Context, o *order.Order, intentID string) (*order.Order, error) {
	won, err := s.sessions.AcquireFulfillment(ctx, intentID)
	if err != nil {
		s.logger.Warn("fulfillment gate unavailable, relying on conditional update", "order_id", o.ID, "error", err)
	} else if !won {
		// Another worker is fulfilling; report whatever is stored.
		return s.orders.Get(ctx, o.ID)
	}

	ticketPending, goodiePending, err := pendingIDs(o)
	if err != nil {
		return nil, err
	}

	var settlement *accounting.Settlement
	err = retry.Do(ctx, 3, 50*time.Millisecond, func() error {
		var commitErr error
		settlement, commitErr = s.accounts.CommitOrder(ctx, o.ID, accounting.Class(o.Class), ticketPending, goodiePending)
		if commitErr != nil && !errors.Is(commitErr, ledger.ErrBatchFailed) {
			return retry.Permanent(commitErr)
		}
		return commitErr
	})
	if err != nil {
		return nil, err
	}

	now := s.nowFn()
	from := []order.Status{order.StatusCreated, order.StatusHeld}
	var won2 bool
	if settlement.TicketPosted {
		code := idgen.TicketCode()
		got := settlement.GoodiePosted
		won2, err = s.orders.UpdateStatus(ctx, o.ID, from, order.StatusPaid, &order.Update{
			PaidAt:     &now,
			TicketCode: &code,
			GotGoodie:  &got,
		})
		if err == nil && won2 {
			s.logger.Info("order paid", "order_id", o.ID, "ticket_code", code, "got_goodie", got)
			if got {
				metrics.GoodiesGrantedTotal.Inc()
			}
		}
	} else {
		// Payment captured but the seat is gone: park for follow-up.
		won2, err = s.orders.UpdateStatus(ctx, o.ID, from, order.StatusPaidUnfulfilled, &order.Update{PaidAt: &now})
		if err == nil && won2 {
			s.logger.Warn("order paid but unfulfilled", "order_id", o.ID, "class", o.Class)
		}
	}
	if err != nil {
		return nil, err
	}
	if !won2 {
		s.logger.Info("settlement lost the status race", "order_id", o.ID)
	}
	return s.orders.Get(ctx, o.ID)
}

func (s *Service) settleFailed(ctx context.Context, o *order.Order) (*order.Order, error) {
	ticketPending, goodiePending, err := pendingIDs(o)
	if err != nil {
		return nil, err
	}
	if err := s.accounts.CancelOrder(ctx, o.ID, ticketPending, goodiePending); err != nil {
		return nil, err
	}

	won, err := s.orders.UpdateStatus(ctx, o.ID, []order.Status{order.StatusCreated, order.StatusHeld}, order.StatusCanceled, nil)
	if err != nil {
		return nil, err
	}
	if won {
		s.logger.Info("order canceled", "order_id", o.ID)
	}
	return s.orders.Get(ctx, o.ID)
}

// SweepExpiredHolds voids holds whose expiry plus grace has passed and
// moves their orders to TIMEOUT. Returns how many were swept.
func (s *Service) SweepExpiredHolds(ctx context.Context) (int, error) {
	cutoff := s.nowFn().Add(-s.cfg.SweepGrace)
	expired, err := s.orders.ListHeldExpired(ctx, cutoff, 100)
	if err != nil {
		return 0, fmt.Errorf("list expired holds: %w", err)
	}

	swept := 0
	for _, o := range expired {
		ticketPending, goodiePending, err := pendingIDs(o)
		if err != nil {
			s.logger.Warn("sweep: bad pending ids", "order_id", o.ID, "error", err)
			continue
		}
		if err := s.accounts.CancelOrder(ctx, o.ID, ticketPending, goodiePending); err != nil {
			s.logger.Warn("sweep: void holds", "order_id", o.ID, "error", err)
			continue
		}
		won, err := s.orders.UpdateStatus(ctx, o.ID, []order.Status{order.StatusHeld}, order.StatusTimeout, nil)
		if err != nil {
			s.logger.Warn("sweep: mark timeout", "order_id", o.ID, "error", err)
			continue
		}
		if !won {
			// A webhook settled it between the list and the update.
			continue
		}
		if err := s.sessions.Delete(ctx, o.ID); err != nil {
			s.logger.Warn("sweep: session cleanup", "order_id", o.ID, "error", err)
		}
		metrics.SweepTimeoutsTotal.Inc()
		metrics.OrdersSettledTotal.WithLabelValues(string(order.StatusTimeout)).Inc()
		swept++
	}
	if swept > 0 {
		s.logger.Info("swept expired holds", "count", swept)
	}
	return swept, nil
}

// Inventory proxies the accounting view for the public endpoint.
func (s *Service) Inventory(ctx context.Context) ([]accounting.ClassInventory, error) {
	return s.accounts.Inventory(ctx)
}

// Goodies proxies the goodie pool state for the admin endpoint.
func (s *Service) Goodies(ctx context.Context) (*accounting.GoodieCount, error) {
	return s.accounts.Goodies(ctx)
}

// RecentOrders feeds the admin order list.
func (s *Service) RecentOrders(ctx context.Context, limit int) ([]*order.Order, error) {
	return s.orders.ListRecent(ctx, limit)
}

func pendingHex(id ledger.ID) string {
	if id.IsZero() {
		return ""
	}
	return id.String()
}

func pendingIDs(o *order.Order) (ticket, goodie ledger.ID, err error) {
	if o.TicketPendingID != "" {
		if ticket, err = ledger.ParseID(o.TicketPendingID); err != nil {
			return ledger.ID{}, ledger.ID{}, fmt.Errorf("order %s ticket pending id: %w", o.ID, err)
		}
	}
	if o.GoodiePendingID != "" {
		if goodie, err = ledger.ParseID(o.GoodiePendingID); err != nil {
			return ledger.ID{}, ledger.ID{}, fmt.Errorf("order %s goodie pending id: %w", o.ID, err)
		}
	}
	return ticket, goodie, nil
}
