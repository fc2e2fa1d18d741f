package accounting

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ticketd/ticketd/internal/ledger"
)

// ErrSoldOut is returned when the ticket hold is rejected by the budget
// flag: no capacity left for the class.
var ErrSoldOut = errors.New("sold out")

// Transfer id kinds. Ids are derived from order id + kind so that a
// replayed operation collapses onto the original transfer.
const (
	kindTicketHold = "ticket-hold"
	kindGoodieHold = "goodie-hold"
	kindTicketPost = "ticket-post"
	kindGoodiePost = "goodie-post"
	kindTicketVoid = "ticket-void"
	kindGoodieVoid = "goodie-void"
)

// TransferID derives the deterministic ledger transfer id for an order
// operation: the first 16 bytes of SHA-256 over "orderID|kind".
func TransferID(orderID, kind string) ledger.ID {
	sum := sha256.Sum256([]byte(orderID + "|" + kind))
	return ledger.IDFromBytes(sum[:16])
}

// supplyFundingID derives the id of the one-time funding transfer for a
// resource, so re-running initialization is a no-op.
func supplyFundingID(resource string) ledger.ID {
	sum := sha256.Sum256([]byte("supply|" + resource))
	return ledger.IDFromBytes(sum[:16])
}

func randomID() ledger.ID {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return ledger.ID(b)
}

// Supplies fixes the sellable capacity per resource.
type Supplies struct {
	ClassA  uint64
	ClassB  uint64
	Goodies uint64
	// RestartMax funds the restart counter budget.
	RestartMax uint64
}

func DefaultSupplies() Supplies {
	return Supplies{ClassA: 100, ClassB: 500, Goodies: 100, RestartMax: 1_000_000}
}

// Service exposes inventory operations over a ledger client. All methods
// are safe for concurrent use; the ledger is the only state.
type Service struct {
	client   ledger.Client
	supplies Supplies
	logger   *slog.Logger
}

func New(client ledger.Client, supplies Supplies, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if supplies.RestartMax == 0 {
		supplies.RestartMax = DefaultSupplies().RestartMax
	}
	return &Service{client: client, supplies: supplies, logger: logger}
}

// InitializeSupply provisions the account universe and funds each budget
// with its supply. Idempotent: existing accounts and already-applied
// funding transfers are skipped by the ledger.
func (s *Service) InitializeSupply(ctx context.Context) error {
	// Budget accounts enforce the supply cap and keep balance history so
	// operators can audit hold/post activity over time.
	budget := func(id ledger.ID, tag uint32) ledger.Account {
		return ledger.Account{ID: id, Ledger: tag, Code: CodeInit,
			Flags: ledger.AccountFlags{DebitsMustNotExceedCredits: true, History: true}}
	}
	plain := func(id ledger.ID, tag uint32) ledger.Account {
		return ledger.Account{ID: id, Ledger: tag, Code: CodeInit}
	}

	accounts := []ledger.Account{
		plain(OperatorStats, LedgerStats),
		plain(OperatorTickets, LedgerTickets),
		plain(RestartSpent, LedgerStats),
		budget(RestartBudget, LedgerStats),
		plain(GoodieSpent, LedgerTickets),
		budget(GoodieBudget, LedgerTickets),
		plain(ClassASpent, LedgerTickets),
		budget(ClassABudget, LedgerTickets),
		plain(ClassBFirstNSpent, LedgerTickets),
		budget(ClassBFirstNBudget, LedgerTickets),
		plain(ClassBSpent, LedgerTickets),
		budget(ClassBBudget, LedgerTickets),
	}
	res, err := s.client.CreateAccounts(ctx, accounts)
	if err != nil {
		return fmt.Errorf("provision accounts: %w", err)
	}
	for i, r := range res {
		if !r.Ok() {
			return fmt.Errorf("provision account %s: %s", accounts[i].ID, r)
		}
	}

	fund := func(resource string, operator, budgetID ledger.ID, tag uint32, amount uint64) ledger.Transfer {
		return ledger.Transfer{
			ID:              supplyFundingID(resource),
			DebitAccountID:  operator,
			CreditAccountID: budgetID,
			Amount:          amount,
			Ledger:          tag,
			Code:            CodeInit,
		}
	}
	transfers := []ledger.Transfer{
		fund("restarts", OperatorStats, RestartBudget, LedgerStats, s.supplies.RestartMax),
		fund("goodies", OperatorTickets, GoodieBudget, LedgerTickets, s.supplies.Goodies),
		fund("tickets-a", OperatorTickets, ClassABudget, LedgerTickets, s.supplies.ClassA),
		fund("tickets-b-first-n", OperatorTickets, ClassBFirstNBudget, LedgerTickets, s.supplies.Goodies),
		fund("tickets-b", OperatorTickets, ClassBBudget, LedgerTickets, s.supplies.ClassB),
	}
	tres, err := s.client.CreateTransfers(ctx, transfers)
	if err != nil {
		return fmt.Errorf("fund supplies: %w", err)
	}
	for i, r := range tres {
		if !r.Ok() {
			return fmt.Errorf("fund supply %s: %s", transfers[i].ID, r)
		}
	}

	s.logger.Info("supply initialized",
		"class_a", s.supplies.ClassA,
		"class_b", s.supplies.ClassB,
		"goodies", s.supplies.Goodies)
	return nil
}

// RecordRestart bumps the restart counter by one.
func (s *Service) RecordRestart(ctx context.Context) error {
	res, err := s.client.CreateTransfers(ctx, []ledger.Transfer{{
		ID:              randomID(),
		DebitAccountID:  RestartBudget,
		CreditAccountID: RestartSpent,
		Amount:          1,
		Ledger:          LedgerStats,
		Code:            CodeStats,
	}})
	if err != nil {
		return fmt.Errorf("record restart: %w", err)
	}
	if !res[0].Ok() {
		return fmt.Errorf("record restart: %s", res[0])
	}
	return nil
}

// Hold is an accepted reservation: pending transfers against the ticket
// pair and, when granted, the goodie pair.
type Hold struct {
	TicketPendingID ledger.ID
	GoodiePendingID ledger.ID
	GoodieHeld      bool
}

// HoldTickets reserves one ticket of the class and, when wantGoodie is
// set, one goodie, both as pending transfers expiring after timeout.
// A rejected ticket hold returns ErrSoldOut; a rejected goodie hold is
// not an error, the reservation simply proceeds without the goodie. If
// the goodie slipped through while the ticket did not, the goodie hold
// is voided before returning.
func (s *Service) HoldTickets(ctx context.Context, orderID string, class Class, wantGoodie bool, timeout time.Duration) (*Hold, error) {
	pair := ticketPair(class)
	secs := uint32(timeout / time.Second)

	hold := &Hold{TicketPendingID: TransferID(orderID, kindTicketHold)}
	transfers := []ledger.Transfer{{
		ID:              hold.TicketPendingID,
		DebitAccountID:  pair.budget,
		CreditAccountID: pair.spent,
		Amount:          1,
		Timeout:         secs,
		Ledger:          LedgerTickets,
		Code:            CodeBooking,
		Flags:           ledger.TransferFlags{Pending: true},
	}}
	if wantGoodie {
		hold.GoodiePendingID = TransferID(orderID, kindGoodieHold)
		transfers = append(transfers, ledger.Transfer{
			ID:              hold.GoodiePendingID,
			DebitAccountID:  goodiePair.budget,
			CreditAccountID: goodiePair.spent,
			Amount:          1,
			Timeout:         secs,
			Ledger:          LedgerTickets,
			Code:            CodeBooking,
			Flags:           ledger.TransferFlags{Pending: true},
		})
	}

	res, err := s.client.CreateTransfers(ctx, transfers)
	if err != nil {
		return nil, fmt.Errorf("hold tickets: %w", err)
	}

	ticketOK := res[0].Ok()
	goodieOK := wantGoodie && res[1].Ok()

	if !ticketOK {
		if goodieOK {
			// Both holds ride one batch, so the goodie can win while the
			// ticket loses. Release it; a failure here self-heals when
			// the pending expires.
			if err := s.voidOne(ctx, orderID, kindGoodieVoid, hold.GoodiePendingID); err != nil {
				s.logger.Warn("goodie void after failed ticket hold", "order_id", orderID, "error", err)
			}
		}
		if res[0] == ledger.TransferExceedsCredits {
			return nil, fmt.Errorf("%w: class %s", ErrSoldOut, class)
		}
		return nil, fmt.Errorf("hold tickets: ticket hold %s", res[0])
	}

	hold.GoodieHeld = goodieOK
	if wantGoodie && !goodieOK {
		s.logger.Debug("goodie pool exhausted", "order_id", orderID, "result", res[1].String())
		hold.GoodiePendingID = ledger.ID{}
	}
	return hold, nil
}

// Settlement reports what a commit actually captured.
type Settlement struct {
	TicketPosted bool
	GoodiePosted bool
}

// CommitOrder posts the pending transfers of a paid order. A pending
// that expired between payment and settlement is re-booked with an
// immediate transfer under the same post id; if capacity is gone by
// then the leg stays unposted and the caller decides what the order
// becomes. goodiePendingID may be zero when no goodie was held.
func (s *Service) CommitOrder(ctx context.Context, orderID string, class Class, ticketPendingID, goodiePendingID ledger.ID) (*Settlement, error) {
	type leg struct {
		kind    string
		pair    accountPair
		pending ledger.ID
	}
	legs := []leg{{kindTicketPost, ticketPair(class), ticketPendingID}}
	if !goodiePendingID.IsZero() {
		legs = append(legs, leg{kindGoodiePost, goodiePair, goodiePendingID})
	}

	transfers := make([]ledger.Transfer, len(legs))
	for i, l := range legs {
		transfers[i] = ledger.Transfer{
			ID:              TransferID(orderID, l.kind),
			DebitAccountID:  l.pair.budget,
			CreditAccountID: l.pair.spent,
			Amount:          1,
			PendingID:       l.pending,
			Ledger:          LedgerTickets,
			Code:            CodeBooking,
			Flags:           ledger.TransferFlags{PostPendingTransfer: true},
		}
	}

	res, err := s.client.CreateTransfers(ctx, transfers)
	if err != nil {
		return nil, fmt.Errorf("commit order: %w", err)
	}

	var rebook []ledger.Transfer
	var rebookIdx []int
	posted := make([]bool, len(legs))
	for i, r := range res {
		switch {
		case r.Ok() || r == ledger.TransferPendingAlreadyPosted:
			posted[i] = true
		case r == ledger.TransferPendingExpired || r == ledger.TransferPendingNotFound:
			// Hold lapsed before the webhook arrived. The customer paid,
			// so book immediately if there is still capacity.
			t := transfers[i]
			t.PendingID = ledger.ID{}
			t.Flags = ledger.TransferFlags{}
			rebook = append(rebook, t)
			rebookIdx = append(rebookIdx, i)
		default:
			s.logger.Warn("commit leg rejected", "order_id", orderID, "kind", legs[i].kind, "result", r.String())
		}
	}

	if len(rebook) > 0 {
		rres, err := s.client.CreateTransfers(ctx, rebook)
		if err != nil {
			return nil, fmt.Errorf("commit order rebook: %w", err)
		}
		for j, r := range rres {
			if r.Ok() {
				posted[rebookIdx[j]] = true
			} else {
				s.logger.Warn("rebook rejected", "order_id", orderID, "kind", legs[rebookIdx[j]].kind, "result", r.String())
			}
		}
	}

	settlement := &Settlement{TicketPosted: posted[0]}
	if len(posted) > 1 {
		settlement.GoodiePosted = posted[1]
	}
	return settlement, nil
}

// CancelOrder voids the pending transfers of an unpaid order. Pendings
// already resolved or expired count as released; only transport errors
// surface.
func (s *Service) CancelOrder(ctx context.Context, orderID string, ticketPendingID, goodiePendingID ledger.ID) error {
	if err := s.voidOne(ctx, orderID, kindTicketVoid, ticketPendingID); err != nil {
		return err
	}
	if !goodiePendingID.IsZero() {
		return s.voidOne(ctx, orderID, kindGoodieVoid, goodiePendingID)
	}
	return nil
}

func (s *Service) voidOne(ctx context.Context, orderID, kind string, pendingID ledger.ID) error {
	if pendingID.IsZero() {
		return nil
	}
	res, err := s.client.CreateTransfers(ctx, []ledger.Transfer{{
		ID:        TransferID(orderID, kind),
		PendingID: pendingID,
		Ledger:    LedgerTickets,
		Code:      CodeBooking,
		Flags:     ledger.TransferFlags{VoidPendingTransfer: true},
	}})
	if err != nil {
		return fmt.Errorf("void %s: %w", kind, err)
	}
	if !res[0].Ok() {
		s.logger.Debug("void resolved elsewhere", "order_id", orderID, "kind", kind, "result", res[0].String())
	}
	return nil
}

// ClassInventory is the sell state of one ticket class.
type ClassInventory struct {
	Class     Class  `json:"class"`
	Capacity  uint64 `json:"capacity"`
	Sold      uint64 `json:"sold"`
	Held      uint64 `json:"active_holds"`
	Available uint64 `json:"available"`
	SoldOut   bool   `json:"sold_out"`
}

// Inventory reads the sell state of every class from the budget accounts.
func (s *Service) Inventory(ctx context.Context) ([]ClassInventory, error) {
	accounts, err := s.client.LookupAccounts(ctx, []ledger.ID{ClassABudget, ClassBBudget})
	if err != nil {
		return nil, fmt.Errorf("inventory: %w", err)
	}

	out := make([]ClassInventory, 0, len(accounts))
	for i, class := range Classes() {
		a := accounts[i]
		if a == nil {
			return nil, fmt.Errorf("inventory: budget account for class %s missing", class)
		}
		inv := ClassInventory{
			Class:    class,
			Capacity: a.CreditsPosted,
			Sold:     a.DebitsPosted,
			Held:     a.DebitsPending,
		}
		if used := inv.Sold + inv.Held; used < inv.Capacity {
			inv.Available = inv.Capacity - used
		}
		inv.SoldOut = inv.Available == 0
		out = append(out, inv)
	}
	return out, nil
}

// GoodieCount is the state of the shared goodie pool.
type GoodieCount struct {
	Capacity  uint64 `json:"capacity"`
	Used      uint64 `json:"used"`
	Held      uint64 `json:"active_holds"`
	Remaining uint64 `json:"remaining"`
}

// Goodies reads the goodie pool state from its budget account.
func (s *Service) Goodies(ctx context.Context) (*GoodieCount, error) {
	accounts, err := s.client.LookupAccounts(ctx, []ledger.ID{GoodieBudget})
	if err != nil {
		return nil, fmt.Errorf("goodies: %w", err)
	}
	a := accounts[0]
	if a == nil {
		return nil, fmt.Errorf("goodies: budget account missing")
	}
	gc := &GoodieCount{Capacity: a.CreditsPosted, Used: a.DebitsPosted, Held: a.DebitsPending}
	if used := gc.Used + gc.Held; used < gc.Capacity {
		gc.Remaining = gc.Capacity - used
	}
	return gc, nil
}
