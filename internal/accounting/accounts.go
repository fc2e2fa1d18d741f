// Package accounting maps ticket and goodie inventory onto a fixed
// universe of double-entry ledger accounts. Every resource is a pair:
// a budget account funded with the supply and a spent account that
// accumulates bookings. Budget accounts carry the overdraft flag, so a
// hold against a sold-out resource is rejected by the ledger itself.
package accounting

import (
	"fmt"

	"github.com/ticketd/ticketd/internal/ledger"
)

// Ledger tags partition the account universe.
const (
	LedgerStats   uint32 = 1000
	LedgerTickets uint32 = 2000
)

// Transfer codes.
const (
	CodeInit    uint16 = 1
	CodeStats   uint16 = 10
	CodeBooking uint16 = 20
)

// Fixed account ids.
var (
	// Synthetic operator counterparties, one per ledger tag.
	OperatorStats   = ledger.U64ID(1001)
	OperatorTickets = ledger.U64ID(2001)

	// Restart counter: posted amount on the spent side counts process starts.
	RestartSpent  = ledger.U64ID(1000)
	RestartBudget = ledger.U64ID(1005)

	GoodieSpent  = ledger.U64ID(2110)
	GoodieBudget = ledger.U64ID(2115)

	ClassASpent  = ledger.U64ID(2120)
	ClassABudget = ledger.U64ID(2125)

	// First-N goodie tracking pair for class B, provisioned alongside the
	// rest of the universe; checkout draws goodies from the shared pool.
	ClassBFirstNSpent  = ledger.U64ID(2210)
	ClassBFirstNBudget = ledger.U64ID(2215)

	ClassBSpent  = ledger.U64ID(2220)
	ClassBBudget = ledger.U64ID(2225)
)

// Class is a ticket class.
type Class string

const (
	ClassA Class = "A"
	ClassB Class = "B"
)

// ErrUnknownClass rejects classes outside the fixed universe.
var ErrUnknownClass = fmt.Errorf("unknown ticket class")

// ParseClass validates a client-supplied class name.
func ParseClass(s string) (Class, error) {
	switch Class(s) {
	case ClassA:
		return ClassA, nil
	case ClassB:
		return ClassB, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownClass, s)
	}
}

// Classes lists the sellable classes in display order.
func Classes() []Class { return []Class{ClassA, ClassB} }

type accountPair struct {
	spent  ledger.ID
	budget ledger.ID
}

func ticketPair(c Class) accountPair {
	if c == ClassA {
		return accountPair{spent: ClassASpent, budget: ClassABudget}
	}
	return accountPair{spent: ClassBSpent, budget: ClassBBudget}
}

var goodiePair = accountPair{spent: GoodieSpent, budget: GoodieBudget}
