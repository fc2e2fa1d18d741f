// Package ledger defines the double-entry ledger client used for ticket
// inventory accounting: 128-bit ids, two-phase (pending) transfers, and
// per-item result codes. Backends: an in-process memory client for demo
// mode and tests, and a TigerBeetle adapter for production. The Batcher
// wraps either backend and coalesces concurrent submissions.
package ledger

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrBatchFailed marks a transport-level batch failure. Every caller whose
// items rode the failed batch receives it; callers may retry the whole
// operation.
var ErrBatchFailed = errors.New("ledger batch failed")

// ID is a 128-bit ledger identifier (account or transfer).
type ID [16]byte

// U64ID builds an ID from a small integer, for the fixed account universe.
func U64ID(v uint64) ID {
	var id ID
	binary.LittleEndian.PutUint64(id[:8], v)
	return id
}

// IDFromBytes builds an ID from the first 16 bytes of b.
func IDFromBytes(b []byte) ID {
	var id ID
	copy(id[:], b)
	return id
}

func (id ID) IsZero() bool { return id == ID{} }

func (id ID) String() string { return hex.EncodeToString(id[:]) }

// ParseID parses the 32-hex-char form produced by String.
func ParseID(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("parse ledger id: %w", err)
	}
	if len(b) != 16 {
		return ID{}, fmt.Errorf("parse ledger id: want 16 bytes, got %d", len(b))
	}
	return IDFromBytes(b), nil
}

// AccountFlags controls balance enforcement on an account.
type AccountFlags struct {
	// DebitsMustNotExceedCredits rejects any transfer that would push
	// debits_pending + debits_posted past credits_posted. Set on budget
	// accounts so a sold-out resource fails holds atomically.
	DebitsMustNotExceedCredits bool
	CreditsMustNotExceedDebits bool
	// History retains a balance snapshot per transfer, queryable through
	// GetAccountBalances.
	History bool
}

// Account is a ledger account with four running balances.
type Account struct {
	ID             ID
	DebitsPending  uint64
	DebitsPosted   uint64
	CreditsPending uint64
	CreditsPosted  uint64
	Ledger         uint32
	Code           uint16
	Flags          AccountFlags
}

// TransferFlags selects the transfer phase. At most one may be set.
type TransferFlags struct {
	Pending             bool
	PostPendingTransfer bool
	VoidPendingTransfer bool
}

// Transfer moves Amount from the debit account to the credit account.
// With Pending set the amount is reserved (and auto-released after Timeout
// seconds); a later post or void transfer referencing it via PendingID
// settles or releases the reservation.
type Transfer struct {
	ID              ID
	DebitAccountID  ID
	CreditAccountID ID
	Amount          uint64
	PendingID       ID
	Timeout         uint32
	Ledger          uint32
	Code            uint16
	Flags           TransferFlags
}

// CreateAccountResult is the per-item outcome of CreateAccounts.
type CreateAccountResult uint8

const (
	AccountOK CreateAccountResult = iota
	AccountExists
	AccountInvalid
	AccountRejected
)

func (r CreateAccountResult) String() string {
	switch r {
	case AccountOK:
		return "ok"
	case AccountExists:
		return "exists"
	case AccountInvalid:
		return "invalid"
	default:
		return "rejected"
	}
}

// Ok reports whether the account is usable after the call. Duplicate
// creation is idempotent.
func (r CreateAccountResult) Ok() bool { return r == AccountOK || r == AccountExists }

// CreateTransferResult is the per-item outcome of CreateTransfers.
type CreateTransferResult uint8

const (
	TransferOK CreateTransferResult = iota
	// TransferExists: a transfer with this ID was already accepted.
	// With deterministic ids this is how replays collapse.
	TransferExists
	TransferInvalid
	TransferDebitAccountNotFound
	TransferCreditAccountNotFound
	// TransferExceedsCredits: rejected by DebitsMustNotExceedCredits on
	// the debit account. For holds this means sold out.
	TransferExceedsCredits
	TransferExceedsDebits
	TransferPendingNotFound
	TransferPendingExpired
	TransferPendingAlreadyPosted
	TransferPendingAlreadyVoided
	// TransferRejected covers backend result codes with no local mapping.
	TransferRejected
)

func (r CreateTransferResult) String() string {
	switch r {
	case TransferOK:
		return "ok"
	case TransferExists:
		return "exists"
	case TransferInvalid:
		return "invalid"
	case TransferDebitAccountNotFound:
		return "debit_account_not_found"
	case TransferCreditAccountNotFound:
		return "credit_account_not_found"
	case TransferExceedsCredits:
		return "exceeds_credits"
	case TransferExceedsDebits:
		return "exceeds_debits"
	case TransferPendingNotFound:
		return "pending_not_found"
	case TransferPendingExpired:
		return "pending_expired"
	case TransferPendingAlreadyPosted:
		return "pending_already_posted"
	case TransferPendingAlreadyVoided:
		return "pending_already_voided"
	default:
		return "rejected"
	}
}

// Ok reports whether the transfer took effect, counting duplicate
// submission as success.
func (r CreateTransferResult) Ok() bool { return r == TransferOK || r == TransferExists }

// AccountFilter selects historical balances for one account. Zero
// timestamps mean unbounded; Limit 0 means backend default.
type AccountFilter struct {
	AccountID    ID
	TimestampMin uint64
	TimestampMax uint64
	Limit        uint32
	// Debits/Credits restrict snapshots to transfers touching that side;
	// both false means both sides. Reversed returns newest first.
	Debits   bool
	Credits  bool
	Reversed bool
}

// AccountBalance is one historical balance snapshot, taken after the
// transfer that produced it. Only accounts created with the History flag
// retain snapshots.
type AccountBalance struct {
	DebitsPending  uint64
	DebitsPosted   uint64
	CreditsPending uint64
	CreditsPosted  uint64
	Timestamp      uint64
}

// Client is the ledger backend. Result slices are index-aligned with the
// request slice; lookups return nil for ids that do not exist.
type Client interface {
	CreateAccounts(ctx context.Context, accounts []Account) ([]CreateAccountResult, error)
	CreateTransfers(ctx context.Context, transfers []Transfer) ([]CreateTransferResult, error)
	LookupAccounts(ctx context.Context, ids []ID) ([]*Account, error)
	LookupTransfers(ctx context.Context, ids []ID) ([]*Transfer, error)
	GetAccountBalances(ctx context.Context, filter AccountFilter) ([]AccountBalance, error)
	Close()
}
