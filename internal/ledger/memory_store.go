package ledger

import (
	"context"
	"sync"
	"time"
)

type pendingState uint8

const (
	pendingOpen pendingState = iota
	pendingPosted
	pendingVoided
	pendingExpired
)

type memTransfer struct {
	tr        Transfer
	state     pendingState
	expiresAt time.Time // zero when Timeout == 0 or transfer is not pending
}

// memBalance is one history snapshot plus which side of the transfer the
// account was on, for the AccountFilter Debits/Credits selectors.
type memBalance struct {
	bal   AccountBalance
	debit bool
}

// MemoryClient is an in-process Client for demo mode and tests. It keeps
// the semantics the accounting layer depends on: duplicate-id idempotency,
// budget flag enforcement, pending reservations with timeout expiry, and
// post/void resolution codes.
type MemoryClient struct {
	mu        sync.Mutex
	accounts  map[ID]*Account
	transfers map[ID]*memTransfer
	balances  map[ID][]memBalance
	lastTS    uint64

	nowFn func() time.Time
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		accounts:  make(map[ID]*Account),
		transfers: make(map[ID]*memTransfer),
		balances:  make(map[ID][]memBalance),
		nowFn:     time.Now,
	}
}

// SetClock replaces the time source. Tests use it to drive reservation
// expiry without sleeping.
func (m *MemoryClient) SetClock(fn func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowFn = fn
}

func (m *MemoryClient) CreateAccounts(_ context.Context, accounts []Account) ([]CreateAccountResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	results := make([]CreateAccountResult, len(accounts))
	for i, a := range accounts {
		if a.ID.IsZero() {
			results[i] = AccountInvalid
			continue
		}
		if _, ok := m.accounts[a.ID]; ok {
			results[i] = AccountExists
			continue
		}
		cp := a
		cp.DebitsPending, cp.DebitsPosted = 0, 0
		cp.CreditsPending, cp.CreditsPosted = 0, 0
		m.accounts[a.ID] = &cp
		results[i] = AccountOK
	}
	return results, nil
}

func (m *MemoryClient) CreateTransfers(_ context.Context, transfers []Transfer) ([]CreateTransferResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expireLocked()

	results := make([]CreateTransferResult, len(transfers))
	for i, t := range transfers {
		results[i] = m.applyLocked(t)
	}
	return results, nil
}

// expireLocked releases reservations whose timeout has passed. Lazy, like
// the real backend: expiry is observed at the next submission or lookup.
func (m *MemoryClient) expireLocked() {
	now := m.nowFn()
	for _, mt := range m.transfers {
		if mt.state != pendingOpen || !mt.tr.Flags.Pending {
			continue
		}
		if mt.expiresAt.IsZero() || mt.expiresAt.After(now) {
			continue
		}
		mt.state = pendingExpired
		if debit, ok := m.accounts[mt.tr.DebitAccountID]; ok {
			debit.DebitsPending -= mt.tr.Amount
			m.snapshotLocked(debit, true)
		}
		if credit, ok := m.accounts[mt.tr.CreditAccountID]; ok {
			credit.CreditsPending -= mt.tr.Amount
			m.snapshotLocked(credit, false)
		}
	}
}

// snapshotLocked records a balance snapshot for history-flagged accounts.
func (m *MemoryClient) snapshotLocked(a *Account, debitSide bool) {
	if !a.Flags.History {
		return
	}
	ts := uint64(m.nowFn().UnixNano())
	if ts <= m.lastTS {
		ts = m.lastTS + 1
	}
	m.lastTS = ts
	m.balances[a.ID] = append(m.balances[a.ID], memBalance{
		bal: AccountBalance{
			DebitsPending:  a.DebitsPending,
			DebitsPosted:   a.DebitsPosted,
			CreditsPending: a.CreditsPending,
			CreditsPosted:  a.CreditsPosted,
			Timestamp:      ts,
		},
		debit: debitSide,
	})
}

func (m *MemoryClient) applyLocked(t Transfer) CreateTransferResult {
	if t.ID.IsZero() {
		return TransferInvalid
	}
	if _, ok := m.transfers[t.ID]; ok {
		return TransferExists
	}

	if t.Flags.PostPendingTransfer || t.Flags.VoidPendingTransfer {
		return m.resolveLocked(t)
	}

	debit, ok := m.accounts[t.DebitAccountID]
	if !ok {
		return TransferDebitAccountNotFound
	}
	credit, ok := m.accounts[t.CreditAccountID]
	if !ok {
		return TransferCreditAccountNotFound
	}
	if t.Amount == 0 {
		return TransferInvalid
	}
	if debit.Flags.DebitsMustNotExceedCredits &&
		debit.DebitsPending+debit.DebitsPosted+t.Amount > debit.CreditsPosted {
		return TransferExceedsCredits
	}
	if credit.Flags.CreditsMustNotExceedDebits &&
		credit.CreditsPending+credit.CreditsPosted+t.Amount > credit.DebitsPosted {
		return TransferExceedsDebits
	}

	mt := &memTransfer{tr: t}
	if t.Flags.Pending {
		debit.DebitsPending += t.Amount
		credit.CreditsPending += t.Amount
		if t.Timeout > 0 {
			mt.expiresAt = m.nowFn().Add(time.Duration(t.Timeout) * time.Second)
		}
	} else {
		debit.DebitsPosted += t.Amount
		credit.CreditsPosted += t.Amount
		mt.state = pendingPosted
	}
	m.snapshotLocked(debit, true)
	m.snapshotLocked(credit, false)
	m.transfers[t.ID] = mt
	return TransferOK
}

func (m *MemoryClient) resolveLocked(t Transfer) CreateTransferResult {
	pending, ok := m.transfers[t.PendingID]
	if !ok || !pending.tr.Flags.Pending {
		return TransferPendingNotFound
	}
	switch pending.state {
	case pendingPosted:
		return TransferPendingAlreadyPosted
	case pendingVoided:
		return TransferPendingAlreadyVoided
	case pendingExpired:
		return TransferPendingExpired
	}

	amount := pending.tr.Amount
	debit := m.accounts[pending.tr.DebitAccountID]
	credit := m.accounts[pending.tr.CreditAccountID]
	debit.DebitsPending -= amount
	credit.CreditsPending -= amount

	if t.Flags.PostPendingTransfer {
		pending.state = pendingPosted
		debit.DebitsPosted += amount
		credit.CreditsPosted += amount
	} else {
		pending.state = pendingVoided
	}
	m.snapshotLocked(debit, true)
	m.snapshotLocked(credit, false)
	m.transfers[t.ID] = &memTransfer{tr: t, state: pendingPosted}
	return TransferOK
}

func (m *MemoryClient) LookupAccounts(_ context.Context, ids []ID) ([]*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expireLocked()

	results := make([]*Account, len(ids))
	for i, id := range ids {
		if a, ok := m.accounts[id]; ok {
			cp := *a
			results[i] = &cp
		}
	}
	return results, nil
}

func (m *MemoryClient) LookupTransfers(_ context.Context, ids []ID) ([]*Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	results := make([]*Transfer, len(ids))
	for i, id := range ids {
		if mt, ok := m.transfers[id]; ok {
			cp := mt.tr
			results[i] = &cp
		}
	}
	return results, nil
}

func (m *MemoryClient) GetAccountBalances(_ context.Context, f AccountFilter) ([]AccountBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expireLocked()

	var out []AccountBalance
	for _, mb := range m.balances[f.AccountID] {
		if f.TimestampMin != 0 && mb.bal.Timestamp < f.TimestampMin {
			continue
		}
		if f.TimestampMax != 0 && mb.bal.Timestamp > f.TimestampMax {
			continue
		}
		if f.Debits != f.Credits {
			if f.Debits && !mb.debit {
				continue
			}
			if f.Credits && mb.debit {
				continue
			}
		}
		out = append(out, mb.bal)
	}
	if f.Reversed {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if f.Limit > 0 && len(out) > int(f.Limit) {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryClient) Close() {}
