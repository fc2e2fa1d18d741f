package ledger

import (
	"context"
	"encoding/binary"
	"fmt"

	tb "github.com/tigerbeetle/tigerbeetle-go"
	tbtypes "github.com/tigerbeetle/tigerbeetle-go/pkg/types"
)

// TigerBeetleClient adapts a TigerBeetle cluster to the Client interface.
// All wire-type conversion lives here so the rest of the codebase only
// sees the local types.
type TigerBeetleClient struct {
	client tb.Client
}

// DialTigerBeetle connects to the cluster at address.
func DialTigerBeetle(clusterID uint64, address string) (*TigerBeetleClient, error) {
	client, err := tb.NewClient(tbtypes.ToUint128(clusterID), []string{address})
	if err != nil {
		return nil, fmt.Errorf("connect tigerbeetle cluster %d at %s: %w", clusterID, address, err)
	}
	return &TigerBeetleClient{client: client}, nil
}

func (c *TigerBeetleClient) CreateAccounts(_ context.Context, accounts []Account) ([]CreateAccountResult, error) {
	req := make([]tbtypes.Account, len(accounts))
	for i, a := range accounts {
		req[i] = tbtypes.Account{
			ID:     toUint128(a.ID),
			Ledger: a.Ledger,
			Code:   a.Code,
			Flags: tbtypes.AccountFlags{
				DebitsMustNotExceedCredits: a.Flags.DebitsMustNotExceedCredits,
				CreditsMustNotExceedDebits: a.Flags.CreditsMustNotExceedDebits,
				History:                    a.Flags.History,
			}.ToUint16(),
		}
	}

	events, err := c.client.CreateAccounts(req)
	if err != nil {
		return nil, fmt.Errorf("create accounts: %w", err)
	}

	// The backend reports only non-OK items; rebuild the dense slice.
	results := make([]CreateAccountResult, len(accounts))
	for _, ev := range events {
		results[ev.Index] = mapAccountResult(ev.Result)
	}
	return results, nil
}

func (c *TigerBeetleClient) CreateTransfers(_ context.Context, transfers []Transfer) ([]CreateTransferResult, error) {
	req := make([]tbtypes.Transfer, len(transfers))
	for i, t := range transfers {
		req[i] = tbtypes.Transfer{
			ID:              toUint128(t.ID),
			DebitAccountID:  toUint128(t.DebitAccountID),
			CreditAccountID: toUint128(t.CreditAccountID),
			Amount:          tbtypes.ToUint128(t.Amount),
			PendingID:       toUint128(t.PendingID),
			Timeout:         t.Timeout,
			Ledger:          t.Ledger,
			Code:            t.Code,
			Flags: tbtypes.TransferFlags{
				Pending:             t.Flags.Pending,
				PostPendingTransfer: t.Flags.PostPendingTransfer,
				VoidPendingTransfer: t.Flags.VoidPendingTransfer,
			}.ToUint16(),
		}
	}

	events, err := c.client.CreateTransfers(req)
	if err != nil {
		return nil, fmt.Errorf("create transfers: %w", err)
	}

	results := make([]CreateTransferResult, len(transfers))
	for _, ev := range events {
		results[ev.Index] = mapTransferResult(ev.Result)
	}
	return results, nil
}

func (c *TigerBeetleClient) LookupAccounts(_ context.Context, ids []ID) ([]*Account, error) {
	req := make([]tbtypes.Uint128, len(ids))
	for i, id := range ids {
		req[i] = toUint128(id)
	}

	found, err := c.client.LookupAccounts(req)
	if err != nil {
		return nil, fmt.Errorf("lookup accounts: %w", err)
	}

	// Found accounts come back sparse; realign by ID.
	byID := make(map[ID]*Account, len(found))
	for i := range found {
		a := fromTBAccount(found[i])
		byID[a.ID] = a
	}
	results := make([]*Account, len(ids))
	for i, id := range ids {
		results[i] = byID[id]
	}
	return results, nil
}

func (c *TigerBeetleClient) LookupTransfers(_ context.Context, ids []ID) ([]*Transfer, error) {
	req := make([]tbtypes.Uint128, len(ids))
	for i, id := range ids {
		req[i] = toUint128(id)
	}

	found, err := c.client.LookupTransfers(req)
	if err != nil {
		return nil, fmt.Errorf("lookup transfers: %w", err)
	}

	byID := make(map[ID]*Transfer, len(found))
	for i := range found {
		t := fromTBTransfer(found[i])
		byID[t.ID] = t
	}
	results := make([]*Transfer, len(ids))
	for i, id := range ids {
		results[i] = byID[id]
	}
	return results, nil
}

func (c *TigerBeetleClient) GetAccountBalances(_ context.Context, f AccountFilter) ([]AccountBalance, error) {
	found, err := c.client.GetAccountBalances(tbtypes.AccountFilter{
		AccountID:    toUint128(f.AccountID),
		TimestampMin: f.TimestampMin,
		TimestampMax: f.TimestampMax,
		Limit:        f.Limit,
		Flags: tbtypes.AccountFilterFlags{
			Debits:   f.Debits,
			Credits:  f.Credits,
			Reversed: f.Reversed,
		}.ToUint32(),
	})
	if err != nil {
		return nil, fmt.Errorf("get account balances: %w", err)
	}

	results := make([]AccountBalance, len(found))
	for i := range found {
		results[i] = AccountBalance{
			DebitsPending:  u128Low(found[i].DebitsPending),
			DebitsPosted:   u128Low(found[i].DebitsPosted),
			CreditsPending: u128Low(found[i].CreditsPending),
			CreditsPosted:  u128Low(found[i].CreditsPosted),
			Timestamp:      found[i].Timestamp,
		}
	}
	return results, nil
}

func (c *TigerBeetleClient) Close() {
	c.client.Close()
}

func toUint128(id ID) tbtypes.Uint128 {
	return tbtypes.BytesToUint128([16]byte(id))
}

func fromUint128(v tbtypes.Uint128) ID {
	return ID(v.Bytes())
}

// u128Low returns the low 64 bits. Balances in this ledger never exceed
// the supply counts, which fit comfortably.
func u128Low(v tbtypes.Uint128) uint64 {
	b := v.Bytes()
	return binary.LittleEndian.Uint64(b[:8])
}

func fromTBAccount(a tbtypes.Account) *Account {
	flags := a.AccountFlags()
	return &Account{
		ID:             fromUint128(a.ID),
		DebitsPending:  u128Low(a.DebitsPending),
		DebitsPosted:   u128Low(a.DebitsPosted),
		CreditsPending: u128Low(a.CreditsPending),
		CreditsPosted:  u128Low(a.CreditsPosted),
		Ledger:         a.Ledger,
		Code:           a.Code,
		Flags: AccountFlags{
			DebitsMustNotExceedCredits: flags.DebitsMustNotExceedCredits,
			CreditsMustNotExceedDebits: flags.CreditsMustNotExceedDebits,
		},
	}
}

func fromTBTransfer(t tbtypes.Transfer) *Transfer {
	return &Transfer{
		ID:              fromUint128(t.ID),
		DebitAccountID:  fromUint128(t.DebitAccountID),
		CreditAccountID: fromUint128(t.CreditAccountID),
		Amount:          u128Low(t.Amount),
		PendingID:       fromUint128(t.PendingID),
		Timeout:         t.Timeout,
		Ledger:          t.Ledger,
		Code:            t.Code,
	}
}

func mapAccountResult(r tbtypes.CreateAccountResult) CreateAccountResult {
	switch r {
	case tbtypes.AccountOK:
		return AccountOK
	case tbtypes.AccountExists:
		return AccountExists
	default:
		return AccountRejected
	}
}

func mapTransferResult(r tbtypes.CreateTransferResult) CreateTransferResult {
	switch r {
	case tbtypes.TransferOK:
		return TransferOK
	case tbtypes.TransferExists:
		return TransferExists
	case tbtypes.TransferDebitAccountNotFound:
		return TransferDebitAccountNotFound
	case tbtypes.TransferCreditAccountNotFound:
		return TransferCreditAccountNotFound
	case tbtypes.TransferExceedsCredits:
		return TransferExceedsCredits
	case tbtypes.TransferExceedsDebits:
		return TransferExceedsDebits
	case tbtypes.TransferPendingTransferNotFound:
		return TransferPendingNotFound
	case tbtypes.TransferPendingTransferExpired:
		return TransferPendingExpired
	case tbtypes.TransferPendingTransferAlreadyPosted:
		return TransferPendingAlreadyPosted
	case tbtypes.TransferPendingTransferAlreadyVoided:
		return TransferPendingAlreadyVoided
	default:
		return TransferRejected
	}
}
