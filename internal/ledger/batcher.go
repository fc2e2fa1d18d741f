package ledger

import (
	"context"
	"time"
)

// Batch ceilings from the wire format: one request message holds at most
// 8189 transfers or 8190 accounts.
const (
	MaxBatchTransfers = 8189
	MaxBatchAccounts  = 8190
)

// BatcherConfig tunes the coalescing workers.
type BatcherConfig struct {
	// MaxWait bounds how long a worker collects further submissions after
	// the first queued item before flushing.
	MaxWait time.Duration
	// QueueDepth bounds the per-operation submission queue; a full queue
	// blocks callers, which is the backpressure.
	QueueDepth int
	// SubmitTimeout bounds a single backend round trip.
	SubmitTimeout time.Duration
}

func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{
		MaxWait:       200 * time.Microsecond,
		QueueDepth:    4096,
		SubmitTimeout: 5 * time.Second,
	}
}

// Batcher implements Client by coalescing concurrent submissions into
// larger backend batches. One worker goroutine per operation kind drains
// its queue until the batch ceiling or MaxWait after the first item, then
// submits once and fans results back out by position. A backend error
// fails every caller in the batch with ErrBatchFailed; retry is the
// caller's decision.
type Batcher struct {
	client Client

	createTransfers *worker[Transfer, CreateTransferResult]
	createAccounts  *worker[Account, CreateAccountResult]
	lookupAccounts  *worker[ID, *Account]
	lookupTransfers *worker[ID, *Transfer]
}

// NewBatcher starts the workers. Close stops them; in-flight callers get
// ErrBatcherClosed.
func NewBatcher(client Client, cfg BatcherConfig) *Batcher {
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultBatcherConfig().MaxWait
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultBatcherConfig().QueueDepth
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultBatcherConfig().SubmitTimeout
	}
	b := &Batcher{client: client}
	b.createTransfers = newWorker(cfg, MaxBatchTransfers, "create_transfers", client.CreateTransfers)
	b.createAccounts = newWorker(cfg, MaxBatchAccounts, "create_accounts", client.CreateAccounts)
	b.lookupAccounts = newWorker(cfg, MaxBatchAccounts, "lookup_accounts", client.LookupAccounts)
	b.lookupTransfers = newWorker(cfg, MaxBatchTransfers, "lookup_transfers", client.LookupTransfers)
	return b
}

func (b *Batcher) CreateTransfers(ctx context.Context, transfers []Transfer) ([]CreateTransferResult, error) {
	return b.createTransfers.call(ctx, transfers)
}

func (b *Batcher) CreateAccounts(ctx context.Context, accounts []Account) ([]CreateAccountResult, error) {
	return b.createAccounts.call(ctx, accounts)
}

func (b *Batcher) LookupAccounts(ctx context.Context, ids []ID) ([]*Account, error) {
	return b.lookupAccounts.call(ctx, ids)
}

func (b *Batcher) LookupTransfers(ctx context.Context, ids []ID) ([]*Transfer, error) {
	return b.lookupTransfers.call(ctx, ids)
}

// GetAccountBalances passes through: the filter queries one account, so
// there is nothing to coalesce.
func (b *Batcher) GetAccountBalances(ctx context.Context, filter AccountFilter) ([]AccountBalance, error) {
	return b.client.GetAccountBalances(ctx, filter)
}

// Close stops the workers and closes the underlying client.
func (b *Batcher) Close() {
	b.createTransfers.stop()
	b.createAccounts.stop()
	b.lookupAccounts.stop()
	b.lookupTransfers.stop()
	b.client.Close()
}
