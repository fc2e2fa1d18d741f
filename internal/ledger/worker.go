package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrBatcherClosed is returned to callers whose submission raced Close.
var ErrBatcherClosed = errors.New("ledger batcher closed")

type batchCall[Req, Res any] struct {
	items []Req
	out   chan batchResult[Res]
}

type batchResult[Res any] struct {
	results []Res
	err     error
}

// worker coalesces submissions of one operation kind. Results stay
// position-matched: a call that contributed items [i, i+n) of the batch
// receives results [i, i+n).
type worker[Req, Res any] struct {
	op       string
	maxBatch int
	maxWait  time.Duration
	timeout  time.Duration
	queue    chan batchCall[Req, Res]
	submit   func(context.Context, []Req) ([]Res, error)
	done     chan struct{}
}

func newWorker[Req, Res any](cfg BatcherConfig, maxBatch int, op string, submit func(context.Context, []Req) ([]Res, error)) *worker[Req, Res] {
	w := &worker[Req, Res]{
		op:       op,
		maxBatch: maxBatch,
		maxWait:  cfg.MaxWait,
		timeout:  cfg.SubmitTimeout,
		queue:    make(chan batchCall[Req, Res], cfg.QueueDepth),
		submit:   submit,
		done:     make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *worker[Req, Res]) stop() {
	close(w.done)
}

func (w *worker[Req, Res]) call(ctx context.Context, items []Req) ([]Res, error) {
	if len(items) == 0 {
		return nil, nil
	}
	select {
	case <-w.done:
		return nil, ErrBatcherClosed
	default:
	}

	c := batchCall[Req, Res]{items: items, out: make(chan batchResult[Res], 1)}
	select {
	case w.queue <- c:
	case <-w.done:
		return nil, ErrBatcherClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-c.out:
		return r.results, r.err
	case <-ctx.Done():
		// The batch still runs; the results are simply dropped.
		return nil, ctx.Err()
	case <-w.done:
		// Stop raced an in-flight flush; prefer a delivered result.
		select {
		case r := <-c.out:
			return r.results, r.err
		default:
			return nil, ErrBatcherClosed
		}
	}
}

func (w *worker[Req, Res]) run() {
	for {
		var first batchCall[Req, Res]
		select {
		case first = <-w.queue:
		case <-w.done:
			w.failPending()
			return
		}

		calls := []batchCall[Req, Res]{first}
		total := len(first.items)

		timer := time.NewTimer(w.maxWait)
	drain:
		for total < w.maxBatch {
			select {
			case c := <-w.queue:
				calls = append(calls, c)
				total += len(c.items)
			case <-timer.C:
				break drain
			}
		}
		timer.Stop()

		w.flush(calls, total)
	}
}

// failPending answers anything still queued after stop.
func (w *worker[Req, Res]) failPending() {
	for {
		select {
		case c := <-w.queue:
			c.out <- batchResult[Res]{err: ErrBatcherClosed}
		default:
			return
		}
	}
}

func (w *worker[Req, Res]) flush(calls []batchCall[Req, Res], total int) {
	batch := make([]Req, 0, total)
	for _, c := range calls {
		batch = append(batch, c.items...)
	}

	observeBatch(w.op, len(batch))

	// A single call can exceed the wire ceiling; submit in chunks and
	// splice the results back together.
	results := make([]Res, 0, total)
	var submitErr error
	for off := 0; off < len(batch); off += w.maxBatch {
		end := off + w.maxBatch
		if end > len(batch) {
			end = len(batch)
		}
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		res, err := w.submit(ctx, batch[off:end])
		cancel()
		if err != nil {
			submitErr = fmt.Errorf("%w: %s: %v", ErrBatchFailed, w.op, err)
			break
		}
		results = append(results, res...)
	}

	if submitErr != nil {
		countBatch(w.op, "error")
		for _, c := range calls {
			c.out <- batchResult[Res]{err: submitErr}
		}
		return
	}

	countBatch(w.op, "ok")
	off := 0
	for _, c := range calls {
		c.out <- batchResult[Res]{results: results[off : off+len(c.items)]}
		off += len(c.items)
	}
}
