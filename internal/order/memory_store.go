package order

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory order store for demo/development mode.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*Order

	nowFn func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*Order),
		nowFn:  time.Now,
	}
}

func (m *MemoryStore) Insert(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[o.ID]; ok {
		return ErrDuplicateOrder
	}
	// Mirrors the unique index on payment_intent_id; sold-out rows have
	// no intent and never collide.
	if o.PaymentIntentID != "" {
		for _, existing := range m.orders {
			if existing.PaymentIntentID == o.PaymentIntentID {
				return ErrDuplicateOrder
			}
		}
	}
	cp := *o
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.nowFn()
	}
	cp.UpdatedAt = cp.CreatedAt
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) GetByIntent(_ context.Context, intentID string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, o := range m.orders {
		if o.PaymentIntentID == intentID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, ErrOrderNotFound
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, from []Status, to Status, upd *Update) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return false, ErrOrderNotFound
	}

	matched := false
	for _, f := range from {
		if o.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}

	o.Status = to
	o.UpdatedAt = m.nowFn()
	if upd != nil {
		if upd.PaidAt != nil {
			o.PaidAt = upd.PaidAt
		}
		if upd.TicketCode != nil {
			o.TicketCode = *upd.TicketCode
		}
		if upd.GotGoodie != nil {
			o.GotGoodie = *upd.GotGoodie
		}
	}
	return true, nil
}

func (m *MemoryStore) ListHeldExpired(_ context.Context, before time.Time, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if o.Status != StatusHeld || o.HoldExpiresAt == nil || !o.HoldExpiresAt.Before(before) {
			continue
		}
		cp := *o
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].HoldExpiresAt.Before(*result[j].HoldExpiresAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListRecent(_ context.Context, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Order, 0, len(m.orders))
	for _, o := range m.orders {
		cp := *o
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
