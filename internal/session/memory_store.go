package session

import (
	"context"
	"sync"
	"time"
)

type memEntry[V any] struct {
	value     V
	expiresAt time.Time
}

func (e memEntry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !e.expiresAt.After(now)
}

// MemoryStore is an in-process session store for demo/development mode.
// A janitor goroutine evicts expired entries; reads also check expiry so
// correctness never depends on the janitor having run.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]memEntry[*Session]
	intents  map[string]memEntry[string]
	gates    map[string]memEntry[struct{}]

	ttl   time.Duration
	nowFn func() time.Time
	stop  chan struct{}
	once  sync.Once
}

// NewMemoryStore creates a memory store whose sessions and intent
// bindings live for ttl.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	m := &MemoryStore{
		sessions: make(map[string]memEntry[*Session]),
		intents:  make(map[string]memEntry[string]),
		gates:    make(map[string]memEntry[struct{}]),
		ttl:      ttl,
		nowFn:    time.Now,
		stop:     make(chan struct{}),
	}
	go m.janitor()
	return m
}

func (m *MemoryStore) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stop:
			return
		}
	}
}

func (m *MemoryStore) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFn()
	for k, e := range m.sessions {
		if e.expired(now) {
			delete(m.sessions, k)
		}
	}
	for k, e := range m.intents {
		if e.expired(now) {
			delete(m.intents, k)
		}
	}
	for k, e := range m.gates {
		if e.expired(now) {
			delete(m.gates, k)
		}
	}
}

func (m *MemoryStore) Put(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.OrderID] = memEntry[*Session]{value: &cp, expiresAt: m.nowFn().Add(m.ttl)}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, orderID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[orderID]
	if !ok || e.expired(m.nowFn()) {
		return nil, ErrSessionNotFound
	}
	cp := *e.value
	return &cp, nil
}

func (m *MemoryStore) Delete(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, orderID)
	return nil
}

func (m *MemoryStore) BindIntent(_ context.Context, intentID, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intents[intentID] = memEntry[string]{value: orderID, expiresAt: m.nowFn().Add(m.ttl)}
	return nil
}

func (m *MemoryStore) ResolveIntent(_ context.Context, intentID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.intents[intentID]
	if !ok || e.expired(m.nowFn()) {
		return "", ErrIntentNotFound
	}
	return e.value, nil
}

func (m *MemoryStore) AcquireFulfillment(_ context.Context, intentID string) (bool, error) {
	return m.setGate("fulfill:"+intentID, FulfillGateTTL), nil
}

func (m *MemoryStore) MarkEventSeen(_ context.Context, eventID string) (bool, error) {
	return m.setGate("event:"+eventID, EventSeenTTL), nil
}

func (m *MemoryStore) setGate(key string, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFn()
	if e, ok := m.gates[key]; ok && !e.expired(now) {
		return false
	}
	m.gates[key] = memEntry[struct{}]{expiresAt: now.Add(ttl)}
	return true
}

func (m *MemoryStore) Close() error {
	m.once.Do(func() { close(m.stop) })
	return nil
}
