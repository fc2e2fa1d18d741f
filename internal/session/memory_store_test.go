package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSession(orderID, intentID string) *Session {
	now := time.Now()
	return &Session{
		OrderID:         orderID,
		IntentID:        intentID,
		Class:           "A",
		WantGoodie:      true,
		GoodieHeld:      true,
		TicketPendingID: "0102030405060708090a0b0c0d0e0f10",
		GoodiePendingID: "100f0e0d0c0b0a090807060504030201",
		AmountCents:     6500,
		Currency:        "eur",
		CreatedAt:       now,
		ExpiresAt:       now.Add(5 * time.Minute),
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	m := NewMemoryStore(time.Minute)
	defer m.Close()
	ctx := context.Background()

	s := testSession("ord_1", "mock_abc")
	require.NoError(t, m.Put(ctx, s))
	require.NoError(t, m.BindIntent(ctx, s.IntentID, s.OrderID))

	got, err := m.Get(ctx, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, s.TicketPendingID, got.TicketPendingID)
	assert.True(t, got.GoodieHeld)

	orderID, err := m.ResolveIntent(ctx, "mock_abc")
	require.NoError(t, err)
	assert.Equal(t, "ord_1", orderID)

	require.NoError(t, m.Delete(ctx, "ord_1"))
	_, err = m.Get(ctx, "ord_1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMemoryStoreExpiry(t *testing.T) {
	m := NewMemoryStore(time.Minute)
	defer m.Close()
	ctx := context.Background()

	now := time.Now()
	m.nowFn = func() time.Time { return now }

	require.NoError(t, m.Put(ctx, testSession("ord_1", "mock_abc")))
	require.NoError(t, m.BindIntent(ctx, "mock_abc", "ord_1"))

	now = now.Add(2 * time.Minute)

	_, err := m.Get(ctx, "ord_1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = m.ResolveIntent(ctx, "mock_abc")
	assert.ErrorIs(t, err, ErrIntentNotFound)

	// The janitor path removes the entries outright.
	m.sweep()
	assert.Empty(t, m.sessions)
	assert.Empty(t, m.intents)
}

func TestMemoryStoreGates(t *testing.T) {
	m := NewMemoryStore(time.Minute)
	defer m.Close()
	ctx := context.Background()

	won, err := m.AcquireFulfillment(ctx, "mock_abc")
	require.NoError(t, err)
	assert.True(t, won)

	again, err := m.AcquireFulfillment(ctx, "mock_abc")
	require.NoError(t, err)
	assert.False(t, again)

	fresh, err := m.MarkEventSeen(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, fresh)

	replay, err := m.MarkEventSeen(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, replay)

	// Distinct ids gate independently.
	other, err := m.MarkEventSeen(ctx, "evt_2")
	require.NoError(t, err)
	assert.True(t, other)
}

func TestMemoryStoreMissingEntries(t *testing.T) {
	m := NewMemoryStore(time.Minute)
	defer m.Close()
	ctx := context.Background()

	_, err := m.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = m.ResolveIntent(ctx, "nope")
	assert.ErrorIs(t, err, ErrIntentNotFound)
	assert.NoError(t, m.Delete(ctx, "nope"))
}
