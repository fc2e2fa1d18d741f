package order

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOrder(id, intentID string) *Order {
	exp := time.Now().Add(5 * time.Minute)
	return &Order{
		ID:              id,
		Status:          StatusCreated,
		Class:           "A",
		WantGoodie:      true,
		GoodieHeld:      true,
		AmountCents:     6500,
		Currency:        "eur",
		PaymentIntentID: intentID,
		TicketPendingID: "0102030405060708090a0b0c0d0e0f10",
		GoodiePendingID: "100f0e0d0c0b0a090807060504030201",
		HoldExpiresAt:   &exp,
	}
}

func TestMemoryInsertAndGet(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	o := testOrder("ord_1", "mock_abc")
	require.NoError(t, m.Insert(ctx, o))
	assert.ErrorIs(t, m.Insert(ctx, testOrder("ord_1", "mock_other")), ErrDuplicateOrder)

	got, err := m.Get(ctx, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, got.Status)
	assert.Equal(t, "mock_abc", got.PaymentIntentID)

	byIntent, err := m.GetByIntent(ctx, "mock_abc")
	require.NoError(t, err)
	assert.Equal(t, "ord_1", byIntent.ID)

	_, err = m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestMemoryInsertDuplicateIntent(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, m.Insert(ctx, testOrder("ord_1", "mock_abc")))
	assert.ErrorIs(t, m.Insert(ctx, testOrder("ord_2", "mock_abc")), ErrDuplicateOrder)

	// Sold-out rows carry no intent and may pile up freely.
	a := testOrder("ord_3", "")
	a.Status = StatusFailed
	b := testOrder("ord_4", "")
	b.Status = StatusFailed
	require.NoError(t, m.Insert(ctx, a))
	require.NoError(t, m.Insert(ctx, b))
}

func TestMemoryUpdateStatusConditional(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, m.Insert(ctx, testOrder("ord_1", "mock_abc")))

	won, err := m.UpdateStatus(ctx, "ord_1", []Status{StatusCreated}, StatusHeld, nil)
	require.NoError(t, err)
	assert.True(t, won)

	// Same transition again: source state no longer matches.
	won, err = m.UpdateStatus(ctx, "ord_1", []Status{StatusCreated}, StatusHeld, nil)
	require.NoError(t, err)
	assert.False(t, won)

	paidAt := time.Now()
	code := "TCK-ABCDEF1234"
	goodie := true
	won, err = m.UpdateStatus(ctx, "ord_1", []Status{StatusCreated, StatusHeld}, StatusPaid, &Update{
		PaidAt:     &paidAt,
		TicketCode: &code,
		GotGoodie:  &goodie,
	})
	require.NoError(t, err)
	require.True(t, won)

	got, err := m.Get(ctx, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, got.Status)
	assert.Equal(t, code, got.TicketCode)
	assert.True(t, got.GotGoodie)
	require.NotNil(t, got.PaidAt)

	// Terminal rows never move again: a late sweep loses the race.
	won, err = m.UpdateStatus(ctx, "ord_1", []Status{StatusHeld}, StatusTimeout, nil)
	require.NoError(t, err)
	assert.False(t, won)
	got, _ = m.Get(ctx, "ord_1")
	assert.Equal(t, StatusPaid, got.Status)
}

func TestMemoryUpdateStatusUnknownOrder(t *testing.T) {
	m := NewMemoryStore()
	_, err := m.UpdateStatus(context.Background(), "missing", []Status{StatusHeld}, StatusPaid, nil)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestMemoryListHeldExpired(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	mk := func(id string, expOffset time.Duration, status Status) {
		o := testOrder(id, "mock_"+id)
		exp := now.Add(expOffset)
		o.HoldExpiresAt = &exp
		require.NoError(t, m.Insert(ctx, o))
		if status != StatusCreated {
			_, err := m.UpdateStatus(ctx, id, []Status{StatusCreated}, status, nil)
			require.NoError(t, err)
		}
	}

	mk("ord_old", -10*time.Minute, StatusHeld)
	mk("ord_older", -20*time.Minute, StatusHeld)
	mk("ord_fresh", 5*time.Minute, StatusHeld)
	mk("ord_paid", -30*time.Minute, StatusPaid)

	expired, err := m.ListHeldExpired(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, expired, 2)
	assert.Equal(t, "ord_older", expired[0].ID)
	assert.Equal(t, "ord_old", expired[1].ID)

	limited, err := m.ListHeldExpired(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "ord_older", limited[0].ID)
}

func TestMemoryListRecent(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	for i, id := range []string{"ord_1", "ord_2", "ord_3"} {
		o := testOrder(id, "mock_"+id)
		o.CreatedAt = time.Now().Add(time.Duration(i) * time.Second)
		require.NoError(t, m.Insert(ctx, o))
	}

	recent, err := m.ListRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "ord_3", recent[0].ID)
	assert.Equal(t, "ord_2", recent[1].ID)
}

func TestStatusIsTerminal(t *testing.T) {
	for _, s := range []Status{StatusPaid, StatusPaidUnfulfilled, StatusFailed, StatusCanceled, StatusTimeout} {
		assert.True(t, s.IsTerminal(), string(s))
	}
	for _, s := range []Status{StatusCreated, StatusHeld} {
		assert.False(t, s.IsTerminal(), string(s))
	}
}
