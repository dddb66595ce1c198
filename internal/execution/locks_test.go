package execution

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funding_keeper/internal/core"
	"funding_keeper/internal/mock"
	"funding_keeper/pkg/logging"
)

func newTestRegistry(t *testing.T) (*LockRegistry, *mock.Clock) {
	t.Helper()
	clock := mock.NewClock(time.Unix(1700000000, 0))
	return NewLockRegistry(logging.NewNop(), clock), clock
}

func register(t *testing.T, r *LockRegistry, orderID, threadID string, venue core.Venue, side core.Side) {
	t.Helper()
	err := r.RegisterOrderPlacing(orderID, "ETH", venue, side, threadID,
		decimal.NewFromInt(2), decimal.NewFromInt(3000))
	require.NoError(t, err)
}

func TestRegisterTakesLockAndRefusesDuplicates(t *testing.T) {
	r, _ := newTestRegistry(t)

	register(t, r, "c-1", "open-ETH-aaaa1111", core.VenueHyperliquid, core.SideLong)
	assert.True(t, r.HasActiveOrder(core.VenueHyperliquid, "ETH", core.SideLong))

	err := r.RegisterOrderPlacing("c-2", "ETH", core.VenueHyperliquid, core.SideLong, "open-ETH-bbbb2222",
		decimal.NewFromInt(1), decimal.NewFromInt(3000))
	require.ErrorIs(t, err, ErrLockHeld)

	// Other side and other venue are independent keys.
	require.NoError(t, r.RegisterOrderPlacing("c-3", "ETH", core.VenueHyperliquid, core.SideShort, "t3",
		decimal.NewFromInt(1), decimal.NewFromInt(3000)))
	require.NoError(t, r.RegisterOrderPlacing("c-4", "ETH", core.VenueLighter, core.SideLong, "t4",
		decimal.NewFromInt(1), decimal.NewFromInt(3000)))
	assert.Len(t, r.ActiveOrders(), 3)
}

func TestRegisterNormalizesSymbols(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.RegisterOrderPlacing("c-1", "ETHUSDT", core.VenueLighter, core.SideShort, "t1",
		decimal.NewFromInt(1), decimal.NewFromInt(3000)))
	assert.True(t, r.HasActiveOrder(core.VenueLighter, "ETH", core.SideShort))
	assert.True(t, r.HasActiveOrder(core.VenueLighter, "ETH-PERP", core.SideShort))
}

func TestLifecycleReleasesKeyAndKeepsThreadHistory(t *testing.T) {
	r, clock := newTestRegistry(t)
	register(t, r, "c-1", "open-ETH-aaaa1111", core.VenueHyperliquid, core.SideLong)

	// Venue ack stamps the assigned id over the client id.
	clock.Advance(time.Second)
	require.True(t, r.UpdateOrderStatus(core.VenueHyperliquid, "ETH", core.SideLong, LockWaitingFill, "hl-77"))
	assert.True(t, r.KnownOrder(core.VenueHyperliquid, "hl-77"))

	clock.Advance(time.Second)
	require.True(t, r.UpdateOrderStatus(core.VenueHyperliquid, "ETH", core.SideLong, LockFilled, "hl-77"))
	assert.False(t, r.HasActiveOrder(core.VenueHyperliquid, "ETH", core.SideLong))

	// The terminal leg stays queryable by thread.
	thread := r.ByThread("open-ETH-aaaa1111")
	require.Len(t, thread, 1)
	assert.Equal(t, LockFilled, thread[0].Status)
	assert.Equal(t, "hl-77", thread[0].OrderID)

	// The key is free for the next operation.
	require.NoError(t, r.RegisterOrderPlacing("c-2", "ETH", core.VenueHyperliquid, core.SideLong, "open-ETH-bbbb2222",
		decimal.NewFromInt(1), decimal.NewFromInt(3000)))
}

func TestUpdateIgnoresStaleOrderID(t *testing.T) {
	r, _ := newTestRegistry(t)
	register(t, r, "c-1", "t1", core.VenueExtended, core.SideShort)
	require.True(t, r.UpdateOrderStatus(core.VenueExtended, "ETH", core.SideShort, LockWaitingFill, "ex-1"))

	// A late event for a previous order on the same key must not touch
	// the current record.
	assert.False(t, r.UpdateOrderStatus(core.VenueExtended, "ETH", core.SideShort, LockCancelled, "ex-0"))
	assert.True(t, r.HasActiveOrder(core.VenueExtended, "ETH", core.SideShort))
}

func TestUpdateWithoutRecordReturnsFalse(t *testing.T) {
	r, _ := newTestRegistry(t)
	assert.False(t, r.UpdateOrderStatus(core.VenueLighter, "ETH", core.SideLong, LockFilled, "x"))
}

func TestTransitionBackToPlacingRefused(t *testing.T) {
	r, _ := newTestRegistry(t)
	register(t, r, "c-1", "t1", core.VenueHyperliquid, core.SideLong)
	require.True(t, r.UpdateOrderStatus(core.VenueHyperliquid, "ETH", core.SideLong, LockWaitingFill, "hl-1"))
	assert.False(t, r.UpdateOrderStatus(core.VenueHyperliquid, "ETH", core.SideLong, LockPlacing, "hl-1"))
	assert.True(t, r.HasActiveOrder(core.VenueHyperliquid, "ETH", core.SideLong))
}

func TestForceClearRemovesRecordEntirely(t *testing.T) {
	r, _ := newTestRegistry(t)
	register(t, r, "c-1", "t1", core.VenueHyperliquid, core.SideLong)
	require.True(t, r.UpdateOrderStatus(core.VenueHyperliquid, "ETH", core.SideLong, LockWaitingFill, "hl-1"))

	require.True(t, r.ForceClearOrder(core.VenueHyperliquid, "ETH", core.SideLong))
	assert.False(t, r.HasActiveOrder(core.VenueHyperliquid, "ETH", core.SideLong))
	assert.False(t, r.KnownOrder(core.VenueHyperliquid, "hl-1"))
	assert.Empty(t, r.ByThread("t1"))

	assert.False(t, r.ForceClearOrder(core.VenueHyperliquid, "ETH", core.SideLong))
}

func TestPruneThreadsDropsOnlySettledHistory(t *testing.T) {
	r, clock := newTestRegistry(t)

	register(t, r, "c-1", "t-done", core.VenueHyperliquid, core.SideLong)
	require.True(t, r.UpdateOrderStatus(core.VenueHyperliquid, "ETH", core.SideLong, LockFilled, "hl-1"))

	register(t, r, "c-2", "t-live", core.VenueLighter, core.SideShort)

	clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, r.PruneThreads(time.Hour))
	assert.Empty(t, r.ByThread("t-done"))
	assert.False(t, r.KnownOrder(core.VenueHyperliquid, "hl-1"))
	assert.Len(t, r.ByThread("t-live"), 1)

	// Settled but still fresh history survives.
	require.True(t, r.UpdateOrderStatus(core.VenueLighter, "ETH", core.SideShort, LockCancelled, "lt-1"))
	assert.Equal(t, 0, r.PruneThreads(time.Hour))
	assert.Len(t, r.ByThread("t-live"), 1)
}

func TestThreadsGroupsRecords(t *testing.T) {
	r, _ := newTestRegistry(t)
	register(t, r, "c-1", "pair-1", core.VenueHyperliquid, core.SideLong)
	register(t, r, "c-2", "pair-1", core.VenueLighter, core.SideShort)

	threads := r.Threads()
	require.Len(t, threads, 1)
	assert.Len(t, threads["pair-1"], 2)
}

func TestActiveOrdersReturnsCopies(t *testing.T) {
	r, _ := newTestRegistry(t)
	register(t, r, "c-1", "t1", core.VenueHyperliquid, core.SideLong)

	out := r.ActiveOrders()
	require.Len(t, out, 1)
	out[0].Status = LockFilled

	assert.True(t, r.HasActiveOrder(core.VenueHyperliquid, "ETH", core.SideLong))
}

func TestNewThreadIDFormat(t *testing.T) {
	id := NewThreadID("open", "ETH")
	assert.True(t, strings.HasPrefix(id, "open-ETH-"))
	assert.Len(t, id, len("open-ETH-")+8)

	other := NewThreadID("open", "ETH")
	assert.NotEqual(t, id, other)
}

func TestLockStatusFromOrder(t *testing.T) {
	cases := map[core.OrderStatus]LockStatus{
		core.OrderStatusFilled:          LockFilled,
		core.OrderStatusCancelled:       LockCancelled,
		core.OrderStatusExpired:         LockCancelled,
		core.OrderStatusRejected:        LockFailed,
		core.OrderStatusSubmitted:       LockWaitingFill,
		core.OrderStatusPartiallyFilled: LockWaitingFill,
		core.OrderStatusPending:         LockWaitingFill,
	}
	for in, want := range cases {
		assert.Equal(t, want, LockStatusFromOrder(in), string(in))
	}
}
