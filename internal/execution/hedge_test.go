package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funding_keeper/internal/config"
	"funding_keeper/internal/core"
	"funding_keeper/internal/mock"
	"funding_keeper/pkg/logging"
)

const (
	venueA = core.Venue("mockA")
	venueB = core.Venue("mockB")
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.App.ExecutionOrder = []string{string(venueA), string(venueB)}
	cfg.Execution.NumberOfSlices = 1
	cfg.Execution.SliceFillTimeoutMs = 30000
	cfg.Execution.FillCheckIntervalMs = 2000
	cfg.Execution.MaxImbalancePercent = 10
	cfg.Execution.InterSliceDelayMs = 500
	return cfg
}

func testReq(size string) *HedgeRequest {
	return &HedgeRequest{
		Symbol:     "ETH",
		LongVenue:  venueA,
		ShortVenue: venueB,
		Size:       decimal.RequireFromString(size),
		LongPrice:  decimal.NewFromInt(2990),
		ShortPrice: decimal.NewFromInt(3010),
		Slices:     1,
	}
}

func newTestExecutor(t *testing.T) (*HedgedExecutor, *mock.Exchange, *mock.Exchange, *LockRegistry, *mock.Clock, *config.Config) {
	t.Helper()
	clock := mock.NewClock(time.Unix(1700000000, 0))
	exA := mock.NewExchange(venueA, clock)
	exB := mock.NewExchange(venueB, clock)
	exA.SetMarkPrice("ETH", decimal.NewFromInt(3000))
	exB.SetMarkPrice("ETH", decimal.NewFromInt(3000))
	reg := NewLockRegistry(logging.NewNop(), clock)
	cfg := testConfig()
	x := NewHedgedExecutor(map[core.Venue]core.IExchange{venueA: exA, venueB: exB}, reg, cfg, logging.NewNop(), clock)
	return x, exA, exB, reg, clock, cfg
}

func position(t *testing.T, ex core.IExchange, symbol core.Symbol) *core.Position {
	t.Helper()
	pos, err := ex.GetPosition(context.Background(), symbol)
	require.NoError(t, err)
	return pos
}

func TestExecuteSingleSliceSuccess(t *testing.T) {
	x, exA, exB, reg, _, _ := newTestExecutor(t)
	exA.SetFillMode(mock.FillImmediate)
	exB.SetFillMode(mock.FillImmediate)

	res, err := x.Execute(context.Background(), testReq("2"))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Empty(t, res.AbortReason)
	assert.Equal(t, 1, res.CompletedSlices)
	assert.True(t, res.LongFilled.Equal(decimal.NewFromInt(2)))
	assert.True(t, res.ShortFilled.Equal(decimal.NewFromInt(2)))
	assert.True(t, res.LongAvgPrice.Equal(decimal.NewFromInt(2990)))
	assert.True(t, res.ShortAvgPrice.Equal(decimal.NewFromInt(3010)))

	long := position(t, exA, "ETH")
	require.NotNil(t, long)
	assert.Equal(t, core.SideLong, long.Side)
	assert.True(t, long.Size.Equal(decimal.NewFromInt(2)))
	short := position(t, exB, "ETH")
	require.NotNil(t, short)
	assert.Equal(t, core.SideShort, short.Side)

	// Both leg locks settled, full history under the thread.
	assert.Empty(t, reg.ActiveOrders())
	thread := reg.ByThread(res.ThreadID)
	require.Len(t, thread, 2)
	for _, lock := range thread {
		assert.Equal(t, LockFilled, lock.Status)
	}
}

func TestExecutePlacesHarderVenueFirst(t *testing.T) {
	x, exA, exB, _, _, cfg := newTestExecutor(t)
	cfg.App.ExecutionOrder = []string{string(venueB), string(venueA)}
	exB.FailPlace(assert.AnError)

	res, err := x.Execute(context.Background(), testReq("2"))
	require.NoError(t, err)

	assert.Equal(t, AbortFirstLegFailed, res.AbortReason)
	assert.False(t, res.Success)
	assert.Equal(t, 1, exB.PlaceCalls(), "short leg on the harder venue goes first")
	assert.Equal(t, 0, exA.PlaceCalls(), "easier venue must not be touched after the first leg fails")
}

func TestSecondLegSizedToFirstLegFill(t *testing.T) {
	x, exA, exB, reg, _, _ := newTestExecutor(t)
	exA.SetFillMode(mock.FillPartial)
	exA.SetPartialRatio(decimal.RequireFromString("0.6"))
	exB.SetFillMode(mock.FillImmediate)

	res, err := x.Execute(context.Background(), testReq("10"))
	require.NoError(t, err)

	// 60% of the first leg filled before timeout; the remainder is
	// cancelled and the hedge matches the filled amount exactly.
	assert.True(t, res.LongFilled.Equal(decimal.NewFromInt(6)), "long filled %s", res.LongFilled)
	assert.True(t, res.ShortFilled.Equal(decimal.NewFromInt(6)))
	assert.True(t, res.Success)
	assert.GreaterOrEqual(t, exA.CancelCalls(), 1)

	short := position(t, exB, "ETH")
	require.NotNil(t, short)
	assert.True(t, short.Size.Equal(decimal.NewFromInt(6)))
	assert.Empty(t, reg.ActiveOrders())
}

func TestFirstLegUnderfilledAborts(t *testing.T) {
	x, exA, exB, reg, _, _ := newTestExecutor(t)
	exA.SetFillMode(mock.FillPartial)
	exA.SetPartialRatio(decimal.RequireFromString("0.4"))

	res, err := x.Execute(context.Background(), testReq("10"))
	require.NoError(t, err)

	assert.Equal(t, AbortFirstLegUnderfill, res.AbortReason)
	assert.False(t, res.Success)
	assert.Equal(t, 0, res.CompletedSlices)
	assert.Equal(t, 0, exB.PlaceCalls(), "second leg must not be placed after an underfill")
	assert.GreaterOrEqual(t, exA.CancelCalls(), 1)
	// The partial fill is reported, not hidden.
	assert.True(t, res.LongFilled.Equal(decimal.NewFromInt(4)))
	assert.Empty(t, reg.ActiveOrders())
}

func TestSecondLegPlacementFailureRollsBack(t *testing.T) {
	x, exA, exB, _, _, _ := newTestExecutor(t)
	exA.SetFillMode(mock.FillImmediate)
	exB.FailPlace(assert.AnError)

	res, err := x.Execute(context.Background(), testReq("2"))
	require.NoError(t, err)

	assert.Equal(t, AbortSecondLegFailed, res.AbortReason)
	assert.True(t, res.RollbackPlaced)
	assert.Equal(t, 2, exA.PlaceCalls(), "first leg plus its rollback")

	// The reduce-only rollback filled immediately and flattened the leg.
	assert.Nil(t, position(t, exA, "ETH"))
}

func TestSecondLegNoFillRollsBack(t *testing.T) {
	x, exA, exB, _, _, _ := newTestExecutor(t)
	exA.SetFillMode(mock.FillImmediate)
	exB.SetFillMode(mock.FillNone)

	res, err := x.Execute(context.Background(), testReq("2"))
	require.NoError(t, err)

	assert.Equal(t, AbortSecondLegUnfilled, res.AbortReason)
	assert.True(t, res.RollbackPlaced)
	assert.True(t, res.ShortFilled.IsZero())
	assert.GreaterOrEqual(t, exB.CancelCalls(), 1, "resting second leg must be cancelled")
	assert.Nil(t, position(t, exA, "ETH"))
}

func TestMultiSliceCompletesAllSlices(t *testing.T) {
	x, exA, exB, reg, clock, _ := newTestExecutor(t)
	exA.SetFillMode(mock.FillImmediate)
	exB.SetFillMode(mock.FillImmediate)

	req := testReq("3")
	req.Slices = 3
	start := clock.Now()

	res, err := x.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 3, res.CompletedSlices)
	assert.True(t, res.LongFilled.Equal(decimal.NewFromInt(3)))
	assert.Equal(t, 3, exA.PlaceCalls())
	assert.Equal(t, 3, exB.PlaceCalls())

	long := position(t, exA, "ETH")
	require.NotNil(t, long)
	assert.True(t, long.Size.Equal(decimal.NewFromInt(3)))

	// Two inter-slice pauses, immediate fills otherwise.
	assert.Equal(t, start.Add(time.Second), clock.Now())
	assert.Empty(t, reg.ActiveOrders())
}

func TestSliceImbalanceAborts(t *testing.T) {
	x, exA, exB, _, _, _ := newTestExecutor(t)
	exA.SetFillMode(mock.FillImmediate)
	exB.SetFillMode(mock.FillPartial)
	exB.SetPartialRatio(decimal.RequireFromString("0.8"))

	req := testReq("10")
	req.Slices = 2

	res, err := x.Execute(context.Background(), req)
	require.NoError(t, err)

	// Slice one: long 5, short 4 -> 20% slice imbalance, stop there.
	assert.Equal(t, AbortSliceImbalance, res.AbortReason)
	assert.Equal(t, 1, res.CompletedSlices)
	assert.False(t, res.Success)
	assert.Equal(t, 1, exA.PlaceCalls(), "second slice must not start")
	assert.True(t, res.LongFilled.Equal(decimal.NewFromInt(5)))
	assert.True(t, res.ShortFilled.Equal(decimal.NewFromInt(4)))
}

func TestHeldLockShortCircuitsExecution(t *testing.T) {
	x, exA, exB, reg, _, _ := newTestExecutor(t)
	require.NoError(t, reg.RegisterOrderPlacing("other", "ETH", venueA, core.SideLong, "other-thread",
		decimal.NewFromInt(1), decimal.NewFromInt(3000)))

	res, err := x.Execute(context.Background(), testReq("2"))
	require.NoError(t, err)

	assert.Equal(t, AbortFirstLegLockHeld, res.AbortReason)
	assert.Equal(t, 0, exA.PlaceCalls())
	assert.Equal(t, 0, exB.PlaceCalls())
}

// outageVenue rests orders, fills them invisibly and refuses status
// reads, forcing the position-compare fallback.
type outageVenue struct {
	*mock.Exchange
}

func (o *outageVenue) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.OrderResponse, error) {
	resp, err := o.Exchange.PlaceOrder(ctx, req)
	if err == nil {
		_ = o.Exchange.Fill(resp.OrderID, req.Size, req.Price)
	}
	return resp, err
}

func (o *outageVenue) GetOrderStatus(ctx context.Context, orderID string, symbol core.Symbol) (*core.OrderResponse, error) {
	return nil, assert.AnError
}

func TestStatusOutageFallsBackToPositionCompare(t *testing.T) {
	clock := mock.NewClock(time.Unix(1700000000, 0))
	inner := mock.NewExchange(venueA, clock)
	inner.SetMarkPrice("ETH", decimal.NewFromInt(3000))
	exA := &outageVenue{Exchange: inner}
	exB := mock.NewExchange(venueB, clock)
	exB.SetMarkPrice("ETH", decimal.NewFromInt(3000))
	exB.SetFillMode(mock.FillImmediate)

	reg := NewLockRegistry(logging.NewNop(), clock)
	x := NewHedgedExecutor(map[core.Venue]core.IExchange{venueA: exA, venueB: exB}, reg, testConfig(), logging.NewNop(), clock)

	res, err := x.Execute(context.Background(), testReq("2"))
	require.NoError(t, err)

	assert.True(t, res.Success, "abort: %s", res.AbortReason)
	assert.True(t, res.LongFilled.Equal(decimal.NewFromInt(2)))
	assert.True(t, res.ShortFilled.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, 0, inner.CancelCalls(), "fallback confirmed the fill, nothing to cancel")
	assert.Empty(t, reg.ActiveOrders())
}

func TestMarkPricesRefreshBetweenSlices(t *testing.T) {
	x, exA, exB, _, _, _ := newTestExecutor(t)
	exA.SetFillMode(mock.FillImmediate)
	exB.SetFillMode(mock.FillImmediate)

	req := testReq("2")
	req.Slices = 2

	res, err := x.Execute(context.Background(), req)
	require.NoError(t, err)
	require.True(t, res.Success)

	// Slice one uses the request price (2990), slice two the venue mark
	// (3000); equal sizes average to 2995.
	long := position(t, exA, "ETH")
	require.NotNil(t, long)
	assert.True(t, long.EntryPrice.Equal(decimal.NewFromInt(2995)), "entry %s", long.EntryPrice)

	short := position(t, exB, "ETH")
	require.NotNil(t, short)
	assert.True(t, short.EntryPrice.Equal(decimal.NewFromInt(3005)), "entry %s", short.EntryPrice)
}

func TestExecuteRejectsInvalidRequests(t *testing.T) {
	x, _, _, _, _, _ := newTestExecutor(t)
	ctx := context.Background()

	cases := map[string]*HedgeRequest{
		"nil request": nil,
		"zero size": {
			Symbol: "ETH", LongVenue: venueA, ShortVenue: venueB,
			LongPrice: decimal.NewFromInt(1), ShortPrice: decimal.NewFromInt(1),
		},
		"same venue": {
			Symbol: "ETH", LongVenue: venueA, ShortVenue: venueA,
			Size: decimal.NewFromInt(1), LongPrice: decimal.NewFromInt(1), ShortPrice: decimal.NewFromInt(1),
		},
		"unknown venue": {
			Symbol: "ETH", LongVenue: "binance", ShortVenue: venueB,
			Size: decimal.NewFromInt(1), LongPrice: decimal.NewFromInt(1), ShortPrice: decimal.NewFromInt(1),
		},
		"missing price": {
			Symbol: "ETH", LongVenue: venueA, ShortVenue: venueB,
			Size: decimal.NewFromInt(1),
		},
	}
	for name, req := range cases {
		res, err := x.Execute(ctx, req)
		assert.Error(t, err, name)
		assert.Nil(t, res, name)
	}
}

func TestCancelledContextAbortsAndReportsPartialResult(t *testing.T) {
	x, exA, exB, reg, _, _ := newTestExecutor(t)
	exA.SetFillMode(mock.FillNone)
	exB.SetFillMode(mock.FillNone)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := x.Execute(ctx, testReq("2"))
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, AbortCancelled, res.AbortReason)
	assert.False(t, res.Success)
	assert.Empty(t, reg.ActiveOrders(), "dying context must still settle the lock")
}

type stubGuard struct {
	blocked   map[core.Venue]error
	failures  []core.Venue
	successes []core.Venue
}

func (g *stubGuard) Allow(v core.Venue) error {
	if g.blocked == nil {
		return nil
	}
	return g.blocked[v]
}

func (g *stubGuard) RecordFailure(v core.Venue, _ error) {
	g.failures = append(g.failures, v)
}

func (g *stubGuard) RecordSuccess(v core.Venue) {
	g.successes = append(g.successes, v)
}

func TestTrippedFirstVenueAbortsBeforeAnyOrder(t *testing.T) {
	x, exA, exB, reg, _, _ := newTestExecutor(t)
	x.SetTripGuard(&stubGuard{blocked: map[core.Venue]error{venueA: errors.New("venue mockA tripped")}})

	res, err := x.Execute(context.Background(), testReq("1"))
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, AbortFirstLegFailed, res.AbortReason)
	assert.Zero(t, exA.PlaceCalls())
	assert.Zero(t, exB.PlaceCalls())
	assert.Empty(t, reg.ActiveOrders(), "refused placement must leave no record")
}

func TestTrippedSecondVenueRollsBackFirstLeg(t *testing.T) {
	x, exA, exB, _, _, _ := newTestExecutor(t)
	exA.SetFillMode(mock.FillImmediate)
	x.SetTripGuard(&stubGuard{blocked: map[core.Venue]error{venueB: errors.New("venue mockB tripped")}})

	res, err := x.Execute(context.Background(), testReq("1"))
	require.NoError(t, err)

	assert.Equal(t, AbortSecondLegFailed, res.AbortReason)
	assert.True(t, res.RollbackPlaced)
	assert.Zero(t, exB.PlaceCalls(), "tripped venue never sees the order")
	assert.Equal(t, 2, exA.PlaceCalls(), "leg plus rollback")
}

func TestGuardHearsPlacementOutcomes(t *testing.T) {
	x, exA, exB, _, _, _ := newTestExecutor(t)
	exA.SetFillMode(mock.FillImmediate)
	exB.FailPlace(errors.New("rejected by venue"))
	g := &stubGuard{}
	x.SetTripGuard(g)

	_, err := x.Execute(context.Background(), testReq("1"))
	require.NoError(t, err)

	assert.Contains(t, g.successes, venueA)
	assert.Contains(t, g.failures, venueB)
}

func TestReduceOnlyRunsOnTrippedVenues(t *testing.T) {
	x, exA, exB, _, _, _ := newTestExecutor(t)
	exA.SetFillMode(mock.FillImmediate)
	exB.SetFillMode(mock.FillImmediate)
	exA.SetPosition("ETH", core.SideLong, decimal.NewFromInt(1), decimal.NewFromInt(3000))
	exB.SetPosition("ETH", core.SideShort, decimal.NewFromInt(1), decimal.NewFromInt(3000))
	x.SetTripGuard(&stubGuard{blocked: map[core.Venue]error{
		venueA: errors.New("venue mockA tripped"),
		venueB: errors.New("venue mockB tripped"),
	}})

	req := testReq("1")
	req.LongVenue, req.ShortVenue = venueB, venueA
	req.ReduceOnly = true

	res, err := x.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, res.Success, "closing trades run even while both venues are tripped")
	assert.Equal(t, 1, exA.PlaceCalls())
	assert.Equal(t, 1, exB.PlaceCalls())
	assert.Nil(t, position(t, exA, "ETH"))
	assert.Nil(t, position(t, exB, "ETH"))
}
