package unwind

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funding_keeper/internal/config"
	"funding_keeper/internal/core"
	"funding_keeper/internal/execution"
	"funding_keeper/internal/market"
	"funding_keeper/internal/mock"
	"funding_keeper/pkg/logging"
)

const (
	venueA = core.Venue("mockA")
	venueB = core.Venue("mockB")
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Reconcile.ImbalanceThresholdPercent = 5
	cfg.Reconcile.DustSize = 0.0001
	return cfg
}

type unwindFixture struct {
	unwinder *Unwinder
	cache    *market.Cache
	registry *execution.LockRegistry
	exA      *mock.Exchange
	exB      *mock.Exchange
	clock    *mock.Clock
}

func newTestUnwinder(t *testing.T) *unwindFixture {
	t.Helper()
	clock := mock.NewClock(time.Unix(1700000000, 0))
	exA := mock.NewExchange(venueA, clock)
	exB := mock.NewExchange(venueB, clock)

	logger := logging.NewNop()
	venues := map[core.Venue]core.IExchange{venueA: exA, venueB: exB}
	cache := market.NewCache(venues, nil, logger, clock)
	registry := execution.NewLockRegistry(logger, clock)
	unwinder := NewUnwinder(venues, cache, registry, testConfig(), logger, clock)
	return &unwindFixture{unwinder: unwinder, cache: cache, registry: registry, exA: exA, exB: exB, clock: clock}
}

// hedgeETH scripts a matched long/short ETH pair, one leg per venue,
// both marked at 3500.
func (f *unwindFixture) hedgeETH(size string) {
	sz := decimal.RequireFromString(size)
	mark := decimal.NewFromInt(3500)
	f.exA.SetMarkPrice("ETH", mark)
	f.exB.SetMarkPrice("ETH", mark)
	f.exA.SetPosition("ETH", core.SideLong, sz, mark)
	f.exB.SetPosition("ETH", core.SideShort, sz, mark)
}

func (f *unwindFixture) byVenue(v core.Venue) *mock.Exchange {
	if v == venueA {
		return f.exA
	}
	return f.exB
}

func (f *unwindFixture) fillAll(t *testing.T, rep *Report) {
	t.Helper()
	for _, o := range rep.Orders {
		require.NoError(t, f.byVenue(o.Venue).Fill(o.OrderID, o.Size, o.Price))
	}
}

func TestUnwindShavesPairSymmetrically(t *testing.T) {
	f := newTestUnwinder(t)
	f.hedgeETH("1")

	rep, err := f.unwinder.Unwind(context.Background(), decimal.NewFromInt(1000))
	require.NoError(t, err)

	assert.Equal(t, StatusComplete, rep.Status)
	assert.True(t, rep.Residual.IsZero())
	require.Len(t, rep.Pairs, 1)
	pair := rep.Pairs[0]
	assert.Equal(t, core.Symbol("ETH"), pair.Symbol)
	assert.Equal(t, venueA, pair.LongVenue)
	assert.Equal(t, venueB, pair.ShortVenue)
	assert.False(t, pair.FullClose)
	assert.True(t, pair.Size.Round(4).Equal(decimal.RequireFromString("0.1429")), "got %s", pair.Size)

	require.Len(t, rep.Orders, 2)
	assert.Equal(t, rep.Orders[0].ThreadID, rep.Orders[1].ThreadID)
	assert.True(t, strings.HasPrefix(rep.Orders[0].ThreadID, "unwind-ETH-"))

	closeA, err := f.exA.GetOpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, closeA, 1)
	assert.Equal(t, core.SideShort, closeA[0].Side)
	assert.True(t, closeA[0].ReduceOnly)
	assert.True(t, closeA[0].Price.Equal(decimal.NewFromInt(3500)))

	closeB, err := f.exB.GetOpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, closeB, 1)
	assert.Equal(t, core.SideLong, closeB[0].Side)
	assert.True(t, closeB[0].ReduceOnly)

	assert.Len(t, f.registry.ActiveOrders(), 2, "both legs tracked until they settle")
}

func TestUnwindDeltaPreservedAfterFills(t *testing.T) {
	f := newTestUnwinder(t)
	f.hedgeETH("1")

	rep, err := f.unwinder.Unwind(context.Background(), decimal.NewFromInt(1000))
	require.NoError(t, err)
	f.fillAll(t, rep)

	posA, err := f.exA.GetPosition(context.Background(), "ETH")
	require.NoError(t, err)
	require.NotNil(t, posA)
	assert.Equal(t, core.SideLong, posA.Side)
	assert.True(t, posA.Size.Round(3).Equal(decimal.RequireFromString("0.857")), "got %s", posA.Size)

	posB, err := f.exB.GetPosition(context.Background(), "ETH")
	require.NoError(t, err)
	require.NotNil(t, posB)
	assert.Equal(t, core.SideShort, posB.Side)

	net := posA.SignedSize().Add(posB.SignedSize())
	assert.True(t, net.IsZero(), "net delta moved to %s", net)
}

func TestUnwindFullCloseAndResidual(t *testing.T) {
	f := newTestUnwinder(t)
	f.hedgeETH("1")

	rep, err := f.unwinder.Unwind(context.Background(), decimal.NewFromInt(10000))
	require.NoError(t, err)

	assert.Equal(t, StatusPartial, rep.Status)
	assert.True(t, rep.Freed.Equal(decimal.NewFromInt(7000)))
	assert.True(t, rep.Residual.Equal(decimal.NewFromInt(3000)), "got %s", rep.Residual)
	require.Len(t, rep.Pairs, 1)
	assert.True(t, rep.Pairs[0].FullClose)
	assert.True(t, rep.Pairs[0].Size.Equal(decimal.NewFromInt(1)))

	f.fillAll(t, rep)
	posA, err := f.exA.GetPosition(context.Background(), "ETH")
	require.NoError(t, err)
	assert.Nil(t, posA)
	posB, err := f.exB.GetPosition(context.Background(), "ETH")
	require.NoError(t, err)
	assert.Nil(t, posB)
}

func TestUnwindFallsBackToUnpaired(t *testing.T) {
	f := newTestUnwinder(t)
	f.exA.SetMarkPrice("ETH", decimal.NewFromInt(3000))
	f.exA.SetPosition("ETH", core.SideLong, decimal.NewFromInt(1), decimal.NewFromInt(2990))

	rep, err := f.unwinder.Unwind(context.Background(), decimal.NewFromInt(1500))
	require.NoError(t, err)

	assert.Equal(t, StatusComplete, rep.Status)
	assert.Empty(t, rep.Pairs)
	require.Len(t, rep.Singles, 1)
	assert.Equal(t, venueA, rep.Singles[0].Venue)
	assert.True(t, rep.Singles[0].Size.Equal(decimal.RequireFromString("0.5")))
	assert.True(t, rep.Singles[0].FreedUSD.Equal(decimal.NewFromInt(1500)))

	open, err := f.exA.GetOpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, core.SideShort, open[0].Side)
	assert.True(t, open[0].ReduceOnly)
}

func TestUnwindConsumesPairsBeforeUnpaired(t *testing.T) {
	f := newTestUnwinder(t)
	f.hedgeETH("1")
	f.exA.SetMarkPrice("BTC", decimal.NewFromInt(60000))
	f.exA.SetPosition("BTC", core.SideLong, decimal.NewFromInt(1), decimal.NewFromInt(59000))

	rep, err := f.unwinder.Unwind(context.Background(), decimal.NewFromInt(7500))
	require.NoError(t, err)

	require.Len(t, rep.Pairs, 1)
	assert.True(t, rep.Pairs[0].FullClose, "the pair is consumed whole before touching singles")
	require.Len(t, rep.Singles, 1)
	assert.Equal(t, core.Symbol("BTC"), rep.Singles[0].Symbol)
	assert.True(t, rep.Singles[0].Size.Round(4).Equal(decimal.RequireFromString("0.0083")), "got %s", rep.Singles[0].Size)
	assert.Equal(t, StatusComplete, rep.Status)
	assert.Len(t, rep.Orders, 3)
}

func TestUnwindAllFlattensEverything(t *testing.T) {
	f := newTestUnwinder(t)
	f.hedgeETH("1")
	f.exB.SetMarkPrice("BTC", decimal.NewFromInt(60000))
	f.exB.SetPosition("BTC", core.SideLong, decimal.RequireFromString("0.5"), decimal.NewFromInt(59000))

	rep, err := f.unwinder.UnwindAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusComplete, rep.Status)
	assert.True(t, rep.Requested.IsZero())
	require.Len(t, rep.Pairs, 1)
	assert.True(t, rep.Pairs[0].FullClose)
	require.Len(t, rep.Singles, 1)
	assert.True(t, rep.Singles[0].Size.Equal(decimal.RequireFromString("0.5")))
	assert.True(t, rep.Freed.Equal(decimal.NewFromInt(37000)), "got %s", rep.Freed)

	f.fillAll(t, rep)
	for _, check := range []struct {
		ex  *mock.Exchange
		sym core.Symbol
	}{{f.exA, "ETH"}, {f.exB, "ETH"}, {f.exB, "BTC"}} {
		pos, err := check.ex.GetPosition(context.Background(), check.sym)
		require.NoError(t, err)
		assert.Nil(t, pos, "%s still open", check.sym)
	}
}

func TestUnwindSkipsBusyKeys(t *testing.T) {
	f := newTestUnwinder(t)
	f.hedgeETH("1")
	err := f.registry.RegisterOrderPlacing("other-1", "ETH", venueA, core.SideShort, "th-x",
		decimal.NewFromInt(1), decimal.NewFromInt(3500))
	require.NoError(t, err)

	rep, err := f.unwinder.Unwind(context.Background(), decimal.NewFromInt(1000))
	require.NoError(t, err)

	assert.Equal(t, StatusPartial, rep.Status)
	assert.True(t, rep.Residual.Equal(decimal.NewFromInt(1000)))
	assert.Empty(t, rep.Pairs)
	assert.Empty(t, rep.Orders)
	assert.Zero(t, f.exA.PlaceCalls())
	assert.Zero(t, f.exB.PlaceCalls())
	assert.Len(t, f.registry.ActiveOrders(), 1, "only the pre-existing lock remains")
}

func TestUnwindPullsBackLoneLeg(t *testing.T) {
	f := newTestUnwinder(t)
	f.hedgeETH("1")
	f.exB.FailPlace(errors.New("venue rejects"))

	rep, err := f.unwinder.Unwind(context.Background(), decimal.NewFromInt(1000))
	require.NoError(t, err)

	assert.Equal(t, StatusPartial, rep.Status)
	assert.Empty(t, rep.Pairs)
	assert.Empty(t, rep.Orders)
	assert.Equal(t, 1, f.exA.PlaceCalls())
	assert.Equal(t, 1, f.exA.CancelCalls(), "lone leg pulled back after the co-leg failed")
	assert.Empty(t, f.registry.ActiveOrders())

	open, err := f.exA.GetOpenOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestUnwindRefreshFailureErrors(t *testing.T) {
	f := newTestUnwinder(t)
	f.hedgeETH("1")
	// Position without a scripted mark makes the venue refresh fail.
	f.exA.SetPosition("BTC", core.SideLong, decimal.NewFromInt(1), decimal.NewFromInt(60000))

	rep, err := f.unwinder.Unwind(context.Background(), decimal.NewFromInt(1000))
	require.Error(t, err)
	assert.Nil(t, rep)
	assert.Contains(t, err.Error(), "unwind refresh")
	assert.Zero(t, f.exA.PlaceCalls())
}

func TestUnwindRejectsNonPositiveAmount(t *testing.T) {
	f := newTestUnwinder(t)

	rep, err := f.unwinder.Unwind(context.Background(), decimal.Zero)
	require.Error(t, err)
	assert.Nil(t, rep)

	rep, err = f.unwinder.Unwind(context.Background(), decimal.NewFromInt(-100))
	require.Error(t, err)
	assert.Nil(t, rep)
}
