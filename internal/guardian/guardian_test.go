package guardian

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funding_keeper/internal/config"
	"funding_keeper/internal/core"
	"funding_keeper/internal/execution"
	"funding_keeper/internal/mock"
	"funding_keeper/internal/predictor"
	"funding_keeper/pkg/logging"
)

const (
	venueA = core.Venue("mockA")
	venueB = core.Venue("mockB")
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Guardian.IntervalSeconds = 30
	cfg.Guardian.MinAgeSeconds = 45
	cfg.Guardian.AggressiveAgeSeconds = 90
	cfg.Guardian.MarketOrderAgeSeconds = 120
	cfg.Guardian.ZombieTimeoutSeconds = 300
	cfg.Guardian.MaxRetries = 5
	cfg.Guardian.OrphanConfirmSightings = 3
	cfg.Guardian.OrphanMaxAgeSeconds = 90
	cfg.Guardian.PriceImprovePercent = 0.2
	return cfg
}

type guardianFixture struct {
	guardian *Guardian
	registry *execution.LockRegistry
	venues   map[core.Venue]core.IExchange
	exA      *mock.Exchange
	exB      *mock.Exchange
	clock    *mock.Clock
	logger   core.ILogger
}

func newTestGuardian(t *testing.T) *guardianFixture {
	t.Helper()
	clock := mock.NewClock(time.Unix(1700000000, 0))
	exA := mock.NewExchange(venueA, clock)
	exB := mock.NewExchange(venueB, clock)
	exA.SetMarkPrice("ETH", decimal.NewFromInt(3000))
	exB.SetMarkPrice("ETH", decimal.NewFromInt(3000))

	logger := logging.NewNop()
	venues := map[core.Venue]core.IExchange{venueA: exA, venueB: exB}
	registry := execution.NewLockRegistry(logger, clock)
	g := NewGuardian(venues, registry, nil, testConfig(), logger, clock)
	return &guardianFixture{
		guardian: g,
		registry: registry,
		venues:   venues,
		exA:      exA,
		exB:      exB,
		clock:    clock,
		logger:   logger,
	}
}

// usePredictor rebuilds the guardian with a funding-driven predictor:
// venue A pays the lower predicted rate, venue B the higher one, so a
// derived pair longs A and shorts B.
func (f *guardianFixture) usePredictor(t *testing.T) {
	t.Helper()
	f.exA.SetFundingRate(&core.FundingRate{Symbol: "ETH", CurrentRate: decimal.NewFromFloat(0.0001), PredictedRate: decimal.NewFromFloat(0.0001)})
	f.exB.SetFundingRate(&core.FundingRate{Symbol: "ETH", CurrentRate: decimal.NewFromFloat(0.0005), PredictedRate: decimal.NewFromFloat(0.0005)})
	f.guardian = NewGuardian(f.venues, f.registry, predictor.NewVenueSource(f.venues, f.logger), testConfig(), f.logger, f.clock)
}

// openHedgeThread models the moment after an asymmetric fill: the long
// leg on venue A is filled, the short leg rests on venue B, both under
// one thread.
func (f *guardianFixture) openHedgeThread(t *testing.T, size decimal.Decimal) *core.OrderResponse {
	t.Helper()
	require.NoError(t, f.registry.RegisterOrderPlacing("oid-long", "ETH", venueA, core.SideLong, "th-1", size, decimal.NewFromInt(3000)))
	require.True(t, f.registry.UpdateOrderStatus(venueA, "ETH", core.SideLong, execution.LockFilled, "oid-long"))

	resp, err := f.exB.PlaceOrder(context.Background(), &core.OrderRequest{
		Symbol:      "ETH",
		Venue:       venueB,
		Side:        core.SideShort,
		Type:        core.OrderTypeLimit,
		Size:        size,
		Price:       decimal.NewFromInt(3010),
		TimeInForce: core.TIFGoodTilCancel,
	})
	require.NoError(t, err)
	require.NoError(t, f.registry.RegisterOrderPlacing(resp.OrderID, "ETH", venueB, core.SideShort, "th-1", size, decimal.NewFromInt(3010)))
	require.True(t, f.registry.UpdateOrderStatus(venueB, "ETH", core.SideShort, execution.LockWaitingFill, resp.OrderID))
	return resp
}

func (f *guardianFixture) placeStray(t *testing.T) *core.OrderResponse {
	t.Helper()
	resp, err := f.exA.PlaceOrder(context.Background(), &core.OrderRequest{
		Symbol:      "ETH",
		Venue:       venueA,
		Side:        core.SideLong,
		Type:        core.OrderTypeLimit,
		Size:        decimal.NewFromInt(1),
		Price:       decimal.NewFromInt(2990),
		TimeInForce: core.TIFGoodTilCancel,
	})
	require.NoError(t, err)
	return resp
}

func TestOrphanCancelledAfterThreeSightings(t *testing.T) {
	f := newTestGuardian(t)
	resp := f.placeStray(t)

	require.NoError(t, f.guardian.Tick(context.Background()))
	f.clock.Advance(30 * time.Second)
	require.NoError(t, f.guardian.Tick(context.Background()))
	assert.Zero(t, f.exA.CancelCalls(), "two sightings are not enough")

	f.clock.Advance(30 * time.Second)
	require.NoError(t, f.guardian.Tick(context.Background()))
	assert.Equal(t, 1, f.exA.CancelCalls())

	status, err := f.exA.GetOrderStatus(context.Background(), resp.OrderID, "ETH")
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusCancelled, status.Status)
}

func TestOrphanCancelledPastMaxAge(t *testing.T) {
	f := newTestGuardian(t)
	f.placeStray(t)

	require.NoError(t, f.guardian.Tick(context.Background()))
	f.clock.Advance(91 * time.Second)
	require.NoError(t, f.guardian.Tick(context.Background()))

	assert.Equal(t, 1, f.exA.CancelCalls(), "age alone confirms an orphan")
}

func TestOrphanSkippedWhenRegistryKnowsIt(t *testing.T) {
	f := newTestGuardian(t)
	resp := f.placeStray(t)
	require.NoError(t, f.registry.RegisterOrderPlacing(resp.OrderID, "ETH", venueA, core.SideLong, "th-own", decimal.NewFromInt(1), decimal.NewFromInt(2990)))

	for i := 0; i < 4; i++ {
		require.NoError(t, f.guardian.Tick(context.Background()))
		f.clock.Advance(30 * time.Second)
	}
	assert.Zero(t, f.exA.CancelCalls())

	status, err := f.exA.GetOrderStatus(context.Background(), resp.OrderID, "ETH")
	require.NoError(t, err)
	assert.False(t, status.Status.IsTerminal())
}

func TestOrphanDeferredWhileKeyActivelyManaged(t *testing.T) {
	f := newTestGuardian(t)
	f.placeStray(t)
	// Another order is mid-placement on the same key under a client id
	// the venue sweep cannot match.
	require.NoError(t, f.registry.RegisterOrderPlacing("client-777", "ETH", venueA, core.SideLong, "th-busy", decimal.NewFromInt(1), decimal.NewFromInt(2990)))

	for i := 0; i < 3; i++ {
		require.NoError(t, f.guardian.Tick(context.Background()))
		f.clock.Advance(30 * time.Second)
	}
	assert.Zero(t, f.exA.CancelCalls(), "confirmed orphan waits for the active key")

	require.True(t, f.registry.UpdateOrderStatus(venueA, "ETH", core.SideLong, execution.LockCancelled, ""))
	require.NoError(t, f.guardian.Tick(context.Background()))
	assert.Equal(t, 1, f.exA.CancelCalls())
}

// flakyVenue fails open-order sweeps on demand.
type flakyVenue struct {
	*mock.Exchange
	fail atomic.Bool
}

func (v *flakyVenue) GetOpenOrders(ctx context.Context) ([]*core.OrderResponse, error) {
	if v.fail.Load() {
		return nil, errors.New("venue timeout")
	}
	return v.Exchange.GetOpenOrders(ctx)
}

func TestOrphanTrackerSurvivesSweepFailure(t *testing.T) {
	clock := mock.NewClock(time.Unix(1700000000, 0))
	flaky := &flakyVenue{Exchange: mock.NewExchange(venueA, clock)}
	flaky.SetMarkPrice("ETH", decimal.NewFromInt(3000))
	logger := logging.NewNop()
	registry := execution.NewLockRegistry(logger, clock)
	g := NewGuardian(map[core.Venue]core.IExchange{venueA: flaky}, registry, nil, testConfig(), logger, clock)

	_, err := flaky.Exchange.PlaceOrder(context.Background(), &core.OrderRequest{
		Symbol:      "ETH",
		Venue:       venueA,
		Side:        core.SideLong,
		Type:        core.OrderTypeLimit,
		Size:        decimal.NewFromInt(1),
		Price:       decimal.NewFromInt(2990),
		TimeInForce: core.TIFGoodTilCancel,
	})
	require.NoError(t, err)

	require.NoError(t, g.Tick(context.Background()))
	clock.Advance(30 * time.Second)
	require.NoError(t, g.Tick(context.Background()))

	// A failed sweep must neither count a sighting nor purge the
	// tracker.
	flaky.fail.Store(true)
	clock.Advance(30 * time.Second)
	require.NoError(t, g.Tick(context.Background()))
	assert.Zero(t, flaky.CancelCalls())

	flaky.fail.Store(false)
	clock.Advance(30 * time.Second)
	require.NoError(t, g.Tick(context.Background()))
	assert.Equal(t, 1, flaky.CancelCalls(), "third successful sighting confirms")
}

func TestAsymmetricFillWaitsInsideGracePeriod(t *testing.T) {
	f := newTestGuardian(t)
	resp := f.openHedgeThread(t, decimal.NewFromInt(1))
	f.clock.Advance(60 * time.Second)

	require.NoError(t, f.guardian.Tick(context.Background()))

	assert.Zero(t, f.exB.CancelCalls())
	assert.Equal(t, 1, f.exB.PlaceCalls())
	assert.True(t, f.registry.HasActiveOrder(venueB, "ETH", core.SideShort))

	status, err := f.exB.GetOrderStatus(context.Background(), resp.OrderID, "ETH")
	require.NoError(t, err)
	assert.False(t, status.Status.IsTerminal())
}

func TestLaggardPriceImprovedInPlace(t *testing.T) {
	f := newTestGuardian(t)
	f.exB.SetModifiable(true)
	resp := f.openHedgeThread(t, decimal.NewFromInt(1))
	f.clock.Advance(95 * time.Second)

	require.NoError(t, f.guardian.Tick(context.Background()))

	assert.Zero(t, f.exB.CancelCalls(), "native modify keeps the order")
	status, err := f.exB.GetOrderStatus(context.Background(), resp.OrderID, "ETH")
	require.NoError(t, err)
	assert.True(t, status.Price.Equal(decimal.NewFromInt(2994)), "short leg crosses down by 0.2%%: got %s", status.Price)
	assert.True(t, f.registry.HasActiveOrder(venueB, "ETH", core.SideShort))
}

func TestLaggardCancelReplacedWhenModifyUnsupported(t *testing.T) {
	f := newTestGuardian(t)
	resp := f.openHedgeThread(t, decimal.NewFromInt(1))
	f.clock.Advance(95 * time.Second)

	require.NoError(t, f.guardian.Tick(context.Background()))

	assert.Equal(t, 1, f.exB.CancelCalls())
	assert.Equal(t, 2, f.exB.PlaceCalls())

	status, err := f.exB.GetOrderStatus(context.Background(), resp.OrderID, "ETH")
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusCancelled, status.Status)

	open, err := f.exB.GetOpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, core.SideShort, open[0].Side)
	assert.True(t, open[0].Price.Equal(decimal.NewFromInt(2994)))
	assert.True(t, open[0].Size.Equal(decimal.NewFromInt(1)))

	assert.True(t, f.registry.HasActiveOrder(venueB, "ETH", core.SideShort))
	assert.Len(t, f.registry.ByThread("th-1"), 3, "replacement joins the original thread")
}

func TestLaggardReplacementCoversOnlyRemainder(t *testing.T) {
	f := newTestGuardian(t)
	resp := f.openHedgeThread(t, decimal.NewFromInt(2))
	require.NoError(t, f.exB.Fill(resp.OrderID, decimal.RequireFromString("0.5"), decimal.NewFromInt(3010)))
	f.clock.Advance(95 * time.Second)

	require.NoError(t, f.guardian.Tick(context.Background()))

	open, err := f.exB.GetOpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, open[0].Size.Equal(decimal.RequireFromString("1.5")), "filled part is not re-ordered: got %s", open[0].Size)
}

func TestLaggardForcedToMarketPastDeadline(t *testing.T) {
	f := newTestGuardian(t)
	f.openHedgeThread(t, decimal.NewFromInt(1))
	f.clock.Advance(125 * time.Second)

	require.NoError(t, f.guardian.Tick(context.Background()))

	assert.Equal(t, 1, f.exB.CancelCalls())
	assert.Equal(t, 2, f.exB.PlaceCalls())
	assert.False(t, f.registry.HasActiveOrder(venueB, "ETH", core.SideShort), "record force-cleared after the market order")

	pos, err := f.exB.GetPosition(context.Background(), "ETH")
	require.NoError(t, err)
	require.NotNil(t, pos, "market order filled at the mark")
	assert.Equal(t, core.SideShort, pos.Side)
	assert.True(t, pos.Size.Equal(decimal.NewFromInt(1)))
}

func TestLaggardFillRaceKeepsTheFill(t *testing.T) {
	f := newTestGuardian(t)
	resp := f.openHedgeThread(t, decimal.NewFromInt(1))
	// The venue filled the order but the stream event never arrived; the
	// registry still thinks the leg is waiting.
	require.NoError(t, f.exB.Fill(resp.OrderID, decimal.NewFromInt(1), decimal.NewFromInt(3010)))
	f.clock.Advance(95 * time.Second)

	require.NoError(t, f.guardian.Tick(context.Background()))

	assert.Equal(t, 1, f.exB.PlaceCalls(), "no replacement for a filled leg")
	assert.False(t, f.registry.HasActiveOrder(venueB, "ETH", core.SideShort))
	for _, lock := range f.registry.ByThread("th-1") {
		assert.Equal(t, execution.LockFilled, lock.Status)
	}
}

func TestZombieResolvedAsFilled(t *testing.T) {
	f := newTestGuardian(t)
	resp, err := f.exB.PlaceOrder(context.Background(), &core.OrderRequest{
		Symbol:      "ETH",
		Venue:       venueB,
		Side:        core.SideShort,
		Type:        core.OrderTypeLimit,
		Size:        decimal.NewFromInt(1),
		Price:       decimal.NewFromInt(3010),
		TimeInForce: core.TIFGoodTilCancel,
	})
	require.NoError(t, err)
	require.NoError(t, f.registry.RegisterOrderPlacing(resp.OrderID, "ETH", venueB, core.SideShort, "th-z", decimal.NewFromInt(1), decimal.NewFromInt(3010)))
	require.NoError(t, f.exB.Fill(resp.OrderID, decimal.NewFromInt(1), decimal.NewFromInt(3010)))

	f.clock.Advance(301 * time.Second)
	require.NoError(t, f.guardian.Tick(context.Background()))

	assert.False(t, f.registry.HasActiveOrder(venueB, "ETH", core.SideShort))
	locks := f.registry.ByThread("th-z")
	require.Len(t, locks, 1)
	assert.Equal(t, execution.LockFilled, locks[0].Status)
}

func TestZombieCancelledAndForceCleared(t *testing.T) {
	f := newTestGuardian(t)
	resp, err := f.exB.PlaceOrder(context.Background(), &core.OrderRequest{
		Symbol:      "ETH",
		Venue:       venueB,
		Side:        core.SideShort,
		Type:        core.OrderTypeLimit,
		Size:        decimal.NewFromInt(1),
		Price:       decimal.NewFromInt(3010),
		TimeInForce: core.TIFGoodTilCancel,
	})
	require.NoError(t, err)
	require.NoError(t, f.registry.RegisterOrderPlacing(resp.OrderID, "ETH", venueB, core.SideShort, "th-z", decimal.NewFromInt(1), decimal.NewFromInt(3010)))

	f.clock.Advance(301 * time.Second)
	require.NoError(t, f.guardian.Tick(context.Background()))

	assert.Equal(t, 1, f.exB.CancelCalls())
	status, err := f.exB.GetOrderStatus(context.Background(), resp.OrderID, "ETH")
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusCancelled, status.Status)
	assert.False(t, f.registry.HasActiveOrder(venueB, "ETH", core.SideShort))
	assert.Empty(t, f.registry.ByThread("th-z"), "force-clear erases the record entirely")
}

func TestZombieWithoutAdapterForceCleared(t *testing.T) {
	f := newTestGuardian(t)
	ghost := core.Venue("ghost")
	require.NoError(t, f.registry.RegisterOrderPlacing("oid-g", "ETH", ghost, core.SideLong, "th-g", decimal.NewFromInt(1), decimal.NewFromInt(3000)))

	f.clock.Advance(301 * time.Second)
	require.NoError(t, f.guardian.Tick(context.Background()))

	assert.False(t, f.registry.HasActiveOrder(ghost, "ETH", core.SideLong))
}

func TestHandleOrderUpdateSettlesOnlyTerminal(t *testing.T) {
	f := newTestGuardian(t)
	require.NoError(t, f.registry.RegisterOrderPlacing("oid-9", "ETH", venueA, core.SideLong, "th-9", decimal.NewFromInt(1), decimal.NewFromInt(3000)))

	f.guardian.HandleOrderUpdate(nil)
	f.guardian.HandleOrderUpdate(&core.OrderUpdate{
		Venue:   venueA,
		OrderID: "oid-9",
		Symbol:  "ETH",
		Side:    core.SideLong,
		Status:  core.OrderStatusPartiallyFilled,
	})
	assert.True(t, f.registry.HasActiveOrder(venueA, "ETH", core.SideLong), "progress events do not settle")

	f.guardian.HandleOrderUpdate(&core.OrderUpdate{
		Venue:   venueA,
		OrderID: "oid-9",
		Symbol:  "ETH",
		Side:    core.SideLong,
		Status:  core.OrderStatusFilled,
	})
	assert.False(t, f.registry.HasActiveOrder(venueA, "ETH", core.SideLong))
}

// stallingVenue blocks its first open-order sweep until released.
type stallingVenue struct {
	*mock.Exchange
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (v *stallingVenue) GetOpenOrders(ctx context.Context) ([]*core.OrderResponse, error) {
	v.once.Do(func() {
		close(v.entered)
		<-v.release
	})
	return v.Exchange.GetOpenOrders(ctx)
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	clock := mock.NewClock(time.Unix(1700000000, 0))
	stall := &stallingVenue{
		Exchange: mock.NewExchange(venueA, clock),
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	logger := logging.NewNop()
	registry := execution.NewLockRegistry(logger, clock)
	g := NewGuardian(map[core.Venue]core.IExchange{venueA: stall}, registry, nil, testConfig(), logger, clock)

	errCh := make(chan error, 1)
	go func() { errCh <- g.Tick(context.Background()) }()
	<-stall.entered

	require.ErrorIs(t, g.Tick(context.Background()), ErrTickInProgress)
	close(stall.release)
	require.NoError(t, <-errCh)
}
