package reconcile

import (
	"context"
	"strings"
	"sync/atomic"
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
	cfg.Reconcile.IntervalSeconds = 5
	cfg.Reconcile.ImbalanceThresholdPercent = 5
	cfg.Reconcile.MatchTolerancePercent = 2
	cfg.Reconcile.PartialFillPercent = 95
	cfg.Reconcile.OverfillPercent = 105
	cfg.Reconcile.NoFillAgeSeconds = 60
	cfg.Reconcile.VerifiedTTLSeconds = 60
	cfg.Reconcile.StaleTTLSeconds = 300
	cfg.Reconcile.RebalanceMinExcessPercent = 1
	cfg.Reconcile.DustSize = 0.0001
	return cfg
}

type engineFixture struct {
	engine   *Engine
	cache    *market.Cache
	registry *execution.LockRegistry
	exA      *mock.Exchange
	exB      *mock.Exchange
	clock    *mock.Clock
}

func newTestEngine(t *testing.T) *engineFixture {
	t.Helper()
	clock := mock.NewClock(time.Unix(1700000000, 0))
	exA := mock.NewExchange(venueA, clock)
	exB := mock.NewExchange(venueB, clock)
	exA.SetMarkPrice("ETH", decimal.NewFromInt(3000))
	exB.SetMarkPrice("ETH", decimal.NewFromInt(3000))

	logger := logging.NewNop()
	venues := map[core.Venue]core.IExchange{venueA: exA, venueB: exB}
	cache := market.NewCache(venues, nil, logger, clock)
	registry := execution.NewLockRegistry(logger, clock)
	engine := NewEngine(venues, cache, registry, testConfig(), logger, clock)
	return &engineFixture{engine: engine, cache: cache, registry: registry, exA: exA, exB: exB, clock: clock}
}

func (f *engineFixture) expectLong(t *testing.T, venue core.Venue, size, orderID string) string {
	t.Helper()
	id, err := f.engine.RegisterExpectation(venue, "ETH", core.SideLong, decimal.RequireFromString(size), orderID, "thread-1")
	require.NoError(t, err)
	return id
}

func TestMatchedExpectationVerifies(t *testing.T) {
	f := newTestEngine(t)
	f.exA.SetPosition("ETH", core.SideLong, decimal.NewFromInt(1), decimal.NewFromInt(2990))
	f.expectLong(t, venueA, "1", "oid-1")

	res, err := f.engine.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.True(t, strings.HasPrefix(res.PassID, "rec_"))
	require.Len(t, res.Checks, 1)
	assert.Equal(t, DriftMatched, res.Checks[0].Drift)
	assert.True(t, res.Checks[0].Expectation.Verified)
	assert.Zero(t, res.Cancels)

	exps := f.engine.Expectations()
	require.Len(t, exps, 1)
	assert.True(t, exps[0].Verified)
}

func TestVerifiedExpectationSkippedOnLaterPasses(t *testing.T) {
	f := newTestEngine(t)
	f.exA.SetPosition("ETH", core.SideLong, decimal.NewFromInt(1), decimal.NewFromInt(2990))
	f.expectLong(t, venueA, "1", "oid-1")

	_, err := f.engine.RunOnce(context.Background())
	require.NoError(t, err)

	res, err := f.engine.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Checks, "verified expectations only await cleanup")
}

func TestExpectationSymbolIsNormalized(t *testing.T) {
	f := newTestEngine(t)
	f.exA.SetPosition("ETH", core.SideLong, decimal.NewFromInt(1), decimal.NewFromInt(2990))
	id, err := f.engine.RegisterExpectation(venueA, "ETH-PERP", core.SideLong, decimal.NewFromInt(1), "oid-1", "thread-1")
	require.NoError(t, err)

	res, err := f.engine.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Checks, 1)
	assert.Equal(t, DriftMatched, res.Checks[0].Drift)
	assert.True(t, f.engine.ClearExpectation(id))
}

func TestYoungMissReportsPartialWithoutCancel(t *testing.T) {
	f := newTestEngine(t)
	f.expectLong(t, venueA, "1", "oid-1")
	f.clock.Advance(30 * time.Second)

	res, err := f.engine.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Checks, 1)
	assert.Equal(t, DriftPartial, res.Checks[0].Drift)
	assert.True(t, res.Checks[0].Actual.IsZero())
	assert.False(t, res.Checks[0].Cancelled)
	assert.Zero(t, f.exA.CancelCalls())
}

func TestNoFillCancelsResidentOrder(t *testing.T) {
	f := newTestEngine(t)

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

	_, err = f.engine.RegisterExpectation(venueB, "ETH", core.SideShort, decimal.NewFromInt(1), resp.OrderID, "thread-1")
	require.NoError(t, err)
	f.clock.Advance(61 * time.Second)

	res, err := f.engine.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Checks, 1)
	assert.Equal(t, DriftNoFill, res.Checks[0].Drift)
	assert.True(t, res.Checks[0].Cancelled)
	assert.Equal(t, 1, res.Cancels)
	assert.Equal(t, 1, f.exB.CancelCalls())
	assert.Empty(t, f.engine.Expectations(), "a cancelled expectation cannot verify, so it is dropped")

	status, err := f.exB.GetOrderStatus(context.Background(), resp.OrderID, "ETH")
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusCancelled, status.Status)
}

func TestNoFillDefersToActivelyManagedOrder(t *testing.T) {
	f := newTestEngine(t)

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
	require.NoError(t, f.registry.RegisterOrderPlacing(resp.OrderID, "ETH", venueB, core.SideShort, "thread-1", decimal.NewFromInt(1), decimal.NewFromInt(3010)))

	_, err = f.engine.RegisterExpectation(venueB, "ETH", core.SideShort, decimal.NewFromInt(1), resp.OrderID, "thread-1")
	require.NoError(t, err)
	f.clock.Advance(61 * time.Second)

	res, err := f.engine.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Checks, 1)
	assert.Equal(t, DriftNoFill, res.Checks[0].Drift)
	assert.False(t, res.Checks[0].Cancelled)
	assert.Zero(t, f.exB.CancelCalls())
	assert.Len(t, f.engine.Expectations(), 1, "deferred, not dropped")

	// Once the managing component settles its record the cancel proceeds.
	f.registry.UpdateOrderStatus(venueB, "ETH", core.SideShort, execution.LockCancelled, resp.OrderID)
	res, err = f.engine.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Cancels)
	assert.Equal(t, 1, f.exB.CancelCalls())
}

func TestPartialFillReportsOnly(t *testing.T) {
	f := newTestEngine(t)
	f.exA.SetPosition("ETH", core.SideLong, decimal.RequireFromString("0.5"), decimal.NewFromInt(2990))
	f.expectLong(t, venueA, "1", "oid-1")
	f.clock.Advance(2 * time.Minute)

	res, err := f.engine.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Checks, 1)
	assert.Equal(t, DriftPartial, res.Checks[0].Drift)
	assert.True(t, res.Checks[0].DeltaPercent.Equal(decimal.NewFromInt(50)))
	assert.Zero(t, f.exA.CancelCalls(), "partial fills are reported, never cancelled")
}

func TestOverfillAlertsWithoutAction(t *testing.T) {
	f := newTestEngine(t)
	f.exA.SetPosition("ETH", core.SideLong, decimal.RequireFromString("1.2"), decimal.NewFromInt(2990))
	f.expectLong(t, venueA, "1", "oid-1")

	res, err := f.engine.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Checks, 1)
	assert.Equal(t, DriftOverfill, res.Checks[0].Drift)
	assert.Zero(t, f.exA.CancelCalls())
	assert.Zero(t, f.exA.PlaceCalls(), "an overfill is never auto-unwound")

	exps := f.engine.Expectations()
	require.Len(t, exps, 1)
	assert.False(t, exps[0].Verified)
}

func TestOppositeSideAndDustCountAsZero(t *testing.T) {
	f := newTestEngine(t)
	// Venue A reports a SHORT where a LONG was expected; venue B holds dust.
	f.exA.SetPosition("ETH", core.SideShort, decimal.NewFromInt(1), decimal.NewFromInt(3010))
	f.exB.SetPosition("ETH", core.SideLong, decimal.RequireFromString("0.00005"), decimal.NewFromInt(2990))
	f.expectLong(t, venueA, "1", "oid-1")
	f.expectLong(t, venueB, "1", "oid-2")

	res, err := f.engine.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Checks, 2)
	for _, check := range res.Checks {
		assert.True(t, check.Actual.IsZero(), "venue %s", check.Expectation.Venue)
		assert.Equal(t, DriftPartial, check.Drift)
	}
}

func TestVerifiedExpectationExpires(t *testing.T) {
	f := newTestEngine(t)
	f.exA.SetPosition("ETH", core.SideLong, decimal.NewFromInt(1), decimal.NewFromInt(2990))
	f.expectLong(t, venueA, "1", "oid-1")

	_, err := f.engine.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, f.engine.Expectations(), 1)

	f.clock.Advance(61 * time.Second)
	res, err := f.engine.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Expired)
	assert.Empty(t, f.engine.Expectations())
}

func TestUnverifiedExpectationExpiresWithWarning(t *testing.T) {
	f := newTestEngine(t)
	// Order id the venue has never seen: the cancel can never succeed.
	f.expectLong(t, venueA, "1", "ghost-oid")
	f.clock.Advance(301 * time.Second)

	res, err := f.engine.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Expired)
	assert.Empty(t, f.engine.Expectations())
}

func TestPairDriftEmitsEventAndPlan(t *testing.T) {
	f := newTestEngine(t)
	f.exA.SetPosition("ETH", core.SideLong, decimal.RequireFromString("1.1"), decimal.NewFromInt(2990))
	f.exB.SetPosition("ETH", core.SideShort, decimal.NewFromInt(1), decimal.NewFromInt(3010))
	_, err := f.engine.RegisterPair("ETH", venueA, venueB, decimal.NewFromInt(1), "thread-1")
	require.NoError(t, err)

	res, err := f.engine.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Drifts, 1)
	ev := res.Drifts[0]
	assert.True(t, ev.LongSize.Equal(decimal.RequireFromString("1.1")))
	assert.True(t, ev.ShortSize.Equal(decimal.NewFromInt(1)))
	assert.True(t, ev.Imbalance.Equal(decimal.RequireFromString("0.1")))
	assert.False(t, ev.SingleLegged)

	require.NotNil(t, ev.Plan)
	assert.Equal(t, venueA, ev.Plan.Venue)
	assert.Equal(t, core.SideShort, ev.Plan.Side)
	assert.True(t, ev.Plan.Size.Equal(decimal.RequireFromString("0.1")))
	assert.Zero(t, f.exA.PlaceCalls(), "the engine plans, the control plane places")
}

func TestBalancedPairStaysQuiet(t *testing.T) {
	f := newTestEngine(t)
	f.exA.SetPosition("ETH", core.SideLong, decimal.RequireFromString("1.04"), decimal.NewFromInt(2990))
	f.exB.SetPosition("ETH", core.SideShort, decimal.NewFromInt(1), decimal.NewFromInt(3010))
	_, err := f.engine.RegisterPair("ETH", venueA, venueB, decimal.NewFromInt(1), "thread-1")
	require.NoError(t, err)

	res, err := f.engine.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Drifts)
	assert.Empty(t, res.FlatPairIDs)
}

func TestSingleLeggedPairHasNoPlan(t *testing.T) {
	f := newTestEngine(t)
	f.exA.SetPosition("ETH", core.SideLong, decimal.NewFromInt(1), decimal.NewFromInt(2990))
	_, err := f.engine.RegisterPair("ETH", venueA, venueB, decimal.NewFromInt(1), "thread-1")
	require.NoError(t, err)

	res, err := f.engine.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Drifts, 1)
	assert.True(t, res.Drifts[0].SingleLegged)
	assert.Nil(t, res.Drifts[0].Plan, "a lost leg is repaired elsewhere, not rebalanced")
}

func TestFlatPairReportedForCleanup(t *testing.T) {
	f := newTestEngine(t)
	id, err := f.engine.RegisterPair("ETH", venueA, venueB, decimal.NewFromInt(1), "thread-1")
	require.NoError(t, err)

	res, err := f.engine.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{id}, res.FlatPairIDs)
	assert.Empty(t, res.Drifts)

	assert.True(t, f.engine.ClearPair(id))
	assert.False(t, f.engine.ClearPair(id))
}

func TestRefreshFailureFailsPass(t *testing.T) {
	f := newTestEngine(t)
	// No venue carries a BTC mark, so the actuals refresh cannot complete.
	_, err := f.engine.RegisterExpectation(venueA, "BTC", core.SideLong, decimal.NewFromInt(1), "oid-1", "thread-1")
	require.NoError(t, err)

	res, err := f.engine.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Empty(t, res.Checks)
	assert.Equal(t, StatusFailed, f.engine.LastResult().Status)
}

func TestOverlappingPassIsSkipped(t *testing.T) {
	clock := mock.NewClock(time.Unix(1700000000, 0))
	slow := &slowVenue{Exchange: mock.NewExchange(venueA, clock), release: make(chan struct{})}
	slow.SetMarkPrice("ETH", decimal.NewFromInt(3000))

	logger := logging.NewNop()
	venues := map[core.Venue]core.IExchange{venueA: slow}
	cache := market.NewCache(venues, nil, logger, clock)
	engine := NewEngine(venues, cache, nil, testConfig(), logger, clock)
	_, err := engine.RegisterExpectation(venueA, "ETH", core.SideLong, decimal.NewFromInt(1), "oid-1", "thread-1")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = engine.RunOnce(context.Background())
	}()

	require.Eventually(t, func() bool { return slow.calls.Load() > 0 }, time.Second, time.Millisecond)

	_, err = engine.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrPassInProgress)

	close(slow.release)
	<-done
}

type slowVenue struct {
	*mock.Exchange
	release chan struct{}
	calls   atomic.Int32
}

func (s *slowVenue) GetPositions(ctx context.Context) ([]*core.Position, error) {
	s.calls.Add(1)
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.Exchange.GetPositions(ctx)
}

func TestClearThreadDropsItsExpectations(t *testing.T) {
	f := newTestEngine(t)
	_, err := f.engine.RegisterExpectation(venueA, "ETH", core.SideLong, decimal.NewFromInt(1), "oid-1", "thread-1")
	require.NoError(t, err)
	_, err = f.engine.RegisterExpectation(venueB, "ETH", core.SideShort, decimal.NewFromInt(1), "oid-2", "thread-1")
	require.NoError(t, err)
	_, err = f.engine.RegisterExpectation(venueA, "ETH", core.SideLong, decimal.NewFromInt(2), "oid-3", "thread-2")
	require.NoError(t, err)

	assert.Equal(t, 2, f.engine.ClearThread("thread-1"))
	exps := f.engine.Expectations()
	require.Len(t, exps, 1)
	assert.Equal(t, "thread-2", exps[0].ThreadID)
}

func TestRegistrationValidation(t *testing.T) {
	f := newTestEngine(t)

	_, err := f.engine.RegisterExpectation(venueA, "ETH", core.SideLong, decimal.Zero, "oid", "thread")
	assert.Error(t, err)

	_, err = f.engine.RegisterPair("ETH", venueA, venueA, decimal.NewFromInt(1), "thread")
	assert.Error(t, err)

	_, err = f.engine.RegisterPair("ETH", venueA, venueB, decimal.NewFromInt(-1), "thread")
	assert.Error(t, err)
}

func TestLastResultIsACopy(t *testing.T) {
	f := newTestEngine(t)
	assert.Equal(t, StatusNeverRun, f.engine.LastResult().Status)

	f.exA.SetPosition("ETH", core.SideLong, decimal.NewFromInt(1), decimal.NewFromInt(2990))
	f.expectLong(t, venueA, "1", "oid-1")
	_, err := f.engine.RunOnce(context.Background())
	require.NoError(t, err)

	snap := f.engine.LastResult()
	require.Len(t, snap.Checks, 1)
	snap.Checks[0].Drift = DriftOverfill
	snap.Checks = append(snap.Checks, Check{})

	fresh := f.engine.LastResult()
	require.Len(t, fresh.Checks, 1)
	assert.Equal(t, DriftMatched, fresh.Checks[0].Drift)
}
