package market

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funding_keeper/internal/core"
	"funding_keeper/internal/mock"
	"funding_keeper/pkg/logging"
)

const (
	venueA = core.Venue("mockA")
	venueB = core.Venue("mockB")
)

func newTestCache(t *testing.T) (*Cache, *mock.Exchange, *mock.Exchange, *mock.Clock) {
	t.Helper()
	clock := mock.NewClock(time.Unix(1700000000, 0))
	exA := mock.NewExchange(venueA, clock)
	exB := mock.NewExchange(venueB, clock)
	cache := NewCache(map[core.Venue]core.IExchange{venueA: exA, venueB: exB}, nil, logging.NewNop(), clock)
	return cache, exA, exB, clock
}

func TestRefreshAllFetchesEveryVenue(t *testing.T) {
	cache, exA, exB, clock := newTestCache(t)

	exA.SetMarkPrice("ETH", decimal.NewFromInt(3000))
	exA.SetPosition("ETH", core.SideLong, decimal.NewFromInt(2), decimal.NewFromInt(2990))
	exB.SetMarkPrice("ETH", decimal.NewFromInt(3001))
	exB.SetPosition("ETH", core.SideShort, decimal.NewFromInt(2), decimal.NewFromInt(3005))

	require.NoError(t, cache.RefreshAll(context.Background(), []core.Symbol{"ETH"}))

	long := cache.Position(venueA, "ETH")
	require.NotNil(t, long)
	assert.Equal(t, core.SideLong, long.Side)
	assert.True(t, long.Size.Equal(decimal.NewFromInt(2)))

	short := cache.Position(venueB, "ETH")
	require.NotNil(t, short)
	assert.Equal(t, core.SideShort, short.Side)

	markA, ok := cache.Mark(venueA, "ETH")
	require.True(t, ok)
	assert.True(t, markA.Equal(decimal.NewFromInt(3000)))
	markB, ok := cache.Mark(venueB, "ETH")
	require.True(t, ok)
	assert.True(t, markB.Equal(decimal.NewFromInt(3001)))

	all := cache.AllPositions()
	assert.Len(t, all[venueA], 1)
	assert.Len(t, all[venueB], 1)
	assert.Equal(t, clock.Now(), cache.LastUpdate())
}

func TestRefreshAllCoversHeldPositionSymbols(t *testing.T) {
	cache, exA, exB, _ := newTestCache(t)

	// DOGE is not on the requested list but venue A holds it.
	exA.SetMarkPrice("ETH", decimal.NewFromInt(3000))
	exA.SetMarkPrice("DOGE", decimal.RequireFromString("0.1"))
	exA.SetPosition("DOGE", core.SideLong, decimal.NewFromInt(500), decimal.RequireFromString("0.09"))
	exB.SetMarkPrice("ETH", decimal.NewFromInt(3001))

	require.NoError(t, cache.RefreshAll(context.Background(), []core.Symbol{"ETH"}))

	mark, ok := cache.Mark(venueA, "DOGE")
	require.True(t, ok)
	assert.True(t, mark.Equal(decimal.RequireFromString("0.1")))
	_, ok = cache.Mark(venueB, "DOGE")
	assert.False(t, ok, "no venue B position, no fabricated mark")
}

func TestRefreshFailureKeepsPreviousState(t *testing.T) {
	cache, exA, exB, clock := newTestCache(t)

	exA.SetMarkPrice("ETH", decimal.NewFromInt(3000))
	exB.SetMarkPrice("ETH", decimal.NewFromInt(3001))
	require.NoError(t, cache.RefreshAll(context.Background(), []core.Symbol{"ETH"}))
	before := cache.LastUpdate()

	clock.Advance(5 * time.Second)
	// BTC has no scripted mark on either venue, so the refresh fails.
	err := cache.RefreshAll(context.Background(), []core.Symbol{"ETH", "BTC"})
	require.Error(t, err)

	mark, ok := cache.Mark(venueA, "ETH")
	require.True(t, ok)
	assert.True(t, mark.Equal(decimal.NewFromInt(3000)))
	assert.Equal(t, before, cache.LastUpdate(), "failed refresh must not advance the update time")
}

func TestLastUpdateAdvancesOnSuccess(t *testing.T) {
	cache, exA, exB, clock := newTestCache(t)
	exA.SetMarkPrice("ETH", decimal.NewFromInt(3000))
	exB.SetMarkPrice("ETH", decimal.NewFromInt(3001))

	require.NoError(t, cache.RefreshAll(context.Background(), []core.Symbol{"ETH"}))
	first := cache.LastUpdate()

	clock.Advance(30 * time.Second)
	require.NoError(t, cache.RefreshAll(context.Background(), []core.Symbol{"ETH"}))
	assert.Equal(t, first.Add(30*time.Second), cache.LastUpdate())
}

// slowVenue blocks position fetches until released so tests can hold a
// refresh in flight.
type slowVenue struct {
	*mock.Exchange
	fetches atomic.Int32
	release chan struct{}
}

func (s *slowVenue) GetPositions(ctx context.Context) ([]*core.Position, error) {
	s.fetches.Add(1)
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.Exchange.GetPositions(ctx)
}

func TestRefreshAllCoalescesConcurrentCallers(t *testing.T) {
	clock := mock.NewClock(time.Unix(1700000000, 0))
	sv := &slowVenue{Exchange: mock.NewExchange(venueA, clock), release: make(chan struct{})}
	cache := NewCache(map[core.Venue]core.IExchange{venueA: sv}, nil, logging.NewNop(), clock)

	const callers = 5
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = cache.RefreshAll(context.Background(), nil)
		}()
	}

	require.Eventually(t, func() bool { return sv.fetches.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond) // give the remaining callers time to join the flight
	close(sv.release)
	wg.Wait()

	assert.Equal(t, int32(1), sv.fetches.Load(), "concurrent refreshes must share one venue fetch")
	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestSnapshotsAreIsolatedCopies(t *testing.T) {
	cache, exA, exB, _ := newTestCache(t)
	exA.SetMarkPrice("ETH", decimal.NewFromInt(3000))
	exA.SetPosition("ETH", core.SideLong, decimal.NewFromInt(2), decimal.NewFromInt(2990))
	exB.SetMarkPrice("ETH", decimal.NewFromInt(3001))
	require.NoError(t, cache.RefreshAll(context.Background(), []core.Symbol{"ETH"}))

	snap := cache.Positions(venueA)
	require.Len(t, snap, 1)
	snap[0].Size = decimal.NewFromInt(999)

	fromCache := cache.Position(venueA, "ETH")
	require.NotNil(t, fromCache)
	assert.True(t, fromCache.Size.Equal(decimal.NewFromInt(2)), "mutating a snapshot must not touch the cache")
}

func TestUpsertPositionPatchesAndRemoves(t *testing.T) {
	cache, _, _, _ := newTestCache(t)

	cache.UpsertPosition(venueA, "ETHUSDT", &core.Position{
		Side:       core.SideLong,
		Size:       decimal.NewFromInt(3),
		EntryPrice: decimal.NewFromInt(2990),
	})

	// Lookup under any spelling of the same asset.
	pos := cache.Position(venueA, "ETH-PERP")
	require.NotNil(t, pos)
	assert.Equal(t, core.Symbol("ETH"), pos.Symbol)
	assert.Equal(t, venueA, pos.Venue)
	assert.True(t, pos.Size.Equal(decimal.NewFromInt(3)))

	// Patch in place.
	cache.UpsertPosition(venueA, "ETH", &core.Position{Side: core.SideLong, Size: decimal.NewFromInt(1)})
	pos = cache.Position(venueA, "ETH")
	require.NotNil(t, pos)
	assert.True(t, pos.Size.Equal(decimal.NewFromInt(1)))
	assert.Len(t, cache.Positions(venueA), 1)

	// Zero size removes, nil removes.
	cache.UpsertPosition(venueA, "ETH", &core.Position{Side: core.SideLong, Size: decimal.Zero})
	assert.Nil(t, cache.Position(venueA, "ETH"))
	cache.UpsertPosition(venueA, "ETH", nil)
	assert.Empty(t, cache.Positions(venueA))
}

func TestUpsertMark(t *testing.T) {
	cache, _, _, _ := newTestCache(t)

	_, ok := cache.Mark(venueA, "ETH")
	require.False(t, ok, "cache must not fabricate marks")

	cache.UpsertMark(venueA, "ETHUSDT", decimal.NewFromInt(3050))
	mark, ok := cache.Mark(venueA, "ETH")
	require.True(t, ok)
	assert.True(t, mark.Equal(decimal.NewFromInt(3050)))
}
