package unwind

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"funding_keeper/internal/config"
	"funding_keeper/internal/core"
	"funding_keeper/internal/execution"
	"funding_keeper/internal/market"
	"funding_keeper/pkg/telemetry"
)

// residualFloor is the smallest residual worth reporting as PARTIAL.
// Sizing divides at fixed decimal precision, so a fully covered request
// can come out owing a sub-cent remainder.
var residualFloor = decimal.RequireFromString("0.01")

// Status reports how far an unwind got against its request.
type Status string

const (
	// StatusComplete means the full requested amount was covered by
	// placed reductions.
	StatusComplete Status = "COMPLETE"
	// StatusPartial means the book ran out of positions first; Residual
	// carries what is still owed.
	StatusPartial Status = "PARTIAL"
)

// PlacedOrder records one reduce-only order of the plan.
type PlacedOrder struct {
	Venue    core.Venue
	Symbol   core.Symbol
	Side     core.Side
	Size     decimal.Decimal
	Price    decimal.Decimal
	OrderID  string
	ThreadID string
}

// PairReduction is a symmetric shrink of one hedge pair.
type PairReduction struct {
	Symbol     core.Symbol
	LongVenue  core.Venue
	ShortVenue core.Venue
	Size       decimal.Decimal
	FullClose  bool
	FreedUSD   decimal.Decimal
	ThreadID   string
}

// SingleReduction is a one-leg shrink of an unpaired position. It moves
// the symbol's delta and only runs once every pair is spent.
type SingleReduction struct {
	Venue    core.Venue
	Symbol   core.Symbol
	Size     decimal.Decimal
	FreedUSD decimal.Decimal
	ThreadID string
}

// Report summarizes one unwind run. Freed counts the notional of placed
// reductions at plan marks; fills are the venues' business and any
// asymmetry lands with the guardian via the shared thread ids.
type Report struct {
	Requested   decimal.Decimal
	Freed       decimal.Decimal
	Residual    decimal.Decimal
	Status      Status
	Pairs       []PairReduction
	Singles     []SingleReduction
	Orders      []PlacedOrder
	StartedAt   time.Time
	CompletedAt time.Time
}

// Unwinder turns a requested USD amount into reduce-only orders that
// keep the book delta-neutral.
type Unwinder struct {
	venues   map[core.Venue]core.IExchange
	cache    *market.Cache
	registry *execution.LockRegistry
	logger   core.ILogger
	clock    core.Clock

	tolerancePct decimal.Decimal
	dust         decimal.Decimal
}

// NewUnwinder builds the unwinder. The pairing tolerance and dust floor
// are shared with reconciliation so both components agree on what a
// pair is.
func NewUnwinder(venues map[core.Venue]core.IExchange, cache *market.Cache, registry *execution.LockRegistry, cfg *config.Config, logger core.ILogger, clock core.Clock) *Unwinder {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &Unwinder{
		venues:       venues,
		cache:        cache,
		registry:     registry,
		logger:       logger.WithField("component", "unwinder"),
		clock:        clock,
		tolerancePct: decimal.NewFromFloat(cfg.Reconcile.ImbalanceThresholdPercent),
		dust:         decimal.NewFromFloat(cfg.Reconcile.DustSize),
	}
}

// Unwind frees amount USD of deployed capital. The report lists what
// was placed; a PARTIAL status means the whole book was consumed and
// Residual is still owed.
func (u *Unwinder) Unwind(ctx context.Context, amount decimal.Decimal) (*Report, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("unwind amount must be positive, got %s", amount)
	}
	return u.run(ctx, amount, false)
}

// UnwindAll flattens every pair and every unpaired position, used for
// emergency recalls.
func (u *Unwinder) UnwindAll(ctx context.Context) (*Report, error) {
	return u.run(ctx, decimal.Zero, true)
}

func (u *Unwinder) run(ctx context.Context, amount decimal.Decimal, everything bool) (*Report, error) {
	rep := &Report{Requested: amount, StartedAt: u.clock.Now()}

	if err := u.cache.RefreshAll(ctx, nil); err != nil {
		return nil, fmt.Errorf("unwind refresh: %w", err)
	}

	pairs, singles := partition(u.cache.AllPositions(), u.tolerancePct)
	sortPairs(pairs)
	sortSingles(singles)

	needed := amount
	for _, pair := range pairs {
		if ctx.Err() != nil {
			break
		}
		if !everything && !needed.IsPositive() {
			break
		}
		target := needed
		if everything {
			target = pair.notional()
		}
		red, ok := sizePairReduction(target, pair)
		if !ok || !red.size.GreaterThan(u.dust) {
			continue
		}

		threadID, orders, err := u.placePair(ctx, pair, red.size)
		if err != nil {
			u.logger.Error("Pair reduction failed, skipping pair",
				"symbol", pair.symbol(),
				"long_venue", pair.long.Venue,
				"short_venue", pair.short.Venue,
				"error", err.Error())
			continue
		}

		rep.Pairs = append(rep.Pairs, PairReduction{
			Symbol:     pair.symbol(),
			LongVenue:  pair.long.Venue,
			ShortVenue: pair.short.Venue,
			Size:       red.size,
			FullClose:  red.fullClose,
			FreedUSD:   red.freed,
			ThreadID:   threadID,
		})
		rep.Orders = append(rep.Orders, orders...)
		rep.Freed = rep.Freed.Add(red.freed)
		needed = needed.Sub(red.freed)
		u.logger.Info("Pair reduction placed",
			"symbol", pair.symbol(),
			"size", red.size.String(),
			"freed_usd", red.freed.String(),
			"full_close", red.fullClose,
			"thread_id", threadID)
	}

	for _, pos := range singles {
		if ctx.Err() != nil {
			break
		}
		if !everything && !needed.IsPositive() {
			break
		}
		target := needed
		if everything {
			target = pos.Notional()
		}
		red, ok := sizeSingleReduction(target, pos)
		if !ok || !red.size.GreaterThan(u.dust) {
			continue
		}

		threadID := execution.NewThreadID("unwind", pos.Symbol)
		order, err := u.placeReduce(ctx, pos, red.size, threadID)
		if err != nil {
			u.logger.Error("Single reduction failed, skipping position",
				"venue", pos.Venue,
				"symbol", pos.Symbol,
				"error", err.Error())
			continue
		}

		rep.Singles = append(rep.Singles, SingleReduction{
			Venue:    pos.Venue,
			Symbol:   pos.Symbol,
			Size:     red.size,
			FreedUSD: red.freed,
			ThreadID: threadID,
		})
		rep.Orders = append(rep.Orders, order)
		rep.Freed = rep.Freed.Add(red.freed)
		needed = needed.Sub(red.freed)
		u.logger.Warn("Unpaired reduction placed, symbol delta will move",
			"venue", pos.Venue,
			"symbol", pos.Symbol,
			"size", red.size.String(),
			"freed_usd", red.freed.String())
	}

	rep.Status = StatusComplete
	if !everything && needed.GreaterThanOrEqual(residualFloor) {
		rep.Status = StatusPartial
		rep.Residual = needed
		u.logger.Warn("Unwind exhausted the book before covering the request",
			"requested", amount.String(),
			"residual", needed.String())
	}
	rep.CompletedAt = u.clock.Now()
	u.logger.Info("Unwind finished",
		"status", string(rep.Status),
		"requested", amount.String(),
		"freed", rep.Freed.String(),
		"pairs", len(rep.Pairs),
		"singles", len(rep.Singles))

	if err := ctx.Err(); err != nil {
		return rep, err
	}
	return rep, nil
}

// placePair places both reduce-only legs under one thread id. When the
// second leg cannot be placed the first is pulled back so a lone fill
// cannot skew the book.
func (u *Unwinder) placePair(ctx context.Context, pair candidatePair, size decimal.Decimal) (string, []PlacedOrder, error) {
	threadID := execution.NewThreadID("unwind", pair.symbol())
	placed := make([]PlacedOrder, 0, 2)
	for _, pos := range []*core.Position{pair.long, pair.short} {
		order, err := u.placeReduce(ctx, pos, size, threadID)
		if err != nil {
			if len(placed) == 1 {
				u.cancelLeg(ctx, placed[0])
			}
			return "", nil, err
		}
		placed = append(placed, order)
	}
	return threadID, placed, nil
}

// placeReduce registers and places one reduce-only LIMIT order at the
// leg's mark, on the closing side of the position.
func (u *Unwinder) placeReduce(ctx context.Context, pos *core.Position, size decimal.Decimal, threadID string) (PlacedOrder, error) {
	ex, ok := u.venues[pos.Venue]
	if !ok {
		return PlacedOrder{}, fmt.Errorf("no adapter for venue %s", pos.Venue)
	}
	side := pos.Side.Opposite()
	mark := pos.MarkPrice
	if !mark.IsPositive() {
		return PlacedOrder{}, fmt.Errorf("no mark for %s on %s", pos.Symbol, pos.Venue)
	}

	clientID := uuid.NewString()
	if err := u.registry.RegisterOrderPlacing(clientID, pos.Symbol, pos.Venue, side, threadID, size, mark); err != nil {
		return PlacedOrder{}, fmt.Errorf("reduction key busy: %w", err)
	}

	resp, err := ex.PlaceOrder(ctx, &core.OrderRequest{
		Symbol:        pos.Symbol,
		Venue:         pos.Venue,
		Side:          side,
		Type:          core.OrderTypeLimit,
		Size:          size,
		Price:         mark,
		TimeInForce:   core.TIFGoodTilCancel,
		ReduceOnly:    true,
		ClientOrderID: clientID,
	})
	if err != nil {
		u.registry.UpdateOrderStatus(pos.Venue, pos.Symbol, side, execution.LockFailed, "")
		telemetry.GetGlobalMetrics().IncOrdersFailed(string(pos.Venue))
		return PlacedOrder{}, fmt.Errorf("reduce order on %s: %w", pos.Venue, err)
	}
	telemetry.GetGlobalMetrics().IncOrdersPlaced(string(pos.Venue))
	telemetry.GetGlobalMetrics().IncUnwindOrders(string(pos.Venue))
	u.registry.UpdateOrderStatus(pos.Venue, pos.Symbol, side, execution.LockStatusFromOrder(resp.Status), resp.OrderID)

	return PlacedOrder{
		Venue:    pos.Venue,
		Symbol:   pos.Symbol,
		Side:     side,
		Size:     size,
		Price:    mark,
		OrderID:  resp.OrderID,
		ThreadID: threadID,
	}, nil
}

// cancelLeg pulls back a placed reduction whose co-leg failed. Cancel
// is best-effort; if the order fills anyway the guardian sees a thread
// with one filled leg and repairs it like any asymmetric fill.
func (u *Unwinder) cancelLeg(ctx context.Context, leg PlacedOrder) {
	cancelled, err := u.venues[leg.Venue].CancelOrder(ctx, leg.OrderID, leg.Symbol)
	if err != nil {
		u.logger.Error("Failed to pull back lone reduction leg",
			"venue", leg.Venue,
			"symbol", leg.Symbol,
			"order_id", leg.OrderID,
			"error", err.Error())
		return
	}
	if cancelled {
		telemetry.GetGlobalMetrics().IncOrdersCancelled(string(leg.Venue))
	}
	u.registry.UpdateOrderStatus(leg.Venue, leg.Symbol, leg.Side, execution.LockCancelled, leg.OrderID)
}

// sortPairs orders pairs for consumption: least profitable first so
// winners keep earning funding the longest.
func sortPairs(pairs []candidatePair) {
	sort.Slice(pairs, func(i, j int) bool {
		pi, pj := pairs[i].combinedPnl(), pairs[j].combinedPnl()
		if !pi.Equal(pj) {
			return pi.LessThan(pj)
		}
		if pairs[i].symbol() != pairs[j].symbol() {
			return pairs[i].symbol() < pairs[j].symbol()
		}
		return pairs[i].long.Venue < pairs[j].long.Venue
	})
}

func sortSingles(singles []*core.Position) {
	sort.Slice(singles, func(i, j int) bool {
		if !singles[i].UnrealizedPnl.Equal(singles[j].UnrealizedPnl) {
			return singles[i].UnrealizedPnl.LessThan(singles[j].UnrealizedPnl)
		}
		if singles[i].Symbol != singles[j].Symbol {
			return singles[i].Symbol < singles[j].Symbol
		}
		return singles[i].Venue < singles[j].Venue
	})
}
