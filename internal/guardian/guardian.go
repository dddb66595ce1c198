// Package guardian watches over working orders. Its periodic tick sweeps
// venues for orders nobody owns, escalates hedge legs that filled on one
// side but not the other, and clears records that have gone stale beyond
// repair. Single-leg recovery and close live here too but are invoked by
// the control plane, not the tick.
package guardian

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"funding_keeper/internal/config"
	"funding_keeper/internal/core"
	"funding_keeper/internal/execution"
	"funding_keeper/pkg/telemetry"
)

// ErrTickInProgress is returned when a tick is requested while the
// previous one is still running; the caller drops the tick.
var ErrTickInProgress = errors.New("guardian tick already in progress")

var hundred = decimal.NewFromInt(100)

type untrackedKey struct {
	venue   core.Venue
	orderID string
}

// untrackedOrder tracks sightings of a venue order the registry does not
// know. Cancelling needs repeated confirmation so a freshly placed but
// not yet registered order is never raced.
type untrackedOrder struct {
	symbol      core.Symbol
	side        core.Side
	firstSeenAt time.Time
	seenCount   int
}

// Guardian owns the orphan tracker and the single-leg retry book.
type Guardian struct {
	venues    map[core.Venue]core.IExchange
	registry  *execution.LockRegistry
	predictor core.IPredictor
	logger    core.ILogger
	clock     core.Clock

	interval        time.Duration
	minAge          time.Duration
	aggressiveAge   time.Duration
	marketOrderAge  time.Duration
	zombieTimeout   time.Duration
	orphanSightings int
	orphanMaxAge    time.Duration
	improvePct      decimal.Decimal
	maxRetries      int
	preferredVenue  core.Venue
	threadRetention time.Duration

	tickMu sync.Mutex

	trackerMu sync.Mutex
	untracked map[untrackedKey]*untrackedOrder

	retryMu sync.Mutex
	retries map[core.Symbol]*retryRecord
}

// NewGuardian builds the guardian from the guardian section of the
// config. The predictor is optional; without one, single-leg recovery
// derives venue pairs from the preferred-venue rule alone.
func NewGuardian(venues map[core.Venue]core.IExchange, registry *execution.LockRegistry, pred core.IPredictor, cfg *config.Config, logger core.ILogger, clock core.Clock) *Guardian {
	if clock == nil {
		clock = core.RealClock{}
	}
	gc := cfg.Guardian
	return &Guardian{
		venues:          venues,
		registry:        registry,
		predictor:       pred,
		logger:          logger.WithField("component", "guardian"),
		clock:           clock,
		interval:        time.Duration(gc.IntervalSeconds) * time.Second,
		minAge:          time.Duration(gc.MinAgeSeconds) * time.Second,
		aggressiveAge:   time.Duration(gc.AggressiveAgeSeconds) * time.Second,
		marketOrderAge:  time.Duration(gc.MarketOrderAgeSeconds) * time.Second,
		zombieTimeout:   time.Duration(gc.ZombieTimeoutSeconds) * time.Second,
		orphanSightings: gc.OrphanConfirmSightings,
		orphanMaxAge:    time.Duration(gc.OrphanMaxAgeSeconds) * time.Second,
		improvePct:      decimal.NewFromFloat(gc.PriceImprovePercent),
		maxRetries:      gc.MaxRetries,
		preferredVenue:  core.Venue(cfg.App.PreferredRecoveryVenue),
		threadRetention: time.Hour,
		untracked:       make(map[untrackedKey]*untrackedOrder),
		retries:         make(map[core.Symbol]*retryRecord),
	}
}

// Interval returns the configured tick period for the loop driver.
func (g *Guardian) Interval() time.Duration {
	return g.interval
}

// Tick runs one guardian cycle. Overlapping invocations are skipped.
func (g *Guardian) Tick(ctx context.Context) error {
	if !g.tickMu.TryLock() {
		return ErrTickInProgress
	}
	defer g.tickMu.Unlock()

	g.sweepOrphans(ctx)
	g.checkThreadHealth(ctx)
	g.sweepZombies(ctx)
	g.registry.PruneThreads(g.threadRetention)
	return nil
}

// HandleOrderUpdate applies a venue stream event to the registry right
// away instead of waiting for the next tick. Only terminal transitions
// matter; partial-fill progress is read back when needed.
func (g *Guardian) HandleOrderUpdate(u *core.OrderUpdate) {
	if u == nil {
		return
	}
	status := execution.LockStatusFromOrder(u.Status)
	if !status.Terminal() {
		return
	}
	if g.registry.UpdateOrderStatus(u.Venue, u.Symbol, u.Side, status, u.OrderID) {
		g.logger.Debug("Order settled via stream",
			"venue", u.Venue,
			"symbol", u.Symbol,
			"order_id", u.OrderID,
			"status", u.Status)
	}
}

// sweepOrphans fetches open orders per venue and cancels those that
// stayed untracked across enough sightings. Tracker entries for orders
// that vanished from the venue are purged, but only for venues whose
// fetch succeeded this tick.
func (g *Guardian) sweepOrphans(ctx context.Context) {
	now := g.clock.Now()
	seen := make(map[untrackedKey]bool)
	fetched := make(map[core.Venue]bool, len(g.venues))

	for venue, ex := range g.venues {
		orders, err := ex.GetOpenOrders(ctx)
		if err != nil {
			g.logger.Warn("Open order sweep failed",
				"venue", venue,
				"error", err.Error())
			continue
		}
		fetched[venue] = true

		for _, order := range orders {
			if g.registry.KnownOrder(venue, order.OrderID) {
				continue
			}
			key := untrackedKey{venue: venue, orderID: order.OrderID}
			seen[key] = true

			g.trackerMu.Lock()
			tr, ok := g.untracked[key]
			if !ok {
				tr = &untrackedOrder{symbol: order.Symbol, side: order.Side, firstSeenAt: now}
				g.untracked[key] = tr
			}
			tr.seenCount++
			count := tr.seenCount
			age := now.Sub(tr.firstSeenAt)
			g.trackerMu.Unlock()

			if count < g.orphanSightings && age <= g.orphanMaxAge {
				continue
			}
			if g.registry.HasActiveOrder(venue, order.Symbol, order.Side) {
				// The key is being worked by someone; the stray order is
				// left until that settles.
				g.logger.Debug("Orphan candidate on an actively managed key, skipping",
					"venue", venue,
					"symbol", order.Symbol,
					"order_id", order.OrderID)
				continue
			}
			g.cancelOrphan(ctx, ex, venue, order, count, age)
		}
	}

	g.trackerMu.Lock()
	for key := range g.untracked {
		if fetched[key.venue] && !seen[key] {
			delete(g.untracked, key)
		}
	}
	g.trackerMu.Unlock()
}

func (g *Guardian) cancelOrphan(ctx context.Context, ex core.IExchange, venue core.Venue, order *core.OrderResponse, sightings int, age time.Duration) {
	cancelled, err := ex.CancelOrder(ctx, order.OrderID, order.Symbol)
	if err != nil {
		g.logger.Error("Failed to cancel orphan order",
			"venue", venue,
			"symbol", order.Symbol,
			"order_id", order.OrderID,
			"error", err.Error())
		return
	}
	if cancelled {
		telemetry.GetGlobalMetrics().IncOrphansCancelled(string(venue))
		g.logger.Warn("Cancelled orphan order",
			"venue", venue,
			"symbol", order.Symbol,
			"order_id", order.OrderID,
			"sightings", sightings,
			"age", age.String())
	}
	g.trackerMu.Lock()
	delete(g.untracked, untrackedKey{venue: venue, orderID: order.OrderID})
	g.trackerMu.Unlock()
}

// checkThreadHealth walks execution threads and escalates laggard legs
// of asymmetric fills: wait, then improve price, then take the market.
func (g *Guardian) checkThreadHealth(ctx context.Context) {
	now := g.clock.Now()
	for threadID, locks := range g.registry.Threads() {
		var oldest time.Time
		filled := false
		var laggards []*execution.OrderLock
		for _, l := range locks {
			if oldest.IsZero() || l.PlacedAt.Before(oldest) {
				oldest = l.PlacedAt
			}
			switch {
			case l.Status == execution.LockFilled:
				filled = true
			case !l.Status.Terminal():
				laggards = append(laggards, l)
			}
		}

		age := now.Sub(oldest)
		if age < g.minAge || !filled || len(laggards) == 0 {
			continue
		}

		for _, lag := range laggards {
			switch {
			case age < g.aggressiveAge:
				g.logger.Info("Asymmetric fill, still waiting",
					"thread_id", threadID,
					"venue", lag.Venue,
					"symbol", lag.Symbol,
					"age", age.String())
			case age < g.marketOrderAge:
				g.improvePrice(ctx, lag)
			default:
				g.forceMarket(ctx, lag)
			}
		}
	}
}

// improvePrice moves a laggard order to mark plus the improvement for a
// LONG, minus it for a SHORT. Venues with native modify keep the order
// id; everyone else gets cancel-and-replace under the same thread.
func (g *Guardian) improvePrice(ctx context.Context, lag *execution.OrderLock) {
	ex, ok := g.venues[lag.Venue]
	if !ok {
		g.logger.Error("No adapter for laggard venue", "venue", lag.Venue)
		return
	}
	mark, err := ex.GetMarkPrice(ctx, lag.Symbol)
	if err != nil {
		g.logger.Warn("Mark unavailable, deferring price improvement",
			"venue", lag.Venue,
			"symbol", lag.Symbol,
			"error", err.Error())
		return
	}
	price := improvedPrice(mark, lag.Side, g.improvePct)

	if ex.SupportsModify() {
		resp, err := ex.ModifyOrder(ctx, lag.OrderID, &core.OrderRequest{
			Symbol:      lag.Symbol,
			Venue:       lag.Venue,
			Side:        lag.Side,
			Type:        core.OrderTypeLimit,
			Size:        lag.Size,
			Price:       price,
			TimeInForce: core.TIFGoodTilCancel,
		})
		if err != nil {
			g.logger.Warn("Order modify failed",
				"venue", lag.Venue,
				"order_id", lag.OrderID,
				"error", err.Error())
			return
		}
		g.registry.UpdateOrderStatus(lag.Venue, lag.Symbol, lag.Side, execution.LockStatusFromOrder(resp.Status), resp.OrderID)
		g.logger.Info("Improved laggard price in place",
			"venue", lag.Venue,
			"symbol", lag.Symbol,
			"order_id", resp.OrderID,
			"price", price.String())
		return
	}

	remaining, done := g.settleForReplacement(ctx, ex, lag)
	if done || !remaining.IsPositive() {
		return
	}
	g.replaceOrder(ctx, ex, lag, remaining, price, core.OrderTypeLimit, core.TIFGoodTilCancel)
}

// forceMarket abandons the limit price entirely: cancel what rests and
// push the remainder through as an IOC market order. The leg is meant to
// grow to match its filled sibling, so reduce-only stays off. On success
// the registry entry is force-cleared.
func (g *Guardian) forceMarket(ctx context.Context, lag *execution.OrderLock) {
	ex, ok := g.venues[lag.Venue]
	if !ok {
		g.logger.Error("No adapter for laggard venue", "venue", lag.Venue)
		return
	}
	remaining, done := g.settleForReplacement(ctx, ex, lag)
	if done {
		return
	}
	if !remaining.IsPositive() {
		g.registry.ForceClearOrder(lag.Venue, lag.Symbol, lag.Side)
		return
	}

	resp, err := ex.PlaceOrder(ctx, &core.OrderRequest{
		Symbol:      lag.Symbol,
		Venue:       lag.Venue,
		Side:        lag.Side,
		Type:        core.OrderTypeMarket,
		Size:        remaining,
		TimeInForce: core.TIFImmediateOrCancel,
		ReduceOnly:  false,
	})
	if err != nil {
		telemetry.GetGlobalMetrics().IncOrdersFailed(string(lag.Venue))
		g.logger.Error("Forced market order failed",
			"venue", lag.Venue,
			"symbol", lag.Symbol,
			"error", err.Error())
		return
	}
	telemetry.GetGlobalMetrics().IncOrdersPlaced(string(lag.Venue))
	g.registry.ForceClearOrder(lag.Venue, lag.Symbol, lag.Side)
	g.logger.Warn("Laggard leg forced through at market",
		"venue", lag.Venue,
		"symbol", lag.Symbol,
		"order_id", resp.OrderID,
		"size", remaining.String())
}

// settleForReplacement cancels a laggard's resting order and reads back
// its final state. done reports that nothing further should happen: the
// order actually filled (the registry is updated accordingly) or the
// cancel failed outright.
func (g *Guardian) settleForReplacement(ctx context.Context, ex core.IExchange, lag *execution.OrderLock) (decimal.Decimal, bool) {
	cancelled, cancelErr := ex.CancelOrder(ctx, lag.OrderID, lag.Symbol)
	if cancelled {
		telemetry.GetGlobalMetrics().IncOrdersCancelled(string(lag.Venue))
	}

	remaining := lag.Size
	// A fill can land between the sweep and the cancel; the read-back
	// decides what actually remains.
	if st, err := ex.GetOrderStatus(ctx, lag.OrderID, lag.Symbol); err == nil {
		if st.Status == core.OrderStatusFilled {
			g.registry.UpdateOrderStatus(lag.Venue, lag.Symbol, lag.Side, execution.LockFilled, lag.OrderID)
			return decimal.Zero, true
		}
		remaining = lag.Size.Sub(st.FilledSize)
	}

	if !cancelled && cancelErr != nil {
		g.logger.Error("Failed to cancel laggard order",
			"venue", lag.Venue,
			"order_id", lag.OrderID,
			"error", cancelErr.Error())
		return decimal.Zero, true
	}

	g.registry.UpdateOrderStatus(lag.Venue, lag.Symbol, lag.Side, execution.LockCancelled, lag.OrderID)
	return remaining, false
}

// replaceOrder places a successor for a cancelled laggard under the same
// execution thread so the thread keeps its identity.
func (g *Guardian) replaceOrder(ctx context.Context, ex core.IExchange, lag *execution.OrderLock, size, price decimal.Decimal, typ core.OrderType, tif core.TimeInForce) {
	clientID := uuid.NewString()
	if err := g.registry.RegisterOrderPlacing(clientID, lag.Symbol, lag.Venue, lag.Side, lag.ThreadID, size, price); err != nil {
		g.logger.Warn("Replacement key already locked",
			"venue", lag.Venue,
			"symbol", lag.Symbol,
			"error", err.Error())
		return
	}
	resp, err := ex.PlaceOrder(ctx, &core.OrderRequest{
		Symbol:        lag.Symbol,
		Venue:         lag.Venue,
		Side:          lag.Side,
		Type:          typ,
		Size:          size,
		Price:         price,
		TimeInForce:   tif,
		ClientOrderID: clientID,
	})
	if err != nil {
		g.registry.UpdateOrderStatus(lag.Venue, lag.Symbol, lag.Side, execution.LockFailed, "")
		telemetry.GetGlobalMetrics().IncOrdersFailed(string(lag.Venue))
		g.logger.Error("Replacement order failed",
			"venue", lag.Venue,
			"symbol", lag.Symbol,
			"error", err.Error())
		return
	}
	telemetry.GetGlobalMetrics().IncOrdersPlaced(string(lag.Venue))
	g.registry.UpdateOrderStatus(lag.Venue, lag.Symbol, lag.Side, execution.LockStatusFromOrder(resp.Status), resp.OrderID)
	g.logger.Info("Replaced laggard order",
		"venue", lag.Venue,
		"symbol", lag.Symbol,
		"order_id", resp.OrderID,
		"price", price.String(),
		"size", size.String())
}

// sweepZombies reconciles registry records past the zombie timeout
// against the venue: a fill is applied, anything else is cancelled
// best-effort and the record force-cleared.
func (g *Guardian) sweepZombies(ctx context.Context) {
	now := g.clock.Now()
	for _, lock := range g.registry.ActiveOrders() {
		if now.Sub(lock.PlacedAt) < g.zombieTimeout {
			continue
		}
		ex, ok := g.venues[lock.Venue]
		if !ok {
			g.registry.ForceClearOrder(lock.Venue, lock.Symbol, lock.Side)
			continue
		}

		st, err := ex.GetOrderStatus(ctx, lock.OrderID, lock.Symbol)
		if err == nil && st.Status == core.OrderStatusFilled {
			g.registry.UpdateOrderStatus(lock.Venue, lock.Symbol, lock.Side, execution.LockFilled, lock.OrderID)
			g.logger.Info("Zombie record resolved as filled",
				"venue", lock.Venue,
				"symbol", lock.Symbol,
				"order_id", lock.OrderID)
			continue
		}
		if err == nil && !st.Status.IsTerminal() {
			if cancelled, cerr := ex.CancelOrder(ctx, lock.OrderID, lock.Symbol); cancelled {
				telemetry.GetGlobalMetrics().IncOrdersCancelled(string(lock.Venue))
			} else if cerr != nil {
				g.logger.Warn("Zombie cancel failed",
					"venue", lock.Venue,
					"order_id", lock.OrderID,
					"error", cerr.Error())
			}
		}
		g.registry.ForceClearOrder(lock.Venue, lock.Symbol, lock.Side)
		g.logger.Warn("Force-cleared zombie record",
			"venue", lock.Venue,
			"symbol", lock.Symbol,
			"order_id", lock.OrderID,
			"age", now.Sub(lock.PlacedAt).String())
	}
}

func improvedPrice(mark decimal.Decimal, side core.Side, pct decimal.Decimal) decimal.Decimal {
	adj := mark.Mul(pct).Div(hundred)
	if side == core.SideLong {
		return mark.Add(adj)
	}
	return mark.Sub(adj)
}
