package guardian

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"funding_keeper/internal/core"
	"funding_keeper/internal/execution"
	"funding_keeper/internal/predictor"
	"funding_keeper/pkg/telemetry"
)

// retryRecord pins the venue pair chosen for a symbol's recovery. The
// pair is decided once, at creation, and never rewritten; later funding
// moves must not flip which venue the missing leg belongs on.
type retryRecord struct {
	symbol     core.Symbol
	longVenue  core.Venue
	shortVenue core.Venue
	retryCount int
	createdAt  time.Time
}

// RetryView is a read-only snapshot of a retry record for diagnostics.
type RetryView struct {
	Symbol     core.Symbol
	LongVenue  core.Venue
	ShortVenue core.Venue
	RetryCount int
	CreatedAt  time.Time
}

// RetryRecords returns snapshots of the retry book, sorted by symbol.
func (g *Guardian) RetryRecords() []RetryView {
	g.retryMu.Lock()
	out := make([]RetryView, 0, len(g.retries))
	for _, r := range g.retries {
		out = append(out, RetryView{
			Symbol:     r.symbol,
			LongVenue:  r.longVenue,
			ShortVenue: r.shortVenue,
			RetryCount: r.retryCount,
			CreatedAt:  r.createdAt,
		})
	}
	g.retryMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// ClearRetry drops the retry record for a symbol, typically once its
// pair is whole again.
func (g *Guardian) ClearRetry(symbol core.Symbol) bool {
	sym := core.NormalizeSymbol(string(symbol))
	g.retryMu.Lock()
	defer g.retryMu.Unlock()
	_, ok := g.retries[sym]
	delete(g.retries, sym)
	return ok
}

// TryOpenMissingSide attempts to restore the missing leg of a lone
// position. The first call for a symbol fixes the venue pair, from the
// predictor when it answers and from the preferred-venue rule when it
// does not; later calls reuse the stored pair no matter what funding
// does in the meantime.
//
// The return is false once the retry budget is spent, which tells the
// caller to escalate to a single-leg close. Any other outcome returns
// true: an attempt was made, an order is already pending, or this
// attempt failed and the next tick may try again.
func (g *Guardian) TryOpenMissingSide(ctx context.Context, pos *core.Position) (bool, error) {
	if pos == nil || pos.Size.IsZero() {
		return true, nil
	}
	symbol := core.NormalizeSymbol(string(pos.Symbol))

	rec, err := g.retryRecordFor(ctx, symbol, pos)
	if err != nil {
		return true, err
	}

	g.retryMu.Lock()
	count := rec.retryCount
	g.retryMu.Unlock()
	if count >= g.maxRetries {
		g.logger.Warn("Recovery retries exhausted",
			"symbol", symbol,
			"retries", count)
		return false, nil
	}

	missing := missingVenue(rec, pos)
	if missing == pos.Venue {
		// A recovery order here would double the existing leg instead of
		// hedging it. This cannot happen unless the pair derivation is
		// broken, so it is reported as a bug and the attempt aborted.
		g.logger.Error("BUG: recovery venue equals the existing leg's venue, aborting",
			"symbol", symbol,
			"venue", pos.Venue,
			"long_venue", rec.longVenue,
			"short_venue", rec.shortVenue)
		return true, fmt.Errorf("recovery venue %s equals existing leg venue", missing)
	}

	ex, ok := g.venues[missing]
	if !ok {
		return true, fmt.Errorf("no adapter for recovery venue %s", missing)
	}
	missingSide := pos.Side.Opposite()

	pending, err := g.hasPendingOrder(ctx, ex, symbol, missingSide)
	if err != nil {
		return true, err
	}
	if pending {
		g.logger.Debug("Recovery order already pending",
			"symbol", symbol,
			"venue", missing)
		return true, nil
	}

	mark, err := ex.GetMarkPrice(ctx, symbol)
	if err != nil {
		return true, fmt.Errorf("recovery mark for %s on %s: %w", symbol, missing, err)
	}

	size := pos.Size.Abs()
	clientID := uuid.NewString()
	threadID := execution.NewThreadID("recover", symbol)
	if err := g.registry.RegisterOrderPlacing(clientID, symbol, missing, missingSide, threadID, size, mark); err != nil {
		// An active record means a concurrent opening or a previous
		// recovery still owns the key.
		g.logger.Debug("Recovery key already locked", "symbol", symbol, "venue", missing)
		return true, nil
	}

	resp, err := ex.PlaceOrder(ctx, &core.OrderRequest{
		Symbol:        symbol,
		Venue:         missing,
		Side:          missingSide,
		Type:          core.OrderTypeLimit,
		Size:          size,
		Price:         mark,
		TimeInForce:   core.TIFGoodTilCancel,
		ClientOrderID: clientID,
	})
	g.bumpRetry(symbol)
	telemetry.GetGlobalMetrics().IncRecoveryAttempts(string(symbol))
	if err != nil {
		g.registry.UpdateOrderStatus(missing, symbol, missingSide, execution.LockFailed, "")
		telemetry.GetGlobalMetrics().IncOrdersFailed(string(missing))
		return true, fmt.Errorf("recovery order on %s: %w", missing, err)
	}
	telemetry.GetGlobalMetrics().IncOrdersPlaced(string(missing))
	g.registry.UpdateOrderStatus(missing, symbol, missingSide, execution.LockStatusFromOrder(resp.Status), resp.OrderID)
	g.logger.Info("Placed recovery order for missing leg",
		"symbol", symbol,
		"venue", missing,
		"side", missingSide,
		"size", size.String(),
		"price", mark.String(),
		"order_id", resp.OrderID)
	return true, nil
}

// retryRecordFor returns the stored record for a symbol, deriving and
// storing one on first sight.
func (g *Guardian) retryRecordFor(ctx context.Context, symbol core.Symbol, pos *core.Position) (*retryRecord, error) {
	g.retryMu.Lock()
	rec, ok := g.retries[symbol]
	g.retryMu.Unlock()
	if ok {
		return rec, nil
	}

	longVenue, shortVenue, err := g.derivePair(ctx, symbol, pos)
	if err != nil {
		return nil, err
	}

	g.retryMu.Lock()
	defer g.retryMu.Unlock()
	// Lost the race to another deriver; keep the stored pair.
	if rec, ok = g.retries[symbol]; ok {
		return rec, nil
	}
	rec = &retryRecord{
		symbol:     symbol,
		longVenue:  longVenue,
		shortVenue: shortVenue,
		createdAt:  g.clock.Now(),
	}
	g.retries[symbol] = rec
	g.logger.Info("Recovery pair fixed",
		"symbol", symbol,
		"long_venue", longVenue,
		"short_venue", shortVenue)
	return rec, nil
}

// derivePair asks the predictor which venues the pair belongs on. When
// the predictor is missing or cannot answer, the fallback prefers the
// designated recovery venue for the missing leg and otherwise takes the
// first venue that is not the occupied one.
func (g *Guardian) derivePair(ctx context.Context, symbol core.Symbol, pos *core.Position) (core.Venue, core.Venue, error) {
	if g.predictor != nil {
		if rates, err := g.predictor.CompareFundingRates(ctx, symbol); err == nil {
			if longVenue, shortVenue, ok := predictor.SelectPair(rates); ok {
				return longVenue, shortVenue, nil
			}
		} else {
			g.logger.Warn("Predictor unavailable, falling back to preferred venue",
				"symbol", symbol,
				"error", err.Error())
		}
	}

	missing := g.fallbackVenue(pos.Venue)
	if missing == "" {
		return "", "", fmt.Errorf("no venue available for the missing leg of %s", symbol)
	}
	if pos.Side == core.SideLong {
		return pos.Venue, missing, nil
	}
	return missing, pos.Venue, nil
}

// fallbackVenue picks the venue for a missing leg without predictor
// input: the preferred recovery venue unless the position already sits
// there, else the first other venue by name.
func (g *Guardian) fallbackVenue(occupied core.Venue) core.Venue {
	if g.preferredVenue != "" && g.preferredVenue != occupied {
		if _, ok := g.venues[g.preferredVenue]; ok {
			return g.preferredVenue
		}
	}
	names := make([]core.Venue, 0, len(g.venues))
	for v := range g.venues {
		if v != occupied {
			names = append(names, v)
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names[0]
}

// missingVenue resolves which venue of the stored pair needs the new
// leg. When the existing position sits on neither recorded venue the
// side decides: a lone LONG needs its SHORT on the pair's short venue
// and vice versa.
func missingVenue(rec *retryRecord, pos *core.Position) core.Venue {
	switch pos.Venue {
	case rec.longVenue:
		return rec.shortVenue
	case rec.shortVenue:
		return rec.longVenue
	}
	if pos.Side == core.SideLong {
		return rec.shortVenue
	}
	return rec.longVenue
}

func (g *Guardian) bumpRetry(symbol core.Symbol) {
	g.retryMu.Lock()
	defer g.retryMu.Unlock()
	if rec, ok := g.retries[symbol]; ok {
		rec.retryCount++
	}
}

// hasPendingOrder reports whether the venue already shows a live order
// of the wanted side for the symbol.
func (g *Guardian) hasPendingOrder(ctx context.Context, ex core.IExchange, symbol core.Symbol, side core.Side) (bool, error) {
	orders, err := ex.GetOpenOrders(ctx)
	if err != nil {
		return false, fmt.Errorf("open orders: %w", err)
	}
	for _, o := range orders {
		if core.NormalizeSymbol(string(o.Symbol)) == symbol && o.Side == side && !o.Status.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

// CloseSingleLeg gives up on restoring a pair and flattens the lone
// position instead. Pending orders for the symbol on every other venue
// are cancelled first so no counterpart can fill after the close.
func (g *Guardian) CloseSingleLeg(ctx context.Context, pos *core.Position) error {
	if pos == nil || pos.Size.IsZero() {
		return nil
	}
	symbol := core.NormalizeSymbol(string(pos.Symbol))

	for venue, ex := range g.venues {
		if venue == pos.Venue {
			continue
		}
		orders, err := ex.GetOpenOrders(ctx)
		if err != nil {
			g.logger.Warn("Could not sweep venue before single-leg close",
				"venue", venue,
				"error", err.Error())
			continue
		}
		for _, o := range orders {
			if core.NormalizeSymbol(string(o.Symbol)) != symbol || o.Status.IsTerminal() {
				continue
			}
			cancelled, err := ex.CancelOrder(ctx, o.OrderID, o.Symbol)
			if err != nil {
				g.logger.Error("Failed to cancel counterpart order before close",
					"venue", venue,
					"order_id", o.OrderID,
					"error", err.Error())
				continue
			}
			if cancelled {
				telemetry.GetGlobalMetrics().IncOrdersCancelled(string(venue))
				g.registry.UpdateOrderStatus(venue, o.Symbol, o.Side, execution.LockCancelled, o.OrderID)
				g.logger.Info("Cancelled counterpart order before close",
					"venue", venue,
					"symbol", symbol,
					"order_id", o.OrderID)
			}
		}
	}

	ex, ok := g.venues[pos.Venue]
	if !ok {
		return fmt.Errorf("no adapter for venue %s", pos.Venue)
	}
	mark, err := ex.GetMarkPrice(ctx, symbol)
	if err != nil {
		return fmt.Errorf("close mark for %s on %s: %w", symbol, pos.Venue, err)
	}

	closeSide := pos.Side.Opposite()
	size := pos.Size.Abs()
	clientID := uuid.NewString()
	threadID := execution.NewThreadID("close", symbol)
	if err := g.registry.RegisterOrderPlacing(clientID, symbol, pos.Venue, closeSide, threadID, size, mark); err != nil {
		return fmt.Errorf("close already underway for %s on %s: %w", symbol, pos.Venue, err)
	}

	resp, err := ex.PlaceOrder(ctx, &core.OrderRequest{
		Symbol:        symbol,
		Venue:         pos.Venue,
		Side:          closeSide,
		Type:          core.OrderTypeLimit,
		Size:          size,
		Price:         mark,
		TimeInForce:   core.TIFGoodTilCancel,
		ReduceOnly:    true,
		ClientOrderID: clientID,
	})
	if err != nil {
		g.registry.UpdateOrderStatus(pos.Venue, symbol, closeSide, execution.LockFailed, "")
		telemetry.GetGlobalMetrics().IncOrdersFailed(string(pos.Venue))
		return fmt.Errorf("single-leg close on %s: %w", pos.Venue, err)
	}
	telemetry.GetGlobalMetrics().IncOrdersPlaced(string(pos.Venue))
	g.registry.UpdateOrderStatus(pos.Venue, symbol, closeSide, execution.LockStatusFromOrder(resp.Status), resp.OrderID)
	g.ClearRetry(symbol)
	g.logger.Warn("Single-leg close placed",
		"symbol", symbol,
		"venue", pos.Venue,
		"side", closeSide,
		"size", size.String(),
		"price", mark.String(),
		"order_id", resp.OrderID)
	return nil
}
