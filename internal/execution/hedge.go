package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"funding_keeper/internal/config"
	"funding_keeper/internal/core"
	"funding_keeper/pkg/telemetry"
)

// Abort reasons reported in HedgeResult and on the slice metrics.
const (
	AbortFirstLegLockHeld  = "first leg lock held"
	AbortFirstLegFailed    = "first leg placement failed"
	AbortFirstLegUnderfill = "first leg underfilled"
	AbortSecondLegFailed   = "second leg placement failed"
	AbortSecondLegUnfilled = "second leg unfilled"
	AbortSliceImbalance    = "slice imbalance exceeded"
	AbortCancelled         = "execution cancelled"
)

var (
	hundred = decimal.NewFromInt(100)
	// First leg must reach half the slice before the hedge continues.
	firstLegMinFill = decimal.RequireFromString("0.5")
	// Overall success tolerates up to 2% residual delta of total size.
	finalImbalancePercent = decimal.NewFromInt(2)
	// Position-compare fallback accepts a 5% deviation from expected.
	fallbackTolerance = decimal.RequireFromString("0.05")
)

// HedgeRequest describes one hedged operation: open (or close, with
// ReduceOnly) a matched LONG/SHORT pair of the same size on two venues.
type HedgeRequest struct {
	Symbol     core.Symbol
	LongVenue  core.Venue
	ShortVenue core.Venue
	Size       decimal.Decimal
	LongPrice  decimal.Decimal
	ShortPrice decimal.Decimal
	ReduceOnly bool
	// Op prefixes the thread id, e.g. "open" or "unwind".
	Op string
	// Slices overrides the configured slice count when positive.
	Slices int
}

// HedgeResult reports per-leg fills and the overall outcome. Fills are
// kept even when the run aborts; the reconciler levels any residue.
type HedgeResult struct {
	ThreadID        string
	LongFilled      decimal.Decimal
	ShortFilled     decimal.Decimal
	LongAvgPrice    decimal.Decimal
	ShortAvgPrice   decimal.Decimal
	CompletedSlices int
	Success         bool
	AbortReason     string
	RollbackPlaced  bool
}

// ImbalancePercent returns |long - short| / total in percent.
func (r *HedgeResult) ImbalancePercent(total decimal.Decimal) decimal.Decimal {
	if total.IsZero() {
		return decimal.Zero
	}
	return r.LongFilled.Sub(r.ShortFilled).Abs().Div(total).Mul(hundred)
}

// TripGuard lets the executor consult the venue trip switch before
// committing an order and report how the venue behaved. A nil guard
// allows everything.
type TripGuard interface {
	Allow(venue core.Venue) error
	RecordFailure(venue core.Venue, err error)
	RecordSuccess(venue core.Venue)
}

// HedgedExecutor places matched leg pairs slice by slice. It owns no
// goroutines; every call runs synchronously on the caller's context so
// the scheduler can bound concurrent executions.
type HedgedExecutor struct {
	venues   map[core.Venue]core.IExchange
	registry *LockRegistry
	cfg      *config.Config
	logger   core.ILogger
	clock    core.Clock
	guard    TripGuard
}

// NewHedgedExecutor wires an executor over the venue set.
func NewHedgedExecutor(venues map[core.Venue]core.IExchange, registry *LockRegistry, cfg *config.Config, logger core.ILogger, clock core.Clock) *HedgedExecutor {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &HedgedExecutor{
		venues:   venues,
		registry: registry,
		cfg:      cfg,
		logger:   logger.WithField("component", "hedged_executor"),
		clock:    clock,
	}
}

// SetTripGuard installs the venue breaker. Optional; executions built
// for tests usually run without one.
func (x *HedgedExecutor) SetTripGuard(g TripGuard) {
	x.guard = g
}

type leg struct {
	venue core.Venue
	side  core.Side
	price decimal.Decimal
}

type sliceOutcome struct {
	firstFilled    decimal.Decimal
	secondFilled   decimal.Decimal
	firstNotional  decimal.Decimal
	secondNotional decimal.Decimal
	abortReason    string
	rollbackPlaced bool
}

// Execute runs the full multi-slice hedge. Operational failures come
// back inside the result with an abort reason; the error is non-nil
// only for invalid input or a dead context, and a cancelled run still
// returns its partial result.
func (x *HedgedExecutor) Execute(ctx context.Context, req *HedgeRequest) (*HedgeResult, error) {
	if err := x.validate(req); err != nil {
		return nil, err
	}
	symbol := core.NormalizeSymbol(string(req.Symbol))

	op := req.Op
	if op == "" {
		op = "open"
	}
	slices := req.Slices
	if slices <= 0 {
		slices = x.cfg.Execution.NumberOfSlices
	}

	threadID := NewThreadID(op, symbol)
	logger := x.logger.WithFields(map[string]interface{}{"thread_id": threadID, "symbol": symbol})
	logger.Info("Starting hedged execution",
		"long_venue", req.LongVenue, "short_venue", req.ShortVenue,
		"size", req.Size, "slices", slices, "reduce_only", req.ReduceOnly)

	first, second := x.legOrder(req)
	sliceSizes := splitSize(req.Size, slices)
	result := &HedgeResult{ThreadID: threadID}
	var longNotional, shortNotional decimal.Decimal

	for i, sliceSize := range sliceSizes {
		if i > 0 {
			if err := x.clock.Sleep(ctx, time.Duration(x.cfg.Execution.InterSliceDelayMs)*time.Millisecond); err != nil {
				result.AbortReason = AbortCancelled
				break
			}
			x.refreshLegPrice(ctx, &first, symbol, logger)
			x.refreshLegPrice(ctx, &second, symbol, logger)
		}

		out := x.executeSlice(ctx, threadID, symbol, first, second, sliceSize, req.ReduceOnly, logger)
		if first.side == core.SideLong {
			result.LongFilled = result.LongFilled.Add(out.firstFilled)
			result.ShortFilled = result.ShortFilled.Add(out.secondFilled)
			longNotional = longNotional.Add(out.firstNotional)
			shortNotional = shortNotional.Add(out.secondNotional)
		} else {
			result.LongFilled = result.LongFilled.Add(out.secondFilled)
			result.ShortFilled = result.ShortFilled.Add(out.firstFilled)
			longNotional = longNotional.Add(out.secondNotional)
			shortNotional = shortNotional.Add(out.firstNotional)
		}
		result.RollbackPlaced = result.RollbackPlaced || out.rollbackPlaced

		if out.abortReason != "" {
			result.AbortReason = out.abortReason
			telemetry.GetGlobalMetrics().IncSlicesAborted(string(symbol), out.abortReason)
			break
		}
		result.CompletedSlices++
		telemetry.GetGlobalMetrics().IncSlicesCompleted(string(symbol))

		sliceDelta := out.firstFilled.Sub(out.secondFilled).Abs()
		if pct := sliceDelta.Div(sliceSize).Mul(hundred); pct.GreaterThan(decimal.NewFromFloat(x.cfg.Execution.MaxImbalancePercent)) {
			logger.Warn("Slice imbalance exceeded, aborting remaining slices",
				"slice", i+1, "imbalance_pct", pct)
			result.AbortReason = AbortSliceImbalance
			telemetry.GetGlobalMetrics().IncSlicesAborted(string(symbol), AbortSliceImbalance)
			break
		}
	}

	if result.LongFilled.IsPositive() {
		result.LongAvgPrice = longNotional.Div(result.LongFilled)
	}
	if result.ShortFilled.IsPositive() {
		result.ShortAvgPrice = shortNotional.Div(result.ShortFilled)
	}

	totalPct := result.ImbalancePercent(req.Size)
	result.Success = result.AbortReason == "" &&
		result.CompletedSlices == slices &&
		totalPct.LessThan(finalImbalancePercent)
	telemetry.GetGlobalMetrics().SetHedgeImbalance(string(symbol), totalPct.InexactFloat64())

	logger.Info("Hedged execution finished",
		"success", result.Success, "completed_slices", result.CompletedSlices,
		"long_filled", result.LongFilled, "short_filled", result.ShortFilled,
		"imbalance_pct", totalPct, "abort_reason", result.AbortReason)
	if err := ctx.Err(); err != nil {
		// Partial fills are still reported so the caller can journal
		// them before shutting down.
		return result, err
	}
	return result, nil
}

func (x *HedgedExecutor) validate(req *HedgeRequest) error {
	if req == nil {
		return fmt.Errorf("hedge request is nil")
	}
	if req.Size.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("hedge size must be positive, got %s", req.Size)
	}
	if req.LongVenue == req.ShortVenue {
		return fmt.Errorf("hedge legs must be on different venues, got %s twice", req.LongVenue)
	}
	if _, ok := x.venues[req.LongVenue]; !ok {
		return fmt.Errorf("unknown long venue %q", req.LongVenue)
	}
	if _, ok := x.venues[req.ShortVenue]; !ok {
		return fmt.Errorf("unknown short venue %q", req.ShortVenue)
	}
	if req.LongPrice.LessThanOrEqual(decimal.Zero) || req.ShortPrice.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("hedge leg prices must be positive")
	}
	return nil
}

// legOrder returns the legs in placement order. The venue listed
// earliest in execution_order is judged hardest to fill and goes first;
// unlisted venues go last, the long leg breaking ties.
func (x *HedgedExecutor) legOrder(req *HedgeRequest) (leg, leg) {
	long := leg{venue: req.LongVenue, side: core.SideLong, price: req.LongPrice}
	short := leg{venue: req.ShortVenue, side: core.SideShort, price: req.ShortPrice}
	if x.venueRank(short.venue) < x.venueRank(long.venue) {
		return short, long
	}
	return long, short
}

func (x *HedgedExecutor) venueRank(venue core.Venue) int {
	for i, name := range x.cfg.App.ExecutionOrder {
		if name == string(venue) {
			return i
		}
	}
	return len(x.cfg.App.ExecutionOrder)
}

func splitSize(total decimal.Decimal, slices int) []decimal.Decimal {
	out := make([]decimal.Decimal, slices)
	base := total.Div(decimal.NewFromInt(int64(slices)))
	acc := decimal.Zero
	for i := 0; i < slices-1; i++ {
		out[i] = base
		acc = acc.Add(base)
	}
	out[slices-1] = total.Sub(acc)
	return out
}

func (x *HedgedExecutor) refreshLegPrice(ctx context.Context, l *leg, symbol core.Symbol, logger core.ILogger) {
	mark, err := x.venues[l.venue].GetMarkPrice(ctx, symbol)
	if err != nil {
		logger.Warn("Mark re-read failed, keeping previous slice price", "venue", l.venue, "error", err)
		return
	}
	l.price = mark
}

// executeSlice runs the single-slice algorithm: first leg, fill wait,
// underfill gate, second leg sized to the first fill, residual cancel,
// rollback when the second leg produces nothing.
func (x *HedgedExecutor) executeSlice(ctx context.Context, threadID string, symbol core.Symbol, first, second leg, sliceSize decimal.Decimal, reduceOnly bool, logger core.ILogger) sliceOutcome {
	var out sliceOutcome
	firstEx := x.venues[first.venue]
	secondEx := x.venues[second.venue]

	// Baseline before placement, for the position-compare fallback.
	firstBaseline, firstBaselineOK := x.signedPosition(ctx, firstEx, symbol)

	firstResp, err := x.placeLeg(ctx, firstEx, first, symbol, threadID, sliceSize, reduceOnly)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			out.abortReason = AbortFirstLegLockHeld
		} else {
			out.abortReason = AbortFirstLegFailed
		}
		logger.Error("First leg placement failed", "venue", first.venue, "error", err)
		return out
	}

	fill, err := x.settleLeg(ctx, firstEx, first, firstResp, symbol, sliceSize, firstBaseline, firstBaselineOK, logger)
	if err != nil {
		out.abortReason = AbortCancelled
		out.firstFilled = fill.filled
		out.firstNotional = fill.notional(first.price)
		return out
	}
	out.firstFilled = fill.filled
	out.firstNotional = fill.notional(first.price)

	if out.firstFilled.LessThan(sliceSize.Mul(firstLegMinFill)) {
		logger.Warn("First leg underfilled, aborting slice",
			"venue", first.venue, "filled", out.firstFilled, "slice_size", sliceSize)
		out.abortReason = AbortFirstLegUnderfill
		return out
	}

	secondBaseline, secondBaselineOK := x.signedPosition(ctx, secondEx, symbol)

	secondResp, err := x.placeLeg(ctx, secondEx, second, symbol, threadID, out.firstFilled, reduceOnly)
	if err != nil {
		logger.Error("Second leg placement failed, rolling back first leg",
			"venue", second.venue, "error", err)
		out.abortReason = AbortSecondLegFailed
		out.rollbackPlaced = x.rollbackFirstLeg(ctx, first, symbol, threadID, out.firstFilled, logger)
		return out
	}

	fill, err = x.settleLeg(ctx, secondEx, second, secondResp, symbol, out.firstFilled, secondBaseline, secondBaselineOK, logger)
	out.secondFilled = fill.filled
	out.secondNotional = fill.notional(second.price)
	if err != nil {
		out.abortReason = AbortCancelled
		return out
	}

	if out.secondFilled.IsZero() {
		logger.Warn("Second leg yielded no fill, rolling back first leg", "venue", second.venue)
		out.abortReason = AbortSecondLegUnfilled
		out.rollbackPlaced = x.rollbackFirstLeg(ctx, first, symbol, threadID, out.firstFilled, logger)
		return out
	}
	return out
}

// placeLeg takes the registry lock, submits a LIMIT GTC order and
// stamps the venue-assigned id. The lock is marked FAILED when the
// venue refuses the order.
func (x *HedgedExecutor) placeLeg(ctx context.Context, ex core.IExchange, l leg, symbol core.Symbol, threadID string, size decimal.Decimal, reduceOnly bool) (*core.OrderResponse, error) {
	// Reduce-only orders shrink exposure and go through even on a
	// tripped venue; the guard only blocks new risk.
	if x.guard != nil && !reduceOnly {
		if err := x.guard.Allow(l.venue); err != nil {
			return nil, err
		}
	}
	clientID := uuid.NewString()
	if err := x.registry.RegisterOrderPlacing(clientID, symbol, l.venue, l.side, threadID, size, l.price); err != nil {
		return nil, err
	}

	resp, err := ex.PlaceOrder(ctx, &core.OrderRequest{
		Symbol:        symbol,
		Side:          l.side,
		Type:          core.OrderTypeLimit,
		Size:          size,
		Price:         l.price,
		TimeInForce:   core.TIFGoodTilCancel,
		ReduceOnly:    reduceOnly,
		ClientOrderID: clientID,
	})
	if err != nil {
		x.registry.UpdateOrderStatus(l.venue, symbol, l.side, LockFailed, "")
		telemetry.GetGlobalMetrics().IncOrdersFailed(string(l.venue))
		if x.guard != nil {
			x.guard.RecordFailure(l.venue, err)
		}
		return nil, err
	}
	telemetry.GetGlobalMetrics().IncOrdersPlaced(string(l.venue))
	if x.guard != nil {
		x.guard.RecordSuccess(l.venue)
	}
	x.registry.UpdateOrderStatus(l.venue, symbol, l.side, LockStatusFromOrder(resp.Status), resp.OrderID)
	return resp, nil
}

type fillOutcome struct {
	filled   decimal.Decimal
	avgPrice decimal.Decimal
	status   core.OrderStatus
	live     bool
}

func (f fillOutcome) notional(fallbackPrice decimal.Decimal) decimal.Decimal {
	price := f.avgPrice
	if price.IsZero() {
		price = fallbackPrice
	}
	return f.filled.Mul(price)
}

// settleLeg waits for the order to fill and settles the registry lock:
// a still-live order at timeout has its remainder cancelled. The
// returned error is non-nil only for a dead context.
func (x *HedgedExecutor) settleLeg(ctx context.Context, ex core.IExchange, l leg, resp *core.OrderResponse, symbol core.Symbol, expected, baseline decimal.Decimal, baselineOK bool, logger core.ILogger) (fillOutcome, error) {
	placedAt := x.clock.Now()

	fill, err := x.waitForFill(ctx, ex, l, resp, symbol, expected, baseline, baselineOK, logger)
	if err != nil {
		// Dying context: shed the order with a short detached cancel.
		cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		x.cancelRemainder(cancelCtx, ex, l, resp.OrderID, symbol, &fill, logger)
		return fill, err
	}

	if fill.live {
		x.cancelRemainder(ctx, ex, l, resp.OrderID, symbol, &fill, logger)
	} else {
		x.registry.UpdateOrderStatus(l.venue, symbol, l.side, LockStatusFromOrder(fill.status), resp.OrderID)
		telemetry.GetGlobalMetrics().ObserveLegFillLatency(string(l.venue), x.clock.Now().Sub(placedAt).Seconds())
	}
	return fill, nil
}

// waitForFill polls order status until terminal or timeout. When every
// status read failed it falls back to comparing the position delta
// against the expected size within 5%.
func (x *HedgedExecutor) waitForFill(ctx context.Context, ex core.IExchange, l leg, resp *core.OrderResponse, symbol core.Symbol, expected, baseline decimal.Decimal, baselineOK bool, logger core.ILogger) (fillOutcome, error) {
	out := fillOutcome{status: resp.Status, filled: resp.FilledSize, avgPrice: resp.AvgFillPrice, live: true}
	if resp.Status.IsTerminal() {
		out.live = false
		return out, nil
	}

	interval := time.Duration(x.cfg.Execution.FillCheckIntervalMs) * time.Millisecond
	deadline := x.clock.Now().Add(time.Duration(x.cfg.Execution.SliceFillTimeoutMs) * time.Millisecond)

	var lastErr error
	for {
		if err := x.clock.Sleep(ctx, interval); err != nil {
			return out, err
		}
		status, err := ex.GetOrderStatus(ctx, resp.OrderID, symbol)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			lastErr = err
			logger.Warn("Order status poll failed", "venue", l.venue, "order_id", resp.OrderID, "error", err)
		} else {
			lastErr = nil
			out.filled = status.FilledSize
			out.avgPrice = status.AvgFillPrice
			out.status = status.Status
			if status.Status.IsTerminal() {
				out.live = false
				return out, nil
			}
		}
		if !x.clock.Now().Before(deadline) {
			break
		}
	}

	if lastErr != nil && baselineOK {
		if filled, ok := x.positionFallback(ctx, ex, l.side, symbol, expected, baseline, logger); ok {
			out.filled = filled
			out.status = core.OrderStatusFilled
			out.live = false
			return out, nil
		}
	}
	return out, nil
}

func (x *HedgedExecutor) signedPosition(ctx context.Context, ex core.IExchange, symbol core.Symbol) (decimal.Decimal, bool) {
	pos, err := ex.GetPosition(ctx, symbol)
	if err != nil {
		return decimal.Zero, false
	}
	if pos == nil {
		return decimal.Zero, true
	}
	return pos.SignedSize(), true
}

// positionFallback decides fill success from the venue position when
// order status is unavailable. The observed delta from the baseline
// must match the expected size in direction and within tolerance.
func (x *HedgedExecutor) positionFallback(ctx context.Context, ex core.IExchange, side core.Side, symbol core.Symbol, expected, baseline decimal.Decimal, logger core.ILogger) (decimal.Decimal, bool) {
	now, ok := x.signedPosition(ctx, ex, symbol)
	if !ok {
		return decimal.Zero, false
	}
	delta := now.Sub(baseline)
	if side == core.SideShort {
		delta = delta.Neg()
	}
	if delta.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, false
	}
	deviation := delta.Sub(expected).Abs()
	if deviation.GreaterThan(expected.Mul(fallbackTolerance)) {
		logger.Warn("Position fallback outside tolerance",
			"symbol", symbol, "expected", expected, "observed_delta", delta)
		return decimal.Zero, false
	}
	logger.Info("Fill confirmed via position fallback",
		"symbol", symbol, "expected", expected, "observed_delta", delta)
	return delta, true
}

// cancelRemainder cancels a still-live order and settles the lock with
// the final fill from a last status read.
func (x *HedgedExecutor) cancelRemainder(ctx context.Context, ex core.IExchange, l leg, orderID string, symbol core.Symbol, fill *fillOutcome, logger core.ILogger) {
	cancelled, err := ex.CancelOrder(ctx, orderID, symbol)
	if err != nil {
		logger.Warn("Cancel of unfilled remainder failed", "venue", l.venue, "order_id", orderID, "error", err)
	} else if cancelled {
		telemetry.GetGlobalMetrics().IncOrdersCancelled(string(l.venue))
	}

	// Fills can land between the last poll and the cancel.
	if status, err := ex.GetOrderStatus(ctx, orderID, symbol); err == nil {
		fill.filled = status.FilledSize
		fill.avgPrice = status.AvgFillPrice
		fill.status = status.Status
	}
	fill.live = false

	lockStatus := LockCancelled
	if fill.status == core.OrderStatusFilled {
		lockStatus = LockFilled
	}
	x.registry.UpdateOrderStatus(l.venue, symbol, l.side, lockStatus, orderID)
}

// rollbackFirstLeg places a reduce-only opposite-side LIMIT for the
// filled amount. Best-effort: the order is left resting for the
// guardian to drive, and a placement failure only logs.
func (x *HedgedExecutor) rollbackFirstLeg(ctx context.Context, first leg, symbol core.Symbol, threadID string, amount decimal.Decimal, logger core.ILogger) bool {
	if amount.LessThanOrEqual(decimal.Zero) {
		return false
	}
	ex := x.venues[first.venue]
	price := first.price
	if mark, err := ex.GetMarkPrice(ctx, symbol); err == nil {
		price = mark
	}
	back := leg{venue: first.venue, side: first.side.Opposite(), price: price}
	if _, err := x.placeLeg(ctx, ex, back, symbol, threadID, amount, true); err != nil {
		logger.Error("Rollback placement failed, position left exposed",
			"venue", first.venue, "symbol", symbol, "amount", amount, "error", err)
		return false
	}
	logger.Info("Rollback order placed", "venue", first.venue, "symbol", symbol, "amount", amount)
	return true
}
