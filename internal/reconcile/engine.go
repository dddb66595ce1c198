// Package reconcile verifies venue reality against the book's own
// predictions. The engine runs a short fixed-interval pass that refreshes
// actual positions, classifies every outstanding expectation, measures
// hedge-pair leg drift, and expires stale records. The only orders it
// ever places are cancels of unfilled orders; every other corrective
// action is reported in the pass result for the control plane to act on.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"funding_keeper/internal/config"
	"funding_keeper/internal/core"
	"funding_keeper/internal/execution"
	"funding_keeper/internal/market"
	"funding_keeper/pkg/telemetry"
)

// ErrPassInProgress is returned when a pass is requested while the
// previous one is still running. Ticks are single-instance; callers skip
// the tick rather than queue behind it.
var ErrPassInProgress = errors.New("reconciliation pass already in progress")

// Engine owns the expectation and hedge-pair books. Registration hooks
// are called by the control plane; everything else happens inside RunOnce.
type Engine struct {
	venues   map[core.Venue]core.IExchange
	cache    *market.Cache
	registry *execution.LockRegistry
	logger   core.ILogger
	clock    core.Clock
	interval time.Duration
	th       thresholds

	// passMu serializes passes. TryLock makes an overlapping tick a skip
	// instead of a queue.
	passMu sync.Mutex

	stateMu      sync.Mutex
	expectations map[string]*Expectation
	pairs        map[string]*HedgePair

	statusMu   sync.RWMutex
	lastResult *Result
}

// NewEngine builds the engine from the reconcile section of the config.
// The lock registry is optional; when present it is consulted before
// cancelling so an order another component is actively managing is left
// alone.
func NewEngine(venues map[core.Venue]core.IExchange, cache *market.Cache, registry *execution.LockRegistry, cfg *config.Config, logger core.ILogger, clock core.Clock) *Engine {
	if clock == nil {
		clock = core.RealClock{}
	}
	rc := cfg.Reconcile
	return &Engine{
		venues:   venues,
		cache:    cache,
		registry: registry,
		logger:   logger.WithField("component", "reconciler"),
		clock:    clock,
		interval: time.Duration(rc.IntervalSeconds) * time.Second,
		th: thresholds{
			matchTolerancePct: decimal.NewFromFloat(rc.MatchTolerancePercent),
			partialFillPct:    decimal.NewFromFloat(rc.PartialFillPercent),
			overfillPct:       decimal.NewFromFloat(rc.OverfillPercent),
			rebalanceMinPct:   decimal.NewFromFloat(rc.RebalanceMinExcessPercent),
			imbalanceAlarmPct: decimal.NewFromFloat(rc.ImbalanceThresholdPercent),
			noFillAge:         time.Duration(rc.NoFillAgeSeconds) * time.Second,
			verifiedTTL:       time.Duration(rc.VerifiedTTLSeconds) * time.Second,
			staleTTL:          time.Duration(rc.StaleTTLSeconds) * time.Second,
			dust:              decimal.NewFromFloat(rc.DustSize),
		},
		expectations: make(map[string]*Expectation),
		pairs:        make(map[string]*HedgePair),
		lastResult:   &Result{Status: StatusNeverRun},
	}
}

// Interval returns the configured pass period for the loop driver.
func (e *Engine) Interval() time.Duration {
	return e.interval
}

// RegisterExpectation records that the position on venue/symbol should
// reach the given size once orderID fills. Returns the expectation id.
func (e *Engine) RegisterExpectation(venue core.Venue, symbol core.Symbol, side core.Side, expected decimal.Decimal, orderID, threadID string) (string, error) {
	if !expected.IsPositive() {
		return "", fmt.Errorf("expected size must be positive, got %s", expected)
	}
	exp := &Expectation{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Venue:     venue,
		Symbol:    core.NormalizeSymbol(string(symbol)),
		Side:      side,
		Expected:  expected,
		OrderID:   orderID,
		CreatedAt: e.clock.Now(),
	}
	e.stateMu.Lock()
	e.expectations[exp.ID] = exp
	open := len(e.expectations)
	e.stateMu.Unlock()
	telemetry.GetGlobalMetrics().SetOpenExpectations(int64(open))
	return exp.ID, nil
}

// ClearExpectation drops one expectation. Used when the operation that
// produced it is rolled back before verification matters.
func (e *Engine) ClearExpectation(id string) bool {
	e.stateMu.Lock()
	_, ok := e.expectations[id]
	delete(e.expectations, id)
	open := len(e.expectations)
	e.stateMu.Unlock()
	if ok {
		telemetry.GetGlobalMetrics().SetOpenExpectations(int64(open))
	}
	return ok
}

// ClearThread drops every expectation registered under one execution
// thread and returns how many were removed.
func (e *Engine) ClearThread(threadID string) int {
	e.stateMu.Lock()
	removed := 0
	for id, exp := range e.expectations {
		if exp.ThreadID == threadID {
			delete(e.expectations, id)
			removed++
		}
	}
	open := len(e.expectations)
	e.stateMu.Unlock()
	if removed > 0 {
		telemetry.GetGlobalMetrics().SetOpenExpectations(int64(open))
	}
	return removed
}

// RegisterPair records a delta-neutral pair for drift watching.
func (e *Engine) RegisterPair(symbol core.Symbol, longVenue, shortVenue core.Venue, size decimal.Decimal, threadID string) (string, error) {
	if longVenue == shortVenue {
		return "", fmt.Errorf("pair legs must sit on different venues, both on %s", longVenue)
	}
	if !size.IsPositive() {
		return "", fmt.Errorf("pair size must be positive, got %s", size)
	}
	pair := &HedgePair{
		ID:         uuid.NewString(),
		ThreadID:   threadID,
		Symbol:     core.NormalizeSymbol(string(symbol)),
		LongVenue:  longVenue,
		ShortVenue: shortVenue,
		Size:       size,
		CreatedAt:  e.clock.Now(),
	}
	e.stateMu.Lock()
	e.pairs[pair.ID] = pair
	e.stateMu.Unlock()
	return pair.ID, nil
}

// ClearPair removes a pair from the watch book.
func (e *Engine) ClearPair(id string) bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	_, ok := e.pairs[id]
	delete(e.pairs, id)
	return ok
}

// Expectations returns a snapshot of the open expectations, oldest first.
func (e *Engine) Expectations() []Expectation {
	e.stateMu.Lock()
	out := make([]Expectation, 0, len(e.expectations))
	for _, exp := range e.expectations {
		out = append(out, *exp)
	}
	e.stateMu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Pairs returns a snapshot of the registered pairs, oldest first.
func (e *Engine) Pairs() []HedgePair {
	e.stateMu.Lock()
	out := make([]HedgePair, 0, len(e.pairs))
	for _, p := range e.pairs {
		out = append(out, *p)
	}
	e.stateMu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// LastResult returns a copy of the most recent pass outcome.
func (e *Engine) LastResult() *Result {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.lastResult.clone()
}

// RunOnce performs a single reconciliation pass: refresh actuals, check
// expectations, measure pair drift, expire stale records. A pass already
// in flight makes this return ErrPassInProgress immediately.
func (e *Engine) RunOnce(ctx context.Context) (*Result, error) {
	if !e.passMu.TryLock() {
		return nil, ErrPassInProgress
	}
	defer e.passMu.Unlock()

	start := e.clock.Now()
	res := &Result{
		PassID:    fmt.Sprintf("rec_%d", start.UnixNano()),
		StartedAt: start,
	}

	if err := e.cache.RefreshAll(ctx, e.watchSymbols()); err != nil {
		res.Status = StatusFailed
		res.CompletedAt = e.clock.Now()
		e.storeResult(res)
		return res, fmt.Errorf("actuals refresh: %w", err)
	}

	e.checkExpectations(ctx, res)
	e.checkPairs(res)
	res.Expired = e.expireStale()

	res.Status = StatusCompleted
	res.CompletedAt = e.clock.Now()
	e.storeResult(res)

	m := telemetry.GetGlobalMetrics()
	m.ObserveReconcileDuration(res.CompletedAt.Sub(start).Seconds())
	m.SetOpenExpectations(int64(e.openCount()))

	e.logger.Info("Reconciliation pass completed",
		"id", res.PassID,
		"checks", len(res.Checks),
		"drifts", len(res.Drifts),
		"cancels", res.Cancels,
		"expired", res.Expired)
	return res, nil
}

// watchSymbols is the union of every symbol the books currently care
// about, handed to the market cache so actuals cover all of them.
func (e *Engine) watchSymbols() []core.Symbol {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	seen := make(map[core.Symbol]struct{}, len(e.expectations)+len(e.pairs))
	var out []core.Symbol
	for _, exp := range e.expectations {
		if _, ok := seen[exp.Symbol]; !ok {
			seen[exp.Symbol] = struct{}{}
			out = append(out, exp.Symbol)
		}
	}
	for _, p := range e.pairs {
		if _, ok := seen[p.Symbol]; !ok {
			seen[p.Symbol] = struct{}{}
			out = append(out, p.Symbol)
		}
	}
	return out
}

func (e *Engine) checkExpectations(ctx context.Context, res *Result) {
	now := e.clock.Now()
	e.stateMu.Lock()
	snapshot := make([]*Expectation, 0, len(e.expectations))
	for _, exp := range e.expectations {
		if !exp.Verified {
			snapshot = append(snapshot, exp)
		}
	}
	e.stateMu.Unlock()
	sort.Slice(snapshot, func(i, j int) bool {
		if !snapshot[i].CreatedAt.Equal(snapshot[j].CreatedAt) {
			return snapshot[i].CreatedAt.Before(snapshot[j].CreatedAt)
		}
		return snapshot[i].ID < snapshot[j].ID
	})

	for _, exp := range snapshot {
		actual := e.actualSize(exp)
		drift, deltaPct := classify(actual, exp.Expected, exp.Age(now), e.th)
		check := Check{Expectation: *exp, Actual: actual, Drift: drift, DeltaPercent: deltaPct}

		switch drift {
		case DriftMatched:
			e.markVerified(exp.ID)
			check.Expectation.Verified = true
		case DriftNoFill:
			check.Cancelled = e.cancelNoFill(ctx, exp)
			if check.Cancelled {
				res.Cancels++
			}
		case DriftPartial:
			e.logger.Warn("Position under-filled against expectation",
				"venue", exp.Venue,
				"symbol", exp.Symbol,
				"expected", exp.Expected.String(),
				"actual", actual.String())
		case DriftOverfill:
			// Never auto-unwound. Surfaced for a human to review.
			e.logger.Error("Position overfilled beyond expectation, manual review required",
				"venue", exp.Venue,
				"symbol", exp.Symbol,
				"expected", exp.Expected.String(),
				"actual", actual.String())
		}
		res.Checks = append(res.Checks, check)
	}
}

// actualSize projects the cached venue position onto the expectation's
// direction. Dust-sized and opposite-side positions count as zero; a
// side contradiction is logged since it means the venue disagrees about
// direction, not just amount.
func (e *Engine) actualSize(exp *Expectation) decimal.Decimal {
	pos := e.cache.Position(exp.Venue, exp.Symbol)
	if pos == nil {
		return decimal.Zero
	}
	signed := pos.SignedSize()
	if signed.Abs().LessThanOrEqual(e.th.dust) {
		return decimal.Zero
	}
	if exp.Side == core.SideShort {
		signed = signed.Neg()
	}
	if signed.IsNegative() {
		e.logger.Warn("Venue position side contradicts expectation",
			"venue", exp.Venue,
			"symbol", exp.Symbol,
			"expected_side", exp.Side,
			"venue_size", pos.SignedSize().String())
		return decimal.Zero
	}
	return signed
}

func (e *Engine) markVerified(id string) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if exp, ok := e.expectations[id]; ok {
		exp.Verified = true
	}
}

// cancelNoFill cancels the order behind an expectation that never filled.
// An order the lock registry still tracks as live is being managed by
// another component, so the cancel is deferred to it. On a successful
// cancel the expectation is dropped: its prediction can no longer come
// true.
func (e *Engine) cancelNoFill(ctx context.Context, exp *Expectation) bool {
	if exp.OrderID == "" {
		return false
	}
	if e.registry != nil && e.registry.KnownOrder(exp.Venue, exp.OrderID) {
		e.logger.Debug("Unfilled order still actively managed, deferring cancel",
			"venue", exp.Venue,
			"order_id", exp.OrderID)
		return false
	}
	ex, ok := e.venues[exp.Venue]
	if !ok {
		e.logger.Error("No adapter for expectation venue", "venue", exp.Venue)
		return false
	}
	cancelled, err := ex.CancelOrder(ctx, exp.OrderID, exp.Symbol)
	if err != nil {
		e.logger.Error("Failed to cancel unfilled order",
			"venue", exp.Venue,
			"symbol", exp.Symbol,
			"order_id", exp.OrderID,
			"error", err.Error())
		return false
	}
	if cancelled {
		telemetry.GetGlobalMetrics().IncOrdersCancelled(string(exp.Venue))
		e.logger.Info("Cancelled order that never filled",
			"venue", exp.Venue,
			"symbol", exp.Symbol,
			"order_id", exp.OrderID)
		e.stateMu.Lock()
		delete(e.expectations, exp.ID)
		e.stateMu.Unlock()
	}
	return cancelled
}

func (e *Engine) checkPairs(res *Result) {
	now := e.clock.Now()
	pairs := e.Pairs()

	for i := range pairs {
		pair := &pairs[i]
		longSize := e.legSize(pair.LongVenue, pair.Symbol)
		shortSize := e.legSize(pair.ShortVenue, pair.Symbol)

		if longSize.IsZero() && shortSize.IsZero() {
			res.FlatPairIDs = append(res.FlatPairIDs, pair.ID)
			continue
		}

		imbalance, pct := pairImbalance(longSize, shortSize)
		telemetry.GetGlobalMetrics().SetHedgeImbalance(string(pair.Symbol), pct.InexactFloat64())
		if pct.LessThanOrEqual(e.th.imbalanceAlarmPct) {
			continue
		}

		ev := DriftEvent{
			Pair:             *pair,
			LongSize:         longSize,
			ShortSize:        shortSize,
			Imbalance:        imbalance,
			ImbalancePercent: pct,
			At:               now,
		}
		if longSize.IsZero() || shortSize.IsZero() {
			ev.SingleLegged = true
			e.logger.Warn("Hedge pair lost a leg",
				"symbol", pair.Symbol,
				"long_venue", pair.LongVenue,
				"short_venue", pair.ShortVenue,
				"long_size", longSize.String(),
				"short_size", shortSize.String())
		} else {
			ev.Plan = planRebalance(pair, longSize, shortSize, e.th)
			e.logger.Warn("Hedge pair legs drifted apart",
				"symbol", pair.Symbol,
				"long_size", longSize.String(),
				"short_size", shortSize.String(),
				"imbalance_percent", pct.StringFixed(2))
		}
		res.Drifts = append(res.Drifts, ev)
	}
}

func (e *Engine) legSize(venue core.Venue, symbol core.Symbol) decimal.Decimal {
	pos := e.cache.Position(venue, symbol)
	if pos == nil {
		return decimal.Zero
	}
	size := pos.Size.Abs()
	if size.LessThanOrEqual(e.th.dust) {
		return decimal.Zero
	}
	return size
}

// expireStale deletes verified expectations past the verified TTL and
// warns about unverified ones past the stale TTL before dropping them.
func (e *Engine) expireStale() int {
	now := e.clock.Now()
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	removed := 0
	for id, exp := range e.expectations {
		age := exp.Age(now)
		switch {
		case exp.Verified && age > e.th.verifiedTTL:
			delete(e.expectations, id)
			removed++
		case !exp.Verified && age > e.th.staleTTL:
			e.logger.Warn("Dropping expectation that never verified",
				"venue", exp.Venue,
				"symbol", exp.Symbol,
				"order_id", exp.OrderID,
				"age", age.String())
			delete(e.expectations, id)
			removed++
		}
	}
	return removed
}

func (e *Engine) openCount() int {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return len(e.expectations)
}

func (e *Engine) storeResult(res *Result) {
	e.statusMu.Lock()
	e.lastResult = res
	e.statusMu.Unlock()
}

func (r *Result) clone() *Result {
	out := *r
	out.Checks = append([]Check(nil), r.Checks...)
	out.FlatPairIDs = append([]string(nil), r.FlatPairIDs...)
	out.Drifts = make([]DriftEvent, len(r.Drifts))
	for i, d := range r.Drifts {
		out.Drifts[i] = d
		if d.Plan != nil {
			plan := *d.Plan
			out.Drifts[i].Plan = &plan
		}
	}
	return &out
}
