package reconcile

import (
	"time"

	"github.com/shopspring/decimal"

	"funding_keeper/internal/core"
)

// Drift classifies how far a venue's actual position sits from an
// expectation.
type Drift string

const (
	DriftMatched  Drift = "MATCHED"
	DriftNoFill   Drift = "NO_FILL"
	DriftPartial  Drift = "PARTIAL_FILL"
	DriftOverfill Drift = "OVERFILL"
)

// Expectation is a prediction of what a venue position should become once
// a placed order fills. It is registered by the control plane right after
// an execution completes and verified against venue reality every pass.
type Expectation struct {
	ID        string
	ThreadID  string
	Venue     core.Venue
	Symbol    core.Symbol
	Side      core.Side
	Expected  decimal.Decimal // unsigned target size
	OrderID   string
	CreatedAt time.Time
	Verified  bool
}

// Age returns how long the expectation has been outstanding.
func (e *Expectation) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

// HedgePair is a registered delta-neutral pair: same symbol, opposite
// sides, two venues. The engine watches the legs for size drift.
type HedgePair struct {
	ID         string
	ThreadID   string
	Symbol     core.Symbol
	LongVenue  core.Venue
	ShortVenue core.Venue
	Size       decimal.Decimal // intended per-leg size
	CreatedAt  time.Time
}

// Check is the outcome of comparing one expectation to the venue actual.
type Check struct {
	Expectation  Expectation
	Actual       decimal.Decimal
	Drift        Drift
	DeltaPercent decimal.Decimal
	Cancelled    bool
}

// RebalancePlan describes the reduce-only order that would bring a
// drifted pair back into balance. Side is the order side, which is the
// opposite of the leg being reduced.
type RebalancePlan struct {
	Venue  core.Venue
	Symbol core.Symbol
	Side   core.Side
	Size   decimal.Decimal
}

// DriftEvent records a pair whose legs have diverged past the alarm
// threshold. Plan is nil when the excess is too small to act on or when
// one leg is gone entirely (single-leg repair is the guardian's job).
type DriftEvent struct {
	Pair             HedgePair
	LongSize         decimal.Decimal
	ShortSize        decimal.Decimal
	Imbalance        decimal.Decimal
	ImbalancePercent decimal.Decimal
	SingleLegged     bool
	Plan             *RebalancePlan
	At               time.Time
}

// Result is the outcome of one reconciliation pass.
type Result struct {
	PassID      string
	Status      string
	StartedAt   time.Time
	CompletedAt time.Time
	Checks      []Check
	Drifts      []DriftEvent
	FlatPairIDs []string
	Cancels     int
	Expired     int
}

const (
	StatusNeverRun  = "never_run"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// thresholds bundles the classification knobs so the pure functions below
// stay independent of the config package.
type thresholds struct {
	matchTolerancePct decimal.Decimal
	partialFillPct    decimal.Decimal
	overfillPct       decimal.Decimal
	rebalanceMinPct   decimal.Decimal
	imbalanceAlarmPct decimal.Decimal
	noFillAge         time.Duration
	verifiedTTL       time.Duration
	staleTTL          time.Duration
	dust              decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

// classify compares an actual position size to its expectation.
//
// The cascade is ordered: a close match wins outright, a zero actual only
// becomes NO_FILL once the order has been outstanding strictly longer
// than the no-fill age (younger misses report as PARTIAL_FILL so nothing
// is cancelled prematurely), and anything between the partial and
// overfill bounds settles as MATCHED.
func classify(actual, expected decimal.Decimal, age time.Duration, th thresholds) (Drift, decimal.Decimal) {
	if !expected.IsPositive() {
		return DriftMatched, decimal.Zero
	}
	deltaPct := actual.Sub(expected).Abs().Div(expected).Mul(hundred)
	switch {
	case deltaPct.LessThan(th.matchTolerancePct):
		return DriftMatched, deltaPct
	case actual.IsZero() && age > th.noFillAge:
		return DriftNoFill, deltaPct
	case actual.Div(expected).Mul(hundred).LessThan(th.partialFillPct):
		return DriftPartial, deltaPct
	case actual.Div(expected).Mul(hundred).GreaterThan(th.overfillPct):
		return DriftOverfill, deltaPct
	default:
		return DriftMatched, deltaPct
	}
}

// pairImbalance computes the absolute and relative divergence between two
// leg magnitudes. The percentage is taken against the leg average.
func pairImbalance(longSize, shortSize decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	imbalance := longSize.Sub(shortSize).Abs()
	avg := longSize.Add(shortSize).Div(decimal.NewFromInt(2))
	if avg.IsZero() {
		return imbalance, decimal.Zero
	}
	return imbalance, imbalance.Div(avg).Mul(hundred)
}

// planRebalance builds the reduce-only order that trims the larger leg
// back down to the smaller one. Excesses at or below the minimum are left
// alone to avoid churn.
func planRebalance(pair *HedgePair, longSize, shortSize decimal.Decimal, th thresholds) *RebalancePlan {
	excess := longSize.Sub(shortSize).Abs()
	larger := decimal.Max(longSize, shortSize)
	if larger.IsZero() || excess.IsZero() {
		return nil
	}
	if excess.Div(larger).Mul(hundred).LessThanOrEqual(th.rebalanceMinPct) {
		return nil
	}
	plan := &RebalancePlan{Symbol: pair.Symbol, Size: excess}
	if longSize.GreaterThan(shortSize) {
		plan.Venue = pair.LongVenue
		plan.Side = core.SideShort
	} else {
		plan.Venue = pair.ShortVenue
		plan.Side = core.SideLong
	}
	return plan
}
