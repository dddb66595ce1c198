package scheduler

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"funding_keeper/internal/alert"
	"funding_keeper/internal/core"
	"funding_keeper/internal/diag"
	"funding_keeper/internal/execution"
	"funding_keeper/internal/journal"
	"funding_keeper/internal/reconcile"
	"funding_keeper/pkg/telemetry"
)

// handleReconcileResult routes one pass's findings. The engine only
// observes and cancels; every corrective order starts here.
func (s *Scheduler) handleReconcileResult(ctx context.Context, res *reconcile.Result) {
	if res == nil {
		return
	}
	s.publish(diag.NewReconcileMessage(res))

	for i := range res.Checks {
		check := &res.Checks[i]
		if check.Drift != reconcile.DriftOverfill {
			continue
		}
		// Overfills are never auto-corrected; a human reviews them.
		s.alert(ctx, "Position overfill",
			fmt.Sprintf("%s %s on %s holds %s against expected %s",
				check.Expectation.Symbol, check.Expectation.Side, check.Expectation.Venue,
				check.Actual.String(), check.Expectation.Expected.String()),
			alert.Error,
			map[string]string{
				"venue":  string(check.Expectation.Venue),
				"symbol": string(check.Expectation.Symbol),
			})
	}

	for i := range res.Drifts {
		s.handleDrift(ctx, &res.Drifts[i])
	}

	if len(res.FlatPairIDs) > 0 {
		s.clearFlatPairs(res.FlatPairIDs)
	}
}

func (s *Scheduler) handleDrift(ctx context.Context, drift *reconcile.DriftEvent) {
	pair := drift.Pair
	s.alert(ctx, "Hedge pair drift",
		fmt.Sprintf("%s legs at %s long / %s short (%s%% apart)",
			pair.Symbol, drift.LongSize.String(), drift.ShortSize.String(),
			drift.ImbalancePercent.StringFixed(2)),
		alert.Warning,
		map[string]string{
			"symbol":      string(pair.Symbol),
			"long_venue":  string(pair.LongVenue),
			"short_venue": string(pair.ShortVenue),
		})

	switch {
	case drift.SingleLegged:
		s.recoverSingleLeg(ctx, drift)
	case drift.Plan != nil:
		s.placeRebalance(ctx, drift.Plan)
	}
}

// recoverSingleLeg hands a pair that lost a whole leg to the guardian.
// Once the retry budget is spent the surviving leg is closed so it
// stops accruing naked exposure.
func (s *Scheduler) recoverSingleLeg(ctx context.Context, drift *reconcile.DriftEvent) {
	pair := drift.Pair
	survivor := s.cache.Position(pair.LongVenue, pair.Symbol)
	if survivor == nil {
		survivor = s.cache.Position(pair.ShortVenue, pair.Symbol)
	}
	if survivor == nil {
		// Both legs gone since the pass ran; the pair will come back
		// flat next time and be cleared.
		return
	}

	retryable, err := s.guardian.TryOpenMissingSide(ctx, survivor)
	if err != nil {
		s.logger.Warn("Single-leg recovery attempt failed",
			"symbol", pair.Symbol,
			"venue", survivor.Venue,
			"error", err.Error())
		return
	}
	if retryable {
		return
	}

	s.alert(ctx, "Single-leg recovery exhausted",
		fmt.Sprintf("closing lone %s %s leg on %s after repeated recovery failures",
			pair.Symbol, survivor.Side, survivor.Venue),
		alert.Error,
		map[string]string{
			"symbol": string(pair.Symbol),
			"venue":  string(survivor.Venue),
		})
	if err := s.guardian.CloseSingleLeg(ctx, survivor); err != nil {
		s.logger.Error("Single-leg close failed",
			"symbol", pair.Symbol,
			"venue", survivor.Venue,
			"error", err.Error())
		return
	}
	s.journalEntry(ctx, journal.Entry{
		Kind:   journal.KindRecovery,
		Venue:  survivor.Venue,
		Symbol: survivor.Symbol,
		Side:   survivor.Side,
		Size:   survivor.Size.Abs(),
		Note:   "single-leg close after retries exhausted",
	})
}

// placeRebalance shrinks the larger leg of a drifted pair with one
// reduce-only LIMIT at mark. The plan's side is already the closing
// side. Reduce-only orders run even on a tripped venue.
func (s *Scheduler) placeRebalance(ctx context.Context, plan *reconcile.RebalancePlan) {
	ex, err := s.venueFor(plan.Venue)
	if err != nil {
		s.logger.Error("Rebalance plan names unknown venue", "venue", plan.Venue)
		return
	}
	mark, ok := s.cache.Mark(plan.Venue, plan.Symbol)
	if !ok || !mark.IsPositive() {
		s.logger.Warn("No mark for rebalance, retrying next pass",
			"venue", plan.Venue,
			"symbol", plan.Symbol)
		return
	}

	threadID := execution.NewThreadID("rebalance", plan.Symbol)
	clientID := uuid.NewString()
	if err := s.registry.RegisterOrderPlacing(clientID, plan.Symbol, plan.Venue, plan.Side, threadID, plan.Size, mark); err != nil {
		// Another operation owns the key; the drift will be rechecked
		// once that order settles.
		s.logger.Debug("Rebalance key busy",
			"venue", plan.Venue,
			"symbol", plan.Symbol,
			"side", plan.Side)
		return
	}

	resp, err := ex.PlaceOrder(ctx, &core.OrderRequest{
		Symbol:        plan.Symbol,
		Venue:         plan.Venue,
		Side:          plan.Side,
		Type:          core.OrderTypeLimit,
		Size:          plan.Size,
		Price:         mark,
		TimeInForce:   core.TIFGoodTilCancel,
		ReduceOnly:    true,
		ClientOrderID: clientID,
	})
	if err != nil {
		s.registry.UpdateOrderStatus(plan.Venue, plan.Symbol, plan.Side, execution.LockFailed, "")
		telemetry.GetGlobalMetrics().IncOrdersFailed(string(plan.Venue))
		s.logger.Error("Rebalance order failed",
			"venue", plan.Venue,
			"symbol", plan.Symbol,
			"error", err.Error())
		return
	}
	telemetry.GetGlobalMetrics().IncOrdersPlaced(string(plan.Venue))
	s.registry.UpdateOrderStatus(plan.Venue, plan.Symbol, plan.Side, execution.LockStatusFromOrder(resp.Status), resp.OrderID)

	s.journalEntry(ctx, journal.Entry{
		Kind:     journal.KindPlacement,
		Venue:    plan.Venue,
		Symbol:   plan.Symbol,
		Side:     plan.Side,
		OrderID:  resp.OrderID,
		ThreadID: threadID,
		Size:     plan.Size,
		Price:    mark,
		Note:     "drift rebalance",
	})
	s.logger.Info("Placed rebalance reduction",
		"venue", plan.Venue,
		"symbol", plan.Symbol,
		"side", plan.Side,
		"size", plan.Size.String(),
		"order_id", resp.OrderID)
}

// clearFlatPairs forgets pairs whose legs are gone on both venues,
// unless an opening or sizing task is in flight: a pair can look flat
// in the instant between registration and first fill, and dropping it
// then would orphan the positions that land a moment later.
func (s *Scheduler) clearFlatPairs(ids []string) {
	s.mu.Lock()
	busy := s.activeExecutions > 0
	s.mu.Unlock()
	if busy {
		s.logger.Debug("Deferring flat-pair cleanup, executions in flight", "pairs", len(ids))
		return
	}
	for _, id := range ids {
		if s.reconcile.ClearPair(id) {
			s.logger.Info("Cleared flat hedge pair", "pair_id", id)
		}
	}
}
