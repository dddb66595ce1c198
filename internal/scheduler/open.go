package scheduler

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"funding_keeper/internal/alert"
	"funding_keeper/internal/core"
	"funding_keeper/internal/diag"
	"funding_keeper/internal/execution"
	"funding_keeper/internal/journal"
	"funding_keeper/internal/predictor"
	apperrors "funding_keeper/pkg/errors"
	"funding_keeper/pkg/telemetry"
)

// OpenPair opens one delta-neutral pair for the symbol: the predictor
// picks the venues, margin is verified on both sides, and the hedged
// executor does the rest. An abort that left one leg filled without a
// rollback is handed to the guardian immediately instead of waiting
// for the next reconciliation pass to notice.
func (s *Scheduler) OpenPair(ctx context.Context, symbol core.Symbol, size decimal.Decimal) (*execution.HedgeResult, error) {
	symbol = core.NormalizeSymbol(string(symbol))
	if !size.IsPositive() {
		return nil, fmt.Errorf("open size must be positive, got %s", size.String())
	}

	rates, err := s.predictor.CompareFundingRates(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("funding comparison for %s: %w", symbol, err)
	}
	longVenue, shortVenue, ok := predictor.SelectPair(s.tradableRates(rates))
	if !ok {
		return nil, fmt.Errorf("no tradable venue pair for %s", symbol)
	}

	longMark, err := s.markFor(ctx, longVenue, symbol)
	if err != nil {
		return nil, err
	}
	shortMark, err := s.markFor(ctx, shortVenue, symbol)
	if err != nil {
		return nil, err
	}
	if err := s.checkMargin(ctx, longVenue, size, longMark); err != nil {
		return nil, err
	}
	if err := s.checkMargin(ctx, shortVenue, size, shortMark); err != nil {
		return nil, err
	}

	s.beginExecution()
	defer s.endExecution()

	req := &execution.HedgeRequest{
		Symbol:     symbol,
		LongVenue:  longVenue,
		ShortVenue: shortVenue,
		Size:       size,
		LongPrice:  longMark,
		ShortPrice: shortMark,
		Op:         "open",
	}
	res, err := s.executor.Execute(ctx, req)
	if err != nil {
		return res, err
	}
	s.publish(diag.NewExecutionMessage(res))
	if !res.Success {
		s.afterAbort(ctx, req, res)
		return res, nil
	}
	s.recordOpen(ctx, req, res)
	return res, nil
}

// tradableRates drops venues the trip switch has sidelined. New
// exposure never opens on a tripped venue; existing positions there
// are still managed and closed as usual.
func (s *Scheduler) tradableRates(rates []core.VenueRate) []core.VenueRate {
	if s.trips == nil {
		return rates
	}
	out := make([]core.VenueRate, 0, len(rates))
	for _, r := range rates {
		if err := s.trips.Allow(r.Venue); err != nil {
			s.logger.Debug("Venue excluded from pair selection",
				"venue", r.Venue,
				"reason", err.Error())
			continue
		}
		out = append(out, r)
	}
	return out
}

// markFor prefers the cache and falls back to the venue when the
// cache has not seen the symbol yet.
func (s *Scheduler) markFor(ctx context.Context, venue core.Venue, symbol core.Symbol) (decimal.Decimal, error) {
	if mark, ok := s.cache.Mark(venue, symbol); ok && mark.IsPositive() {
		return mark, nil
	}
	ex, err := s.venueFor(venue)
	if err != nil {
		return decimal.Zero, err
	}
	mark, err := ex.GetMarkPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("mark price for %s on %s: %w", symbol, venue, err)
	}
	return mark, nil
}

// checkMargin verifies the venue can fund one leg at the configured
// leverage before anything is placed.
func (s *Scheduler) checkMargin(ctx context.Context, venue core.Venue, size, mark decimal.Decimal) error {
	ex, err := s.venueFor(venue)
	if err != nil {
		return err
	}
	balance, err := ex.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("balance check on %s: %w", venue, err)
	}
	required := size.Mul(mark).Div(decimal.NewFromInt(s.leverage()))
	if balance.LessThan(required) {
		return fmt.Errorf("%w: %s needs %s margin, has %s",
			apperrors.ErrInsufficientBalance, venue, required.StringFixed(2), balance.StringFixed(2))
	}
	return nil
}

func (s *Scheduler) leverage() int64 {
	l := s.cfg.Scheduler.MaxLeverage
	if l <= 0 {
		l = 1
	}
	return int64(l)
}

// recordOpen registers the verification state for a completed open:
// one expectation per leg at the filled size, and the hedge pair the
// reconciler watches from here on.
func (s *Scheduler) recordOpen(ctx context.Context, req *execution.HedgeRequest, res *execution.HedgeResult) {
	if _, err := s.reconcile.RegisterExpectation(req.LongVenue, req.Symbol, core.SideLong, res.LongFilled, "", res.ThreadID); err != nil {
		s.logger.Warn("Long expectation not registered",
			"venue", req.LongVenue,
			"symbol", req.Symbol,
			"error", err.Error())
	}
	if _, err := s.reconcile.RegisterExpectation(req.ShortVenue, req.Symbol, core.SideShort, res.ShortFilled, "", res.ThreadID); err != nil {
		s.logger.Warn("Short expectation not registered",
			"venue", req.ShortVenue,
			"symbol", req.Symbol,
			"error", err.Error())
	}
	if _, err := s.reconcile.RegisterPair(req.Symbol, req.LongVenue, req.ShortVenue, req.Size, res.ThreadID); err != nil {
		s.logger.Warn("Hedge pair not registered",
			"symbol", req.Symbol,
			"error", err.Error())
	}

	delta := res.LongFilled.Sub(res.ShortFilled)
	telemetry.GetGlobalMetrics().SetDeltaExposure(string(req.Symbol), delta.InexactFloat64())

	s.journalEntry(ctx, journal.Entry{
		Kind:     journal.KindFill,
		Venue:    req.LongVenue,
		Symbol:   req.Symbol,
		Side:     core.SideLong,
		ThreadID: res.ThreadID,
		Size:     res.LongFilled,
		Price:    res.LongAvgPrice,
		Note:     "hedge open long leg",
	})
	s.journalEntry(ctx, journal.Entry{
		Kind:     journal.KindFill,
		Venue:    req.ShortVenue,
		Symbol:   req.Symbol,
		Side:     core.SideShort,
		ThreadID: res.ThreadID,
		Size:     res.ShortFilled,
		Price:    res.ShortAvgPrice,
		Note:     "hedge open short leg",
	})
	s.logger.Info("Hedge pair opened",
		"symbol", req.Symbol,
		"long_venue", req.LongVenue,
		"short_venue", req.ShortVenue,
		"size", req.Size.String(),
		"thread_id", res.ThreadID)
}

// afterAbort pages the operator and, when the abort stranded exactly
// one filled leg with no rollback out, routes the naked position to
// the guardian right away.
func (s *Scheduler) afterAbort(ctx context.Context, req *execution.HedgeRequest, res *execution.HedgeResult) {
	s.alert(ctx, "Hedged open aborted",
		fmt.Sprintf("%s open aborted: %s (long %s, short %s filled)",
			req.Symbol, res.AbortReason, res.LongFilled.String(), res.ShortFilled.String()),
		alert.Error,
		map[string]string{
			"symbol":    string(req.Symbol),
			"reason":    res.AbortReason,
			"thread_id": res.ThreadID,
		})
	if res.RollbackPlaced {
		return
	}

	var pos *core.Position
	switch {
	case res.LongFilled.IsPositive() && res.ShortFilled.IsZero():
		pos = &core.Position{
			Venue:      req.LongVenue,
			Symbol:     req.Symbol,
			Side:       core.SideLong,
			Size:       res.LongFilled,
			EntryPrice: res.LongAvgPrice,
			MarkPrice:  req.LongPrice,
		}
	case res.ShortFilled.IsPositive() && res.LongFilled.IsZero():
		pos = &core.Position{
			Venue:      req.ShortVenue,
			Symbol:     req.Symbol,
			Side:       core.SideShort,
			Size:       res.ShortFilled,
			EntryPrice: res.ShortAvgPrice,
			MarkPrice:  req.ShortPrice,
		}
	default:
		return
	}

	s.journalEntry(ctx, journal.Entry{
		Kind:     journal.KindRecovery,
		Venue:    pos.Venue,
		Symbol:   pos.Symbol,
		Side:     pos.Side,
		ThreadID: res.ThreadID,
		Size:     pos.Size,
		Note:     "single leg after aborted open",
	})
	if _, err := s.guardian.TryOpenMissingSide(ctx, pos); err != nil {
		s.logger.Warn("Immediate single-leg recovery failed",
			"symbol", req.Symbol,
			"venue", pos.Venue,
			"error", err.Error())
	}
}

// DeployCycle sizes entrusted capital into one pair per configured
// symbol. Symbols without a mark or without two tradable venues are
// skipped; their share stays idle until the next deploy.
func (s *Scheduler) DeployCycle(ctx context.Context) {
	s.mu.Lock()
	capital := s.capital
	s.mu.Unlock()
	if !capital.IsPositive() || len(s.symbols) == 0 {
		return
	}
	legNotional := s.legNotional(capital)
	if !legNotional.IsPositive() {
		return
	}
	s.logger.Info("Deploy cycle started",
		"capital", capital.StringFixed(2),
		"leg_notional", legNotional.StringFixed(2),
		"symbols", len(s.symbols))

	for _, symbol := range s.symbols {
		mark, ok := s.anyMark(symbol)
		if !ok {
			s.logger.Warn("No mark anywhere, symbol skipped this deploy", "symbol", symbol)
			continue
		}
		size := legNotional.Div(mark)
		if !size.IsPositive() {
			continue
		}
		res, err := s.OpenPair(ctx, symbol, size)
		if err != nil {
			s.logger.Error("Deploy open failed",
				"symbol", symbol,
				"size", size.String(),
				"error", err.Error())
			if core.IsInsufficientBalance(err) {
				// Every symbol draws the same margin from the same
				// equity; the rest of the cycle would fail the same way.
				s.logger.Warn("Margin exhausted, deploy cycle stopped early",
					"symbol", symbol)
				break
			}
			continue
		}
		if !res.Success {
			s.logger.Warn("Deploy open aborted",
				"symbol", symbol,
				"reason", res.AbortReason)
		}
	}
}

// legNotional splits utilized capital at the configured leverage over
// every symbol's two legs.
func (s *Scheduler) legNotional(capital decimal.Decimal) decimal.Decimal {
	util := decimal.NewFromFloat(s.cfg.Scheduler.DeployUtilizationPercent).Div(hundred)
	legs := decimal.NewFromInt(int64(2 * len(s.symbols)))
	return capital.Mul(util).Mul(decimal.NewFromInt(s.leverage())).Div(legs)
}

// anyMark returns the first cached mark for the symbol on any venue.
// Venue marks track each other closely enough for sizing; execution
// prices are still looked up per venue.
func (s *Scheduler) anyMark(symbol core.Symbol) (decimal.Decimal, bool) {
	for venue := range s.venues {
		if mark, ok := s.cache.Mark(venue, symbol); ok && mark.IsPositive() {
			return mark, true
		}
	}
	return decimal.Zero, false
}

var hundred = decimal.NewFromInt(100)
