package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"funding_keeper/internal/core"
	"funding_keeper/pkg/telemetry"
)

// NAVSnapshot is one equity sweep across the venues. The external NAV
// reporter consumes these; the keeper itself never touches the chain.
type NAVSnapshot struct {
	At     time.Time
	Venues map[core.Venue]decimal.Decimal
	Total  decimal.Decimal
}

// GetAllBalances reports per-venue equity and the total. Venues that
// fail to answer are skipped with a warning; it errors only when every
// venue does, since a NAV built on zero answers is worse than none.
func (s *Scheduler) GetAllBalances(ctx context.Context) (map[core.Venue]decimal.Decimal, decimal.Decimal, error) {
	balances := make(map[core.Venue]decimal.Decimal, len(s.venues))
	total := decimal.Zero
	var lastErr error
	for venue, ex := range s.venues {
		equity, err := ex.GetEquity(ctx)
		if err != nil {
			lastErr = err
			s.logger.Warn("Equity fetch failed",
				"venue", venue,
				"error", err.Error())
			continue
		}
		balances[venue] = equity
		total = total.Add(equity)
	}
	if len(balances) == 0 && lastErr != nil {
		return nil, decimal.Zero, fmt.Errorf("equity unavailable on every venue: %w", lastErr)
	}
	return balances, total, nil
}

// LastNAV returns the most recent snapshot, nil before the first sync.
func (s *Scheduler) LastNAV() *NAVSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastNAV
}

func (s *Scheduler) syncNAV(ctx context.Context) {
	balances, total, err := s.GetAllBalances(ctx)
	if err != nil {
		s.logger.Warn("NAV sync failed", "error", err.Error())
		return
	}
	for venue, equity := range balances {
		telemetry.GetGlobalMetrics().SetVenueEquity(string(venue), equity.InexactFloat64())
	}
	s.mu.Lock()
	s.lastNAV = &NAVSnapshot{At: s.clock.Now(), Venues: balances, Total: total}
	s.mu.Unlock()
	s.logger.Info("NAV snapshot",
		"total", total.StringFixed(2),
		"venues", len(balances))
}
