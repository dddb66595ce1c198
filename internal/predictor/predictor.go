// Package predictor supplies funding-rate comparisons across venues.
// The real prediction pipeline lives outside this process; the venue
// source here reads each adapter's current and next funding directly so
// the keeper can run without the external service.
package predictor

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"funding_keeper/internal/core"
)

// VenueSource implements core.IPredictor straight off the venue
// adapters. Venues that fail to answer are skipped with a warning; the
// comparison fails only when no venue answered at all.
type VenueSource struct {
	venues map[core.Venue]core.IExchange
	logger core.ILogger
}

func NewVenueSource(venues map[core.Venue]core.IExchange, logger core.ILogger) *VenueSource {
	return &VenueSource{
		venues: venues,
		logger: logger.WithField("component", "predictor"),
	}
}

// CompareFundingRates returns one entry per venue that quotes funding
// for the symbol, sorted by venue for stable output.
func (s *VenueSource) CompareFundingRates(ctx context.Context, symbol core.Symbol) ([]core.VenueRate, error) {
	rates := make([]core.VenueRate, 0, len(s.venues))
	for venue, ex := range s.venues {
		fr, err := ex.GetFundingRate(ctx, symbol)
		if err != nil {
			s.logger.Warn("Venue funding rate unavailable",
				"venue", venue,
				"symbol", symbol,
				"error", err.Error())
			continue
		}
		rates = append(rates, core.VenueRate{
			Venue:         venue,
			CurrentRate:   fr.CurrentRate,
			PredictedRate: fr.PredictedRate,
		})
	}
	if len(rates) == 0 {
		return nil, fmt.Errorf("no venue quotes funding for %s", symbol)
	}
	sort.Slice(rates, func(i, j int) bool { return rates[i].Venue < rates[j].Venue })
	return rates, nil
}

// SelectPair picks the venues for a funding pair: long where predicted
// funding is lowest (longs pay the least or collect), short where it is
// highest (shorts collect the most). Ties break lexicographically so
// the choice is stable. ok is false with fewer than two venues.
func SelectPair(rates []core.VenueRate) (longVenue, shortVenue core.Venue, ok bool) {
	if len(rates) < 2 {
		return "", "", false
	}
	sorted := append([]core.VenueRate(nil), rates...)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].PredictedRate.Equal(sorted[j].PredictedRate) {
			return sorted[i].PredictedRate.LessThan(sorted[j].PredictedRate)
		}
		return sorted[i].Venue < sorted[j].Venue
	})
	long, short := sorted[0], sorted[len(sorted)-1]
	if long.Venue == short.Venue {
		return "", "", false
	}
	return long.Venue, short.Venue, true
}

// PairDifferential is the predicted-rate gap the SelectPair pairing
// captures per funding interval. Zero when no pair exists.
func PairDifferential(rates []core.VenueRate) decimal.Decimal {
	if len(rates) < 2 {
		return decimal.Zero
	}
	low, high := rates[0].PredictedRate, rates[0].PredictedRate
	for _, r := range rates[1:] {
		if r.PredictedRate.LessThan(low) {
			low = r.PredictedRate
		}
		if r.PredictedRate.GreaterThan(high) {
			high = r.PredictedRate
		}
	}
	return high.Sub(low)
}
