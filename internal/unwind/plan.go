// Package unwind frees requested amounts of capital by shrinking hedge
// pairs symmetrically, least profitable first. Both legs of a pair are
// reduced by the same size so the symbol's net delta survives the plan;
// unpaired positions are consumed only after every pair is exhausted.
package unwind

import (
	"sort"

	"github.com/shopspring/decimal"

	"funding_keeper/internal/core"
)

// fullCloseFraction snaps a reduction to a full close once it covers
// almost the whole pair, so no sub-percent stub is left behind.
var fullCloseFraction = decimal.RequireFromString("0.99")

var hundred = decimal.NewFromInt(100)

// candidatePair is a delta-neutral pair lifted from the position
// snapshot: same symbol, different venues, opposite sides, leg sizes
// within the pairing tolerance.
type candidatePair struct {
	long  *core.Position
	short *core.Position
}

func (p candidatePair) symbol() core.Symbol {
	return p.long.Symbol
}

func (p candidatePair) combinedPnl() decimal.Decimal {
	return p.long.UnrealizedPnl.Add(p.short.UnrealizedPnl)
}

// maxNeutralSize is the largest amount both legs can shrink by without
// flipping either one.
func (p candidatePair) maxNeutralSize() decimal.Decimal {
	l, s := p.long.Size.Abs(), p.short.Size.Abs()
	if l.LessThan(s) {
		return l
	}
	return s
}

// unitValue is the USD freed per unit reduced: both legs shrink, so one
// unit releases both venue marks.
func (p candidatePair) unitValue() decimal.Decimal {
	return p.long.MarkPrice.Add(p.short.MarkPrice)
}

func (p candidatePair) notional() decimal.Decimal {
	return p.maxNeutralSize().Mul(p.unitValue())
}

// partition splits a position snapshot into matched pairs and unpaired
// positions. Matching is greedy in venue order for determinism; a long
// and a short pair up when their sizes agree within tolerancePct of
// their average. Symbols are normalized in place, so callers hand in
// snapshot copies.
func partition(byVenue map[core.Venue][]*core.Position, tolerancePct decimal.Decimal) ([]candidatePair, []*core.Position) {
	longs := make(map[core.Symbol][]*core.Position)
	shorts := make(map[core.Symbol][]*core.Position)
	symbols := make(map[core.Symbol]struct{})

	for _, positions := range byVenue {
		for _, pos := range positions {
			if pos.Size.IsZero() {
				continue
			}
			sym := core.NormalizeSymbol(string(pos.Symbol))
			pos.Symbol = sym
			symbols[sym] = struct{}{}
			if pos.Side == core.SideLong {
				longs[sym] = append(longs[sym], pos)
			} else {
				shorts[sym] = append(shorts[sym], pos)
			}
		}
	}

	ordered := make([]core.Symbol, 0, len(symbols))
	for sym := range symbols {
		ordered = append(ordered, sym)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	var pairs []candidatePair
	var unpaired []*core.Position
	for _, sym := range ordered {
		l, s := longs[sym], shorts[sym]
		sort.Slice(l, func(i, j int) bool { return l[i].Venue < l[j].Venue })
		sort.Slice(s, func(i, j int) bool { return s[i].Venue < s[j].Venue })

		taken := make([]bool, len(s))
		for _, lp := range l {
			matched := false
			for i, sp := range s {
				if taken[i] || sp.Venue == lp.Venue {
					continue
				}
				if !sizesMatch(lp.Size.Abs(), sp.Size.Abs(), tolerancePct) {
					continue
				}
				pairs = append(pairs, candidatePair{long: lp, short: sp})
				taken[i] = true
				matched = true
				break
			}
			if !matched {
				unpaired = append(unpaired, lp)
			}
		}
		for i, sp := range s {
			if !taken[i] {
				unpaired = append(unpaired, sp)
			}
		}
	}
	return pairs, unpaired
}

func sizesMatch(a, b, tolerancePct decimal.Decimal) bool {
	avg := a.Add(b).Div(decimal.NewFromInt(2))
	if !avg.IsPositive() {
		return false
	}
	return a.Sub(b).Abs().Div(avg).Mul(hundred).LessThanOrEqual(tolerancePct)
}

// reduction is one sized shrink, for a pair (both legs) or a single
// position.
type reduction struct {
	size      decimal.Decimal
	freed     decimal.Decimal
	fullClose bool
}

// sizePairReduction sizes a symmetric shrink that frees up to
// amountNeeded USD. Reports not-ok when the pair cannot be priced or
// has nothing to give.
func sizePairReduction(amountNeeded decimal.Decimal, pair candidatePair) (reduction, bool) {
	unit := pair.unitValue()
	maxSize := pair.maxNeutralSize()
	if !unit.IsPositive() || !maxSize.IsPositive() || !amountNeeded.IsPositive() {
		return reduction{}, false
	}

	size := amountNeeded.Div(unit)
	if size.GreaterThan(maxSize) {
		size = maxSize
	}
	full := size.GreaterThanOrEqual(maxSize.Mul(fullCloseFraction))
	if full {
		size = maxSize
	}
	return reduction{size: size, freed: size.Mul(unit), fullClose: full}, true
}

// sizeSingleReduction sizes a one-leg shrink of an unpaired position.
func sizeSingleReduction(amountNeeded decimal.Decimal, pos *core.Position) (reduction, bool) {
	mark := pos.MarkPrice
	have := pos.Size.Abs()
	if !mark.IsPositive() || !have.IsPositive() || !amountNeeded.IsPositive() {
		return reduction{}, false
	}

	size := amountNeeded.Div(mark)
	if size.GreaterThan(have) {
		size = have
	}
	return reduction{size: size, freed: size.Mul(mark), fullClose: size.Equal(have)}, true
}
