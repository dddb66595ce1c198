package core

import "strings"

// Symbol is a normalized asset code: bare ticker, upper-case, stripped
// of quote-currency and perp suffixes. Venue-specific symbols (strings
// or integer market indexes) are resolved inside each adapter.
type Symbol string

// quote and contract suffixes stripped during normalization, longest
// match first so "ETHUSDT" does not stop at "USD".
var symbolSuffixes = []string{"USDT", "USDC", "-PERP", "PERP", "-USD", "USD"}

// NormalizeSymbol maps any venue spelling of an asset to its canonical
// form. The rule is fixed: upper-case, strip known suffixes until none
// remain. Normalization is idempotent.
func NormalizeSymbol(raw string) Symbol {
	s := strings.ToUpper(strings.TrimSpace(raw))
	for stripped := true; stripped; {
		stripped = false
		for _, suffix := range symbolSuffixes {
			if strings.HasSuffix(s, suffix) && len(s) > len(suffix) {
				s = strings.TrimSuffix(s, suffix)
				s = strings.TrimSuffix(s, "-")
				stripped = true
				break
			}
		}
	}
	return Symbol(s)
}

// SameAsset reports whether two raw symbol spellings normalize to the
// same asset.
func SameAsset(a, b string) bool {
	return NormalizeSymbol(a) == NormalizeSymbol(b)
}

func (s Symbol) String() string {
	return string(s)
}
