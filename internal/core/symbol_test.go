package core_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"funding_keeper/internal/core"
)

func TestNormalizeSymbol(t *testing.T) {
	cases := map[string]core.Symbol{
		"ETH":      "ETH",
		"eth":      "ETH",
		"ETHUSDT":  "ETH",
		"ETHUSDC":  "ETH",
		"ETH-PERP": "ETH",
		"ETHPERP":  "ETH",
		"ETH-USD":  "ETH",
		"ETHUSD":   "ETH",
		"ETH-USDT": "ETH",
		"btcusdt":  "BTC",
		"SOL-PERP": "SOL",
		" HYPE ":   "HYPE",
	}
	for raw, want := range cases {
		assert.Equal(t, want, core.NormalizeSymbol(raw), "input %q", raw)
	}
}

func TestNormalizeSymbolIdempotent(t *testing.T) {
	inputs := []string{"ETH", "ETHUSDT", "ETH-PERP", "ETH-USD", "ETHUSDC", "HYPE-SPOT", "ETHUSDTUSDT"}
	for _, raw := range inputs {
		once := core.NormalizeSymbol(raw)
		twice := core.NormalizeSymbol(string(once))
		assert.Equal(t, once, twice, "normalization must be idempotent for %q", raw)
	}
}

func TestNormalizeSymbolDoesNotEraseBareQuote(t *testing.T) {
	// A symbol that consists only of a suffix stays intact.
	assert.Equal(t, core.Symbol("USDT"), core.NormalizeSymbol("USDT"))
	assert.Equal(t, core.Symbol("USD"), core.NormalizeSymbol("usd"))
}

func TestSameAsset(t *testing.T) {
	assert.True(t, core.SameAsset("ETHUSDT", "ETH-PERP"))
	assert.True(t, core.SameAsset("eth", "ETH-USD"))
	assert.False(t, core.SameAsset("ETH", "BTC"))
}
