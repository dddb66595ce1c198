// Package exchange constructs venue adapters. The venue set is closed:
// a tag either maps to a constructor here or the configuration is
// rejected at startup.
package exchange

import (
	"fmt"
	"strings"

	"funding_keeper/internal/config"
	"funding_keeper/internal/core"
	"funding_keeper/internal/exchange/extended"
	"funding_keeper/internal/exchange/hyperliquid"
	"funding_keeper/internal/exchange/lighter"
	"funding_keeper/internal/mock"
)

// New creates a venue adapter by tag. The mock venue needs no
// configuration section and is intended for dry runs and tests.
func New(name string, cfg *config.Config, logger core.ILogger, clock core.Clock) (core.IExchange, error) {
	tag := strings.ToLower(strings.TrimSpace(name))
	if tag == "mock" {
		return mock.NewExchange(core.Venue("mock"), clock), nil
	}

	venueCfg, err := cfg.GetVenueConfig(tag)
	if err != nil {
		return nil, err
	}

	switch core.Venue(tag) {
	case core.VenueHyperliquid:
		return hyperliquid.New(venueCfg, &cfg.Cache, logger, clock)
	case core.VenueLighter:
		return lighter.New(venueCfg, &cfg.Cache, logger, clock)
	case core.VenueExtended:
		return extended.New(venueCfg, &cfg.Cache, logger, clock)
	default:
		return nil, fmt.Errorf("unsupported venue: %s", name)
	}
}

// NewAll creates adapters for every active venue in configuration.
func NewAll(cfg *config.Config, logger core.ILogger, clock core.Clock) (map[core.Venue]core.IExchange, error) {
	out := make(map[core.Venue]core.IExchange, len(cfg.App.ActiveVenues))
	for _, name := range cfg.App.ActiveVenues {
		ex, err := New(name, cfg, logger, clock)
		if err != nil {
			return nil, fmt.Errorf("venue %s: %w", name, err)
		}
		out[ex.Venue()] = ex
	}
	return out, nil
}
