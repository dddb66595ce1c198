// Package base provides common functionality for venue adapters
package base

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"funding_keeper/internal/config"
	"funding_keeper/internal/core"
	apperrors "funding_keeper/pkg/errors"
	pkghttp "funding_keeper/pkg/http"
)

// ParseErrorFunc is a function type for venue-specific error parsing
type ParseErrorFunc func(body []byte) error

// MapOrderStatusFunc is a function type for venue-specific order status mapping
type MapOrderStatusFunc func(raw string) core.OrderStatus

// marketSlippage prices emulated market orders 0.2% through the mark.
var marketSlippage = decimal.NewFromFloat(0.002)

type markEntry struct {
	price decimal.Decimal
	at    time.Time
}

// Adapter provides request throttling, short-lived caching and
// market-order emulation shared by all venue adapters.
type Adapter struct {
	venue  core.Venue
	Cfg    *config.VenueConfig
	Logger core.ILogger
	HTTP   *pkghttp.Client
	Clock  core.Clock

	// Venue-specific functions to be set by concrete implementations
	ParseError     ParseErrorFunc
	MapOrderStatus MapOrderStatusFunc

	limiter *rate.Limiter

	balanceTTL time.Duration
	priceTTL   time.Duration
	symbolTTL  time.Duration

	mu        sync.RWMutex
	balance   *core.Balance
	balanceAt time.Time
	marks     map[core.Symbol]markEntry
	symbolsAt time.Time
}

// NewAdapter creates a new base adapter with common configuration
func NewAdapter(venue core.Venue, cfg *config.VenueConfig, cache *config.CacheConfig, signer pkghttp.Signer, logger core.ILogger, clock core.Clock) *Adapter {
	if clock == nil {
		clock = core.RealClock{}
	}
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond

	return &Adapter{
		venue:      venue,
		Cfg:        cfg,
		Logger:     logger.WithField("venue", string(venue)),
		HTTP:       pkghttp.NewClient(cfg.BaseURL, timeout, signer),
		Clock:      clock,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.RateBurst),
		balanceTTL: time.Duration(cache.BalanceTtlMs) * time.Millisecond,
		priceTTL:   time.Duration(cache.PriceTtlMs) * time.Millisecond,
		symbolTTL:  time.Duration(cache.SymbolTtlSeconds) * time.Second,
		marks:      make(map[core.Symbol]markEntry),
	}
}

// Venue returns the venue identifier
func (a *Adapter) Venue() core.Venue {
	return a.venue
}

// Throttle blocks until the venue rate limiter admits another request
func (a *Adapter) Throttle(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// Balance returns the cached balance when fresh, refreshing it through
// fetch otherwise. A stale value is served with a warning when the
// refresh fails, so one flaky balance endpoint does not stall the loops
// reading it.
func (a *Adapter) Balance(ctx context.Context, fetch func(context.Context) (*core.Balance, error)) (*core.Balance, error) {
	a.mu.RLock()
	cached := a.balance
	age := a.Clock.Now().Sub(a.balanceAt)
	a.mu.RUnlock()

	if cached != nil && age < a.balanceTTL {
		return cached, nil
	}

	fresh, err := fetch(ctx)
	if err != nil {
		if cached != nil {
			a.Logger.Warn("Balance refresh failed, serving stale value",
				"age", age.String(), "error", err)
			return cached, nil
		}
		return nil, err
	}

	a.mu.Lock()
	a.balance = fresh
	a.balanceAt = a.Clock.Now()
	a.mu.Unlock()

	return fresh, nil
}

// InvalidateBalance drops the cached balance so the next read refetches.
// Called after fills and transfers.
func (a *Adapter) InvalidateBalance() {
	a.mu.Lock()
	a.balance = nil
	a.balanceAt = time.Time{}
	a.mu.Unlock()
}

// MarkPrice returns the cached mark price when fresh, refreshing it
// through fetch otherwise, with the same stale-on-error behavior as
// Balance.
func (a *Adapter) MarkPrice(ctx context.Context, symbol core.Symbol, fetch func(context.Context) (decimal.Decimal, error)) (decimal.Decimal, error) {
	a.mu.RLock()
	entry, ok := a.marks[symbol]
	a.mu.RUnlock()

	now := a.Clock.Now()
	if ok && now.Sub(entry.at) < a.priceTTL {
		return entry.price, nil
	}

	fresh, err := fetch(ctx)
	if err != nil {
		if ok {
			a.Logger.Warn("Mark price refresh failed, serving stale value",
				"symbol", string(symbol), "age", now.Sub(entry.at).String(), "error", err)
			return entry.price, nil
		}
		return decimal.Zero, err
	}

	a.mu.Lock()
	a.marks[symbol] = markEntry{price: fresh, at: a.Clock.Now()}
	a.mu.Unlock()

	return fresh, nil
}

// SymbolsExpired reports whether the venue symbol table is due a refresh
func (a *Adapter) SymbolsExpired() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.symbolsAt.IsZero() || a.Clock.Now().Sub(a.symbolsAt) >= a.symbolTTL
}

// MarkSymbolsRefreshed records a successful symbol table refresh
func (a *Adapter) MarkSymbolsRefreshed() {
	a.mu.Lock()
	a.symbolsAt = a.Clock.Now()
	a.mu.Unlock()
}

// EmulateMarket converts a market order into an aggressive IOC limit
// order priced through the mark, for venues without native market order
// support. Longs cross at mark*1.002, shorts at mark*0.998.
func (a *Adapter) EmulateMarket(req *core.OrderRequest, mark decimal.Decimal) *core.OrderRequest {
	out := *req
	out.Type = core.OrderTypeLimit
	out.TimeInForce = core.TIFImmediateOrCancel

	offset := mark.Mul(marketSlippage)
	if req.Side == core.SideLong {
		out.Price = mark.Add(offset)
	} else {
		out.Price = mark.Sub(offset)
	}

	return &out
}

// Translate maps an HTTP-layer failure onto the venue error sentinels.
// Status codes with an unambiguous meaning are mapped directly; other
// client errors go through the venue's ParseError hook, which decodes
// the venue's error body. Non-HTTP failures (timeouts, cancellation)
// pass through untouched so context errors stay detectable.
func (a *Adapter) Translate(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *pkghttp.APIError
	if !errors.As(err, &apiErr) {
		return err
	}

	code := strconv.Itoa(apiErr.StatusCode)
	switch {
	case apiErr.IsRateLimit():
		return core.NewExchangeError(a.venue, code, "rate limited", apperrors.ErrRateLimited)
	case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
		return core.NewExchangeError(a.venue, code, string(apiErr.Body), apperrors.ErrAuthFailure)
	case apiErr.StatusCode >= 500:
		return core.NewExchangeError(a.venue, code, string(apiErr.Body), apperrors.ErrVenueMaintenance)
	}

	if a.ParseError != nil {
		if mapped := a.ParseError(apiErr.Body); mapped != nil {
			return mapped
		}
	}
	return core.NewExchangeError(a.venue, code, string(apiErr.Body), apperrors.ErrOrderRejected)
}

// SafeMapOrderStatus maps a venue order status to the common status set
func (a *Adapter) SafeMapOrderStatus(raw string) core.OrderStatus {
	if a.MapOrderStatus != nil {
		return a.MapOrderStatus(raw)
	}
	return core.OrderStatusPending
}

// ParseDecimal safely parses a string to decimal
func (a *Adapter) ParseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		a.Logger.Warn("failed to parse decimal", "value", s, "error", err)
		return decimal.Zero
	}
	return d
}

// ParseTimestamp safely parses a timestamp in milliseconds
func (a *Adapter) ParseTimestamp(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
