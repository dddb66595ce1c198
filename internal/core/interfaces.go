// Package core defines the domain types and capability interfaces of
// the keeper. Components depend on these narrow contracts and are wired
// together at process startup.
package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// IExchange is the uniform perpetual-trading contract every venue
// adapter implements. All operations return typed failures; callers
// must treat an *ExchangeError as data, not as a crash.
type IExchange interface {
	// Identity
	Venue() Venue
	IsReady() bool
	TestConnection(ctx context.Context) error

	// Order operations
	PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderResponse, error)
	CancelOrder(ctx context.Context, orderID string, symbol Symbol) (bool, error)
	CancelAllOrders(ctx context.Context, symbol Symbol) (int, error)
	GetOrderStatus(ctx context.Context, orderID string, symbol Symbol) (*OrderResponse, error)
	GetOpenOrders(ctx context.Context) ([]*OrderResponse, error)
	// ModifyOrder is optional; callers must check SupportsModify and
	// fall back to cancel+replace.
	ModifyOrder(ctx context.Context, orderID string, req *OrderRequest) (*OrderResponse, error)
	SupportsModify() bool

	// Account state
	GetPositions(ctx context.Context) ([]*Position, error)
	GetPosition(ctx context.Context, symbol Symbol) (*Position, error)
	GetBalance(ctx context.Context) (decimal.Decimal, error)
	GetEquity(ctx context.Context) (decimal.Decimal, error)

	// Market data
	GetMarkPrice(ctx context.Context, symbol Symbol) (decimal.Decimal, error)
	GetFundingRate(ctx context.Context, symbol Symbol) (*FundingRate, error)

	// Order stream; terminal events are dispatched to the lock
	// registry as they arrive.
	StartOrderStream(ctx context.Context, callback func(*OrderUpdate)) error
	StopOrderStream() error
}

// VenueRate is one venue's funding outlook for a symbol, as reported
// by the predictor.
type VenueRate struct {
	Venue         Venue
	CurrentRate   decimal.Decimal
	PredictedRate decimal.Decimal
}

// IPredictor is the funding-rate comparison service the keeper
// consults. The prediction pipeline itself lives outside this process.
type IPredictor interface {
	CompareFundingRates(ctx context.Context, symbol Symbol) ([]VenueRate, error)
}

// ILogger defines the interface for structured logging.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
