package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Venue identifies a supported derivatives venue. The set is closed;
// adapters are looked up by tag, never discovered.
type Venue string

const (
	VenueHyperliquid Venue = "hyperliquid"
	VenueLighter     Venue = "lighter"
	VenueExtended    Venue = "extended"
)

// AllVenues returns the closed set of supported venue tags.
func AllVenues() []Venue {
	return []Venue{VenueHyperliquid, VenueLighter, VenueExtended}
}

// ParseVenue converts a config string into a venue tag.
func ParseVenue(s string) (Venue, error) {
	for _, v := range AllVenues() {
		if string(v) == s {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown venue: %q", s)
}

func (v Venue) String() string {
	return string(v)
}

// Side is the direction of an order or position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the closing side for a given side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

func (s Side) IsValid() bool {
	return s == SideLong || s == SideShort
}

// OrderType enumerates the order kinds the adapter contract accepts.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopLoss   OrderType = "STOP_LOSS"
	OrderTypeTakeProfit OrderType = "TAKE_PROFIT"
)

// TimeInForce enumerates order lifetimes. Market orders are translated
// to IOC inside the adapters.
type TimeInForce string

const (
	TIFGoodTilCancel     TimeInForce = "GTC"
	TIFImmediateOrCancel TimeInForce = "IOC"
	TIFFillOrKill        TimeInForce = "FOK"
)

// OrderStatus is the venue-observed lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusSubmitted       OrderStatus = "SUBMITTED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether no further transitions are possible.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// CanTransitionTo reports whether the lifecycle graph permits moving
// from s to next. Terminal states admit no successors.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case OrderStatusPending:
		return next == OrderStatusSubmitted || next.IsTerminal()
	case OrderStatusSubmitted, OrderStatusPartiallyFilled:
		return next == OrderStatusPartiallyFilled || next.IsTerminal()
	}
	return false
}

// OrderRequest describes an order to be placed on a venue. Venue-symbol
// resolution, signing and wire formatting happen inside the adapter;
// Venue is carried for logging and journaling, the adapter itself is
// already venue-bound.
type OrderRequest struct {
	Symbol        Symbol
	Venue         Venue
	Side          Side
	Type          OrderType
	Size          decimal.Decimal
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	TimeInForce   TimeInForce
	ReduceOnly    bool
	ClientOrderID string
}

// Validate enforces the request invariants shared by all venues.
func (r *OrderRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("order request: symbol is empty")
	}
	if !r.Side.IsValid() {
		return fmt.Errorf("order request: invalid side %q", r.Side)
	}
	if r.Size.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("order request: size must be positive, got %s", r.Size)
	}
	if r.Type == OrderTypeLimit && r.Price.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("order request: limit order requires a positive price")
	}
	if (r.Type == OrderTypeStopLoss || r.Type == OrderTypeTakeProfit) && r.StopPrice.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("order request: stop order requires a positive stop price")
	}
	return nil
}

// OrderResponse is the normalized view of a venue order.
type OrderResponse struct {
	Venue         Venue
	OrderID       string
	ClientOrderID string
	Symbol        Symbol
	Side          Side
	Type          OrderType
	Status        OrderStatus
	Size          decimal.Decimal
	FilledSize    decimal.Decimal
	AvgFillPrice  decimal.Decimal
	Price         decimal.Decimal
	ReduceOnly    bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Error         string
}

// IsSuccess reports whether the venue accepted the order.
func (r *OrderResponse) IsSuccess() bool {
	return r != nil && r.Status != OrderStatusRejected && r.Error == ""
}

// Position is an immutable snapshot of one venue position. Size is
// always positive; direction is carried by Side.
type Position struct {
	Venue            Venue
	Symbol           Symbol
	Side             Side
	Size             decimal.Decimal
	EntryPrice       decimal.Decimal
	MarkPrice        decimal.Decimal
	UnrealizedPnl    decimal.Decimal
	Leverage         decimal.Decimal
	LiquidationPrice decimal.Decimal
	MarginUsed       decimal.Decimal
	UpdatedAt        time.Time
}

// SignedSize returns size with LONG positive and SHORT negative.
func (p *Position) SignedSize() decimal.Decimal {
	if p.Side == SideShort {
		return p.Size.Neg()
	}
	return p.Size
}

// Notional returns the position value at the current mark.
func (p *Position) Notional() decimal.Decimal {
	return p.MarkPrice.Mul(p.Size)
}

// FundingRate is a venue's current and next predicted funding rate for
// one symbol.
type FundingRate struct {
	Venue         Venue
	Symbol        Symbol
	CurrentRate   decimal.Decimal
	PredictedRate decimal.Decimal
	NextFundingAt time.Time
}

// Balance is a venue account snapshot.
type Balance struct {
	Venue          Venue
	FreeCollateral decimal.Decimal
	Equity         decimal.Decimal
	UpdatedAt      time.Time
}

// OrderUpdate is a terminal or fill event delivered by a venue order
// stream. Dispatched to the lock registry without waiting for the next
// guardian tick.
type OrderUpdate struct {
	Venue        Venue
	OrderID      string
	Symbol       Symbol
	Side         Side
	Status       OrderStatus
	FilledSize   decimal.Decimal
	AvgFillPrice decimal.Decimal
	Timestamp    time.Time
}
