package mock

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/shopspring/decimal"

	"funding_keeper/internal/core"
	apperrors "funding_keeper/pkg/errors"
)

// FillMode controls how the mock venue fills newly placed orders.
type FillMode int

const (
	// FillNone leaves orders resting until Fill or Cancel is called.
	FillNone FillMode = iota
	// FillImmediate fills the full size at the order price on placement.
	FillImmediate
	// FillPartial fills PartialRatio of the size on placement.
	FillPartial
)

// Exchange is a scriptable in-memory venue implementing core.IExchange.
// Tests preload balances, marks and funding rates, choose a fill mode
// and inject failures; fills update positions with the same signed
// arithmetic a real venue applies.
type Exchange struct {
	venue core.Venue
	clock core.Clock

	mu          sync.RWMutex
	orders      map[string]*core.OrderResponse
	clientIndex map[string]string
	nextID      int64

	positions map[core.Symbol]*core.Position
	balance   decimal.Decimal
	equity    decimal.Decimal
	marks     map[core.Symbol]decimal.Decimal
	funding   map[core.Symbol]*core.FundingRate

	fillMode     FillMode
	partialRatio decimal.Decimal

	placeErr   error
	cancelErr  error
	statusErr  error
	connectErr error
	modifiable bool

	placeCalls  int
	cancelCalls int

	callback func(*core.OrderUpdate)
}

// NewExchange creates a mock venue. The clock drives order timestamps;
// pass a controllable clock in tests.
func NewExchange(venue core.Venue, clock core.Clock) *Exchange {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &Exchange{
		venue:        venue,
		clock:        clock,
		orders:       make(map[string]*core.OrderResponse),
		clientIndex:  make(map[string]string),
		positions:    make(map[core.Symbol]*core.Position),
		balance:      decimal.NewFromInt(1_000_000),
		equity:       decimal.NewFromInt(1_000_000),
		marks:        make(map[core.Symbol]decimal.Decimal),
		funding:      make(map[core.Symbol]*core.FundingRate),
		partialRatio: decimal.NewFromFloat(0.5),
	}
}

// Scripting surface

// SetFillMode selects the placement fill behavior.
func (e *Exchange) SetFillMode(m FillMode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fillMode = m
}

// SetPartialRatio sets the fraction filled under FillPartial.
func (e *Exchange) SetPartialRatio(r decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.partialRatio = r
}

// FailPlace makes PlaceOrder return err until cleared with nil.
func (e *Exchange) FailPlace(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.placeErr = err
}

// FailCancel makes CancelOrder return err until cleared with nil.
func (e *Exchange) FailCancel(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelErr = err
}

// FailStatus makes GetOrderStatus return err until cleared with nil.
func (e *Exchange) FailStatus(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statusErr = err
}

// FailConnect makes TestConnection return err until cleared with nil.
func (e *Exchange) FailConnect(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connectErr = err
}

// SetModifiable toggles native modify support.
func (e *Exchange) SetModifiable(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.modifiable = v
}

// SetBalance sets free collateral and equity.
func (e *Exchange) SetBalance(free, equity decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balance = free
	e.equity = equity
}

// SetMarkPrice sets the mark for a symbol.
func (e *Exchange) SetMarkPrice(symbol core.Symbol, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.marks[core.NormalizeSymbol(string(symbol))] = price
}

// SetFundingRate sets the funding outlook for a symbol.
func (e *Exchange) SetFundingRate(fr *core.FundingRate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fr.Venue = e.venue
	e.funding[core.NormalizeSymbol(string(fr.Symbol))] = fr
}

// SetPosition installs a position directly, bypassing fills. A zero
// size removes the symbol.
func (e *Exchange) SetPosition(symbol core.Symbol, side core.Side, size, entry decimal.Decimal) {
	sym := core.NormalizeSymbol(string(symbol))
	e.mu.Lock()
	defer e.mu.Unlock()
	if size.IsZero() {
		delete(e.positions, sym)
		return
	}
	e.positions[sym] = &core.Position{
		Venue:      e.venue,
		Symbol:     sym,
		Side:       side,
		Size:       size,
		EntryPrice: entry,
		MarkPrice:  e.marks[sym],
		UpdatedAt:  e.clock.Now(),
	}
}

// PlaceCalls returns how many PlaceOrder calls were made.
func (e *Exchange) PlaceCalls() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.placeCalls
}

// CancelCalls returns how many CancelOrder calls were made.
func (e *Exchange) CancelCalls() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cancelCalls
}

// Fill fills size of a resting order at price, updating the position
// and dispatching an order update. Filling to completion is terminal.
func (e *Exchange) Fill(orderID string, size, price decimal.Decimal) error {
	e.mu.Lock()
	order, ok := e.orders[orderID]
	if !ok {
		e.mu.Unlock()
		return core.NewExchangeError(e.venue, "", fmt.Sprintf("order %s", orderID), apperrors.ErrOrderNotFound)
	}
	if order.Status.IsTerminal() {
		e.mu.Unlock()
		return core.NewExchangeError(e.venue, "", fmt.Sprintf("order %s is terminal", orderID), apperrors.ErrInvalidOrder)
	}
	update := e.fillLocked(order, size, price)
	e.mu.Unlock()

	e.dispatch(update)
	return nil
}

// fillLocked applies a fill to the order and position. Caller holds mu.
func (e *Exchange) fillLocked(order *core.OrderResponse, size, price decimal.Decimal) *core.OrderUpdate {
	remaining := order.Size.Sub(order.FilledSize)
	if size.GreaterThan(remaining) {
		size = remaining
	}

	prevFilled := order.FilledSize
	order.FilledSize = order.FilledSize.Add(size)
	if order.AvgFillPrice.IsZero() {
		order.AvgFillPrice = price
	} else {
		order.AvgFillPrice = order.AvgFillPrice.Mul(prevFilled).Add(price.Mul(size)).Div(order.FilledSize)
	}

	if order.FilledSize.GreaterThanOrEqual(order.Size) {
		order.Status = core.OrderStatusFilled
	} else {
		order.Status = core.OrderStatusPartiallyFilled
	}
	order.UpdatedAt = e.clock.Now()

	e.applyFillLocked(order.Symbol, order.Side, size, price, order.ReduceOnly)

	return &core.OrderUpdate{
		Venue:        e.venue,
		OrderID:      order.OrderID,
		Symbol:       order.Symbol,
		Side:         order.Side,
		Status:       order.Status,
		FilledSize:   order.FilledSize,
		AvgFillPrice: order.AvgFillPrice,
		Timestamp:    order.UpdatedAt,
	}
}

// applyFillLocked merges a fill into the position book. Same-side fills
// extend with a volume-weighted entry; opposite-side fills reduce and
// may flip unless reduce-only clamps at flat.
func (e *Exchange) applyFillLocked(symbol core.Symbol, side core.Side, size, price decimal.Decimal, reduceOnly bool) {
	sym := core.NormalizeSymbol(string(symbol))
	pos, ok := e.positions[sym]
	if !ok {
		if reduceOnly {
			return
		}
		e.positions[sym] = &core.Position{
			Venue:      e.venue,
			Symbol:     sym,
			Side:       side,
			Size:       size,
			EntryPrice: price,
			MarkPrice:  e.marks[sym],
			UpdatedAt:  e.clock.Now(),
		}
		return
	}

	if pos.Side == side {
		if reduceOnly {
			return
		}
		total := pos.Size.Add(size)
		pos.EntryPrice = pos.EntryPrice.Mul(pos.Size).Add(price.Mul(size)).Div(total)
		pos.Size = total
		pos.UpdatedAt = e.clock.Now()
		return
	}

	if size.LessThan(pos.Size) {
		pos.Size = pos.Size.Sub(size)
		pos.UpdatedAt = e.clock.Now()
		return
	}
	if size.Equal(pos.Size) || reduceOnly {
		delete(e.positions, sym)
		return
	}
	// flip
	e.positions[sym] = &core.Position{
		Venue:      e.venue,
		Symbol:     sym,
		Side:       side,
		Size:       size.Sub(pos.Size),
		EntryPrice: price,
		MarkPrice:  e.marks[sym],
		UpdatedAt:  e.clock.Now(),
	}
}

func (e *Exchange) dispatch(update *core.OrderUpdate) {
	if update == nil {
		return
	}
	e.mu.RLock()
	cb := e.callback
	e.mu.RUnlock()
	if cb != nil {
		cb(update)
	}
}

// core.IExchange

// Venue returns the venue identifier.
func (e *Exchange) Venue() core.Venue {
	return e.venue
}

// IsReady always reports true.
func (e *Exchange) IsReady() bool {
	return true
}

// TestConnection returns the scripted connection error, if any.
func (e *Exchange) TestConnection(ctx context.Context) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connectErr
}

// PlaceOrder accepts an order. A repeated client order id returns the
// original order instead of creating a new one.
func (e *Exchange) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.OrderResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.placeCalls++
	if e.placeErr != nil {
		err := e.placeErr
		e.mu.Unlock()
		return nil, err
	}

	if req.ClientOrderID != "" {
		if id, ok := e.clientIndex[req.ClientOrderID]; ok {
			existing := *e.orders[id]
			e.mu.Unlock()
			return &existing, nil
		}
	}

	e.nextID++
	now := e.clock.Now()
	sym := core.NormalizeSymbol(string(req.Symbol))

	price := req.Price
	if req.Type == core.OrderTypeMarket {
		price = e.marks[sym]
	}

	order := &core.OrderResponse{
		Venue:         e.venue,
		OrderID:       strconv.FormatInt(e.nextID, 10),
		ClientOrderID: req.ClientOrderID,
		Symbol:        sym,
		Side:          req.Side,
		Type:          req.Type,
		Status:        core.OrderStatusSubmitted,
		Size:          req.Size,
		Price:         price,
		ReduceOnly:    req.ReduceOnly,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	e.orders[order.OrderID] = order
	if req.ClientOrderID != "" {
		e.clientIndex[req.ClientOrderID] = order.OrderID
	}

	var update *core.OrderUpdate
	switch {
	case e.fillMode == FillImmediate || req.Type == core.OrderTypeMarket:
		update = e.fillLocked(order, order.Size, price)
	case e.fillMode == FillPartial:
		update = e.fillLocked(order, order.Size.Mul(e.partialRatio), price)
	}

	out := *order
	e.mu.Unlock()

	e.dispatch(update)
	return &out, nil
}

// CancelOrder cancels a resting order. Terminal or unknown orders
// return (false, nil).
func (e *Exchange) CancelOrder(ctx context.Context, orderID string, symbol core.Symbol) (bool, error) {
	e.mu.Lock()
	e.cancelCalls++
	if e.cancelErr != nil {
		err := e.cancelErr
		e.mu.Unlock()
		return false, err
	}

	order, ok := e.orders[orderID]
	if !ok || order.Status.IsTerminal() {
		e.mu.Unlock()
		return false, nil
	}

	order.Status = core.OrderStatusCancelled
	order.UpdatedAt = e.clock.Now()
	update := &core.OrderUpdate{
		Venue:        e.venue,
		OrderID:      order.OrderID,
		Symbol:       order.Symbol,
		Side:         order.Side,
		Status:       order.Status,
		FilledSize:   order.FilledSize,
		AvgFillPrice: order.AvgFillPrice,
		Timestamp:    order.UpdatedAt,
	}
	e.mu.Unlock()

	e.dispatch(update)
	return true, nil
}

// CancelAllOrders cancels all resting orders for a symbol.
func (e *Exchange) CancelAllOrders(ctx context.Context, symbol core.Symbol) (int, error) {
	sym := core.NormalizeSymbol(string(symbol))

	e.mu.Lock()
	var updates []*core.OrderUpdate
	for _, order := range e.orders {
		if order.Symbol != sym || order.Status.IsTerminal() {
			continue
		}
		order.Status = core.OrderStatusCancelled
		order.UpdatedAt = e.clock.Now()
		updates = append(updates, &core.OrderUpdate{
			Venue:     e.venue,
			OrderID:   order.OrderID,
			Symbol:    order.Symbol,
			Side:      order.Side,
			Status:    order.Status,
			Timestamp: order.UpdatedAt,
		})
	}
	e.mu.Unlock()

	for _, u := range updates {
		e.dispatch(u)
	}
	return len(updates), nil
}

// GetOrderStatus returns a copy of the order's current state.
func (e *Exchange) GetOrderStatus(ctx context.Context, orderID string, symbol core.Symbol) (*core.OrderResponse, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.statusErr != nil {
		return nil, e.statusErr
	}
	order, ok := e.orders[orderID]
	if !ok {
		return nil, core.NewExchangeError(e.venue, "", fmt.Sprintf("order %s", orderID), apperrors.ErrOrderNotFound)
	}
	out := *order
	return &out, nil
}

// GetOpenOrders returns all non-terminal orders.
func (e *Exchange) GetOpenOrders(ctx context.Context) ([]*core.OrderResponse, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*core.OrderResponse
	for _, order := range e.orders {
		if order.Status.IsTerminal() {
			continue
		}
		cp := *order
		out = append(out, &cp)
	}
	return out, nil
}

// ModifyOrder rewrites a resting order's price and size when enabled.
func (e *Exchange) ModifyOrder(ctx context.Context, orderID string, req *core.OrderRequest) (*core.OrderResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.modifiable {
		return nil, core.NewExchangeError(e.venue, "", "order modification", apperrors.ErrNotSupported)
	}
	order, ok := e.orders[orderID]
	if !ok || order.Status.IsTerminal() {
		return nil, core.NewExchangeError(e.venue, "", fmt.Sprintf("order %s", orderID), apperrors.ErrOrderNotFound)
	}
	order.Price = req.Price
	order.Size = req.Size
	order.UpdatedAt = e.clock.Now()
	out := *order
	return &out, nil
}

// SupportsModify reports the scripted modify capability.
func (e *Exchange) SupportsModify() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.modifiable
}

// GetPositions returns copies of all open positions.
func (e *Exchange) GetPositions(ctx context.Context) ([]*core.Position, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*core.Position, 0, len(e.positions))
	for _, p := range e.positions {
		cp := *p
		cp.MarkPrice = e.marks[p.Symbol]
		out = append(out, &cp)
	}
	return out, nil
}

// GetPosition returns the position for one symbol, nil when flat.
func (e *Exchange) GetPosition(ctx context.Context, symbol core.Symbol) (*core.Position, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.positions[core.NormalizeSymbol(string(symbol))]
	if !ok {
		return nil, nil
	}
	cp := *p
	cp.MarkPrice = e.marks[p.Symbol]
	return &cp, nil
}

// GetBalance returns the scripted free collateral.
func (e *Exchange) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.balance, nil
}

// GetEquity returns the scripted equity.
func (e *Exchange) GetEquity(ctx context.Context) (decimal.Decimal, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.equity, nil
}

// GetMarkPrice returns the scripted mark for a symbol.
func (e *Exchange) GetMarkPrice(ctx context.Context, symbol core.Symbol) (decimal.Decimal, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	mark, ok := e.marks[core.NormalizeSymbol(string(symbol))]
	if !ok {
		return decimal.Zero, core.NewExchangeError(e.venue, "", fmt.Sprintf("no mark for %s", symbol), apperrors.ErrInvalidSymbol)
	}
	return mark, nil
}

// GetFundingRate returns the scripted funding outlook for a symbol.
func (e *Exchange) GetFundingRate(ctx context.Context, symbol core.Symbol) (*core.FundingRate, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fr, ok := e.funding[core.NormalizeSymbol(string(symbol))]
	if !ok {
		return nil, core.NewExchangeError(e.venue, "", fmt.Sprintf("no funding rate for %s", symbol), apperrors.ErrInvalidSymbol)
	}
	cp := *fr
	return &cp, nil
}

// StartOrderStream registers the update callback. Fills and cancels
// dispatch through it synchronously.
func (e *Exchange) StartOrderStream(ctx context.Context, callback func(*core.OrderUpdate)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callback = callback
	return nil
}

// StopOrderStream clears the update callback.
func (e *Exchange) StopOrderStream() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callback = nil
	return nil
}
