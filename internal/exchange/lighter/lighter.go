// Package lighter implements the venue adapter for the Lighter zk
// orderbook. Every state-changing request is a transaction: the payload
// is canonical-JSON serialized, hashed under a domain prefix and signed
// with the account's secp256k1 key. Markets are addressed by integer
// index.
package lighter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"funding_keeper/internal/config"
	"funding_keeper/internal/core"
	"funding_keeper/internal/exchange/base"
	apperrors "funding_keeper/pkg/errors"
)

const (
	defaultBaseURL = "https://mainnet.zklighter.elliot.ai"

	orderBooksPath = "/api/v1/orderBooks"
	accountPath    = "/api/v1/account"
	ordersPath     = "/api/v1/accountActiveOrders"
	orderPath      = "/api/v1/order"
	sendTxPath     = "/api/v1/sendTx"

	txTypeCreateOrder = "create_order"
	txTypeCancelOrder = "cancel_order"
	txTypeCancelAll   = "cancel_all_orders"
)

type marketInfo struct {
	index         int
	symbol        string
	sizeDecimals  int
	priceDecimals int
	active        bool
}

// Exchange implements core.IExchange for Lighter.
type Exchange struct {
	*base.Adapter
	signer *Signer

	marketMu sync.RWMutex
	markets  map[core.Symbol]marketInfo
	byIndex  map[int]marketInfo

	ready     atomic.Bool
	lastNonce atomic.Int64
}

// New creates a Lighter adapter from venue configuration.
func New(cfg *config.VenueConfig, cacheCfg *config.CacheConfig, logger core.ILogger, clock core.Clock) (*Exchange, error) {
	signer, err := NewSigner(string(cfg.PrivateKey))
	if err != nil {
		return nil, err
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}

	e := &Exchange{
		Adapter: base.NewAdapter(core.VenueLighter, cfg, cacheCfg, nil, logger, clock),
		signer:  signer,
		markets: make(map[core.Symbol]marketInfo),
		byIndex: make(map[int]marketInfo),
	}
	e.ParseError = e.parseError
	e.MapOrderStatus = mapOrderStatus

	return e, nil
}

// IsReady reports whether the market table has been loaded.
func (e *Exchange) IsReady() bool {
	return e.ready.Load()
}

// TestConnection verifies the venue is reachable and the account readable.
func (e *Exchange) TestConnection(ctx context.Context) error {
	if err := e.loadMarkets(ctx); err != nil {
		return err
	}
	if _, err := e.GetEquity(ctx); err != nil {
		return err
	}
	return nil
}

func (e *Exchange) parseError(body []byte) error {
	var ae apiError
	if err := json.Unmarshal(body, &ae); err != nil {
		return core.NewExchangeError(core.VenueLighter, "", string(body), apperrors.ErrOrderRejected)
	}
	return mapVenueError(ae.Code, ae.Message)
}

// mapVenueError translates a venue result code onto the shared
// sentinels. Codes follow the venue convention: 2xxxx validation,
// 21xxx auth, 23xxx order state, 29xxx throttling.
func mapVenueError(code int, msg string) error {
	wrap := func(cause error) error {
		return core.NewExchangeError(core.VenueLighter, fmt.Sprintf("%d", code), msg, cause)
	}
	switch {
	case code == 0 || code == 200:
		return nil
	case code >= 21000 && code < 22000:
		return wrap(apperrors.ErrAuthFailure)
	case code == 23404:
		return wrap(apperrors.ErrOrderNotFound)
	case code == 23409:
		return wrap(apperrors.ErrDuplicateOrder)
	case code == 23422:
		return wrap(apperrors.ErrReduceOnlyViolation)
	case code == 23423:
		return wrap(apperrors.ErrInsufficientBalance)
	case code == 23424:
		return wrap(apperrors.ErrStepSize)
	case code >= 29000:
		return wrap(apperrors.ErrRateLimited)
	case code >= 20000 && code < 21000:
		return wrap(apperrors.ErrInvalidOrder)
	default:
		return wrap(apperrors.ErrOrderRejected)
	}
}

func mapOrderStatus(raw string) core.OrderStatus {
	switch raw {
	case "pending":
		return core.OrderStatusPending
	case "open", "in-progress":
		return core.OrderStatusSubmitted
	case "partially-filled":
		return core.OrderStatusPartiallyFilled
	case "filled":
		return core.OrderStatusFilled
	case "canceled", "canceled-reduce-only", "canceled-self-trade":
		return core.OrderStatusCancelled
	case "rejected", "canceled-margin":
		return core.OrderStatusRejected
	case "expired", "canceled-expired":
		return core.OrderStatusExpired
	default:
		return core.OrderStatusPending
	}
}

// loadMarkets refreshes the symbol -> market index table.
func (e *Exchange) loadMarkets(ctx context.Context) error {
	if err := e.Throttle(ctx); err != nil {
		return err
	}
	body, err := e.HTTP.Get(ctx, orderBooksPath, nil)
	if err != nil {
		return e.Translate(err)
	}

	var resp orderBooksResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("lighter: decode order books: %w", err)
	}
	if err := mapVenueError(resp.Code, "order books"); err != nil {
		return err
	}

	markets := make(map[core.Symbol]marketInfo, len(resp.OrderBooks))
	byIndex := make(map[int]marketInfo, len(resp.OrderBooks))
	for _, ob := range resp.OrderBooks {
		info := marketInfo{
			index:         ob.MarketIndex,
			symbol:        ob.Symbol,
			sizeDecimals:  ob.SizeDecimals,
			priceDecimals: ob.PriceDecimals,
			active:        ob.Status == "active",
		}
		markets[core.NormalizeSymbol(ob.Symbol)] = info
		byIndex[ob.MarketIndex] = info
	}

	e.marketMu.Lock()
	e.markets = markets
	e.byIndex = byIndex
	e.marketMu.Unlock()
	e.MarkSymbolsRefreshed()
	e.ready.Store(true)

	e.Logger.Debug("Market table refreshed", "markets", len(markets))
	return nil
}

// marketFor resolves a normalized symbol to its market index, refreshing
// the table on expiry or miss.
func (e *Exchange) marketFor(ctx context.Context, symbol core.Symbol) (marketInfo, error) {
	want := core.NormalizeSymbol(string(symbol))

	e.marketMu.RLock()
	info, ok := e.markets[want]
	e.marketMu.RUnlock()

	if !ok || e.SymbolsExpired() {
		if err := e.loadMarkets(ctx); err != nil {
			if !ok {
				return marketInfo{}, err
			}
			e.Logger.Warn("Market table refresh failed, using previous table", "error", err)
		}
		e.marketMu.RLock()
		info, ok = e.markets[want]
		e.marketMu.RUnlock()
	}

	if !ok || !info.active {
		return marketInfo{}, core.NewExchangeError(core.VenueLighter, "", fmt.Sprintf("unknown market %s", symbol), apperrors.ErrInvalidSymbol)
	}
	return info, nil
}

func (e *Exchange) symbolForIndex(index int) core.Symbol {
	e.marketMu.RLock()
	defer e.marketMu.RUnlock()
	if info, ok := e.byIndex[index]; ok {
		return core.NormalizeSymbol(info.symbol)
	}
	return core.Symbol(fmt.Sprintf("MARKET-%d", index))
}

func (e *Exchange) nextNonce() int64 {
	for {
		now := e.Clock.Now().UnixMilli()
		last := e.lastNonce.Load()
		if now <= last {
			now = last + 1
		}
		if e.lastNonce.CompareAndSwap(last, now) {
			return now
		}
	}
}

// sendTx signs a payload and posts the transaction envelope. The
// envelope bytes are produced with the same canonical serializer the
// signature commits to.
func (e *Exchange) sendTx(ctx context.Context, txType string, payload interface{}) (*txResponse, error) {
	sig, err := e.signer.Sign(payload)
	if err != nil {
		return nil, core.NewExchangeError(core.VenueLighter, "", "signing failed", apperrors.ErrAuthFailure)
	}

	envelope := txEnvelope{
		Type:      txType,
		Account:   e.signer.Address(),
		Nonce:     e.nextNonce(),
		Payload:   payload,
		Signature: sig,
	}
	raw, err := CanonicalJSON(envelope)
	if err != nil {
		return nil, err
	}

	body, err := e.HTTP.PostRaw(ctx, sendTxPath, raw)
	if err != nil {
		return nil, e.Translate(err)
	}

	var resp txResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("lighter: decode tx response: %w", err)
	}
	if err := mapVenueError(resp.Code, resp.Message); err != nil {
		return nil, err
	}
	return &resp, nil
}

func mapTIF(t core.TimeInForce) (string, error) {
	switch t {
	case core.TIFGoodTilCancel, "":
		return "good-till-cancel", nil
	case core.TIFImmediateOrCancel:
		return "immediate-or-cancel", nil
	case core.TIFFillOrKill:
		return "fill-or-kill", nil
	default:
		return "", core.NewExchangeError(core.VenueLighter, "", fmt.Sprintf("time in force %s", t), apperrors.ErrNotSupported)
	}
}

// PlaceOrder submits a signed create_order transaction. Market orders
// are emulated as IOC limit orders priced through the mark.
func (e *Exchange) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.OrderResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := e.Throttle(ctx); err != nil {
		return nil, err
	}

	market, err := e.marketFor(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}

	order := req
	if req.Type == core.OrderTypeMarket {
		mark, err := e.GetMarkPrice(ctx, req.Symbol)
		if err != nil {
			return nil, err
		}
		order = e.EmulateMarket(req, mark)
	}

	size := order.Size.RoundFloor(int32(market.sizeDecimals))
	if size.LessThanOrEqual(decimal.Zero) {
		return nil, core.NewExchangeError(core.VenueLighter, "",
			fmt.Sprintf("size %s rounds to zero at %d decimals", order.Size, market.sizeDecimals), apperrors.ErrStepSize)
	}

	tif, err := mapTIF(order.TimeInForce)
	if err != nil {
		return nil, err
	}

	payload := createOrderPayload{
		MarketIndex: market.index,
		IsAsk:       order.Side == core.SideShort,
		Price:       order.Price.Round(int32(market.priceDecimals)).String(),
		BaseAmount:  size.String(),
		TimeInForce: tif,
		ReduceOnly:  order.ReduceOnly,
		ClientOrder: order.ClientOrderID,
	}
	if order.Type == core.OrderTypeStopLoss || order.Type == core.OrderTypeTakeProfit {
		payload.TriggerPrice = order.StopPrice.Round(int32(market.priceDecimals)).String()
	}

	resp, err := e.sendTx(ctx, txTypeCreateOrder, payload)
	if err != nil {
		return nil, err
	}

	now := e.Clock.Now()
	out := &core.OrderResponse{
		Venue:         core.VenueLighter,
		ClientOrderID: order.ClientOrderID,
		Symbol:        core.NormalizeSymbol(string(req.Symbol)),
		Side:          req.Side,
		Type:          req.Type,
		Status:        core.OrderStatusSubmitted,
		Size:          size,
		Price:         e.ParseDecimal(payload.Price),
		ReduceOnly:    order.ReduceOnly,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if resp.Order != nil {
		out.OrderID = resp.Order.OrderIndex
		out.Status = mapOrderStatus(resp.Order.Status)
		out.FilledSize = e.ParseDecimal(resp.Order.FilledBase)
		out.AvgFillPrice = e.ParseDecimal(resp.Order.AvgFillPrice)
	} else {
		out.OrderID = resp.TxHash
	}

	e.InvalidateBalance()
	return out, nil
}

// CancelOrder cancels a resting order. Orders the venue no longer knows
// return (false, nil) so repeated sweeps stay idempotent.
func (e *Exchange) CancelOrder(ctx context.Context, orderID string, symbol core.Symbol) (bool, error) {
	if err := e.Throttle(ctx); err != nil {
		return false, err
	}
	market, err := e.marketFor(ctx, symbol)
	if err != nil {
		return false, err
	}

	_, err = e.sendTx(ctx, txTypeCancelOrder, cancelOrderPayload{
		MarketIndex: market.index,
		OrderIndex:  orderID,
	})
	if err != nil {
		if core.IsOrderNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CancelAllOrders cancels every resting order on a market.
func (e *Exchange) CancelAllOrders(ctx context.Context, symbol core.Symbol) (int, error) {
	if err := e.Throttle(ctx); err != nil {
		return 0, err
	}
	market, err := e.marketFor(ctx, symbol)
	if err != nil {
		return 0, err
	}

	resp, err := e.sendTx(ctx, txTypeCancelAll, cancelAllPayload{MarketIndex: market.index})
	if err != nil {
		return 0, err
	}
	return resp.CancelledCount, nil
}

// GetOrderStatus fetches the current state of an order by index.
func (e *Exchange) GetOrderStatus(ctx context.Context, orderID string, symbol core.Symbol) (*core.OrderResponse, error) {
	if err := e.Throttle(ctx); err != nil {
		return nil, err
	}

	body, err := e.HTTP.Get(ctx, orderPath, map[string]string{
		"account":     e.signer.Address(),
		"order_index": orderID,
	})
	if err != nil {
		return nil, e.Translate(err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("lighter: decode order: %w", err)
	}
	if err := mapVenueError(resp.Code, resp.Message); err != nil {
		return nil, err
	}
	return e.toOrderResponse(resp.Order), nil
}

// GetOpenOrders returns all resting orders for the account.
func (e *Exchange) GetOpenOrders(ctx context.Context) ([]*core.OrderResponse, error) {
	if err := e.Throttle(ctx); err != nil {
		return nil, err
	}

	body, err := e.HTTP.Get(ctx, ordersPath, map[string]string{"account": e.signer.Address()})
	if err != nil {
		return nil, e.Translate(err)
	}

	var resp ordersResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("lighter: decode active orders: %w", err)
	}
	if err := mapVenueError(resp.Code, ""); err != nil {
		return nil, err
	}

	out := make([]*core.OrderResponse, 0, len(resp.Orders))
	for _, o := range resp.Orders {
		out = append(out, e.toOrderResponse(o))
	}
	return out, nil
}

func (e *Exchange) toOrderResponse(o restOrder) *core.OrderResponse {
	side := core.SideLong
	if o.IsAsk {
		side = core.SideShort
	}

	status := mapOrderStatus(o.Status)
	filled := e.ParseDecimal(o.FilledBase)
	if status == core.OrderStatusSubmitted && filled.IsPositive() {
		status = core.OrderStatusPartiallyFilled
	}

	return &core.OrderResponse{
		Venue:         core.VenueLighter,
		OrderID:       o.OrderIndex,
		ClientOrderID: o.ClientOrderID,
		Symbol:        e.symbolForIndex(o.MarketIndex),
		Side:          side,
		Type:          core.OrderTypeLimit,
		Status:        status,
		Size:          e.ParseDecimal(o.InitialBase),
		FilledSize:    filled,
		AvgFillPrice:  e.ParseDecimal(o.AvgFillPrice),
		Price:         e.ParseDecimal(o.Price),
		ReduceOnly:    o.ReduceOnly,
		CreatedAt:     e.ParseTimestamp(o.CreatedAtMs),
		UpdatedAt:     e.ParseTimestamp(o.UpdatedAtMs),
	}
}

// ModifyOrder is not supported; callers fall back to cancel+replace.
func (e *Exchange) ModifyOrder(ctx context.Context, orderID string, req *core.OrderRequest) (*core.OrderResponse, error) {
	return nil, core.NewExchangeError(core.VenueLighter, "", "order modification", apperrors.ErrNotSupported)
}

// SupportsModify reports native order modification support.
func (e *Exchange) SupportsModify() bool {
	return false
}

func (e *Exchange) fetchAccount(ctx context.Context) (*accountResponse, error) {
	if err := e.Throttle(ctx); err != nil {
		return nil, err
	}
	body, err := e.HTTP.Get(ctx, accountPath, map[string]string{
		"by":    "l1_address",
		"value": e.signer.Address(),
	})
	if err != nil {
		return nil, e.Translate(err)
	}
	var resp accountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("lighter: decode account: %w", err)
	}
	if err := mapVenueError(resp.Code, "account"); err != nil {
		return nil, err
	}
	if len(resp.Accounts) == 0 {
		return nil, core.NewExchangeError(core.VenueLighter, "", "no account for address", apperrors.ErrAuthFailure)
	}
	return &resp, nil
}

// GetPositions returns all open positions.
func (e *Exchange) GetPositions(ctx context.Context) ([]*core.Position, error) {
	resp, err := e.fetchAccount(ctx)
	if err != nil {
		return nil, err
	}

	account := resp.Accounts[0]
	now := e.Clock.Now()
	out := make([]*core.Position, 0, len(account.Positions))
	for _, p := range account.Positions {
		size := e.ParseDecimal(p.Position)
		if size.IsZero() {
			continue
		}
		side := core.SideLong
		if p.Sign < 0 {
			side = core.SideShort
		}

		symbol := core.NormalizeSymbol(p.Symbol)
		mark, markErr := e.GetMarkPrice(ctx, symbol)
		if markErr != nil {
			e.Logger.Warn("Mark price unavailable for position", "symbol", string(symbol), "error", markErr)
			mark = decimal.Zero
		}

		out = append(out, &core.Position{
			Venue:            core.VenueLighter,
			Symbol:           symbol,
			Side:             side,
			Size:             size.Abs(),
			EntryPrice:       e.ParseDecimal(p.AvgEntryPrice),
			MarkPrice:        mark,
			UnrealizedPnl:    e.ParseDecimal(p.UnrealizedPnl),
			LiquidationPrice: e.ParseDecimal(p.LiquidationPrice),
			MarginUsed:       e.ParseDecimal(p.AllocatedMargin),
			UpdatedAt:        now,
		})
	}
	return out, nil
}

// GetPosition returns the open position for one symbol, nil when flat.
func (e *Exchange) GetPosition(ctx context.Context, symbol core.Symbol) (*core.Position, error) {
	positions, err := e.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	want := core.NormalizeSymbol(string(symbol))
	for _, p := range positions {
		if p.Symbol == want {
			return p, nil
		}
	}
	return nil, nil
}

func (e *Exchange) cachedBalance(ctx context.Context) (*core.Balance, error) {
	return e.Balance(ctx, func(ctx context.Context) (*core.Balance, error) {
		resp, err := e.fetchAccount(ctx)
		if err != nil {
			return nil, err
		}
		account := resp.Accounts[0]
		return &core.Balance{
			Venue:          core.VenueLighter,
			FreeCollateral: e.ParseDecimal(account.Available),
			Equity:         e.ParseDecimal(account.TotalValue),
			UpdatedAt:      e.Clock.Now(),
		}, nil
	})
}

// GetBalance returns free collateral available for new orders.
func (e *Exchange) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	b, err := e.cachedBalance(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return b.FreeCollateral, nil
}

// GetEquity returns total account value including unrealized PnL.
func (e *Exchange) GetEquity(ctx context.Context) (decimal.Decimal, error) {
	b, err := e.cachedBalance(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return b.Equity, nil
}

// GetMarkPrice returns the venue mark price for a symbol.
func (e *Exchange) GetMarkPrice(ctx context.Context, symbol core.Symbol) (decimal.Decimal, error) {
	return e.MarkPrice(ctx, core.NormalizeSymbol(string(symbol)), func(ctx context.Context) (decimal.Decimal, error) {
		book, err := e.fetchOrderBook(ctx, symbol)
		if err != nil {
			return decimal.Zero, err
		}
		mark := e.ParseDecimal(book.MarkPrice)
		if mark.IsZero() {
			mark = e.ParseDecimal(book.LastTradePrice)
		}
		if mark.IsZero() {
			return decimal.Zero, core.NewExchangeError(core.VenueLighter, "", fmt.Sprintf("zero mark price for %s", symbol), apperrors.ErrInvalidSymbol)
		}
		return mark, nil
	})
}

// GetFundingRate returns the current and next funding rate.
func (e *Exchange) GetFundingRate(ctx context.Context, symbol core.Symbol) (*core.FundingRate, error) {
	book, err := e.fetchOrderBook(ctx, symbol)
	if err != nil {
		return nil, err
	}

	current := e.ParseDecimal(book.FundingRate)
	predicted := e.ParseDecimal(book.NextFundingRate)
	if predicted.IsZero() {
		predicted = current
	}
	return &core.FundingRate{
		Venue:         core.VenueLighter,
		Symbol:        core.NormalizeSymbol(string(symbol)),
		CurrentRate:   current,
		PredictedRate: predicted,
		NextFundingAt: e.ParseTimestamp(book.NextFundingAtMs),
	}, nil
}

func (e *Exchange) fetchOrderBook(ctx context.Context, symbol core.Symbol) (*orderBookEntry, error) {
	market, err := e.marketFor(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if err := e.Throttle(ctx); err != nil {
		return nil, err
	}

	body, err := e.HTTP.Get(ctx, orderBooksPath, map[string]string{
		"market_index": fmt.Sprintf("%d", market.index),
	})
	if err != nil {
		return nil, e.Translate(err)
	}

	var resp orderBooksResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("lighter: decode order book: %w", err)
	}
	if err := mapVenueError(resp.Code, "order book"); err != nil {
		return nil, err
	}
	for _, ob := range resp.OrderBooks {
		if ob.MarketIndex == market.index {
			return &ob, nil
		}
	}
	return nil, core.NewExchangeError(core.VenueLighter, "", fmt.Sprintf("no order book for %s", symbol), apperrors.ErrInvalidSymbol)
}

// StartOrderStream is unsupported; the venue publishes no account order
// stream, so fill detection relies on status polls and the guardian.
func (e *Exchange) StartOrderStream(ctx context.Context, callback func(*core.OrderUpdate)) error {
	return core.NewExchangeError(core.VenueLighter, "", "order stream", apperrors.ErrNotSupported)
}

// StopOrderStream closes the order update subscription.
func (e *Exchange) StopOrderStream() error {
	return nil
}
