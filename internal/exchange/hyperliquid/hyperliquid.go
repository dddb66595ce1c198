// Package hyperliquid implements the venue adapter for Hyperliquid
// perpetuals. Actions are wallet-signed: the request body carries an
// EIP-712 signature over the msgpack encoding of the action, so the
// HTTP layer itself needs no header signer.
package hyperliquid

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"funding_keeper/internal/config"
	"funding_keeper/internal/core"
	"funding_keeper/internal/exchange/base"
	apperrors "funding_keeper/pkg/errors"
	"funding_keeper/pkg/websocket"
)

const (
	defaultBaseURL = "https://api.hyperliquid.xyz"
	defaultWsURL   = "wss://api.hyperliquid.xyz/ws"

	infoPath     = "/info"
	exchangePath = "/exchange"
)

type assetInfo struct {
	name       string
	index      int
	szDecimals int
	delisted   bool
}

// Exchange implements core.IExchange for Hyperliquid
type Exchange struct {
	*base.Adapter
	signer *Signer
	vault  string
	wsURL  string

	assetMu sync.RWMutex
	assets  map[core.Symbol]assetInfo

	ready     atomic.Bool
	lastNonce atomic.Int64
	ws        *websocket.Client
}

// New creates a Hyperliquid adapter from venue configuration
func New(cfg *config.VenueConfig, cacheCfg *config.CacheConfig, logger core.ILogger, clock core.Clock) (*Exchange, error) {
	signer, err := NewSigner(string(cfg.PrivateKey))
	if err != nil {
		return nil, err
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	wsURL := cfg.WsURL
	if wsURL == "" {
		wsURL = defaultWsURL
	}

	e := &Exchange{
		Adapter: base.NewAdapter(core.VenueHyperliquid, cfg, cacheCfg, nil, logger, clock),
		signer:  signer,
		vault:   cfg.VaultAddress,
		wsURL:   wsURL,
		assets:  make(map[core.Symbol]assetInfo),
	}
	e.ParseError = e.parseError
	e.MapOrderStatus = mapOrderStatus

	return e, nil
}

// Address returns the signing wallet address. The vault address is used
// for account reads when trading on behalf of a vault.
func (e *Exchange) Address() string {
	if e.vault != "" {
		return e.vault
	}
	return e.signer.Address()
}

// IsReady reports whether the symbol table has been loaded
func (e *Exchange) IsReady() bool {
	return e.ready.Load()
}

// TestConnection verifies the venue is reachable and the account readable
func (e *Exchange) TestConnection(ctx context.Context) error {
	if err := e.loadAssets(ctx); err != nil {
		return err
	}
	if _, err := e.GetEquity(ctx); err != nil {
		return err
	}
	return nil
}

func (e *Exchange) parseError(body []byte) error {
	return mapVenueError(string(body))
}

func mapVenueError(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "insufficient"):
		return core.NewExchangeError(core.VenueHyperliquid, "", msg, apperrors.ErrInsufficientBalance)
	case strings.Contains(lower, "reduce only"), strings.Contains(lower, "reduce-only"):
		return core.NewExchangeError(core.VenueHyperliquid, "", msg, apperrors.ErrReduceOnlyViolation)
	case strings.Contains(lower, "never placed"), strings.Contains(lower, "already canceled"), strings.Contains(lower, "unknown oid"):
		return core.NewExchangeError(core.VenueHyperliquid, "", msg, apperrors.ErrOrderNotFound)
	case strings.Contains(lower, "too many"), strings.Contains(lower, "rate limit"):
		return core.NewExchangeError(core.VenueHyperliquid, "", msg, apperrors.ErrRateLimited)
	case strings.Contains(lower, "invalid"):
		return core.NewExchangeError(core.VenueHyperliquid, "", msg, apperrors.ErrInvalidOrder)
	default:
		return core.NewExchangeError(core.VenueHyperliquid, "", msg, apperrors.ErrOrderRejected)
	}
}

func mapOrderStatus(raw string) core.OrderStatus {
	switch raw {
	case "open":
		return core.OrderStatusSubmitted
	case "filled":
		return core.OrderStatusFilled
	case "canceled", "marginCanceled", "liquidatedCanceled":
		return core.OrderStatusCancelled
	case "rejected":
		return core.OrderStatusRejected
	case "triggered":
		return core.OrderStatusSubmitted
	default:
		return core.OrderStatusPending
	}
}

// loadAssets refreshes the coin -> asset index table. The venue
// addresses perp markets by universe position, not by name.
func (e *Exchange) loadAssets(ctx context.Context) error {
	meta, err := e.fetchMeta(ctx)
	if err != nil {
		return err
	}

	assets := make(map[core.Symbol]assetInfo, len(meta.Universe))
	for i, entry := range meta.Universe {
		sym := core.NormalizeSymbol(entry.Name)
		assets[sym] = assetInfo{
			name:       entry.Name,
			index:      i,
			szDecimals: entry.SzDecimals,
			delisted:   entry.IsDelisted,
		}
	}

	e.assetMu.Lock()
	e.assets = assets
	e.assetMu.Unlock()
	e.MarkSymbolsRefreshed()
	e.ready.Store(true)

	e.Logger.Debug("Symbol table refreshed", "assets", len(assets))
	return nil
}

func (e *Exchange) fetchMeta(ctx context.Context) (*metaAndAssetCtxs, error) {
	body, err := e.HTTP.Post(ctx, infoPath, infoRequest{Type: "metaAndAssetCtxs"})
	if err != nil {
		return nil, e.Translate(err)
	}
	var meta metaAndAssetCtxs
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, fmt.Errorf("hyperliquid: decode meta: %w", err)
	}
	return &meta, nil
}

// assetFor resolves a normalized symbol to venue asset metadata,
// refreshing the table when it has expired.
func (e *Exchange) assetFor(ctx context.Context, symbol core.Symbol) (assetInfo, error) {
	if e.SymbolsExpired() {
		if err := e.loadAssets(ctx); err != nil {
			e.assetMu.RLock()
			empty := len(e.assets) == 0
			e.assetMu.RUnlock()
			if empty {
				return assetInfo{}, err
			}
			e.Logger.Warn("Symbol table refresh failed, using previous table", "error", err)
		}
	}

	e.assetMu.RLock()
	info, ok := e.assets[core.NormalizeSymbol(string(symbol))]
	e.assetMu.RUnlock()
	if !ok || info.delisted {
		return assetInfo{}, core.NewExchangeError(core.VenueHyperliquid, "", fmt.Sprintf("unknown symbol %s", symbol), apperrors.ErrInvalidSymbol)
	}
	return info, nil
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

// doAction signs an action and posts it to the exchange endpoint
func (e *Exchange) doAction(ctx context.Context, action interface{}) (*exchangeResponseData, error) {
	nonce := e.nextNonce()
	sig, err := e.signer.SignAction(action, nonce, e.vault)
	if err != nil {
		return nil, err
	}

	body, err := e.HTTP.Post(ctx, exchangePath, exchangeRequest{
		Action:       action,
		Nonce:        nonce,
		Signature:    *sig,
		VaultAddress: e.vault,
	})
	if err != nil {
		return nil, e.Translate(err)
	}

	var resp exchangeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("hyperliquid: decode exchange response: %w", err)
	}
	if resp.Status != "ok" {
		var msg string
		if err := json.Unmarshal(resp.Response, &msg); err != nil {
			msg = string(resp.Response)
		}
		return nil, mapVenueError(msg)
	}

	var data exchangeResponseData
	if len(resp.Response) > 0 {
		if err := json.Unmarshal(resp.Response, &data); err != nil {
			return nil, fmt.Errorf("hyperliquid: decode exchange payload: %w", err)
		}
	}
	return &data, nil
}

func mapTIF(t core.TimeInForce) (string, error) {
	switch t {
	case core.TIFGoodTilCancel, "":
		return "Gtc", nil
	case core.TIFImmediateOrCancel:
		return "Ioc", nil
	default:
		return "", core.NewExchangeError(core.VenueHyperliquid, "", fmt.Sprintf("time in force %s", t), apperrors.ErrNotSupported)
	}
}

// cloidFor derives a stable venue client id from the keeper's client
// order id. The venue requires a 128-bit hex cloid.
func cloidFor(clientOrderID string) string {
	if clientOrderID == "" {
		return ""
	}
	sum := crypto.Keccak256([]byte(clientOrderID))
	return "0x" + hex.EncodeToString(sum[:16])
}

// roundPrice clamps a price to the venue's five significant figures and
// per-asset decimal cap.
func roundPrice(px decimal.Decimal, szDecimals int) decimal.Decimal {
	if px.IsZero() {
		return px
	}
	intDigits := int32(px.Abs().NumDigits()) + px.Exponent()
	places := 5 - intDigits
	maxPlaces := int32(6 - szDecimals)
	if places > maxPlaces {
		places = maxPlaces
	}
	if places < 0 {
		places = 0
	}
	return px.Round(places)
}

func (e *Exchange) buildOrderPayload(ctx context.Context, req *core.OrderRequest) (orderPayload, assetInfo, error) {
	asset, err := e.assetFor(ctx, req.Symbol)
	if err != nil {
		return orderPayload{}, assetInfo{}, err
	}

	order := req
	if req.Type == core.OrderTypeMarket {
		mark, err := e.GetMarkPrice(ctx, req.Symbol)
		if err != nil {
			return orderPayload{}, assetInfo{}, err
		}
		order = e.EmulateMarket(req, mark)
	}

	size := order.Size.RoundFloor(int32(asset.szDecimals))
	if size.LessThanOrEqual(decimal.Zero) {
		return orderPayload{}, assetInfo{}, core.NewExchangeError(core.VenueHyperliquid, "",
			fmt.Sprintf("size %s rounds to zero at %d decimals", order.Size, asset.szDecimals), apperrors.ErrStepSize)
	}

	tif, err := mapTIF(order.TimeInForce)
	if err != nil {
		return orderPayload{}, assetInfo{}, err
	}

	return orderPayload{
		Asset:      asset.index,
		IsBuy:      order.Side == core.SideLong,
		LimitPx:    roundPrice(order.Price, asset.szDecimals).String(),
		Sz:         size.String(),
		ReduceOnly: order.ReduceOnly,
		OrderType:  orderTypePayload{Limit: &limitPayload{TIF: tif}},
		Cloid:      cloidFor(order.ClientOrderID),
	}, asset, nil
}

// PlaceOrder submits an order. Market orders are emulated as IOC limit
// orders priced through the mark.
func (e *Exchange) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.OrderResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := e.Throttle(ctx); err != nil {
		return nil, err
	}

	payload, _, err := e.buildOrderPayload(ctx, req)
	if err != nil {
		return nil, err
	}

	data, err := e.doAction(ctx, orderAction{Type: "order", Orders: []orderPayload{payload}, Grouping: "na"})
	if err != nil {
		return nil, err
	}
	if len(data.Data.Statuses) == 0 {
		return nil, core.NewExchangeError(core.VenueHyperliquid, "", "empty order response", apperrors.ErrOrderRejected)
	}

	entry, err := decodeStatus(data.Data.Statuses[0])
	if err != nil {
		return nil, err
	}
	if entry.Error != "" {
		return nil, mapVenueError(entry.Error)
	}

	now := e.Clock.Now()
	resp := &core.OrderResponse{
		Venue:         core.VenueHyperliquid,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Size:          e.ParseDecimal(payload.Sz),
		Price:         e.ParseDecimal(payload.LimitPx),
		ReduceOnly:    payload.ReduceOnly,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	switch {
	case entry.Filled != nil:
		resp.OrderID = strconv.FormatInt(entry.Filled.Oid, 10)
		resp.Status = core.OrderStatusFilled
		resp.FilledSize = e.ParseDecimal(entry.Filled.TotalSz)
		resp.AvgFillPrice = e.ParseDecimal(entry.Filled.AvgPx)
	case entry.Resting != nil:
		resp.OrderID = strconv.FormatInt(entry.Resting.Oid, 10)
		resp.Status = core.OrderStatusSubmitted
	default:
		return nil, core.NewExchangeError(core.VenueHyperliquid, "", "order response missing status", apperrors.ErrOrderRejected)
	}

	e.InvalidateBalance()
	return resp, nil
}

// CancelOrder cancels a resting order. Cancelling an order that is
// already terminal returns (false, nil) so sweeps stay idempotent.
func (e *Exchange) CancelOrder(ctx context.Context, orderID string, symbol core.Symbol) (bool, error) {
	if err := e.Throttle(ctx); err != nil {
		return false, err
	}
	asset, err := e.assetFor(ctx, symbol)
	if err != nil {
		return false, err
	}
	oid, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return false, core.NewExchangeError(core.VenueHyperliquid, "", fmt.Sprintf("malformed order id %q", orderID), apperrors.ErrOrderNotFound)
	}

	data, err := e.doAction(ctx, cancelAction{Type: "cancel", Cancels: []cancelPayload{{Asset: asset.index, Oid: oid}}})
	if err != nil {
		if core.IsOrderNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if len(data.Data.Statuses) == 0 {
		return false, nil
	}

	entry, err := decodeStatus(data.Data.Statuses[0])
	if err != nil {
		return false, err
	}
	if entry.Error != "" {
		mapped := mapVenueError(entry.Error)
		if core.IsOrderNotFound(mapped) {
			return false, nil
		}
		return false, mapped
	}
	return true, nil
}

// CancelAllOrders cancels every resting order for a symbol and returns
// how many cancels the venue acknowledged.
func (e *Exchange) CancelAllOrders(ctx context.Context, symbol core.Symbol) (int, error) {
	asset, err := e.assetFor(ctx, symbol)
	if err != nil {
		return 0, err
	}

	open, err := e.GetOpenOrders(ctx)
	if err != nil {
		return 0, err
	}

	var cancels []cancelPayload
	for _, o := range open {
		if core.NormalizeSymbol(string(o.Symbol)) != core.NormalizeSymbol(string(symbol)) {
			continue
		}
		oid, err := strconv.ParseInt(o.OrderID, 10, 64)
		if err != nil {
			continue
		}
		cancels = append(cancels, cancelPayload{Asset: asset.index, Oid: oid})
	}
	if len(cancels) == 0 {
		return 0, nil
	}

	if err := e.Throttle(ctx); err != nil {
		return 0, err
	}
	data, err := e.doAction(ctx, cancelAction{Type: "cancel", Cancels: cancels})
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, raw := range data.Data.Statuses {
		entry, err := decodeStatus(raw)
		if err != nil {
			continue
		}
		if entry.Success {
			cancelled++
		}
	}
	return cancelled, nil
}

// GetOrderStatus fetches the current state of an order by id
func (e *Exchange) GetOrderStatus(ctx context.Context, orderID string, symbol core.Symbol) (*core.OrderResponse, error) {
	oid, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, core.NewExchangeError(core.VenueHyperliquid, "", fmt.Sprintf("malformed order id %q", orderID), apperrors.ErrOrderNotFound)
	}
	if err := e.Throttle(ctx); err != nil {
		return nil, err
	}

	body, err := e.HTTP.Post(ctx, infoPath, infoRequest{Type: "orderStatus", User: e.Address(), Oid: oid})
	if err != nil {
		return nil, e.Translate(err)
	}

	var resp orderStatusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("hyperliquid: decode order status: %w", err)
	}
	if resp.Status != "ok" {
		return nil, core.NewExchangeError(core.VenueHyperliquid, "", fmt.Sprintf("order %s: %s", orderID, resp.Status), apperrors.ErrOrderNotFound)
	}

	return e.toOrderResponse(resp.Order.Order, resp.Order.Status, resp.Order.StatusTimestamp), nil
}

// GetOpenOrders returns all resting orders for the account
func (e *Exchange) GetOpenOrders(ctx context.Context) ([]*core.OrderResponse, error) {
	if err := e.Throttle(ctx); err != nil {
		return nil, err
	}
	body, err := e.HTTP.Post(ctx, infoPath, infoRequest{Type: "frontendOpenOrders", User: e.Address()})
	if err != nil {
		return nil, e.Translate(err)
	}

	var raw []openOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("hyperliquid: decode open orders: %w", err)
	}

	out := make([]*core.OrderResponse, 0, len(raw))
	for _, o := range raw {
		out = append(out, e.toOrderResponse(o, "open", o.Timestamp))
	}
	return out, nil
}

func (e *Exchange) toOrderResponse(o openOrder, status string, statusTs int64) *core.OrderResponse {
	side := core.SideShort
	if o.Side == "B" {
		side = core.SideLong
	}

	orig := e.ParseDecimal(o.OrigSz)
	remaining := e.ParseDecimal(o.Sz)
	filled := orig.Sub(remaining)
	if filled.IsNegative() {
		filled = decimal.Zero
	}

	mapped := mapOrderStatus(status)
	if mapped == core.OrderStatusSubmitted && filled.IsPositive() {
		mapped = core.OrderStatusPartiallyFilled
	}

	resp := &core.OrderResponse{
		Venue:         core.VenueHyperliquid,
		OrderID:       strconv.FormatInt(o.Oid, 10),
		ClientOrderID: o.Cloid,
		Symbol:        core.NormalizeSymbol(o.Coin),
		Side:          side,
		Type:          core.OrderTypeLimit,
		Status:        mapped,
		Size:          orig,
		FilledSize:    filled,
		Price:         e.ParseDecimal(o.LimitPx),
		ReduceOnly:    o.ReduceOnly,
		CreatedAt:     e.ParseTimestamp(o.Timestamp),
		UpdatedAt:     e.ParseTimestamp(statusTs),
	}
	if resp.Status == core.OrderStatusFilled {
		resp.FilledSize = orig
		resp.AvgFillPrice = resp.Price
	}
	return resp
}

// ModifyOrder rewrites a resting order's price and size in place
func (e *Exchange) ModifyOrder(ctx context.Context, orderID string, req *core.OrderRequest) (*core.OrderResponse, error) {
	oid, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, core.NewExchangeError(core.VenueHyperliquid, "", fmt.Sprintf("malformed order id %q", orderID), apperrors.ErrOrderNotFound)
	}
	if err := e.Throttle(ctx); err != nil {
		return nil, err
	}

	payload, _, err := e.buildOrderPayload(ctx, req)
	if err != nil {
		return nil, err
	}

	data, err := e.doAction(ctx, modifyAction{Type: "batchModify", Modifies: []modifyPayload{{Oid: oid, Order: payload}}})
	if err != nil {
		return nil, err
	}
	if len(data.Data.Statuses) == 0 {
		return nil, core.NewExchangeError(core.VenueHyperliquid, "", "empty modify response", apperrors.ErrOrderRejected)
	}
	entry, err := decodeStatus(data.Data.Statuses[0])
	if err != nil {
		return nil, err
	}
	if entry.Error != "" {
		return nil, mapVenueError(entry.Error)
	}

	resp := &core.OrderResponse{
		Venue:         core.VenueHyperliquid,
		OrderID:       orderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          core.OrderTypeLimit,
		Status:        core.OrderStatusSubmitted,
		Size:          e.ParseDecimal(payload.Sz),
		Price:         e.ParseDecimal(payload.LimitPx),
		ReduceOnly:    payload.ReduceOnly,
		UpdatedAt:     e.Clock.Now(),
	}
	if entry.Resting != nil {
		resp.OrderID = strconv.FormatInt(entry.Resting.Oid, 10)
	}
	if entry.Filled != nil {
		resp.OrderID = strconv.FormatInt(entry.Filled.Oid, 10)
		resp.Status = core.OrderStatusFilled
		resp.FilledSize = e.ParseDecimal(entry.Filled.TotalSz)
		resp.AvgFillPrice = e.ParseDecimal(entry.Filled.AvgPx)
	}
	return resp, nil
}

// SupportsModify reports native order modification support
func (e *Exchange) SupportsModify() bool {
	return true
}

func (e *Exchange) fetchState(ctx context.Context) (*clearinghouseState, error) {
	if err := e.Throttle(ctx); err != nil {
		return nil, err
	}
	body, err := e.HTTP.Post(ctx, infoPath, infoRequest{Type: "clearinghouseState", User: e.Address()})
	if err != nil {
		return nil, e.Translate(err)
	}
	var state clearinghouseState
	if err := json.Unmarshal(body, &state); err != nil {
		return nil, fmt.Errorf("hyperliquid: decode clearinghouse state: %w", err)
	}
	return &state, nil
}

// GetPositions returns all open positions
func (e *Exchange) GetPositions(ctx context.Context) ([]*core.Position, error) {
	state, err := e.fetchState(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*core.Position, 0, len(state.AssetPositions))
	for _, ap := range state.AssetPositions {
		szi := e.ParseDecimal(ap.Position.Szi)
		if szi.IsZero() {
			continue
		}
		side := core.SideLong
		if szi.IsNegative() {
			side = core.SideShort
		}
		out = append(out, &core.Position{
			Venue:            core.VenueHyperliquid,
			Symbol:           core.NormalizeSymbol(ap.Position.Coin),
			Side:             side,
			Size:             szi.Abs(),
			EntryPrice:       e.ParseDecimal(ap.Position.EntryPx),
			UnrealizedPnl:    e.ParseDecimal(ap.Position.UnrealizedPnl),
			Leverage:         decimal.NewFromInt(int64(ap.Position.Leverage.Value)),
			LiquidationPrice: e.ParseDecimal(ap.Position.LiquidationPx),
			MarginUsed:       e.ParseDecimal(ap.Position.MarginUsed),
			UpdatedAt:        e.ParseTimestamp(state.Time),
		})
	}
	return out, nil
}

// GetPosition returns the open position for one symbol, nil when flat
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
		state, err := e.fetchState(ctx)
		if err != nil {
			return nil, err
		}
		return &core.Balance{
			Venue:          core.VenueHyperliquid,
			FreeCollateral: e.ParseDecimal(state.Withdrawable),
			Equity:         e.ParseDecimal(state.MarginSummary.AccountValue),
			UpdatedAt:      e.Clock.Now(),
		}, nil
	})
}

// GetBalance returns free collateral available for new orders
func (e *Exchange) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	b, err := e.cachedBalance(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return b.FreeCollateral, nil
}

// GetEquity returns total account value including unrealized PnL
func (e *Exchange) GetEquity(ctx context.Context) (decimal.Decimal, error) {
	b, err := e.cachedBalance(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return b.Equity, nil
}

// GetMarkPrice returns the venue mark price for a symbol
func (e *Exchange) GetMarkPrice(ctx context.Context, symbol core.Symbol) (decimal.Decimal, error) {
	return e.MarkPrice(ctx, core.NormalizeSymbol(string(symbol)), func(ctx context.Context) (decimal.Decimal, error) {
		asset, err := e.assetFor(ctx, symbol)
		if err != nil {
			return decimal.Zero, err
		}
		if err := e.Throttle(ctx); err != nil {
			return decimal.Zero, err
		}
		meta, err := e.fetchMeta(ctx)
		if err != nil {
			return decimal.Zero, err
		}
		if asset.index >= len(meta.Ctxs) {
			return decimal.Zero, core.NewExchangeError(core.VenueHyperliquid, "", fmt.Sprintf("no market context for %s", symbol), apperrors.ErrInvalidSymbol)
		}
		mark := e.ParseDecimal(meta.Ctxs[asset.index].MarkPx)
		if mark.IsZero() {
			return decimal.Zero, core.NewExchangeError(core.VenueHyperliquid, "", fmt.Sprintf("zero mark price for %s", symbol), apperrors.ErrInvalidSymbol)
		}
		return mark, nil
	})
}

// GetFundingRate returns the current hourly funding rate. The venue
// recomputes funding continuously from premium, so the predicted rate
// equals the current one.
func (e *Exchange) GetFundingRate(ctx context.Context, symbol core.Symbol) (*core.FundingRate, error) {
	asset, err := e.assetFor(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if err := e.Throttle(ctx); err != nil {
		return nil, err
	}
	meta, err := e.fetchMeta(ctx)
	if err != nil {
		return nil, err
	}
	if asset.index >= len(meta.Ctxs) {
		return nil, core.NewExchangeError(core.VenueHyperliquid, "", fmt.Sprintf("no market context for %s", symbol), apperrors.ErrInvalidSymbol)
	}

	rate := e.ParseDecimal(meta.Ctxs[asset.index].Funding)
	now := e.Clock.Now()
	return &core.FundingRate{
		Venue:         core.VenueHyperliquid,
		Symbol:        core.NormalizeSymbol(string(symbol)),
		CurrentRate:   rate,
		PredictedRate: rate,
		NextFundingAt: now.Truncate(time.Hour).Add(time.Hour),
	}, nil
}

// StartOrderStream subscribes to the account order update channel
func (e *Exchange) StartOrderStream(ctx context.Context, callback func(*core.OrderUpdate)) error {
	client := websocket.NewClient(e.wsURL, func(message []byte) {
		var event struct {
			Channel string          `json:"channel"`
			Data    json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(message, &event); err != nil {
			e.Logger.Warn("Failed to unmarshal order stream message", "error", err)
			return
		}
		if event.Channel != "orderUpdates" {
			return
		}

		var updates []wsOrderUpdate
		if err := json.Unmarshal(event.Data, &updates); err != nil {
			e.Logger.Warn("Failed to unmarshal order updates", "error", err)
			return
		}

		for _, u := range updates {
			resp := e.toOrderResponse(u.Order, u.Status, u.StatusTimestamp)
			callback(&core.OrderUpdate{
				Venue:        core.VenueHyperliquid,
				OrderID:      resp.OrderID,
				Symbol:       resp.Symbol,
				Side:         resp.Side,
				Status:       resp.Status,
				FilledSize:   resp.FilledSize,
				AvgFillPrice: resp.AvgFillPrice,
				Timestamp:    resp.UpdatedAt,
			})
		}
	}, e.Logger)

	client.SetOnConnected(func() {
		sub := map[string]interface{}{
			"method": "subscribe",
			"subscription": map[string]string{
				"type": "orderUpdates",
				"user": e.Address(),
			},
		}
		if err := client.Send(sub); err != nil {
			e.Logger.Error("Failed to subscribe to order updates", "error", err)
		}
	})

	e.ws = client
	client.Start()

	go func() {
		<-ctx.Done()
		client.Stop()
	}()

	return nil
}

// StopOrderStream closes the order update subscription
func (e *Exchange) StopOrderStream() error {
	if e.ws != nil {
		e.ws.Stop()
		e.ws = nil
	}
	return nil
}
