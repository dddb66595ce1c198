package lighter

// Wire payloads for the REST API. Orders are submitted as signed
// transactions; reads are plain authenticated GETs.

type txEnvelope struct {
	Type      string      `json:"type"`
	Account   string      `json:"account"`
	Nonce     int64       `json:"nonce"`
	Payload   interface{} `json:"payload"`
	Signature string      `json:"signature"`
}

type createOrderPayload struct {
	MarketIndex  int    `json:"market_index"`
	IsAsk        bool   `json:"is_ask"`
	Price        string `json:"price"`
	BaseAmount   string `json:"base_amount"`
	TimeInForce  string `json:"time_in_force"`
	ReduceOnly   bool   `json:"reduce_only"`
	ClientOrder  string `json:"client_order_id,omitempty"`
	TriggerPrice string `json:"trigger_price,omitempty"`
}

type cancelOrderPayload struct {
	MarketIndex int    `json:"market_index"`
	OrderIndex  string `json:"order_index"`
}

type cancelAllPayload struct {
	MarketIndex int `json:"market_index"`
}

type txResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	TxHash  string `json:"tx_hash"`
	Order   *struct {
		OrderIndex   string `json:"order_index"`
		Status       string `json:"status"`
		FilledBase   string `json:"filled_base_amount"`
		AvgFillPrice string `json:"avg_fill_price"`
	} `json:"order"`
	CancelledCount int `json:"cancelled_count"`
}

type orderBookEntry struct {
	MarketIndex      int    `json:"market_index"`
	Symbol           string `json:"symbol"`
	SizeDecimals     int    `json:"size_decimals"`
	PriceDecimals    int    `json:"price_decimals"`
	MinBaseAmount    string `json:"min_base_amount"`
	Status           string `json:"status"`
	LastTradePrice   string `json:"last_trade_price"`
	MarkPrice        string `json:"mark_price"`
	FundingRate      string `json:"funding_rate"`
	NextFundingRate  string `json:"next_funding_rate"`
	NextFundingAtMs  int64  `json:"next_funding_at"`
	OpenInterestBase string `json:"open_interest_base"`
}

type orderBooksResponse struct {
	Code       int              `json:"code"`
	OrderBooks []orderBookEntry `json:"order_books"`
}

type accountResponse struct {
	Code     int `json:"code"`
	Accounts []struct {
		AccountIndex int    `json:"account_index"`
		Collateral   string `json:"collateral"`
		TotalValue   string `json:"total_asset_value"`
		Available    string `json:"available_balance"`
		Positions    []struct {
			MarketIndex      int    `json:"market_index"`
			Symbol           string `json:"symbol"`
			Sign             int    `json:"sign"` // 1 long, -1 short
			Position         string `json:"position"`
			AvgEntryPrice    string `json:"avg_entry_price"`
			UnrealizedPnl    string `json:"unrealized_pnl"`
			LiquidationPrice string `json:"liquidation_price"`
			AllocatedMargin  string `json:"allocated_margin"`
		} `json:"positions"`
	} `json:"accounts"`
}

type restOrder struct {
	OrderIndex      string `json:"order_index"`
	ClientOrderID   string `json:"client_order_id"`
	MarketIndex     int    `json:"market_index"`
	IsAsk           bool   `json:"is_ask"`
	Price           string `json:"price"`
	InitialBase     string `json:"initial_base_amount"`
	RemainingBase   string `json:"remaining_base_amount"`
	FilledBase      string `json:"filled_base_amount"`
	AvgFillPrice    string `json:"avg_fill_price"`
	Status          string `json:"status"`
	ReduceOnly      bool   `json:"reduce_only"`
	CreatedAtMs     int64  `json:"created_at"`
	UpdatedAtMs     int64  `json:"updated_at"`
	TimeInForceCode string `json:"time_in_force"`
}

type ordersResponse struct {
	Code   int         `json:"code"`
	Orders []restOrder `json:"orders"`
}

type orderResponse struct {
	Code    int       `json:"code"`
	Message string    `json:"message"`
	Order   restOrder `json:"order"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
