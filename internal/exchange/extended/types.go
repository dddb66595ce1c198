package extended

import "encoding/json"

// Wire payloads for the REST API. Every response is wrapped in a
// status envelope; errors carry a numeric code and message.

type envelope struct {
	Status string          `json:"status"`
	Error  *apiError       `json:"error,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type marketEntry struct {
	Name          string `json:"name"`
	Active        bool   `json:"active"`
	TradingConfig struct {
		MinOrderSize  string `json:"minOrderSize"`
		QtyStepSize   string `json:"qtyStepSize"`
		PriceStepSize string `json:"priceStepSize"`
	} `json:"tradingConfig"`
	Stats struct {
		LastPrice       string `json:"lastPrice"`
		MarkPrice       string `json:"markPrice"`
		FundingRate     string `json:"fundingRate"`
		NextFundingRate string `json:"nextFundingRate"`
		NextFundingAtMs int64  `json:"nextFundingTime"`
	} `json:"marketStats"`
}

type balanceData struct {
	Equity            string `json:"equity"`
	AvailableForTrade string `json:"availableForTrade"`
}

type positionEntry struct {
	Market           string `json:"market"`
	Side             string `json:"side"`
	Size             string `json:"size"`
	OpenPrice        string `json:"openPrice"`
	MarkPrice        string `json:"markPrice"`
	UnrealisedPnl    string `json:"unrealisedPnl"`
	LiquidationPrice string `json:"liquidationPrice"`
	Margin           string `json:"margin"`
	Leverage         string `json:"leverage"`
}

type orderEntry struct {
	ID          string `json:"id"`
	ClientID    string `json:"clientId"`
	Market      string `json:"market"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	Status      string `json:"status"`
	Qty         string `json:"qty"`
	FilledQty   string `json:"filledQty"`
	AvgPrice    string `json:"avgPrice"`
	Price       string `json:"price"`
	ReduceOnly  bool   `json:"reduceOnly"`
	CreatedAtMs int64  `json:"createdTime"`
	UpdatedAtMs int64  `json:"updatedTime"`
}

type placeOrderRequest struct {
	Market      string `json:"market"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	Qty         string `json:"qty"`
	Price       string `json:"price,omitempty"`
	TimeInForce string `json:"timeInForce,omitempty"`
	ReduceOnly  bool   `json:"reduceOnly"`
	ClientID    string `json:"clientId,omitempty"`
}

type cancelAllData struct {
	Cancelled []string `json:"cancelled"`
}

// wsMessage is the account stream frame. Order events carry an
// orderEntry in data.
type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}
