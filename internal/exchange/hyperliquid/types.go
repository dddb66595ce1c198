package hyperliquid

import (
	"encoding/json"
	"fmt"
)

// Wire payloads for the exchange and info endpoints. Field order
// matters: signatures commit to the msgpack encoding of these structs.

type orderPayload struct {
	Asset      int              `json:"a" msgpack:"a"`
	IsBuy      bool             `json:"b" msgpack:"b"`
	LimitPx    string           `json:"p" msgpack:"p"`
	Sz         string           `json:"s" msgpack:"s"`
	ReduceOnly bool             `json:"r" msgpack:"r"`
	OrderType  orderTypePayload `json:"t" msgpack:"t"`
	Cloid      string           `json:"c,omitempty" msgpack:"c,omitempty"`
}

type orderTypePayload struct {
	Limit   *limitPayload   `json:"limit,omitempty" msgpack:"limit,omitempty"`
	Trigger *triggerPayload `json:"trigger,omitempty" msgpack:"trigger,omitempty"`
}

type limitPayload struct {
	TIF string `json:"tif" msgpack:"tif"`
}

type triggerPayload struct {
	IsMarket  bool   `json:"isMarket" msgpack:"isMarket"`
	TriggerPx string `json:"triggerPx" msgpack:"triggerPx"`
	Tpsl      string `json:"tpsl" msgpack:"tpsl"`
}

type cancelPayload struct {
	Asset int   `json:"a" msgpack:"a"`
	Oid   int64 `json:"o" msgpack:"o"`
}

type modifyPayload struct {
	Oid   int64        `json:"oid" msgpack:"oid"`
	Order orderPayload `json:"order" msgpack:"order"`
}

type orderAction struct {
	Type     string         `json:"type" msgpack:"type"`
	Orders   []orderPayload `json:"orders" msgpack:"orders"`
	Grouping string         `json:"grouping" msgpack:"grouping"`
}

type cancelAction struct {
	Type    string          `json:"type" msgpack:"type"`
	Cancels []cancelPayload `json:"cancels" msgpack:"cancels"`
}

type modifyAction struct {
	Type     string          `json:"type" msgpack:"type"`
	Modifies []modifyPayload `json:"modifies" msgpack:"modifies"`
}

type exchangeRequest struct {
	Action       interface{} `json:"action"`
	Nonce        int64       `json:"nonce"`
	Signature    Signature   `json:"signature"`
	VaultAddress string      `json:"vaultAddress,omitempty"`
}

type infoRequest struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
	Oid  int64  `json:"oid,omitempty"`
}

// exchangeResponse wraps an action result. On "err" the response field
// is a plain string.
type exchangeResponse struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type exchangeResponseData struct {
	Type string `json:"type"`
	Data struct {
		Statuses []json.RawMessage `json:"statuses"`
	} `json:"data"`
}

// statusEntry is one per-order outcome inside an action response.
// Cancel actions report the bare string "success" instead of an object,
// so callers decode each raw status with decodeStatus.
type statusEntry struct {
	Resting *struct {
		Oid int64 `json:"oid"`
	} `json:"resting,omitempty"`
	Filled *struct {
		TotalSz string `json:"totalSz"`
		AvgPx   string `json:"avgPx"`
		Oid     int64  `json:"oid"`
	} `json:"filled,omitempty"`
	Error   string `json:"error,omitempty"`
	Success bool   `json:"-"`
}

func decodeStatus(raw json.RawMessage) (statusEntry, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return statusEntry{Success: s == "success", Error: errorUnlessSuccess(s)}, nil
	}
	var entry statusEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return statusEntry{}, fmt.Errorf("hyperliquid: decode status entry: %w", err)
	}
	entry.Success = entry.Error == ""
	return entry, nil
}

func errorUnlessSuccess(s string) string {
	if s == "success" {
		return ""
	}
	return s
}

type universeEntry struct {
	Name        string  `json:"name"`
	SzDecimals  int     `json:"szDecimals"`
	MaxLeverage float64 `json:"maxLeverage"`
	IsDelisted  bool    `json:"isDelisted"`
}

type assetCtx struct {
	Funding  string `json:"funding"`
	MarkPx   string `json:"markPx"`
	MidPx    string `json:"midPx"`
	OraclePx string `json:"oraclePx"`
}

// metaAndAssetCtxs decodes both response shapes the venue has used: the
// object form {"universe":[...],"assetCtxs":[...]} and the legacy array
// form [{"universe":[...]}, [...]].
type metaAndAssetCtxs struct {
	Universe []universeEntry
	Ctxs     []assetCtx
}

func (m *metaAndAssetCtxs) UnmarshalJSON(data []byte) error {
	var object struct {
		Universe  []universeEntry `json:"universe"`
		AssetCtxs []assetCtx      `json:"assetCtxs"`
	}
	if err := json.Unmarshal(data, &object); err == nil && len(object.Universe) > 0 {
		m.Universe = object.Universe
		m.Ctxs = object.AssetCtxs
		return nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("hyperliquid: metaAndAssetCtxs decode: %w", err)
	}
	if len(raw) == 0 {
		return fmt.Errorf("hyperliquid: metaAndAssetCtxs empty payload")
	}
	var universeHolder struct {
		Universe []universeEntry `json:"universe"`
	}
	if err := json.Unmarshal(raw[0], &universeHolder); err != nil {
		return fmt.Errorf("hyperliquid: metaAndAssetCtxs universe: %w", err)
	}
	m.Universe = universeHolder.Universe

	if len(raw) > 1 {
		if err := json.Unmarshal(raw[1], &m.Ctxs); err != nil {
			return fmt.Errorf("hyperliquid: metaAndAssetCtxs assetCtxs: %w", err)
		}
	}
	return nil
}

type clearinghouseState struct {
	MarginSummary struct {
		AccountValue    string `json:"accountValue"`
		TotalMarginUsed string `json:"totalMarginUsed"`
	} `json:"marginSummary"`
	Withdrawable   string `json:"withdrawable"`
	AssetPositions []struct {
		Type     string `json:"type"`
		Position struct {
			Coin          string `json:"coin"`
			Szi           string `json:"szi"`
			EntryPx       string `json:"entryPx"`
			UnrealizedPnl string `json:"unrealizedPnl"`
			LiquidationPx string `json:"liquidationPx"`
			MarginUsed    string `json:"marginUsed"`
			Leverage      struct {
				Type  string `json:"type"`
				Value int    `json:"value"`
			} `json:"leverage"`
		} `json:"position"`
	} `json:"assetPositions"`
	Time int64 `json:"time"`
}

type openOrder struct {
	Coin       string `json:"coin"`
	Side       string `json:"side"` // "B" bid, "A" ask
	LimitPx    string `json:"limitPx"`
	Sz         string `json:"sz"` // remaining size
	OrigSz     string `json:"origSz"`
	Oid        int64  `json:"oid"`
	Timestamp  int64  `json:"timestamp"`
	Cloid      string `json:"cloid"`
	ReduceOnly bool   `json:"reduceOnly"`
}

type orderStatusResponse struct {
	Status string `json:"status"` // "ok" or "unknownOid"
	Order  struct {
		Order           openOrder `json:"order"`
		Status          string    `json:"status"`
		StatusTimestamp int64     `json:"statusTimestamp"`
	} `json:"order"`
}

// wsOrderUpdate is one entry on the orderUpdates websocket channel.
type wsOrderUpdate struct {
	Order           openOrder `json:"order"`
	Status          string    `json:"status"`
	StatusTimestamp int64     `json:"statusTimestamp"`
}
