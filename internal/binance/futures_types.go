package binance

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// FuturesOrderType represents order types for futures
type FuturesOrderType string

const (
	FuturesOrderTypeMarket           FuturesOrderType = "MARKET"
	FuturesOrderTypeStopMarket       FuturesOrderType = "STOP_MARKET"
	FuturesOrderTypeTakeProfitMarket FuturesOrderType = "TAKE_PROFIT_MARKET"
)

// IsConditional reports whether the type is routed through the algo order service.
func (t FuturesOrderType) IsConditional() bool {
	return t == FuturesOrderTypeStopMarket || t == FuturesOrderTypeTakeProfitMarket
}

// FuturesOrderStatus represents order status
type FuturesOrderStatus string

const (
	FuturesOrderStatusNew      FuturesOrderStatus = "NEW"
	FuturesOrderStatusFilled   FuturesOrderStatus = "FILLED"
	FuturesOrderStatusCanceled FuturesOrderStatus = "CANCELED"
)

// WorkingType for TP/SL orders
type WorkingType string

const (
	WorkingTypeContractPrice WorkingType = "CONTRACT_PRICE"
	WorkingTypeMarkPrice     WorkingType = "MARK_PRICE"
)

// AlgoTypeConditional is the only algo type the agent places.
const AlgoTypeConditional = "CONDITIONAL"

// ==================== ACCOUNT ====================

// FuturesAccountInfo is the subset of /fapi/v2/account the agent reads.
type FuturesAccountInfo struct {
	CanTrade              bool           `json:"canTrade"`
	TotalWalletBalance    float64        `json:"totalWalletBalance,string"`
	TotalUnrealizedProfit float64        `json:"totalUnrealizedProfit,string"`
	TotalMarginBalance    float64        `json:"totalMarginBalance,string"`
	AvailableBalance      float64        `json:"availableBalance,string"`
	Assets                []FuturesAsset `json:"assets"`
}

// FuturesAsset represents an asset in futures account
type FuturesAsset struct {
	Asset            string  `json:"asset"`
	WalletBalance    float64 `json:"walletBalance,string"`
	UnrealizedProfit float64 `json:"unrealizedProfit,string"`
	AvailableBalance float64 `json:"availableBalance,string"`
}

// USDTBalance returns the USDT wallet balance, 0 when the asset is absent.
func (a FuturesAccountInfo) USDTBalance() float64 {
	for _, asset := range a.Assets {
		if asset.Asset == "USDT" {
			return asset.WalletBalance
		}
	}
	return 0
}

// FuturesPosition represents a futures position from positionRisk endpoint
type FuturesPosition struct {
	Symbol           string  `json:"symbol"`
	PositionAmt      float64 `json:"positionAmt,string"`
	EntryPrice       float64 `json:"entryPrice,string"`
	MarkPrice        float64 `json:"markPrice,string"`
	UnrealizedProfit float64 `json:"unRealizedProfit,string"`
	Leverage         int     `json:"leverage,string"`
	PositionSide     string  `json:"positionSide"`
	UpdateTime       int64   `json:"updateTime"`
}

// LeverageResponse represents leverage change response
type LeverageResponse struct {
	Leverage         int     `json:"leverage"`
	MaxNotionalValue float64 `json:"maxNotionalValue,string"`
	Symbol           string  `json:"symbol"`
}

// ==================== ORDERS ====================

// FuturesOrderParams represents parameters for placing a futures order. Conditional
// types are sent to the algo endpoint with StopPrice as the trigger price.
type FuturesOrderParams struct {
	Symbol           string
	Side             string // BUY or SELL
	Type             FuturesOrderType
	Quantity         string
	StopPrice        string
	ReduceOnly       bool
	ClosePosition    bool
	WorkingType      WorkingType
	NewClientOrderId string
}

// FuturesOrder represents a futures order
type FuturesOrder struct {
	OrderId       int64   `json:"orderId"`
	Symbol        string  `json:"symbol"`
	Status        string  `json:"status"`
	ClientOrderId string  `json:"clientOrderId"`
	Price         float64 `json:"price,string"`
	AvgPrice      float64 `json:"avgPrice,string"`
	OrigQty       float64 `json:"origQty,string"`
	ExecutedQty   float64 `json:"executedQty,string"`
	Type          string  `json:"type"`
	ReduceOnly    bool    `json:"reduceOnly"`
	ClosePosition bool    `json:"closePosition"`
	Side          string  `json:"side"`
	StopPrice     float64 `json:"stopPrice,string"`
	Time          int64   `json:"time"`
	UpdateTime    int64   `json:"updateTime"`
	// Algo marks conditional orders held by the algo service; OrderId is then the algoId.
	Algo bool `json:"-"`
}

// AlgoOrder represents an open or historical algo order
type AlgoOrder struct {
	AlgoId        int64   `json:"algoId"`
	ClientAlgoId  string  `json:"clientAlgoId"`
	AlgoType      string  `json:"algoType"`
	OrderType     string  `json:"orderType"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	AlgoStatus    string  `json:"algoStatus"`
	TriggerPrice  float64 `json:"triggerPrice,string"`
	Quantity      float64 `json:"quantity,string"`
	ClosePosition bool    `json:"closePosition"`
	ReduceOnly    bool    `json:"reduceOnly"`
	CreateTime    int64   `json:"createTime"`
	UpdateTime    int64   `json:"updateTime"`
}

// toOrder folds an algo order into the regular order shape.
func (a AlgoOrder) toOrder() FuturesOrder {
	return FuturesOrder{
		OrderId:       a.AlgoId,
		Symbol:        a.Symbol,
		Status:        a.AlgoStatus,
		ClientOrderId: a.ClientAlgoId,
		OrigQty:       a.Quantity,
		Type:          a.OrderType,
		ReduceOnly:    a.ReduceOnly,
		ClosePosition: a.ClosePosition,
		Side:          a.Side,
		StopPrice:     a.TriggerPrice,
		Time:          a.CreateTime,
		UpdateTime:    a.UpdateTime,
		Algo:          true,
	}
}

// ==================== MARKET DATA ====================

// Kline represents a candlestick
type Kline struct {
	OpenTime  int64   `json:"openTime"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	CloseTime int64   `json:"closeTime"`
}

// parseKlines decodes the positional array format of /fapi/v1/klines.
func parseKlines(body []byte) ([]Kline, error) {
	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("error parsing klines: %w", err)
	}
	klines := make([]Kline, 0, len(raw))
	for i, r := range raw {
		if len(r) < 7 {
			return nil, fmt.Errorf("kline %d has %d fields", i, len(r))
		}
		klines = append(klines, Kline{
			OpenTime:  int64(parseFloat(r[0])),
			Open:      parseFloat(r[1]),
			High:      parseFloat(r[2]),
			Low:       parseFloat(r[3]),
			Close:     parseFloat(r[4]),
			Volume:    parseFloat(r[5]),
			CloseTime: int64(parseFloat(r[6])),
		})
	}
	return klines, nil
}

func parseFloat(val interface{}) float64 {
	switch v := val.(type) {
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	case float64:
		return v
	default:
		return 0
	}
}

// ==================== ERRORS ====================

// APIError is the error body Binance returns on non-2xx responses.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       int    `json:"code"`
	Message    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance API error (status %d, code %d): %s", e.StatusCode, e.Code, e.Message)
}

// Retryable reports whether the failure is transient.
func (e *APIError) Retryable() bool {
	if e.StatusCode == 429 || e.StatusCode >= 500 {
		return true
	}
	switch e.Code {
	case -1001, // DISCONNECTED
		-1003, // TOO_MANY_REQUESTS
		-1015, // TOO_MANY_ORDERS
		-1016: // SERVICE_SHUTTING_DOWN
		return true
	}
	return false
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = string(body)
	}
	return apiErr
}
