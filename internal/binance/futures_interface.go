package binance

import "context"

// FuturesClient is the subset of the Binance USDT-M futures API the agent uses.
type FuturesClient interface {
	// ==================== ACCOUNT ====================

	GetFuturesAccountInfo(ctx context.Context) (*FuturesAccountInfo, error)

	// GetPositionBySymbol returns the one-way position; PositionAmt is 0 when flat.
	GetPositionBySymbol(ctx context.Context, symbol string) (*FuturesPosition, error)

	SetLeverage(ctx context.Context, symbol string, leverage int) (*LeverageResponse, error)

	// ==================== TRADING ====================

	// PlaceFuturesOrder routes conditional types to the algo service.
	PlaceFuturesOrder(ctx context.Context, params FuturesOrderParams) (*FuturesOrder, error)

	// CancelFuturesOrder cancels a regular order, or an algo order when algo is set.
	CancelFuturesOrder(ctx context.Context, symbol string, orderId int64, algo bool) error

	// CancelAllFuturesOrders cancels regular and algo orders for the symbol.
	CancelAllFuturesOrders(ctx context.Context, symbol string) error

	// GetOpenOrders merges regular and algo open orders.
	GetOpenOrders(ctx context.Context, symbol string) ([]FuturesOrder, error)

	// ==================== MARKET DATA ====================

	GetFuturesKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
	GetFuturesCurrentPrice(ctx context.Context, symbol string) (float64, error)
}

var (
	_ FuturesClient = (*FuturesClientImpl)(nil)
	_ FuturesClient = (*FuturesMockClient)(nil)
)
