// Package exchange defines the execution boundary the agent drives: market data, account
// queries, and order placement for one futures venue.
package exchange

import (
	"context"
	"errors"
	"time"

	"futures-agent/internal/market"
)

// ErrNoPosition is returned by GetOpenPosition when the symbol has no open size.
var ErrNoPosition = errors.New("no open position")

// OrderSide is the exchange-level direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Opposite returns the closing side.
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType enumerates the order kinds the agent uses.
type OrderType string

const (
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// Position is the exchange's view of an open position. Amount is signed: positive long,
// negative short.
type Position struct {
	Symbol     string
	Amount     float64
	EntryPrice float64
	MarkPrice  float64
	Leverage   int
}

// Size returns the absolute position size.
func (p Position) Size() float64 {
	if p.Amount < 0 {
		return -p.Amount
	}
	return p.Amount
}

// IsLong reports whether the position is long.
func (p Position) IsLong() bool { return p.Amount > 0 }

// Order is an open (resting) or just-placed order.
type Order struct {
	ID            int64
	ClientID      string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Quantity      float64
	StopPrice     float64
	AvgPrice      float64
	ClosePosition bool
	ReduceOnly    bool
	// Conditional orders live in a separate book on some venues and are cancelled there.
	Conditional bool
	Status      string
	CreatedAt   time.Time
}

// IsClosingStop reports whether o is a stop-market that closes the position on side.
func (o Order) IsClosingStop(closeSide OrderSide) bool {
	return o.Type == OrderTypeStopMarket && o.Side == closeSide && (o.ClosePosition || o.ReduceOnly)
}

// IsClosingTakeProfit reports whether o is a take-profit-market that closes the position on side.
func (o Order) IsClosingTakeProfit(closeSide OrderSide) bool {
	return o.Type == OrderTypeTakeProfitMarket && o.Side == closeSide && (o.ClosePosition || o.ReduceOnly)
}

// Gateway is the execution boundary. Implementations own signing, retries and timeouts.
type Gateway interface {
	GetCandles(ctx context.Context, symbol, timeframe string, limit int) (market.Snapshot, error)
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
	// GetOpenPosition returns ErrNoPosition when the symbol is flat.
	GetOpenPosition(ctx context.Context, symbol string) (Position, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]Order, error)
	PlaceMarketOrder(ctx context.Context, symbol string, side OrderSide, quantity float64, reduceOnly bool, clientID string) (Order, error)
	// PlaceStopOrder and PlaceTakeProfitOrder place closePosition orders on side.
	PlaceStopOrder(ctx context.Context, symbol string, side OrderSide, stopPrice float64, clientID string) (Order, error)
	PlaceTakeProfitOrder(ctx context.Context, symbol string, side OrderSide, stopPrice float64, clientID string) (Order, error)
	CancelAllOrders(ctx context.Context, symbol string) error
	CancelOrder(ctx context.Context, order Order) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	GetBalance(ctx context.Context) (float64, error)
}
