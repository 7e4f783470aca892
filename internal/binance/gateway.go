package binance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"futures-agent/config"
	"futures-agent/internal/exchange"
	"futures-agent/internal/logging"
	"futures-agent/internal/market"
)

// Gateway adapts a FuturesClient to exchange.Gateway, rounding quantities down to the
// contract step and prices to the tick before they are sent.
type Gateway struct {
	client  FuturesClient
	filters config.BinanceConfig
	logger  *logging.Logger
}

var _ exchange.Gateway = (*Gateway)(nil)

// NewGateway wraps client. Rounding steps come from cfg.
func NewGateway(client FuturesClient, cfg config.BinanceConfig, logger *logging.Logger) *Gateway {
	return &Gateway{client: client, filters: cfg, logger: logger.WithComponent("gateway")}
}

// Client returns the wrapped client.
func (g *Gateway) Client() FuturesClient { return g.client }

func (g *Gateway) GetCandles(ctx context.Context, symbol, timeframe string, limit int) (market.Snapshot, error) {
	klines, err := g.client.GetFuturesKlines(ctx, symbol, timeframe, limit)
	if err != nil {
		return market.Snapshot{}, err
	}
	snap := market.Snapshot{Symbol: symbol, Timeframe: timeframe, Candles: make([]market.Candle, 0, len(klines))}
	for _, k := range klines {
		snap.Candles = append(snap.Candles, market.Candle{
			OpenTime:  time.UnixMilli(k.OpenTime).UTC(),
			Open:      k.Open,
			High:      k.High,
			Low:       k.Low,
			Close:     k.Close,
			Volume:    k.Volume,
			CloseTime: time.UnixMilli(k.CloseTime).UTC(),
		})
	}
	return snap, nil
}

func (g *Gateway) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return g.client.GetFuturesCurrentPrice(ctx, symbol)
}

func (g *Gateway) GetOpenPosition(ctx context.Context, symbol string) (exchange.Position, error) {
	pos, err := g.client.GetPositionBySymbol(ctx, symbol)
	if err != nil {
		return exchange.Position{}, err
	}
	if pos == nil || pos.PositionAmt == 0 {
		return exchange.Position{}, exchange.ErrNoPosition
	}
	return exchange.Position{
		Symbol:     pos.Symbol,
		Amount:     pos.PositionAmt,
		EntryPrice: pos.EntryPrice,
		MarkPrice:  pos.MarkPrice,
		Leverage:   pos.Leverage,
	}, nil
}

func (g *Gateway) GetOpenOrders(ctx context.Context, symbol string) ([]exchange.Order, error) {
	orders, err := g.client.GetOpenOrders(ctx, symbol)
	if err != nil {
		return nil, err
	}
	out := make([]exchange.Order, 0, len(orders))
	for _, o := range orders {
		out = append(out, toExchangeOrder(o))
	}
	return out, nil
}

func (g *Gateway) PlaceMarketOrder(ctx context.Context, symbol string, side exchange.OrderSide, quantity float64, reduceOnly bool, clientID string) (exchange.Order, error) {
	qty := g.FormatQuantity(symbol, quantity)
	if qty == "0" {
		return exchange.Order{}, fmt.Errorf("quantity %v rounds to zero for %s", quantity, symbol)
	}
	order, err := g.client.PlaceFuturesOrder(ctx, FuturesOrderParams{
		Symbol:           symbol,
		Side:             string(side),
		Type:             FuturesOrderTypeMarket,
		Quantity:         qty,
		ReduceOnly:       reduceOnly,
		NewClientOrderId: clientID,
	})
	if err != nil {
		return exchange.Order{}, err
	}
	return toExchangeOrder(*order), nil
}

func (g *Gateway) PlaceStopOrder(ctx context.Context, symbol string, side exchange.OrderSide, stopPrice float64, clientID string) (exchange.Order, error) {
	return g.placeClosing(ctx, symbol, side, FuturesOrderTypeStopMarket, stopPrice, clientID)
}

func (g *Gateway) PlaceTakeProfitOrder(ctx context.Context, symbol string, side exchange.OrderSide, stopPrice float64, clientID string) (exchange.Order, error) {
	return g.placeClosing(ctx, symbol, side, FuturesOrderTypeTakeProfitMarket, stopPrice, clientID)
}

func (g *Gateway) placeClosing(ctx context.Context, symbol string, side exchange.OrderSide, orderType FuturesOrderType, stopPrice float64, clientID string) (exchange.Order, error) {
	order, err := g.client.PlaceFuturesOrder(ctx, FuturesOrderParams{
		Symbol:           symbol,
		Side:             string(side),
		Type:             orderType,
		StopPrice:        g.FormatPrice(symbol, stopPrice),
		ClosePosition:    true,
		WorkingType:      WorkingTypeMarkPrice,
		NewClientOrderId: clientID,
	})
	if err != nil {
		return exchange.Order{}, err
	}
	return toExchangeOrder(*order), nil
}

func (g *Gateway) CancelAllOrders(ctx context.Context, symbol string) error {
	return g.client.CancelAllFuturesOrders(ctx, symbol)
}

func (g *Gateway) CancelOrder(ctx context.Context, order exchange.Order) error {
	return g.client.CancelFuturesOrder(ctx, order.Symbol, order.ID, order.Conditional)
}

func (g *Gateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := g.client.SetLeverage(ctx, symbol, leverage)
	return err
}

// GetBalance returns the USDT wallet balance, falling back to the available balance for
// accounts that do not list assets.
func (g *Gateway) GetBalance(ctx context.Context) (float64, error) {
	info, err := g.client.GetFuturesAccountInfo(ctx)
	if err != nil {
		return 0, err
	}
	if b := info.USDTBalance(); b > 0 {
		return b, nil
	}
	return info.AvailableBalance, nil
}

// ==================== ROUNDING ====================

func (g *Gateway) steps(symbol string) (qtyStep, tick float64) {
	qtyStep, tick = g.filters.QuantityStep, g.filters.PriceTick
	if f, ok := g.filters.Symbols[strings.ToUpper(symbol)]; ok {
		if f.QuantityStep > 0 {
			qtyStep = f.QuantityStep
		}
		if f.PriceTick > 0 {
			tick = f.PriceTick
		}
	}
	return qtyStep, tick
}

// FormatQuantity rounds quantity down to the symbol's step.
func (g *Gateway) FormatQuantity(symbol string, quantity float64) string {
	step, _ := g.steps(symbol)
	q := decimal.NewFromFloat(quantity)
	if step > 0 {
		s := decimal.NewFromFloat(step)
		q = q.Div(s).Floor().Mul(s)
	}
	return q.String()
}

// FormatPrice rounds price to the nearest tick.
func (g *Gateway) FormatPrice(symbol string, price float64) string {
	_, tick := g.steps(symbol)
	p := decimal.NewFromFloat(price)
	if tick > 0 {
		t := decimal.NewFromFloat(tick)
		p = p.Div(t).Round(0).Mul(t)
	}
	return p.String()
}

func toExchangeOrder(o FuturesOrder) exchange.Order {
	return exchange.Order{
		ID:            o.OrderId,
		ClientID:      o.ClientOrderId,
		Symbol:        o.Symbol,
		Side:          exchange.OrderSide(o.Side),
		Type:          exchange.OrderType(o.Type),
		Quantity:      o.OrigQty,
		StopPrice:     o.StopPrice,
		AvgPrice:      o.AvgPrice,
		ClosePosition: o.ClosePosition,
		ReduceOnly:    o.ReduceOnly,
		Conditional:   o.Algo,
		Status:        o.Status,
		CreatedAt:     time.UnixMilli(o.Time).UTC(),
	}
}
