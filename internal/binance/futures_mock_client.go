package binance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// MarketDataSource supplies prices and klines to the mock; dry-run uses the public REST client.
type MarketDataSource interface {
	GetFuturesKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
	GetFuturesCurrentPrice(ctx context.Context, symbol string) (float64, error)
}

// FuturesMockClient implements the FuturesClient interface for dry-run mode. Market orders
// fill at the current price; conditional orders rest until the price crosses their trigger
// and are evaluated whenever the position is queried.
type FuturesMockClient struct {
	mu          sync.Mutex
	source      MarketDataSource
	positions   map[string]*FuturesPosition
	orders      map[int64]*FuturesOrder
	leverage    map[string]int
	prices      map[string]float64
	klines      map[string][]Kline
	balance     float64
	nextOrderId int64

	failures    map[FuturesOrderType][]error
	settleDelay int
	pending     map[string]int
	now         func() time.Time
}

// NewFuturesMockClient creates a new mock futures client. source may be nil, in which case
// prices and klines come from SetPrice and SetKlines.
func NewFuturesMockClient(initialBalance float64, source MarketDataSource) *FuturesMockClient {
	return &FuturesMockClient{
		source:      source,
		positions:   make(map[string]*FuturesPosition),
		orders:      make(map[int64]*FuturesOrder),
		leverage:    make(map[string]int),
		prices:      make(map[string]float64),
		klines:      make(map[string][]Kline),
		balance:     initialBalance,
		nextOrderId: 1000,
		failures:    make(map[FuturesOrderType][]error),
		pending:     make(map[string]int),
		now:         time.Now,
	}
}

// ==================== TEST AND DRY-RUN HOOKS ====================

// SetPrice overrides the price for symbol.
func (c *FuturesMockClient) SetPrice(symbol string, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[symbol] = price
}

// SetKlines overrides the klines for symbol.
func (c *FuturesMockClient) SetKlines(symbol string, klines []Kline) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.klines[symbol] = append([]Kline(nil), klines...)
}

// FailNext makes the next placement of orderType return err, once per call.
func (c *FuturesMockClient) FailNext(orderType FuturesOrderType, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[orderType] = append(c.failures[orderType], err)
}

// SetSettlementDelay hides a newly opened position from the next n position queries.
func (c *FuturesMockClient) SetSettlementDelay(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settleDelay = n
}

// DropOrders removes resting orders of orderType for symbol without notice, as when the
// venue expires or rejects them after acceptance.
func (c *FuturesMockClient) DropOrders(symbol string, orderType FuturesOrderType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, o := range c.orders {
		if o.Symbol == symbol && o.Type == string(orderType) {
			delete(c.orders, id)
			n++
		}
	}
	return n
}

// SetPosition seeds a position, as if opened outside the agent.
func (c *FuturesMockClient) SetPosition(symbol string, amount, entryPrice float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions[symbol] = &FuturesPosition{
		Symbol:       symbol,
		PositionAmt:  amount,
		EntryPrice:   entryPrice,
		MarkPrice:    entryPrice,
		Leverage:     c.leverageFor(symbol),
		PositionSide: "BOTH",
		UpdateTime:   c.now().UnixMilli(),
	}
}

// Balance returns the simulated wallet balance.
func (c *FuturesMockClient) Balance() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balance
}

// ==================== ACCOUNT ====================

func (c *FuturesMockClient) GetFuturesAccountInfo(ctx context.Context) (*FuturesAccountInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	unrealized := 0.0
	for _, pos := range c.positions {
		unrealized += pos.UnrealizedProfit
	}
	return &FuturesAccountInfo{
		CanTrade:              true,
		TotalWalletBalance:    c.balance,
		TotalUnrealizedProfit: unrealized,
		TotalMarginBalance:    c.balance + unrealized,
		AvailableBalance:      c.balance,
		Assets: []FuturesAsset{{
			Asset:            "USDT",
			WalletBalance:    c.balance,
			UnrealizedProfit: unrealized,
			AvailableBalance: c.balance,
		}},
	}, nil
}

func (c *FuturesMockClient) GetPositionBySymbol(ctx context.Context, symbol string) (*FuturesPosition, error) {
	price, err := c.GetFuturesCurrentPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.triggerConditionals(symbol, price)

	if c.pending[symbol] > 0 {
		c.pending[symbol]--
		return &FuturesPosition{Symbol: symbol, PositionSide: "BOTH"}, nil
	}

	pos, ok := c.positions[symbol]
	if !ok {
		return &FuturesPosition{Symbol: symbol, Leverage: c.leverageFor(symbol), PositionSide: "BOTH"}, nil
	}
	pos.MarkPrice = price
	pos.UnrealizedProfit = (price - pos.EntryPrice) * pos.PositionAmt
	out := *pos
	return &out, nil
}

func (c *FuturesMockClient) SetLeverage(ctx context.Context, symbol string, leverage int) (*LeverageResponse, error) {
	if leverage < 1 || leverage > 125 {
		return nil, &APIError{StatusCode: 400, Code: -4028, Message: fmt.Sprintf("Leverage %d is not valid", leverage)}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leverage[symbol] = leverage
	if pos, ok := c.positions[symbol]; ok {
		pos.Leverage = leverage
	}
	return &LeverageResponse{Leverage: leverage, Symbol: symbol, MaxNotionalValue: 1_000_000}, nil
}

// ==================== TRADING ====================

func (c *FuturesMockClient) PlaceFuturesOrder(ctx context.Context, params FuturesOrderParams) (*FuturesOrder, error) {
	var price float64
	if params.Type == FuturesOrderTypeMarket {
		p, err := c.GetFuturesCurrentPrice(ctx, params.Symbol)
		if err != nil {
			return nil, err
		}
		price = p
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if errs := c.failures[params.Type]; len(errs) > 0 {
		c.failures[params.Type] = errs[1:]
		return nil, errs[0]
	}

	if params.ClosePosition && params.Type.IsConditional() {
		for _, o := range c.orders {
			if o.Symbol == params.Symbol && o.Side == params.Side && o.Type == string(params.Type) && o.ClosePosition {
				return nil, &APIError{StatusCode: 400, Code: -4130,
					Message: "An open stop or take profit order with GTE and closePosition in the direction is existing."}
			}
		}
	}

	qty := parseFloat(params.Quantity)
	c.nextOrderId++
	order := &FuturesOrder{
		OrderId:       c.nextOrderId,
		Symbol:        params.Symbol,
		ClientOrderId: params.NewClientOrderId,
		OrigQty:       qty,
		Type:          string(params.Type),
		ReduceOnly:    params.ReduceOnly,
		ClosePosition: params.ClosePosition,
		Side:          params.Side,
		StopPrice:     parseFloat(params.StopPrice),
		Time:          c.now().UnixMilli(),
		UpdateTime:    c.now().UnixMilli(),
	}

	switch params.Type {
	case FuturesOrderTypeMarket:
		if qty <= 0 {
			return nil, &APIError{StatusCode: 400, Code: -4003, Message: "Quantity less than or equal to zero."}
		}
		opened := c.fill(params.Symbol, params.Side, qty, price, params.ReduceOnly)
		order.Status = string(FuturesOrderStatusFilled)
		order.AvgPrice = price
		order.ExecutedQty = qty
		if opened && c.settleDelay > 0 {
			c.pending[params.Symbol] = c.settleDelay
		}
	case FuturesOrderTypeStopMarket, FuturesOrderTypeTakeProfitMarket:
		if order.StopPrice <= 0 {
			return nil, &APIError{StatusCode: 400, Code: -2021, Message: "Order would immediately trigger."}
		}
		order.Status = string(FuturesOrderStatusNew)
		order.Algo = true
		c.orders[order.OrderId] = order
	default:
		return nil, &APIError{StatusCode: 400, Code: -1116, Message: "Invalid orderType."}
	}

	out := *order
	return &out, nil
}

func (c *FuturesMockClient) CancelFuturesOrder(ctx context.Context, symbol string, orderId int64, algo bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.orders[orderId]
	if !ok || o.Symbol != symbol {
		return &APIError{StatusCode: 400, Code: -2011, Message: "Unknown order sent."}
	}
	delete(c.orders, orderId)
	return nil
}

func (c *FuturesMockClient) CancelAllFuturesOrders(ctx context.Context, symbol string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelSymbolOrders(symbol)
	return nil
}

func (c *FuturesMockClient) GetOpenOrders(ctx context.Context, symbol string) ([]FuturesOrder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]FuturesOrder, 0)
	for _, o := range c.orders {
		if o.Symbol == symbol {
			out = append(out, *o)
		}
	}
	sortOrders(out)
	return out, nil
}

// ==================== MARKET DATA ====================

func (c *FuturesMockClient) GetFuturesKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	c.mu.Lock()
	klines, ok := c.klines[symbol]
	c.mu.Unlock()
	if ok {
		if limit > 0 && len(klines) > limit {
			klines = klines[len(klines)-limit:]
		}
		return append([]Kline(nil), klines...), nil
	}
	if c.source != nil {
		return c.source.GetFuturesKlines(ctx, symbol, interval, limit)
	}
	return nil, fmt.Errorf("no klines for %s", symbol)
}

func (c *FuturesMockClient) GetFuturesCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	c.mu.Lock()
	price, ok := c.prices[symbol]
	klines := c.klines[symbol]
	c.mu.Unlock()
	if ok {
		return price, nil
	}
	if len(klines) > 0 {
		return klines[len(klines)-1].Close, nil
	}
	if c.source != nil {
		return c.source.GetFuturesCurrentPrice(ctx, symbol)
	}
	return 0, errors.New("no price source for " + symbol)
}

// ==================== SIMULATION ====================

// fill applies a market execution and reports whether it opened a position from flat.
func (c *FuturesMockClient) fill(symbol, side string, qty, price float64, reduceOnly bool) bool {
	signed := qty
	if side == "SELL" {
		signed = -qty
	}

	pos, ok := c.positions[symbol]
	if !ok || pos.PositionAmt == 0 {
		if reduceOnly {
			return false
		}
		c.positions[symbol] = &FuturesPosition{
			Symbol:       symbol,
			PositionAmt:  signed,
			EntryPrice:   price,
			MarkPrice:    price,
			Leverage:     c.leverageFor(symbol),
			PositionSide: "BOTH",
			UpdateTime:   c.now().UnixMilli(),
		}
		return true
	}

	if (pos.PositionAmt > 0) == (signed > 0) {
		if reduceOnly {
			return false
		}
		total := pos.PositionAmt + signed
		pos.EntryPrice = (pos.EntryPrice*math.Abs(pos.PositionAmt) + price*qty) / math.Abs(total)
		pos.PositionAmt = total
		return false
	}

	closing := math.Min(qty, math.Abs(pos.PositionAmt))
	direction := 1.0
	if pos.PositionAmt < 0 {
		direction = -1.0
	}
	c.balance += (price - pos.EntryPrice) * closing * direction
	pos.PositionAmt += signed
	if math.Abs(pos.PositionAmt) < 1e-12 || reduceOnly && (pos.PositionAmt > 0) != (direction > 0) {
		delete(c.positions, symbol)
		c.cancelSymbolOrders(symbol)
		return false
	}
	if (pos.PositionAmt > 0) != (direction > 0) {
		pos.EntryPrice = price
	}
	return false
}

// triggerConditionals executes resting orders whose trigger price has been crossed.
func (c *FuturesMockClient) triggerConditionals(symbol string, price float64) {
	for _, o := range sortedOrderPtrs(c.orders, symbol) {
		if !triggered(o, price) {
			continue
		}
		delete(c.orders, o.OrderId)
		pos, ok := c.positions[symbol]
		if !ok {
			continue
		}
		qty := o.OrigQty
		if o.ClosePosition || qty <= 0 {
			qty = math.Abs(pos.PositionAmt)
		}
		c.fill(symbol, o.Side, qty, price, true)
	}
}

func triggered(o *FuturesOrder, price float64) bool {
	switch FuturesOrderType(o.Type) {
	case FuturesOrderTypeStopMarket:
		if o.Side == "SELL" {
			return price <= o.StopPrice
		}
		return price >= o.StopPrice
	case FuturesOrderTypeTakeProfitMarket:
		if o.Side == "SELL" {
			return price >= o.StopPrice
		}
		return price <= o.StopPrice
	}
	return false
}

func (c *FuturesMockClient) cancelSymbolOrders(symbol string) {
	for id, o := range c.orders {
		if o.Symbol == symbol {
			delete(c.orders, id)
		}
	}
}

func (c *FuturesMockClient) leverageFor(symbol string) int {
	if lev, ok := c.leverage[symbol]; ok {
		return lev
	}
	return 20
}

func sortedOrderPtrs(orders map[int64]*FuturesOrder, symbol string) []*FuturesOrder {
	out := make([]*FuturesOrder, 0, len(orders))
	for _, o := range orders {
		if o.Symbol == symbol {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderId < out[j].OrderId })
	return out
}

func sortOrders(orders []FuturesOrder) {
	sort.Slice(orders, func(i, j int) bool { return orders[i].OrderId < orders[j].OrderId })
}
