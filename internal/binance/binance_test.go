package binance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futures-agent/config"
	"futures-agent/internal/exchange"
	"futures-agent/internal/logging"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *FuturesClientImpl {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewFuturesClient(ClientOptions{
		APIKey:            " key ",
		SecretKey:         "secret",
		BaseURL:           srv.URL,
		RequestsPerSecond: 1000,
	}, logging.Nop())
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

// ============================================================================
// REST CLIENT
// ============================================================================

func TestSignedRequestCarriesKeyAndSignature(t *testing.T) {
	var got *http.Request
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.Header().Set("X-MBX-USED-WEIGHT-1M", "42")
		_, _ = w.Write([]byte(`{"canTrade":true,"availableBalance":"12.5","assets":[{"asset":"USDT","walletBalance":"100.25"}]}`))
	})

	info, err := c.GetFuturesAccountInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100.25, info.USDTBalance())
	assert.Equal(t, 12.5, info.AvailableBalance)

	require.NotNil(t, got)
	assert.Equal(t, "key", got.Header.Get("X-MBX-APIKEY"))
	q := got.URL.Query()
	assert.NotEmpty(t, q.Get("timestamp"))
	assert.NotEmpty(t, q.Get("signature"))

	unsigned := got.URL.RawQuery[:len(got.URL.RawQuery)-len("&signature=")-64]
	assert.Equal(t, c.sign(unsigned), q.Get("signature"))
	assert.Equal(t, 42, c.limiter.UsedWeight())
}

func TestConditionalOrdersUseAlgoEndpoint(t *testing.T) {
	var path string
	var query url.Values
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		path, query = r.URL.Path, r.URL.Query()
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"algoId": 77, "clientAlgoId": "cid", "orderType": "STOP_MARKET", "symbol": "BTCUSDT",
			"side": "SELL", "algoStatus": "NEW", "triggerPrice": "95.5", "closePosition": true,
		})
	})

	order, err := c.PlaceFuturesOrder(context.Background(), FuturesOrderParams{
		Symbol: "BTCUSDT", Side: "SELL", Type: FuturesOrderTypeStopMarket,
		StopPrice: "95.5", ClosePosition: true, NewClientOrderId: "cid",
	})
	require.NoError(t, err)
	assert.Equal(t, "/fapi/v1/algoOrder", path)
	assert.Equal(t, "CONDITIONAL", query.Get("algoType"))
	assert.Equal(t, "95.5", query.Get("triggerPrice"))
	assert.Equal(t, "true", query.Get("closePosition"))
	assert.Empty(t, query.Get("quantity"))
	assert.Equal(t, int64(77), order.OrderId)
	assert.True(t, order.Algo)
	assert.Equal(t, 95.5, order.StopPrice)
}

func TestMarketOrderUsesOrderEndpoint(t *testing.T) {
	var path string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_, _ = w.Write([]byte(`{"orderId":5,"symbol":"BTCUSDT","status":"FILLED","avgPrice":"100.1","origQty":"0.01","type":"MARKET","side":"BUY"}`))
	})
	order, err := c.PlaceFuturesOrder(context.Background(), FuturesOrderParams{
		Symbol: "BTCUSDT", Side: "BUY", Type: FuturesOrderTypeMarket, Quantity: "0.01",
	})
	require.NoError(t, err)
	assert.Equal(t, "/fapi/v1/order", path)
	assert.False(t, order.Algo)
	assert.Equal(t, 100.1, order.AvgPrice)
}

func TestOpenOrdersMergeAlgoOrders(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/openOrders":
			_, _ = w.Write([]byte(`[{"orderId":1,"symbol":"BTCUSDT","type":"LIMIT","side":"BUY","price":"90","stopPrice":"0"}]`))
		case "/fapi/v1/openAlgoOrders":
			_, _ = w.Write([]byte(`[{"algoId":2,"symbol":"BTCUSDT","orderType":"TAKE_PROFIT_MARKET","side":"SELL","triggerPrice":"110","quantity":"0","closePosition":true}]`))
		default:
			http.NotFound(w, r)
		}
	})
	orders, err := c.GetOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.False(t, orders[0].Algo)
	assert.True(t, orders[1].Algo)
	assert.Equal(t, "TAKE_PROFIT_MARKET", orders[1].Type)
}

func TestRetriesTransientErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"code":-1001,"msg":"Internal error"}`))
			return
		}
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","price":"101.5"}`))
	})
	price, err := c.GetFuturesCurrentPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 101.5, price)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestPermanentErrorNotRetried(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-2019,"msg":"Margin is insufficient."}`))
	})
	_, err := c.SetLeverage(context.Background(), "BTCUSDT", 5)
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, -2019, apiErr.Code)
	assert.False(t, apiErr.Retryable())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestKlinesParsing(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("X-MBX-APIKEY"))
		_, _ = w.Write([]byte(`[[1700000000000,"100","102","99","101","1500",1700000899999,"0",10,"0","0","0"]]`))
	})
	klines, err := c.GetFuturesKlines(context.Background(), "BTCUSDT", "15m", 1)
	require.NoError(t, err)
	require.Len(t, klines, 1)
	assert.Equal(t, 102.0, klines[0].High)
	assert.Equal(t, int64(1700000000000), klines[0].OpenTime)
}

func TestAPIErrorRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  APIError
		want bool
	}{
		{"rate limited", APIError{StatusCode: 429}, true},
		{"server error", APIError{StatusCode: 503}, true},
		{"disconnected", APIError{StatusCode: 400, Code: -1001}, true},
		{"too many orders", APIError{StatusCode: 400, Code: -1015}, true},
		{"bad request", APIError{StatusCode: 400, Code: -1102}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Retryable())
		})
	}
}

// ============================================================================
// RATE LIMITER
// ============================================================================

func TestRateLimiterCircuit(t *testing.T) {
	r := NewRateLimiter(100, logging.Nop())
	require.NoError(t, r.Wait(context.Background()))

	r.RecordRateLimitError(time.Now().Add(time.Hour).UnixMilli())
	assert.True(t, r.IsCircuitOpen())
	assert.ErrorIs(t, r.Wait(context.Background()), ErrCircuitOpen)
}

func TestParseBanUntil(t *testing.T) {
	until := time.Now().Add(10 * time.Minute).UnixMilli()
	msg := "Way too many requests; IP banned until " + strconv.FormatInt(until, 10) + ". Please use websocket."
	assert.Equal(t, until, ParseBanUntilFromError(msg))

	assert.Equal(t, int64(0), ParseBanUntilFromError("Too many requests"))
	assert.Equal(t, int64(0), ParseBanUntilFromError("banned until 12"))
}

// ============================================================================
// MOCK CLIENT
// ============================================================================

func TestMockMarketOrderOpensAndCloses(t *testing.T) {
	ctx := context.Background()
	m := NewFuturesMockClient(1000, nil)
	m.SetPrice("BTCUSDT", 100)

	_, err := m.PlaceFuturesOrder(ctx, FuturesOrderParams{Symbol: "BTCUSDT", Side: "BUY", Type: FuturesOrderTypeMarket, Quantity: "2"})
	require.NoError(t, err)

	pos, err := m.GetPositionBySymbol(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 2.0, pos.PositionAmt)
	assert.Equal(t, 100.0, pos.EntryPrice)

	m.SetPrice("BTCUSDT", 105)
	_, err = m.PlaceFuturesOrder(ctx, FuturesOrderParams{Symbol: "BTCUSDT", Side: "SELL", Type: FuturesOrderTypeMarket, Quantity: "2", ReduceOnly: true})
	require.NoError(t, err)

	pos, err = m.GetPositionBySymbol(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 0.0, pos.PositionAmt)
	assert.InDelta(t, 1010, m.Balance(), 1e-9)
}

func TestMockStopTriggersOnPositionQuery(t *testing.T) {
	ctx := context.Background()
	m := NewFuturesMockClient(1000, nil)
	m.SetPrice("ETHUSDT", 100)
	_, err := m.PlaceFuturesOrder(ctx, FuturesOrderParams{Symbol: "ETHUSDT", Side: "SELL", Type: FuturesOrderTypeMarket, Quantity: "1"})
	require.NoError(t, err)

	_, err = m.PlaceFuturesOrder(ctx, FuturesOrderParams{Symbol: "ETHUSDT", Side: "BUY", Type: FuturesOrderTypeStopMarket, StopPrice: "102", ClosePosition: true})
	require.NoError(t, err)
	_, err = m.PlaceFuturesOrder(ctx, FuturesOrderParams{Symbol: "ETHUSDT", Side: "BUY", Type: FuturesOrderTypeTakeProfitMarket, StopPrice: "97", ClosePosition: true})
	require.NoError(t, err)

	orders, err := m.GetOpenOrders(ctx, "ETHUSDT")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.True(t, orders[0].Algo)

	m.SetPrice("ETHUSDT", 101)
	pos, err := m.GetPositionBySymbol(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, -1.0, pos.PositionAmt)

	m.SetPrice("ETHUSDT", 103)
	pos, err = m.GetPositionBySymbol(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, 0.0, pos.PositionAmt)
	assert.InDelta(t, 997, m.Balance(), 1e-9)

	orders, err = m.GetOpenOrders(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestMockRejectsSecondClosePositionStop(t *testing.T) {
	ctx := context.Background()
	m := NewFuturesMockClient(1000, nil)
	stop := FuturesOrderParams{Symbol: "BTCUSDT", Side: "SELL", Type: FuturesOrderTypeStopMarket, StopPrice: "95", ClosePosition: true}

	first, err := m.PlaceFuturesOrder(ctx, stop)
	require.NoError(t, err)

	_, err = m.PlaceFuturesOrder(ctx, stop)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, -4130, apiErr.Code)

	tp := stop
	tp.Type, tp.StopPrice = FuturesOrderTypeTakeProfitMarket, "110"
	_, err = m.PlaceFuturesOrder(ctx, tp)
	require.NoError(t, err, "take profit is a separate slot")

	other := stop
	other.Side = "BUY"
	_, err = m.PlaceFuturesOrder(ctx, other)
	require.NoError(t, err, "opposite direction is a separate slot")

	require.NoError(t, m.CancelFuturesOrder(ctx, "BTCUSDT", first.OrderId, true))
	_, err = m.PlaceFuturesOrder(ctx, stop)
	assert.NoError(t, err)
}

func TestMockFailureInjectionAndSettlementDelay(t *testing.T) {
	ctx := context.Background()
	m := NewFuturesMockClient(1000, nil)
	m.SetPrice("BTCUSDT", 100)
	m.SetSettlementDelay(2)
	boom := errors.New("rejected")
	m.FailNext(FuturesOrderTypeTakeProfitMarket, boom)

	_, err := m.PlaceFuturesOrder(ctx, FuturesOrderParams{Symbol: "BTCUSDT", Side: "BUY", Type: FuturesOrderTypeMarket, Quantity: "1"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		pos, err := m.GetPositionBySymbol(ctx, "BTCUSDT")
		require.NoError(t, err)
		assert.Zero(t, pos.PositionAmt)
	}
	pos, err := m.GetPositionBySymbol(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 1.0, pos.PositionAmt)

	_, err = m.PlaceFuturesOrder(ctx, FuturesOrderParams{Symbol: "BTCUSDT", Side: "SELL", Type: FuturesOrderTypeTakeProfitMarket, StopPrice: "110", ClosePosition: true})
	assert.ErrorIs(t, err, boom)
	_, err = m.PlaceFuturesOrder(ctx, FuturesOrderParams{Symbol: "BTCUSDT", Side: "SELL", Type: FuturesOrderTypeTakeProfitMarket, StopPrice: "110", ClosePosition: true})
	assert.NoError(t, err)

	assert.Equal(t, 1, m.DropOrders("BTCUSDT", FuturesOrderTypeTakeProfitMarket))
}

// ============================================================================
// GATEWAY
// ============================================================================

func TestGatewayRounding(t *testing.T) {
	g := NewGateway(NewFuturesMockClient(0, nil), config.BinanceConfig{
		QuantityStep: 0.001,
		PriceTick:    0.01,
		Symbols:      map[string]config.SymbolFilters{"DOGEUSDT": {QuantityStep: 1, PriceTick: 0.00001}},
	}, logging.Nop())

	assert.Equal(t, "0.123", g.FormatQuantity("BTCUSDT", 0.12399))
	assert.Equal(t, "0", g.FormatQuantity("BTCUSDT", 0.0009))
	assert.Equal(t, "101.24", g.FormatPrice("BTCUSDT", 101.2351))
	assert.Equal(t, "153", g.FormatQuantity("DOGEUSDT", 153.9))
	assert.Equal(t, "0.12346", g.FormatPrice("dogeusdt", 0.123456))
}

func TestGatewayPositionsAndOrders(t *testing.T) {
	ctx := context.Background()
	m := NewFuturesMockClient(500, nil)
	m.SetPrice("BTCUSDT", 100)
	g := NewGateway(m, config.BinanceConfig{QuantityStep: 0.001, PriceTick: 0.01}, logging.Nop())

	_, err := g.GetOpenPosition(ctx, "BTCUSDT")
	assert.ErrorIs(t, err, exchange.ErrNoPosition)

	_, err = g.PlaceMarketOrder(ctx, "BTCUSDT", exchange.SideSell, 0.0001, false, "x")
	assert.Error(t, err)

	order, err := g.PlaceMarketOrder(ctx, "BTCUSDT", exchange.SideSell, 0.5, false, "open-1")
	require.NoError(t, err)
	assert.Equal(t, "open-1", order.ClientID)

	pos, err := g.GetOpenPosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.False(t, pos.IsLong())
	assert.Equal(t, 0.5, pos.Size())

	stop, err := g.PlaceStopOrder(ctx, "BTCUSDT", exchange.SideBuy, 100.8049, "sl-1")
	require.NoError(t, err)
	assert.True(t, stop.Conditional)
	assert.Equal(t, 100.8, stop.StopPrice)
	assert.True(t, stop.IsClosingStop(exchange.SideBuy))

	_, err = g.PlaceTakeProfitOrder(ctx, "BTCUSDT", exchange.SideBuy, 98.8, "tp-1")
	require.NoError(t, err)

	orders, err := g.GetOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, orders, 2)

	require.NoError(t, g.CancelOrder(ctx, stop))
	orders, err = g.GetOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.True(t, orders[0].IsClosingTakeProfit(exchange.SideBuy))

	balance, err := g.GetBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 500.0, balance)
}

func TestGatewayCandles(t *testing.T) {
	m := NewFuturesMockClient(0, nil)
	m.SetKlines("BTCUSDT", []Kline{
		{OpenTime: 1000, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10, CloseTime: 1999},
		{OpenTime: 2000, Open: 1.5, High: 2.5, Low: 1, Close: 2, Volume: 12, CloseTime: 2999},
	})
	g := NewGateway(m, config.BinanceConfig{}, logging.Nop())

	snap, err := g.GetCandles(context.Background(), "BTCUSDT", "15m", 1)
	require.NoError(t, err)
	require.Equal(t, 1, snap.Len())
	assert.Equal(t, 2.0, snap.LastClose())
	assert.Equal(t, time.UnixMilli(2000).UTC(), snap.Candles[0].OpenTime)

	price, err := g.GetCurrentPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 2.0, price)
}
