package order

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futures-agent/config"
	"futures-agent/internal/binance"
	"futures-agent/internal/exchange"
	"futures-agent/internal/logging"
	"futures-agent/internal/notification"
	"futures-agent/internal/position"
	"futures-agent/internal/strategy"
)

type recordingSink struct {
	mu   sync.Mutex
	sent []notification.Notification
}

func (r *recordingSink) Send(_ context.Context, n notification.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

func (r *recordingSink) types() []notification.NotificationType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notification.NotificationType, 0, len(r.sent))
	for _, n := range r.sent {
		out = append(out, n.Type)
	}
	return out
}

func newHarness(t *testing.T) (*Controller, *binance.FuturesMockClient, *recordingSink) {
	t.Helper()
	mock := binance.NewFuturesMockClient(1000, nil)
	mock.SetPrice("BTCUSDT", 100)
	gw := binance.NewGateway(mock, config.BinanceConfig{QuantityStep: 0.001, PriceTick: 0.01}, logging.Nop())
	sink := &recordingSink{}
	c := NewController(gw, config.OrderConfig{
		PositionPollAttempts: 5,
		MaxRepairAttempts:    1,
		ClientOrderPrefix:    "fa",
	}, sink, nil, logging.Nop())
	c.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return c, mock, sink
}

func longRequest() OpenRequest {
	return OpenRequest{
		Symbol:        "BTCUSDT",
		Signal:        strategy.SignalLong,
		Quantity:      0.5,
		Leverage:      5,
		StopLoss:      99,
		TakeProfit:    102,
		Strategy:      "Breakout",
		FallbackEntry: 100,
	}
}

func TestOpenPositionPlacesVerifiedBrackets(t *testing.T) {
	c, mock, sink := newHarness(t)
	ctx := context.Background()

	res, err := c.OpenPosition(ctx, longRequest())
	require.NoError(t, err)
	require.True(t, res.Opened)
	assert.False(t, res.Unprotected)
	assert.True(t, res.Protection.Protected())
	assert.False(t, res.Protection.Repaired)
	assert.Equal(t, 100.0, res.EntryPrice)

	st := res.State
	assert.Equal(t, position.SideLong, st.Side)
	assert.Equal(t, 0.5, st.Quantity)
	assert.Equal(t, "Breakout", st.StrategyName)
	require.NoError(t, st.Validate())

	orders, err := mock.GetOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	for _, o := range orders {
		assert.Equal(t, "SELL", o.Side)
		assert.True(t, o.ClosePosition)
		base, kind, err := ParseClientOrderID(o.ClientOrderId)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(base, "FA-"))
		assert.Contains(t, []OrderKind{KindStopLoss, KindTakeProfit}, kind)
	}
	assert.Empty(t, sink.types())
}

func TestOpenPositionRepairsMissingBracketOnce(t *testing.T) {
	c, mock, sink := newHarness(t)
	mock.FailNext(binance.FuturesOrderTypeTakeProfitMarket, errors.New("rejected"))

	res, err := c.OpenPosition(context.Background(), longRequest())
	require.NoError(t, err)
	assert.True(t, res.Opened)
	assert.True(t, res.Protection.Repaired)
	assert.True(t, res.Protection.Protected())
	assert.False(t, res.Unprotected)
	assert.Empty(t, sink.types())
}

func TestOpenPositionFlagsUnprotectedAfterRepairBudget(t *testing.T) {
	c, mock, sink := newHarness(t)
	mock.FailNext(binance.FuturesOrderTypeTakeProfitMarket, errors.New("rejected"))
	mock.FailNext(binance.FuturesOrderTypeTakeProfitMarket, errors.New("rejected again"))
	mock.FailNext(binance.FuturesOrderTypeTakeProfitMarket, errors.New("never reached"))

	res, err := c.OpenPosition(context.Background(), longRequest())
	require.NoError(t, err)
	assert.True(t, res.Opened)
	assert.True(t, res.Unprotected)
	assert.True(t, res.Protection.HasStop)
	assert.False(t, res.Protection.HasTakeProfit)
	assert.Equal(t, "take profit", res.Protection.Missing())
	assert.Equal(t, []notification.NotificationType{notification.NotifyUnprotected}, sink.types())

	// one initial placement plus exactly one repair consumed two injected failures
	_, err = mock.PlaceFuturesOrder(context.Background(), binance.FuturesOrderParams{
		Symbol: "BTCUSDT", Side: "SELL", Type: binance.FuturesOrderTypeTakeProfitMarket, StopPrice: "102", ClosePosition: true,
	})
	assert.EqualError(t, err, "never reached")
}

func TestOpenPositionWithoutFillPlacesNoBrackets(t *testing.T) {
	c, mock, sink := newHarness(t)
	mock.SetSettlementDelay(10)

	res, err := c.OpenPosition(context.Background(), longRequest())
	require.NoError(t, err)
	assert.False(t, res.Opened)

	orders, err := mock.GetOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.Equal(t, []notification.NotificationType{notification.NotifyError}, sink.types())
}

type failingOpenOrders struct {
	exchange.Gateway
	err error
}

func (f failingOpenOrders) GetOpenOrders(context.Context, string) ([]exchange.Order, error) {
	return nil, f.err
}

func TestOpenPositionKeepsStateWhenVerificationFails(t *testing.T) {
	c, mock, sink := newHarness(t)
	c.gw = failingOpenOrders{Gateway: c.gw, err: errors.New("HTTP 503")}
	ctx := context.Background()

	res, err := c.OpenPosition(ctx, longRequest())
	require.NoError(t, err)
	require.True(t, res.Opened)
	assert.True(t, res.Unprotected)
	assert.Equal(t, "Breakout", res.State.StrategyName)
	assert.Equal(t, 0.5, res.State.Quantity)
	assert.Equal(t, 99.0, res.State.StopLoss)
	require.NoError(t, res.State.Validate())
	assert.Equal(t, []notification.NotificationType{notification.NotifyUnprotected}, sink.types())

	orders, err := mock.GetOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, orders, 2)
}

func TestOpenPositionSurvivesCancelDuringVerify(t *testing.T) {
	c, _, sink := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	res, err := c.OpenPosition(ctx, longRequest())
	require.NoError(t, err)
	require.True(t, res.Opened)
	assert.True(t, res.Unprotected)
	assert.Equal(t, "Breakout", res.State.StrategyName)
	assert.Equal(t, []notification.NotificationType{notification.NotifyUnprotected}, sink.types())
}

func TestOpenPositionRepricesBracketsAfterSlippage(t *testing.T) {
	c, mock, _ := newHarness(t)
	ctx := context.Background()
	req := longRequest()
	// sized off a 97 close; the fill lands at 100, above the 99 take profit
	req.FallbackEntry, req.StopLoss, req.TakeProfit = 97, 96, 99

	res, err := c.OpenPosition(ctx, req)
	require.NoError(t, err)
	require.True(t, res.Opened)
	assert.Equal(t, 100.0, res.State.EntryPrice)
	assert.InDelta(t, 99, res.State.StopLoss, 1e-9)
	assert.InDelta(t, 102, res.State.TakeProfit, 1e-9)
	require.NoError(t, res.State.Validate())

	orders, err := mock.GetOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	prices := map[string]float64{}
	for _, o := range orders {
		prices[o.Type] = o.StopPrice
	}
	assert.InDelta(t, 99, prices[string(binance.FuturesOrderTypeStopMarket)], 1e-9)
	assert.InDelta(t, 102, prices[string(binance.FuturesOrderTypeTakeProfitMarket)], 1e-9)
}

func TestOpenPositionShortUsesBuyBrackets(t *testing.T) {
	c, mock, _ := newHarness(t)
	req := longRequest()
	req.Signal = strategy.SignalShort
	req.StopLoss, req.TakeProfit = 101, 98

	res, err := c.OpenPosition(context.Background(), req)
	require.NoError(t, err)
	require.True(t, res.Opened)
	assert.Equal(t, position.SideShort, res.State.Side)
	assert.False(t, res.Position.IsLong())

	orders, err := mock.GetOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	for _, o := range orders {
		assert.Equal(t, "BUY", o.Side)
	}
}

func TestOpenPositionRejectsHold(t *testing.T) {
	c, _, _ := newHarness(t)
	req := longRequest()
	req.Signal = strategy.SignalHold
	_, err := c.OpenPosition(context.Background(), req)
	assert.Error(t, err)

	req = longRequest()
	req.Quantity = 0
	_, err = c.OpenPosition(context.Background(), req)
	assert.Error(t, err)
}

func TestEnsureProtectionRecreatesDroppedStop(t *testing.T) {
	c, mock, sink := newHarness(t)
	ctx := context.Background()
	res, err := c.OpenPosition(ctx, longRequest())
	require.NoError(t, err)

	require.Equal(t, 1, mock.DropOrders("BTCUSDT", binance.FuturesOrderTypeStopMarket))

	prot, err := c.EnsureProtection(ctx, res.State)
	require.NoError(t, err)
	assert.True(t, prot.Protected())
	assert.True(t, prot.Repaired)

	orders, err := mock.GetOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	var stops []float64
	for _, o := range orders {
		if o.Type == string(binance.FuturesOrderTypeStopMarket) {
			stops = append(stops, o.StopPrice)
		}
	}
	assert.Equal(t, []float64{99}, stops)
	assert.Empty(t, sink.types())

	prot, err = c.EnsureProtection(ctx, res.State)
	require.NoError(t, err)
	assert.False(t, prot.Repaired)
}

func TestClosePositionFlattens(t *testing.T) {
	c, mock, _ := newHarness(t)
	ctx := context.Background()
	res, err := c.OpenPosition(ctx, longRequest())
	require.NoError(t, err)

	_, err = c.ClosePosition(ctx, res.Position)
	require.NoError(t, err)

	pos, err := mock.GetPositionBySymbol(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Zero(t, pos.PositionAmt)
	orders, err := mock.GetOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, orders)

	_, err = c.gw.GetOpenPosition(ctx, "BTCUSDT")
	assert.ErrorIs(t, err, exchange.ErrNoPosition)
}

func TestClientOrderIDs(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	base := NewBaseID("fa", now)
	assert.True(t, strings.HasPrefix(base, "FA-15JAN-"))

	id, err := RelatedID(base, KindTakeProfit)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(id), MaxClientOrderIDLength)

	gotBase, kind, err := ParseClientOrderID(id)
	require.NoError(t, err)
	assert.Equal(t, base, gotBase)
	assert.Equal(t, KindTakeProfit, kind)

	_, err = RelatedID(strings.Repeat("x", 40), KindEntry)
	assert.ErrorIs(t, err, ErrClientOrderIDTooLong)

	long := NewBaseID(strings.Repeat("p", 30), now)
	for _, kind := range []OrderKind{KindEntry, KindStopLoss, KindTakeProfit, KindTrail, KindExit} {
		id, err := RelatedID(long, kind)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(id), MaxClientOrderIDLength)
	}

	c, _, _ := newHarness(t)
	assert.Empty(t, c.clientID(strings.Repeat("x", 40), KindEntry))
	assert.Equal(t, base+"-E", c.clientID(base, KindEntry))

	_, _, err = ParseClientOrderID("web_abc123")
	assert.ErrorIs(t, err, ErrInvalidClientOrderID)

	assert.NotEqual(t, NewClientOrderID("fa", KindExit), NewClientOrderID("fa", KindExit))
}
