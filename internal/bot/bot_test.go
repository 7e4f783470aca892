package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futures-agent/config"
	"futures-agent/internal/binance"
	"futures-agent/internal/circuit"
	"futures-agent/internal/database"
	"futures-agent/internal/decision"
	"futures-agent/internal/events"
	"futures-agent/internal/exchange"
	"futures-agent/internal/ledger"
	"futures-agent/internal/logging"
	"futures-agent/internal/market"
	"futures-agent/internal/notification"
	"futures-agent/internal/order"
	"futures-agent/internal/position"
	"futures-agent/internal/risk"
	"futures-agent/internal/strategy"
)

type fixedDecider struct {
	mu    sync.Mutex
	d     decision.Decision
	calls map[string]int
	panic bool
}

func (f *fixedDecider) Decide(_ context.Context, symbol string, _ market.Snapshot) decision.Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[symbol]++
	if f.panic {
		panic("model exploded")
	}
	d := f.d
	d.Symbol = symbol
	return d
}

func (f *fixedDecider) set(sig strategy.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.d = decision.Decision{Signal: sig, Confidence: 1, Strategy: "Breakout", Tier: decision.TierScore}
}

func (f *fixedDecider) count(symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[symbol]
}

type recordingSink struct {
	mu   sync.Mutex
	sent []notification.Notification
}

func (r *recordingSink) Send(_ context.Context, n notification.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

func (r *recordingSink) last() notification.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		return notification.Notification{}
	}
	return r.sent[len(r.sent)-1]
}

type harness struct {
	deps    Dependencies
	mock    *binance.FuturesMockClient
	gw      *binance.Gateway
	store   *database.FilePositionStore
	ledger  *ledger.Ledger
	decider *fixedDecider
	sink    *recordingSink
	bus     *events.EventBus
	history *events.History
}

func flatKlines(n int) []binance.Kline {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]binance.Kline, n)
	for i := range out {
		open := start.Add(time.Duration(i) * 15 * time.Minute)
		out[i] = binance.Kline{
			OpenTime:  open.UnixMilli(),
			Open:      100,
			High:      101,
			Low:       99,
			Close:     100,
			Volume:    10,
			CloseTime: open.Add(15*time.Minute - time.Millisecond).UnixMilli(),
		}
	}
	return out
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := logging.Nop()
	cfg := config.Default()

	mock := binance.NewFuturesMockClient(1000, nil)
	mock.SetKlines("BTCUSDT", flatKlines(30))
	mock.SetPrice("BTCUSDT", 100)
	gw := binance.NewGateway(mock, config.BinanceConfig{QuantityStep: 0.001, PriceTick: 0.01}, logger)

	store, err := database.NewFilePositionStore(t.TempDir())
	require.NoError(t, err)
	l, err := ledger.Open("", 200, logger)
	require.NoError(t, err)

	sink := &recordingSink{}
	bus := events.NewEventBus()
	hist := events.NewHistory(50)
	bus.SubscribeAll(hist.Record)

	orderCfg := cfg.OrderConfig
	orderCfg.PositionPollDelay = 0
	orderCfg.VerifyDelay = 0
	orders := order.NewController(gw, orderCfg, sink, bus, logger)

	decider := &fixedDecider{}
	decider.set(strategy.SignalHold)

	deps := Dependencies{
		Gateway:    gw,
		Decider:    decider,
		Sizer:      risk.NewSizer(cfg.RiskConfig, logger),
		Orders:     orders,
		Trailing:   risk.NewTrailingController(gw, store, cfg.TrailingConfig, "fa", sink, bus, logger),
		KillSwitch: circuit.NewKillSwitch(gw, orders, store, l, sink, bus, cfg.KillSwitchConfig, logger),
		Store:      store,
		Ledger:     l,
		Alerts:     sink,
		Events:     bus,
	}
	return &harness{deps: deps, mock: mock, gw: gw, store: store, ledger: l, decider: decider, sink: sink, bus: bus, history: hist}
}

func (h *harness) loop() *SymbolLoop {
	cfg := config.Default().TradingConfig
	return newSymbolLoop("BTCUSDT", cfg, h.deps, logging.Nop())
}

func (h *harness) eventTypes() []events.EventType {
	h.bus.Wait()
	var out []events.EventType
	for _, e := range h.history.Recent(0) {
		out = append(out, e.Type)
	}
	return out
}

func (h *harness) openOrders(t *testing.T) []exchange.Order {
	t.Helper()
	orders, err := h.gw.GetOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	return orders
}

func TestCycleOpensProtectedPosition(t *testing.T) {
	h := newHarness(t)
	h.decider.set(strategy.SignalLong)
	ctx := context.Background()

	rep, err := h.loop().SafeCycle(ctx)
	require.NoError(t, err)
	require.True(t, rep.Has(ActionOpened), "actions: %v", rep.Actions)
	require.NotNil(t, rep.Plan)
	assert.InDelta(t, 12.5, rep.Plan.Quantity, 1e-9)

	st, err := h.store.Load(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, position.SideLong, st.Side)
	assert.Equal(t, 12.5, st.Quantity)
	assert.Equal(t, 100.0, st.EntryPrice)
	assert.InDelta(t, 98.4, st.StopLoss, 1e-9)
	assert.InDelta(t, 102.4, st.TakeProfit, 1e-9)
	assert.Equal(t, "Breakout", st.StrategyName)
	assert.Equal(t, 10, st.Leverage)

	assert.Len(t, h.openOrders(t), 2)
	assert.Equal(t, notification.NotifyTradeOpen, h.sink.last().Type)
	assert.Contains(t, h.eventTypes(), events.EventTradeOpened)
}

func TestCycleHoldsWithoutSignal(t *testing.T) {
	h := newHarness(t)

	rep, err := h.loop().SafeCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Has(ActionHold))
	assert.Empty(t, h.openOrders(t))
	assert.Contains(t, h.eventTypes(), events.EventDecision)
}

func TestCycleManagesAndTrailsOpenPosition(t *testing.T) {
	h := newHarness(t)
	h.decider.set(strategy.SignalLong)
	loop := h.loop()
	ctx := context.Background()

	_, err := loop.SafeCycle(ctx)
	require.NoError(t, err)

	h.mock.SetPrice("BTCUSDT", 102)
	rep, err := loop.SafeCycle(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Has(ActionManaged))
	require.True(t, rep.Has(ActionTrailed))
	require.NotNil(t, rep.Protection)
	assert.True(t, rep.Protection.Protected())
	assert.Equal(t, 1, h.decider.count("BTCUSDT"), "no new decision while a position is open")

	st, err := h.store.Load(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 101.49, st.StopLoss, 1e-9)
}

func TestCycleDetectsStopOut(t *testing.T) {
	h := newHarness(t)
	h.decider.set(strategy.SignalLong)
	loop := h.loop()
	ctx := context.Background()

	_, err := loop.SafeCycle(ctx)
	require.NoError(t, err)

	h.decider.set(strategy.SignalHold)
	h.mock.SetPrice("BTCUSDT", 98)
	rep, err := loop.SafeCycle(ctx)
	require.NoError(t, err)
	require.True(t, rep.Has(ActionClosed), "actions: %v", rep.Actions)
	assert.True(t, rep.Has(ActionHold))

	entries := h.ledger.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "Breakout", entries[0].Strategy)
	assert.Equal(t, ledger.ResultTPOrClose, entries[0].Result)
	assert.Equal(t, -25.0, entries[0].PnL)

	_, err = h.store.Load(ctx, "BTCUSDT")
	assert.ErrorIs(t, err, position.ErrStateNotFound)
	assert.Empty(t, h.openOrders(t))
	assert.Contains(t, h.eventTypes(), events.EventTradeClosed)

	var closeAlert notification.Notification
	for _, n := range h.sink.sent {
		if n.Type == notification.NotifyTradeClose {
			closeAlert = n
		}
	}
	assert.Contains(t, closeAlert.Title, "STOP LOSS")
}

func TestCycleKillSwitchTakesPriority(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mock.SetPosition("BTCUSDT", 2, 100)
	require.NoError(t, h.store.Save(ctx, position.State{
		Symbol: "BTCUSDT", Side: position.SideLong, Quantity: 2, EntryPrice: 100,
		StopLoss: 90, TakeProfit: 120, Leverage: 5, StrategyName: "Swing",
	}))
	h.mock.SetPrice("BTCUSDT", 96)

	rep, err := h.loop().SafeCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Action{ActionKillSwitch}, rep.Actions)
	require.NotNil(t, rep.Trip)

	entries := h.ledger.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.ResultEmergency, entries[0].Result)
	assert.Equal(t, "Swing", entries[0].Strategy)
	assert.Equal(t, -8.0, entries[0].PnL)
	assert.Contains(t, h.eventTypes(), events.EventKillSwitch)
}

func TestCycleAdoptsUnmanagedPosition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mock.SetPosition("BTCUSDT", -1, 100)

	rep, err := h.loop().SafeCycle(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Has(ActionAdopted))
	require.NotNil(t, rep.Protection)
	assert.True(t, rep.Protection.Protected())

	st, err := h.store.Load(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, UnmanagedStrategy, st.StrategyName)
	assert.Equal(t, position.SideShort, st.Side)
	assert.InDelta(t, 101.6, st.StopLoss, 1e-9)
	assert.InDelta(t, 97.6, st.TakeProfit, 1e-9)

	orders := h.openOrders(t)
	require.Len(t, orders, 2)
	for _, o := range orders {
		assert.Equal(t, exchange.SideBuy, o.Side)
	}
	assert.Zero(t, h.decider.count("BTCUSDT"))
}

func TestSafeCycleRecoversPanics(t *testing.T) {
	h := newHarness(t)
	h.decider.panic = true
	loop := h.loop()

	_, err := loop.SafeCycle(context.Background())
	require.Error(t, err)
	var ce *CycleError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "panic", ce.Stage)

	assert.Equal(t, notification.NotifyError, h.sink.last().Type)
	assert.Contains(t, h.eventTypes(), events.EventCycleError)

	status := loop.Status()
	assert.Equal(t, 1, status.Cycles)
	assert.Contains(t, status.LastError, "model exploded")
}

func TestCycleReportsStageErrors(t *testing.T) {
	h := newHarness(t)
	h.deps.Gateway = binance.NewGateway(binance.NewFuturesMockClient(1000, nil), config.BinanceConfig{}, logging.Nop())

	_, err := h.loop().SafeCycle(context.Background())
	var ce *CycleError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "market_data", ce.Stage)
}

func TestNewAgentValidates(t *testing.T) {
	h := newHarness(t)
	cfg := config.Default().TradingConfig

	_, err := NewAgent(cfg, Dependencies{}, logging.Nop())
	assert.Error(t, err)

	cfg.Symbols = []string{"BTCUSDT", "BTCUSDT"}
	_, err = NewAgent(cfg, h.deps, logging.Nop())
	assert.Error(t, err)

	cfg.Symbols = nil
	_, err = NewAgent(cfg, h.deps, logging.Nop())
	assert.Error(t, err)
}

func TestAgentRunsEverySymbol(t *testing.T) {
	h := newHarness(t)
	h.mock.SetKlines("ETHUSDT", flatKlines(30))
	h.mock.SetPrice("ETHUSDT", 100)
	cfg := config.Default().TradingConfig
	cfg.Symbols = []string{"BTCUSDT", "ETHUSDT"}
	cfg.CycleInterval = 10 * time.Millisecond

	agent, err := NewAgent(cfg, h.deps, logging.Nop())
	require.NoError(t, err)
	require.NoError(t, agent.Start(context.Background()))
	assert.Error(t, agent.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return h.decider.count("BTCUSDT") >= 2 && h.decider.count("ETHUSDT") >= 2
	}, 2*time.Second, 5*time.Millisecond)
	agent.Stop()
	agent.Stop()

	status := agent.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "BTCUSDT", status[0].Symbol)
	assert.GreaterOrEqual(t, status[1].Cycles, 2)
	assert.Empty(t, status[0].LastError)

	_, ok := agent.Loop("ETHUSDT")
	assert.True(t, ok)
}

type unlistableOrders struct {
	exchange.Gateway
}

func (unlistableOrders) GetOpenOrders(context.Context, string) ([]exchange.Order, error) {
	return nil, errors.New("HTTP 503")
}

func TestCycleSavesStateWhenBracketCheckFails(t *testing.T) {
	h := newHarness(t)
	h.decider.set(strategy.SignalLong)
	ctx := context.Background()

	healthy := h.deps.Orders
	orderCfg := config.Default().OrderConfig
	orderCfg.PositionPollDelay = 0
	orderCfg.VerifyDelay = 0
	h.deps.Orders = order.NewController(unlistableOrders{h.gw}, orderCfg, h.sink, h.bus, logging.Nop())

	rep, err := h.loop().SafeCycle(ctx)
	require.NoError(t, err)
	require.True(t, rep.Has(ActionOpened), "actions: %v", rep.Actions)

	st, err := h.store.Load(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "Breakout", st.StrategyName)
	assert.InDelta(t, 98.4, st.StopLoss, 1e-9)

	var types []notification.NotificationType
	for _, n := range h.sink.sent {
		types = append(types, n.Type)
	}
	assert.Contains(t, types, notification.NotifyUnprotected)
	assert.Equal(t, notification.NotifyTradeOpen, h.sink.last().Type)

	h.deps.Orders = healthy
	rep, err = h.loop().SafeCycle(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Has(ActionManaged), "actions: %v", rep.Actions)
	assert.False(t, rep.Has(ActionAdopted))
	st, err = h.store.Load(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "Breakout", st.StrategyName)
}
