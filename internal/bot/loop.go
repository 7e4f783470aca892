package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"futures-agent/config"
	"futures-agent/internal/circuit"
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

// UnmanagedStrategy attributes positions found on the exchange without stored state.
const UnmanagedStrategy = "unmanaged"

// Action is one thing a cycle did.
type Action string

const (
	ActionKillSwitch Action = "kill_switch"
	ActionClosed     Action = "closed"
	ActionAdopted    Action = "adopted"
	ActionManaged    Action = "managed"
	ActionTrailed    Action = "trailed"
	ActionHold       Action = "hold"
	ActionSkipped    Action = "skipped"
	ActionNotOpened  Action = "not_opened"
	ActionOpened     Action = "opened"
)

// CycleReport summarizes one cycle.
type CycleReport struct {
	Symbol     string
	Actions    []Action
	Trip       *circuit.Trip
	Closed     *ledger.Entry
	Protection *order.Protection
	Trail      *risk.StopUpdate
	Decision   *decision.Decision
	Plan       *risk.Plan
	Opened     *position.State
}

// Has reports whether the cycle performed a.
func (r CycleReport) Has(a Action) bool {
	for _, x := range r.Actions {
		if x == a {
			return true
		}
	}
	return false
}

func (r *CycleReport) add(a Action) { r.Actions = append(r.Actions, a) }

// CycleError tags an error with the cycle stage that produced it.
type CycleError struct {
	Stage string
	Err   error
}

func (e *CycleError) Error() string { return e.Stage + ": " + e.Err.Error() }
func (e *CycleError) Unwrap() error { return e.Err }

func stageError(stage string, err error) error { return &CycleError{Stage: stage, Err: err} }

// LoopStatus is the last outcome of a symbol loop.
type LoopStatus struct {
	Symbol    string    `json:"symbol"`
	Cycles    int       `json:"cycles"`
	LastCycle time.Time `json:"last_cycle"`
	LastError string    `json:"last_error,omitempty"`
}

// SymbolLoop runs the cycle for one symbol. Cycles never overlap: the next one starts
// CycleInterval after the previous one returned.
type SymbolLoop struct {
	symbol string
	cfg    config.TradingConfig
	deps   Dependencies
	logger *logging.Logger

	mu     sync.RWMutex
	status LoopStatus
}

func newSymbolLoop(symbol string, cfg config.TradingConfig, deps Dependencies, logger *logging.Logger) *SymbolLoop {
	return &SymbolLoop{
		symbol: symbol,
		cfg:    cfg,
		deps:   deps,
		logger: logger.WithComponent("loop").WithField("symbol", symbol),
		status: LoopStatus{Symbol: symbol},
	}
}

// Status returns the loop's last outcome.
func (l *SymbolLoop) Status() LoopStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status
}

// Run cycles until ctx is cancelled.
func (l *SymbolLoop) Run(ctx context.Context) {
	interval := l.cfg.CycleInterval
	if interval <= 0 {
		interval = time.Minute
	}
	for {
		l.SafeCycle(ctx)

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// SafeCycle runs one cycle, converting panics to errors. Errors are logged, alerted and
// published; they never escape to the caller's loop.
func (l *SymbolLoop) SafeCycle(ctx context.Context) (rep CycleReport, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = stageError("panic", fmt.Errorf("%v", r))
			l.logger.Error("Cycle panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
		if l.deps.Observer != nil {
			l.deps.Observer.ObserveCycle(l.symbol, time.Since(start))
		}

		l.mu.Lock()
		l.status.Cycles++
		l.status.LastCycle = time.Now().UTC()
		l.status.LastError = ""
		if err != nil {
			l.status.LastError = err.Error()
		}
		l.mu.Unlock()

		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		stage := "cycle"
		var ce *CycleError
		if errors.As(err, &ce) {
			stage = ce.Stage
		}
		l.logger.WithError(err).Error("Cycle failed", "stage", stage)
		l.deps.Alerts.Send(ctx, notification.Error(l.symbol, "Error in cycle ("+stage+")", err))
		l.publish(events.EventCycleError, map[string]interface{}{"stage": stage, "error": err.Error()})
	}()
	return l.RunCycle(ctx)
}

// RunCycle performs one pass: drawdown check, close detection, adoption of unknown
// positions, protection and trailing for an open position, otherwise a new entry.
func (l *SymbolLoop) RunCycle(ctx context.Context) (CycleReport, error) {
	ctx, log := logging.WithTraceContext(ctx, l.logger)
	rep := CycleReport{Symbol: l.symbol}

	trip, err := l.deps.KillSwitch.Check(ctx, l.symbol)
	if err != nil {
		return rep, stageError("kill_switch", err)
	}
	if trip != nil {
		rep.Trip = trip
		rep.add(ActionKillSwitch)
		return rep, nil
	}

	st, hasState, err := l.loadState(ctx)
	if err != nil {
		return rep, stageError("state", err)
	}
	pos, err := l.deps.Gateway.GetOpenPosition(ctx, l.symbol)
	open := err == nil && pos.Size() > 0
	if err != nil && !errors.Is(err, exchange.ErrNoPosition) {
		return rep, stageError("position", err)
	}

	if hasState && !open {
		entry, err := l.recordClose(ctx, st)
		if err != nil {
			return rep, stageError("close", err)
		}
		rep.Closed = &entry
		rep.add(ActionClosed)
		hasState = false
	}

	if open {
		if !hasState {
			st, err = l.adopt(ctx, pos)
			if err != nil {
				return rep, stageError("adopt", err)
			}
			rep.add(ActionAdopted)
		}
		prot, err := l.deps.Orders.EnsureProtection(ctx, st)
		if err != nil {
			return rep, stageError("protection", err)
		}
		rep.Protection = &prot

		upd, err := l.deps.Trailing.Tighten(ctx, l.symbol)
		if err != nil {
			log.Warn("Trailing stop not updated", "error", err)
			l.publish(events.EventCycleError, map[string]interface{}{"stage": "trailing", "error": err.Error()})
		}
		if upd != nil {
			rep.Trail = upd
			rep.add(ActionTrailed)
		}
		rep.add(ActionManaged)
		return rep, nil
	}

	return l.enter(ctx, log, rep)
}

func (l *SymbolLoop) enter(ctx context.Context, log *logging.Logger, rep CycleReport) (CycleReport, error) {
	snap, err := l.deps.Gateway.GetCandles(ctx, l.symbol, l.cfg.Timeframe, l.cfg.CandleLimit)
	if err != nil {
		return rep, stageError("market_data", err)
	}

	d := l.deps.Decider.Decide(ctx, l.symbol, snap)
	rep.Decision = &d
	l.publish(events.EventDecision, map[string]interface{}{
		"signal":     string(d.Signal),
		"tier":       string(d.Tier),
		"strategy":   d.Strategy,
		"confidence": d.Confidence,
		"zone":       string(d.Zone),
	})
	if !d.Actionable() {
		rep.add(ActionHold)
		return rep, nil
	}

	balance, err := l.deps.Gateway.GetBalance(ctx)
	if err != nil {
		return rep, stageError("balance", err)
	}
	plan := l.deps.Sizer.Size(d, snap, balance)
	rep.Plan = &plan
	if plan.Skip {
		log.Info("Entry skipped", "reason", plan.Reason, "signal", string(d.Signal))
		rep.add(ActionSkipped)
		return rep, nil
	}

	res, err := l.deps.Orders.OpenPosition(ctx, order.OpenRequest{
		Symbol:        l.symbol,
		Signal:        d.Signal,
		Quantity:      plan.Quantity,
		Leverage:      plan.Leverage,
		StopLoss:      plan.StopLoss,
		TakeProfit:    plan.TakeProfit,
		Strategy:      d.Strategy,
		FallbackEntry: plan.EntryPrice,
	})
	if err != nil {
		return rep, stageError("open", err)
	}
	if !res.Opened {
		rep.add(ActionNotOpened)
		return rep, nil
	}

	st := res.State
	if err := st.Validate(); err != nil {
		log.Error("Opened position violates bracket ordering", "error", err)
		l.deps.Alerts.Send(ctx, notification.Error(l.symbol, "Brackets out of order", err))
	}
	// The position is live, so its state is saved even when shutdown cancelled ctx.
	if err := l.deps.Store.Save(context.WithoutCancel(ctx), st); err != nil {
		return rep, stageError("state", err)
	}
	rep.Opened = &st
	rep.add(ActionOpened)

	l.deps.Alerts.Send(ctx, notification.TradeOpened(l.symbol, string(st.Side), st.StrategyName,
		st.Quantity, st.Leverage, st.EntryPrice, st.StopLoss, st.TakeProfit))
	l.publish(events.EventTradeOpened, map[string]interface{}{
		"side":        string(st.Side),
		"strategy":    st.StrategyName,
		"entry_price": st.EntryPrice,
		"quantity":    st.Quantity,
		"leverage":    st.Leverage,
		"tier":        string(d.Tier),
		"unprotected": res.Unprotected,
	})
	return rep, nil
}

func (l *SymbolLoop) loadState(ctx context.Context) (position.State, bool, error) {
	st, err := l.deps.Store.Load(ctx, l.symbol)
	if errors.Is(err, position.ErrStateNotFound) {
		return position.State{}, false, nil
	}
	if err != nil {
		return position.State{}, false, err
	}
	return st, true, nil
}

// recordClose handles a stored position that is gone from the exchange: leftover brackets
// are cancelled and the outcome is priced at the current market.
func (l *SymbolLoop) recordClose(ctx context.Context, st position.State) (ledger.Entry, error) {
	if err := l.deps.Gateway.CancelAllOrders(ctx, l.symbol); err != nil {
		l.logger.Warn("Failed to cancel leftover orders", "error", err)
	}
	price, err := l.deps.Gateway.GetCurrentPrice(ctx, l.symbol)
	if err != nil {
		l.logger.Warn("No exit price, recording zero PnL", "error", err)
		price = st.EntryPrice
	}
	pnl := st.UnrealizedPnL(price)

	entry, err := l.deps.Ledger.Record(ctx, st.StrategyName, ledger.ResultTPOrClose, pnl)
	if err != nil {
		l.logger.Warn("Failed to persist ledger", "error", err)
	}
	if err := l.deps.Store.Clear(ctx, l.symbol); err != nil {
		return entry, err
	}

	logging.PositionContext(l.logger, l.symbol, string(st.Side), st.EntryPrice, st.Quantity).
		Info("Trade closed", "strategy", st.StrategyName, "exit", price, "pnl", entry.PnL)
	l.deps.Alerts.Send(ctx, notification.TradeClosed(l.symbol, st.StrategyName, price, entry.PnL))
	l.publish(events.EventTradeClosed, map[string]interface{}{
		"strategy":   st.StrategyName,
		"result":     string(ledger.ResultTPOrClose),
		"exit_price": price,
		"pnl":        entry.PnL,
	})
	return entry, nil
}

// adopt builds state for a position opened outside the agent, using the sizer's
// distances around the exchange entry price.
func (l *SymbolLoop) adopt(ctx context.Context, pos exchange.Position) (position.State, error) {
	snap, err := l.deps.Gateway.GetCandles(ctx, l.symbol, l.cfg.Timeframe, l.cfg.CandleLimit)
	if err != nil {
		l.logger.Warn("No candles for adopted position, using fallback distances", "error", err)
		snap = market.Snapshot{Symbol: l.symbol}
	}
	side, sig := position.SideLong, strategy.SignalLong
	if !pos.IsLong() {
		side, sig = position.SideShort, strategy.SignalShort
	}
	entry := pos.EntryPrice
	if entry <= 0 {
		entry = snap.LastClose()
	}
	b := l.deps.Sizer.Brackets(sig, entry, snap, market.ZoneNone, 1)

	st := position.State{
		Symbol:       l.symbol,
		Side:         side,
		Quantity:     pos.Size(),
		EntryPrice:   entry,
		StopLoss:     b.StopLoss,
		TakeProfit:   b.TakeProfit,
		Leverage:     pos.Leverage,
		StrategyName: UnmanagedStrategy,
		OpenedAt:     time.Now().UTC(),
	}
	if err := st.Validate(); err != nil {
		return st, fmt.Errorf("adopted state invalid: %w", err)
	}
	if err := l.deps.Store.Save(ctx, st); err != nil {
		return st, err
	}
	l.logger.Warn("Adopted unmanaged position", "side", string(side), "quantity", st.Quantity,
		"entry", entry, "stop_loss", st.StopLoss, "take_profit", st.TakeProfit)
	l.deps.Alerts.Send(ctx, notification.Info(l.symbol, "Unmanaged position adopted",
		fmt.Sprintf("%s %.4f @ %.4f\nSL: %.4f | TP: %.4f", side, st.Quantity, entry, st.StopLoss, st.TakeProfit)))
	return st, nil
}

func (l *SymbolLoop) publish(t events.EventType, data map[string]interface{}) {
	l.deps.Events.Publish(events.Event{Type: t, Symbol: l.symbol, Data: data})
}
