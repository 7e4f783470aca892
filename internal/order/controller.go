// Package order opens positions and keeps their protective stop-loss and take-profit
// orders in place, verifying every placement against the exchange's open-order list.
package order

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"futures-agent/config"
	"futures-agent/internal/events"
	"futures-agent/internal/exchange"
	"futures-agent/internal/logging"
	"futures-agent/internal/notification"
	"futures-agent/internal/position"
	"futures-agent/internal/strategy"
)

// ErrNotOpened is returned when the market order was accepted but no position appeared.
var ErrNotOpened = errors.New("position not found after market order")

// OpenRequest is a sized entry.
type OpenRequest struct {
	Symbol     string
	Signal     strategy.Signal
	Quantity   float64
	Leverage   int
	StopLoss   float64
	TakeProfit float64
	Strategy   string
	// FallbackEntry is used when the exchange reports no entry price.
	FallbackEntry float64
}

// Protection is the outcome of a verify-and-repair pass.
type Protection struct {
	HasStop       bool
	HasTakeProfit bool
	// Repaired is set when at least one bracket had to be re-placed.
	Repaired bool
}

// Protected reports whether both brackets were confirmed.
func (p Protection) Protected() bool { return p.HasStop && p.HasTakeProfit }

// Missing names the brackets that could not be confirmed.
func (p Protection) Missing() string {
	var missing []string
	if !p.HasStop {
		missing = append(missing, "stop loss")
	}
	if !p.HasTakeProfit {
		missing = append(missing, "take profit")
	}
	return strings.Join(missing, " and ")
}

// OpenResult describes a completed open attempt.
type OpenResult struct {
	Opened     bool
	Position   exchange.Position
	EntryPrice float64
	Protection Protection
	// Unprotected is set when a bracket is still missing after the repair budget, or when
	// verification itself failed after the fill.
	Unprotected bool
	State       position.State
}

// Controller places entries and brackets through a Gateway.
type Controller struct {
	gw     exchange.Gateway
	cfg    config.OrderConfig
	alerts notification.Sink
	events events.Publisher
	logger *logging.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
}

// NewController creates a controller. alerts and bus may be nil.
func NewController(gw exchange.Gateway, cfg config.OrderConfig, alerts notification.Sink, bus events.Publisher, logger *logging.Logger) *Controller {
	if cfg.PositionPollAttempts <= 0 {
		cfg.PositionPollAttempts = 5
	}
	if cfg.MaxRepairAttempts < 0 {
		cfg.MaxRepairAttempts = 0
	}
	if alerts == nil {
		alerts = discardSink{}
	}
	if bus == nil {
		bus = discardPublisher{}
	}
	return &Controller{
		gw:     gw,
		cfg:    cfg,
		alerts: alerts,
		events: bus,
		logger: logger.WithComponent("order"),
		sleep:  sleepCtx,
		now:    time.Now,
	}
}

// OpenPosition runs the full entry sequence: cancel stale orders, set leverage, send the
// market order, wait for the position, place both brackets, then verify and repair them.
// A market order that never produces a position returns Opened=false without brackets.
// Once a position exists the result is always Opened with its state.
func (c *Controller) OpenPosition(ctx context.Context, req OpenRequest) (OpenResult, error) {
	if !req.Signal.IsDirectional() {
		return OpenResult{}, fmt.Errorf("cannot open %s position", req.Signal)
	}
	if req.Quantity <= 0 || math.IsNaN(req.Quantity) || math.IsInf(req.Quantity, 0) {
		return OpenResult{}, fmt.Errorf("invalid quantity %v", req.Quantity)
	}

	entrySide, closeSide := sidesFor(req.Signal)
	log := logging.TradeContext(c.logger, req.Symbol, string(req.Signal), req.Quantity, req.FallbackEntry)

	if err := c.gw.CancelAllOrders(ctx, req.Symbol); err != nil {
		log.Warn("Failed to cancel stale orders before entry", "error", err)
	}
	if err := c.gw.SetLeverage(ctx, req.Symbol, req.Leverage); err != nil {
		return OpenResult{}, fmt.Errorf("set leverage %dx: %w", req.Leverage, err)
	}

	baseID := NewBaseID(c.cfg.ClientOrderPrefix, c.now())
	entryID := c.clientID(baseID, KindEntry)
	fill, err := c.gw.PlaceMarketOrder(ctx, req.Symbol, entrySide, req.Quantity, false, entryID)
	if err != nil {
		return OpenResult{}, fmt.Errorf("market %s order: %w", entrySide, err)
	}
	log.Info("Market order sent", "order_id", fill.ID, "client_id", entryID)

	pos, err := c.awaitPosition(ctx, req.Symbol)
	if err != nil {
		if errors.Is(err, ErrNotOpened) {
			c.alerts.Send(ctx, notification.Error(req.Symbol, "Entry not confirmed",
				fmt.Errorf("market %s %.6f accepted but no position after %d checks; brackets not placed",
					entrySide, req.Quantity, c.cfg.PositionPollAttempts)))
			return OpenResult{Opened: false}, nil
		}
		return OpenResult{}, err
	}

	entry := pos.EntryPrice
	if entry <= 0 {
		entry = fill.AvgPrice
	}
	if entry <= 0 {
		entry = req.FallbackEntry
	}

	side := position.SideLong
	if req.Signal == strategy.SignalShort {
		side = position.SideShort
	}
	st := position.State{
		Symbol:       req.Symbol,
		Side:         side,
		Quantity:     pos.Size(),
		EntryPrice:   entry,
		StopLoss:     req.StopLoss,
		TakeProfit:   req.TakeProfit,
		Leverage:     req.Leverage,
		StrategyName: req.Strategy,
		OpenedAt:     c.now().UTC(),
	}
	if err := st.Validate(); err != nil && req.FallbackEntry > 0 {
		shift := entry - req.FallbackEntry
		st.StopLoss += shift
		st.TakeProfit += shift
		log.Warn("Fill crossed a bracket, re-pricing brackets around the fill",
			"entry", entry, "reference", req.FallbackEntry, "stop_loss", st.StopLoss, "take_profit", st.TakeProfit)
	}

	// From here on the position is live: the caller always gets its state back.
	result := OpenResult{Opened: true, Position: pos, EntryPrice: entry, State: st}

	c.placeStop(ctx, req.Symbol, closeSide, st.StopLoss, baseID)
	c.placeTakeProfit(ctx, req.Symbol, closeSide, st.TakeProfit, baseID)

	prot, err := c.confirm(ctx, req.Symbol, closeSide, st.StopLoss, st.TakeProfit, baseID)
	result.Protection = prot
	switch {
	case err != nil:
		result.Unprotected = true
		log.Warn("Bracket verification failed, leaving repair to the next cycle", "error", err)
		c.reportUnprotected(ctx, req.Symbol, prot, fmt.Sprintf("brackets unverified: %v", err))
	case !prot.Protected():
		result.Unprotected = true
		c.reportUnprotected(ctx, req.Symbol, prot,
			fmt.Sprintf("%s missing after %d repair attempt(s)", prot.Missing(), c.cfg.MaxRepairAttempts))
	}
	return result, nil
}

// confirm waits for the venue to register the brackets, then verifies and repairs them.
func (c *Controller) confirm(ctx context.Context, symbol string, closeSide exchange.OrderSide, stopLoss, takeProfit float64, baseID string) (Protection, error) {
	if err := c.sleep(ctx, c.cfg.VerifyDelay); err != nil {
		return Protection{}, err
	}
	return c.verifyAndRepair(ctx, symbol, closeSide, stopLoss, takeProfit, baseID)
}

// reportUnprotected alerts and publishes. The alert is sent even after ctx is cancelled.
func (c *Controller) reportUnprotected(ctx context.Context, symbol string, prot Protection, detail string) {
	ctx = context.WithoutCancel(ctx)
	c.alerts.Send(ctx, notification.Unprotected(symbol, detail))
	c.events.Publish(events.Event{Type: events.EventUnprotected, Symbol: symbol,
		Data: map[string]interface{}{"missing": prot.Missing(), "detail": detail}})
}

// EnsureProtection confirms both brackets of a stored position and re-places any that are
// missing from the state's stored prices.
func (c *Controller) EnsureProtection(ctx context.Context, st position.State) (Protection, error) {
	closeSide := exchange.SideSell
	if st.Side == position.SideShort {
		closeSide = exchange.SideBuy
	}
	baseID := NewBaseID(c.cfg.ClientOrderPrefix, c.now())
	prot, err := c.verifyAndRepair(ctx, st.Symbol, closeSide, st.StopLoss, st.TakeProfit, baseID)
	if err != nil {
		return prot, err
	}
	if !prot.Protected() {
		c.reportUnprotected(ctx, st.Symbol, prot,
			fmt.Sprintf("%s missing after %d repair attempt(s)", prot.Missing(), c.cfg.MaxRepairAttempts))
	}
	return prot, nil
}

// verifyAndRepair checks the open-order list, re-places what is missing up to the repair
// budget, and re-checks after each repair round.
func (c *Controller) verifyAndRepair(ctx context.Context, symbol string, closeSide exchange.OrderSide, stopLoss, takeProfit float64, baseID string) (Protection, error) {
	prot, err := c.inspect(ctx, symbol, closeSide)
	if err != nil {
		return prot, err
	}

	for attempt := 1; attempt <= c.cfg.MaxRepairAttempts && !prot.Protected(); attempt++ {
		c.logger.Warn("Protective order missing, repairing",
			"symbol", symbol, "missing", prot.Missing(), "attempt", attempt)
		if !prot.HasStop {
			c.placeStop(ctx, symbol, closeSide, stopLoss, baseID)
		}
		if !prot.HasTakeProfit {
			c.placeTakeProfit(ctx, symbol, closeSide, takeProfit, baseID)
		}
		if err := c.sleep(ctx, c.cfg.VerifyDelay); err != nil {
			return prot, err
		}
		next, err := c.inspect(ctx, symbol, closeSide)
		if err != nil {
			return prot, err
		}
		next.Repaired = true
		prot = next
	}

	if prot.Repaired && prot.Protected() {
		c.logger.Info("Protective orders repaired", "symbol", symbol)
		c.events.Publish(events.Event{Type: events.EventProtectionRepaired, Symbol: symbol})
	}
	return prot, nil
}

func (c *Controller) inspect(ctx context.Context, symbol string, closeSide exchange.OrderSide) (Protection, error) {
	orders, err := c.gw.GetOpenOrders(ctx, symbol)
	if err != nil {
		return Protection{}, fmt.Errorf("list open orders: %w", err)
	}
	var p Protection
	for _, o := range orders {
		if o.IsClosingStop(closeSide) {
			p.HasStop = true
		}
		if o.IsClosingTakeProfit(closeSide) {
			p.HasTakeProfit = true
		}
	}
	return p, nil
}

func (c *Controller) placeStop(ctx context.Context, symbol string, side exchange.OrderSide, price float64, baseID string) {
	id := c.clientID(baseID, KindStopLoss)
	o, err := c.gw.PlaceStopOrder(ctx, symbol, side, price, id)
	if err != nil {
		logging.OrderContext(c.logger, symbol, string(side), string(exchange.OrderTypeStopMarket)).
			Warn("Stop loss placement failed", "stop_price", price, "error", err)
		return
	}
	c.logger.Info("Stop loss placed", "symbol", symbol, "stop_price", price, "order_id", o.ID)
}

func (c *Controller) placeTakeProfit(ctx context.Context, symbol string, side exchange.OrderSide, price float64, baseID string) {
	id := c.clientID(baseID, KindTakeProfit)
	o, err := c.gw.PlaceTakeProfitOrder(ctx, symbol, side, price, id)
	if err != nil {
		logging.OrderContext(c.logger, symbol, string(side), string(exchange.OrderTypeTakeProfitMarket)).
			Warn("Take profit placement failed", "stop_price", price, "error", err)
		return
	}
	c.logger.Info("Take profit placed", "symbol", symbol, "stop_price", price, "order_id", o.ID)
}

// clientID derives a chain ID, leaving it empty for the venue to assign when it cannot.
func (c *Controller) clientID(baseID string, kind OrderKind) string {
	id, err := RelatedID(baseID, kind)
	if err != nil {
		c.logger.Warn("Client order ID rejected, venue will assign one", "base_id", baseID, "kind", string(kind), "error", err)
		return ""
	}
	return id
}

// awaitPosition polls until the exchange reports size for symbol.
func (c *Controller) awaitPosition(ctx context.Context, symbol string) (exchange.Position, error) {
	for attempt := 1; attempt <= c.cfg.PositionPollAttempts; attempt++ {
		pos, err := c.gw.GetOpenPosition(ctx, symbol)
		if err == nil && pos.Size() > 0 {
			return pos, nil
		}
		if err != nil && !errors.Is(err, exchange.ErrNoPosition) {
			c.logger.Warn("Position check failed", "symbol", symbol, "attempt", attempt, "error", err)
		}
		if attempt < c.cfg.PositionPollAttempts {
			if err := c.sleep(ctx, c.cfg.PositionPollDelay); err != nil {
				return exchange.Position{}, err
			}
		}
	}
	return exchange.Position{}, ErrNotOpened
}

// ClosePosition cancels every open order and market-closes the full size with a
// reduce-only order.
func (c *Controller) ClosePosition(ctx context.Context, pos exchange.Position) (exchange.Order, error) {
	if err := c.gw.CancelAllOrders(ctx, pos.Symbol); err != nil {
		c.logger.Warn("Failed to cancel orders before close", "symbol", pos.Symbol, "error", err)
	}
	side := exchange.SideSell
	if !pos.IsLong() {
		side = exchange.SideBuy
	}
	return c.gw.PlaceMarketOrder(ctx, pos.Symbol, side, pos.Size(), true, NewClientOrderID(c.cfg.ClientOrderPrefix, KindExit))
}

func sidesFor(sig strategy.Signal) (entry, closing exchange.OrderSide) {
	if sig == strategy.SignalShort {
		return exchange.SideSell, exchange.SideBuy
	}
	return exchange.SideBuy, exchange.SideSell
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type discardSink struct{}

func (discardSink) Send(context.Context, notification.Notification) {}

type discardPublisher struct{}

func (discardPublisher) Publish(events.Event) {}
