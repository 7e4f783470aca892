package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"futures-agent/config"
	"futures-agent/internal/events"
	"futures-agent/internal/exchange"
	"futures-agent/internal/logging"
	"futures-agent/internal/notification"
	"futures-agent/internal/order"
	"futures-agent/internal/position"
)

// StopUpdate represents a stop loss update
type StopUpdate struct {
	Symbol      string        `json:"symbol"`
	Side        position.Side `json:"side"`
	OldStopLoss float64       `json:"old_stop_loss"`
	NewStopLoss float64       `json:"new_stop_loss"`
	Price       float64       `json:"price"`
	OrderID     int64         `json:"order_id"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// TrailingController moves the exchange stop and the stored stop of an open position
// toward price once the position is far enough in profit.
type TrailingController struct {
	gw     exchange.Gateway
	store  position.Store
	cfg    config.TrailingConfig
	prefix string
	alerts notification.Sink
	events events.Publisher
	logger *logging.Logger
	now    func() time.Time
}

// NewTrailingController creates a controller. alerts and bus may be nil.
func NewTrailingController(gw exchange.Gateway, store position.Store, cfg config.TrailingConfig, clientOrderPrefix string, alerts notification.Sink, bus events.Publisher, logger *logging.Logger) *TrailingController {
	if alerts == nil {
		alerts = discardSink{}
	}
	return &TrailingController{
		gw:     gw,
		store:  store,
		cfg:    cfg,
		prefix: clientOrderPrefix,
		alerts: alerts,
		events: bus,
		logger: logger.WithComponent("trailing-stop"),
		now:    time.Now,
	}
}

// CandidateStop returns the tightened stop for st at price, and false when the position
// has not reached activation or the candidate would not strictly improve the stop.
func CandidateStop(st position.State, price float64, cfg config.TrailingConfig) (float64, bool) {
	if price <= 0 || st.EntryPrice <= 0 {
		return 0, false
	}
	switch st.Side {
	case position.SideLong:
		if price <= st.EntryPrice*(1+cfg.ActivationPct) {
			return 0, false
		}
		candidate := price * (1 - cfg.TrailPct)
		return candidate, candidate > st.StopLoss
	case position.SideShort:
		if price >= st.EntryPrice*(1-cfg.ActivationPct) {
			return 0, false
		}
		candidate := price * (1 + cfg.TrailPct)
		return candidate, candidate < st.StopLoss
	}
	return 0, false
}

// Tighten trails the stop of symbol's stored position. It returns nil without error when
// there is nothing to do. The venue keeps one closePosition stop per direction, so the old
// stop is cancelled before the replacement is placed. A rejected replacement puts the old
// stop back, and the stored state only changes once the replacement is on the book.
func (t *TrailingController) Tighten(ctx context.Context, symbol string) (*StopUpdate, error) {
	if !t.cfg.Enabled {
		return nil, nil
	}
	st, err := t.store.Load(ctx, symbol)
	if errors.Is(err, position.ErrStateNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	price, err := t.gw.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("current price: %w", err)
	}
	newStop, ok := CandidateStop(st, price, t.cfg)
	if !ok {
		return nil, nil
	}

	closeSide := exchange.SideSell
	if st.Side == position.SideShort {
		closeSide = exchange.SideBuy
	}
	log := logging.PositionContext(t.logger, symbol, string(st.Side), st.EntryPrice, st.Quantity)

	existing, err := t.gw.GetOpenOrders(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	for _, o := range existing {
		if !o.IsClosingStop(closeSide) {
			continue
		}
		if err := t.gw.CancelOrder(ctx, o); err != nil {
			return nil, fmt.Errorf("cancel stop %d: %w", o.ID, err)
		}
	}

	placed, err := t.gw.PlaceStopOrder(ctx, symbol, closeSide, newStop, order.NewClientOrderID(t.prefix, order.KindTrail))
	if err != nil {
		log.Warn("Trailing stop rejected, restoring previous stop", "stop_loss", st.StopLoss, "candidate", newStop, "error", err)
		t.restore(ctx, st, closeSide, err)
		return nil, fmt.Errorf("place trailing stop: %w", err)
	}

	old := st.StopLoss
	st.StopLoss = newStop
	if err := t.store.Save(ctx, st); err != nil {
		return nil, fmt.Errorf("save trailed state: %w", err)
	}

	update := &StopUpdate{
		Symbol:      symbol,
		Side:        st.Side,
		OldStopLoss: old,
		NewStopLoss: newStop,
		Price:       price,
		OrderID:     placed.ID,
		UpdatedAt:   t.now().UTC(),
	}
	log.Info("Stop trailed", "old_stop", old, "new_stop", newStop, "price", price)
	if t.events != nil {
		t.events.Publish(events.Event{Type: events.EventStopTrailed, Symbol: symbol, Data: map[string]interface{}{
			"old_stop_loss": old,
			"new_stop_loss": newStop,
			"price":         price,
		}})
	}
	return update, nil
}

// restore re-places the stored stop after a rejected trail. The position is unprotected
// when that fails too, which is alerted and left to the next protection check.
func (t *TrailingController) restore(ctx context.Context, st position.State, closeSide exchange.OrderSide, cause error) {
	_, err := t.gw.PlaceStopOrder(ctx, st.Symbol, closeSide, st.StopLoss, order.NewClientOrderID(t.prefix, order.KindStopLoss))
	if err == nil {
		return
	}
	t.logger.Error("Failed to restore stop loss", "symbol", st.Symbol, "stop_loss", st.StopLoss, "error", err)
	t.alerts.Send(context.WithoutCancel(ctx), notification.Unprotected(st.Symbol,
		fmt.Sprintf("stop loss %.4f lost while trailing: %v; restore failed: %v", st.StopLoss, cause, err)))
	if t.events != nil {
		t.events.Publish(events.Event{Type: events.EventUnprotected, Symbol: st.Symbol,
			Data: map[string]interface{}{"missing": "stop loss"}})
	}
}

type discardSink struct{}

func (discardSink) Send(context.Context, notification.Notification) {}
