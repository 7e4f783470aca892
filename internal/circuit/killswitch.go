// Package circuit force-closes positions whose unrealized loss exceeds the configured
// drawdown and keeps trip statistics like a circuit breaker.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"futures-agent/config"
	"futures-agent/internal/events"
	"futures-agent/internal/exchange"
	"futures-agent/internal/ledger"
	"futures-agent/internal/logging"
	"futures-agent/internal/notification"
	"futures-agent/internal/position"
)

// UnknownStrategy is recorded when the tripped position has no stored state.
const UnknownStrategy = "Unknown"

// Closer flattens an exchange position.
type Closer interface {
	ClosePosition(ctx context.Context, pos exchange.Position) (exchange.Order, error)
}

// Recorder receives the EMERGENCY outcome.
type Recorder interface {
	Record(ctx context.Context, strategyName string, result ledger.Result, pnl float64) (ledger.Entry, error)
}

// Trip describes one forced exit.
type Trip struct {
	Symbol       string    `json:"symbol"`
	Strategy     string    `json:"strategy"`
	Amount       float64   `json:"amount"`
	EntryPrice   float64   `json:"entry_price"`
	ExitPrice    float64   `json:"exit_price"`
	LossPct      float64   `json:"loss_pct"`
	PnL          float64   `json:"pnl"`
	CloseOrderID int64     `json:"close_order_id"`
	At           time.Time `json:"at"`
}

// Status is the kill switch's observable state.
type Status struct {
	Enabled       bool           `json:"enabled"`
	MaxLossPct    float64        `json:"max_loss_pct"`
	TripCount     int            `json:"trip_count"`
	TripsBySymbol map[string]int `json:"trips_by_symbol"`
	LastTrip      *Trip          `json:"last_trip,omitempty"`
}

// KillSwitch monitors open positions for drawdown.
type KillSwitch struct {
	gw     exchange.Gateway
	closer Closer
	store  position.Store
	ledger Recorder
	alerts notification.Sink
	events events.Publisher
	cfg    config.KillSwitchConfig
	logger *logging.Logger

	mu       sync.RWMutex
	trips    int
	bySymbol map[string]int
	last     *Trip
	onTrip   func(Trip)
}

// NewKillSwitch creates a kill switch. alerts and bus may be nil.
func NewKillSwitch(gw exchange.Gateway, closer Closer, store position.Store, rec Recorder, alerts notification.Sink, bus events.Publisher, cfg config.KillSwitchConfig, logger *logging.Logger) *KillSwitch {
	if cfg.MaxLossPct <= 0 {
		cfg.MaxLossPct = config.Default().KillSwitchConfig.MaxLossPct
	}
	return &KillSwitch{
		gw:       gw,
		closer:   closer,
		store:    store,
		ledger:   rec,
		alerts:   alerts,
		events:   bus,
		cfg:      cfg,
		logger:   logger.WithComponent("kill-switch"),
		bySymbol: make(map[string]int),
	}
}

// OnTrip sets callback for when the switch fires
func (k *KillSwitch) OnTrip(handler func(Trip)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.onTrip = handler
}

// Check runs CheckAndExit with the configured threshold, or does nothing when disabled.
func (k *KillSwitch) Check(ctx context.Context, symbol string) (*Trip, error) {
	if !k.cfg.Enabled {
		return nil, nil
	}
	return k.CheckAndExit(ctx, symbol, k.cfg.MaxLossPct)
}

// CheckAndExit closes symbol's position when its unrealized loss against notional
// (entry × size) is worse than maxLossPct. It returns nil when nothing fired.
func (k *KillSwitch) CheckAndExit(ctx context.Context, symbol string, maxLossPct float64) (*Trip, error) {
	pos, err := k.gw.GetOpenPosition(ctx, symbol)
	if errors.Is(err, exchange.ErrNoPosition) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}
	price, err := k.gw.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("current price: %w", err)
	}

	notional := pos.EntryPrice * pos.Size()
	if notional <= 0 {
		return nil, nil
	}
	pnl := unrealized(pos, price)
	lossPct := pnl / notional
	log := logging.PositionContext(k.logger, symbol, sideOf(pos), pos.EntryPrice, pos.Size())
	log.Debug("Drawdown check", "price", price, "pnl", pnl, "pnl_pct", lossPct)
	if lossPct >= -maxLossPct {
		return nil, nil
	}

	log.Error("Max drawdown exceeded, forcing exit", "pnl_pct", lossPct, "max_loss_pct", maxLossPct)

	strategyName := UnknownStrategy
	if st, err := k.store.Load(ctx, symbol); err == nil && st.StrategyName != "" {
		strategyName = st.StrategyName
	}

	fill, err := k.closer.ClosePosition(ctx, pos)
	if err != nil {
		if k.alerts != nil {
			k.alerts.Send(ctx, notification.Error(symbol, "Emergency exit failed", err))
		}
		return nil, fmt.Errorf("emergency close: %w", err)
	}

	exit := price
	if fill.AvgPrice > 0 {
		exit = fill.AvgPrice
	}
	realized := unrealized(pos, exit)

	if _, err := k.ledger.Record(ctx, strategyName, ledger.ResultEmergency, realized); err != nil {
		log.Warn("Failed to record emergency outcome", "error", err)
	}
	if err := k.store.Clear(ctx, symbol); err != nil {
		log.Warn("Failed to clear position state", "error", err)
	}

	trip := Trip{
		Symbol:       symbol,
		Strategy:     strategyName,
		Amount:       pos.Amount,
		EntryPrice:   pos.EntryPrice,
		ExitPrice:    exit,
		LossPct:      lossPct,
		PnL:          realized,
		CloseOrderID: fill.ID,
		At:           time.Now().UTC(),
	}

	if k.alerts != nil {
		k.alerts.Send(ctx, notification.KillSwitch(symbol, lossPct, realized))
	}
	if k.events != nil {
		k.events.Publish(events.Event{Type: events.EventKillSwitch, Symbol: symbol, Data: map[string]interface{}{
			"strategy":   strategyName,
			"loss_pct":   lossPct,
			"pnl":        realized,
			"exit_price": exit,
		}})
	}

	k.mu.Lock()
	k.trips++
	k.bySymbol[symbol]++
	k.last = &trip
	handler := k.onTrip
	k.mu.Unlock()
	if handler != nil {
		handler(trip)
	}
	return &trip, nil
}

// Status returns trip statistics.
func (k *KillSwitch) Status() Status {
	k.mu.RLock()
	defer k.mu.RUnlock()
	s := Status{
		Enabled:       k.cfg.Enabled,
		MaxLossPct:    k.cfg.MaxLossPct,
		TripCount:     k.trips,
		TripsBySymbol: make(map[string]int, len(k.bySymbol)),
	}
	for sym, n := range k.bySymbol {
		s.TripsBySymbol[sym] = n
	}
	if k.last != nil {
		last := *k.last
		s.LastTrip = &last
	}
	return s
}

func unrealized(pos exchange.Position, price float64) float64 {
	if pos.IsLong() {
		return (price - pos.EntryPrice) * pos.Size()
	}
	return (pos.EntryPrice - price) * pos.Size()
}

func sideOf(pos exchange.Position) string {
	if pos.IsLong() {
		return string(position.SideLong)
	}
	return string(position.SideShort)
}
