// Package position defines the persisted record of the one open position per symbol and
// the store contract the control loop writes it through.
package position

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrStateNotFound is returned by Load when no state is stored for the symbol.
var ErrStateNotFound = errors.New("position state not found")

// Side is the direction of an open position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// State is the agent's view of an open position. Only the owning control loop writes it.
type State struct {
	Symbol       string    `json:"symbol"`
	Side         Side      `json:"side"`
	Quantity     float64   `json:"quantity"`
	EntryPrice   float64   `json:"entry_price"`
	StopLoss     float64   `json:"stop_loss"`
	TakeProfit   float64   `json:"take_profit"`
	Leverage     int       `json:"leverage"`
	StrategyName string    `json:"strategy_name"`
	OpenedAt     time.Time `json:"opened_at"`
}

// Validate checks the state invariants: positive size and brackets on the correct side of
// the entry price.
func (s State) Validate() error {
	if s.Symbol == "" {
		return errors.New("symbol is required")
	}
	if s.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive, got %v", s.Quantity)
	}
	if s.EntryPrice <= 0 {
		return fmt.Errorf("entry price must be positive, got %v", s.EntryPrice)
	}
	switch s.Side {
	case SideLong:
		if s.StopLoss >= s.EntryPrice || s.TakeProfit <= s.EntryPrice {
			return fmt.Errorf("long brackets out of order: sl=%v entry=%v tp=%v", s.StopLoss, s.EntryPrice, s.TakeProfit)
		}
	case SideShort:
		if s.StopLoss <= s.EntryPrice || s.TakeProfit >= s.EntryPrice {
			return fmt.Errorf("short brackets out of order: sl=%v entry=%v tp=%v", s.StopLoss, s.EntryPrice, s.TakeProfit)
		}
	default:
		return fmt.Errorf("unknown side %q", s.Side)
	}
	return nil
}

// UnrealizedPnL is the PnL of the whole position at price.
func (s State) UnrealizedPnL(price float64) float64 {
	if s.Side == SideShort {
		return (s.EntryPrice - price) * s.Quantity
	}
	return (price - s.EntryPrice) * s.Quantity
}

// Store persists one State per symbol. Writes replace the whole record.
type Store interface {
	Save(ctx context.Context, state State) error
	// Load returns ErrStateNotFound when nothing is stored.
	Load(ctx context.Context, symbol string) (State, error)
	Clear(ctx context.Context, symbol string) error
}

// Lister is implemented by stores that can enumerate stored symbols.
type Lister interface {
	List(ctx context.Context) ([]State, error)
}
