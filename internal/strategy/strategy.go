// Package strategy provides the signal generators of the strategy pool and the registry
// that holds them.
package strategy

import (
	"fmt"
	"sort"
	"sync"

	"futures-agent/internal/market"
)

// Signal is a directional opinion with no memory of its own.
type Signal string

const (
	SignalLong  Signal = "LONG"
	SignalShort Signal = "SHORT"
	SignalHold  Signal = "HOLD"
)

// IsDirectional reports whether the signal asks for a position.
func (s Signal) IsDirectional() bool {
	return s == SignalLong || s == SignalShort
}

// Opposite returns the closing direction for a directional signal.
func (s Signal) Opposite() Signal {
	switch s {
	case SignalLong:
		return SignalShort
	case SignalShort:
		return SignalLong
	default:
		return SignalHold
	}
}

// ParseSignal converts exchange or model labels into a Signal.
func ParseSignal(s string) Signal {
	switch s {
	case "LONG", "BUY", "UP", "up":
		return SignalLong
	case "SHORT", "SELL", "DOWN", "down":
		return SignalShort
	default:
		return SignalHold
	}
}

// Strategy defines the interface for pool members.
type Strategy interface {
	// Name returns the stable identifier recorded in the ledger.
	Name() string

	// GenerateSignal evaluates the snapshot. Errors mean the strategy could not decide.
	GenerateSignal(snap market.Snapshot) (Signal, error)
}

// Factory builds a strategy with its default parameters.
type Factory func() Strategy

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
	// registration order, used as the pool order
	factoryOrder []string
)

// Register adds a built-in strategy factory. Called from init in each strategy file.
func Register(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("strategy %q registered twice", name))
	}
	factories[name] = f
	factoryOrder = append(factoryOrder, name)
}

// Available lists registered strategy names sorted alphabetically.
func Available() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Registry is the ordered strategy pool handed to the arbitration engine.
type Registry struct {
	strategies []Strategy
	byName     map[string]int
}

// NewRegistry builds a pool from explicit strategies, keeping their order.
func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{byName: make(map[string]int, len(strategies))}
	for _, s := range strategies {
		r.Add(s)
	}
	return r
}

// NewDefaultRegistry builds the pool from the built-in factories. An empty names list
// means every built-in, in registration order.
func NewDefaultRegistry(names []string) (*Registry, error) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	if len(names) == 0 {
		names = factoryOrder
	}
	r := NewRegistry()
	for _, n := range names {
		f, ok := factories[n]
		if !ok {
			return nil, fmt.Errorf("unknown strategy %q", n)
		}
		r.Add(f())
	}
	return r, nil
}

// Add appends s to the pool. A duplicate name replaces the earlier entry in place.
func (r *Registry) Add(s Strategy) {
	if idx, ok := r.byName[s.Name()]; ok {
		r.strategies[idx] = s
		return
	}
	r.byName[s.Name()] = len(r.strategies)
	r.strategies = append(r.strategies, s)
}

// Get returns the strategy with the given name. Missing names are not an error;
// ledger and state references to retired strategies are expected.
func (r *Registry) Get(name string) (Strategy, bool) {
	idx, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return r.strategies[idx], true
}

// Index returns the pool position of name, or -1.
func (r *Registry) Index(name string) int {
	if idx, ok := r.byName[name]; ok {
		return idx
	}
	return -1
}

// All returns the strategies in pool order.
func (r *Registry) All() []Strategy {
	out := make([]Strategy, len(r.strategies))
	copy(out, r.strategies)
	return out
}

// Names returns the strategy names in pool order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.strategies))
	for i, s := range r.strategies {
		out[i] = s.Name()
	}
	return out
}

// Len returns the pool size.
func (r *Registry) Len() int { return len(r.strategies) }
