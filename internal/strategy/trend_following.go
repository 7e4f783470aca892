package strategy

import (
	"fmt"

	"futures-agent/internal/market"
)

// TrendFollowingConfig configures the EMA crossover strategy
type TrendFollowingConfig struct {
	FastPeriod int
	SlowPeriod int
}

// TrendFollowingStrategy signals on the bar where the fast EMA crosses the slow EMA.
type TrendFollowingStrategy struct {
	config TrendFollowingConfig
}

func NewTrendFollowingStrategy(config TrendFollowingConfig) *TrendFollowingStrategy {
	if config.FastPeriod <= 0 {
		config.FastPeriod = 20
	}
	if config.SlowPeriod <= config.FastPeriod {
		config.SlowPeriod = 50
	}
	return &TrendFollowingStrategy{config: config}
}

func (s *TrendFollowingStrategy) Name() string {
	return "TrendFollowingStrategy"
}

func (s *TrendFollowingStrategy) GenerateSignal(snap market.Snapshot) (Signal, error) {
	if snap.Len() < s.config.SlowPeriod {
		return SignalHold, fmt.Errorf("trend following needs %d bars, have %d: %w", s.config.SlowPeriod, snap.Len(), market.ErrInsufficientData)
	}

	closes := snap.Closes()
	fast := market.EMASeries(closes, s.config.FastPeriod)
	slow := market.EMASeries(closes, s.config.SlowPeriod)
	n := len(closes)

	crossedUp := fast[n-1] > slow[n-1] && fast[n-2] <= slow[n-2]
	crossedDown := fast[n-1] < slow[n-1] && fast[n-2] >= slow[n-2]

	switch {
	case crossedUp:
		return SignalLong, nil
	case crossedDown:
		return SignalShort, nil
	default:
		return SignalHold, nil
	}
}

func init() {
	Register("TrendFollowingStrategy", func() Strategy { return NewTrendFollowingStrategy(TrendFollowingConfig{}) })
}
