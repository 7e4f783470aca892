package strategy

import (
	"fmt"

	"futures-agent/internal/market"
)

// VolatilityReversalConfig configures the range-expansion strategy
type VolatilityReversalConfig struct {
	RangePeriod    int     // bars in the mean-range window
	QuietBars      int     // bars before the last that must be compressed
	QuietRatio     float64 // compressed when their mean range < QuietRatio × mean
	ExpansionRatio float64 // last range must exceed ExpansionRatio × mean
}

// VolatilityReversalStrategy trades the direction of an expansion bar that follows a
// stretch of compressed ranges.
type VolatilityReversalStrategy struct {
	config VolatilityReversalConfig
}

func NewVolatilityReversalStrategy(config VolatilityReversalConfig) *VolatilityReversalStrategy {
	if config.RangePeriod <= 0 {
		config.RangePeriod = 20
	}
	if config.QuietBars <= 0 {
		config.QuietBars = 4
	}
	if config.QuietRatio <= 0 {
		config.QuietRatio = 0.7
	}
	if config.ExpansionRatio <= 0 {
		config.ExpansionRatio = 1.5
	}
	return &VolatilityReversalStrategy{config: config}
}

func (s *VolatilityReversalStrategy) Name() string {
	return "VolatilityReversalStrategy"
}

func (s *VolatilityReversalStrategy) GenerateSignal(snap market.Snapshot) (Signal, error) {
	need := s.config.RangePeriod
	if s.config.QuietBars+1 > need {
		need = s.config.QuietBars + 1
	}
	if snap.Len() < need {
		return SignalHold, fmt.Errorf("volatility reversal needs %d bars, have %d: %w", need, snap.Len(), market.ErrInsufficientData)
	}

	ranges := make([]float64, snap.Len())
	for i, c := range snap.Candles {
		ranges[i] = c.High - c.Low
	}
	n := len(ranges)
	meanRange := market.SMA(ranges, s.config.RangePeriod)
	quiet := market.SMA(ranges[n-1-s.config.QuietBars:n-1], s.config.QuietBars)

	compressed := quiet < meanRange*s.config.QuietRatio
	expanded := ranges[n-1] > meanRange*s.config.ExpansionRatio
	if !compressed || !expanded {
		return SignalHold, nil
	}

	last, _ := snap.Last()
	switch {
	case last.Close > last.Open:
		return SignalLong, nil
	case last.Close < last.Open:
		return SignalShort, nil
	default:
		return SignalHold, nil
	}
}

func init() {
	Register("VolatilityReversalStrategy", func() Strategy { return NewVolatilityReversalStrategy(VolatilityReversalConfig{}) })
}
