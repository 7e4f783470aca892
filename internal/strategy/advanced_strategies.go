package strategy

import (
	"fmt"

	"futures-agent/internal/market"
)

// RSIStrategyConfig configures the RSI strategy
type RSIStrategyConfig struct {
	RSIPeriod       int
	OversoldLevel   float64 // e.g., 30
	OverboughtLevel float64 // e.g., 70
}

// RSIStrategy fades momentum extremes: oversold goes long, overbought goes short.
type RSIStrategy struct {
	config RSIStrategyConfig
}

func NewRSIStrategy(config RSIStrategyConfig) *RSIStrategy {
	if config.RSIPeriod <= 0 {
		config.RSIPeriod = 14
	}
	if config.OversoldLevel <= 0 {
		config.OversoldLevel = 30
	}
	if config.OverboughtLevel <= config.OversoldLevel {
		config.OverboughtLevel = 70
	}
	return &RSIStrategy{config: config}
}

func (s *RSIStrategy) Name() string {
	return "RSIReversalStrategy"
}

func (s *RSIStrategy) GenerateSignal(snap market.Snapshot) (Signal, error) {
	if snap.Len() < s.config.RSIPeriod+1 {
		return SignalHold, fmt.Errorf("rsi needs %d bars, have %d: %w", s.config.RSIPeriod+1, snap.Len(), market.ErrInsufficientData)
	}

	rsi := market.RSI(snap.Closes(), s.config.RSIPeriod)
	switch {
	case rsi < s.config.OversoldLevel:
		return SignalLong, nil
	case rsi > s.config.OverboughtLevel:
		return SignalShort, nil
	default:
		return SignalHold, nil
	}
}

// VolumeSpikeConfig configures the volume spike strategy
type VolumeSpikeConfig struct {
	VolumeMultiplier float64 // e.g., 2.0 means 2x average volume
	MinPriceChange   float64 // minimum body move in percent
	LookbackPeriod   int
}

// VolumeSpikeStrategy follows the body direction of a bar traded on unusual volume.
type VolumeSpikeStrategy struct {
	config VolumeSpikeConfig
}

func NewVolumeSpikeStrategy(config VolumeSpikeConfig) *VolumeSpikeStrategy {
	if config.VolumeMultiplier <= 0 {
		config.VolumeMultiplier = 2.0
	}
	if config.MinPriceChange <= 0 {
		config.MinPriceChange = 0.3
	}
	if config.LookbackPeriod <= 0 {
		config.LookbackPeriod = 20
	}
	return &VolumeSpikeStrategy{config: config}
}

func (s *VolumeSpikeStrategy) Name() string {
	return "VolumeSpikeStrategy"
}

func (s *VolumeSpikeStrategy) GenerateSignal(snap market.Snapshot) (Signal, error) {
	if snap.Len() < s.config.LookbackPeriod+1 {
		return SignalHold, fmt.Errorf("volume spike needs %d bars, have %d: %w", s.config.LookbackPeriod+1, snap.Len(), market.ErrInsufficientData)
	}

	volumes := snap.Volumes()
	avgVolume := market.SMA(volumes[:len(volumes)-1], s.config.LookbackPeriod)
	last, _ := snap.Last()
	if avgVolume <= 0 || last.Volume < avgVolume*s.config.VolumeMultiplier || last.Open == 0 {
		return SignalHold, nil
	}

	priceChange := (last.Close - last.Open) / last.Open * 100
	switch {
	case priceChange > s.config.MinPriceChange:
		return SignalLong, nil
	case priceChange < -s.config.MinPriceChange:
		return SignalShort, nil
	default:
		return SignalHold, nil
	}
}

// SupportConfig configures the support/resistance bounce strategy
type SupportConfig struct {
	TouchDistance float64 // fraction of price considered "touching" a level
}

// SupportStrategy buys a bullish close that holds just above the previous candle's low
// and sells a bearish close that stalls just under the previous candle's high.
type SupportStrategy struct {
	config SupportConfig
}

func NewSupportStrategy(config SupportConfig) *SupportStrategy {
	if config.TouchDistance <= 0 {
		config.TouchDistance = 0.002
	}
	return &SupportStrategy{config: config}
}

func (s *SupportStrategy) Name() string {
	return "SupportBounceStrategy"
}

func (s *SupportStrategy) GenerateSignal(snap market.Snapshot) (Signal, error) {
	if snap.Len() < 2 {
		return SignalHold, fmt.Errorf("support bounce needs 2 bars: %w", market.ErrInsufficientData)
	}

	prev := snap.Candles[snap.Len()-2]
	last, _ := snap.Last()

	nearSupport := last.Close >= prev.Low && last.Close <= prev.Low*(1+s.config.TouchDistance)
	nearResistance := last.Close <= prev.High && last.Close >= prev.High*(1-s.config.TouchDistance)

	switch {
	case nearSupport && last.Close > last.Open:
		return SignalLong, nil
	case nearResistance && last.Close < last.Open:
		return SignalShort, nil
	default:
		return SignalHold, nil
	}
}

func init() {
	Register("RSIReversalStrategy", func() Strategy { return NewRSIStrategy(RSIStrategyConfig{}) })
	Register("VolumeSpikeStrategy", func() Strategy { return NewVolumeSpikeStrategy(VolumeSpikeConfig{}) })
	Register("SupportBounceStrategy", func() Strategy { return NewSupportStrategy(SupportConfig{}) })
}
