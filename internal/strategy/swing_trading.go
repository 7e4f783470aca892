package strategy

import (
	"fmt"

	"futures-agent/internal/market"
)

// SwingTradingConfig configures the swing trading strategy
type SwingTradingConfig struct {
	FastEMAPeriod int
	SlowEMAPeriod int
	RSIPeriod     int
	MACDFast      int
	MACDSlow      int
	MACDSignal    int
	VolumePeriod  int
	// PullbackPct is how close to the fast EMA a close counts as a pullback entry.
	PullbackPct float64
	// MinConfirmations among momentum, MACD, volume and pullback, on top of the trend filter.
	MinConfirmations int
}

// SwingTradingStrategy trades with the slow-EMA trend once enough independent
// confirmations agree with it.
type SwingTradingStrategy struct {
	config SwingTradingConfig
}

func NewSwingTradingStrategy(config SwingTradingConfig) *SwingTradingStrategy {
	if config.FastEMAPeriod == 0 {
		config.FastEMAPeriod = 20
	}
	if config.SlowEMAPeriod == 0 {
		config.SlowEMAPeriod = 50
	}
	if config.RSIPeriod == 0 {
		config.RSIPeriod = 14
	}
	if config.MACDFast == 0 {
		config.MACDFast = 12
	}
	if config.MACDSlow == 0 {
		config.MACDSlow = 26
	}
	if config.MACDSignal == 0 {
		config.MACDSignal = 9
	}
	if config.VolumePeriod == 0 {
		config.VolumePeriod = 20
	}
	if config.PullbackPct == 0 {
		config.PullbackPct = 0.01
	}
	if config.MinConfirmations == 0 {
		config.MinConfirmations = 3
	}
	return &SwingTradingStrategy{config: config}
}

func (s *SwingTradingStrategy) Name() string {
	return "SwingTradingStrategy"
}

func (s *SwingTradingStrategy) minBars() int {
	return s.config.SlowEMAPeriod + 10
}

func (s *SwingTradingStrategy) GenerateSignal(snap market.Snapshot) (Signal, error) {
	if snap.Len() < s.minBars() {
		return SignalHold, fmt.Errorf("swing trading needs %d bars, have %d: %w", s.minBars(), snap.Len(), market.ErrInsufficientData)
	}

	closes := snap.Closes()
	volumes := snap.Volumes()
	price := snap.LastClose()

	// Trend filter
	slowEMA := market.EMA(closes, s.config.SlowEMAPeriod)
	var dir Signal
	switch {
	case price > slowEMA:
		dir = SignalLong
	case price < slowEMA:
		dir = SignalShort
	default:
		return SignalHold, nil
	}
	bull := dir == SignalLong

	confirmations := 0

	rsi := market.RSI(closes, s.config.RSIPeriod)
	if (bull && rsi > 50) || (!bull && rsi < 50) {
		confirmations++
	}

	hist := market.MACDHistogram(closes, s.config.MACDFast, s.config.MACDSlow, s.config.MACDSignal)
	if (bull && hist > 0) || (!bull && hist < 0) {
		confirmations++
	}

	avgVolume := market.SMA(volumes[:len(volumes)-1], s.config.VolumePeriod)
	if avgVolume > 0 && volumes[len(volumes)-1] > avgVolume {
		confirmations++
	}

	fastEMA := market.EMA(closes, s.config.FastEMAPeriod)
	if fastEMA > 0 && price >= fastEMA*(1-s.config.PullbackPct) && price <= fastEMA*(1+s.config.PullbackPct) {
		confirmations++
	}

	if confirmations >= s.config.MinConfirmations {
		return dir, nil
	}
	return SignalHold, nil
}

func init() {
	Register("SwingTradingStrategy", func() Strategy { return NewSwingTradingStrategy(SwingTradingConfig{}) })
}
