package strategy

import (
	"fmt"

	"futures-agent/internal/market"
)

// BreakoutConfig configures the breakout strategy
type BreakoutConfig struct {
	Lookback int // bars in the high/low channel
}

// BreakoutStrategy goes long when the last close clears the channel high of the
// preceding bars and short when it breaks the channel low.
type BreakoutStrategy struct {
	config BreakoutConfig
}

func NewBreakoutStrategy(config BreakoutConfig) *BreakoutStrategy {
	if config.Lookback <= 0 {
		config.Lookback = 20
	}
	return &BreakoutStrategy{config: config}
}

func (s *BreakoutStrategy) Name() string {
	return "BreakoutStrategy"
}

func (s *BreakoutStrategy) GenerateSignal(snap market.Snapshot) (Signal, error) {
	n := snap.Len()
	if n < s.config.Lookback+1 {
		return SignalHold, fmt.Errorf("breakout needs %d bars, have %d: %w", s.config.Lookback+1, n, market.ErrInsufficientData)
	}

	// channel built from the bars before the last one
	channel := snap.Candles[n-1-s.config.Lookback : n-1]
	high, low := channel[0].High, channel[0].Low
	for _, c := range channel[1:] {
		if c.High > high {
			high = c.High
		}
		if c.Low < low {
			low = c.Low
		}
	}

	last := snap.LastClose()
	switch {
	case last > high:
		return SignalLong, nil
	case last < low:
		return SignalShort, nil
	default:
		return SignalHold, nil
	}
}

func init() {
	Register("BreakoutStrategy", func() Strategy { return NewBreakoutStrategy(BreakoutConfig{}) })
}
