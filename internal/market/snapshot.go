// Package market holds the candle snapshot consumed each cycle and the indicator math
// computed over it.
package market

import (
	"errors"
	"time"
)

// ErrInsufficientData is returned when a snapshot is too short for a calculation.
var ErrInsufficientData = errors.New("insufficient candle data")

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	CloseTime time.Time `json:"close_time"`
}

// Snapshot is an ordered candle series for one symbol and timeframe, most recent last.
// It is treated as read-only once built.
type Snapshot struct {
	Symbol    string
	Timeframe string
	Candles   []Candle
}

// Len returns the number of candles.
func (s Snapshot) Len() int { return len(s.Candles) }

// Last returns the most recent candle.
func (s Snapshot) Last() (Candle, bool) {
	if len(s.Candles) == 0 {
		return Candle{}, false
	}
	return s.Candles[len(s.Candles)-1], true
}

// LastClose returns the close of the most recent candle, or 0 for an empty snapshot.
func (s Snapshot) LastClose() float64 {
	c, ok := s.Last()
	if !ok {
		return 0
	}
	return c.Close
}

// Closes returns the close series.
func (s Snapshot) Closes() []float64 {
	out := make([]float64, len(s.Candles))
	for i, c := range s.Candles {
		out[i] = c.Close
	}
	return out
}

// Volumes returns the volume series.
func (s Snapshot) Volumes() []float64 {
	out := make([]float64, len(s.Candles))
	for i, c := range s.Candles {
		out[i] = c.Volume
	}
	return out
}

// Window returns the last n candles as a new snapshot (all of them if n exceeds Len).
func (s Snapshot) Window(n int) Snapshot {
	if n >= len(s.Candles) || n < 0 {
		return s
	}
	return Snapshot{Symbol: s.Symbol, Timeframe: s.Timeframe, Candles: s.Candles[len(s.Candles)-n:]}
}
