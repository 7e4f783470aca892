// Package ml wraps the directional oracle and the strategy selector. Both are opaque
// models; callers receive explicit availability flags instead of errors so the
// arbitration engine can degrade tier by tier.
package ml

import (
	"context"
	"errors"

	"futures-agent/internal/market"
	"futures-agent/internal/strategy"
)

// ErrModelUnavailable marks a model that is not configured or failed to load.
var ErrModelUnavailable = errors.New("model unavailable")

// Prediction is the oracle's answer for one snapshot.
type Prediction struct {
	Signal     strategy.Signal `json:"signal"`
	Confidence float64         `json:"confidence"`
	Available  bool            `json:"available"`
	Source     string          `json:"source"`
	Reason     string          `json:"reason,omitempty"`
}

// Unavailable builds a HOLD prediction that the engine must not act on.
func Unavailable(source, reason string) Prediction {
	return Prediction{Signal: strategy.SignalHold, Confidence: 0, Source: source, Reason: reason}
}

// Oracle predicts market direction from a snapshot.
type Oracle interface {
	Predict(ctx context.Context, snap market.Snapshot) Prediction
}

// ChainOracle asks each oracle in turn and returns the first available prediction.
type ChainOracle struct {
	oracles []Oracle
}

// NewChainOracle skips nil entries so optional models can be passed unconditionally.
func NewChainOracle(oracles ...Oracle) *ChainOracle {
	c := &ChainOracle{}
	for _, o := range oracles {
		if o != nil {
			c.oracles = append(c.oracles, o)
		}
	}
	return c
}

func (c *ChainOracle) Predict(ctx context.Context, snap market.Snapshot) Prediction {
	last := Unavailable("chain", "no oracle configured")
	for _, o := range c.oracles {
		p := o.Predict(ctx, snap)
		if p.Available {
			return p
		}
		last = p
	}
	return last
}

// signalFromProbs maps class probabilities ordered [SHORT, HOLD, LONG] to a prediction.
func signalFromProbs(probs []float32, source string) Prediction {
	if len(probs) != 3 {
		return Unavailable(source, "unexpected output width")
	}
	best := 0
	for i := 1; i < len(probs); i++ {
		if probs[i] > probs[best] {
			best = i
		}
	}
	signals := [3]strategy.Signal{strategy.SignalShort, strategy.SignalHold, strategy.SignalLong}
	return Prediction{
		Signal:     signals[best],
		Confidence: float64(probs[best]),
		Available:  true,
		Source:     source,
	}
}
