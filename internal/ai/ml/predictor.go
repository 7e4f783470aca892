package ml

import (
	"context"
	"math"
	"sync"
	"time"

	"futures-agent/internal/market"
	"futures-agent/internal/strategy"
)

// priceFeatures holds the inputs of the heuristic predictor.
type priceFeatures struct {
	Volatility        float64 // stdev of % returns
	PriceVelocity     float64 // mean of last 5 % returns
	PriceAcceleration float64
	RSI               float64
	MACDHistogram     float64 // as % of price
	BollingerPosition float64 // -1..1 inside the bands

	VolumeRatio        float64
	BuyPressure        float64
	VolumeAcceleration float64

	TrendStrength    float64 // EMA20 vs EMA50 in %
	TrendConsistency float64 // -1..1
}

// PredictorConfig weights the four signal families.
type PredictorConfig struct {
	MomentumWeight      float64
	MeanReversionWeight float64
	VolumeWeight        float64
	TrendWeight         float64
	DirectionThreshold  float64
}

// DefaultPredictorConfig returns the stock weights.
func DefaultPredictorConfig() PredictorConfig {
	return PredictorConfig{
		MomentumWeight:      0.3,
		MeanReversionWeight: 0.2,
		VolumeWeight:        0.25,
		TrendWeight:         0.25,
		DirectionThreshold:  0.1,
	}
}

// minPredictorBars is the shortest history the heuristic will score.
const minPredictorBars = 30

// Predictor is a rule-based oracle used when no trained model is available.
type Predictor struct {
	config PredictorConfig

	mu   sync.RWMutex
	last map[string]Prediction
	at   map[string]time.Time
}

// NewPredictor creates a heuristic oracle.
func NewPredictor(config PredictorConfig) *Predictor {
	if config == (PredictorConfig{}) {
		config = DefaultPredictorConfig()
	}
	return &Predictor{
		config: config,
		last:   make(map[string]Prediction),
		at:     make(map[string]time.Time),
	}
}

// Predict scores momentum, mean reversion, volume and trend, then maps the weighted sum
// to LONG, SHORT or HOLD. Confidence rises with agreement between the families.
func (p *Predictor) Predict(_ context.Context, snap market.Snapshot) Prediction {
	if snap.Len() < minPredictorBars {
		return Unavailable("heuristic", "not enough candles")
	}

	f := extractFeatures(snap)
	signals := map[string]float64{
		"momentum":       momentumSignal(f),
		"mean_reversion": meanReversionSignal(f),
		"volume":         volumeSignal(f),
		"trend":          trendSignal(f),
	}

	combined := signals["momentum"]*p.config.MomentumWeight +
		signals["mean_reversion"]*p.config.MeanReversionWeight +
		signals["volume"]*p.config.VolumeWeight +
		signals["trend"]*p.config.TrendWeight

	sig := strategy.SignalHold
	switch {
	case combined > p.config.DirectionThreshold:
		sig = strategy.SignalLong
	case combined < -p.config.DirectionThreshold:
		sig = strategy.SignalShort
	}

	pred := Prediction{
		Signal:     sig,
		Confidence: confidence(signals),
		Available:  true,
		Source:     "heuristic",
	}

	p.mu.Lock()
	p.last[snap.Symbol] = pred
	p.at[snap.Symbol] = time.Now()
	p.mu.Unlock()

	return pred
}

// Last returns the most recent prediction for symbol.
func (p *Predictor) Last(symbol string) (Prediction, time.Time, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pred, ok := p.last[symbol]
	return pred, p.at[symbol], ok
}

func extractFeatures(snap market.Snapshot) priceFeatures {
	candles := snap.Candles
	closes := snap.Closes()
	n := len(candles)
	f := priceFeatures{}

	returns := market.Returns(closes)
	for i := range returns {
		returns[i] *= 100
	}
	f.Volatility = market.StdDev(returns)

	if len(returns) >= 5 {
		f.PriceVelocity = sum(returns[len(returns)-5:]) / 5
	}
	if len(returns) >= 10 {
		recent := sum(returns[len(returns)-5:])
		prior := sum(returns[len(returns)-10 : len(returns)-5])
		f.PriceAcceleration = (recent - prior) / 5
	}

	f.RSI = market.RSI(closes, 14)

	last := candles[n-1]
	if last.Close > 0 {
		f.MACDHistogram = market.MACDHistogram(closes, 12, 26, 9) / last.Close * 100
	}

	if upper, middle, _, ok := market.BollingerBands(closes, 20, 2); ok && upper != middle {
		f.BollingerPosition = (last.Close - middle) / (upper - middle)
	}

	if avg := market.SMA(snap.Volumes(), 20); avg > 0 {
		f.VolumeRatio = last.Volume / avg
	}
	if rng := last.High - last.Low; rng > 0 {
		f.BuyPressure = (last.Close - last.Low) / rng
	}

	recentVol, prevVol := 0.0, 0.0
	for i := n - 5; i < n; i++ {
		recentVol += candles[i].Volume
	}
	for i := n - 10; i < n-5; i++ {
		prevVol += candles[i].Volume
	}
	if prevVol > 0 {
		f.VolumeAcceleration = (recentVol - prevVol) / prevVol
	}

	if ema50 := market.EMA(closes, 50); ema50 > 0 {
		f.TrendStrength = (market.EMA(closes, 20) - ema50) / ema50 * 100
	}

	bullish := 0
	for i := n - 10; i < n; i++ {
		if candles[i].Close > candles[i].Open {
			bullish++
		}
	}
	f.TrendConsistency = float64(bullish-5) / 5

	return f
}

func momentumSignal(f priceFeatures) float64 {
	s := clamp(f.PriceVelocity/0.5, -1, 1)*0.4 +
		clamp(f.PriceAcceleration/0.2, -1, 1)*0.3 +
		clamp(f.MACDHistogram/0.05, -1, 1)*0.3
	return clamp(s, -1, 1)
}

func meanReversionSignal(f priceFeatures) float64 {
	s := 0.0
	if f.RSI > 70 {
		s -= (f.RSI - 70) / 30
	} else if f.RSI < 30 {
		s += (30 - f.RSI) / 30
	}
	if f.BollingerPosition > 1 {
		s -= (f.BollingerPosition - 1) * 0.5
	} else if f.BollingerPosition < -1 {
		s += (-1 - f.BollingerPosition) * 0.5
	}
	return clamp(s, -1, 1)
}

func volumeSignal(f priceFeatures) float64 {
	s := 0.0
	if f.VolumeRatio > 1.5 {
		s += (f.BuyPressure - 0.5) * (f.VolumeRatio - 1) * 0.5
	}
	s += clamp(f.VolumeAcceleration*0.5, -0.5, 0.5)
	return clamp(s, -1, 1)
}

func trendSignal(f priceFeatures) float64 {
	s := clamp(f.TrendStrength/2, -1, 1)*0.6 + f.TrendConsistency*0.4
	return clamp(s, -1, 1)
}

// confidence blends directional agreement between the families with their mean strength.
func confidence(signals map[string]float64) float64 {
	positive, negative := 0, 0
	strength := 0.0
	for _, s := range signals {
		if s > 0.1 {
			positive++
		} else if s < -0.1 {
			negative++
		}
		strength += math.Abs(s)
	}
	total := len(signals)
	agree := max(positive, negative)

	base := float64(agree) / float64(total)
	if agree == total {
		base = 0.9
	}
	strength /= float64(total)

	return clamp(base*0.6+strength*0.4, 0, 1)
}

func sum(values []float64) float64 {
	s := 0.0
	for _, v := range values {
		s += v
	}
	return s
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(lo, math.Min(hi, v))
}
