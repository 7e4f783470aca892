package ml

import (
	"fmt"
	"math"

	"futures-agent/internal/market"
)

// OracleFeatureNames is the column order the oracle model was trained on.
var OracleFeatureNames = []string{
	"return", "volatility", "ema_5", "ema_13", "rsi",
	"bb_upper", "bb_lower", "bb_width", "macd_hist", "atr", "volume_delta",
}

// SelectorFeatureNames is the column order of one selector row.
var SelectorFeatureNames = []string{
	"rsi", "atr", "ma_trend", "volume_ratio", "body_ratio", "zone", "strategy_encoded",
}

// minOracleBars covers the 20-bar Bollinger window plus one return.
const minOracleBars = 21

// OracleFeatures computes the latest oracle feature vector.
func OracleFeatures(snap market.Snapshot) ([]float32, error) {
	if snap.Len() < minOracleBars {
		return nil, fmt.Errorf("oracle features need %d bars, have %d: %w", minOracleBars, snap.Len(), market.ErrInsufficientData)
	}

	closes := snap.Closes()
	n := len(closes)
	last, _ := snap.Last()

	ret := 0.0
	if closes[n-2] != 0 {
		ret = closes[n-1]/closes[n-2] - 1
	}
	upper, _, lower, _ := market.BollingerBands(closes, 20, 2)

	values := []float64{
		ret,
		market.ReturnVolatility(closes, 10),
		market.EMA(closes, 5),
		market.EMA(closes, 13),
		market.RSI(closes, 14),
		upper,
		lower,
		upper - lower,
		market.MACDHistogram(closes, 12, 26, 9),
		market.ATR(snap.Candles, 14),
		last.Volume * (closes[n-1] - closes[n-2]),
	}
	return toFloat32(values, OracleFeatureNames)
}

// SelectorRow is one candidate strategy described in the selector's feature space.
type SelectorRow struct {
	Strategy string
	Features []float32
}

// SelectorRows builds one row per strategy name; the market columns are shared and the
// last column is the strategy's position in names.
func SelectorRows(snap market.Snapshot, zone market.Zone, names []string) ([]SelectorRow, error) {
	base, err := selectorMarketFeatures(snap, zone)
	if err != nil {
		return nil, err
	}
	rows := make([]SelectorRow, len(names))
	for i, name := range names {
		f := make([]float32, 0, len(base)+1)
		f = append(f, base...)
		f = append(f, float32(i))
		rows[i] = SelectorRow{Strategy: name, Features: f}
	}
	return rows, nil
}

func selectorMarketFeatures(snap market.Snapshot, zone market.Zone) ([]float32, error) {
	const smaPeriod, trendLag = 14, 5
	if snap.Len() < smaPeriod+trendLag {
		return nil, fmt.Errorf("selector features need %d bars, have %d: %w", smaPeriod+trendLag, snap.Len(), market.ErrInsufficientData)
	}

	closes := snap.Closes()
	volumes := snap.Volumes()
	n := len(closes)
	last, _ := snap.Last()

	smaNow := market.SMA(closes, smaPeriod)
	smaPrev := market.SMA(closes[:n-trendLag], smaPeriod)
	maTrend := math.NaN()
	if smaPrev != 0 {
		maTrend = smaNow/smaPrev - 1
	}

	volumeRatio := math.NaN()
	if avg := market.SMA(volumes, smaPeriod); avg > 0 {
		volumeRatio = last.Volume / avg
	}

	bodyRatio := math.Abs(last.Close-last.Open) / (last.High - last.Low + 1e-6)

	values := []float64{
		market.RSI(closes, 14),
		market.ATR(snap.Candles, 14),
		maTrend,
		volumeRatio,
		bodyRatio,
		zone.Code(),
	}
	return toFloat32(values, SelectorFeatureNames[:len(values)])
}

func toFloat32(values []float64, names []string) ([]float32, error) {
	out := make([]float32, len(values))
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("feature %s is not finite: %w", names[i], market.ErrInsufficientData)
		}
		out[i] = float32(v)
	}
	return out, nil
}
