package market

import "math"

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// SMA returns the simple mean of the last period values, NaN when too short.
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return math.NaN()
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// EMASeries returns the exponential moving average for every element, seeded with the
// first value and smoothed with alpha = 2/(span+1).
func EMASeries(values []float64, span int) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 || span <= 0 {
		return out
	}
	alpha := 2.0 / float64(span+1)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

// EMA returns the last value of EMASeries, NaN for an empty series.
func EMA(values []float64, span int) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	s := EMASeries(values, span)
	return s[len(s)-1]
}

// ============================================================================
// VOLATILITY
// ============================================================================

// TrueRange is max(high-low, |high-prevClose|, |low-prevClose|).
func TrueRange(c Candle, prevClose float64) float64 {
	return math.Max(c.High-c.Low, math.Max(math.Abs(c.High-prevClose), math.Abs(c.Low-prevClose)))
}

// ATR is the mean true range over the last period bars. The first bar of the series has
// no previous close and contributes high-low. Returns NaN when fewer than period bars exist.
func ATR(candles []Candle, period int) float64 {
	if period <= 0 || len(candles) < period {
		return math.NaN()
	}
	sum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		if i == 0 {
			sum += candles[i].High - candles[i].Low
			continue
		}
		sum += TrueRange(candles[i], candles[i-1].Close)
	}
	return sum / float64(period)
}

// Returns is the simple percent change between consecutive values; len(values)-1 long.
func Returns(values []float64) []float64 {
	if len(values) < 2 {
		return nil
	}
	out := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		if values[i-1] == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, values[i]/values[i-1]-1)
	}
	return out
}

// StdDev is the sample standard deviation (n-1), NaN for fewer than two values.
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return math.NaN()
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	sq := 0.0
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return math.Sqrt(sq / float64(len(values)-1))
}

// ReturnVolatility is the sample stdev of the last window close-to-close returns.
func ReturnVolatility(closes []float64, window int) float64 {
	r := Returns(closes)
	if window < 2 || len(r) < window {
		return math.NaN()
	}
	return StdDev(r[len(r)-window:])
}

// ============================================================================
// OSCILLATORS
// ============================================================================

// RSI uses simple rolling means of gains and losses over period changes.
// Returns 50 when there is not enough data and 100 when there were no losses.
func RSI(closes []float64, period int) float64 {
	if period <= 0 || len(closes) < period+1 {
		return 50
	}
	gains, losses := 0.0, 0.0
	for i := len(closes) - period; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}
	if losses == 0 {
		return 100
	}
	rs := (gains / float64(period)) / (losses / float64(period))
	return 100 - 100/(1+rs)
}

// BollingerBands returns mean ± k sample-stdev over the last period closes.
func BollingerBands(closes []float64, period int, k float64) (upper, middle, lower float64, ok bool) {
	if period < 2 || len(closes) < period {
		return 0, 0, 0, false
	}
	window := closes[len(closes)-period:]
	middle = SMA(window, period)
	sd := StdDev(window)
	return middle + k*sd, middle, middle - k*sd, true
}

// MACDHistogram returns macd - signal for the standard fast/slow/signal spans.
func MACDHistogram(closes []float64, fast, slow, signal int) float64 {
	if len(closes) == 0 {
		return math.NaN()
	}
	fastS := EMASeries(closes, fast)
	slowS := EMASeries(closes, slow)
	macd := make([]float64, len(closes))
	for i := range closes {
		macd[i] = fastS[i] - slowS[i]
	}
	sig := EMASeries(macd, signal)
	return macd[len(macd)-1] - sig[len(sig)-1]
}

// PctChange is the percentage change of the last value against the value lookback bars
// earlier. ok is false when the series is too short or the base is zero.
func PctChange(values []float64, lookback int) (float64, bool) {
	if lookback <= 0 || len(values) < lookback+1 {
		return 0, false
	}
	base := values[len(values)-1-lookback]
	if base == 0 {
		return 0, false
	}
	return (values[len(values)-1] - base) / base * 100, true
}

// IsFinitePositive reports whether v is a usable positive number.
func IsFinitePositive(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}
