// Package risk turns a decision into a sized order with protective brackets and keeps the
// stop of an open position trailing behind price.
package risk

import (
	"math"

	"futures-agent/config"
	"futures-agent/internal/decision"
	"futures-agent/internal/logging"
	"futures-agent/internal/market"
	"futures-agent/internal/strategy"
)

// Plan is the sizing result for one decision. Skip plans carry zero quantity.
type Plan struct {
	Symbol     string          `json:"symbol"`
	Signal     strategy.Signal `json:"signal"`
	EntryPrice float64         `json:"entry_price"`
	StopLoss   float64         `json:"stop_loss"`
	TakeProfit float64         `json:"take_profit"`
	Quantity   float64         `json:"quantity"`
	Leverage   int             `json:"leverage"`
	RiskAmount float64         `json:"risk_amount"`
	ATR        float64         `json:"atr"`
	// Fallback is set when the percentage distances replaced the ATR distances.
	Fallback bool   `json:"fallback"`
	Skip     bool   `json:"skip"`
	Reason   string `json:"reason,omitempty"`
}

// Sizer applies the fixed-fractional sizing rules.
type Sizer struct {
	cfg    config.RiskConfig
	logger *logging.Logger
}

// NewSizer fills unset fields with the documented defaults.
func NewSizer(cfg config.RiskConfig, logger *logging.Logger) *Sizer {
	d := config.Default().RiskConfig
	if cfg.RiskPerTrade <= 0 {
		cfg.RiskPerTrade = d.RiskPerTrade
	}
	if cfg.StopATRMult <= 0 {
		cfg.StopATRMult = d.StopATRMult
	}
	if cfg.TakeATRMult <= 0 {
		cfg.TakeATRMult = d.TakeATRMult
	}
	if cfg.FallbackStopPct <= 0 {
		cfg.FallbackStopPct = d.FallbackStopPct
	}
	if cfg.FallbackTakePct <= 0 {
		cfg.FallbackTakePct = d.FallbackTakePct
	}
	if cfg.ATRPeriod <= 0 {
		cfg.ATRPeriod = d.ATRPeriod
	}
	if cfg.VolatilityWindow < 2 {
		cfg.VolatilityWindow = d.VolatilityWindow
	}
	if cfg.DefaultLeverage <= 0 {
		cfg.DefaultLeverage = d.DefaultLeverage
	}
	if cfg.MinLeverage <= 0 {
		cfg.MinLeverage = d.MinLeverage
	}
	if cfg.MaxLeverage < cfg.MinLeverage {
		cfg.MaxLeverage = d.MaxLeverage
	}
	return &Sizer{cfg: cfg, logger: logger.WithComponent("risk")}
}

// Size prices the brackets off the last close and sizes the position so that hitting the
// stop loses RiskPerTrade of balance.
func (s *Sizer) Size(d decision.Decision, snap market.Snapshot, balance float64) Plan {
	plan := Plan{Symbol: d.Symbol, Signal: d.Signal}
	if !d.Signal.IsDirectional() {
		plan.Skip, plan.Reason = true, "no directional signal"
		return plan
	}
	entry := snap.LastClose()
	if !market.IsFinitePositive(entry) {
		plan.Skip, plan.Reason = true, "no reference price"
		return plan
	}

	b := s.Brackets(d.Signal, entry, snap, d.Zone, d.Confidence)
	plan.EntryPrice = entry
	plan.StopLoss, plan.TakeProfit = b.StopLoss, b.TakeProfit
	plan.ATR, plan.Fallback = b.ATR, b.Fallback
	plan.Leverage = s.Leverage(snap)
	plan.RiskAmount = balance * s.cfg.RiskPerTrade

	qty := plan.RiskAmount / math.Abs(entry-plan.StopLoss)
	if !market.IsFinitePositive(qty) {
		plan.Skip, plan.Reason = true, "non-positive quantity"
		return plan
	}
	plan.Quantity = qty

	logging.RiskContext(s.logger, d.Symbol, s.cfg.RiskPerTrade, qty).Info("Position sized",
		"signal", string(d.Signal), "entry", entry, "stop_loss", plan.StopLoss,
		"take_profit", plan.TakeProfit, "leverage", plan.Leverage, "atr", plan.ATR, "fallback", plan.Fallback)
	return plan
}

// BracketPrices are a stop and take-profit around a reference price.
type BracketPrices struct {
	StopLoss   float64
	TakeProfit float64
	ATR        float64
	Fallback   bool
}

// Brackets computes stop and take-profit around ref for a position in direction sig.
func (s *Sizer) Brackets(sig strategy.Signal, ref float64, snap market.Snapshot, zone market.Zone, confidence float64) BracketPrices {
	atr := market.ATR(snap.Candles, s.cfg.ATRPeriod)
	slMult, tpMult := zoneMultipliers(zone)
	cm := confidenceMultiplier(confidence)

	stopDist := atr * s.cfg.StopATRMult * slMult * cm
	takeDist := atr * s.cfg.TakeATRMult * tpMult * cm

	b := BracketPrices{ATR: atr}
	if !market.IsFinitePositive(stopDist) || !market.IsFinitePositive(takeDist) {
		b.Fallback = true
		stopDist = ref * s.cfg.FallbackStopPct
		takeDist = ref * s.cfg.FallbackTakePct
	}
	if sig == strategy.SignalShort {
		b.StopLoss, b.TakeProfit = ref+stopDist, ref-takeDist
	} else {
		b.StopLoss, b.TakeProfit = ref-stopDist, ref+takeDist
	}
	return b
}

// Leverage scales DefaultLeverage down as return volatility rises and clamps the result.
func (s *Sizer) Leverage(snap market.Snapshot) int {
	lev := s.cfg.DefaultLeverage
	vol := market.ReturnVolatility(snap.Closes(), s.cfg.VolatilityWindow)
	if !math.IsNaN(vol) && !math.IsInf(vol, 0) {
		lev = int(float64(s.cfg.DefaultLeverage) / (vol*100 + 1))
	}
	if lev < s.cfg.MinLeverage {
		lev = s.cfg.MinLeverage
	}
	if lev > s.cfg.MaxLeverage {
		lev = s.cfg.MaxLeverage
	}
	return lev
}

func zoneMultipliers(z market.Zone) (sl, tp float64) {
	switch z {
	case market.ZoneBullish:
		return 0.9, 1.2
	case market.ZoneBearish:
		return 1.2, 0.9
	case market.ZoneSideways:
		return 0.8, 0.8
	default:
		return 1, 1
	}
}

func confidenceMultiplier(c float64) float64 {
	switch {
	case c >= 0.99:
		return 1
	case c >= 0.95:
		return 0.9
	case c >= 0.90:
		return 0.85
	default:
		return 0.75
	}
}
