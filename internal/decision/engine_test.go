package decision

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futures-agent/config"
	"futures-agent/internal/ai/ml"
	"futures-agent/internal/ledger"
	"futures-agent/internal/logging"
	"futures-agent/internal/market"
	"futures-agent/internal/strategy"
)

type stubOracle struct{ p ml.Prediction }

func (s stubOracle) Predict(context.Context, market.Snapshot) ml.Prediction { return s.p }

type stubSelector struct {
	sel   ml.Selection
	calls int
}

func (s *stubSelector) PredictBestStrategy(_ context.Context, rows []ml.SelectorRow) ml.Selection {
	s.calls++
	return s.sel
}

type stubStrategy struct {
	name  string
	sig   strategy.Signal
	err   error
	calls int
}

func (s *stubStrategy) Name() string { return s.name }
func (s *stubStrategy) GenerateSignal(market.Snapshot) (strategy.Signal, error) {
	s.calls++
	return s.sig, s.err
}

func rising(n int) market.Snapshot {
	snap := market.Snapshot{Symbol: "BTCUSDT", Timeframe: "15m"}
	p := 100.0
	for i := 0; i < n; i++ {
		snap.Candles = append(snap.Candles, market.Candle{Open: p, High: p + 1, Low: p - 0.5, Close: p + 0.5, Volume: 100})
		p += 0.5
	}
	return snap
}

func arbitration(exploreMin int) config.ArbitrationConfig {
	return config.ArbitrationConfig{OracleThreshold: 0.75, ExploreMinStrategies: exploreMin, ZoneLookback: 20, ZoneThresholdPct: 1.5}
}

func confident(sig strategy.Signal, conf float64) stubOracle {
	return stubOracle{ml.Prediction{Signal: sig, Confidence: conf, Available: true, Source: "test"}}
}

func TestOracleTierShortCircuits(t *testing.T) {
	a := &stubStrategy{name: "A", sig: strategy.SignalShort}
	sel := &stubSelector{sel: ml.Selection{Strategy: "A", Available: true}}
	e := NewEngine(confident(strategy.SignalLong, 0.9), sel, strategy.NewRegistry(a), nil, arbitration(10), logging.Nop())

	d := e.Decide(context.Background(), "BTCUSDT", rising(40))
	assert.Equal(t, strategy.SignalLong, d.Signal)
	assert.Equal(t, TierOracle, d.Tier)
	assert.Equal(t, OracleStrategyName, d.Strategy)
	assert.Equal(t, 0.9, d.Confidence)
	assert.Equal(t, market.ZoneBullish, d.Zone)
	assert.Zero(t, sel.calls)
	assert.Zero(t, a.calls)
}

func TestOracleHoldDoesNotWin(t *testing.T) {
	a := &stubStrategy{name: "A", sig: strategy.SignalShort}
	e := NewEngine(confident(strategy.SignalHold, 0.99), nil, strategy.NewRegistry(a), nil, arbitration(10), logging.Nop())

	d := e.Decide(context.Background(), "BTCUSDT", rising(40))
	assert.Equal(t, strategy.SignalShort, d.Signal)
	assert.Equal(t, TierExplore, d.Tier)
	assert.Equal(t, 0.99, d.Confidence)
}

func TestSelectorTier(t *testing.T) {
	a := &stubStrategy{name: "A", sig: strategy.SignalLong}
	b := &stubStrategy{name: "B", sig: strategy.SignalShort}
	sel := &stubSelector{sel: ml.Selection{Strategy: "B", Probability: 0.7, Available: true}}
	e := NewEngine(confident(strategy.SignalLong, 0.6), sel, strategy.NewRegistry(a, b), nil, arbitration(10), logging.Nop())

	d := e.Decide(context.Background(), "BTCUSDT", rising(40))
	assert.Equal(t, TierSelector, d.Tier)
	assert.Equal(t, "B", d.Strategy)
	assert.Equal(t, strategy.SignalShort, d.Signal)
	assert.Equal(t, 0.6, d.Confidence)
	assert.Zero(t, a.calls)
}

func TestSelectorFallsThrough(t *testing.T) {
	tests := []struct {
		name string
		sel  ml.Selection
		bErr error
	}{
		{"unavailable", ml.Selection{Reason: "down"}, nil},
		{"unknown strategy", ml.Selection{Strategy: "Retired", Available: true}, nil},
		{"strategy error", ml.Selection{Strategy: "B", Available: true}, errors.New("missing indicator")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &stubStrategy{name: "A", sig: strategy.SignalLong}
			b := &stubStrategy{name: "B", sig: strategy.SignalShort, err: tt.bErr}
			sel := &stubSelector{sel: tt.sel}
			e := NewEngine(stubOracle{ml.Unavailable("x", "none")}, sel, strategy.NewRegistry(a, b), nil, arbitration(10), logging.Nop())

			d := e.Decide(context.Background(), "BTCUSDT", rising(40))
			assert.Equal(t, TierExplore, d.Tier)
			assert.Equal(t, 1, sel.calls)
			assert.Zero(t, d.Confidence)
		})
	}
}

func TestSelectorSkippedOnShortHistory(t *testing.T) {
	a := &stubStrategy{name: "A", sig: strategy.SignalLong}
	sel := &stubSelector{sel: ml.Selection{Strategy: "A", Available: true}}
	e := NewEngine(nil, sel, strategy.NewRegistry(a), nil, arbitration(10), logging.Nop())

	d := e.Decide(context.Background(), "BTCUSDT", rising(10))
	assert.Zero(t, sel.calls)
	assert.Equal(t, market.ZoneNone, d.Zone)
	assert.Equal(t, "A", d.Strategy)
}

func scoredLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open("", 0, logging.Nop())
	require.NoError(t, err)
	ctx := context.Background()
	_, _ = l.Record(ctx, "A", ledger.ResultTPOrClose, 1)
	_, _ = l.Record(ctx, "B", ledger.ResultTPOrClose, 5)
	_, _ = l.Record(ctx, "C", ledger.ResultEmergency, -3)
	return l
}

func TestScoreTierPicksBestAndSkipsErrors(t *testing.T) {
	a := &stubStrategy{name: "A", sig: strategy.SignalLong}
	b := &stubStrategy{name: "B", sig: strategy.SignalShort, err: errors.New("boom")}
	c := &stubStrategy{name: "C", sig: strategy.SignalShort}
	e := NewEngine(nil, nil, strategy.NewRegistry(c, a, b), scoredLedger(t), arbitration(3), logging.Nop())

	d := e.Decide(context.Background(), "BTCUSDT", rising(40))
	assert.Equal(t, TierScore, d.Tier)
	assert.Equal(t, "A", d.Strategy)
	assert.Equal(t, strategy.SignalLong, d.Signal)
	assert.Equal(t, 1, b.calls)
	assert.Zero(t, c.calls)
}

func TestScoreTiesKeepPoolOrder(t *testing.T) {
	x := &stubStrategy{name: "X", sig: strategy.SignalShort}
	y := &stubStrategy{name: "Y", sig: strategy.SignalLong}
	e := NewEngine(nil, nil, strategy.NewRegistry(x, y), scoredLedger(t), arbitration(0), logging.Nop())

	d := e.Decide(context.Background(), "BTCUSDT", rising(40))
	assert.Equal(t, TierScore, d.Tier)
	assert.Equal(t, "X", d.Strategy)
}

func TestExploreCountsOnlyPoolHistory(t *testing.T) {
	a := &stubStrategy{name: "A", sig: strategy.SignalLong}
	z := &stubStrategy{name: "Z", sig: strategy.SignalLong}
	// B and C have history but are not in the pool.
	e := NewEngine(nil, nil, strategy.NewRegistry(a, z), scoredLedger(t), arbitration(2), logging.Nop())
	e.Seed(7)

	d := e.Decide(context.Background(), "BTCUSDT", rising(40))
	assert.Equal(t, TierExplore, d.Tier)
	assert.Contains(t, []string{"A", "Z"}, d.Strategy)
}

func TestAllStrategiesFailingHolds(t *testing.T) {
	a := &stubStrategy{name: "A", err: errors.New("a")}
	b := &stubStrategy{name: "B", err: errors.New("b")}
	e := NewEngine(nil, nil, strategy.NewRegistry(a, b), nil, arbitration(10), logging.Nop())

	d := e.Decide(context.Background(), "BTCUSDT", rising(40))
	assert.Equal(t, strategy.SignalHold, d.Signal)
	assert.Equal(t, TierNone, d.Tier)
	assert.False(t, d.Actionable())
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)

	empty := NewEngine(nil, nil, strategy.NewRegistry(), nil, arbitration(10), logging.Nop())
	assert.Equal(t, TierNone, empty.Decide(context.Background(), "BTCUSDT", rising(40)).Tier)
}

func TestDefaultPoolReachesScoreTier(t *testing.T) {
	pool, err := strategy.NewDefaultRegistry(nil)
	require.NoError(t, err)
	cfg := config.Default().ArbitrationConfig
	require.Greater(t, cfg.ExploreMinStrategies, pool.Len())

	l, err := ledger.Open("", 0, logging.Nop())
	require.NoError(t, err)
	ctx := context.Background()
	names := pool.Names()
	for _, name := range names[:len(names)-1] {
		_, _ = l.Record(ctx, name, ledger.ResultTPOrClose, 1)
	}

	e := NewEngine(nil, nil, pool, l, cfg, logging.Nop())
	e.Seed(1)
	assert.Equal(t, TierExplore, e.Decide(ctx, "BTCUSDT", rising(120)).Tier)

	_, _ = l.Record(ctx, names[len(names)-1], ledger.ResultTPOrClose, 1)
	for i := 0; i < 5; i++ {
		assert.Equal(t, TierScore, e.Decide(ctx, "BTCUSDT", rising(120)).Tier)
	}
}

func TestExploreThreshold(t *testing.T) {
	assert.Equal(t, 7, exploreThreshold(10, 7))
	assert.Equal(t, 3, exploreThreshold(3, 7))
	assert.Equal(t, 0, exploreThreshold(10, 0))
}
