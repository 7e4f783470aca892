// Package decision arbitrates between the directional oracle, the strategy selector and
// the ledger-ranked strategy pool to produce one signal per cycle.
package decision

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"futures-agent/config"
	"futures-agent/internal/ai/ml"
	"futures-agent/internal/ledger"
	"futures-agent/internal/logging"
	"futures-agent/internal/market"
	"futures-agent/internal/strategy"
)

// Tier names the arbitration step that produced a decision.
type Tier string

const (
	TierOracle   Tier = "oracle"
	TierSelector Tier = "selector"
	TierScore    Tier = "score"
	TierExplore  Tier = "explore"
	TierNone     Tier = "none"
)

// OracleStrategyName attributes oracle-tier trades in the ledger.
const OracleStrategyName = "MLOracle"

// Decision is the per-cycle result handed to the risk sizer by value.
type Decision struct {
	Symbol     string          `json:"symbol"`
	Signal     strategy.Signal `json:"signal"`
	Confidence float64         `json:"confidence"`
	Zone       market.Zone     `json:"zone"`
	Strategy   string          `json:"strategy"`
	Tier       Tier            `json:"tier"`
}

// Actionable reports whether the decision asks for a new position.
func (d Decision) Actionable() bool { return d.Signal.IsDirectional() }

func (d Decision) String() string {
	return fmt.Sprintf("%s %s via %s/%s (conf %.2f, zone %s)", d.Symbol, d.Signal, d.Tier, d.Strategy, d.Confidence, d.Zone)
}

// Scorer exposes per-strategy ledger scores.
type Scorer interface {
	Scores() map[string]ledger.Score
}

// Engine runs the tiers in order; the first tier with a usable answer wins.
type Engine struct {
	oracle   ml.Oracle
	selector ml.Selector
	pool     *strategy.Registry
	scorer   Scorer
	cfg      config.ArbitrationConfig
	logger   *logging.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewEngine wires the tiers. A nil selector disables the selector tier.
func NewEngine(oracle ml.Oracle, selector ml.Selector, pool *strategy.Registry, scorer Scorer, cfg config.ArbitrationConfig, logger *logging.Logger) *Engine {
	if oracle == nil {
		oracle = ml.NewChainOracle()
	}
	if selector == nil {
		selector = ml.NoSelector{}
	}
	if cfg.ZoneLookback <= 0 {
		cfg.ZoneLookback = 20
	}
	if cfg.ZoneThresholdPct <= 0 {
		cfg.ZoneThresholdPct = 1.5
	}
	return &Engine{
		oracle:   oracle,
		selector: selector,
		pool:     pool,
		scorer:   scorer,
		cfg:      cfg,
		logger:   logger.WithComponent("decision"),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Seed makes the explore ordering reproducible.
func (e *Engine) Seed(seed int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rnd = rand.New(rand.NewSource(seed))
}

// Decide never fails: every tier degrades to the next and the last resort is HOLD.
func (e *Engine) Decide(ctx context.Context, symbol string, snap market.Snapshot) Decision {
	zone := market.ClassifyZone(snap, e.cfg.ZoneLookback, e.cfg.ZoneThresholdPct)
	d := Decision{Symbol: symbol, Signal: strategy.SignalHold, Zone: zone, Tier: TierNone}

	pred := e.oracle.Predict(ctx, snap)
	if pred.Available {
		d.Confidence = pred.Confidence
	}
	log := logging.SignalContext(e.logger, symbol, string(pred.Signal), pred.Confidence)

	if pred.Available && pred.Signal.IsDirectional() && pred.Confidence >= e.cfg.OracleThreshold {
		d.Signal = pred.Signal
		d.Strategy = OracleStrategyName
		d.Tier = TierOracle
		log.Info("Oracle decision", "source", pred.Source, "zone", string(zone))
		return d
	}
	log.Debug("Oracle below threshold", "available", pred.Available, "reason", pred.Reason)

	if sig, name, ok := e.fromSelector(ctx, snap, zone); ok {
		d.Signal, d.Strategy, d.Tier = sig, name, TierSelector
		log.Info("Selector decision", "strategy", name, "signal", string(sig))
		return d
	}

	candidates, tier := e.rankCandidates()
	for _, s := range candidates {
		sig, err := s.GenerateSignal(snap)
		if err != nil {
			log.Warn("Strategy skipped", "strategy", s.Name(), "error", err)
			continue
		}
		d.Signal, d.Strategy, d.Tier = sig, s.Name(), tier
		log.Info("Pool decision", "strategy", s.Name(), "tier", string(tier), "signal", string(sig))
		return d
	}

	log.Info("No strategy produced a signal, holding")
	return d
}

func (e *Engine) fromSelector(ctx context.Context, snap market.Snapshot, zone market.Zone) (strategy.Signal, string, bool) {
	if e.pool == nil || e.pool.Len() == 0 {
		return strategy.SignalHold, "", false
	}
	rows, err := ml.SelectorRows(snap, zone, e.pool.Names())
	if err != nil {
		e.logger.Debug("Selector features unavailable", "error", err)
		return strategy.SignalHold, "", false
	}
	sel := e.selector.PredictBestStrategy(ctx, rows)
	if !sel.Available {
		e.logger.Debug("Selector unavailable", "reason", sel.Reason)
		return strategy.SignalHold, "", false
	}
	s, ok := e.pool.Get(sel.Strategy)
	if !ok {
		e.logger.Warn("Selector picked unknown strategy", "strategy", sel.Strategy)
		return strategy.SignalHold, "", false
	}
	sig, err := s.GenerateSignal(snap)
	if err != nil {
		e.logger.Warn("Selected strategy failed", "strategy", sel.Strategy, "error", err)
		return strategy.SignalHold, "", false
	}
	return sig, s.Name(), true
}

// rankCandidates orders the pool by ledger score, or shuffles it while fewer than
// ExploreMinStrategies pool strategies have any history. The threshold never exceeds the
// pool size, so a pool smaller than it still reaches the score tier.
func (e *Engine) rankCandidates() ([]strategy.Strategy, Tier) {
	if e.pool == nil {
		return nil, TierNone
	}
	all := e.pool.All()
	scores := map[string]ledger.Score{}
	if e.scorer != nil {
		scores = e.scorer.Scores()
	}

	withHistory := 0
	for _, s := range all {
		if scores[s.Name()].Total > 0 {
			withHistory++
		}
	}

	if withHistory < exploreThreshold(e.cfg.ExploreMinStrategies, len(all)) {
		e.mu.Lock()
		e.rnd.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
		e.mu.Unlock()
		return all, TierExplore
	}

	sort.SliceStable(all, func(i, j int) bool {
		return scores[all[i].Name()].Score > scores[all[j].Name()].Score
	})
	return all, TierScore
}

func exploreThreshold(configured, poolSize int) int {
	if configured > poolSize {
		return poolSize
	}
	return configured
}
