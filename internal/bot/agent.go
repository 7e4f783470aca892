// Package bot runs one control loop per traded symbol and wires the decision, sizing,
// execution and supervision components into each cycle.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"futures-agent/config"
	"futures-agent/internal/circuit"
	"futures-agent/internal/decision"
	"futures-agent/internal/events"
	"futures-agent/internal/exchange"
	"futures-agent/internal/ledger"
	"futures-agent/internal/logging"
	"futures-agent/internal/market"
	"futures-agent/internal/notification"
	"futures-agent/internal/order"
	"futures-agent/internal/position"
	"futures-agent/internal/risk"
)

// Decider produces the per-cycle decision.
type Decider interface {
	Decide(ctx context.Context, symbol string, snap market.Snapshot) decision.Decision
}

// CycleObserver receives cycle latencies.
type CycleObserver interface {
	ObserveCycle(symbol string, d time.Duration)
}

// Dependencies are shared by every symbol loop. Alerts, Events and Observer may be nil.
type Dependencies struct {
	Gateway    exchange.Gateway
	Decider    Decider
	Sizer      *risk.Sizer
	Orders     *order.Controller
	Trailing   *risk.TrailingController
	KillSwitch *circuit.KillSwitch
	Store      position.Store
	Ledger     *ledger.Ledger
	Alerts     notification.Sink
	Events     events.Publisher
	Observer   CycleObserver
}

func (d Dependencies) validate() error {
	switch {
	case d.Gateway == nil:
		return errors.New("gateway is required")
	case d.Decider == nil:
		return errors.New("decider is required")
	case d.Sizer == nil:
		return errors.New("sizer is required")
	case d.Orders == nil:
		return errors.New("order controller is required")
	case d.Trailing == nil:
		return errors.New("trailing controller is required")
	case d.KillSwitch == nil:
		return errors.New("kill switch is required")
	case d.Store == nil:
		return errors.New("position store is required")
	case d.Ledger == nil:
		return errors.New("ledger is required")
	}
	return nil
}

// Agent owns the symbol loops.
type Agent struct {
	cfg    config.TradingConfig
	deps   Dependencies
	logger *logging.Logger
	loops  []*SymbolLoop

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewAgent builds one loop per configured symbol.
func NewAgent(cfg config.TradingConfig, deps Dependencies, logger *logging.Logger) (*Agent, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if len(cfg.Symbols) == 0 {
		return nil, errors.New("no symbols configured")
	}
	if deps.Alerts == nil {
		deps.Alerts = notification.NewManager(logger)
	}
	if deps.Events == nil {
		deps.Events = events.NewEventBus()
	}

	a := &Agent{cfg: cfg, deps: deps, logger: logger.WithComponent("agent")}
	seen := make(map[string]bool)
	for _, s := range cfg.Symbols {
		if seen[s] {
			return nil, fmt.Errorf("symbol %s configured twice", s)
		}
		seen[s] = true
		a.loops = append(a.loops, newSymbolLoop(s, cfg, deps, logger))
	}
	return a, nil
}

// Loop returns the loop for symbol.
func (a *Agent) Loop(symbol string) (*SymbolLoop, bool) {
	for _, l := range a.loops {
		if l.symbol == symbol {
			return l, true
		}
	}
	return nil, false
}

// Start launches every loop on its own goroutine.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return errors.New("agent already running")
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.running = true

	for _, l := range a.loops {
		a.wg.Add(1)
		go func(l *SymbolLoop) {
			defer a.wg.Done()
			l.Run(ctx)
		}(l)
	}

	a.logger.Info("Agent started", "symbols", a.cfg.Symbols, "interval", a.cfg.CycleInterval.String(), "dry_run", a.cfg.DryRun)
	a.deps.Events.Publish(events.Event{Type: events.EventBotStarted, Data: map[string]interface{}{"symbols": a.cfg.Symbols}})
	return nil
}

// Stop cancels the loops and waits for in-flight cycles to finish.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.cancel()
	a.mu.Unlock()

	a.wg.Wait()
	a.deps.Events.Publish(events.Event{Type: events.EventBotStopped})
	a.logger.Info("Agent stopped")
}

// Run starts the agent and blocks until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	a.Stop()
	return nil
}

// Status returns every loop's last outcome in configuration order.
func (a *Agent) Status() []LoopStatus {
	out := make([]LoopStatus, 0, len(a.loops))
	for _, l := range a.loops {
		out = append(out, l.Status())
	}
	return out
}
