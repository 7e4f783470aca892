// Package metrics exposes Prometheus collectors fed from the event bus.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"futures-agent/internal/events"
)

// Metrics owns a private registry so several agents (or tests) can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	TradesOpened     *prometheus.CounterVec
	TradesClosed     *prometheus.CounterVec
	RealizedPnL      *prometheus.GaugeVec
	KillSwitchTrips  *prometheus.CounterVec
	ProtectionEvents *prometheus.CounterVec
	StopTrails       *prometheus.CounterVec
	Decisions        *prometheus.CounterVec
	CycleErrors      *prometheus.CounterVec
	CycleDuration    *prometheus.HistogramVec
}

// New builds and registers every collector, plus the Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		TradesOpened: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "futures_agent_trades_opened_total", Help: "Positions opened"},
			[]string{"symbol", "strategy"},
		),
		TradesClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "futures_agent_trades_closed_total", Help: "Positions closed, by ledger result"},
			[]string{"symbol", "result"},
		),
		RealizedPnL: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "futures_agent_realized_pnl_usdt", Help: "Cumulative realized PnL since start"},
			[]string{"symbol"},
		),
		KillSwitchTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "futures_agent_kill_switch_trips_total", Help: "Forced exits on drawdown"},
			[]string{"symbol"},
		),
		ProtectionEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "futures_agent_protection_events_total", Help: "Bracket repairs and unprotected positions"},
			[]string{"symbol", "outcome"},
		),
		StopTrails: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "futures_agent_stop_trails_total", Help: "Trailing stop moves"},
			[]string{"symbol"},
		),
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "futures_agent_decisions_total", Help: "Arbitration results"},
			[]string{"symbol", "tier", "signal"},
		),
		CycleErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "futures_agent_cycle_errors_total", Help: "Errors caught at the cycle boundary"},
			[]string{"symbol", "stage"},
		),
		CycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "futures_agent_cycle_duration_seconds", Help: "Control loop cycle latency", Buckets: prometheus.DefBuckets},
			[]string{"symbol"},
		),
	}
	m.registry.MustRegister(
		m.TradesOpened, m.TradesClosed, m.RealizedPnL, m.KillSwitchTrips,
		m.ProtectionEvents, m.StopTrails, m.Decisions, m.CycleErrors, m.CycleDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing Handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCycle records one cycle's latency.
func (m *Metrics) ObserveCycle(symbol string, d time.Duration) {
	m.CycleDuration.WithLabelValues(symbol).Observe(d.Seconds())
}

// Observe is an events.Subscriber.
func (m *Metrics) Observe(e events.Event) {
	switch e.Type {
	case events.EventTradeOpened:
		m.TradesOpened.WithLabelValues(e.Symbol, str(e.Data["strategy"])).Inc()
	case events.EventTradeClosed:
		m.TradesClosed.WithLabelValues(e.Symbol, str(e.Data["result"])).Inc()
		m.RealizedPnL.WithLabelValues(e.Symbol).Add(num(e.Data["pnl"]))
	case events.EventKillSwitch:
		m.KillSwitchTrips.WithLabelValues(e.Symbol).Inc()
		m.TradesClosed.WithLabelValues(e.Symbol, "EMERGENCY").Inc()
		m.RealizedPnL.WithLabelValues(e.Symbol).Add(num(e.Data["pnl"]))
	case events.EventProtectionRepaired:
		m.ProtectionEvents.WithLabelValues(e.Symbol, "repaired").Inc()
	case events.EventUnprotected:
		m.ProtectionEvents.WithLabelValues(e.Symbol, "unprotected").Inc()
	case events.EventStopTrailed:
		m.StopTrails.WithLabelValues(e.Symbol).Inc()
	case events.EventDecision:
		m.Decisions.WithLabelValues(e.Symbol, str(e.Data["tier"]), str(e.Data["signal"])).Inc()
	case events.EventCycleError:
		m.CycleErrors.WithLabelValues(e.Symbol, str(e.Data["stage"])).Inc()
	}
}

func str(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(s)
	}
}

func num(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
