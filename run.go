package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"futures-agent/internal/api"
	"futures-agent/internal/binance"
	"futures-agent/internal/bot"
	"futures-agent/internal/circuit"
	"futures-agent/internal/decision"
	"futures-agent/internal/events"
	"futures-agent/internal/metrics"
	"futures-agent/internal/notification"
	"futures-agent/internal/order"
	"futures-agent/internal/risk"
	"futures-agent/internal/strategy"
	"futures-agent/internal/vault"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the trading loops until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()
			if cmd.Flags().Changed("dry-run") {
				a.cfg.TradingConfig.DryRun = dryRun
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, a)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "simulate orders against live market data")
	return cmd
}

func runAgent(ctx context.Context, a *app) error {
	cfg, logger := a.cfg, a.logger

	if err := vault.ApplyCredentials(ctx, cfg.VaultConfig, &cfg.BinanceConfig); err != nil {
		return err
	}

	gw := binance.NewGateway(a.futuresClient(), cfg.BinanceConfig, logger)

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	l, err := a.openLedger(ctx)
	if err != nil {
		return err
	}

	bus := events.NewEventBus()
	history := events.NewHistory(500)
	m := metrics.New()
	bus.SubscribeAll(history.Record)
	bus.SubscribeAll(m.Observe)

	alerts := notification.NewManagerFromConfig(cfg.NotificationConfig, logger)

	oracle, selector, err := a.models()
	if err != nil {
		return err
	}
	pool, err := strategy.NewDefaultRegistry(cfg.ArbitrationConfig.Strategies)
	if err != nil {
		return err
	}
	engine := decision.NewEngine(oracle, selector, pool, l, cfg.ArbitrationConfig, logger)

	orders := order.NewController(gw, cfg.OrderConfig, alerts, bus, logger)
	killSwitch := circuit.NewKillSwitch(gw, orders, store, l, alerts, bus, cfg.KillSwitchConfig, logger)
	killSwitch.OnTrip(func(t circuit.Trip) {
		logger.Error("Kill switch tripped", "symbol", t.Symbol, "strategy", t.Strategy, "loss_pct", t.LossPct, "pnl", t.PnL)
	})

	agent, err := bot.NewAgent(cfg.TradingConfig, bot.Dependencies{
		Gateway:    gw,
		Decider:    engine,
		Sizer:      risk.NewSizer(cfg.RiskConfig, logger),
		Orders:     orders,
		Trailing:   risk.NewTrailingController(gw, store, cfg.TrailingConfig, cfg.OrderConfig.ClientOrderPrefix, alerts, bus, logger),
		KillSwitch: killSwitch,
		Store:      store,
		Ledger:     l,
		Alerts:     alerts,
		Events:     bus,
		Observer:   m,
	}, logger)
	if err != nil {
		return err
	}

	var server *api.Server
	if cfg.ServerConfig.Enabled {
		server = api.NewServer(cfg.ServerConfig, api.Sources{
			Agent:      agent,
			Positions:  store,
			Prices:     gw,
			Ledger:     l,
			KillSwitch: killSwitch,
			History:    history,
			Metrics:    m.Handler(),
		}, logger)
		go func() {
			if err := server.Start(); err != nil {
				logger.WithError(err).Error("Status API stopped")
			}
		}()
	}

	logger.Info("Futures agent starting",
		"symbols", cfg.TradingConfig.Symbols,
		"strategies", pool.Names(),
		"dry_run", cfg.TradingConfig.DryRun,
	)
	if err := agent.Run(ctx); err != nil {
		return err
	}

	if server != nil {
		timeout := time.Duration(cfg.ServerConfig.ShutdownTimeout) * time.Second
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Status API shutdown incomplete")
		}
	}
	bus.Wait()
	logger.Info("Futures agent stopped")
	return nil
}
