package main

import (
	"context"
	"fmt"

	"futures-agent/config"
	"futures-agent/internal/ai/ml"
	"futures-agent/internal/binance"
	"futures-agent/internal/database"
	"futures-agent/internal/ledger"
	"futures-agent/internal/logging"
	"futures-agent/internal/position"
)

// app holds what every command needs: configuration, a logger and deferred cleanups.
type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	closers []func()
}

func loadApp(opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)
	return &app{cfg: cfg, logger: logger}, nil
}

func (a *app) onClose(f func()) { a.closers = append(a.closers, f) }

// Close runs cleanups in reverse registration order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// positionStore is what the loop and the status API need from the store.
type positionStore interface {
	position.Store
	position.Lister
}

func (a *app) openStore(ctx context.Context) (positionStore, error) {
	switch a.cfg.StateConfig.Backend {
	case "", "file":
		return database.NewFilePositionStore(a.cfg.StateConfig.Dir)
	case "redis":
		rc := a.cfg.RedisConfig
		client := database.NewRedisClient(database.RedisOptions{
			Address:  rc.Address,
			Password: rc.Password,
			DB:       rc.DB,
			PoolSize: rc.PoolSize,
		})
		a.onClose(func() { _ = client.Close() })
		store := database.NewRedisPositionStore(client, rc.Prefix, a.cfg.StateConfig.TTL, a.logger)
		if err := store.CheckConnection(ctx); err != nil {
			a.logger.Warn("Redis unreachable, position state is memory-only until it recovers", "error", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", a.cfg.StateConfig.Backend)
	}
}

// openLedger loads the ledger file and attaches the configured journals.
func (a *app) openLedger(ctx context.Context) (*ledger.Ledger, error) {
	l, err := ledger.Open(a.cfg.LedgerConfig.Path, a.cfg.LedgerConfig.MaxEntries, a.logger)
	if err != nil {
		return nil, err
	}
	if path := a.cfg.DatabaseConfig.SQLitePath; path != "" {
		j, err := database.NewSQLiteJournal(path)
		if err != nil {
			return nil, err
		}
		a.onClose(func() { _ = j.Close() })
		l.AddJournal(j)
	}
	if dsn := a.cfg.DatabaseConfig.PostgresDSN; dsn != "" {
		j, err := database.NewPostgresJournal(ctx, dsn, a.cfg.DatabaseConfig.MaxConns, a.logger)
		if err != nil {
			return nil, err
		}
		a.onClose(j.Close)
		l.AddJournal(j)
	}
	return l, nil
}

// futuresClient returns the signed REST client, or the paper-trading mock priced from
// the REST client's public market data in dry-run mode.
func (a *app) futuresClient() binance.FuturesClient {
	bc := a.cfg.BinanceConfig
	rest := binance.NewFuturesClient(binance.ClientOptions{
		APIKey:            bc.APIKey,
		SecretKey:         bc.SecretKey,
		BaseURL:           bc.BaseURL,
		TestNet:           bc.TestNet,
		RequestsPerSecond: bc.RequestsPerSecond,
	}, a.logger)
	if a.cfg.TradingConfig.DryRun {
		a.logger.Warn("Dry-run mode: orders are simulated", "paper_balance", a.cfg.TradingConfig.PaperBalance)
		return binance.NewFuturesMockClient(a.cfg.TradingConfig.PaperBalance, rest)
	}
	return rest
}

// models builds the oracle chain (ONNX first, then the heuristic predictor) and the
// optional ONNX selector.
func (a *app) models() (ml.Oracle, ml.Selector, error) {
	mc := a.cfg.ModelConfig
	if mc.OraclePath != "" || mc.SelectorPath != "" {
		if err := ml.InitializeRuntime(mc.LibraryPath); err != nil {
			return nil, nil, fmt.Errorf("failed to initialize onnxruntime: %w", err)
		}
	}

	var oracles []ml.Oracle
	if mc.OraclePath != "" {
		o := ml.NewONNXOracle(mc.OraclePath, a.logger)
		a.onClose(o.Close)
		oracles = append(oracles, o)
	}
	if mc.HeuristicFallback {
		oracles = append(oracles, ml.NewPredictor(ml.DefaultPredictorConfig()))
	}

	var selector ml.Selector = ml.NoSelector{}
	if mc.SelectorPath != "" {
		s := ml.NewONNXSelector(mc.SelectorPath, a.logger)
		a.onClose(s.Close)
		selector = s
	}
	return ml.NewChainOracle(oracles...), selector, nil
}
