package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	BinanceConfig      BinanceConfig      `json:"binance" yaml:"binance"`
	TradingConfig      TradingConfig      `json:"trading" yaml:"trading"`
	RiskConfig         RiskConfig         `json:"risk" yaml:"risk"`
	ArbitrationConfig  ArbitrationConfig  `json:"arbitration" yaml:"arbitration"`
	OrderConfig        OrderConfig        `json:"order" yaml:"order"`
	TrailingConfig     TrailingConfig     `json:"trailing" yaml:"trailing"`
	KillSwitchConfig   KillSwitchConfig   `json:"kill_switch" yaml:"kill_switch"`
	LedgerConfig       LedgerConfig       `json:"ledger" yaml:"ledger"`
	StateConfig        StateConfig        `json:"state" yaml:"state"`
	RedisConfig        RedisConfig        `json:"redis" yaml:"redis"`
	DatabaseConfig     DatabaseConfig     `json:"database" yaml:"database"`
	ModelConfig        ModelConfig        `json:"model" yaml:"model"`
	NotificationConfig NotificationConfig `json:"notification" yaml:"notification"`
	LoggingConfig      LoggingConfig      `json:"logging" yaml:"logging"`
	ServerConfig       ServerConfig       `json:"server" yaml:"server"`
	VaultConfig        VaultConfig        `json:"vault" yaml:"vault"`
}

type BinanceConfig struct {
	APIKey    string `json:"api_key" yaml:"api_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	BaseURL   string `json:"base_url" yaml:"base_url"`
	TestNet   bool   `json:"testnet" yaml:"testnet"`
	// Requests per second allowed through the client-side limiter.
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	// Per-symbol rounding; symbols not listed use QuantityStep/PriceTick.
	QuantityStep float64                  `json:"quantity_step" yaml:"quantity_step"`
	PriceTick    float64                  `json:"price_tick" yaml:"price_tick"`
	Symbols      map[string]SymbolFilters `json:"symbols" yaml:"symbols"`
}

// SymbolFilters mirrors the LOT_SIZE / PRICE_FILTER steps of one contract.
type SymbolFilters struct {
	QuantityStep float64 `json:"quantity_step" yaml:"quantity_step"`
	PriceTick    float64 `json:"price_tick" yaml:"price_tick"`
}

type TradingConfig struct {
	Symbols       []string      `json:"symbols" yaml:"symbols"`
	Timeframe     string        `json:"timeframe" yaml:"timeframe"`
	CandleLimit   int           `json:"candle_limit" yaml:"candle_limit"`
	CycleInterval time.Duration `json:"cycle_interval" yaml:"cycle_interval"`
	DryRun        bool          `json:"dry_run" yaml:"dry_run"`
	// Balance used by the dry-run exchange.
	PaperBalance float64 `json:"paper_balance" yaml:"paper_balance"`
}

type RiskConfig struct {
	RiskPerTrade     float64 `json:"risk_per_trade" yaml:"risk_per_trade"` // fraction of balance, 0.02 = 2%
	StopATRMult      float64 `json:"stop_atr_mult" yaml:"stop_atr_mult"`
	TakeATRMult      float64 `json:"take_atr_mult" yaml:"take_atr_mult"`
	FallbackStopPct  float64 `json:"fallback_stop_pct" yaml:"fallback_stop_pct"`
	FallbackTakePct  float64 `json:"fallback_take_pct" yaml:"fallback_take_pct"`
	ATRPeriod        int     `json:"atr_period" yaml:"atr_period"`
	VolatilityWindow int     `json:"volatility_window" yaml:"volatility_window"`
	DefaultLeverage  int     `json:"default_leverage" yaml:"default_leverage"`
	MinLeverage      int     `json:"min_leverage" yaml:"min_leverage"`
	MaxLeverage      int     `json:"max_leverage" yaml:"max_leverage"`
}

type ArbitrationConfig struct {
	OracleThreshold      float64 `json:"oracle_threshold" yaml:"oracle_threshold"`
	ExploreMinStrategies int     `json:"explore_min_strategies" yaml:"explore_min_strategies"`
	ZoneLookback         int     `json:"zone_lookback" yaml:"zone_lookback"`
	ZoneThresholdPct     float64 `json:"zone_threshold_pct" yaml:"zone_threshold_pct"`
	// Strategies registered in the pool; empty means all built-ins.
	Strategies []string `json:"strategies" yaml:"strategies"`
}

type OrderConfig struct {
	PositionPollAttempts int           `json:"position_poll_attempts" yaml:"position_poll_attempts"`
	PositionPollDelay    time.Duration `json:"position_poll_delay" yaml:"position_poll_delay"`
	VerifyDelay          time.Duration `json:"verify_delay" yaml:"verify_delay"`
	MaxRepairAttempts    int           `json:"max_repair_attempts" yaml:"max_repair_attempts"`
	ClientOrderPrefix    string        `json:"client_order_prefix" yaml:"client_order_prefix"`
}

type TrailingConfig struct {
	Enabled       bool    `json:"enabled" yaml:"enabled"`
	ActivationPct float64 `json:"activation_pct" yaml:"activation_pct"`
	TrailPct      float64 `json:"trail_pct" yaml:"trail_pct"`
}

type KillSwitchConfig struct {
	Enabled    bool    `json:"enabled" yaml:"enabled"`
	MaxLossPct float64 `json:"max_loss_pct" yaml:"max_loss_pct"`
}

type LedgerConfig struct {
	Path       string `json:"path" yaml:"path"`
	MaxEntries int    `json:"max_entries" yaml:"max_entries"`
}

type StateConfig struct {
	Backend string        `json:"backend" yaml:"backend"` // "file" or "redis"
	Dir     string        `json:"dir" yaml:"dir"`
	TTL     time.Duration `json:"ttl" yaml:"ttl"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	PoolSize int    `json:"pool_size" yaml:"pool_size"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

type DatabaseConfig struct {
	// SQLitePath enables the local journal when set.
	SQLitePath string `json:"sqlite_path" yaml:"sqlite_path"`
	// PostgresDSN enables the shared journal when set.
	PostgresDSN string `json:"postgres_dsn" yaml:"postgres_dsn"`
	MaxConns    int32  `json:"max_conns" yaml:"max_conns"`
}

type ModelConfig struct {
	LibraryPath  string `json:"library_path" yaml:"library_path"`
	OraclePath   string `json:"oracle_path" yaml:"oracle_path"`
	SelectorPath string `json:"selector_path" yaml:"selector_path"`
	// HeuristicFallback uses the built-in predictor when no oracle model is configured.
	HeuristicFallback bool `json:"heuristic_fallback" yaml:"heuristic_fallback"`
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled" yaml:"enabled"`
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	Discord  DiscordConfig  `json:"discord" yaml:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	BotToken string `json:"bot_token" yaml:"bot_token"`
	ChatID   string `json:"chat_id" yaml:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
}

type LoggingConfig struct {
	Level       string `json:"level" yaml:"level"`               // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output" yaml:"output"`             // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format" yaml:"json_format"`   // Output as JSON
	IncludeFile bool   `json:"include_file" yaml:"include_file"` // Include file and line number
}

type ServerConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	Host           string   `json:"host" yaml:"host"`
	Port           int      `json:"port" yaml:"port"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
	// JWTSecret turns on bearer-token auth for /api routes.
	JWTSecret       string `json:"jwt_secret" yaml:"jwt_secret"`
	ProductionMode  bool   `json:"production_mode" yaml:"production_mode"`
	ShutdownTimeout int    `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type VaultConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Address    string `json:"address" yaml:"address"`
	Token      string `json:"token" yaml:"token"`
	MountPath  string `json:"mount_path" yaml:"mount_path"`
	SecretPath string `json:"secret_path" yaml:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled" yaml:"tls_enabled"`
	CACert     string `json:"ca_cert" yaml:"ca_cert"`
}

// Default returns a configuration with every documented default filled in.
func Default() *Config {
	return &Config{
		BinanceConfig: BinanceConfig{
			BaseURL:           "https://fapi.binance.com",
			RequestsPerSecond: 10,
			QuantityStep:      0.001,
			PriceTick:         0.01,
		},
		TradingConfig: TradingConfig{
			Symbols:       []string{"BTCUSDT"},
			Timeframe:     "15m",
			CandleLimit:   150,
			CycleInterval: 60 * time.Second,
			DryRun:        true,
			PaperBalance:  1000,
		},
		RiskConfig: RiskConfig{
			RiskPerTrade:     0.02,
			StopATRMult:      0.8,
			TakeATRMult:      1.2,
			FallbackStopPct:  0.003,
			FallbackTakePct:  0.006,
			ATRPeriod:        14,
			VolatilityWindow: 10,
			DefaultLeverage:  10,
			MinLeverage:      1,
			MaxLeverage:      20,
		},
		ArbitrationConfig: ArbitrationConfig{
			OracleThreshold:      0.75,
			ExploreMinStrategies: 10,
			ZoneLookback:         20,
			ZoneThresholdPct:     1.5,
		},
		OrderConfig: OrderConfig{
			PositionPollAttempts: 5,
			PositionPollDelay:    time.Second,
			VerifyDelay:          2 * time.Second,
			MaxRepairAttempts:    1,
			ClientOrderPrefix:    "fa",
		},
		TrailingConfig: TrailingConfig{
			Enabled:       true,
			ActivationPct: 0.01,
			TrailPct:      0.005,
		},
		KillSwitchConfig: KillSwitchConfig{
			Enabled:    true,
			MaxLossPct: 0.03,
		},
		LedgerConfig: LedgerConfig{
			Path:       "strategy_performance.json",
			MaxEntries: 200,
		},
		StateConfig: StateConfig{
			Backend: "file",
			Dir:     "state",
			TTL:     7 * 24 * time.Hour,
		},
		RedisConfig: RedisConfig{
			Address:  "localhost:6379",
			PoolSize: 10,
			Prefix:   "futures-agent",
		},
		DatabaseConfig: DatabaseConfig{
			MaxConns: 5,
		},
		ModelConfig: ModelConfig{
			HeuristicFallback: true,
		},
		LoggingConfig: LoggingConfig{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
		ServerConfig: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8090,
			AllowedOrigins:  []string{"http://localhost:5173"},
			ShutdownTimeout: 10,
		},
		VaultConfig: VaultConfig{
			Address:    "http://localhost:8200",
			MountPath:  "secret",
			SecretPath: "futures-agent/binance",
		},
	}
}

// Load reads path (JSON, or YAML by extension) over the defaults and applies environment
// overrides. A missing file is not an error: defaults plus environment are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(filename string, cfg *Config) error {
	file, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(file, cfg); err != nil {
			return fmt.Errorf("error parsing config file: %w", err)
		}
	default:
		if err := json.Unmarshal(file, cfg); err != nil {
			return fmt.Errorf("error parsing config file: %w", err)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.BinanceConfig.APIKey = getEnvOrDefault("BINANCE_API_KEY", cfg.BinanceConfig.APIKey)
	cfg.BinanceConfig.SecretKey = getEnvOrDefault("BINANCE_SECRET_KEY", cfg.BinanceConfig.SecretKey)
	cfg.BinanceConfig.BaseURL = getEnvOrDefault("BINANCE_BASE_URL", cfg.BinanceConfig.BaseURL)
	cfg.BinanceConfig.TestNet = getEnvBoolOrDefault("BINANCE_TESTNET", cfg.BinanceConfig.TestNet)

	if symbols := os.Getenv("TRADING_SYMBOLS"); symbols != "" {
		cfg.TradingConfig.Symbols = splitList(symbols)
	}
	cfg.TradingConfig.Timeframe = getEnvOrDefault("TRADING_TIMEFRAME", cfg.TradingConfig.Timeframe)
	cfg.TradingConfig.CycleInterval = getEnvDurationOrDefault("TRADING_CYCLE_INTERVAL", cfg.TradingConfig.CycleInterval)
	cfg.TradingConfig.DryRun = getEnvBoolOrDefault("TRADING_DRY_RUN", cfg.TradingConfig.DryRun)

	cfg.RiskConfig.RiskPerTrade = getEnvFloatOrDefault("RISK_PER_TRADE", cfg.RiskConfig.RiskPerTrade)
	cfg.RiskConfig.MaxLeverage = getEnvIntOrDefault("RISK_MAX_LEVERAGE", cfg.RiskConfig.MaxLeverage)

	cfg.ArbitrationConfig.OracleThreshold = getEnvFloatOrDefault("ARBITRATION_ORACLE_THRESHOLD", cfg.ArbitrationConfig.OracleThreshold)
	cfg.ArbitrationConfig.ExploreMinStrategies = getEnvIntOrDefault("ARBITRATION_EXPLORE_MIN", cfg.ArbitrationConfig.ExploreMinStrategies)

	cfg.OrderConfig.MaxRepairAttempts = getEnvIntOrDefault("ORDER_MAX_REPAIR_ATTEMPTS", cfg.OrderConfig.MaxRepairAttempts)

	cfg.KillSwitchConfig.MaxLossPct = getEnvFloatOrDefault("KILL_SWITCH_MAX_LOSS_PCT", cfg.KillSwitchConfig.MaxLossPct)

	cfg.LedgerConfig.Path = getEnvOrDefault("LEDGER_PATH", cfg.LedgerConfig.Path)

	cfg.StateConfig.Backend = getEnvOrDefault("STATE_BACKEND", cfg.StateConfig.Backend)
	cfg.StateConfig.Dir = getEnvOrDefault("STATE_DIR", cfg.StateConfig.Dir)

	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	cfg.DatabaseConfig.SQLitePath = getEnvOrDefault("JOURNAL_SQLITE_PATH", cfg.DatabaseConfig.SQLitePath)
	cfg.DatabaseConfig.PostgresDSN = getEnvOrDefault("DATABASE_URL", cfg.DatabaseConfig.PostgresDSN)

	cfg.ModelConfig.LibraryPath = getEnvOrDefault("ONNXRUNTIME_LIB", cfg.ModelConfig.LibraryPath)
	cfg.ModelConfig.OraclePath = getEnvOrDefault("MODEL_ORACLE_PATH", cfg.ModelConfig.OraclePath)
	cfg.ModelConfig.SelectorPath = getEnvOrDefault("MODEL_SELECTOR_PATH", cfg.ModelConfig.SelectorPath)

	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	if cfg.NotificationConfig.Telegram.BotToken != "" && cfg.NotificationConfig.Telegram.ChatID != "" {
		cfg.NotificationConfig.Telegram.Enabled = true
		cfg.NotificationConfig.Enabled = true
	}
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)
	if cfg.NotificationConfig.Discord.WebhookURL != "" {
		cfg.NotificationConfig.Discord.Enabled = true
		cfg.NotificationConfig.Enabled = true
	}

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)

	cfg.ServerConfig.Enabled = getEnvBoolOrDefault("SERVER_ENABLED", cfg.ServerConfig.Enabled)
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.JWTSecret = getEnvOrDefault("SERVER_JWT_SECRET", cfg.ServerConfig.JWTSecret)

	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
}

// Validate rejects configurations the agent cannot trade with safely.
func (c *Config) Validate() error {
	if len(c.TradingConfig.Symbols) == 0 {
		return fmt.Errorf("trading.symbols must not be empty")
	}
	if c.TradingConfig.CycleInterval <= 0 {
		return fmt.Errorf("trading.cycle_interval must be positive")
	}
	if c.TradingConfig.CandleLimit < 2 {
		return fmt.Errorf("trading.candle_limit must be at least 2")
	}
	if c.RiskConfig.RiskPerTrade <= 0 || c.RiskConfig.RiskPerTrade > 0.1 {
		return fmt.Errorf("risk.risk_per_trade must be in (0, 0.1], got %v", c.RiskConfig.RiskPerTrade)
	}
	if c.RiskConfig.MinLeverage < 1 || c.RiskConfig.MaxLeverage < c.RiskConfig.MinLeverage {
		return fmt.Errorf("risk leverage bounds invalid: [%d, %d]", c.RiskConfig.MinLeverage, c.RiskConfig.MaxLeverage)
	}
	if c.ArbitrationConfig.OracleThreshold < 0 || c.ArbitrationConfig.OracleThreshold > 1 {
		return fmt.Errorf("arbitration.oracle_threshold must be in [0, 1]")
	}
	if c.OrderConfig.MaxRepairAttempts < 0 {
		return fmt.Errorf("order.max_repair_attempts must not be negative")
	}
	if c.KillSwitchConfig.MaxLossPct <= 0 {
		return fmt.Errorf("kill_switch.max_loss_pct must be positive")
	}
	if c.LedgerConfig.MaxEntries <= 0 {
		return fmt.Errorf("ledger.max_entries must be positive")
	}
	switch c.StateConfig.Backend {
	case "file", "redis":
	default:
		return fmt.Errorf("state.backend must be file or redis, got %q", c.StateConfig.Backend)
	}
	if c.TrailingConfig.Enabled && (c.TrailingConfig.TrailPct <= 0 || c.TrailingConfig.TrailPct >= 1) {
		return fmt.Errorf("trailing.trail_pct must be in (0, 1)")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.ToUpper(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GenerateSampleConfig writes the default configuration to filename.
func GenerateSampleConfig(filename string) error {
	cfg := Default()
	cfg.BinanceConfig.APIKey = "your_api_key_here"
	cfg.BinanceConfig.SecretKey = "your_secret_key_here"

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
