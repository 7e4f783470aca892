// Package notification delivers human-readable trading alerts to chat providers.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"futures-agent/config"
	"futures-agent/internal/logging"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifyTradeOpen   NotificationType = "trade_open"
	NotifyTradeClose  NotificationType = "trade_close"
	NotifyUnprotected NotificationType = "unprotected"
	NotifyKillSwitch  NotificationType = "kill_switch"
	NotifyError       NotificationType = "error"
	NotifyInfo        NotificationType = "info"
)

// Notification represents a notification message
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Symbol    string
	Price     float64
	PnL       float64
	Timestamp time.Time
}

// IsCritical reports whether the alert concerns capital at risk.
func (n Notification) IsCritical() bool {
	return n.Type == NotifyUnprotected || n.Type == NotifyKillSwitch || n.Type == NotifyError
}

// Sink accepts alerts. Delivery failures are the sink's concern, never the caller's.
type Sink interface {
	Send(ctx context.Context, n Notification)
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(ctx context.Context, n Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans a notification out to every enabled provider.
type Manager struct {
	mu        sync.RWMutex
	notifiers []Notifier
	logger    *logging.Logger
}

var _ Sink = (*Manager)(nil)

// NewManager creates a new notification manager
func NewManager(logger *logging.Logger) *Manager {
	return &Manager{logger: logger.WithComponent("notification")}
}

// NewManagerFromConfig registers the providers enabled in cfg.
func NewManagerFromConfig(cfg config.NotificationConfig, logger *logging.Logger) *Manager {
	m := NewManager(logger)
	if !cfg.Enabled {
		return m
	}
	if cfg.Telegram.Enabled {
		m.AddNotifier(NewTelegramNotifier(TelegramConfig{
			BotToken: cfg.Telegram.BotToken,
			ChatID:   cfg.Telegram.ChatID,
			Enabled:  true,
		}))
	}
	if cfg.Discord.Enabled {
		m.AddNotifier(NewDiscordNotifier(DiscordConfig{WebhookURL: cfg.Discord.WebhookURL, Enabled: true}))
	}
	return m
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifiers = append(m.notifiers, n)
}

// Send delivers n to all enabled providers. Every alert is also logged so it survives
// provider outages.
func (m *Manager) Send(ctx context.Context, n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	if n.IsCritical() {
		m.logger.Error(n.Title, "symbol", n.Symbol, "detail", n.Message)
	} else {
		m.logger.Info(n.Title, "symbol", n.Symbol, "detail", n.Message)
	}

	m.mu.RLock()
	notifiers := append([]Notifier(nil), m.notifiers...)
	m.mu.RUnlock()

	for _, p := range notifiers {
		if !p.IsEnabled() {
			continue
		}
		if err := p.Send(ctx, n); err != nil {
			m.logger.Warn("Notification delivery failed", "provider", p.Name(), "error", err)
		}
	}
}

// =============================================================================
// MESSAGES
// =============================================================================

// TradeOpened announces a verified open.
func TradeOpened(symbol, side, strategy string, quantity float64, leverage int, entry, stopLoss, takeProfit float64) Notification {
	return Notification{
		Type:  NotifyTradeOpen,
		Title: fmt.Sprintf("🚀 New %s Position Opened", side),
		Message: fmt.Sprintf("Symbol: %s\nStrategy: %s\nQty: %.4f @ Leverage %dx\nEntry: %.4f\nSL: %.4f | TP: %.4f",
			symbol, strategy, quantity, leverage, entry, stopLoss, takeProfit),
		Symbol: symbol,
		Price:  entry,
	}
}

// TradeClosed announces a position that disappeared from the exchange.
func TradeClosed(symbol, strategy string, exitPrice, pnl float64) Notification {
	kind := "TP or Manual"
	emoji := "✅"
	if pnl < 0 {
		kind = "STOP LOSS"
		emoji = "❌"
	}
	return Notification{
		Type:    NotifyTradeClose,
		Title:   fmt.Sprintf("%s Trade Closed (%s)", emoji, kind),
		Message: fmt.Sprintf("Symbol: %s\nStrategy: %s\nExit: %.4f\nPnL: %.2f", symbol, strategy, exitPrice, pnl),
		Symbol:  symbol,
		Price:   exitPrice,
		PnL:     pnl,
	}
}

// Unprotected reports a position left without a stop loss or take profit.
func Unprotected(symbol, detail string) Notification {
	return Notification{
		Type:    NotifyUnprotected,
		Title:   "🚨 Position UNPROTECTED",
		Message: fmt.Sprintf("Symbol: %s\n%s\nManual action required.", symbol, detail),
		Symbol:  symbol,
	}
}

// KillSwitch reports an emergency exit.
func KillSwitch(symbol string, lossPct, pnl float64) Notification {
	return Notification{
		Type:    NotifyKillSwitch,
		Title:   "🛑 Emergency Exit Triggered",
		Message: fmt.Sprintf("Symbol: %s\nReason: Max drawdown exceeded (%.2f%%)\nPnL: %.2f", symbol, lossPct*100, pnl),
		Symbol:  symbol,
		PnL:     pnl,
	}
}

// Error reports a failure that needs attention.
func Error(symbol, title string, err error) Notification {
	return Notification{
		Type:    NotifyError,
		Title:   "❌ " + title,
		Message: fmt.Sprintf("Symbol: %s\n%v", symbol, err),
		Symbol:  symbol,
	}
}

// Info is a free-form informational alert.
func Info(symbol, title, message string) Notification {
	return Notification{Type: NotifyInfo, Title: title, Message: message, Symbol: symbol}
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	baseURL  string
	client   *http.Client
}

// TelegramConfig holds Telegram configuration
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Enabled  bool
	// BaseURL overrides https://api.telegram.org.
	BaseURL string
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	return &TelegramNotifier{
		botToken: config.BotToken,
		chatID:   config.ChatID,
		enabled:  config.Enabled && config.BotToken != "" && config.ChatID != "",
		baseURL:  baseURL,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(ctx context.Context, n Notification) error {
	if !t.enabled {
		return nil
	}

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("<b>%s</b>\n%s", n.Title, n.Message),
		"parse_mode": "HTML",
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	return postJSON(ctx, t.client, url, payload, http.StatusOK)
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// DiscordConfig holds Discord configuration
type DiscordConfig struct {
	WebhookURL string
	Enabled    bool
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled && config.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func (d *DiscordNotifier) Send(ctx context.Context, n Notification) error {
	if !d.enabled {
		return nil
	}

	color := 0x00FF00 // Green
	if n.IsCritical() || (n.Type == NotifyTradeClose && n.PnL < 0) {
		color = 0xFF0000 // Red
	}

	embed := map[string]interface{}{
		"title":       n.Title,
		"description": n.Message,
		"color":       color,
		"timestamp":   n.Timestamp.Format(time.RFC3339),
	}
	if n.Symbol != "" {
		fields := []map[string]interface{}{
			{"name": "Symbol", "value": n.Symbol, "inline": true},
		}
		if n.Price > 0 {
			fields = append(fields, map[string]interface{}{
				"name": "Price", "value": fmt.Sprintf("%.4f", n.Price), "inline": true,
			})
		}
		if n.PnL != 0 {
			fields = append(fields, map[string]interface{}{
				"name": "P&L", "value": fmt.Sprintf("%.2f", n.PnL), "inline": true,
			})
		}
		embed["fields"] = fields
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}
	return postJSON(ctx, d.client, d.webhookURL, payload, http.StatusOK, http.StatusNoContent)
}

func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}, okStatus ...int) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	for _, s := range okStatus {
		if resp.StatusCode == s {
			return nil
		}
	}
	return fmt.Errorf("API returned status %d", resp.StatusCode)
}
