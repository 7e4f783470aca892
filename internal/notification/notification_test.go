package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futures-agent/config"
	"futures-agent/internal/logging"
)

type countingNotifier struct {
	sent    []Notification
	err     error
	enabled bool
}

func (c *countingNotifier) Send(_ context.Context, n Notification) error {
	c.sent = append(c.sent, n)
	return c.err
}
func (c *countingNotifier) Name() string    { return "counting" }
func (c *countingNotifier) IsEnabled() bool { return c.enabled }

func TestManagerFansOutAndSurvivesFailures(t *testing.T) {
	m := NewManager(logging.Nop())
	failing := &countingNotifier{err: errors.New("down"), enabled: true}
	ok := &countingNotifier{enabled: true}
	disabled := &countingNotifier{}
	m.AddNotifier(failing)
	m.AddNotifier(ok)
	m.AddNotifier(disabled)

	m.Send(context.Background(), KillSwitch("BTCUSDT", 0.035, -12.3))

	require.Len(t, ok.sent, 1)
	assert.Len(t, failing.sent, 1)
	assert.Empty(t, disabled.sent)
	assert.False(t, ok.sent[0].Timestamp.IsZero())
	assert.True(t, ok.sent[0].IsCritical())
}

func TestTradeClosedLabels(t *testing.T) {
	assert.Contains(t, TradeClosed("BTCUSDT", "S", 100, -1).Title, "STOP LOSS")
	assert.Contains(t, TradeClosed("BTCUSDT", "S", 100, 0).Title, "TP or Manual")
	assert.False(t, TradeClosed("BTCUSDT", "S", 100, 5).IsCritical())
}

func TestTelegramNotifier(t *testing.T) {
	var path string
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&body)
	}))
	defer srv.Close()

	tg := NewTelegramNotifier(TelegramConfig{BotToken: "tok", ChatID: "42", Enabled: true, BaseURL: srv.URL})
	require.True(t, tg.IsEnabled())
	require.NoError(t, tg.Send(context.Background(), Unprotected("ETHUSDT", "stop loss missing")))

	assert.Equal(t, "/bottok/sendMessage", path)
	assert.Equal(t, "42", body["chat_id"])
	assert.True(t, strings.Contains(body["text"].(string), "ETHUSDT"))

	assert.False(t, NewTelegramNotifier(TelegramConfig{Enabled: true}).IsEnabled())
}

func TestDiscordNotifierStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	d := NewDiscordNotifier(DiscordConfig{WebhookURL: srv.URL, Enabled: true})
	err := d.Send(context.Background(), Info("", "hello", "world"))
	assert.Error(t, err)
}

func TestNewManagerFromConfig(t *testing.T) {
	m := NewManagerFromConfig(config.NotificationConfig{
		Enabled:  true,
		Telegram: config.TelegramConfig{Enabled: true, BotToken: "t", ChatID: "c"},
		Discord:  config.DiscordConfig{Enabled: false},
	}, logging.Nop())
	assert.Len(t, m.notifiers, 1)

	m = NewManagerFromConfig(config.NotificationConfig{}, logging.Nop())
	assert.Empty(t, m.notifiers)
}
