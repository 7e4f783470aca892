package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futures-agent/config"
	"futures-agent/internal/bot"
	"futures-agent/internal/circuit"
	"futures-agent/internal/database"
	"futures-agent/internal/events"
	"futures-agent/internal/ledger"
	"futures-agent/internal/logging"
	"futures-agent/internal/metrics"
	"futures-agent/internal/position"
)

type stubAgent []bot.LoopStatus

func (s stubAgent) Status() []bot.LoopStatus { return s }

type stubKillSwitch circuit.Status

func (s stubKillSwitch) Status() circuit.Status { return circuit.Status(s) }

type stubPrices map[string]float64

func (p stubPrices) GetCurrentPrice(_ context.Context, symbol string) (float64, error) {
	price, ok := p[symbol]
	if !ok {
		return 0, errors.New("no price")
	}
	return price, nil
}

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	server *Server
	store  *database.FilePositionStore
	ledger *ledger.Ledger
	hist   *events.History
}

func newFixture(t *testing.T, cfg config.ServerConfig) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := database.NewFilePositionStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, position.State{
		Symbol: "ETHUSDT", Side: position.SideShort, Quantity: 2, EntryPrice: 2000,
		StopLoss: 2050, TakeProfit: 1900, Leverage: 5, StrategyName: "MeanReversion",
	}))
	require.NoError(t, store.Save(ctx, position.State{
		Symbol: "BTCUSDT", Side: position.SideLong, Quantity: 0.1, EntryPrice: 50000,
		StopLoss: 49000, TakeProfit: 52000, Leverage: 10, StrategyName: "Breakout",
	}))

	l, err := ledger.Open("", 200, logging.Nop())
	require.NoError(t, err)
	_, _ = l.Record(ctx, "Breakout", ledger.ResultTPOrClose, 12)
	_, _ = l.Record(ctx, "Swing", ledger.ResultEmergency, -30)

	hist := events.NewHistory(10)
	hist.Record(events.Event{Type: events.EventDecision, Symbol: "BTCUSDT"})
	hist.Record(events.Event{Type: events.EventTradeOpened, Symbol: "ETHUSDT"})

	m := metrics.New()
	m.TradesOpened.WithLabelValues("BTCUSDT", "Breakout").Inc()

	src := Sources{
		Agent: stubAgent{
			{Symbol: "BTCUSDT", Cycles: 3},
			{Symbol: "ETHUSDT", Cycles: 3, LastError: "market_data: timeout"},
		},
		Positions:  store,
		Prices:     stubPrices{"BTCUSDT": 51000},
		Ledger:     l,
		KillSwitch: stubKillSwitch{Enabled: true, MaxLossPct: 0.03, TripCount: 1, TripsBySymbol: map[string]int{"ETHUSDT": 1}},
		History:    hist,
		Metrics:    m.Handler(),
	}
	return &fixture{server: NewServer(cfg, src, logging.Nop()), store: store, ledger: l, hist: hist}
}

func (f *fixture) get(t *testing.T, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealthReportsLoops(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	w := f.get(t, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "degraded", body["status"])
	loops := body["loops"].([]interface{})
	require.Len(t, loops, 2)
	assert.Equal(t, "BTCUSDT", loops[0].(map[string]interface{})["symbol"])
}

func TestPositionsAreMarkedToMarket(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	w := f.get(t, "/api/positions", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Positions []PositionView `json:"positions"`
		Count     int            `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 2, body.Count)
	assert.Equal(t, "BTCUSDT", body.Positions[0].Symbol)
	assert.Equal(t, 51000.0, body.Positions[0].MarkPrice)
	assert.InDelta(t, 100.0, body.Positions[0].UnrealizedPnL, 1e-9)
	assert.Zero(t, body.Positions[1].MarkPrice)
}

func TestGetPosition(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})

	w := f.get(t, "/api/positions/ethusdt", "")
	require.Equal(t, http.StatusOK, w.Code)
	var v PositionView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	assert.Equal(t, position.SideShort, v.Side)
	assert.Equal(t, "MeanReversion", v.StrategyName)

	w = f.get(t, "/api/positions/SOLUSDT", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLedgerEndpoints(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})

	w := f.get(t, "/api/ledger?limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var entries struct {
		Entries []ledger.Entry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	require.Len(t, entries.Entries, 1)
	assert.Equal(t, "Swing", entries.Entries[0].Strategy)

	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/ledger?limit=x", "").Code)

	w = f.get(t, "/api/ledger/scores", "")
	require.Equal(t, http.StatusOK, w.Code)
	var scores struct {
		Scores []ledger.Score `json:"scores"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &scores))
	require.Len(t, scores.Scores, 2)
	assert.Equal(t, "Breakout", scores.Scores[0].Strategy)
}

func TestKillSwitchAndEvents(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})

	w := f.get(t, "/api/killswitch", "")
	require.Equal(t, http.StatusOK, w.Code)
	var status circuit.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, 1, status.TripCount)

	w = f.get(t, "/api/events?symbol=btcusdt", "")
	require.Equal(t, http.StatusOK, w.Code)
	var evs struct {
		Events []events.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &evs))
	require.Len(t, evs.Events, 1)
	assert.Equal(t, events.EventDecision, evs.Events[0].Type)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	w := f.get(t, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "futures_agent_trades_opened_total")
}

func TestMissingSourcesAnswerUnavailable(t *testing.T) {
	s := NewServer(config.ServerConfig{}, Sources{}, logging.Nop())
	for _, path := range []string{"/api/positions", "/api/positions/BTCUSDT", "/api/ledger", "/api/ledger/scores", "/api/killswitch", "/api/events"} {
		w := httptest.NewRecorder()
		s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
	}
}

func TestJWTProtectsAPIRoutes(t *testing.T) {
	secret := "s3cret"
	f := newFixture(t, config.ServerConfig{JWTSecret: secret})

	assert.Equal(t, http.StatusOK, f.get(t, "/health", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.get(t, "/api/ledger", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.get(t, "/api/ledger", "garbage").Code)

	other, err := IssueToken([]byte("other"), "ops", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, f.get(t, "/api/ledger", other).Code)

	expired, err := IssueToken([]byte(secret), "ops", -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, f.get(t, "/api/ledger", expired).Code)

	token, err := IssueToken([]byte(secret), "ops", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, f.get(t, "/api/ledger", token).Code)

	claims, err := ValidateToken([]byte(secret), token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)

	_, err = IssueToken(nil, "ops", time.Hour)
	assert.Error(t, err)
}

func TestCORSAllowedOrigins(t *testing.T) {
	f := newFixture(t, config.ServerConfig{AllowedOrigins: []string{"http://dash.local"}})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://dash.local")
	w := httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, req)
	assert.Equal(t, "http://dash.local", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.local")
	w = httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
