package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"futures-agent/internal/logging"
)

// Retry configuration for API calls
const (
	maxRetries     = 3
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 5 * time.Second
)

const (
	// FuturesBaseURL is the production Binance Futures API URL
	FuturesBaseURL = "https://fapi.binance.com"
	// FuturesTestnetURL is the testnet Binance Futures API URL
	FuturesTestnetURL = "https://testnet.binancefuture.com"
)

// FuturesClientImpl is the signed REST client.
type FuturesClientImpl struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	limiter    *RateLimiter
	logger     *logging.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// ClientOptions configures NewFuturesClient.
type ClientOptions struct {
	APIKey    string
	SecretKey string
	// BaseURL overrides the production/testnet URL when set.
	BaseURL           string
	TestNet           bool
	RequestsPerSecond float64
	Timeout           time.Duration
}

// NewFuturesClient creates a signed client.
func NewFuturesClient(opts ClientOptions, logger *logging.Logger) *FuturesClientImpl {
	baseURL := FuturesBaseURL
	if opts.TestNet {
		baseURL = FuturesTestnetURL
	}
	if opts.BaseURL != "" {
		baseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}

	// Whitespace in keys breaks the signature.
	return &FuturesClientImpl{
		apiKey:     strings.TrimSpace(opts.APIKey),
		secretKey:  strings.TrimSpace(opts.SecretKey),
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: opts.Timeout},
		limiter:    NewRateLimiter(opts.RequestsPerSecond, logger),
		logger:     logger.WithComponent("binance"),
		sleep:      sleepCtx,
	}
}

// ==================== ACCOUNT ====================

func (c *FuturesClientImpl) GetFuturesAccountInfo(ctx context.Context) (*FuturesAccountInfo, error) {
	resp, err := c.do(ctx, http.MethodGet, "/fapi/v2/account", nil, true)
	if err != nil {
		return nil, fmt.Errorf("error fetching account info: %w", err)
	}
	var info FuturesAccountInfo
	if err := json.Unmarshal(resp, &info); err != nil {
		return nil, fmt.Errorf("error parsing account info: %w", err)
	}
	return &info, nil
}

func (c *FuturesClientImpl) GetPositionBySymbol(ctx context.Context, symbol string) (*FuturesPosition, error) {
	resp, err := c.do(ctx, http.MethodGet, "/fapi/v2/positionRisk", map[string]string{"symbol": symbol}, true)
	if err != nil {
		return nil, fmt.Errorf("error fetching position: %w", err)
	}
	var positions []FuturesPosition
	if err := json.Unmarshal(resp, &positions); err != nil {
		return nil, fmt.Errorf("error parsing position: %w", err)
	}
	if len(positions) == 0 {
		return &FuturesPosition{Symbol: symbol}, nil
	}
	// Hedge mode returns LONG and SHORT rows; prefer the one with size.
	for i := range positions {
		if positions[i].PositionAmt != 0 {
			return &positions[i], nil
		}
	}
	return &positions[0], nil
}

func (c *FuturesClientImpl) SetLeverage(ctx context.Context, symbol string, leverage int) (*LeverageResponse, error) {
	resp, err := c.do(ctx, http.MethodPost, "/fapi/v1/leverage", map[string]string{
		"symbol":   symbol,
		"leverage": strconv.Itoa(leverage),
	}, true)
	if err != nil {
		return nil, fmt.Errorf("error setting leverage: %w", err)
	}
	var out LeverageResponse
	if err := json.Unmarshal(resp, &out); err != nil {
		return nil, fmt.Errorf("error parsing leverage response: %w", err)
	}
	return &out, nil
}

// ==================== TRADING ====================

func (c *FuturesClientImpl) PlaceFuturesOrder(ctx context.Context, params FuturesOrderParams) (*FuturesOrder, error) {
	if params.Type.IsConditional() {
		return c.placeAlgoOrder(ctx, params)
	}

	req := map[string]string{
		"symbol":   params.Symbol,
		"side":     params.Side,
		"type":     string(params.Type),
		"quantity": params.Quantity,
	}
	if params.ReduceOnly {
		req["reduceOnly"] = "true"
	}
	if params.NewClientOrderId != "" {
		req["newClientOrderId"] = params.NewClientOrderId
	}
	req["newOrderRespType"] = "RESULT"

	resp, err := c.do(ctx, http.MethodPost, "/fapi/v1/order", req, true)
	if err != nil {
		return nil, fmt.Errorf("error placing order: %w", err)
	}
	var order FuturesOrder
	if err := json.Unmarshal(resp, &order); err != nil {
		return nil, fmt.Errorf("error parsing order response: %w", err)
	}
	return &order, nil
}

// placeAlgoOrder sends STOP_MARKET / TAKE_PROFIT_MARKET through the algo order service.
func (c *FuturesClientImpl) placeAlgoOrder(ctx context.Context, params FuturesOrderParams) (*FuturesOrder, error) {
	req := map[string]string{
		"algoType":     AlgoTypeConditional,
		"symbol":       params.Symbol,
		"side":         params.Side,
		"type":         string(params.Type),
		"triggerPrice": params.StopPrice,
	}
	if params.ClosePosition {
		req["closePosition"] = "true"
	} else {
		req["quantity"] = params.Quantity
		if params.ReduceOnly {
			req["reduceOnly"] = "true"
		}
	}
	if params.WorkingType != "" {
		req["workingType"] = string(params.WorkingType)
	}
	if params.NewClientOrderId != "" {
		req["clientAlgoId"] = params.NewClientOrderId
	}

	resp, err := c.do(ctx, http.MethodPost, "/fapi/v1/algoOrder", req, true)
	if err != nil {
		return nil, fmt.Errorf("error placing algo order: %w", err)
	}
	var algo AlgoOrder
	if err := json.Unmarshal(resp, &algo); err != nil {
		return nil, fmt.Errorf("error parsing algo order response: %w", err)
	}
	order := algo.toOrder()
	return &order, nil
}

func (c *FuturesClientImpl) CancelFuturesOrder(ctx context.Context, symbol string, orderId int64, algo bool) error {
	endpoint, key := "/fapi/v1/order", "orderId"
	if algo {
		endpoint, key = "/fapi/v1/algoOrder", "algoId"
	}
	_, err := c.do(ctx, http.MethodDelete, endpoint, map[string]string{
		"symbol": symbol,
		key:      strconv.FormatInt(orderId, 10),
	}, true)
	if err != nil {
		return fmt.Errorf("error canceling order %d: %w", orderId, err)
	}
	return nil
}

func (c *FuturesClientImpl) CancelAllFuturesOrders(ctx context.Context, symbol string) error {
	params := map[string]string{"symbol": symbol}
	if _, err := c.do(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params, true); err != nil {
		return fmt.Errorf("error canceling all orders: %w", err)
	}
	if _, err := c.do(ctx, http.MethodDelete, "/fapi/v1/algoOpenOrders", map[string]string{"symbol": symbol}, true); err != nil {
		return fmt.Errorf("error canceling all algo orders: %w", err)
	}
	return nil
}

func (c *FuturesClientImpl) GetOpenOrders(ctx context.Context, symbol string) ([]FuturesOrder, error) {
	resp, err := c.do(ctx, http.MethodGet, "/fapi/v1/openOrders", map[string]string{"symbol": symbol}, true)
	if err != nil {
		return nil, fmt.Errorf("error fetching open orders: %w", err)
	}
	var orders []FuturesOrder
	if err := json.Unmarshal(resp, &orders); err != nil {
		return nil, fmt.Errorf("error parsing open orders: %w", err)
	}

	resp, err = c.do(ctx, http.MethodGet, "/fapi/v1/openAlgoOrders", map[string]string{"symbol": symbol}, true)
	if err != nil {
		return nil, fmt.Errorf("error fetching open algo orders: %w", err)
	}
	var algos []AlgoOrder
	if err := json.Unmarshal(resp, &algos); err != nil {
		return nil, fmt.Errorf("error parsing open algo orders: %w (response: %s)", err, string(resp))
	}
	for _, a := range algos {
		orders = append(orders, a.toOrder())
	}
	return orders, nil
}

// ==================== MARKET DATA ====================

func (c *FuturesClientImpl) GetFuturesKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	resp, err := c.do(ctx, http.MethodGet, "/fapi/v1/klines", map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}, false)
	if err != nil {
		return nil, fmt.Errorf("error fetching klines: %w", err)
	}
	return parseKlines(resp)
}

func (c *FuturesClientImpl) GetFuturesCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	resp, err := c.do(ctx, http.MethodGet, "/fapi/v1/ticker/price", map[string]string{"symbol": symbol}, false)
	if err != nil {
		return 0, fmt.Errorf("error fetching price: %w", err)
	}
	var price struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price,string"`
	}
	if err := json.Unmarshal(resp, &price); err != nil {
		return 0, fmt.Errorf("error parsing price: %w", err)
	}
	return price.Price, nil
}

// ==================== HTTP HELPERS ====================

// sign creates a signature for the given query string
func (c *FuturesClientImpl) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// do performs one request with rate limiting and bounded retries. Signed requests get a
// fresh timestamp on every attempt.
func (c *FuturesClientImpl) do(ctx context.Context, method, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		values := url.Values{}
		for k, v := range params {
			values.Set(k, v)
		}
		if signed {
			values.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
			values.Set("recvWindow", "10000")
		}
		query := values.Encode()
		if signed {
			query += "&signature=" + c.sign(query)
		}

		reqURL := c.baseURL + endpoint
		if query != "" {
			reqURL += "?" + query
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
		if err != nil {
			return nil, err
		}
		if signed {
			req.Header.Set("X-MBX-APIKEY", c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt < maxRetries {
				delay := calculateRetryDelay(attempt)
				c.logger.Warn("Request failed, retrying", "method", method, "endpoint", endpoint,
					"attempt", attempt+1, "error", err, "delay", delay)
				if err := c.sleep(ctx, delay); err != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}

		if resp.StatusCode == http.StatusOK {
			weight, _ := strconv.Atoi(resp.Header.Get("X-MBX-USED-WEIGHT-1M"))
			c.limiter.RecordSuccess(weight)
			return body, nil
		}

		apiErr := parseAPIError(resp.StatusCode, body)
		lastErr = apiErr
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot || apiErr.Code == -1003 {
			c.limiter.RecordRateLimitError(ParseBanUntilFromError(apiErr.Message))
		}
		if apiErr.Retryable() && attempt < maxRetries {
			delay := calculateRetryDelay(attempt)
			c.logger.Warn("API error, retrying", "method", method, "endpoint", endpoint,
				"status", resp.StatusCode, "code", apiErr.Code, "attempt", attempt+1, "delay", delay)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}
		return nil, apiErr
	}

	return nil, lastErr
}

// calculateRetryDelay returns delay with exponential backoff and ±25% jitter.
func calculateRetryDelay(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	return delay + jitter - (delay / 4)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
