package binance

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"futures-agent/internal/logging"
)

// ErrCircuitOpen is returned while the venue has banned the client.
var ErrCircuitOpen = errors.New("rate limit: circuit breaker open, request blocked")

// RateLimiter paces requests with a token bucket and opens a circuit when the venue
// answers with a rate-limit ban.
type RateLimiter struct {
	limiter *rate.Limiter
	logger  *logging.Logger

	mu                sync.RWMutex
	circuitOpen       bool
	banUntil          time.Time
	consecutiveErrors int
	usedWeight1m      int
}

// NewRateLimiter allows requestsPerSecond with a burst of the same size.
func NewRateLimiter(requestsPerSecond float64, logger *logging.Logger) *RateLimiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 10
	}
	burst := int(requestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		logger:  logger.WithComponent("rate-limiter"),
	}
}

// Wait blocks until a token is available, the context ends, or the circuit is open.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r.IsCircuitOpen() {
		return ErrCircuitOpen
	}
	return r.limiter.Wait(ctx)
}

// RecordSuccess closes an expired circuit and resets the error streak.
func (r *RateLimiter) RecordSuccess(usedWeight1m int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutiveErrors = 0
	if usedWeight1m > 0 {
		r.usedWeight1m = usedWeight1m
	}
	if r.circuitOpen && time.Now().After(r.banUntil) {
		r.circuitOpen = false
		r.logger.Info("Circuit breaker closed after successful request")
	}
}

// RecordRateLimitError opens the circuit until banUntilMs, or for an exponential
// backoff capped at 30 minutes when the venue gave no timestamp.
func (r *RateLimiter) RecordRateLimitError(banUntilMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.consecutiveErrors++
	var until time.Time
	if banUntilMs > 0 {
		until = time.UnixMilli(banUntilMs)
	} else {
		backoff := time.Duration(1<<uint(r.consecutiveErrors)) * time.Minute
		if backoff > 30*time.Minute {
			backoff = 30 * time.Minute
		}
		until = time.Now().Add(backoff)
	}
	r.circuitOpen = true
	r.banUntil = until
	r.logger.Warn("Circuit breaker open", "ban_until", until.Format(time.RFC3339), "consecutive_errors", r.consecutiveErrors)
}

// IsCircuitOpen reports whether requests are currently blocked.
func (r *RateLimiter) IsCircuitOpen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.circuitOpen && time.Now().Before(r.banUntil)
}

// UsedWeight returns the last X-MBX-USED-WEIGHT-1M seen.
func (r *RateLimiter) UsedWeight() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.usedWeight1m
}

var banUntilPattern = regexp.MustCompile(`banned until (\d+)`)

// ParseBanUntilFromError extracts ban timestamp from Binance error message
// ("... banned until 1766824120342").
func ParseBanUntilFromError(errMsg string) int64 {
	m := banUntilPattern.FindStringSubmatch(errMsg)
	if m == nil {
		return 0
	}
	banUntil, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0
	}
	now := time.Now()
	if banUntil > now.UnixMilli() && banUntil < now.Add(24*time.Hour).UnixMilli() {
		return banUntil
	}
	return 0
}
