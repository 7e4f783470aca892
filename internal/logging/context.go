package logging

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	loggerKey  contextKey = "logger"
	traceIDKey contextKey = "trace_id"
)

// GenerateTraceID generates a new trace ID
func GenerateTraceID() string {
	return uuid.New().String()
}

// FromContext retrieves the logger from context
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return Default()
}

// NewContext creates a new context with the logger
func NewContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// TraceIDFromContext returns the cycle trace ID, or "" when none was attached.
func TraceIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

// WithTraceContext tags base with a fresh trace ID and stores both in the context.
func WithTraceContext(ctx context.Context, base *Logger) (context.Context, *Logger) {
	traceID := GenerateTraceID()
	l := base.WithTraceID(traceID)
	newCtx := context.WithValue(ctx, traceIDKey, traceID)
	newCtx = context.WithValue(newCtx, loggerKey, l)
	return newCtx, l
}

// TradeContext creates a logger context for trade operations
func TradeContext(base *Logger, symbol, side string, quantity, price float64) *Logger {
	return base.WithFields(map[string]interface{}{
		"symbol":   symbol,
		"side":     side,
		"quantity": quantity,
		"price":    price,
	}).WithComponent("trade")
}

// OrderContext creates a logger context for order operations
func OrderContext(base *Logger, symbol, side, orderType string) *Logger {
	return base.WithFields(map[string]interface{}{
		"symbol":     symbol,
		"side":       side,
		"order_type": orderType,
	})
}

// PositionContext creates a logger context for position operations
func PositionContext(base *Logger, symbol, side string, entryPrice, quantity float64) *Logger {
	return base.WithFields(map[string]interface{}{
		"symbol":      symbol,
		"side":        side,
		"entry_price": entryPrice,
		"quantity":    quantity,
	})
}

// SignalContext creates a logger context for trading signals
func SignalContext(base *Logger, symbol, signal string, confidence float64) *Logger {
	return base.WithFields(map[string]interface{}{
		"symbol":     symbol,
		"signal":     signal,
		"confidence": confidence,
	})
}

// RiskContext creates a logger context for risk management
func RiskContext(base *Logger, symbol string, riskPercent, positionSize float64) *Logger {
	return base.WithFields(map[string]interface{}{
		"symbol":        symbol,
		"risk_percent":  riskPercent,
		"position_size": positionSize,
	})
}
