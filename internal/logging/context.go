package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"
)

type contextKey string

const (
	loggerKey  contextKey = "logger"
	traceIDKey contextKey = "trace_id"
)

// GenerateTraceID generates a new trace ID.
func GenerateTraceID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// FromContext retrieves the logger from context, falling back to Default.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return Default()
}

// NewContext creates a new context carrying the logger.
func NewContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// WithTraceContext attaches a fresh trace ID to ctx and returns a logger
// scoped to it — used at the entry point of each independent scheduled
// cycle (one Strategist pass, one Reflection pass) so every log line for
// that cycle can be correlated.
func WithTraceContext(ctx context.Context) (context.Context, *Logger) {
	traceID := GenerateTraceID()
	l := Default().WithTraceID(traceID)
	newCtx := context.WithValue(ctx, traceIDKey, traceID)
	newCtx = context.WithValue(newCtx, loggerKey, l)
	return newCtx, l
}

// ConditionContext creates a logger context for trade-condition lifecycle
// events (install, trigger, expire).
func ConditionContext(conditionID, symbol, direction string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"condition_id": conditionID,
		"symbol":       symbol,
		"direction":    direction,
	}).WithComponent("sniper")
}

// PositionContext creates a logger context for open/close position events.
func PositionContext(positionID, symbol string, entryPrice, sizeUSD float64) *Logger {
	return Default().WithFields(map[string]interface{}{
		"position_id": positionID,
		"symbol":      symbol,
		"entry_price": entryPrice,
		"size_usd":    sizeUSD,
	}).WithComponent("sniper")
}

// JournalContext creates a logger context for journal write operations.
func JournalContext(tradeID, symbol string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"trade_id": tradeID,
		"symbol":   symbol,
	}).WithComponent("journal")
}

// KnowledgeContext creates a logger context for knowledge-store mutations.
func KnowledgeContext(entity, target string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"entity": entity,
		"target": target,
	}).WithComponent("knowledge")
}

// AdaptationContext creates a logger context for adaptation-engine events.
func AdaptationContext(action, target string, confidence float64) *Logger {
	return Default().WithFields(map[string]interface{}{
		"action":     action,
		"target":     target,
		"confidence": confidence,
	}).WithComponent("adaptation")
}

// StrategistContext creates a logger context for one Strategist cycle.
func StrategistContext(cycleID string, symbolCount int) *Logger {
	return Default().WithFields(map[string]interface{}{
		"cycle_id":     cycleID,
		"symbol_count": symbolCount,
	}).WithComponent("strategist")
}

// ReflectionContext creates a logger context for one reflection cycle.
func ReflectionContext(windowTrades int) *Logger {
	return Default().WithFields(map[string]interface{}{
		"window_trades": windowTrades,
	}).WithComponent("reflection")
}

// DatabaseContext creates a logger context for database operations.
func DatabaseContext(operation, table string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"operation": operation,
		"table":     table,
	}).WithComponent("database")
}

// APIContext creates a logger context for operator-command API calls.
func APIContext(method, path string, statusCode int) *Logger {
	return Default().WithFields(map[string]interface{}{
		"method":      method,
		"path":        path,
		"status_code": statusCode,
	}).WithComponent("api")
}

// HTTPMiddleware adds request-scoped structured logging to the operator
// command server.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = GenerateTraceID()
		}

		l := Default().WithTraceID(traceID).WithFields(map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"remote_addr": r.RemoteAddr,
		}).WithComponent("api")

		ctx := NewContext(r.Context(), l)
		r = r.WithContext(ctx)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}
		next.ServeHTTP(wrapped, r)

		l.WithDuration(time.Since(start)).WithField("status_code", wrapped.statusCode).Info("request completed")
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
