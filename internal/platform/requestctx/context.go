// Package requestctx carries per-request values shared by middleware layers that must not import
// each other: the request logger, trace identifiers and the caller scope resolved by auth.
package requestctx

import (
	"context"

	"go.uber.org/zap"
)

type contextKey int

const (
	loggerKey contextKey = iota
	traceKey
	scopeKey
)

// TraceInfo identifies the Cloud Trace span serving the request.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// Scope is filled in by auth middleware as the caller is resolved, so the access log written after the
// handler returns can attribute the request to a shop or service account.
type Scope struct {
	Actor  string
	ShopID string
}

func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// Logger returns the request logger, or nil when none was attached.
func Logger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return nil
	}
	logger, _ := ctx.Value(loggerKey).(*zap.Logger)
	return logger
}

// LoggerOr returns the request logger, falling back to fallback and then to a no-op logger.
func LoggerOr(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if logger := Logger(ctx); logger != nil {
		return logger
	}
	if fallback != nil {
		return fallback
	}
	return zap.NewNop()
}

func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	return context.WithValue(ctx, traceKey, info)
}

func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceKey).(TraceInfo)
	return info, ok
}

func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// WithScope attaches an empty, mutable Scope for downstream middleware to fill.
func WithScope(ctx context.Context) (context.Context, *Scope) {
	scope := &Scope{}
	return context.WithValue(ctx, scopeKey, scope), scope
}

// ScopeFrom returns the request Scope, or nil outside a scoped request. Setters on a nil Scope are no-ops.
func ScopeFrom(ctx context.Context) *Scope {
	if ctx == nil {
		return nil
	}
	scope, _ := ctx.Value(scopeKey).(*Scope)
	return scope
}

func (s *Scope) SetActor(actor string) {
	if s != nil {
		s.Actor = actor
	}
}

func (s *Scope) SetShopID(shopID string) {
	if s != nil {
		s.ShopID = shopID
	}
}
