package observability

import (
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"
	"unicode"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/campusdash/api/internal/platform/httpx"
	"github.com/campusdash/api/internal/platform/requestctx"
)

// InjectLoggerMiddleware attaches logger to every request context.
func InjectLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(requestctx.WithLogger(r.Context(), logger)))
		})
	}
}

// RequestLoggerMiddleware writes one access log entry per request once the handler returns. The entry
// carries the shop and actor resolved by auth middleware further down the chain, and the route pattern
// rather than the raw path so batch and order ids stay out of the route field.
func RequestLoggerMiddleware(projectID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, scope := requestctx.WithScope(r.Context())
			traceInfo, _ := requestctx.Trace(ctx)

			logger := requestctx.LoggerOr(ctx, nil).With(
				zap.String("request_id", middleware.GetReqID(ctx)),
				zap.String("method", clip(r.Method, 10)),
				zap.String("trace_id", traceInfo.TraceID),
			)
			if traceInfo.TraceID != "" && projectID != "" {
				logger = logger.With(zap.String("logging.googleapis.com/trace", "projects/"+projectID+"/traces/"+traceInfo.TraceID))
			}
			ctx = requestctx.WithLogger(ctx, logger)
			r = r.WithContext(ctx)

			recorder := &statusRecorder{ResponseWriter: w}
			start := time.Now()
			completed := false
			defer func() {
				status := recorder.Status()
				if !completed && status < http.StatusInternalServerError {
					status = http.StatusInternalServerError
				}
				route := routePattern(r)
				annotateSpan(trace.SpanFromContext(ctx), r, route, status)

				fields := []zap.Field{
					zap.String("route", route),
					zap.Int("status", status),
					zap.Duration("latency", time.Since(start)),
					zap.Int64("bytes", recorder.bytes),
				}
				if scope.ShopID != "" {
					fields = append(fields, zap.String("shop_id", clip(scope.ShopID, 64)))
				}
				if scope.Actor != "" {
					fields = append(fields, zap.String("actor", clip(scope.Actor, 96)))
				}
				if ip := remoteIP(r); ip != "" {
					fields = append(fields, zap.String("remote_ip", ip))
				}

				switch {
				case status >= http.StatusInternalServerError:
					logger.Error("request completed", fields...)
				case status >= http.StatusBadRequest:
					logger.Warn("request completed", fields...)
				default:
					logger.Info("request completed", fields...)
				}
			}()

			next.ServeHTTP(recorder, r)
			completed = true
		})
	}
}

// RecoveryMiddleware turns a handler panic into a 500 JSON envelope and logs the stack.
func RecoveryMiddleware(fallback *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil || rec == http.ErrAbortHandler {
					if rec != nil {
						panic(rec)
					}
					return
				}
				ctx := r.Context()
				requestctx.LoggerOr(ctx, fallback).Error("panic recovered",
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()),
				)
				httpx.WriteError(ctx, w, httpx.NewError("internal_server_error", "internal server error", http.StatusInternalServerError))
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func annotateSpan(span trace.Span, r *http.Request, route string, status int) {
	if !span.IsRecording() {
		return
	}
	span.SetName(r.Method + " " + route)
	span.SetAttributes(
		attribute.Int("http.response.status_code", status),
		attribute.String("http.route", route),
	)
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(status))
		return
	}
	span.SetStatus(codes.Ok, "")
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return clip(pattern, 180)
		}
	}
	if r.URL == nil || r.URL.Path == "" {
		return "/"
	}
	return clip(r.URL.Path, 180)
}

func remoteIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return clip(addr, 64)
}

// clip drops control characters and truncates to limit runes so request data cannot forge log lines.
func clip(value string, limit int) string {
	out := make([]rune, 0, min(len(value), limit))
	for _, r := range value {
		if len(out) == limit {
			break
		}
		if unicode.IsControl(r) {
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}
