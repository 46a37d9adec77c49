package observability

import (
	"context"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/campusdash/api/internal/platform/requestctx"
)

const serviceName = "campusdash-api"

// NewLogger builds the JSON logger used in every environment. Keys follow the Cloud Logging structured
// payload conventions; LOG_LEVEL selects the level and defaults to info.
func NewLogger() (*zap.Logger, error) {
	cfg := zap.Config{
		Level:             levelFromEnv(os.Getenv("LOG_LEVEL")),
		Encoding:          "json",
		EncoderConfig:     cloudLoggingEncoderConfig(),
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
		InitialFields:     map[string]any{"service": serviceName},
	}
	return cfg.Build()
}

func levelFromEnv(raw string) zap.AtomicLevel {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if raw = strings.TrimSpace(raw); raw != "" {
		_ = level.UnmarshalText([]byte(strings.ToLower(raw)))
	}
	return level
}

func cloudLoggingEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		MessageKey:    "message",
		TimeKey:       "timestamp",
		LevelKey:      "severity",
		CallerKey:     "caller",
		StacktraceKey: "stacktrace",
		EncodeTime:    zapcore.RFC3339NanoTimeEncoder,
		EncodeCaller:  zapcore.ShortCallerEncoder,
		EncodeLevel:   zapcore.CapitalLevelEncoder,
	}
}

func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return requestctx.WithLogger(ctx, logger)
}

// FromContext returns the request logger or a no-op logger.
func FromContext(ctx context.Context) *zap.Logger {
	return requestctx.LoggerOr(ctx, nil)
}

// PrintfAdapter exposes a zap logger through printf-style interfaces such as the audit writer's.
type PrintfAdapter struct {
	sugar *zap.SugaredLogger
}

func NewPrintfAdapter(logger *zap.Logger) PrintfAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return PrintfAdapter{sugar: logger.Sugar()}
}

func (a PrintfAdapter) Printf(format string, args ...any) { a.sugar.Infof(format, args...) }

func (a PrintfAdapter) Warnf(format string, args ...any) { a.sugar.Warnf(format, args...) }

// ServiceLogger adapts zap to the event logger injected into services. Entries go to the request logger
// when one is attached so they carry request and trace fields. Events ending in ".failed" or
// ".rejected" log at warn level.
func ServiceLogger(fallback *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := requestctx.LoggerOr(ctx, fallback)

		keys := make([]string, 0, len(fields))
		for key := range fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		zapFields := make([]zap.Field, 0, len(keys)+1)
		zapFields = append(zapFields, zap.String("event", event))
		for _, key := range keys {
			zapFields = append(zapFields, zap.Any(key, fields[key]))
		}

		if strings.HasSuffix(event, ".failed") || strings.HasSuffix(event, ".rejected") {
			logger.Warn(event, zapFields...)
			return
		}
		logger.Info(event, zapFields...)
	}
}
