package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/campusdash/api/internal/platform/requestctx"
)

func newObservedRouter(t *testing.T, register func(chi.Router)) (http.Handler, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	router := chi.NewRouter()
	router.Use(InjectLoggerMiddleware(logger), TraceMiddleware("proj"), RecoveryMiddleware(logger), RequestLoggerMiddleware("proj"))
	register(router)
	return router, logs
}

func TestRequestLoggerMiddlewareLogsRouteAndScope(t *testing.T) {
	router, logs := newObservedRouter(t, func(r chi.Router) {
		r.Post("/shops/{shopID}/batches/{batchID}:lock", func(w http.ResponseWriter, r *http.Request) {
			scope := requestctx.ScopeFrom(r.Context())
			scope.SetShopID(chi.URLParam(r, "shopID"))
			scope.SetActor("owner:uid-1")
			w.WriteHeader(http.StatusConflict)
		})
	})

	req := httptest.NewRequest(http.MethodPost, "/shops/shop_1/batches/bat_9:lock", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
	entries := logs.FilterMessage("request completed").All()
	require.Len(t, entries, 1)

	entry := entries[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	fields := entry.ContextMap()
	assert.Equal(t, "/shops/{shopID}/batches/{batchID}:lock", fields["route"])
	assert.EqualValues(t, http.StatusConflict, fields["status"])
	assert.Equal(t, "shop_1", fields["shop_id"])
	assert.Equal(t, "owner:uid-1", fields["actor"])
	assert.NotEmpty(t, fields["trace_id"])
}

func TestRecoveryMiddlewareWritesEnvelope(t *testing.T) {
	router, logs := newObservedRouter(t, func(r chi.Router) {
		r.Get("/boom", func(http.ResponseWriter, *http.Request) {
			panic("kaboom")
		})
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "internal_server_error", body["error"])

	assert.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
	completed := logs.FilterMessage("request completed").All()
	require.Len(t, completed, 1)
	assert.Equal(t, zapcore.ErrorLevel, completed[0].Level)
}

func TestClipStripsControlCharacters(t *testing.T) {
	assert.Equal(t, "abcdef", clip("abc\n\r\tdef", 32))
	assert.Equal(t, "abc", clip("abcdef", 3))
	assert.Equal(t, "", clip("", 3))
}

func TestServiceLoggerPrefersRequestLogger(t *testing.T) {
	fallbackCore, fallbackLogs := observer.New(zapcore.DebugLevel)
	requestCore, requestLogs := observer.New(zapcore.DebugLevel)

	log := ServiceLogger(zap.New(fallbackCore))

	log(context.Background(), "batch.locked", map[string]any{"batch_id": "bat_1"})
	ctx := requestctx.WithLogger(context.Background(), zap.New(requestCore))
	log(ctx, "delivery.verify.rejected", map[string]any{"order_id": "ord_1", "attempts": 2})

	require.Equal(t, 1, fallbackLogs.Len())
	assert.Equal(t, zapcore.InfoLevel, fallbackLogs.All()[0].Level)
	assert.Equal(t, "bat_1", fallbackLogs.All()[0].ContextMap()["batch_id"])

	require.Equal(t, 1, requestLogs.Len())
	rejected := requestLogs.All()[0]
	assert.Equal(t, zapcore.WarnLevel, rejected.Level)
	assert.Equal(t, "delivery.verify.rejected", rejected.ContextMap()["event"])
}

func TestLevelFromEnv(t *testing.T) {
	assert.Equal(t, zapcore.InfoLevel, levelFromEnv("").Level())
	assert.Equal(t, zapcore.DebugLevel, levelFromEnv(" DEBUG ").Level())
	assert.Equal(t, zapcore.InfoLevel, levelFromEnv("loud").Level())
}
