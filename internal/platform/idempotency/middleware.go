package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/campusdash/api/internal/platform/auth"
	"github.com/campusdash/api/internal/platform/httpx"
)

const (
	defaultHeaderName = "Idempotency-Key"
	replayHeaderName  = "X-Idempotent-Replay"
	maxKeyLength      = 255
	maxReplayBody     = 1 << 20
)

type guard struct {
	store      Store
	headerName string
	ttl        time.Duration
	clock      func() time.Time
	logger     *zap.Logger
}

type MiddlewareOption func(*guard)

// WithHeader sets the request header carrying the client key.
func WithHeader(name string) MiddlewareOption {
	return func(g *guard) {
		if name = strings.TrimSpace(name); name != "" {
			g.headerName = name
		}
	}
}

// WithTTL sets how long a stored response stays replayable.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(g *guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

func WithLogger(logger *zap.Logger) MiddlewareOption {
	return func(g *guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func WithClock(clock func() time.Time) MiddlewareOption {
	return func(g *guard) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// Middleware makes keyed POSTs safe to retry: the first request runs, later ones with the same key and
// body get the stored response. Requests without the header pass through. Keys are scoped to the
// calling shop or service. 5xx responses are not stored; the key is released so the retry runs again.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	g := &guard{
		store:      store,
		headerName: defaultHeaderName,
		ttl:        DefaultTTL,
		clock:      time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(g.headerName))
			if r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			g.serve(w, r, key, next)
		})
	}
}

func (g *guard) serve(w http.ResponseWriter, r *http.Request, key string, next http.Handler) {
	ctx := r.Context()
	if len(key) > maxKeyLength {
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_invalid", "idempotency key is too long", http.StatusBadRequest))
		return
	}
	body, err := readAndReplayBody(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body too large", http.StatusRequestEntityTooLarge))
		return
	}

	scope := requesterScope(ctx)
	fingerprint := requestFingerprint(r, body, scope)
	scoped := scope + "|" + key
	logger := g.logger.With(zap.String("idempotencyScope", scope))

	reservation, err := g.store.Reserve(ctx, scoped, fingerprint, g.clock().UTC(), g.ttl)
	switch {
	case errors.Is(err, ErrFingerprintMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_conflict", "idempotency key already used for a different request", http.StatusConflict))
		return
	case err != nil:
		logger.Error("idempotency reserve failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_unavailable", "unable to process idempotency key", http.StatusServiceUnavailable))
		return
	case reservation.State == ReservationReplay:
		writeStoredResponse(w, reservation.Record)
		return
	case reservation.State == ReservationInFlight:
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "another request is processing this idempotency key", http.StatusConflict))
		return
	}

	recorder := newResponseRecorder(w)
	next.ServeHTTP(recorder, r)

	keep := recorder.Status() < http.StatusInternalServerError
	if keep {
		response := Response{Status: recorder.Status(), Headers: recorder.header.Clone(), Body: recorder.Body()}
		if err := g.store.SaveResponse(ctx, scoped, fingerprint, response, g.clock().UTC(), g.ttl); err != nil {
			logger.Error("idempotency save failed", zap.Error(err))
			keep = false
		}
	}
	if !keep {
		if err := g.store.Release(ctx, scoped, fingerprint); err != nil {
			logger.Warn("idempotency release failed", zap.Error(err))
		}
	}
	if err := recorder.Commit(); err != nil {
		logger.Warn("idempotency flush failed", zap.Error(err))
	}
}

func readAndReplayBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxReplayBody+1))
	if err != nil {
		return nil, err
	}
	_ = r.Body.Close()
	if len(data) > maxReplayBody {
		return nil, errors.New("idempotency: body too large")
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// requestFingerprint binds a key to one request so reusing it for a different body is rejected.
func requestFingerprint(r *http.Request, body []byte, scope string) string {
	h := sha256.New()
	for _, part := range []string{r.Method, r.URL.Path, r.URL.RawQuery, scope} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func requesterScope(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil {
		if identity.ShopID != "" {
			return "shop:" + identity.ShopID
		}
		if identity.UID != "" {
			return "user:" + identity.UID
		}
	}
	if svc, ok := auth.ServiceIdentityFromContext(ctx); ok && svc != nil && svc.Subject != "" {
		return "service:" + svc.Subject
	}
	return "anonymous"
}

func writeStoredResponse(w http.ResponseWriter, record Record) {
	dst := w.Header()
	for key, values := range replayHeaders(record.ResponseHeaders) {
		dst[key] = values
	}
	dst.Set(replayHeaderName, "true")

	status := record.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(record.ResponseBody) > 0 {
		_, _ = w.Write(record.ResponseBody)
	}
}

// responseRecorder buffers the handler output until the outcome has been stored.
type responseRecorder struct {
	parent http.ResponseWriter
	header http.Header
	status int
	body   bytes.Buffer
}

func newResponseRecorder(parent http.ResponseWriter) *responseRecorder {
	return &responseRecorder{parent: parent, header: make(http.Header)}
}

func (r *responseRecorder) Header() http.Header { return r.header }

func (r *responseRecorder) WriteHeader(status int) {
	if r.status == 0 && status > 0 {
		r.status = status
	}
}

func (r *responseRecorder) Write(data []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.body.Write(data)
}

func (r *responseRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func (r *responseRecorder) Body() []byte {
	if r.body.Len() == 0 {
		return nil
	}
	return r.body.Bytes()
}

func (r *responseRecorder) Commit() error {
	dst := r.parent.Header()
	for key, values := range r.header {
		dst[key] = values
	}
	r.parent.WriteHeader(r.Status())
	if r.body.Len() == 0 {
		return nil
	}
	_, err := r.parent.Write(r.body.Bytes())
	return err
}
