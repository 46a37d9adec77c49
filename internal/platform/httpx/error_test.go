package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/campusdash/api/internal/platform/requestctx"
)

func TestWriteErrorEnvelope(t *testing.T) {
	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-1")
	ctx = requestctx.WithTrace(ctx, requestctx.TraceInfo{TraceID: "abc123"})

	rec := httptest.NewRecorder()
	WriteError(ctx, rec, NewError("batch_locked", "batch is locked\nfor edits", http.StatusConflict))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	expected := map[string]any{
		"error":      "batch_locked",
		"message":    "batch is locked for edits",
		"status":     float64(http.StatusConflict),
		"request_id": "req-1",
		"trace_id":   "abc123",
	}
	for key, want := range expected {
		if body[key] != want {
			t.Fatalf("%s: expected %v got %v", key, want, body[key])
		}
	}
}

func TestWriteErrorOmitsMissingIDs(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(context.Background(), rec, Error{Code: "internal"})

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected zero status to become 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "request_id") || strings.Contains(rec.Body.String(), "trace_id") {
		t.Fatalf("expected ids to be omitted: %s", rec.Body.String())
	}
}

func TestNewErrorTruncatesMessage(t *testing.T) {
	err := NewError("invalid_request", strings.Repeat("é", 600), http.StatusBadRequest)
	if got := len([]rune(err.Message)); got != 512 {
		t.Fatalf("expected 512 runes got %d", got)
	}
	if err.Error() == "" {
		t.Fatal("expected error string")
	}
}
