// Package httpx holds the JSON response helpers shared by every handler and middleware.
package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"unicode"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/campusdash/api/internal/platform/requestctx"
)

// Error is an API failure rendered as {"error","message","status","request_id","trace_id"}.
type Error struct {
	Code    string
	Message string
	Status  int
}

type envelope struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Status    int    `json:"status"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// NewError builds an Error; a zero status means 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    singleLine(code, 80),
		Message: singleLine(message, 512),
		Status:  status,
	}
}

func (e Error) Error() string {
	return e.Code + ": " + e.Message
}

// WriteError renders err with the request and trace ids found on ctx.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	if err.Status == 0 {
		err.Status = http.StatusInternalServerError
	}
	WriteJSON(w, err.Status, envelope{
		Error:     err.Code,
		Message:   err.Message,
		Status:    err.Status,
		RequestID: singleLine(middleware.GetReqID(ctx), 80),
		TraceID:   singleLine(requestctx.TraceID(ctx), 64),
	})
}

func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func singleLine(value string, limit int) string {
	value = strings.TrimSpace(strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, value))
	if runes := []rune(value); len(runes) > limit {
		value = string(runes[:limit])
	}
	return value
}
