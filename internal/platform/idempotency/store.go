package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Status is the stored state of a key: pending while the first request runs, completed once its
// response has been captured for replay.
type Status string

const (
	DefaultTTL = 24 * time.Hour

	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// ReservationOutcome tells the middleware what to do with a request after Reserve.
type ReservationOutcome int

const (
	// ReservationAcquired: run the handler and save its response.
	ReservationAcquired ReservationOutcome = iota
	// ReservationReplay: return the stored response without running the handler.
	ReservationReplay
	// ReservationInFlight: an identical request is still running; answer 409.
	ReservationInFlight
)

type Reservation struct {
	State  ReservationOutcome
	Record Record
}

// Record is one stored key. Keys are scoped by method, route and caller before they reach the store,
// so a vendor retrying a batch lock cannot collide with a customer checkout.
type Record struct {
	Key             string
	Fingerprint     string
	Status          Status
	ResponseStatus  int
	ResponseHeaders map[string][]string
	ResponseBody    []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       time.Time
}

func (r Record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Store persists idempotency reservations and responses.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error)
	SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key, fingerprint string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrFingerprintMismatch is returned when an idempotency key is reused with a different request fingerprint.
var ErrFingerprintMismatch = errors.New("idempotency: key reserved for different request fingerprint")

// decideReservation evaluates the stored record for key (nil when absent) against a new attempt.
// When the attempt wins the key, the returned pending record must be written by the caller.
func decideReservation(existing *Record, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, *Record, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if existing == nil || existing.expired(now) {
		pending := Record{
			Key:         key,
			Fingerprint: fingerprint,
			Status:      StatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
			ExpiresAt:   now.Add(ttl),
		}
		return Reservation{State: ReservationAcquired, Record: pending}, &pending, nil
	}
	if existing.Fingerprint != fingerprint {
		return Reservation{}, nil, ErrFingerprintMismatch
	}
	if existing.Status == StatusCompleted {
		return Reservation{State: ReservationReplay, Record: *existing}, nil, nil
	}
	return Reservation{State: ReservationInFlight, Record: *existing}, nil, nil
}

// completeRecord folds resp into the stored record for key.
func completeRecord(existing *Record, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) (Record, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	record := Record{Key: key, Fingerprint: fingerprint, CreatedAt: now}
	if existing != nil {
		if existing.Fingerprint != fingerprint {
			return Record{}, ErrFingerprintMismatch
		}
		record = *existing
		if record.CreatedAt.IsZero() {
			record.CreatedAt = now
		}
	}
	record.Status = StatusCompleted
	record.ResponseStatus = resp.Status
	record.ResponseHeaders = storableHeaders(resp.Headers)
	record.ResponseBody = nil
	if len(resp.Body) > 0 {
		record.ResponseBody = append([]byte(nil), resp.Body...)
	}
	record.UpdatedAt = now
	record.ExpiresAt = now.Add(ttl)
	return record, nil
}

// recordID hashes the scoped key so arbitrary client keys fit a fixed-width primary key.
func recordID(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// hopByHop headers describe the original connection and must not be replayed.
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Content-Length":      {},
	"Date":                {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func storableHeaders(header http.Header) map[string][]string {
	var out map[string][]string
	for name, values := range header {
		name = http.CanonicalHeaderKey(name)
		if _, skip := hopByHop[name]; skip {
			continue
		}
		if out == nil {
			out = make(map[string][]string, len(header))
		}
		out[name] = append([]string(nil), values...)
	}
	return out
}

func replayHeaders(values map[string][]string) http.Header {
	header := make(http.Header, len(values))
	for name, vals := range values {
		header[name] = append([]string(nil), vals...)
	}
	return header
}
