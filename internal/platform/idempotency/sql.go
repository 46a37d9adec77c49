package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/campusdash/api/internal/platform/database"
)

const defaultCleanupLimit = 100

// SQLStore keeps idempotency records in the idempotency_keys table of the MySQL or SQLite store.
type SQLStore struct {
	db *database.DB
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore binds a store to an open, migrated database.
func NewSQLStore(db *database.DB) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("idempotency: database is required")
	}
	return &SQLStore{db: db}, nil
}

type sqlRecord struct {
	ID              string    `db:"id"`
	Key             string    `db:"idem_key"`
	Fingerprint     string    `db:"fingerprint"`
	Status          string    `db:"status"`
	ResponseStatus  int       `db:"response_status"`
	ResponseHeaders *string   `db:"response_headers"`
	ResponseBody    []byte    `db:"response_body"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
	ExpiresAt       time.Time `db:"expires_at"`
}

func (r sqlRecord) toRecord() (Record, error) {
	record := Record{
		Key:            r.Key,
		Fingerprint:    r.Fingerprint,
		Status:         Status(r.Status),
		ResponseStatus: r.ResponseStatus,
		ResponseBody:   r.ResponseBody,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
		ExpiresAt:      r.ExpiresAt.UTC(),
	}
	if r.ResponseHeaders != nil && *r.ResponseHeaders != "" {
		if err := json.Unmarshal([]byte(*r.ResponseHeaders), &record.ResponseHeaders); err != nil {
			return Record{}, fmt.Errorf("idempotency: decode headers: %w", err)
		}
	}
	return record, nil
}

// Reserve claims key for fingerprint inside a transaction. Concurrent first claims collide on the
// primary key; the transaction retry then observes the winner's pending record.
func (s *SQLStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	var result Reservation
	err := s.db.RunInTx(ctx, func(ctx context.Context) error {
		existing, err := s.load(ctx, recordID(key))
		if err != nil {
			return err
		}
		reservation, pending, err := decideReservation(existing, key, fingerprint, now, ttl)
		if err != nil {
			return err
		}
		if pending != nil {
			if err := s.write(ctx, *pending, existing != nil); err != nil {
				return err
			}
		}
		result = reservation
		return nil
	})
	return result, err
}

// SaveResponse stores the completed response so retries replay it.
func (s *SQLStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	return s.db.RunInTx(ctx, func(ctx context.Context) error {
		existing, err := s.load(ctx, recordID(key))
		if err != nil {
			return err
		}
		record, err := completeRecord(existing, key, fingerprint, resp, now, ttl)
		if err != nil {
			return err
		}
		return s.write(ctx, record, existing != nil)
	})
}

// Release drops a pending reservation so the client may retry.
func (s *SQLStore) Release(ctx context.Context, key, fingerprint string) error {
	_, err := s.db.Queryer(ctx).ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE id = ? AND fingerprint = ?`, recordID(key), fingerprint)
	return database.WrapError("idempotency.release", err)
}

// CleanupExpired deletes up to limit records whose retention has lapsed.
func (s *SQLStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultCleanupLimit
	}
	var ids []string
	if err := s.db.Queryer(ctx).SelectContext(ctx, &ids,
		`SELECT id FROM idempotency_keys WHERE expires_at <= ? ORDER BY expires_at LIMIT ?`, now.UTC(), limit); err != nil {
		return 0, database.WrapError("idempotency.cleanup", err)
	}
	removed := 0
	for _, id := range ids {
		res, err := s.db.Queryer(ctx).ExecContext(ctx,
			`DELETE FROM idempotency_keys WHERE id = ? AND expires_at <= ?`, id, now.UTC())
		if err != nil {
			return removed, database.WrapError("idempotency.cleanup", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			removed += int(n)
		}
	}
	return removed, nil
}

func (s *SQLStore) load(ctx context.Context, id string) (*Record, error) {
	var row sqlRecord
	err := s.db.Queryer(ctx).GetContext(ctx, &row,
		`SELECT id, idem_key, fingerprint, status, response_status, response_headers, response_body, created_at, updated_at, expires_at
		 FROM idempotency_keys WHERE id = ?`+s.db.ForUpdate(ctx), id)
	if err != nil {
		wrapped := database.WrapError("idempotency.load", err)
		var dbErr *database.Error
		if errors.As(wrapped, &dbErr) && dbErr.IsNotFound() {
			return nil, nil
		}
		return nil, wrapped
	}
	record, err := row.toRecord()
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *SQLStore) write(ctx context.Context, record Record, exists bool) error {
	var headers *string
	if len(record.ResponseHeaders) > 0 {
		raw, err := json.Marshal(record.ResponseHeaders)
		if err != nil {
			return fmt.Errorf("idempotency: encode headers: %w", err)
		}
		encoded := string(raw)
		headers = &encoded
	}
	q := s.db.Queryer(ctx)
	id := recordID(record.Key)
	if exists {
		_, err := q.ExecContext(ctx,
			`UPDATE idempotency_keys SET idem_key = ?, fingerprint = ?, status = ?, response_status = ?, response_headers = ?, response_body = ?, created_at = ?, updated_at = ?, expires_at = ? WHERE id = ?`,
			record.Key, record.Fingerprint, string(record.Status), record.ResponseStatus, headers, record.ResponseBody,
			record.CreatedAt.UTC(), record.UpdatedAt.UTC(), record.ExpiresAt.UTC(), id)
		return database.WrapError("idempotency.update", err)
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO idempotency_keys (id, idem_key, fingerprint, status, response_status, response_headers, response_body, created_at, updated_at, expires_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, record.Key, record.Fingerprint, string(record.Status), record.ResponseStatus, headers, record.ResponseBody,
		record.CreatedAt.UTC(), record.UpdatedAt.UTC(), record.ExpiresAt.UTC())
	return database.WrapError("idempotency.insert", err)
}
