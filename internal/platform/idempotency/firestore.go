package idempotency

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/campusdash/api/internal/platform/firestore"
)

// FirestoreStore keeps one document per scoped key in the idempotencyKeys collection, with the
// document ID set to the key's hash. A Firestore TTL policy on expiresAt may also be enabled; the
// sweeper does not depend on it.
type FirestoreStore struct {
	provider   *pfirestore.Provider
	collection string
	txOpts     []pfirestore.TxOption
}

var _ Store = (*FirestoreStore)(nil)

type FirestoreOption func(*FirestoreStore)

func WithCollection(name string) FirestoreOption {
	return func(s *FirestoreStore) {
		if name != "" {
			s.collection = name
		}
	}
}

// WithTxOptions applies transaction bounds to Reserve and SaveResponse.
func WithTxOptions(opts ...pfirestore.TxOption) FirestoreOption {
	return func(s *FirestoreStore) { s.txOpts = append(s.txOpts, opts...) }
}

func NewFirestoreStore(provider *pfirestore.Provider, opts ...FirestoreOption) (*FirestoreStore, error) {
	if provider == nil {
		return nil, errors.New("idempotency: firestore provider is required")
	}
	s := &FirestoreStore{provider: provider, collection: "idempotencyKeys"}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *FirestoreStore) doc(ctx context.Context, key string) (*firestore.DocumentRef, error) {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(s.collection).Doc(recordID(key)), nil
}

// update reads the key's record inside a transaction and writes whatever next returns; a nil
// record leaves the document untouched.
func (s *FirestoreStore) update(ctx context.Context, key string, next func(current *Record) (*Record, error)) error {
	ref, err := s.doc(ctx, key)
	if err != nil {
		return err
	}
	return s.provider.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		current, err := readKeyDoc(tx, ref)
		if err != nil {
			return err
		}
		record, err := next(current)
		if err != nil || record == nil {
			return err
		}
		return tx.Set(ref, toKeyDoc(*record))
	}, s.txOpts...)
}

func (s *FirestoreStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	var out Reservation
	err := s.update(ctx, key, func(current *Record) (*Record, error) {
		reservation, pending, err := decideReservation(current, key, fingerprint, now.UTC(), ttl)
		out = reservation
		return pending, err
	})
	if err != nil {
		return Reservation{}, err
	}
	return out, nil
}

func (s *FirestoreStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	return s.update(ctx, key, func(current *Record) (*Record, error) {
		record, err := completeRecord(current, key, fingerprint, resp, now.UTC(), ttl)
		if err != nil {
			return nil, err
		}
		return &record, nil
	})
}

// Release deletes the key so the client may retry after a failed first attempt.
func (s *FirestoreStore) Release(ctx context.Context, key, _ string) error {
	ref, err := s.doc(ctx, key)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return pfirestore.WrapError("idempotencyKeys.release", err)
	}
	return nil
}

// CleanupExpired deletes up to limit expired keys in one batched write.
func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultCleanupLimit
	}
	client, err := s.provider.Client(ctx)
	if err != nil {
		return 0, err
	}
	expired, err := client.Collection(s.collection).
		Where("expiresAt", "<=", now.UTC()).
		Limit(limit).
		Documents(ctx).
		GetAll()
	if err != nil {
		return 0, pfirestore.WrapError("idempotencyKeys.cleanup", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	wb := client.Batch()
	for _, snap := range expired {
		wb.Delete(snap.Ref)
	}
	if _, err := wb.Commit(ctx); err != nil {
		return 0, pfirestore.WrapError("idempotencyKeys.cleanup", err)
	}
	return len(expired), nil
}

// keyDoc is the stored document layout.
type keyDoc struct {
	Key         string              `firestore:"key"`
	Fingerprint string              `firestore:"fingerprint"`
	Status      string              `firestore:"status"`
	Code        int                 `firestore:"responseStatus"`
	Headers     map[string][]string `firestore:"responseHeaders,omitempty"`
	Body        []byte              `firestore:"responseBody,omitempty"`
	CreatedAt   time.Time           `firestore:"createdAt"`
	UpdatedAt   time.Time           `firestore:"updatedAt"`
	ExpiresAt   time.Time           `firestore:"expiresAt"`
}

func readKeyDoc(tx *firestore.Transaction, ref *firestore.DocumentRef) (*Record, error) {
	snap, err := tx.Get(ref)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var d keyDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, err
	}
	return &Record{
		Key:             d.Key,
		Fingerprint:     d.Fingerprint,
		Status:          Status(d.Status),
		ResponseStatus:  d.Code,
		ResponseHeaders: d.Headers,
		ResponseBody:    d.Body,
		CreatedAt:       d.CreatedAt.UTC(),
		UpdatedAt:       d.UpdatedAt.UTC(),
		ExpiresAt:       d.ExpiresAt.UTC(),
	}, nil
}

func toKeyDoc(r Record) keyDoc {
	return keyDoc{
		Key:         r.Key,
		Fingerprint: r.Fingerprint,
		Status:      string(r.Status),
		Code:        r.ResponseStatus,
		Headers:     r.ResponseHeaders,
		Body:        r.ResponseBody,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		ExpiresAt:   r.ExpiresAt,
	}
}
