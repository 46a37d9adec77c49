package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/campusdash/api/internal/domain"
	pfirestore "github.com/campusdash/api/internal/platform/firestore"
	"github.com/campusdash/api/internal/platform/pagination"
	"github.com/campusdash/api/internal/repositories"
)

const (
	batchesCollection    = "batches"
	openBatchCollection  = "openBatchClaims"
	defaultBatchPageSize = 50
)

// BatchRepository stores batches in Firestore. An OPEN batch owns a claim document keyed by shop and
// cutoff; creating the claim fails with AlreadyExists when another OPEN batch holds the pairing.
type BatchRepository struct {
	provider *pfirestore.Provider
	batches  *pfirestore.Collection[batchDocument]
}

var _ repositories.BatchRepository = (*BatchRepository)(nil)

type batchDocument struct {
	ShopID            string     `firestore:"shopId"`
	CutoffTime        time.Time  `firestore:"cutoffTime"`
	Label             string     `firestore:"label,omitempty"`
	Status            string     `firestore:"status"`
	CancelReason      string     `firestore:"cancelReason,omitempty"`
	CreatedAt         time.Time  `firestore:"createdAt"`
	UpdatedAt         time.Time  `firestore:"updatedAt"`
	LockedAt          *time.Time `firestore:"lockedAt,omitempty"`
	DeliveryStartedAt *time.Time `firestore:"deliveryStartedAt,omitempty"`
	CompletedAt       *time.Time `firestore:"completedAt,omitempty"`
	CancelledAt       *time.Time `firestore:"cancelledAt,omitempty"`
}

type openBatchClaim struct {
	BatchID    string    `firestore:"batchId"`
	ShopID     string    `firestore:"shopId"`
	CutoffTime time.Time `firestore:"cutoffTime"`
	CreatedAt  time.Time `firestore:"createdAt"`
}

// NewBatchRepository constructs a Firestore backed batch repository.
func NewBatchRepository(provider *pfirestore.Provider) (*BatchRepository, error) {
	if provider == nil {
		return nil, errProviderRequired
	}
	return &BatchRepository{
		provider: provider,
		batches:  pfirestore.NewCollection[batchDocument](provider, batchesCollection),
	}, nil
}

func (r *BatchRepository) Insert(ctx context.Context, batch domain.Batch) error {
	if strings.TrimSpace(batch.ID) == "" {
		return errors.New("batches.insert: batch id is required")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}
	err = write(ctx, r.provider, func(ctx context.Context, tx *firestore.Transaction) error {
		if batch.Status == domain.BatchStatusOpen {
			claim := openBatchClaim{
				BatchID:    batch.ID,
				ShopID:     batch.ShopID,
				CutoffTime: batch.CutoffTime.UTC(),
				CreatedAt:  batch.CreatedAt.UTC(),
			}
			if err := tx.Create(client.Collection(openBatchCollection).Doc(claimID(batch.ShopID, batch.CutoffTime)), claim); err != nil {
				return err
			}
		}
		return tx.Create(client.Collection(batchesCollection).Doc(batch.ID), newBatchDocument(batch))
	})
	return pfirestore.WrapError("batches.insert", err)
}

func (r *BatchRepository) Update(ctx context.Context, batch domain.Batch) error {
	if strings.TrimSpace(batch.ID) == "" {
		return errors.New("batches.update: batch id is required")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}
	err = write(ctx, r.provider, func(ctx context.Context, tx *firestore.Transaction) error {
		if batch.Status != domain.BatchStatusOpen {
			if err := tx.Delete(client.Collection(openBatchCollection).Doc(claimID(batch.ShopID, batch.CutoffTime))); err != nil {
				return err
			}
		}
		return tx.Set(client.Collection(batchesCollection).Doc(batch.ID), newBatchDocument(batch))
	})
	return pfirestore.WrapError("batches.update", err)
}

func (r *BatchRepository) FindByID(ctx context.Context, batchID string) (domain.Batch, error) {
	ref, err := r.batches.Doc(ctx, strings.TrimSpace(batchID))
	if err != nil {
		return domain.Batch{}, err
	}
	snap, err := get(ctx, ref)
	if err != nil {
		return domain.Batch{}, pfirestore.WrapError("batches.get", err)
	}
	return decodeBatch(snap)
}

func (r *BatchRepository) FindLatestForCutoff(ctx context.Context, shopID string, cutoff time.Time) (domain.Batch, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Batch{}, err
	}
	query := client.Collection(batchesCollection).
		Where("shopId", "==", shopID).
		Where("cutoffTime", "==", cutoff.UTC()).
		OrderBy("createdAt", firestore.Desc).
		Limit(1)

	iter := documents(ctx, query)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return domain.Batch{}, pfirestore.WrapError("batches.latest", notFoundError(fmt.Sprintf("no batch for shop %s at %s", shopID, cutoff.UTC().Format(time.RFC3339))))
	}
	if err != nil {
		return domain.Batch{}, pfirestore.WrapError("batches.latest", err)
	}
	return decodeBatch(snap)
}

func (r *BatchRepository) List(ctx context.Context, filter repositories.BatchListFilter) (domain.CursorPage[domain.Batch], error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Batch]{}, err
	}

	limit := filter.Pagination.PageSize
	if limit <= 0 {
		limit = defaultBatchPageSize
	}

	query := client.Collection(batchesCollection).Where("shopId", "==", filter.ShopID)
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, s := range filter.Statuses {
			statuses = append(statuses, string(s))
		}
		query = query.Where("status", "in", statuses)
	}
	query = query.OrderBy("cutoffTime", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc).Limit(limit + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		cutoff, id, err := pagination.DecodeKeyset(token)
		if err != nil {
			return domain.CursorPage[domain.Batch]{}, fmt.Errorf("batches.list: %w", err)
		}
		query = query.StartAfter(cutoff, id)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var items []domain.Batch
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Batch]{}, pfirestore.WrapError("batches.list", err)
		}
		batch, err := decodeBatch(snap)
		if err != nil {
			return domain.CursorPage[domain.Batch]{}, err
		}
		items = append(items, batch)
	}

	var next string
	if len(items) > limit {
		items = items[:limit]
		last := items[len(items)-1]
		next, err = pagination.EncodeKeyset(last.CutoffTime, last.ID)
		if err != nil {
			return domain.CursorPage[domain.Batch]{}, err
		}
	}

	return domain.CursorPage[domain.Batch]{Items: items, NextPageToken: next}, nil
}

func claimID(shopID string, cutoff time.Time) string {
	return fmt.Sprintf("%s_%d", shopID, cutoff.UTC().Unix())
}

func newBatchDocument(batch domain.Batch) batchDocument {
	return batchDocument{
		ShopID:            batch.ShopID,
		CutoffTime:        batch.CutoffTime.UTC(),
		Label:             batch.Label,
		Status:            string(batch.Status),
		CancelReason:      batch.CancelReason,
		CreatedAt:         batch.CreatedAt.UTC(),
		UpdatedAt:         batch.UpdatedAt.UTC(),
		LockedAt:          batch.LockedAt,
		DeliveryStartedAt: batch.DeliveryStartedAt,
		CompletedAt:       batch.CompletedAt,
		CancelledAt:       batch.CancelledAt,
	}
}

func decodeBatch(snap *firestore.DocumentSnapshot) (domain.Batch, error) {
	var doc batchDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Batch{}, fmt.Errorf("decode batch %s: %w", snap.Ref.ID, err)
	}
	return domain.Batch{
		ID:                snap.Ref.ID,
		ShopID:            doc.ShopID,
		CutoffTime:        doc.CutoffTime.UTC(),
		Label:             doc.Label,
		Status:            domain.BatchStatus(doc.Status),
		CancelReason:      doc.CancelReason,
		CreatedAt:         doc.CreatedAt.UTC(),
		UpdatedAt:         doc.UpdatedAt.UTC(),
		LockedAt:          utcPtr(doc.LockedAt),
		DeliveryStartedAt: utcPtr(doc.DeliveryStartedAt),
		CompletedAt:       utcPtr(doc.CompletedAt),
		CancelledAt:       utcPtr(doc.CancelledAt),
	}, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
