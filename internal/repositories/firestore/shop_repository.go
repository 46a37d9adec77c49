package firestore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/campusdash/api/internal/domain"
	pfirestore "github.com/campusdash/api/internal/platform/firestore"
	"github.com/campusdash/api/internal/repositories"
)

const shopsCollection = "shops"

// ShopRepository reads shops and their batch slot configuration.
type ShopRepository struct {
	provider *pfirestore.Provider
	shops    *pfirestore.Collection[shopDocument]
}

var _ repositories.ShopRepository = (*ShopRepository)(nil)

type shopDocument struct {
	OwnerID              string              `firestore:"ownerId"`
	Name                 string              `firestore:"name"`
	BatchSlots           []batchSlotDocument `firestore:"batchSlots"`
	BatchConfigUpdatedAt time.Time           `firestore:"batchConfigUpdatedAt"`
	CreatedAt            time.Time           `firestore:"createdAt"`
	UpdatedAt            time.Time           `firestore:"updatedAt"`
}

type batchSlotDocument struct {
	CutoffMinutes int    `firestore:"cutoffMinutes"`
	Label         string `firestore:"label"`
}

// NewShopRepository constructs a Firestore backed shop repository.
func NewShopRepository(provider *pfirestore.Provider) (*ShopRepository, error) {
	if provider == nil {
		return nil, errProviderRequired
	}
	return &ShopRepository{
		provider: provider,
		shops:    pfirestore.NewCollection[shopDocument](provider, shopsCollection),
	}, nil
}

func (r *ShopRepository) FindByID(ctx context.Context, shopID string) (domain.Shop, error) {
	ref, err := r.shops.Doc(ctx, strings.TrimSpace(shopID))
	if err != nil {
		return domain.Shop{}, err
	}
	snap, err := get(ctx, ref)
	if err != nil {
		return domain.Shop{}, pfirestore.WrapError("shops.get", err)
	}
	return decodeShop(snap)
}

func (r *ShopRepository) FindByOwner(ctx context.Context, ownerID string) (domain.Shop, error) {
	docs, err := r.shops.Find(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("ownerId", "==", strings.TrimSpace(ownerID)).Limit(1)
	})
	if err != nil {
		return domain.Shop{}, err
	}
	if len(docs) == 0 {
		return domain.Shop{}, pfirestore.WrapError("shops.byOwner", notFoundError(fmt.Sprintf("no shop owned by %s", ownerID)))
	}
	return shopFromDocument(docs[0].ID, docs[0].Data), nil
}

func (r *ShopRepository) UpdateBatchConfig(ctx context.Context, cfg domain.ShopBatchConfig) error {
	ref, err := r.shops.Doc(ctx, strings.TrimSpace(cfg.ShopID))
	if err != nil {
		return err
	}
	slots := make([]batchSlotDocument, len(cfg.Slots))
	for i, slot := range cfg.Slots {
		slots[i] = batchSlotDocument{CutoffMinutes: slot.CutoffMinutes, Label: slot.Label}
	}
	err = write(ctx, r.provider, func(ctx context.Context, tx *firestore.Transaction) error {
		return tx.Update(ref, []firestore.Update{
			{Path: "batchSlots", Value: slots},
			{Path: "batchConfigUpdatedAt", Value: cfg.UpdatedAt.UTC()},
			{Path: "updatedAt", Value: cfg.UpdatedAt.UTC()},
		})
	})
	return pfirestore.WrapError("shops.updateBatchConfig", err)
}

func decodeShop(snap *firestore.DocumentSnapshot) (domain.Shop, error) {
	var doc shopDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Shop{}, fmt.Errorf("decode shop %s: %w", snap.Ref.ID, err)
	}
	return shopFromDocument(snap.Ref.ID, doc), nil
}

func shopFromDocument(id string, doc shopDocument) domain.Shop {
	slots := make([]domain.BatchSlot, len(doc.BatchSlots))
	for i, slot := range doc.BatchSlots {
		slots[i] = domain.BatchSlot{CutoffMinutes: slot.CutoffMinutes, Label: slot.Label}
	}
	return domain.Shop{
		ID:      id,
		OwnerID: doc.OwnerID,
		Name:    doc.Name,
		BatchConfig: domain.ShopBatchConfig{
			ShopID:    id,
			Slots:     slots,
			UpdatedAt: doc.BatchConfigUpdatedAt.UTC(),
		},
		CreatedAt: doc.CreatedAt.UTC(),
		UpdatedAt: doc.UpdatedAt.UTC(),
	}
}
