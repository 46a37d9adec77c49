package firestore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/campusdash/api/internal/platform/firestore"
	"github.com/campusdash/api/internal/repositories"
)

const productsCollection = "products"

// StockRepository mutates product stock with server-side increments so concurrent checkouts and
// cancellations never overwrite each other.
type StockRepository struct {
	provider *pfirestore.Provider
	products *pfirestore.Collection[productStockDocument]
}

var _ repositories.ProductStockRepository = (*StockRepository)(nil)

type productStockDocument struct {
	StockQuantity int       `firestore:"stockQuantity"`
	UpdatedAt     time.Time `firestore:"updatedAt"`
}

// NewStockRepository constructs a Firestore backed stock repository.
func NewStockRepository(provider *pfirestore.Provider) (*StockRepository, error) {
	if provider == nil {
		return nil, errProviderRequired
	}
	return &StockRepository{
		provider: provider,
		products: pfirestore.NewCollection[productStockDocument](provider, productsCollection),
	}, nil
}

func (r *StockRepository) Increment(ctx context.Context, productID string, delta int) error {
	productID = strings.TrimSpace(productID)
	if productID == "" || delta == 0 {
		return repositories.NewStockError("stock.increment", repositories.StockErrorInvalidQuantity, fmt.Sprintf("invalid stock delta %d for %q", delta, productID), nil)
	}
	ref, err := r.products.Doc(ctx, productID)
	if err != nil {
		return err
	}
	updates := []firestore.Update{
		{Path: "stockQuantity", Value: firestore.Increment(delta)},
		{Path: "updatedAt", Value: firestore.ServerTimestamp},
	}
	err = write(ctx, r.provider, func(ctx context.Context, tx *firestore.Transaction) error {
		return tx.Update(ref, updates)
	})
	return wrapStockError("stock.increment", productID, err)
}

func (r *StockRepository) Quantity(ctx context.Context, productID string) (int, error) {
	ref, err := r.products.Doc(ctx, strings.TrimSpace(productID))
	if err != nil {
		return 0, err
	}
	snap, err := get(ctx, ref)
	if err != nil {
		return 0, wrapStockError("stock.quantity", productID, err)
	}
	var doc productStockDocument
	if err := snap.DataTo(&doc); err != nil {
		return 0, fmt.Errorf("decode product stock %s: %w", productID, err)
	}
	return doc.StockQuantity, nil
}

func wrapStockError(op, productID string, err error) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return repositories.NewStockError(op, repositories.StockErrorProductNotFound, fmt.Sprintf("product %s not found", productID), err)
	}
	wrapped := pfirestore.WrapError(op, err)
	if pfirestore.IsUnavailable(wrapped) {
		return repositories.NewStockError(op, repositories.StockErrorUnavailable, "stock store unavailable", err)
	}
	return wrapped
}
