package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/campusdash/api/internal/platform/database"
	"github.com/campusdash/api/internal/repositories"
)

// StockRepository adjusts product stock with relative updates so concurrent writers never overwrite
// each other.
type StockRepository struct {
	db    *database.DB
	clock func() time.Time
}

var _ repositories.ProductStockRepository = (*StockRepository)(nil)

func (r *StockRepository) Increment(ctx context.Context, productID string, delta int) error {
	productID = strings.TrimSpace(productID)
	if productID == "" || delta == 0 {
		return repositories.NewStockError("stock.increment", repositories.StockErrorInvalidQuantity, fmt.Sprintf("invalid stock delta %d for %q", delta, productID), nil)
	}
	res, err := r.db.Queryer(ctx).ExecContext(ctx,
		`UPDATE products SET stock_quantity = stock_quantity + ?, updated_at = ? WHERE id = ?`,
		delta, r.clock().UTC(), productID,
	)
	if err != nil {
		return wrapStockError("stock.increment", productID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapStockError("stock.increment", productID, err)
	}
	if n == 0 {
		return repositories.NewStockError("stock.increment", repositories.StockErrorProductNotFound, fmt.Sprintf("product %s not found", productID), nil)
	}
	return nil
}

func (r *StockRepository) Quantity(ctx context.Context, productID string) (int, error) {
	var qty int
	if err := r.db.Queryer(ctx).GetContext(ctx, &qty, `SELECT stock_quantity FROM products WHERE id = ?`, strings.TrimSpace(productID)); err != nil {
		return 0, wrapStockError("stock.quantity", productID, err)
	}
	return qty, nil
}

func wrapStockError(op, productID string, err error) error {
	wrapped := database.WrapError(op, err)
	dbErr, ok := wrapped.(*database.Error)
	if !ok {
		return wrapped
	}
	switch {
	case dbErr.IsNotFound():
		return repositories.NewStockError(op, repositories.StockErrorProductNotFound, fmt.Sprintf("product %s not found", productID), err)
	case dbErr.IsUnavailable():
		return repositories.NewStockError(op, repositories.StockErrorUnavailable, "stock store unavailable", err)
	}
	return wrapped
}
