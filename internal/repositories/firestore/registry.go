package firestore

import (
	"context"

	pfirestore "github.com/campusdash/api/internal/platform/firestore"
	"github.com/campusdash/api/internal/repositories"
)

// Registry bundles the Firestore repositories behind repositories.Registry.
type Registry struct {
	provider *pfirestore.Provider
	unit     *pfirestore.UnitOfWork

	shops   *ShopRepository
	batches *BatchRepository
	orders  *OrderRepository
	stock   *StockRepository
	audit   *AuditLogRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds every repository against provider. Transactions use txOpts.
func NewRegistry(provider *pfirestore.Provider, txOpts ...pfirestore.TxOption) (*Registry, error) {
	shops, err := NewShopRepository(provider)
	if err != nil {
		return nil, err
	}
	batches, err := NewBatchRepository(provider)
	if err != nil {
		return nil, err
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	stock, err := NewStockRepository(provider)
	if err != nil {
		return nil, err
	}
	audit, err := NewAuditLogRepository(provider)
	if err != nil {
		return nil, err
	}
	return &Registry{
		provider: provider,
		unit:     pfirestore.NewUnitOfWork(provider, txOpts...),
		shops:    shops,
		batches:  batches,
		orders:   orders,
		stock:    stock,
		audit:    audit,
	}, nil
}

func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}

func (r *Registry) Shops() repositories.ShopRepository         { return r.shops }
func (r *Registry) Batches() repositories.BatchRepository      { return r.batches }
func (r *Registry) Orders() repositories.OrderRepository       { return r.orders }
func (r *Registry) Stock() repositories.ProductStockRepository { return r.stock }
func (r *Registry) AuditLogs() repositories.AuditLogRepository { return r.audit }

func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.unit.RunInTx(ctx, fn)
}

// Ping verifies Firestore connectivity for readiness probes.
func (r *Registry) Ping(ctx context.Context) error {
	return r.provider.Ping(ctx, shopsCollection)
}
