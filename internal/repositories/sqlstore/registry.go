package sqlstore

import (
	"context"
	"errors"
	"time"

	"github.com/campusdash/api/internal/platform/database"
	"github.com/campusdash/api/internal/repositories"
)

var errDBRequired = errors.New("sql repository: database is required")

// Registry bundles the SQL repositories behind repositories.Registry.
type Registry struct {
	db *database.DB

	shops   *ShopRepository
	batches *BatchRepository
	orders  *OrderRepository
	stock   *StockRepository
	audit   *AuditLogRepository
}

var _ repositories.Registry = (*Registry)(nil)

// Option customises the registry.
type Option func(*registryOptions)

type registryOptions struct {
	clock func() time.Time
}

// WithClock overrides the clock used for storage-side timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *registryOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// NewRegistry builds every repository against db.
func NewRegistry(db *database.DB, opts ...Option) (*Registry, error) {
	if db == nil {
		return nil, errDBRequired
	}
	options := registryOptions{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return &Registry{
		db:      db,
		shops:   &ShopRepository{db: db},
		batches: &BatchRepository{db: db},
		orders:  &OrderRepository{db: db},
		stock:   &StockRepository{db: db, clock: options.clock},
		audit:   &AuditLogRepository{db: db},
	}, nil
}

func (r *Registry) Close(context.Context) error {
	return r.db.Close()
}

func (r *Registry) Shops() repositories.ShopRepository         { return r.shops }
func (r *Registry) Batches() repositories.BatchRepository      { return r.batches }
func (r *Registry) Orders() repositories.OrderRepository       { return r.orders }
func (r *Registry) Stock() repositories.ProductStockRepository { return r.stock }
func (r *Registry) AuditLogs() repositories.AuditLogRepository { return r.audit }

func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.db.RunInTx(ctx, fn)
}

// Ping verifies database connectivity for readiness probes.
func (r *Registry) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
