package repositories

import (
	"context"
	"time"

	domain "github.com/campusdash/api/internal/domain"
)

// Registry is one storage backend (Firestore, MySQL or SQLite) seen through its repositories.
type Registry interface {
	Close(ctx context.Context) error

	Shops() ShopRepository
	Batches() BatchRepository
	Orders() OrderRepository
	Stock() ProductStockRepository
	AuditLogs() AuditLogRepository
	UnitOfWork
}

// RepositoryError classifies a storage failure so services can map it to their own sentinels
// without importing a driver.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork groups repository operations in a transactional boundary. Repositories invoked with the
// context handed to fn participate in the same transaction. Implementations retry conflicting
// transactions a bounded number of times before returning the last error.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ShopRepository reads shop ownership and the owner-managed batch configuration.
type ShopRepository interface {
	FindByID(ctx context.Context, shopID string) (domain.Shop, error)
	FindByOwner(ctx context.Context, ownerID string) (domain.Shop, error)
	UpdateBatchConfig(ctx context.Context, cfg domain.ShopBatchConfig) error
}

// BatchRepository persists delivery batches.
//
// Reads performed inside a transaction lock the returned rows until commit. Insert fails with a
// conflict when an OPEN batch already exists for the same shop and cutoff.
type BatchRepository interface {
	Insert(ctx context.Context, batch domain.Batch) error
	Update(ctx context.Context, batch domain.Batch) error
	FindByID(ctx context.Context, batchID string) (domain.Batch, error)
	FindLatestForCutoff(ctx context.Context, shopID string, cutoff time.Time) (domain.Batch, error)
	List(ctx context.Context, filter BatchListFilter) (domain.CursorPage[domain.Batch], error)
}

// OrderRepository persists orders together with their immutable items.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	ListByBatch(ctx context.Context, batchID string) ([]domain.Order, error)
}

// ProductStockRepository mutates product stock counters atomically at the storage layer.
type ProductStockRepository interface {
	Increment(ctx context.Context, productID string, delta int) error
	Quantity(ctx context.Context, productID string) (int, error)
}

// AuditLogRepository appends entries; entries are never updated or deleted.
type AuditLogRepository interface {
	Append(ctx context.Context, entry domain.AuditLogEntry) error
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error)
}

// HealthRepository probes the dependencies behind /readyz.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// BatchListFilter selects a shop's batches, newest cutoff first. Empty Statuses means all.
type BatchListFilter struct {
	ShopID     string
	Statuses   []domain.BatchStatus
	Pagination domain.Pagination
}

// AuditLogFilter selects entries for one target such as "batches/bat_1", newest first.
type AuditLogFilter struct {
	TargetRef  string
	Pagination domain.Pagination
}
