package sqlstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/campusdash/api/internal/domain"
	"github.com/campusdash/api/internal/platform/database"
	"github.com/campusdash/api/internal/repositories"
)

var testNow = time.Date(2025, 5, 1, 11, 0, 0, 0, time.UTC)

func newTestRegistry(t *testing.T) (*Registry, *database.DB) {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{Dialect: database.DialectSQLite, DSN: ":memory:", TxAttempts: 3, TxTimeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.Migrate(db))

	registry, err := NewRegistry(db, WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	return registry, db
}

func seedShop(t *testing.T, db *database.DB, id, owner string) {
	t.Helper()
	_, err := db.Handle().Exec(`INSERT INTO shops (id, owner_id, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`, id, owner, "Campus Cafe", testNow, testNow)
	require.NoError(t, err)
}

func seedProduct(t *testing.T, db *database.DB, id string, qty int) {
	t.Helper()
	_, err := db.Handle().Exec(`INSERT INTO products (id, stock_quantity, updated_at) VALUES (?, ?, ?)`, id, qty, testNow)
	require.NoError(t, err)
}

func isConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func TestShopRepositoryBatchConfig(t *testing.T) {
	registry, db := newTestRegistry(t)
	ctx := context.Background()
	seedShop(t, db, "shop_1", "owner_1")

	shop, err := registry.Shops().FindByOwner(ctx, "owner_1")
	require.NoError(t, err)
	assert.Equal(t, "shop_1", shop.ID)
	assert.False(t, shop.BatchConfig.Enabled())

	cfg := domain.ShopBatchConfig{
		ShopID:    "shop_1",
		Slots:     []domain.BatchSlot{{CutoffMinutes: 750, Label: "Lunch"}, {CutoffMinutes: 1080, Label: "Dinner"}},
		UpdatedAt: testNow,
	}
	require.NoError(t, registry.Shops().UpdateBatchConfig(ctx, cfg))

	shop, err = registry.Shops().FindByID(ctx, "shop_1")
	require.NoError(t, err)
	assert.Equal(t, cfg.Slots, shop.BatchConfig.Slots)
	assert.True(t, shop.BatchConfig.UpdatedAt.Equal(testNow))

	cfg.Slots = []domain.BatchSlot{{CutoffMinutes: 600}}
	require.NoError(t, registry.Shops().UpdateBatchConfig(ctx, cfg))
	shop, err = registry.Shops().FindByID(ctx, "shop_1")
	require.NoError(t, err)
	assert.Equal(t, []domain.BatchSlot{{CutoffMinutes: 600}}, shop.BatchConfig.Slots)

	err = registry.Shops().UpdateBatchConfig(ctx, domain.ShopBatchConfig{ShopID: "shop_missing", UpdatedAt: testNow})
	assert.True(t, isNotFound(err), "expected not found, got %v", err)

	_, err = registry.Shops().FindByOwner(ctx, "nobody")
	assert.True(t, isNotFound(err), "expected not found, got %v", err)
}

func TestBatchRepositoryOpenPairingIsUnique(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()
	cutoff := time.Date(2025, 5, 1, 12, 30, 0, 0, time.UTC)

	first := domain.Batch{ID: "bat_1", ShopID: "shop_1", CutoffTime: cutoff, Label: "Lunch", Status: domain.BatchStatusOpen, CreatedAt: testNow, UpdatedAt: testNow}
	require.NoError(t, registry.Batches().Insert(ctx, first))

	second := first
	second.ID = "bat_2"
	err := registry.Batches().Insert(ctx, second)
	assert.True(t, isConflict(err), "expected conflict, got %v", err)

	latest, err := registry.Batches().FindLatestForCutoff(ctx, "shop_1", cutoff)
	require.NoError(t, err)
	assert.Equal(t, "bat_1", latest.ID)
	assert.Equal(t, "Lunch", latest.Label)
	assert.True(t, latest.CutoffTime.Equal(cutoff))

	locked := latest
	lockedAt := testNow.Add(90 * time.Minute)
	locked.Status = domain.BatchStatusLocked
	locked.LockedAt = &lockedAt
	locked.UpdatedAt = lockedAt
	require.NoError(t, registry.Batches().Update(ctx, locked))

	third := first
	third.ID = "bat_3"
	third.CreatedAt = testNow.Add(2 * time.Hour)
	require.NoError(t, registry.Batches().Insert(ctx, third))

	latest, err = registry.Batches().FindLatestForCutoff(ctx, "shop_1", cutoff)
	require.NoError(t, err)
	assert.Equal(t, "bat_3", latest.ID)

	got, err := registry.Batches().FindByID(ctx, "bat_1")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusLocked, got.Status)
	require.NotNil(t, got.LockedAt)
	assert.True(t, got.LockedAt.Equal(lockedAt))

	_, err = registry.Batches().FindLatestForCutoff(ctx, "shop_1", cutoff.Add(time.Hour))
	assert.True(t, isNotFound(err), "expected not found, got %v", err)

	err = registry.Batches().Update(ctx, domain.Batch{ID: "bat_missing", Status: domain.BatchStatusCancelled})
	assert.True(t, isNotFound(err), "expected not found, got %v", err)
}

func TestBatchRepositoryListPaginates(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()

	statuses := []domain.BatchStatus{domain.BatchStatusCompleted, domain.BatchStatusCancelled, domain.BatchStatusLocked, domain.BatchStatusOpen}
	for i, status := range statuses {
		cutoff := time.Date(2025, 5, 1, 9+i, 0, 0, 0, time.UTC)
		batch := domain.Batch{ID: "bat_" + string(rune('a'+i)), ShopID: "shop_1", CutoffTime: cutoff, Status: status, CreatedAt: testNow, UpdatedAt: testNow}
		require.NoError(t, registry.Batches().Insert(ctx, batch))
	}
	require.NoError(t, registry.Batches().Insert(ctx, domain.Batch{ID: "bat_other", ShopID: "shop_2", CutoffTime: testNow, Status: domain.BatchStatusOpen, CreatedAt: testNow, UpdatedAt: testNow}))

	page, err := registry.Batches().List(ctx, repositories.BatchListFilter{ShopID: "shop_1", Pagination: domain.Pagination{PageSize: 3}})
	require.NoError(t, err)
	require.Len(t, page.Items, 3)
	assert.Equal(t, []string{"bat_d", "bat_c", "bat_b"}, batchIDs(page.Items))
	require.NotEmpty(t, page.NextPageToken)

	page, err = registry.Batches().List(ctx, repositories.BatchListFilter{ShopID: "shop_1", Pagination: domain.Pagination{PageSize: 3, PageToken: page.NextPageToken}})
	require.NoError(t, err)
	assert.Equal(t, []string{"bat_a"}, batchIDs(page.Items))
	assert.Empty(t, page.NextPageToken)

	page, err = registry.Batches().List(ctx, repositories.BatchListFilter{
		ShopID:   "shop_1",
		Statuses: []domain.BatchStatus{domain.BatchStatusOpen, domain.BatchStatusLocked},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"bat_d", "bat_c"}, batchIDs(page.Items))

	_, err = registry.Batches().List(ctx, repositories.BatchListFilter{ShopID: "shop_1", Pagination: domain.Pagination{PageToken: "%%%"}})
	assert.Error(t, err)
}

func batchIDs(batches []domain.Batch) []string {
	ids := make([]string, len(batches))
	for i, b := range batches {
		ids[i] = b.ID
	}
	return ids
}

func TestOrderRepositoryRoundTrip(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()
	batchID := "bat_1"
	otp := "0427"

	order := domain.Order{
		ID:            "ord_1",
		ShopID:        "shop_1",
		BatchID:       &batchID,
		Status:        domain.OrderStatusBatched,
		PaymentStatus: domain.PaymentStatusCaptured,
		Items: []domain.OrderItem{
			{ProductID: "prod_1", Quantity: 2, PriceAtOrderTime: 450},
			{ProductID: "prod_2", Quantity: 1, PriceAtOrderTime: 300},
		},
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}
	require.NoError(t, registry.Orders().Insert(ctx, order))
	require.NoError(t, registry.Orders().Insert(ctx, domain.Order{ID: "ord_2", ShopID: "shop_1", BatchID: &batchID, Status: domain.OrderStatusNew, PaymentStatus: domain.PaymentStatusPending, CreatedAt: testNow.Add(time.Minute), UpdatedAt: testNow}))
	require.NoError(t, registry.Orders().Insert(ctx, domain.Order{ID: "ord_3", ShopID: "shop_1", Status: domain.OrderStatusNew, PaymentStatus: domain.PaymentStatusPending, CreatedAt: testNow, UpdatedAt: testNow}))

	order.Status = domain.OrderStatusOutForDelivery
	order.DeliveryOTP = &otp
	order.OutForDeliveryAt = &testNow
	require.NoError(t, registry.Orders().Update(ctx, order))

	got, err := registry.Orders().FindByID(ctx, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusOutForDelivery, got.Status)
	require.NotNil(t, got.DeliveryOTP)
	assert.Equal(t, "0427", *got.DeliveryOTP)
	require.Len(t, got.Items, 2)
	assert.Equal(t, "prod_2", got.Items[1].ProductID)
	assert.Equal(t, int64(450), got.Items[0].PriceAtOrderTime)

	orders, err := registry.Orders().ListByBatch(ctx, batchID)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "ord_1", orders[0].ID)
	assert.Equal(t, "ord_2", orders[1].ID)
	assert.Empty(t, orders[1].Items)

	_, err = registry.Orders().FindByID(ctx, "ord_missing")
	assert.True(t, isNotFound(err), "expected not found, got %v", err)
}

func TestStockRepositoryIncrementsInsideTransactions(t *testing.T) {
	registry, db := newTestRegistry(t)
	ctx := context.Background()
	seedProduct(t, db, "prod_1", 5)

	require.NoError(t, registry.RunInTx(ctx, func(ctx context.Context) error {
		if err := registry.Stock().Increment(ctx, "prod_1", 2); err != nil {
			return err
		}
		return registry.Stock().Increment(ctx, "prod_1", 1)
	}))
	qty, err := registry.Stock().Quantity(ctx, "prod_1")
	require.NoError(t, err)
	assert.Equal(t, 8, qty)

	err = registry.RunInTx(ctx, func(ctx context.Context) error {
		if err := registry.Stock().Increment(ctx, "prod_1", 3); err != nil {
			return err
		}
		return registry.Stock().Increment(ctx, "prod_missing", 1)
	})
	var stockErr *repositories.StockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, repositories.StockErrorProductNotFound, stockErr.Code)

	qty, err = registry.Stock().Quantity(ctx, "prod_1")
	require.NoError(t, err)
	assert.Equal(t, 8, qty, "failed transaction must not leave partial restock")

	err = registry.Stock().Increment(ctx, "prod_1", 0)
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, repositories.StockErrorInvalidQuantity, stockErr.Code)
}

func TestAuditLogRepositoryAppendAndList(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, registry.AuditLogs().Append(ctx, domain.AuditLogEntry{
			ID:        "aud_" + string(rune('a'+i)),
			Actor:     "owner_1",
			ActorType: "vendor",
			Action:    "batch.lock",
			TargetRef: "batches/bat_1",
			Metadata:  map[string]any{"orders": float64(i)},
			CreatedAt: testNow.Add(time.Duration(i) * time.Minute),
		}))
	}

	page, err := registry.AuditLogs().List(ctx, repositories.AuditLogFilter{TargetRef: "batches/bat_1", Pagination: domain.Pagination{PageSize: 2}})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "aud_c", page.Items[0].ID)
	assert.Equal(t, float64(2), page.Items[0].Metadata["orders"])
	require.NotEmpty(t, page.NextPageToken)

	page, err = registry.AuditLogs().List(ctx, repositories.AuditLogFilter{TargetRef: "batches/bat_1", Pagination: domain.Pagination{PageSize: 2, PageToken: page.NextPageToken}})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "aud_a", page.Items[0].ID)
}
