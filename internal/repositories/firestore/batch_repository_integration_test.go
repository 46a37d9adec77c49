//go:build integration

package firestore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domain "github.com/campusdash/api/internal/domain"
	"github.com/campusdash/api/internal/repositories"
)

func TestRegistryIntegration(t *testing.T) {
	provider := newEmulatorProvider(t, "batch-test")

	registry, err := NewRegistry(provider)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	client, err := provider.Client(ctx)
	if err != nil {
		t.Fatalf("provider client: %v", err)
	}

	now := time.Date(2025, 5, 1, 11, 0, 0, 0, time.UTC)
	cutoff := time.Date(2025, 5, 1, 12, 30, 0, 0, time.UTC)

	if _, err := client.Collection(productsCollection).Doc("prod_1").Set(ctx, map[string]any{"stockQuantity": 5}); err != nil {
		t.Fatalf("seed product: %v", err)
	}

	t.Run("open batch pairing is unique", func(t *testing.T) {
		first := domain.Batch{ID: "bat_1", ShopID: "shop_1", CutoffTime: cutoff, Status: domain.BatchStatusOpen, CreatedAt: now, UpdatedAt: now}
		if err := registry.Batches().Insert(ctx, first); err != nil {
			t.Fatalf("insert first: %v", err)
		}
		second := first
		second.ID = "bat_2"
		err := registry.Batches().Insert(ctx, second)
		var repoErr repositories.RepositoryError
		if !errors.As(err, &repoErr) || !repoErr.IsConflict() {
			t.Fatalf("expected conflict for duplicate open batch, got %v", err)
		}

		latest, err := registry.Batches().FindLatestForCutoff(ctx, "shop_1", cutoff)
		if err != nil {
			t.Fatalf("find latest: %v", err)
		}
		if latest.ID != "bat_1" {
			t.Fatalf("expected bat_1, got %s", latest.ID)
		}
	})

	t.Run("leaving OPEN frees the pairing", func(t *testing.T) {
		batch, err := registry.Batches().FindByID(ctx, "bat_1")
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		batch.Status = domain.BatchStatusCancelled
		batch.CancelledAt = &now
		if err := registry.Batches().Update(ctx, batch); err != nil {
			t.Fatalf("update: %v", err)
		}
		next := domain.Batch{ID: "bat_3", ShopID: "shop_1", CutoffTime: cutoff, Status: domain.BatchStatusOpen, CreatedAt: now.Add(time.Minute), UpdatedAt: now.Add(time.Minute)}
		if err := registry.Batches().Insert(ctx, next); err != nil {
			t.Fatalf("insert after cancel: %v", err)
		}
	})

	t.Run("transactional restock applies every increment", func(t *testing.T) {
		batchID := "bat_3"
		order := domain.Order{
			ID:            "ord_1",
			ShopID:        "shop_1",
			BatchID:       &batchID,
			Status:        domain.OrderStatusNew,
			PaymentStatus: domain.PaymentStatusCaptured,
			Items:         []domain.OrderItem{{ProductID: "prod_1", Quantity: 2, PriceAtOrderTime: 450}},
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := registry.Orders().Insert(ctx, order); err != nil {
			t.Fatalf("insert order: %v", err)
		}

		const workers = 4
		var wg sync.WaitGroup
		wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func() {
				defer wg.Done()
				_ = registry.RunInTx(ctx, func(txCtx context.Context) error {
					return registry.Stock().Increment(txCtx, "prod_1", 1)
				})
			}()
		}
		wg.Wait()

		qty, err := registry.Stock().Quantity(ctx, "prod_1")
		if err != nil {
			t.Fatalf("quantity: %v", err)
		}
		if qty != 5+workers {
			t.Fatalf("expected stock %d, got %d", 5+workers, qty)
		}

		orders, err := registry.Orders().ListByBatch(ctx, batchID)
		if err != nil {
			t.Fatalf("list by batch: %v", err)
		}
		if len(orders) != 1 || orders[0].Items[0].Quantity != 2 {
			t.Fatalf("unexpected orders: %+v", orders)
		}
	})

	t.Run("missing product aborts the transaction", func(t *testing.T) {
		err := registry.RunInTx(ctx, func(txCtx context.Context) error {
			if err := registry.Stock().Increment(txCtx, "prod_1", 3); err != nil {
				return err
			}
			return registry.Stock().Increment(txCtx, "prod_missing", 1)
		})
		if err == nil {
			t.Fatalf("expected error for missing product")
		}
		qty, err := registry.Stock().Quantity(ctx, "prod_1")
		if err != nil {
			t.Fatalf("quantity: %v", err)
		}
		if qty != 9 {
			t.Fatalf("expected stock unchanged at 9, got %d", qty)
		}
	})
}
