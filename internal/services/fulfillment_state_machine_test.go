package services

import (
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/campusdash/api/internal/domain"
)

func TestCanTransitionTable(t *testing.T) {
	all := []domain.OrderStatus{
		domain.OrderStatusNew,
		domain.OrderStatusBatched,
		domain.OrderStatusOutForDelivery,
		domain.OrderStatusCompleted,
		domain.OrderStatusCancelled,
	}
	allowed := map[domain.OrderStatus][]domain.OrderStatus{
		domain.OrderStatusNew:            {domain.OrderStatusBatched, domain.OrderStatusOutForDelivery, domain.OrderStatusCancelled},
		domain.OrderStatusBatched:        {domain.OrderStatusOutForDelivery, domain.OrderStatusCancelled},
		domain.OrderStatusOutForDelivery: {domain.OrderStatusCompleted, domain.OrderStatusCancelled},
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, candidate := range allowed[from] {
				if candidate == to {
					want = true
				}
			}
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTransitionStampsTimestamps(t *testing.T) {
	at := time.Date(2025, 5, 1, 13, 0, 0, 0, time.FixedZone("JST", 9*60*60))
	order := domain.Order{ID: "ord_1", Status: domain.OrderStatusNew}

	if err := Transition(&order, domain.OrderStatusOutForDelivery, at); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if order.OutForDeliveryAt == nil || !order.OutForDeliveryAt.Equal(at) || order.OutForDeliveryAt.Location() != time.UTC {
		t.Fatalf("expected UTC out-for-delivery timestamp, got %v", order.OutForDeliveryAt)
	}
	if err := Transition(&order, domain.OrderStatusCompleted, at); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if order.DeliveredAt == nil || !order.UpdatedAt.Equal(at) {
		t.Fatalf("expected delivered timestamp, got %+v", order)
	}

	err := Transition(&order, domain.OrderStatusCancelled, at)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected terminal order to reject transitions, got %v", err)
	}
	if order.Status != domain.OrderStatusCompleted || order.CancelledAt != nil {
		t.Fatalf("expected order unchanged after rejected transition")
	}
}

func TestTransitionBatch(t *testing.T) {
	at := time.Date(2025, 5, 1, 13, 0, 0, 0, time.UTC)
	batch := domain.Batch{ID: "bat_1", Status: domain.BatchStatusOpen}

	if err := transitionBatch(&batch, domain.BatchStatusInProgress, at); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected OPEN to skip straight to IN_PROGRESS to fail, got %v", err)
	}
	for _, next := range []domain.BatchStatus{domain.BatchStatusLocked, domain.BatchStatusInProgress, domain.BatchStatusCompleted} {
		if err := transitionBatch(&batch, next, at); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}
	if batch.LockedAt == nil || batch.DeliveryStartedAt == nil || batch.CompletedAt == nil {
		t.Fatalf("expected every stage timestamp, got %+v", batch)
	}
	if err := transitionBatch(&batch, domain.BatchStatusCancelled, at); err == nil || !strings.Contains(err.Error(), "COMPLETED") {
		t.Fatalf("expected completed batch to reject cancellation, got %v", err)
	}
}
