package services

import (
	"errors"
	"fmt"
	"slices"
	"time"

	domain "github.com/campusdash/api/internal/domain"
)

// ErrInvalidTransition reports a status change outside the fulfilment tables.
var ErrInvalidTransition = errors.New("fulfillment: invalid status transition")

var orderTransitions = map[OrderStatus][]OrderStatus{
	domain.OrderStatusNew:            {domain.OrderStatusBatched, domain.OrderStatusOutForDelivery, domain.OrderStatusCancelled},
	domain.OrderStatusBatched:        {domain.OrderStatusOutForDelivery, domain.OrderStatusCancelled},
	domain.OrderStatusOutForDelivery: {domain.OrderStatusCompleted, domain.OrderStatusCancelled},
	domain.OrderStatusCompleted:      {},
	domain.OrderStatusCancelled:      {},
}

var batchTransitions = map[BatchStatus][]BatchStatus{
	domain.BatchStatusOpen:       {domain.BatchStatusLocked, domain.BatchStatusCancelled},
	domain.BatchStatusLocked:     {domain.BatchStatusInProgress, domain.BatchStatusCancelled},
	domain.BatchStatusInProgress: {domain.BatchStatusCompleted, domain.BatchStatusCancelled},
	domain.BatchStatusCompleted:  {},
	domain.BatchStatusCancelled:  {},
}

// CanTransition reports whether an order may move from current to target.
func CanTransition(current, target OrderStatus) bool {
	allowed, ok := orderTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(allowed, target)
}

// Transition moves order to target and stamps the matching timestamp.
func Transition(order *Order, target OrderStatus, at time.Time) error {
	if order == nil {
		return fmt.Errorf("%w: order is required", ErrInvalidTransition)
	}
	if !CanTransition(order.Status, target) {
		return fmt.Errorf("%w: order %s cannot move from %s to %s", ErrInvalidTransition, order.ID, order.Status, target)
	}
	at = at.UTC()
	order.Status = target
	order.UpdatedAt = at
	switch target {
	case domain.OrderStatusOutForDelivery:
		order.OutForDeliveryAt = &at
	case domain.OrderStatusCompleted:
		order.DeliveredAt = &at
	case domain.OrderStatusCancelled:
		order.CancelledAt = &at
	}
	return nil
}

func canTransitionBatch(current, target BatchStatus) bool {
	allowed, ok := batchTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(allowed, target)
}

func transitionBatch(batch *Batch, target BatchStatus, at time.Time) error {
	if !canTransitionBatch(batch.Status, target) {
		return fmt.Errorf("%w: batch %s cannot move from %s to %s", ErrInvalidTransition, batch.ID, batch.Status, target)
	}
	at = at.UTC()
	batch.Status = target
	batch.UpdatedAt = at
	switch target {
	case domain.BatchStatusLocked:
		batch.LockedAt = &at
	case domain.BatchStatusInProgress:
		batch.DeliveryStartedAt = &at
	case domain.BatchStatusCompleted:
		batch.CompletedAt = &at
	case domain.BatchStatusCancelled:
		batch.CancelledAt = &at
	}
	return nil
}
