package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	domain "github.com/campusdash/api/internal/domain"
	"github.com/campusdash/api/internal/repositories"
)

var (
	// ErrBatchUnauthorized indicates the caller is not linked to a shop.
	ErrBatchUnauthorized = errors.New("batch: unauthorized")
	// ErrBatchInvalidInput signals missing identifiers or a batch owned by another shop.
	ErrBatchInvalidInput = errors.New("batch: invalid input")
	// ErrBatchNotFound indicates the batch could not be located.
	ErrBatchNotFound = errors.New("batch: not found")
	// ErrBatchInvalidState indicates the batch is not in the status the operation requires.
	ErrBatchInvalidState = errors.New("batch: invalid state")
	// ErrBatchUnavailable indicates storage failures or exhausted transaction retries.
	ErrBatchUnavailable = errors.New("batch: unavailable")
)

// BatchLifecycleServiceDeps bundles collaborators for the batch lifecycle service.
type BatchLifecycleServiceDeps struct {
	Batches      repositories.BatchRepository
	Orders       repositories.OrderRepository
	UnitOfWork   repositories.UnitOfWork
	Delivery     DeliveryConfirmationService
	Compensation CompensationEngine
	Clock        func() time.Time
	IDGenerator  func() string
	Events       EventPublisher
	Audit        AuditLogService
	Metrics      TransitionRecorder
	Logger       Logger
}

type batchLifecycleService struct {
	batches      repositories.BatchRepository
	orders       repositories.OrderRepository
	unitOfWork   repositories.UnitOfWork
	delivery     DeliveryConfirmationService
	compensation CompensationEngine
	clock        func() time.Time
	emitter      eventEmitter
	audit        AuditLogService
	metrics      TransitionRecorder
	logger       Logger
}

// NewBatchLifecycleService wires the vendor batch state machine.
func NewBatchLifecycleService(deps BatchLifecycleServiceDeps) (BatchLifecycleService, error) {
	if deps.Batches == nil {
		return nil, errors.New("batch lifecycle service: batch repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("batch lifecycle service: order repository is required")
	}
	if deps.Delivery == nil {
		return nil, errors.New("batch lifecycle service: delivery confirmation service is required")
	}
	if deps.Compensation == nil {
		return nil, errors.New("batch lifecycle service: compensation engine is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = defaultIDGenerator
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopTransitionRecorder{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}

	return &batchLifecycleService{
		batches:      deps.Batches,
		orders:       deps.Orders,
		unitOfWork:   unit,
		delivery:     deps.Delivery,
		compensation: deps.Compensation,
		clock:        utcClock(deps.Clock),
		emitter:      eventEmitter{events: deps.Events, logger: logger, newID: idGen},
		audit:        deps.Audit,
		metrics:      metrics,
		logger:       logger,
	}, nil
}

// Lock closes an OPEN batch to new orders and moves its NEW members to BATCHED.
func (s *batchLifecycleService) Lock(ctx context.Context, cmd BatchTransitionCommand) (Batch, error) {
	if err := validateBatchCommand(cmd.ShopID, cmd.BatchID); err != nil {
		return Batch{}, err
	}

	var (
		locked  Batch
		batched int
	)
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		batched = 0
		now := s.clock()

		batch, orders, err := s.loadOwned(txCtx, cmd.ShopID, cmd.BatchID, domain.BatchStatusOpen)
		if err != nil {
			return err
		}
		if err := transitionBatch(&batch, domain.BatchStatusLocked, now); err != nil {
			return fmt.Errorf("%w: %w", ErrBatchInvalidState, err)
		}

		for _, order := range orders {
			if order.Status != domain.OrderStatusNew {
				continue
			}
			if err := Transition(&order, domain.OrderStatusBatched, now); err != nil {
				return fmt.Errorf("%w: %w", ErrBatchInvalidState, err)
			}
			if err := s.orders.Update(txCtx, order); err != nil {
				return classifyRepositoryError(err, ErrBatchNotFound, ErrBatchUnavailable)
			}
			batched++
		}

		if err := s.batches.Update(txCtx, batch); err != nil {
			return classifyRepositoryError(err, ErrBatchNotFound, ErrBatchUnavailable)
		}
		locked = batch
		return nil
	})
	if err != nil {
		return Batch{}, mapBatchError(err)
	}

	s.afterBatchTransition(ctx, cmd.ActorID, locked, domain.EventBatchLocked, "batch.lock", "", map[string]any{"batchedOrders": batched})
	s.metrics.RecordOrderTransition(ctx, locked.ShopID, domain.OrderStatusBatched, batched)
	return locked, nil
}

// StartDelivery dispatches a LOCKED batch, issuing codes to every member order still awaiting delivery.
func (s *batchLifecycleService) StartDelivery(ctx context.Context, cmd BatchTransitionCommand) (Batch, error) {
	if err := validateBatchCommand(cmd.ShopID, cmd.BatchID); err != nil {
		return Batch{}, err
	}

	var (
		started    Batch
		dispatched []string
	)
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		dispatched = nil
		now := s.clock()

		batch, orders, err := s.loadOwned(txCtx, cmd.ShopID, cmd.BatchID, domain.BatchStatusLocked)
		if err != nil {
			return err
		}
		if err := transitionBatch(&batch, domain.BatchStatusInProgress, now); err != nil {
			return fmt.Errorf("%w: %w", ErrBatchInvalidState, err)
		}

		for _, order := range orders {
			if !CanTransition(order.Status, domain.OrderStatusOutForDelivery) {
				continue
			}
			if _, err := s.delivery.IssueOTP(txCtx, &order); err != nil {
				return err
			}
			if err := Transition(&order, domain.OrderStatusOutForDelivery, now); err != nil {
				return fmt.Errorf("%w: %w", ErrBatchInvalidState, err)
			}
			if err := s.orders.Update(txCtx, order); err != nil {
				return classifyRepositoryError(err, ErrBatchNotFound, ErrBatchUnavailable)
			}
			dispatched = append(dispatched, order.ID)
		}

		if err := s.batches.Update(txCtx, batch); err != nil {
			return classifyRepositoryError(err, ErrBatchNotFound, ErrBatchUnavailable)
		}
		started = batch
		return nil
	})
	if err != nil {
		return Batch{}, mapBatchError(err)
	}

	s.afterBatchTransition(ctx, cmd.ActorID, started, domain.EventBatchDeliveryStarted, "batch.start_delivery", "", map[string]any{"dispatchedOrders": len(dispatched)})
	s.metrics.RecordOrderTransition(ctx, started.ShopID, domain.OrderStatusOutForDelivery, len(dispatched))
	for _, orderID := range dispatched {
		s.emitter.publish(ctx, DeliveryEvent{
			Type:       domain.EventOrderOutForDelivery,
			ShopID:     started.ShopID,
			BatchID:    started.ID,
			OrderID:    orderID,
			OccurredAt: s.clock(),
		})
	}
	return started, nil
}

// Complete closes an IN_PROGRESS batch. Orders still out for delivery keep their status until verified.
func (s *batchLifecycleService) Complete(ctx context.Context, cmd BatchTransitionCommand) (Batch, error) {
	if err := validateBatchCommand(cmd.ShopID, cmd.BatchID); err != nil {
		return Batch{}, err
	}

	var (
		completed   Batch
		outstanding int
	)
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		outstanding = 0
		now := s.clock()

		batch, orders, err := s.loadOwned(txCtx, cmd.ShopID, cmd.BatchID, domain.BatchStatusInProgress)
		if err != nil {
			return err
		}
		for _, order := range orders {
			if order.Status == domain.OrderStatusOutForDelivery {
				outstanding++
			}
		}
		if err := transitionBatch(&batch, domain.BatchStatusCompleted, now); err != nil {
			return fmt.Errorf("%w: %w", ErrBatchInvalidState, err)
		}
		if err := s.batches.Update(txCtx, batch); err != nil {
			return classifyRepositoryError(err, ErrBatchNotFound, ErrBatchUnavailable)
		}
		completed = batch
		return nil
	})
	if err != nil {
		return Batch{}, mapBatchError(err)
	}

	if outstanding > 0 {
		s.logger(ctx, "batch.completed.outstanding", map[string]any{"batch": completed.ID, "orders": outstanding})
	}
	s.afterBatchTransition(ctx, cmd.ActorID, completed, domain.EventBatchCompleted, "batch.complete", "", map[string]any{"outstandingOrders": outstanding})
	return completed, nil
}

// Cancel aborts a batch that has not completed, compensating every member order in the same transaction.
func (s *batchLifecycleService) Cancel(ctx context.Context, cmd CancelBatchCommand) (CancelBatchResult, error) {
	if err := validateBatchCommand(cmd.ShopID, cmd.BatchID); err != nil {
		return CancelBatchResult{}, err
	}

	var result CancelBatchResult
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		result = CancelBatchResult{}
		now := s.clock()

		batch, orders, err := s.loadOwned(txCtx, cmd.ShopID, cmd.BatchID,
			domain.BatchStatusOpen, domain.BatchStatusLocked, domain.BatchStatusInProgress)
		if err != nil {
			return err
		}

		cancelled, err := s.compensation.CompensateBatch(txCtx, &batch, orders, cmd.Reason, now)
		if err != nil {
			return err
		}
		if err := transitionBatch(&batch, domain.BatchStatusCancelled, now); err != nil {
			return fmt.Errorf("%w: %w", ErrBatchInvalidState, err)
		}
		if err := s.batches.Update(txCtx, batch); err != nil {
			return classifyRepositoryError(err, ErrBatchNotFound, ErrBatchUnavailable)
		}
		result = CancelBatchResult{Batch: batch, CancelledOrders: cancelled}
		return nil
	})
	if err != nil {
		return CancelBatchResult{}, mapBatchError(err)
	}

	s.afterBatchTransition(ctx, cmd.ActorID, result.Batch, domain.EventBatchCancelled, "batch.cancel", result.Batch.CancelReason,
		map[string]any{"cancelledOrders": result.CancelledOrders, "reason": result.Batch.CancelReason})
	s.metrics.RecordOrderTransition(ctx, result.Batch.ShopID, domain.OrderStatusCancelled, result.CancelledOrders)
	return result, nil
}

func (s *batchLifecycleService) GetBatch(ctx context.Context, shopID, batchID string) (BatchWithOrders, error) {
	if err := validateBatchCommand(shopID, batchID); err != nil {
		return BatchWithOrders{}, err
	}
	batch, err := s.batches.FindByID(ctx, strings.TrimSpace(batchID))
	if err != nil {
		return BatchWithOrders{}, classifyRepositoryError(err, ErrBatchNotFound, ErrBatchUnavailable)
	}
	if batch.ShopID != strings.TrimSpace(shopID) {
		return BatchWithOrders{}, fmt.Errorf("%w: batch does not belong to shop", ErrBatchInvalidInput)
	}
	orders, err := s.orders.ListByBatch(ctx, batch.ID)
	if err != nil {
		return BatchWithOrders{}, classifyRepositoryError(err, ErrBatchNotFound, ErrBatchUnavailable)
	}
	redacted := make([]Order, 0, len(orders))
	for _, order := range orders {
		redacted = append(redacted, order.Redacted())
	}
	return BatchWithOrders{Batch: batch, Orders: redacted}, nil
}

func (s *batchLifecycleService) ListBatches(ctx context.Context, filter BatchListFilter) (domain.CursorPage[Batch], error) {
	shopID := strings.TrimSpace(filter.ShopID)
	if shopID == "" {
		return domain.CursorPage[Batch]{}, ErrBatchUnauthorized
	}
	for _, status := range filter.Statuses {
		if !status.IsValid() {
			return domain.CursorPage[Batch]{}, fmt.Errorf("%w: unknown status %q", ErrBatchInvalidInput, status)
		}
	}
	page, err := s.batches.List(ctx, repositories.BatchListFilter{
		ShopID:     shopID,
		Statuses:   filter.Statuses,
		Pagination: filter.Pagination,
	})
	if err != nil {
		return domain.CursorPage[Batch]{}, classifyRepositoryError(err, ErrBatchNotFound, ErrBatchUnavailable)
	}
	return page, nil
}

// loadOwned reads the batch and its orders. Every read happens before any write in the transaction.
func (s *batchLifecycleService) loadOwned(ctx context.Context, shopID, batchID string, expected ...BatchStatus) (Batch, []Order, error) {
	batch, err := s.batches.FindByID(ctx, strings.TrimSpace(batchID))
	if err != nil {
		return Batch{}, nil, classifyRepositoryError(err, ErrBatchNotFound, ErrBatchUnavailable)
	}
	if batch.ShopID != strings.TrimSpace(shopID) {
		return Batch{}, nil, fmt.Errorf("%w: batch does not belong to shop", ErrBatchInvalidInput)
	}
	if !slices.Contains(expected, batch.Status) {
		return Batch{}, nil, fmt.Errorf("%w: batch is %s, expected %s", ErrBatchInvalidState, batch.Status, joinStatuses(expected))
	}
	orders, err := s.orders.ListByBatch(ctx, batch.ID)
	if err != nil {
		return Batch{}, nil, classifyRepositoryError(err, ErrBatchNotFound, ErrBatchUnavailable)
	}
	return batch, orders, nil
}

func (s *batchLifecycleService) afterBatchTransition(ctx context.Context, actor string, batch Batch, eventType, action, reason string, payload map[string]any) {
	s.metrics.RecordBatchTransition(ctx, batch.ShopID, batch.Status)
	s.emitter.publish(ctx, DeliveryEvent{
		Type:       eventType,
		ShopID:     batch.ShopID,
		BatchID:    batch.ID,
		OccurredAt: batch.UpdatedAt,
		Payload:    payload,
	})
	if s.audit != nil {
		s.audit.Record(ctx, AuditLogRecord{
			Actor:      actor,
			ActorType:  "user",
			Action:     action,
			TargetRef:  "batches/" + batch.ID,
			Reason:     reason,
			Metadata:   payload,
			OccurredAt: batch.UpdatedAt,
		})
	}
}

func validateBatchCommand(shopID, batchID string) error {
	if strings.TrimSpace(shopID) == "" {
		return ErrBatchUnauthorized
	}
	if strings.TrimSpace(batchID) == "" {
		return fmt.Errorf("%w: batch id is required", ErrBatchInvalidInput)
	}
	return nil
}

func mapBatchError(err error) error {
	if wrapsAny(err, ErrBatchUnauthorized, ErrBatchInvalidInput, ErrBatchNotFound, ErrBatchInvalidState,
		ErrBatchUnavailable, ErrCompensationFailed) {
		return err
	}
	if wrapsAny(err, ErrDeliveryUnavailable) {
		return fmt.Errorf("%w: %w", ErrBatchUnavailable, err)
	}
	return classifyRepositoryError(err, ErrBatchNotFound, ErrBatchUnavailable)
}

func joinStatuses(statuses []BatchStatus) string {
	parts := make([]string, 0, len(statuses))
	for _, status := range statuses {
		parts = append(parts, string(status))
	}
	return strings.Join(parts, " or ")
}
