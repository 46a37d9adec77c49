package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/campusdash/api/internal/repositories"
)

const (
	batchIDPrefix = "bat_"
	eventIDPrefix = "evt_"
	auditIDPrefix = "aud_"
)

// Logger is the structured logging adapter injected into services.
type Logger func(ctx context.Context, event string, fields map[string]any)

func nopLogger(context.Context, string, map[string]any) {}

func defaultIDGenerator() string {
	return ulid.Make().String()
}

func utcClock(clock func() time.Time) func() time.Time {
	if clock == nil {
		clock = time.Now
	}
	return func() time.Time { return clock().UTC() }
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

type noopTransitionRecorder struct{}

func (noopTransitionRecorder) RecordBatchTransition(context.Context, string, BatchStatus) {}

func (noopTransitionRecorder) RecordOrderTransition(context.Context, string, OrderStatus, int) {}

func (noopTransitionRecorder) RecordVerification(context.Context, string, string) {}

// classifyRepositoryError maps repository failures onto service sentinels. Conflicts that survived the
// unit of work's retries surface as unavailable. The repository error stays in the chain so an
// enclosing transaction can still recognise it as retryable.
func classifyRepositoryError(err error, notFound, unavailable error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, notFound) || errors.Is(err, unavailable) {
		return err
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %w", notFound, err)
		case repoErr.IsConflict(), repoErr.IsUnavailable():
			return fmt.Errorf("%w: %w", unavailable, err)
		}
	}
	return err
}

func wrapsAny(err error, sentinels ...error) bool {
	for _, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

func isRepositoryNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// eventEmitter publishes committed transitions. Failures are logged and never fail the command.
type eventEmitter struct {
	events EventPublisher
	logger Logger
	newID  func() string
}

func (e eventEmitter) publish(ctx context.Context, event DeliveryEvent) {
	if e.events == nil {
		return
	}
	if event.ID == "" {
		event.ID = eventIDPrefix + e.newID()
	}
	if event.Payload != nil {
		event.Payload = maps.Clone(event.Payload)
	}
	if err := e.events.Publish(ctx, event); err != nil {
		e.logger(ctx, "delivery.event.publish.failed", map[string]any{
			"type":  event.Type,
			"shop":  event.ShopID,
			"batch": event.BatchID,
			"order": event.OrderID,
			"error": err.Error(),
		})
	}
}
