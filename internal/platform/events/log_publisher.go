package events

import (
	"context"

	"go.uber.org/zap"

	domain "github.com/campusdash/api/internal/domain"
)

// LogPublisher writes delivery events to the structured log. It backs the "log" transport used in
// local development and tests where no broker is available.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher returns a publisher that logs each event at info level.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger.Named("delivery.events")}
}

// Publish never fails.
func (p *LogPublisher) Publish(_ context.Context, event domain.DeliveryEvent) error {
	msg := NewMessage(event)
	p.logger.Info("delivery event",
		zap.String("eventId", msg.ID),
		zap.String("eventType", msg.Type),
		zap.String("shopId", msg.ShopID),
		zap.String("batchId", msg.BatchID),
		zap.String("orderId", msg.OrderID),
		zap.Time("occurredAt", msg.OccurredAt),
		zap.Any("payload", msg.Payload),
	)
	return nil
}

// Close is a no-op.
func (p *LogPublisher) Close() error { return nil }
