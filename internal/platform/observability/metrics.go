package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	domain "github.com/campusdash/api/internal/domain"
)

const metricNamespace = "github.com/campusdash/api/delivery"

// TransitionMetrics counts committed batch and order transitions and OTP verification outcomes.
type TransitionMetrics struct {
	batchTransitions metric.Int64Counter
	orderTransitions metric.Int64Counter
	verifications    metric.Int64Counter
}

// NewTransitionMetrics registers the delivery counters on meter, falling back to the global provider.
// Instruments that fail to register are skipped.
func NewTransitionMetrics(meter metric.Meter, logger *zap.Logger) *TransitionMetrics {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(metricNamespace)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &TransitionMetrics{}
	var err error
	m.batchTransitions, err = meter.Int64Counter(
		"delivery.batch.transitions",
		metric.WithDescription("Count of committed batch status transitions"),
	)
	if err != nil {
		logger.Warn("observability: unable to register batch transition metric", zap.Error(err))
	}
	m.orderTransitions, err = meter.Int64Counter(
		"delivery.order.transitions",
		metric.WithDescription("Count of orders moved to a new fulfilment status"),
	)
	if err != nil {
		logger.Warn("observability: unable to register order transition metric", zap.Error(err))
	}
	m.verifications, err = meter.Int64Counter(
		"delivery.otp.verifications",
		metric.WithDescription("Count of delivery code verifications by outcome"),
	)
	if err != nil {
		logger.Warn("observability: unable to register verification metric", zap.Error(err))
	}
	return m
}

// RecordBatchTransition increments the batch counter for status.
func (m *TransitionMetrics) RecordBatchTransition(ctx context.Context, shopID string, status domain.BatchStatus) {
	if m == nil || m.batchTransitions == nil {
		return
	}
	m.batchTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("shop_id", shopID),
		attribute.String("status", string(status)),
	))
}

// RecordOrderTransition adds count orders that reached status.
func (m *TransitionMetrics) RecordOrderTransition(ctx context.Context, shopID string, status domain.OrderStatus, count int) {
	if m == nil || m.orderTransitions == nil || count <= 0 {
		return
	}
	m.orderTransitions.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("shop_id", shopID),
		attribute.String("status", string(status)),
	))
}

// RecordVerification increments the verification counter for outcome.
func (m *TransitionMetrics) RecordVerification(ctx context.Context, shopID string, outcome string) {
	if m == nil || m.verifications == nil {
		return
	}
	m.verifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("shop_id", shopID),
		attribute.String("outcome", outcome),
	))
}
