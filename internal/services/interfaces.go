package services

import (
	"context"
	"time"

	domain "github.com/campusdash/api/internal/domain"
)

// Domain aliases keep service signatures concise while handlers and repositories share the same types.
type (
	Shop               = domain.Shop
	ShopBatchConfig    = domain.ShopBatchConfig
	BatchSlot          = domain.BatchSlot
	Batch              = domain.Batch
	BatchStatus        = domain.BatchStatus
	BatchWithOrders    = domain.BatchWithOrders
	Order              = domain.Order
	OrderItem          = domain.OrderItem
	OrderStatus        = domain.OrderStatus
	SlotInfo           = domain.SlotInfo
	AuditLogEntry      = domain.AuditLogEntry
	SystemHealthReport = domain.SystemHealthReport
	DeliveryEvent      = domain.DeliveryEvent
	Pagination         = domain.Pagination
)

// SlotScheduler answers next-cutoff queries and routes new orders into OPEN batches.
type SlotScheduler interface {
	NextSlot(ctx context.Context, shopID string) (SlotInfo, error)
	AssignOrderToBatch(ctx context.Context, shopID, orderID string) (*string, error)
	Slots(ctx context.Context, shopID string) (ShopBatchConfig, error)
	UpdateSlots(ctx context.Context, cmd UpdateSlotsCommand) (ShopBatchConfig, error)
}

// BatchLifecycleService drives vendor-issued batch transitions.
type BatchLifecycleService interface {
	Lock(ctx context.Context, cmd BatchTransitionCommand) (Batch, error)
	StartDelivery(ctx context.Context, cmd BatchTransitionCommand) (Batch, error)
	Complete(ctx context.Context, cmd BatchTransitionCommand) (Batch, error)
	Cancel(ctx context.Context, cmd CancelBatchCommand) (CancelBatchResult, error)
	GetBatch(ctx context.Context, shopID, batchID string) (BatchWithOrders, error)
	ListBatches(ctx context.Context, filter BatchListFilter) (domain.CursorPage[Batch], error)
}

// DeliveryConfirmationService issues and verifies delivery codes.
type DeliveryConfirmationService interface {
	// IssueOTP assigns a code to order in memory. Callers persist the order in their own transaction.
	IssueOTP(ctx context.Context, order *Order) (string, error)
	Verify(ctx context.Context, cmd VerifyOTPCommand) (VerificationResult, error)
	StartIndividualDelivery(ctx context.Context, cmd StartIndividualDeliveryCommand) (Order, error)
	VerifyIndividualOrderOTP(ctx context.Context, cmd VerifyOTPCommand) (VerificationResult, error)
}

// CompensationEngine restores stock and cancels member orders of a cancelled batch. It must run inside
// the caller's transaction.
type CompensationEngine interface {
	CompensateBatch(ctx context.Context, batch *Batch, orders []Order, reason string, now time.Time) (int, error)
	SanitizeReason(reason string) string
}

// AuditLogService records state transitions without failing the primary mutation.
type AuditLogService interface {
	Record(ctx context.Context, record AuditLogRecord)
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditLogEntry], error)
}

// SystemService exposes dependency health for probes.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// EventPublisher fans committed transitions out to notification consumers.
type EventPublisher interface {
	Publish(ctx context.Context, event DeliveryEvent) error
}

// TransitionRecorder counts committed transitions for metrics.
type TransitionRecorder interface {
	RecordBatchTransition(ctx context.Context, shopID string, status BatchStatus)
	RecordOrderTransition(ctx context.Context, shopID string, status OrderStatus, count int)
	RecordVerification(ctx context.Context, shopID string, outcome string)
}

// Commands and filters -------------------------------------------------------

type UpdateSlotsCommand struct {
	ShopID  string
	ActorID string
	Slots   []BatchSlot
}

type BatchTransitionCommand struct {
	BatchID string
	ShopID  string
	ActorID string
}

type CancelBatchCommand struct {
	BatchID string
	ShopID  string
	ActorID string
	Reason  string
}

type CancelBatchResult struct {
	Batch           Batch
	CancelledOrders int
}

type BatchListFilter struct {
	ShopID     string
	Statuses   []BatchStatus
	Pagination Pagination
}

type VerifyOTPCommand struct {
	OrderID string
	ShopID  string
	ActorID string
	Code    string
}

// VerificationResult is the outcome reported to the vendor after a code check.
type VerificationResult struct {
	Success bool
	Message string
	Order   Order
}

type StartIndividualDeliveryCommand struct {
	OrderID string
	ShopID  string
	ActorID string
}

type AuditLogRecord struct {
	Actor      string
	ActorType  string
	Action     string
	TargetRef  string
	Reason     string
	Metadata   map[string]any
	OccurredAt time.Time
}

type AuditLogFilter struct {
	TargetRef  string
	Pagination Pagination
}
