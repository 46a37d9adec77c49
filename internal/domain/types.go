package domain

import (
	"slices"
	"time"
)

// BatchStatus enumerates the lifecycle states of a delivery batch.
type BatchStatus string

const (
	// BatchStatusOpen accepts new orders until the cutoff or a vendor lock.
	BatchStatusOpen BatchStatus = "OPEN"
	// BatchStatusLocked no longer accepts orders; member orders are being prepared.
	BatchStatusLocked BatchStatus = "LOCKED"
	// BatchStatusInProgress indicates the courier run is under way.
	BatchStatusInProgress BatchStatus = "IN_PROGRESS"
	// BatchStatusCompleted closes the batch for further dispatch.
	BatchStatusCompleted BatchStatus = "COMPLETED"
	// BatchStatusCancelled marks a batch whose orders were compensated.
	BatchStatusCancelled BatchStatus = "CANCELLED"
)

// IsValid reports whether the status is one of the known batch states.
func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchStatusOpen, BatchStatusLocked, BatchStatusInProgress, BatchStatusCompleted, BatchStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusCancelled
}

// OrderStatus enumerates the fulfilment states of an order.
type OrderStatus string

const (
	OrderStatusNew            OrderStatus = "NEW"
	OrderStatusBatched        OrderStatus = "BATCHED"
	OrderStatusOutForDelivery OrderStatus = "OUT_FOR_DELIVERY"
	OrderStatusCompleted      OrderStatus = "COMPLETED"
	OrderStatusCancelled      OrderStatus = "CANCELLED"
)

// IsValid reports whether the status is one of the known order states.
func (s OrderStatus) IsValid() bool {
	switch s {
	case OrderStatusNew, OrderStatusBatched, OrderStatusOutForDelivery, OrderStatusCompleted, OrderStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the order reached COMPLETED or CANCELLED.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// PaymentStatus mirrors the capture state maintained by the payment collaborator.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "PENDING"
	PaymentStatusCaptured PaymentStatus = "CAPTURED"
	PaymentStatusRefunded PaymentStatus = "REFUNDED"
	PaymentStatusFailed   PaymentStatus = "FAILED"
)

// BatchSlot is a daily cutoff configured by a shop owner.
type BatchSlot struct {
	CutoffMinutes int
	Label         string
}

// ShopBatchConfig holds the ordered slot set for a shop. An empty set means direct delivery only.
type ShopBatchConfig struct {
	ShopID    string
	Slots     []BatchSlot
	UpdatedAt time.Time
}

// Enabled reports whether the shop batches orders at all.
func (c ShopBatchConfig) Enabled() bool {
	return len(c.Slots) > 0
}

// Shop is the vendor storefront owning batches and orders.
type Shop struct {
	ID          string
	OwnerID     string
	Name        string
	BatchConfig ShopBatchConfig
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Batch groups orders of one shop that share a delivery cutoff.
type Batch struct {
	ID                string
	ShopID            string
	CutoffTime        time.Time
	Label             string
	Status            BatchStatus
	CancelReason      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	LockedAt          *time.Time
	DeliveryStartedAt *time.Time
	CompletedAt       *time.Time
	CancelledAt       *time.Time
}

// BatchWithOrders is the read model returned for batch detail queries.
type BatchWithOrders struct {
	Batch
	Orders []Order
}

// OrderItem is an immutable line of an order used to restore stock.
type OrderItem struct {
	OrderID          string
	ProductID        string
	Quantity         int
	PriceAtOrderTime int64
}

// Order is a buyer order fulfilled either through a batch or directly.
type Order struct {
	ID                string
	ShopID            string
	BatchID           *string
	Status            OrderStatus
	DeliveryOTP       *string
	OTPFailedAttempts int
	OTPLockedUntil    *time.Time
	PaymentStatus     PaymentStatus
	Items             []OrderItem
	CancelReason      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	OutForDeliveryAt  *time.Time
	DeliveredAt       *time.Time
	CancelledAt       *time.Time
}

// IsBatched reports whether the order was routed through the batch path.
func (o Order) IsBatched() bool {
	return o.BatchID != nil && *o.BatchID != ""
}

// Redacted returns a copy without the delivery code so it can be shown to vendors.
func (o Order) Redacted() Order {
	clone := o
	clone.DeliveryOTP = nil
	clone.Items = slices.Clone(o.Items)
	return clone
}

// SlotInfo answers "when is the next cutoff" for a shop.
type SlotInfo struct {
	Enabled          bool
	CutoffTime       time.Time
	Label            string
	BatchID          string
	MinutesRemaining int
	IsOpen           bool
}

// Pagination captures common pagination inputs.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// AuditLogEntry records a state transition for support visibility.
type AuditLogEntry struct {
	ID        string
	Actor     string
	ActorType string
	Action    string
	TargetRef string
	Reason    string
	Metadata  map[string]any
	CreatedAt time.Time
}

// Event types emitted after committed transitions.
const (
	EventBatchLocked          = "batch.locked"
	EventBatchDeliveryStarted = "batch.delivery_started"
	EventBatchCompleted       = "batch.completed"
	EventBatchCancelled       = "batch.cancelled"
	EventOrderAssigned        = "order.assigned"
	EventOrderOutForDelivery  = "order.out_for_delivery"
	EventOrderDelivered       = "order.delivered"
)

// DeliveryEvent announces a committed batch or order transition to downstream notification fan-out.
type DeliveryEvent struct {
	ID         string
	Type       string
	ShopID     string
	BatchID    string
	OrderID    string
	OccurredAt time.Time
	Payload    map[string]any
}
