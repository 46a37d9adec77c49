package handlers

import (
	"strings"

	"github.com/campusdash/api/internal/services"
)

type batchPayload struct {
	ID                string         `json:"id"`
	ShopID            string         `json:"shop_id"`
	CutoffTime        string         `json:"cutoff_time"`
	Label             string         `json:"label,omitempty"`
	Status            string         `json:"status"`
	CancelReason      string         `json:"cancel_reason,omitempty"`
	CreatedAt         string         `json:"created_at,omitempty"`
	UpdatedAt         string         `json:"updated_at,omitempty"`
	LockedAt          string         `json:"locked_at,omitempty"`
	DeliveryStartedAt string         `json:"delivery_started_at,omitempty"`
	CompletedAt       string         `json:"completed_at,omitempty"`
	CancelledAt       string         `json:"cancelled_at,omitempty"`
	Orders            []orderPayload `json:"orders,omitempty"`
}

type batchListResponse struct {
	Items         []batchPayload `json:"items"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

type orderPayload struct {
	ID               string             `json:"id"`
	ShopID           string             `json:"shop_id"`
	BatchID          string             `json:"batch_id,omitempty"`
	Status           string             `json:"status"`
	PaymentStatus    string             `json:"payment_status,omitempty"`
	Items            []orderItemPayload `json:"items,omitempty"`
	CancelReason     string             `json:"cancel_reason,omitempty"`
	OTPLockedUntil   string             `json:"otp_locked_until,omitempty"`
	CreatedAt        string             `json:"created_at,omitempty"`
	UpdatedAt        string             `json:"updated_at,omitempty"`
	OutForDeliveryAt string             `json:"out_for_delivery_at,omitempty"`
	DeliveredAt      string             `json:"delivered_at,omitempty"`
	CancelledAt      string             `json:"cancelled_at,omitempty"`
}

type orderItemPayload struct {
	ProductID        string `json:"product_id"`
	Quantity         int    `json:"quantity"`
	PriceAtOrderTime int64  `json:"price_at_order_time"`
}

type slotInfoPayload struct {
	Enabled          bool   `json:"enabled"`
	CutoffTime       string `json:"cutoff_time,omitempty"`
	Label            string `json:"label,omitempty"`
	BatchID          string `json:"batch_id,omitempty"`
	MinutesRemaining int    `json:"minutes_remaining"`
	IsOpen           bool   `json:"is_open"`
}

type batchSlotPayload struct {
	CutoffMinutes int    `json:"cutoff_minutes"`
	Label         string `json:"label"`
}

type batchSlotsResponse struct {
	ShopID    string             `json:"shop_id"`
	Enabled   bool               `json:"enabled"`
	Slots     []batchSlotPayload `json:"slots"`
	UpdatedAt string             `json:"updated_at,omitempty"`
}

type verificationResponse struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	Order   *orderPayload `json:"order,omitempty"`
}

func buildBatchPayload(batch services.Batch) batchPayload {
	return batchPayload{
		ID:                strings.TrimSpace(batch.ID),
		ShopID:            strings.TrimSpace(batch.ShopID),
		CutoffTime:        formatTime(batch.CutoffTime),
		Label:             batch.Label,
		Status:            string(batch.Status),
		CancelReason:      batch.CancelReason,
		CreatedAt:         formatTime(batch.CreatedAt),
		UpdatedAt:         formatTime(batch.UpdatedAt),
		LockedAt:          formatTimePtr(batch.LockedAt),
		DeliveryStartedAt: formatTimePtr(batch.DeliveryStartedAt),
		CompletedAt:       formatTimePtr(batch.CompletedAt),
		CancelledAt:       formatTimePtr(batch.CancelledAt),
	}
}

func buildBatchDetailPayload(detail services.BatchWithOrders) batchPayload {
	payload := buildBatchPayload(detail.Batch)
	payload.Orders = make([]orderPayload, 0, len(detail.Orders))
	for _, order := range detail.Orders {
		payload.Orders = append(payload.Orders, buildOrderPayload(order))
	}
	return payload
}

// buildOrderPayload never exposes the delivery code; vendors learn it only from the buyer.
func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:               strings.TrimSpace(order.ID),
		ShopID:           strings.TrimSpace(order.ShopID),
		Status:           string(order.Status),
		PaymentStatus:    string(order.PaymentStatus),
		CancelReason:     order.CancelReason,
		OTPLockedUntil:   formatTimePtr(order.OTPLockedUntil),
		CreatedAt:        formatTime(order.CreatedAt),
		UpdatedAt:        formatTime(order.UpdatedAt),
		OutForDeliveryAt: formatTimePtr(order.OutForDeliveryAt),
		DeliveredAt:      formatTimePtr(order.DeliveredAt),
		CancelledAt:      formatTimePtr(order.CancelledAt),
	}
	if order.BatchID != nil {
		payload.BatchID = *order.BatchID
	}
	if len(order.Items) > 0 {
		payload.Items = make([]orderItemPayload, 0, len(order.Items))
		for _, item := range order.Items {
			payload.Items = append(payload.Items, orderItemPayload{
				ProductID:        item.ProductID,
				Quantity:         item.Quantity,
				PriceAtOrderTime: item.PriceAtOrderTime,
			})
		}
	}
	return payload
}

func buildSlotInfoPayload(info services.SlotInfo) slotInfoPayload {
	return slotInfoPayload{
		Enabled:          info.Enabled,
		CutoffTime:       formatTime(info.CutoffTime),
		Label:            info.Label,
		BatchID:          info.BatchID,
		MinutesRemaining: info.MinutesRemaining,
		IsOpen:           info.IsOpen,
	}
}

func buildBatchSlotsResponse(cfg services.ShopBatchConfig) batchSlotsResponse {
	slots := make([]batchSlotPayload, 0, len(cfg.Slots))
	for _, slot := range cfg.Slots {
		slots = append(slots, batchSlotPayload{CutoffMinutes: slot.CutoffMinutes, Label: slot.Label})
	}
	return batchSlotsResponse{
		ShopID:    cfg.ShopID,
		Enabled:   cfg.Enabled(),
		Slots:     slots,
		UpdatedAt: formatTime(cfg.UpdatedAt),
	}
}
