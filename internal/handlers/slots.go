package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/campusdash/api/internal/platform/auth"
	"github.com/campusdash/api/internal/platform/httpx"
	"github.com/campusdash/api/internal/services"
)

const maxSlotsBodySize = 16 * 1024

type updateSlotsRequest struct {
	Slots []batchSlotPayload `json:"slots"`
}

// SlotHandlers exposes cutoff configuration for vendors and next-slot lookups for any signed-in user.
type SlotHandlers struct {
	slots services.SlotScheduler
}

// NewSlotHandlers constructs a new SlotHandlers instance.
func NewSlotHandlers(slots services.SlotScheduler) *SlotHandlers {
	return &SlotHandlers{slots: slots}
}

// ShopRoutes registers the owner scoped /batch-slots endpoints.
func (h *SlotHandlers) ShopRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/batch-slots", h.getSlots)
	r.Put("/batch-slots", h.updateSlots)
}

// PublicRoutes registers the /shops/{shopID}/next-slot lookup.
func (h *SlotHandlers) PublicRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/{shopID}/next-slot", h.nextSlot)
}

func (h *SlotHandlers) nextSlot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.slots == nil {
		writeSlotServiceUnavailable(ctx, w)
		return
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}
	shopID := strings.TrimSpace(chi.URLParam(r, "shopID"))
	if shopID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "shop id is required", http.StatusBadRequest))
		return
	}

	info, err := h.slots.NextSlot(ctx, shopID)
	if err != nil {
		writeSlotError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildSlotInfoPayload(info))
}

func (h *SlotHandlers) getSlots(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.slots == nil {
		writeSlotServiceUnavailable(ctx, w)
		return
	}
	shopID, _, ok := shopScope(ctx)
	if !ok {
		writeShopUnauthorized(ctx, w)
		return
	}

	cfg, err := h.slots.Slots(ctx, shopID)
	if err != nil {
		writeSlotError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildBatchSlotsResponse(cfg))
}

func (h *SlotHandlers) updateSlots(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.slots == nil {
		writeSlotServiceUnavailable(ctx, w)
		return
	}
	shopID, actor, ok := shopScope(ctx)
	if !ok {
		writeShopUnauthorized(ctx, w)
		return
	}

	data, err := readLimitedBody(r, maxSlotsBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req updateSlotsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	slots := make([]services.BatchSlot, 0, len(req.Slots))
	for _, slot := range req.Slots {
		slots = append(slots, services.BatchSlot{CutoffMinutes: slot.CutoffMinutes, Label: slot.Label})
	}
	cfg, err := h.slots.UpdateSlots(ctx, services.UpdateSlotsCommand{
		ShopID:  shopID,
		ActorID: actor,
		Slots:   slots,
	})
	if err != nil {
		writeSlotError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildBatchSlotsResponse(cfg))
}

func writeSlotServiceUnavailable(ctx context.Context, w http.ResponseWriter) {
	httpx.WriteError(ctx, w, httpx.NewError("slot_service_unavailable", "slot service unavailable", http.StatusServiceUnavailable))
}

func writeSlotError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrSlotInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", errorMessage(err, services.ErrSlotInvalidInput), http.StatusBadRequest))
	case errors.Is(err, services.ErrSlotShopNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("shop_not_found", "shop not found", http.StatusNotFound))
	case errors.Is(err, services.ErrSlotOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrSlotOrderIneligible):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", errorMessage(err, services.ErrSlotOrderIneligible), http.StatusConflict))
	case errors.Is(err, services.ErrSlotUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("slot_unavailable", "slot store unavailable, retry later", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("slot_error", "failed to process slot request", http.StatusInternalServerError))
	}
}
