package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/campusdash/api/internal/platform/httpx"
	"github.com/campusdash/api/internal/services"
)

const maxAssignBodySize = 1024

type assignBatchRequest struct {
	ShopID string `json:"shop_id"`
}

type assignBatchResponse struct {
	OrderID string  `json:"order_id"`
	BatchID *string `json:"batch_id"`
}

// CheckoutHandlers serves the internal hook the checkout service calls after creating an order.
type CheckoutHandlers struct {
	slots services.SlotScheduler
}

// NewCheckoutHandlers constructs a new CheckoutHandlers instance.
func NewCheckoutHandlers(slots services.SlotScheduler) *CheckoutHandlers {
	return &CheckoutHandlers{slots: slots}
}

// Routes registers the /checkout endpoints. Callers are authenticated by the internal group middleware.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/checkout/orders/{orderID}:assign-batch", h.assignBatch)
}

func (h *CheckoutHandlers) assignBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.slots == nil {
		writeSlotServiceUnavailable(ctx, w)
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	data, err := readLimitedBody(r, maxAssignBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req assignBatchRequest
	if err := json.Unmarshal(data, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	shopID := strings.TrimSpace(req.ShopID)
	if shopID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "shop_id is required", http.StatusBadRequest))
		return
	}

	batchID, err := h.slots.AssignOrderToBatch(ctx, shopID, orderID)
	if err != nil {
		writeSlotError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, assignBatchResponse{OrderID: orderID, BatchID: batchID})
}
