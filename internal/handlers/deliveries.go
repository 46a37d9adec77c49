package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/campusdash/api/internal/platform/httpx"
	"github.com/campusdash/api/internal/services"
)

const maxVerifyBodySize = 1024

type verifyOTPRequest struct {
	Code string `json:"code"`
}

// DeliveryHandlers exposes delivery confirmation and direct delivery under /shop/orders.
type DeliveryHandlers struct {
	delivery      services.DeliveryConfirmationService
	verifyLimiter rateLimiter
}

// DeliveryOption customises DeliveryHandlers.
type DeliveryOption func(*DeliveryHandlers)

// WithVerifyRateLimit caps code verifications per shop within the supplied window. Zero disables the limit.
func WithVerifyRateLimit(limit int, window time.Duration) DeliveryOption {
	return func(h *DeliveryHandlers) {
		h.verifyLimiter = newShopRateLimiter(limit, window, nil)
	}
}

// NewDeliveryHandlers constructs a new DeliveryHandlers instance.
func NewDeliveryHandlers(delivery services.DeliveryConfirmationService, opts ...DeliveryOption) *DeliveryHandlers {
	h := &DeliveryHandlers{delivery: delivery}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *DeliveryHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/orders/{orderID}:verify-otp", h.verify(services.DeliveryConfirmationService.Verify))
	r.Post("/orders/{orderID}:start-delivery", h.startDelivery)
	r.Post("/orders/{orderID}:verify-delivery-otp", h.verify(services.DeliveryConfirmationService.VerifyIndividualOrderOTP))
}

type verifyFunc func(services.DeliveryConfirmationService, context.Context, services.VerifyOTPCommand) (services.VerificationResult, error)

func (h *DeliveryHandlers) verify(apply verifyFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if h.delivery == nil {
			writeDeliveryServiceUnavailable(ctx, w)
			return
		}
		shopID, actor, ok := shopScope(ctx)
		if !ok {
			writeShopUnauthorized(ctx, w)
			return
		}
		orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
		if orderID == "" {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
			return
		}
		if h.verifyLimiter != nil && !h.verifyLimiter.Allow(shopID) {
			httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many verification attempts", http.StatusTooManyRequests))
			return
		}

		data, err := readLimitedBody(r, maxVerifyBodySize)
		if err != nil {
			writeBodyError(ctx, w, err)
			return
		}
		var req verifyOTPRequest
		if err := json.Unmarshal(data, &req); err != nil {
			writeBodyError(ctx, w, err)
			return
		}

		result, err := apply(h.delivery, ctx, services.VerifyOTPCommand{
			OrderID: orderID,
			ShopID:  shopID,
			ActorID: actor,
			Code:    req.Code,
		})
		if err != nil {
			if isVerificationRejection(err) {
				httpx.WriteJSON(w, http.StatusOK, verificationResponse{Success: false, Message: result.Message})
				return
			}
			writeDeliveryError(ctx, w, err)
			return
		}

		order := buildOrderPayload(result.Order)
		httpx.WriteJSON(w, http.StatusOK, verificationResponse{
			Success: result.Success,
			Message: result.Message,
			Order:   &order,
		})
	}
}

func (h *DeliveryHandlers) startDelivery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.delivery == nil {
		writeDeliveryServiceUnavailable(ctx, w)
		return
	}
	shopID, actor, ok := shopScope(ctx)
	if !ok {
		writeShopUnauthorized(ctx, w)
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.delivery.StartIndividualDelivery(ctx, services.StartIndividualDeliveryCommand{
		OrderID: orderID,
		ShopID:  shopID,
		ActorID: actor,
	})
	if err != nil {
		writeDeliveryError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(order))
}

// isVerificationRejection reports outcomes shown to the vendor as {success:false} rather than as errors.
func isVerificationRejection(err error) bool {
	return errors.Is(err, services.ErrDeliveryInvalidState) ||
		errors.Is(err, services.ErrDeliveryIncorrectCode) ||
		errors.Is(err, services.ErrDeliveryThrottled)
}

func writeDeliveryServiceUnavailable(ctx context.Context, w http.ResponseWriter) {
	httpx.WriteError(ctx, w, httpx.NewError("delivery_service_unavailable", "delivery service unavailable", http.StatusServiceUnavailable))
}

func writeDeliveryError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrDeliveryUnauthorized):
		httpx.WriteError(ctx, w, httpx.NewError("unauthorized", "caller does not own a shop", http.StatusUnauthorized))
	case errors.Is(err, services.ErrDeliveryNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrDeliveryInvalidCode):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_code", "code must be exactly 4 digits", http.StatusBadRequest))
	case errors.Is(err, services.ErrDeliveryInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", errorMessage(err, services.ErrDeliveryInvalidInput), http.StatusBadRequest))
	case errors.Is(err, services.ErrDeliveryInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", errorMessage(err, services.ErrDeliveryInvalidState), http.StatusConflict))
	case errors.Is(err, services.ErrDeliveryUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("delivery_unavailable", "order store unavailable, retry later", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("delivery_error", "failed to process delivery request", http.StatusInternalServerError))
	}
}
