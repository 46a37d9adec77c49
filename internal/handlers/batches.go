package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/campusdash/api/internal/domain"
	"github.com/campusdash/api/internal/platform/auth"
	"github.com/campusdash/api/internal/platform/httpx"
	"github.com/campusdash/api/internal/platform/pagination"
	"github.com/campusdash/api/internal/services"
)

const (
	defaultBatchPageSize   = 20
	maxBatchPageSize       = 100
	maxBatchCancelBodySize = 4 * 1024
)

type cancelBatchRequest struct {
	Reason string `json:"reason"`
}

type cancelBatchResponse struct {
	CancelledOrders int          `json:"cancelled_orders"`
	Batch           batchPayload `json:"batch"`
}

// BatchHandlers exposes the vendor batch lifecycle under /shop/batches.
type BatchHandlers struct {
	batches services.BatchLifecycleService
}

// NewBatchHandlers constructs a new BatchHandlers instance.
func NewBatchHandlers(batches services.BatchLifecycleService) *BatchHandlers {
	return &BatchHandlers{batches: batches}
}

// Routes registers the /batches endpoints. Shop ownership is enforced by the group middleware.
func (h *BatchHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/batches", h.listBatches)
	r.Get("/batches/{batchID}", h.getBatch)
	r.Post("/batches/{batchID}:lock", h.transition(services.BatchLifecycleService.Lock))
	r.Post("/batches/{batchID}:start-delivery", h.transition(services.BatchLifecycleService.StartDelivery))
	r.Post("/batches/{batchID}:complete", h.transition(services.BatchLifecycleService.Complete))
	r.Post("/batches/{batchID}:cancel", h.cancelBatch)
}

func (h *BatchHandlers) listBatches(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.batches == nil {
		writeBatchServiceUnavailable(ctx, w)
		return
	}
	shopID, _, ok := shopScope(ctx)
	if !ok {
		writeShopUnauthorized(ctx, w)
		return
	}

	query := r.URL.Query()
	var statuses []services.BatchStatus
	for _, raw := range parseFilterValues(query["status"]) {
		status := domain.BatchStatus(raw)
		if !status.IsValid() {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unknown batch status "+raw, http.StatusBadRequest))
			return
		}
		statuses = append(statuses, status)
	}

	pageParams, err := pagination.Parse(query, pagination.Options{DefaultPageSize: defaultBatchPageSize, MaxPageSize: maxBatchPageSize})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.batches.ListBatches(ctx, services.BatchListFilter{
		ShopID:   shopID,
		Statuses: statuses,
		Pagination: services.Pagination{
			PageSize:  pageParams.PageSize,
			PageToken: pageParams.PageToken,
		},
	})
	if err != nil {
		writeBatchError(ctx, w, err)
		return
	}

	response := batchListResponse{
		Items:         make([]batchPayload, 0, len(page.Items)),
		NextPageToken: page.NextPageToken,
	}
	for _, batch := range page.Items {
		response.Items = append(response.Items, buildBatchPayload(batch))
	}
	httpx.WriteJSON(w, http.StatusOK, response)
}

func (h *BatchHandlers) getBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.batches == nil {
		writeBatchServiceUnavailable(ctx, w)
		return
	}
	shopID, _, ok := shopScope(ctx)
	if !ok {
		writeShopUnauthorized(ctx, w)
		return
	}
	batchID := strings.TrimSpace(chi.URLParam(r, "batchID"))
	if batchID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "batch id is required", http.StatusBadRequest))
		return
	}

	detail, err := h.batches.GetBatch(ctx, shopID, batchID)
	if err != nil {
		writeBatchError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildBatchDetailPayload(detail))
}

type batchTransitionFunc func(services.BatchLifecycleService, context.Context, services.BatchTransitionCommand) (services.Batch, error)

func (h *BatchHandlers) transition(apply batchTransitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if h.batches == nil {
			writeBatchServiceUnavailable(ctx, w)
			return
		}
		shopID, actor, ok := shopScope(ctx)
		if !ok {
			writeShopUnauthorized(ctx, w)
			return
		}
		batchID := strings.TrimSpace(chi.URLParam(r, "batchID"))
		if batchID == "" {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "batch id is required", http.StatusBadRequest))
			return
		}

		batch, err := apply(h.batches, ctx, services.BatchTransitionCommand{
			BatchID: batchID,
			ShopID:  shopID,
			ActorID: actor,
		})
		if err != nil {
			writeBatchError(ctx, w, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, buildBatchPayload(batch))
	}
}

func (h *BatchHandlers) cancelBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.batches == nil {
		writeBatchServiceUnavailable(ctx, w)
		return
	}
	shopID, actor, ok := shopScope(ctx)
	if !ok {
		writeShopUnauthorized(ctx, w)
		return
	}
	batchID := strings.TrimSpace(chi.URLParam(r, "batchID"))
	if batchID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "batch id is required", http.StatusBadRequest))
		return
	}

	var req cancelBatchRequest
	if err := decodeOptionalBody(r, maxBatchCancelBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	result, err := h.batches.Cancel(ctx, services.CancelBatchCommand{
		BatchID: batchID,
		ShopID:  shopID,
		ActorID: actor,
		Reason:  req.Reason,
	})
	if err != nil {
		writeBatchError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, cancelBatchResponse{
		CancelledOrders: result.CancelledOrders,
		Batch:           buildBatchPayload(result.Batch),
	})
}

// shopScope returns the owned shop and audit actor placed on the context by auth.RequireShopOwner.
func shopScope(ctx context.Context) (string, string, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		return "", "", false
	}
	shopID := strings.TrimSpace(identity.ShopID)
	if shopID == "" {
		return "", "", false
	}
	return shopID, identity.Actor(), true
}

func writeShopUnauthorized(ctx context.Context, w http.ResponseWriter) {
	httpx.WriteError(ctx, w, httpx.NewError("unauthorized", "caller does not own a shop", http.StatusUnauthorized))
}

func writeBatchServiceUnavailable(ctx context.Context, w http.ResponseWriter) {
	httpx.WriteError(ctx, w, httpx.NewError("batch_service_unavailable", "batch service unavailable", http.StatusServiceUnavailable))
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body too large", http.StatusRequestEntityTooLarge))
	case errors.Is(err, errEmptyBody):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_json", "request body must be valid JSON", http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "failed to read request body", http.StatusBadRequest))
	}
}

func writeBatchError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrBatchUnauthorized):
		httpx.WriteError(ctx, w, httpx.NewError("unauthorized", "caller does not own a shop", http.StatusUnauthorized))
	case errors.Is(err, services.ErrBatchNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("batch_not_found", "batch not found", http.StatusNotFound))
	case errors.Is(err, services.ErrBatchInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", errorMessage(err, services.ErrBatchInvalidInput), http.StatusBadRequest))
	case errors.Is(err, services.ErrBatchInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("batch_invalid_state", errorMessage(err, services.ErrBatchInvalidState), http.StatusConflict))
	case errors.Is(err, services.ErrCompensationFailed):
		httpx.WriteError(ctx, w, httpx.NewError("compensation_failed", "batch cancellation was rolled back", http.StatusInternalServerError))
	case errors.Is(err, services.ErrBatchUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("batch_unavailable", "batch store unavailable, retry later", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("batch_error", "failed to process batch request", http.StatusInternalServerError))
	}
}

// errorMessage strips the sentinel prefix so only the human readable detail reaches the client.
func errorMessage(err, sentinel error) string {
	msg := err.Error()
	if detail, found := strings.CutPrefix(msg, sentinel.Error()+": "); found && strings.TrimSpace(detail) != "" {
		return strings.TrimSpace(detail)
	}
	return msg
}
