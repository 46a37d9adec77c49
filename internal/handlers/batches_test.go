package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	domain "github.com/campusdash/api/internal/domain"
	"github.com/campusdash/api/internal/platform/pagination"
	"github.com/campusdash/api/internal/services"
)

func TestBatchHandlers_ListBatches(t *testing.T) {
	cutoff := time.Date(2025, 5, 1, 12, 30, 0, 0, time.UTC)
	var captured services.BatchListFilter
	svc := &stubBatchService{
		listFn: func(_ context.Context, filter services.BatchListFilter) (domain.CursorPage[services.Batch], error) {
			captured = filter
			return domain.CursorPage[services.Batch]{
				Items:         []services.Batch{{ID: "bat_1", ShopID: "shop_1", CutoffTime: cutoff, Label: "Lunch", Status: domain.BatchStatusOpen}},
				NextPageToken: "next",
			}, nil
		},
	}
	handler := NewBatchHandlers(svc)
	token, err := pagination.EncodeKeyset(cutoff, "bat_0")
	if err != nil {
		t.Fatalf("encode token: %v", err)
	}

	req := asShopOwner(httptest.NewRequest(http.MethodGet, "/batches?status=open,locked&page_size=500&page_token="+token, nil), "owner-1", "shop_1")
	rr := serve(handler.Routes, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if captured.ShopID != "shop_1" {
		t.Fatalf("expected owned shop scope, got %q", captured.ShopID)
	}
	if len(captured.Statuses) != 2 || captured.Statuses[0] != domain.BatchStatusOpen || captured.Statuses[1] != domain.BatchStatusLocked {
		t.Fatalf("unexpected statuses %v", captured.Statuses)
	}
	if captured.Pagination.PageSize != maxBatchPageSize || captured.Pagination.PageToken != token {
		t.Fatalf("unexpected pagination %+v", captured.Pagination)
	}

	var body batchListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Items) != 1 || body.Items[0].CutoffTime != "2025-05-01T12:30:00Z" || body.NextPageToken != "next" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestBatchHandlers_ListBatchesRejectsTamperedPageToken(t *testing.T) {
	handler := NewBatchHandlers(&stubBatchService{})

	req := asShopOwner(httptest.NewRequest(http.MethodGet, "/batches?page_token=tok", nil), "owner-1", "shop_1")
	rr := serve(handler.Routes, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestBatchHandlers_ListBatchesRejectsUnknownStatus(t *testing.T) {
	handler := NewBatchHandlers(&stubBatchService{})

	req := asShopOwner(httptest.NewRequest(http.MethodGet, "/batches?status=shipped", nil), "owner-1", "shop_1")
	rr := serve(handler.Routes, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestBatchHandlers_GetBatchRedactsOTP(t *testing.T) {
	code := "1234"
	batchID := "bat_1"
	svc := &stubBatchService{
		getFn: func(_ context.Context, shopID, id string) (services.BatchWithOrders, error) {
			if shopID != "shop_1" || id != "bat_1" {
				t.Fatalf("unexpected lookup %s/%s", shopID, id)
			}
			return services.BatchWithOrders{
				Batch: services.Batch{ID: id, ShopID: shopID, Status: domain.BatchStatusInProgress},
				Orders: []services.Order{{
					ID:          "ord_1",
					ShopID:      shopID,
					BatchID:     &batchID,
					Status:      domain.OrderStatusOutForDelivery,
					DeliveryOTP: &code,
					Items:       []services.OrderItem{{ProductID: "prod_1", Quantity: 2, PriceAtOrderTime: 450}},
				}},
			}, nil
		},
	}
	handler := NewBatchHandlers(svc)

	rr := serve(handler.Routes, asShopOwner(httptest.NewRequest(http.MethodGet, "/batches/bat_1", nil), "owner-1", "shop_1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), code) {
		t.Fatalf("delivery code leaked in %s", rr.Body.String())
	}
	var body batchPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Orders) != 1 || body.Orders[0].BatchID != "bat_1" || body.Orders[0].Items[0].Quantity != 2 {
		t.Fatalf("unexpected orders %+v", body.Orders)
	}
}

func TestBatchHandlers_Transitions(t *testing.T) {
	cases := []struct {
		path   string
		status domain.BatchStatus
		stub   func(*stubBatchService, func(context.Context, services.BatchTransitionCommand) (services.Batch, error))
	}{
		{"/batches/bat_1:lock", domain.BatchStatusLocked, func(s *stubBatchService, fn func(context.Context, services.BatchTransitionCommand) (services.Batch, error)) {
			s.lockFn = fn
		}},
		{"/batches/bat_1:start-delivery", domain.BatchStatusInProgress, func(s *stubBatchService, fn func(context.Context, services.BatchTransitionCommand) (services.Batch, error)) {
			s.startFn = fn
		}},
		{"/batches/bat_1:complete", domain.BatchStatusCompleted, func(s *stubBatchService, fn func(context.Context, services.BatchTransitionCommand) (services.Batch, error)) {
			s.completeFn = fn
		}},
	}

	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			svc := &stubBatchService{}
			var got services.BatchTransitionCommand
			tc.stub(svc, func(_ context.Context, cmd services.BatchTransitionCommand) (services.Batch, error) {
				got = cmd
				return services.Batch{ID: cmd.BatchID, ShopID: cmd.ShopID, Status: tc.status}, nil
			})

			rr := serve(NewBatchHandlers(svc).Routes, asShopOwner(httptest.NewRequest(http.MethodPost, tc.path, nil), "owner-1", "shop_1"))

			if rr.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
			}
			if got.BatchID != "bat_1" || got.ShopID != "shop_1" || got.ActorID != "user:owner-1" {
				t.Fatalf("unexpected command %+v", got)
			}
			var body batchPayload
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Status != string(tc.status) {
				t.Fatalf("expected %s, got %s", tc.status, body.Status)
			}
		})
	}
}

func TestBatchHandlers_CancelBatch(t *testing.T) {
	var got services.CancelBatchCommand
	svc := &stubBatchService{
		cancelFn: func(_ context.Context, cmd services.CancelBatchCommand) (services.CancelBatchResult, error) {
			got = cmd
			return services.CancelBatchResult{
				Batch:           services.Batch{ID: cmd.BatchID, Status: domain.BatchStatusCancelled, CancelReason: "Rain"},
				CancelledOrders: 3,
			}, nil
		},
	}
	handler := NewBatchHandlers(svc)

	t.Run("with reason", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/batches/bat_1:cancel", strings.NewReader(`{"reason":"Rain"}`))
		rr := serve(handler.Routes, asShopOwner(req, "owner-1", "shop_1"))

		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		if got.Reason != "Rain" || got.ShopID != "shop_1" {
			t.Fatalf("unexpected command %+v", got)
		}
		var body map[string]any
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["cancelled_orders"] != float64(3) {
			t.Fatalf("expected cancelled_orders 3, got %v", body["cancelled_orders"])
		}
	})

	t.Run("without body", func(t *testing.T) {
		got = services.CancelBatchCommand{}
		rr := serve(handler.Routes, asShopOwner(httptest.NewRequest(http.MethodPost, "/batches/bat_1:cancel", nil), "owner-1", "shop_1"))

		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		if got.Reason != "" || got.BatchID != "bat_1" {
			t.Fatalf("unexpected command %+v", got)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/batches/bat_1:cancel", strings.NewReader(`{"reason":`))
		rr := serve(handler.Routes, asShopOwner(req, "owner-1", "shop_1"))

		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rr.Code)
		}
	})
}

func TestBatchHandlers_ErrorMapping(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		status  int
		code    string
		message string
	}{
		{"not found", fmt.Errorf("%w: batch bat_1", services.ErrBatchNotFound), http.StatusNotFound, "batch_not_found", "batch not found"},
		{"wrong state", fmt.Errorf("%w: batch is LOCKED, expected OPEN", services.ErrBatchInvalidState), http.StatusConflict, "batch_invalid_state", "batch is LOCKED, expected OPEN"},
		{"foreign shop", fmt.Errorf("%w: batch does not belong to shop", services.ErrBatchInvalidInput), http.StatusBadRequest, "invalid_request", "batch does not belong to shop"},
		{"unauthorized", services.ErrBatchUnauthorized, http.StatusUnauthorized, "unauthorized", ""},
		{"unavailable", fmt.Errorf("%w: retries exhausted", services.ErrBatchUnavailable), http.StatusServiceUnavailable, "batch_unavailable", ""},
		{"compensation", fmt.Errorf("%w: restore stock", services.ErrCompensationFailed), http.StatusInternalServerError, "compensation_failed", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubBatchService{
				lockFn: func(context.Context, services.BatchTransitionCommand) (services.Batch, error) {
					return services.Batch{}, tc.err
				},
			}
			rr := serve(NewBatchHandlers(svc).Routes, asShopOwner(httptest.NewRequest(http.MethodPost, "/batches/bat_1:lock", nil), "owner-1", "shop_1"))

			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["error"] != tc.code {
				t.Fatalf("expected code %s, got %v", tc.code, body["error"])
			}
			if tc.message != "" && body["message"] != tc.message {
				t.Fatalf("expected message %q, got %v", tc.message, body["message"])
			}
		})
	}
}

func TestBatchHandlers_RequiresShopScope(t *testing.T) {
	handler := NewBatchHandlers(&stubBatchService{})

	rr := serve(handler.Routes, httptest.NewRequest(http.MethodPost, "/batches/bat_1:lock", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestBatchHandlers_ServiceUnavailable(t *testing.T) {
	handler := NewBatchHandlers(nil)

	rr := serve(handler.Routes, asShopOwner(httptest.NewRequest(http.MethodGet, "/batches", nil), "owner-1", "shop_1"))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
