package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/campusdash/api/internal/services"
)

func TestCheckoutHandlers_AssignBatch(t *testing.T) {
	batchID := "bat_7"
	var gotShop, gotOrder string
	svc := &stubSlotScheduler{
		assignFn: func(_ context.Context, shopID, orderID string) (*string, error) {
			gotShop, gotOrder = shopID, orderID
			return &batchID, nil
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/checkout/orders/ord_1:assign-batch", strings.NewReader(`{"shop_id":" shop_1 "}`))
	rr := serve(NewCheckoutHandlers(svc).Routes, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if gotShop != "shop_1" || gotOrder != "ord_1" {
		t.Fatalf("unexpected call %s/%s", gotShop, gotOrder)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["batch_id"] != "bat_7" || body["order_id"] != "ord_1" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestCheckoutHandlers_AssignBatchDirectDelivery(t *testing.T) {
	svc := &stubSlotScheduler{
		assignFn: func(context.Context, string, string) (*string, error) {
			return nil, nil
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/checkout/orders/ord_1:assign-batch", strings.NewReader(`{"shop_id":"shop_1"}`))
	rr := serve(NewCheckoutHandlers(svc).Routes, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if value, ok := body["batch_id"]; !ok || value != nil {
		t.Fatalf("expected explicit null batch_id, got %v", body)
	}
}

func TestCheckoutHandlers_AssignBatchErrors(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"missing shop", `{}`, nil, http.StatusBadRequest},
		{"invalid json", `{"shop_id":`, nil, http.StatusBadRequest},
		{"unknown order", `{"shop_id":"shop_1"}`, fmt.Errorf("%w: ord_1", services.ErrSlotOrderNotFound), http.StatusNotFound},
		{"already batched", `{"shop_id":"shop_1"}`, fmt.Errorf("%w: order is BATCHED", services.ErrSlotOrderIneligible), http.StatusConflict},
		{"store down", `{"shop_id":"shop_1"}`, fmt.Errorf("%w: timeout", services.ErrSlotUnavailable), http.StatusServiceUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubSlotScheduler{
				assignFn: func(context.Context, string, string) (*string, error) {
					return nil, tc.err
				},
			}
			req := httptest.NewRequest(http.MethodPost, "/checkout/orders/ord_1:assign-batch", strings.NewReader(tc.body))
			rr := serve(NewCheckoutHandlers(svc).Routes, req)

			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
		})
	}
}
