package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"

	"github.com/go-chi/chi/v5"

	domain "github.com/campusdash/api/internal/domain"
	"github.com/campusdash/api/internal/platform/auth"
	"github.com/campusdash/api/internal/services"
)

var errStubNotConfigured = errors.New("stub not configured")

type stubSystemService struct {
	report services.SystemHealthReport
	err    error
}

func (s *stubSystemService) HealthReport(context.Context) (services.SystemHealthReport, error) {
	return s.report, s.err
}

type stubBatchService struct {
	lockFn     func(context.Context, services.BatchTransitionCommand) (services.Batch, error)
	startFn    func(context.Context, services.BatchTransitionCommand) (services.Batch, error)
	completeFn func(context.Context, services.BatchTransitionCommand) (services.Batch, error)
	cancelFn   func(context.Context, services.CancelBatchCommand) (services.CancelBatchResult, error)
	getFn      func(context.Context, string, string) (services.BatchWithOrders, error)
	listFn     func(context.Context, services.BatchListFilter) (domain.CursorPage[services.Batch], error)
}

func (s *stubBatchService) Lock(ctx context.Context, cmd services.BatchTransitionCommand) (services.Batch, error) {
	if s.lockFn == nil {
		return services.Batch{}, errStubNotConfigured
	}
	return s.lockFn(ctx, cmd)
}

func (s *stubBatchService) StartDelivery(ctx context.Context, cmd services.BatchTransitionCommand) (services.Batch, error) {
	if s.startFn == nil {
		return services.Batch{}, errStubNotConfigured
	}
	return s.startFn(ctx, cmd)
}

func (s *stubBatchService) Complete(ctx context.Context, cmd services.BatchTransitionCommand) (services.Batch, error) {
	if s.completeFn == nil {
		return services.Batch{}, errStubNotConfigured
	}
	return s.completeFn(ctx, cmd)
}

func (s *stubBatchService) Cancel(ctx context.Context, cmd services.CancelBatchCommand) (services.CancelBatchResult, error) {
	if s.cancelFn == nil {
		return services.CancelBatchResult{}, errStubNotConfigured
	}
	return s.cancelFn(ctx, cmd)
}

func (s *stubBatchService) GetBatch(ctx context.Context, shopID, batchID string) (services.BatchWithOrders, error) {
	if s.getFn == nil {
		return services.BatchWithOrders{}, errStubNotConfigured
	}
	return s.getFn(ctx, shopID, batchID)
}

func (s *stubBatchService) ListBatches(ctx context.Context, filter services.BatchListFilter) (domain.CursorPage[services.Batch], error) {
	if s.listFn == nil {
		return domain.CursorPage[services.Batch]{}, errStubNotConfigured
	}
	return s.listFn(ctx, filter)
}

type stubDeliveryService struct {
	verifyFn           func(context.Context, services.VerifyOTPCommand) (services.VerificationResult, error)
	verifyIndividualFn func(context.Context, services.VerifyOTPCommand) (services.VerificationResult, error)
	startFn            func(context.Context, services.StartIndividualDeliveryCommand) (services.Order, error)
}

func (s *stubDeliveryService) IssueOTP(context.Context, *services.Order) (string, error) {
	return "", errStubNotConfigured
}

func (s *stubDeliveryService) Verify(ctx context.Context, cmd services.VerifyOTPCommand) (services.VerificationResult, error) {
	if s.verifyFn == nil {
		return services.VerificationResult{}, errStubNotConfigured
	}
	return s.verifyFn(ctx, cmd)
}

func (s *stubDeliveryService) StartIndividualDelivery(ctx context.Context, cmd services.StartIndividualDeliveryCommand) (services.Order, error) {
	if s.startFn == nil {
		return services.Order{}, errStubNotConfigured
	}
	return s.startFn(ctx, cmd)
}

func (s *stubDeliveryService) VerifyIndividualOrderOTP(ctx context.Context, cmd services.VerifyOTPCommand) (services.VerificationResult, error) {
	if s.verifyIndividualFn == nil {
		return services.VerificationResult{}, errStubNotConfigured
	}
	return s.verifyIndividualFn(ctx, cmd)
}

type stubSlotScheduler struct {
	nextFn   func(context.Context, string) (services.SlotInfo, error)
	assignFn func(context.Context, string, string) (*string, error)
	slotsFn  func(context.Context, string) (services.ShopBatchConfig, error)
	updateFn func(context.Context, services.UpdateSlotsCommand) (services.ShopBatchConfig, error)
}

func (s *stubSlotScheduler) NextSlot(ctx context.Context, shopID string) (services.SlotInfo, error) {
	if s.nextFn == nil {
		return services.SlotInfo{}, errStubNotConfigured
	}
	return s.nextFn(ctx, shopID)
}

func (s *stubSlotScheduler) AssignOrderToBatch(ctx context.Context, shopID, orderID string) (*string, error) {
	if s.assignFn == nil {
		return nil, errStubNotConfigured
	}
	return s.assignFn(ctx, shopID, orderID)
}

func (s *stubSlotScheduler) Slots(ctx context.Context, shopID string) (services.ShopBatchConfig, error) {
	if s.slotsFn == nil {
		return services.ShopBatchConfig{}, errStubNotConfigured
	}
	return s.slotsFn(ctx, shopID)
}

func (s *stubSlotScheduler) UpdateSlots(ctx context.Context, cmd services.UpdateSlotsCommand) (services.ShopBatchConfig, error) {
	if s.updateFn == nil {
		return services.ShopBatchConfig{}, errStubNotConfigured
	}
	return s.updateFn(ctx, cmd)
}

var (
	_ services.SystemService               = (*stubSystemService)(nil)
	_ services.BatchLifecycleService       = (*stubBatchService)(nil)
	_ services.DeliveryConfirmationService = (*stubDeliveryService)(nil)
	_ services.SlotScheduler               = (*stubSlotScheduler)(nil)
)

// asShopOwner attaches an owner identity that already passed shop resolution.
func asShopOwner(req *http.Request, uid, shopID string) *http.Request {
	ctx := auth.WithIdentity(req.Context(), &auth.Identity{UID: uid, ShopID: shopID, Roles: []string{auth.RoleVendor}})
	return req.WithContext(ctx)
}

func serve(routes RouteRegistrar, req *http.Request) *httptest.ResponseRecorder {
	router := chi.NewRouter()
	routes(router)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}
