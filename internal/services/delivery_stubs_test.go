package services

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	domain "github.com/campusdash/api/internal/domain"
	"github.com/campusdash/api/internal/repositories"
)

type stubRepoError struct {
	msg         string
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *stubRepoError) Error() string       { return e.msg }
func (e *stubRepoError) IsNotFound() bool    { return e.notFound }
func (e *stubRepoError) IsConflict() bool    { return e.conflict }
func (e *stubRepoError) IsUnavailable() bool { return e.unavailable }

func notFoundErr(what string) error {
	return &stubRepoError{msg: what + " not found", notFound: true}
}

type stubShopRepo struct {
	shops     map[string]domain.Shop
	updateErr error
}

func newStubShopRepo(shops ...domain.Shop) *stubShopRepo {
	repo := &stubShopRepo{shops: map[string]domain.Shop{}}
	for _, shop := range shops {
		repo.shops[shop.ID] = shop
	}
	return repo
}

func (s *stubShopRepo) FindByID(_ context.Context, shopID string) (domain.Shop, error) {
	shop, ok := s.shops[shopID]
	if !ok {
		return domain.Shop{}, notFoundErr("shop")
	}
	return shop, nil
}

func (s *stubShopRepo) FindByOwner(_ context.Context, ownerID string) (domain.Shop, error) {
	for _, shop := range s.shops {
		if shop.OwnerID == ownerID {
			return shop, nil
		}
	}
	return domain.Shop{}, notFoundErr("shop")
}

func (s *stubShopRepo) UpdateBatchConfig(_ context.Context, cfg domain.ShopBatchConfig) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	shop, ok := s.shops[cfg.ShopID]
	if !ok {
		return notFoundErr("shop")
	}
	shop.BatchConfig = cfg
	s.shops[cfg.ShopID] = shop
	return nil
}

// stubBatchRepo enforces the single-OPEN-batch-per-cutoff constraint like the real stores.
type stubBatchRepo struct {
	mu        sync.Mutex
	batches   map[string]domain.Batch
	inserts   int
	insertErr error
	updateErr error
	listFn    func(repositories.BatchListFilter) (domain.CursorPage[domain.Batch], error)
}

func newStubBatchRepo(batches ...domain.Batch) *stubBatchRepo {
	repo := &stubBatchRepo{batches: map[string]domain.Batch{}}
	for _, batch := range batches {
		repo.batches[batch.ID] = batch
	}
	return repo
}

func (s *stubBatchRepo) Insert(_ context.Context, batch domain.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	for _, existing := range s.batches {
		if existing.Status == domain.BatchStatusOpen && existing.ShopID == batch.ShopID && existing.CutoffTime.Equal(batch.CutoffTime) {
			return &stubRepoError{msg: "open batch exists", conflict: true}
		}
	}
	s.inserts++
	s.batches[batch.ID] = batch
	return nil
}

func (s *stubBatchRepo) Update(_ context.Context, batch domain.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	if _, ok := s.batches[batch.ID]; !ok {
		return notFoundErr("batch")
	}
	s.batches[batch.ID] = batch
	return nil
}

func (s *stubBatchRepo) FindByID(_ context.Context, batchID string) (domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return domain.Batch{}, notFoundErr("batch")
	}
	return batch, nil
}

func (s *stubBatchRepo) FindLatestForCutoff(_ context.Context, shopID string, cutoff time.Time) (domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		latest domain.Batch
		found  bool
	)
	for _, batch := range s.batches {
		if batch.ShopID != shopID || !batch.CutoffTime.Equal(cutoff) {
			continue
		}
		if !found || batch.CreatedAt.After(latest.CreatedAt) || (batch.CreatedAt.Equal(latest.CreatedAt) && batch.ID > latest.ID) {
			latest, found = batch, true
		}
	}
	if !found {
		return domain.Batch{}, notFoundErr("batch")
	}
	return latest, nil
}

func (s *stubBatchRepo) List(_ context.Context, filter repositories.BatchListFilter) (domain.CursorPage[domain.Batch], error) {
	if s.listFn != nil {
		return s.listFn(filter)
	}
	return domain.CursorPage[domain.Batch]{}, nil
}

func (s *stubBatchRepo) get(id string) domain.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches[id]
}

type stubOrderRepo struct {
	mu        sync.Mutex
	orders    map[string]domain.Order
	updates   int
	updateErr error
}

func newStubOrderRepo(orders ...domain.Order) *stubOrderRepo {
	repo := &stubOrderRepo{orders: map[string]domain.Order{}}
	for _, order := range orders {
		repo.orders[order.ID] = order
	}
	return repo
}

func (s *stubOrderRepo) Insert(_ context.Context, order domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ID] = order
	return nil
}

func (s *stubOrderRepo) Update(_ context.Context, order domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	if _, ok := s.orders[order.ID]; !ok {
		return notFoundErr("order")
	}
	s.updates++
	s.orders[order.ID] = order
	return nil
}

func (s *stubOrderRepo) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, notFoundErr("order")
	}
	return order, nil
}

func (s *stubOrderRepo) ListByBatch(_ context.Context, batchID string) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []domain.Order
	for _, order := range s.orders {
		if order.BatchID != nil && *order.BatchID == batchID {
			result = append(result, order)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *stubOrderRepo) get(id string) domain.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[id]
}

type stubStockRepo struct {
	quantities map[string]int
	calls      []string
	ops        []string
	failFor    string
}

func (s *stubStockRepo) Increment(_ context.Context, productID string, delta int) error {
	s.ops = append(s.ops, "increment:"+productID)
	if productID == s.failFor {
		return repositories.NewStockError("stock.increment", repositories.StockErrorProductNotFound, "missing", nil)
	}
	if s.quantities == nil {
		s.quantities = map[string]int{}
	}
	s.calls = append(s.calls, productID)
	s.quantities[productID] += delta
	return nil
}

func (s *stubStockRepo) Quantity(_ context.Context, productID string) (int, error) {
	s.ops = append(s.ops, "read:"+productID)
	if productID == s.failFor {
		return 0, repositories.NewStockError("stock.quantity", repositories.StockErrorProductNotFound, "missing", nil)
	}
	return s.quantities[productID], nil
}

// snapshotUnitOfWork restores order and batch state when fn fails, mimicking a rolled back transaction.
type snapshotUnitOfWork struct {
	orders  *stubOrderRepo
	batches *stubBatchRepo
	stock   *stubStockRepo
	calls   int
}

func (u *snapshotUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	u.calls++
	var (
		orders  map[string]domain.Order
		batches map[string]domain.Batch
		stock   map[string]int
	)
	if u.orders != nil {
		orders = maps.Clone(u.orders.orders)
	}
	if u.batches != nil {
		batches = maps.Clone(u.batches.batches)
	}
	if u.stock != nil {
		stock = maps.Clone(u.stock.quantities)
	}
	err := fn(ctx)
	if err != nil {
		if u.orders != nil {
			u.orders.orders = orders
		}
		if u.batches != nil {
			u.batches.batches = batches
		}
		if u.stock != nil {
			u.stock.quantities = stock
		}
	}
	return err
}

type recordingPublisher struct {
	events []domain.DeliveryEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event domain.DeliveryEvent) error {
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) types() []string {
	result := make([]string, 0, len(p.events))
	for _, event := range p.events {
		result = append(result, event.Type)
	}
	return result
}

type recordingAudit struct {
	records []AuditLogRecord
}

func (a *recordingAudit) Record(_ context.Context, record AuditLogRecord) {
	a.records = append(a.records, record)
}

func (a *recordingAudit) List(context.Context, AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error) {
	return domain.CursorPage[domain.AuditLogEntry]{}, nil
}

func (a *recordingAudit) actions() []string {
	result := make([]string, 0, len(a.records))
	for _, record := range a.records {
		result = append(result, record.Action)
	}
	return result
}

type fixedReader struct {
	value byte
}

func (r fixedReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = r.value
	}
	return len(p), nil
}

func sequentialIDs(prefix string) func() string {
	var n int
	return func() string {
		n++
		return fmt.Sprintf("%s%02d", prefix, n)
	}
}

func strPtr(v string) *string {
	return &v
}
