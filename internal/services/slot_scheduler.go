package services

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	domain "github.com/campusdash/api/internal/domain"
	"github.com/campusdash/api/internal/repositories"
)

const (
	minutesPerDay     = 24 * 60
	maxSlotsPerShop   = 48
	maxSlotLabelRunes = 64
)

var (
	// ErrSlotInvalidInput signals malformed slot configuration or identifiers.
	ErrSlotInvalidInput = errors.New("slot: invalid input")
	// ErrSlotShopNotFound indicates the shop does not exist.
	ErrSlotShopNotFound = errors.New("slot: shop not found")
	// ErrSlotOrderNotFound indicates the order to assign does not exist.
	ErrSlotOrderNotFound = errors.New("slot: order not found")
	// ErrSlotOrderIneligible indicates the order already left NEW.
	ErrSlotOrderIneligible = errors.New("slot: order cannot be assigned")
	// ErrSlotUnavailable indicates storage failures or exhausted transaction retries.
	ErrSlotUnavailable = errors.New("slot: unavailable")
)

// SlotSchedulerDeps bundles collaborators required to construct the slot scheduler.
type SlotSchedulerDeps struct {
	Shops       repositories.ShopRepository
	Batches     repositories.BatchRepository
	Orders      repositories.OrderRepository
	UnitOfWork  repositories.UnitOfWork
	Location    *time.Location
	Clock       func() time.Time
	IDGenerator func() string
	Events      EventPublisher
	Audit       AuditLogService
	Logger      Logger
}

type slotScheduler struct {
	shops      repositories.ShopRepository
	batches    repositories.BatchRepository
	orders     repositories.OrderRepository
	unitOfWork repositories.UnitOfWork
	location   *time.Location
	clock      func() time.Time
	newID      func() string
	emitter    eventEmitter
	audit      AuditLogService
	logger     Logger
}

// NewSlotScheduler wires dependencies into a SlotScheduler.
func NewSlotScheduler(deps SlotSchedulerDeps) (SlotScheduler, error) {
	if deps.Shops == nil {
		return nil, errors.New("slot scheduler: shop repository is required")
	}
	if deps.Batches == nil {
		return nil, errors.New("slot scheduler: batch repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("slot scheduler: order repository is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	loc := deps.Location
	if loc == nil {
		loc = time.UTC
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = defaultIDGenerator
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}

	return &slotScheduler{
		shops:      deps.Shops,
		batches:    deps.Batches,
		orders:     deps.Orders,
		unitOfWork: unit,
		location:   loc,
		clock:      utcClock(deps.Clock),
		newID:      idGen,
		emitter:    eventEmitter{events: deps.Events, logger: logger, newID: idGen},
		audit:      deps.Audit,
		logger:     logger,
	}, nil
}

func (s *slotScheduler) NextSlot(ctx context.Context, shopID string) (SlotInfo, error) {
	shopID = strings.TrimSpace(shopID)
	if shopID == "" {
		return SlotInfo{}, fmt.Errorf("%w: shop id is required", ErrSlotInvalidInput)
	}

	shop, err := s.shops.FindByID(ctx, shopID)
	if err != nil {
		return SlotInfo{}, classifyRepositoryError(err, ErrSlotShopNotFound, ErrSlotUnavailable)
	}
	if !shop.BatchConfig.Enabled() {
		return SlotInfo{Enabled: false}, nil
	}

	now := s.clock()
	cutoff, slot := nextCutoff(now, s.location, shop.BatchConfig.Slots)

	var (
		batch  Batch
		isOpen bool
	)
	err = s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		var txErr error
		batch, isOpen, txErr = s.ensureOpenBatch(txCtx, shopID, cutoff, slot.Label, now)
		return txErr
	})
	if err != nil {
		return SlotInfo{}, mapSlotError(err, ErrSlotShopNotFound)
	}

	return SlotInfo{
		Enabled:          true,
		CutoffTime:       cutoff,
		Label:            slot.Label,
		BatchID:          batch.ID,
		MinutesRemaining: minutesUntil(now, cutoff),
		IsOpen:           isOpen,
	}, nil
}

func (s *slotScheduler) AssignOrderToBatch(ctx context.Context, shopID, orderID string) (*string, error) {
	shopID = strings.TrimSpace(shopID)
	orderID = strings.TrimSpace(orderID)
	if shopID == "" || orderID == "" {
		return nil, fmt.Errorf("%w: shop id and order id are required", ErrSlotInvalidInput)
	}

	var (
		assigned *string
		created  bool
		cutoff   time.Time
	)
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		assigned, created = nil, false

		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return classifyRepositoryError(err, ErrSlotOrderNotFound, ErrSlotUnavailable)
		}
		if order.ShopID != shopID {
			return fmt.Errorf("%w: order does not belong to shop", ErrSlotInvalidInput)
		}
		if order.IsBatched() {
			id := *order.BatchID
			assigned = &id
			return nil
		}
		if order.Status != domain.OrderStatusNew {
			return fmt.Errorf("%w: order is %s", ErrSlotOrderIneligible, order.Status)
		}

		shop, err := s.shops.FindByID(txCtx, shopID)
		if err != nil {
			return classifyRepositoryError(err, ErrSlotShopNotFound, ErrSlotUnavailable)
		}
		if !shop.BatchConfig.Enabled() {
			return nil
		}

		now := s.clock()
		var slot BatchSlot
		cutoff, slot = nextCutoff(now, s.location, shop.BatchConfig.Slots)
		batch, isOpen, err := s.ensureOpenBatch(txCtx, shopID, cutoff, slot.Label, now)
		if err != nil {
			return err
		}
		if !isOpen {
			return nil
		}

		batchID := batch.ID
		order.BatchID = &batchID
		order.UpdatedAt = now
		if err := s.orders.Update(txCtx, order); err != nil {
			return classifyRepositoryError(err, ErrSlotOrderNotFound, ErrSlotUnavailable)
		}
		assigned = &batchID
		created = true
		return nil
	})
	if err != nil {
		return nil, mapSlotError(err, ErrSlotOrderNotFound)
	}

	if assigned == nil {
		s.logger(ctx, "slot.assign.direct", map[string]any{"shop": shopID, "order": orderID})
		return nil, nil
	}
	if created {
		s.emitter.publish(ctx, DeliveryEvent{
			Type:       domain.EventOrderAssigned,
			ShopID:     shopID,
			BatchID:    *assigned,
			OrderID:    orderID,
			OccurredAt: s.clock(),
			Payload:    map[string]any{"cutoffTime": cutoff.Format(time.RFC3339)},
		})
	}
	return assigned, nil
}

func (s *slotScheduler) Slots(ctx context.Context, shopID string) (ShopBatchConfig, error) {
	shopID = strings.TrimSpace(shopID)
	if shopID == "" {
		return ShopBatchConfig{}, fmt.Errorf("%w: shop id is required", ErrSlotInvalidInput)
	}
	shop, err := s.shops.FindByID(ctx, shopID)
	if err != nil {
		return ShopBatchConfig{}, classifyRepositoryError(err, ErrSlotShopNotFound, ErrSlotUnavailable)
	}
	cfg := shop.BatchConfig
	cfg.ShopID = shop.ID
	cfg.Slots = sortedSlots(cfg.Slots)
	return cfg, nil
}

func (s *slotScheduler) UpdateSlots(ctx context.Context, cmd UpdateSlotsCommand) (ShopBatchConfig, error) {
	shopID := strings.TrimSpace(cmd.ShopID)
	if shopID == "" {
		return ShopBatchConfig{}, fmt.Errorf("%w: shop id is required", ErrSlotInvalidInput)
	}
	slots, err := normalizeSlots(cmd.Slots)
	if err != nil {
		return ShopBatchConfig{}, err
	}

	cfg := ShopBatchConfig{ShopID: shopID, Slots: slots, UpdatedAt: s.clock()}
	if err := s.shops.UpdateBatchConfig(ctx, cfg); err != nil {
		return ShopBatchConfig{}, classifyRepositoryError(err, ErrSlotShopNotFound, ErrSlotUnavailable)
	}

	if s.audit != nil {
		labels := make([]string, 0, len(slots))
		for _, slot := range slots {
			labels = append(labels, slot.Label)
		}
		s.audit.Record(ctx, AuditLogRecord{
			Actor:     cmd.ActorID,
			ActorType: "user",
			Action:    "shop.batch_slots.update",
			TargetRef: "shops/" + shopID,
			Metadata:  map[string]any{"slots": strings.Join(labels, ",")},
		})
	}
	return cfg, nil
}

func mapSlotError(err error, notFound error) error {
	if wrapsAny(err, ErrSlotInvalidInput, ErrSlotShopNotFound, ErrSlotOrderNotFound, ErrSlotOrderIneligible, ErrSlotUnavailable) {
		return err
	}
	return classifyRepositoryError(err, notFound, ErrSlotUnavailable)
}

// ensureOpenBatch returns the OPEN batch for cutoff, creating it when none exists or the previous one
// was cancelled. A batch that already left OPEN is returned with isOpen=false.
func (s *slotScheduler) ensureOpenBatch(ctx context.Context, shopID string, cutoff time.Time, label string, now time.Time) (Batch, bool, error) {
	latest, err := s.batches.FindLatestForCutoff(ctx, shopID, cutoff)
	switch {
	case err == nil && latest.Status == domain.BatchStatusOpen:
		return latest, true, nil
	case err == nil && latest.Status != domain.BatchStatusCancelled:
		return latest, false, nil
	case err != nil && !isRepositoryNotFound(err):
		return Batch{}, false, err
	}

	batch := Batch{
		ID:         batchIDPrefix + s.newID(),
		ShopID:     shopID,
		CutoffTime: cutoff,
		Label:      label,
		Status:     domain.BatchStatusOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.batches.Insert(ctx, batch); err != nil {
		return Batch{}, false, err
	}
	s.logger(ctx, "batch.opened", map[string]any{"shop": shopID, "batch": batch.ID, "cutoff": cutoff})
	return batch, true, nil
}

// nextCutoff picks the earliest configured slot strictly after now in loc, wrapping to tomorrow's first
// slot. Slots sharing a minute resolve to the lexicographically first label.
func nextCutoff(now time.Time, loc *time.Location, slots []BatchSlot) (time.Time, BatchSlot) {
	ordered := sortedSlots(slots)
	local := now.In(loc)
	year, month, day := local.Date()
	for _, slot := range ordered {
		candidate := slotTime(year, month, day, slot.CutoffMinutes, loc)
		if candidate.After(now) {
			return candidate.UTC(), slot
		}
	}
	first := ordered[0]
	return slotTime(year, month, day+1, first.CutoffMinutes, loc).UTC(), first
}

func slotTime(year int, month time.Month, day, minutes int, loc *time.Location) time.Time {
	return time.Date(year, month, day, minutes/60, minutes%60, 0, 0, loc)
}

func minutesUntil(now, cutoff time.Time) int {
	remaining := cutoff.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int((remaining + time.Minute - 1) / time.Minute)
}

func sortedSlots(slots []BatchSlot) []BatchSlot {
	ordered := slices.Clone(slots)
	slices.SortFunc(ordered, func(a, b BatchSlot) int {
		if c := cmp.Compare(a.CutoffMinutes, b.CutoffMinutes); c != 0 {
			return c
		}
		return strings.Compare(a.Label, b.Label)
	})
	return ordered
}

func normalizeSlots(slots []BatchSlot) ([]BatchSlot, error) {
	if len(slots) > maxSlotsPerShop {
		return nil, fmt.Errorf("%w: at most %d slots are allowed", ErrSlotInvalidInput, maxSlotsPerShop)
	}
	seen := make(map[BatchSlot]struct{}, len(slots))
	result := make([]BatchSlot, 0, len(slots))
	for _, slot := range slots {
		if slot.CutoffMinutes < 0 || slot.CutoffMinutes >= minutesPerDay {
			return nil, fmt.Errorf("%w: cutoff minutes must be between 0 and %d", ErrSlotInvalidInput, minutesPerDay-1)
		}
		label := strings.TrimSpace(slot.Label)
		if label == "" {
			label = fmt.Sprintf("%02d:%02d", slot.CutoffMinutes/60, slot.CutoffMinutes%60)
		}
		if utf8.RuneCountInString(label) > maxSlotLabelRunes {
			return nil, fmt.Errorf("%w: slot label exceeds %d characters", ErrSlotInvalidInput, maxSlotLabelRunes)
		}
		normalized := BatchSlot{CutoffMinutes: slot.CutoffMinutes, Label: label}
		if _, dup := seen[normalized]; dup {
			return nil, fmt.Errorf("%w: duplicate slot %s", ErrSlotInvalidInput, label)
		}
		seen[normalized] = struct{}{}
		result = append(result, normalized)
	}
	return sortedSlots(result), nil
}
