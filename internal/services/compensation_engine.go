package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	domain "github.com/campusdash/api/internal/domain"
	"github.com/campusdash/api/internal/repositories"
)

const maxCancelReasonRunes = 500

// ErrCompensationFailed indicates stock or order updates could not be applied; the enclosing
// cancellation transaction must roll back.
var ErrCompensationFailed = errors.New("compensation: failed")

// CompensationEngineDeps bundles collaborators for the compensation engine.
type CompensationEngineDeps struct {
	Orders repositories.OrderRepository
	Stock  repositories.ProductStockRepository
	Logger Logger
}

type compensationEngine struct {
	orders repositories.OrderRepository
	stock  repositories.ProductStockRepository
	policy *bluemonday.Policy
	logger Logger
}

// NewCompensationEngine builds the engine used by batch cancellation.
func NewCompensationEngine(deps CompensationEngineDeps) (CompensationEngine, error) {
	if deps.Orders == nil {
		return nil, errors.New("compensation engine: order repository is required")
	}
	if deps.Stock == nil {
		return nil, errors.New("compensation engine: stock repository is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}
	return &compensationEngine{
		orders: deps.Orders,
		stock:  deps.Stock,
		policy: bluemonday.StrictPolicy(),
		logger: logger,
	}, nil
}

// CompensateBatch cancels every non-terminal order, returns its items to stock and flags captured
// payments for refund. The sanitised reason is recorded on batch. Stock increments are applied once per
// product in ascending id order so concurrent cancellations lock rows consistently.
func (e *compensationEngine) CompensateBatch(ctx context.Context, batch *Batch, orders []Order, reason string, now time.Time) (int, error) {
	if batch == nil {
		return 0, fmt.Errorf("%w: batch is required", ErrCompensationFailed)
	}
	reason = e.SanitizeReason(reason)
	now = now.UTC()

	restock := make(map[string]int)
	affected := make([]Order, 0, len(orders))
	for _, order := range orders {
		if order.Status.IsTerminal() {
			continue
		}
		for _, item := range order.Items {
			if item.Quantity <= 0 || strings.TrimSpace(item.ProductID) == "" {
				continue
			}
			restock[item.ProductID] += item.Quantity
		}
		if err := Transition(&order, domain.OrderStatusCancelled, now); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrCompensationFailed, err)
		}
		order.CancelReason = reason
		if order.PaymentStatus == domain.PaymentStatusCaptured {
			order.PaymentStatus = domain.PaymentStatusRefunded
		}
		affected = append(affected, order)
	}

	productIDs := make([]string, 0, len(restock))
	for productID := range restock {
		productIDs = append(productIDs, productID)
	}
	slices.Sort(productIDs)
	// Every product is read before the first write: Firestore rejects reads after writes in a
	// transaction and would otherwise report a missing product only at commit.
	for _, productID := range productIDs {
		if _, err := e.stock.Quantity(ctx, productID); err != nil {
			return 0, e.wrapStockError(productID, err)
		}
	}
	for _, productID := range productIDs {
		if err := e.stock.Increment(ctx, productID, restock[productID]); err != nil {
			return 0, e.wrapStockError(productID, err)
		}
	}

	for _, order := range affected {
		if err := e.orders.Update(ctx, order); err != nil {
			return 0, err
		}
	}

	batch.CancelReason = reason
	e.logger(ctx, "batch.compensated", map[string]any{
		"batch":    batch.ID,
		"orders":   len(affected),
		"products": len(productIDs),
	})
	return len(affected), nil
}

// SanitizeReason strips markup and truncates the vendor supplied text.
func (e *compensationEngine) SanitizeReason(reason string) string {
	cleaned := html.UnescapeString(e.policy.Sanitize(reason))
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if utf8.RuneCountInString(cleaned) <= maxCancelReasonRunes {
		return cleaned
	}
	runes := []rune(cleaned)
	return strings.TrimSpace(string(runes[:maxCancelReasonRunes]))
}

func (e *compensationEngine) wrapStockError(productID string, err error) error {
	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) && stockErr.Code != repositories.StockErrorUnavailable {
		return fmt.Errorf("%w: restock product %s: %w", ErrCompensationFailed, productID, err)
	}
	return err
}
