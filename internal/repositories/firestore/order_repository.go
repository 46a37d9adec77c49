package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/campusdash/api/internal/domain"
	pfirestore "github.com/campusdash/api/internal/platform/firestore"
	"github.com/campusdash/api/internal/repositories"
)

const ordersCollection = "orders"

// OrderRepository stores orders with their items embedded in the order document.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.Collection[orderDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

type orderDocument struct {
	ShopID            string              `firestore:"shopId"`
	BatchID           *string             `firestore:"batchId"`
	Status            string              `firestore:"status"`
	DeliveryOTP       *string             `firestore:"deliveryOtp,omitempty"`
	OTPFailedAttempts int                 `firestore:"otpFailedAttempts"`
	OTPLockedUntil    *time.Time          `firestore:"otpLockedUntil,omitempty"`
	PaymentStatus     string              `firestore:"paymentStatus"`
	Items             []orderItemDocument `firestore:"items"`
	CancelReason      string              `firestore:"cancelReason,omitempty"`
	CreatedAt         time.Time           `firestore:"createdAt"`
	UpdatedAt         time.Time           `firestore:"updatedAt"`
	OutForDeliveryAt  *time.Time          `firestore:"outForDeliveryAt,omitempty"`
	DeliveredAt       *time.Time          `firestore:"deliveredAt,omitempty"`
	CancelledAt       *time.Time          `firestore:"cancelledAt,omitempty"`
}

type orderItemDocument struct {
	ProductID        string `firestore:"productId"`
	Quantity         int    `firestore:"quantity"`
	PriceAtOrderTime int64  `firestore:"priceAtOrderTime"`
}

// NewOrderRepository constructs a Firestore backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errProviderRequired
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewCollection[orderDocument](provider, ordersCollection),
	}, nil
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	ref, err := r.orders.Doc(ctx, strings.TrimSpace(order.ID))
	if err != nil {
		return err
	}
	err = write(ctx, r.provider, func(ctx context.Context, tx *firestore.Transaction) error {
		return tx.Create(ref, newOrderDocument(order))
	})
	return pfirestore.WrapError("orders.insert", err)
}

func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	ref, err := r.orders.Doc(ctx, strings.TrimSpace(order.ID))
	if err != nil {
		return err
	}
	err = write(ctx, r.provider, func(ctx context.Context, tx *firestore.Transaction) error {
		return tx.Set(ref, newOrderDocument(order))
	})
	return pfirestore.WrapError("orders.update", err)
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	ref, err := r.orders.Doc(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	snap, err := get(ctx, ref)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.get", err)
	}
	return decodeOrder(snap)
}

func (r *OrderRepository) ListByBatch(ctx context.Context, batchID string) ([]domain.Order, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	query := client.Collection(ordersCollection).Where("batchId", "==", strings.TrimSpace(batchID))

	iter := documents(ctx, query)
	defer iter.Stop()

	var orders []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("orders.listByBatch", err)
		}
		order, err := decodeOrder(snap)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}

	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	return orders, nil
}

func newOrderDocument(order domain.Order) orderDocument {
	items := make([]orderItemDocument, len(order.Items))
	for i, item := range order.Items {
		items[i] = orderItemDocument{
			ProductID:        item.ProductID,
			Quantity:         item.Quantity,
			PriceAtOrderTime: item.PriceAtOrderTime,
		}
	}
	return orderDocument{
		ShopID:            order.ShopID,
		BatchID:           order.BatchID,
		Status:            string(order.Status),
		DeliveryOTP:       order.DeliveryOTP,
		OTPFailedAttempts: order.OTPFailedAttempts,
		OTPLockedUntil:    order.OTPLockedUntil,
		PaymentStatus:     string(order.PaymentStatus),
		Items:             items,
		CancelReason:      order.CancelReason,
		CreatedAt:         order.CreatedAt.UTC(),
		UpdatedAt:         order.UpdatedAt.UTC(),
		OutForDeliveryAt:  order.OutForDeliveryAt,
		DeliveredAt:       order.DeliveredAt,
		CancelledAt:       order.CancelledAt,
	}
}

func decodeOrder(snap *firestore.DocumentSnapshot) (domain.Order, error) {
	var doc orderDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
	}
	items := make([]domain.OrderItem, len(doc.Items))
	for i, item := range doc.Items {
		items[i] = domain.OrderItem{
			OrderID:          snap.Ref.ID,
			ProductID:        item.ProductID,
			Quantity:         item.Quantity,
			PriceAtOrderTime: item.PriceAtOrderTime,
		}
	}
	return domain.Order{
		ID:                snap.Ref.ID,
		ShopID:            doc.ShopID,
		BatchID:           doc.BatchID,
		Status:            domain.OrderStatus(doc.Status),
		DeliveryOTP:       doc.DeliveryOTP,
		OTPFailedAttempts: doc.OTPFailedAttempts,
		OTPLockedUntil:    utcPtr(doc.OTPLockedUntil),
		PaymentStatus:     domain.PaymentStatus(doc.PaymentStatus),
		Items:             items,
		CancelReason:      doc.CancelReason,
		CreatedAt:         doc.CreatedAt.UTC(),
		UpdatedAt:         doc.UpdatedAt.UTC(),
		OutForDeliveryAt:  utcPtr(doc.OutForDeliveryAt),
		DeliveredAt:       utcPtr(doc.DeliveredAt),
		CancelledAt:       utcPtr(doc.CancelledAt),
	}, nil
}
