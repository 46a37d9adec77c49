package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	domain "github.com/campusdash/api/internal/domain"
	"github.com/campusdash/api/internal/platform/database"
	"github.com/campusdash/api/internal/repositories"
)

// OrderRepository stores orders in one table and their immutable line items in another.
type OrderRepository struct {
	db *database.DB
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

type orderRow struct {
	ID                string     `db:"id"`
	ShopID            string     `db:"shop_id"`
	BatchID           *string    `db:"batch_id"`
	Status            string     `db:"status"`
	DeliveryOTP       *string    `db:"delivery_otp"`
	OTPFailedAttempts int        `db:"otp_failed_attempts"`
	OTPLockedUntil    *time.Time `db:"otp_locked_until"`
	PaymentStatus     string     `db:"payment_status"`
	CancelReason      string     `db:"cancel_reason"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
	OutForDeliveryAt  *time.Time `db:"out_for_delivery_at"`
	DeliveredAt       *time.Time `db:"delivered_at"`
	CancelledAt       *time.Time `db:"cancelled_at"`
}

type orderItemRow struct {
	OrderID          string `db:"order_id"`
	LineNo           int    `db:"line_no"`
	ProductID        string `db:"product_id"`
	Quantity         int    `db:"quantity"`
	PriceAtOrderTime int64  `db:"price_at_order_time"`
}

const orderColumns = `id, shop_id, batch_id, status, delivery_otp, otp_failed_attempts, otp_locked_until, payment_status,
	cancel_reason, created_at, updated_at, out_for_delivery_at, delivered_at, cancelled_at`

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("orders.insert: order id is required")
	}
	return r.db.RunInTx(ctx, func(ctx context.Context) error {
		q := r.db.Queryer(ctx)
		if _, err := sqlx.NamedExecContext(ctx, q, `INSERT INTO orders (`+orderColumns+`) VALUES (
			:id, :shop_id, :batch_id, :status, :delivery_otp, :otp_failed_attempts, :otp_locked_until, :payment_status,
			:cancel_reason, :created_at, :updated_at, :out_for_delivery_at, :delivered_at, :cancelled_at)`, newOrderRow(order)); err != nil {
			return database.WrapError("orders.insert", err)
		}
		for i, item := range order.Items {
			row := orderItemRow{
				OrderID:          order.ID,
				LineNo:           i,
				ProductID:        item.ProductID,
				Quantity:         item.Quantity,
				PriceAtOrderTime: item.PriceAtOrderTime,
			}
			if _, err := sqlx.NamedExecContext(ctx, q, `INSERT INTO order_items (order_id, line_no, product_id, quantity, price_at_order_time)
				VALUES (:order_id, :line_no, :product_id, :quantity, :price_at_order_time)`, row); err != nil {
				return database.WrapError("orders.insertItem", err)
			}
		}
		return nil
	})
}

// Update writes the mutable order columns. Items are never rewritten.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	res, err := sqlx.NamedExecContext(ctx, r.db.Queryer(ctx), `UPDATE orders SET
		batch_id = :batch_id, status = :status, delivery_otp = :delivery_otp, otp_failed_attempts = :otp_failed_attempts,
		otp_locked_until = :otp_locked_until, payment_status = :payment_status, cancel_reason = :cancel_reason,
		updated_at = :updated_at, out_for_delivery_at = :out_for_delivery_at, delivered_at = :delivered_at,
		cancelled_at = :cancelled_at
		WHERE id = :id`, newOrderRow(order))
	if err != nil {
		return database.WrapError("orders.update", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return database.NotFound("orders.update", fmt.Sprintf("order %s not found", order.ID))
	}
	return nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	var row orderRow
	q := r.db.Queryer(ctx)
	if err := q.GetContext(ctx, &row, `SELECT `+orderColumns+` FROM orders WHERE id = ?`+r.db.ForUpdate(ctx), strings.TrimSpace(orderID)); err != nil {
		return domain.Order{}, database.WrapError("orders.get", err)
	}
	items, err := r.items(ctx, []string{row.ID})
	if err != nil {
		return domain.Order{}, err
	}
	return row.toDomain(items[row.ID]), nil
}

func (r *OrderRepository) ListByBatch(ctx context.Context, batchID string) ([]domain.Order, error) {
	var rows []orderRow
	q := r.db.Queryer(ctx)
	if err := q.SelectContext(ctx, &rows, `SELECT `+orderColumns+` FROM orders WHERE batch_id = ? ORDER BY created_at, id`+r.db.ForUpdate(ctx), strings.TrimSpace(batchID)); err != nil {
		return nil, database.WrapError("orders.listByBatch", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	items, err := r.items(ctx, ids)
	if err != nil {
		return nil, err
	}
	orders := make([]domain.Order, len(rows))
	for i, row := range rows {
		orders[i] = row.toDomain(items[row.ID])
	}
	return orders, nil
}

func (r *OrderRepository) items(ctx context.Context, orderIDs []string) (map[string][]domain.OrderItem, error) {
	query, args, err := sqlx.In(`SELECT order_id, line_no, product_id, quantity, price_at_order_time
		FROM order_items WHERE order_id IN (?) ORDER BY order_id, line_no`, orderIDs)
	if err != nil {
		return nil, fmt.Errorf("orders.items: %w", err)
	}
	q := r.db.Queryer(ctx)
	var rows []orderItemRow
	if err := q.SelectContext(ctx, &rows, q.Rebind(query), args...); err != nil {
		return nil, database.WrapError("orders.items", err)
	}
	out := make(map[string][]domain.OrderItem, len(orderIDs))
	for _, row := range rows {
		out[row.OrderID] = append(out[row.OrderID], domain.OrderItem{
			OrderID:          row.OrderID,
			ProductID:        row.ProductID,
			Quantity:         row.Quantity,
			PriceAtOrderTime: row.PriceAtOrderTime,
		})
	}
	return out, nil
}

func newOrderRow(order domain.Order) orderRow {
	return orderRow{
		ID:                order.ID,
		ShopID:            order.ShopID,
		BatchID:           order.BatchID,
		Status:            string(order.Status),
		DeliveryOTP:       order.DeliveryOTP,
		OTPFailedAttempts: order.OTPFailedAttempts,
		OTPLockedUntil:    utcPtr(order.OTPLockedUntil),
		PaymentStatus:     string(order.PaymentStatus),
		CancelReason:      order.CancelReason,
		CreatedAt:         order.CreatedAt.UTC(),
		UpdatedAt:         order.UpdatedAt.UTC(),
		OutForDeliveryAt:  utcPtr(order.OutForDeliveryAt),
		DeliveredAt:       utcPtr(order.DeliveredAt),
		CancelledAt:       utcPtr(order.CancelledAt),
	}
}

func (row orderRow) toDomain(items []domain.OrderItem) domain.Order {
	return domain.Order{
		ID:                row.ID,
		ShopID:            row.ShopID,
		BatchID:           row.BatchID,
		Status:            domain.OrderStatus(row.Status),
		DeliveryOTP:       row.DeliveryOTP,
		OTPFailedAttempts: row.OTPFailedAttempts,
		OTPLockedUntil:    utcPtr(row.OTPLockedUntil),
		PaymentStatus:     domain.PaymentStatus(row.PaymentStatus),
		Items:             items,
		CancelReason:      row.CancelReason,
		CreatedAt:         row.CreatedAt.UTC(),
		UpdatedAt:         row.UpdatedAt.UTC(),
		OutForDeliveryAt:  utcPtr(row.OutForDeliveryAt),
		DeliveredAt:       utcPtr(row.DeliveredAt),
		CancelledAt:       utcPtr(row.CancelledAt),
	}
}
