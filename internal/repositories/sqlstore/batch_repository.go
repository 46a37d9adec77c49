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
	"github.com/campusdash/api/internal/platform/pagination"
	"github.com/campusdash/api/internal/repositories"
)

const defaultBatchPageSize = 50

// BatchRepository stores batches in SQL. OPEN batches carry an open_key under a unique index, so a
// second OPEN batch for the same shop and cutoff fails to insert.
type BatchRepository struct {
	db *database.DB
}

var _ repositories.BatchRepository = (*BatchRepository)(nil)

type batchRow struct {
	ID                string     `db:"id"`
	ShopID            string     `db:"shop_id"`
	CutoffTime        time.Time  `db:"cutoff_time"`
	Label             string     `db:"label"`
	Status            string     `db:"status"`
	OpenKey           *string    `db:"open_key"`
	CancelReason      string     `db:"cancel_reason"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
	LockedAt          *time.Time `db:"locked_at"`
	DeliveryStartedAt *time.Time `db:"delivery_started_at"`
	CompletedAt       *time.Time `db:"completed_at"`
	CancelledAt       *time.Time `db:"cancelled_at"`
}

const batchColumns = `id, shop_id, cutoff_time, label, status, open_key, cancel_reason, created_at, updated_at, locked_at, delivery_started_at, completed_at, cancelled_at`

func (r *BatchRepository) Insert(ctx context.Context, batch domain.Batch) error {
	if strings.TrimSpace(batch.ID) == "" {
		return errors.New("batches.insert: batch id is required")
	}
	_, err := sqlx.NamedExecContext(ctx, r.db.Queryer(ctx), `INSERT INTO batches (`+batchColumns+`) VALUES (
		:id, :shop_id, :cutoff_time, :label, :status, :open_key, :cancel_reason, :created_at, :updated_at,
		:locked_at, :delivery_started_at, :completed_at, :cancelled_at)`, newBatchRow(batch))
	return database.WrapError("batches.insert", err)
}

func (r *BatchRepository) Update(ctx context.Context, batch domain.Batch) error {
	res, err := sqlx.NamedExecContext(ctx, r.db.Queryer(ctx), `UPDATE batches SET
		label = :label, status = :status, open_key = :open_key, cancel_reason = :cancel_reason,
		updated_at = :updated_at, locked_at = :locked_at, delivery_started_at = :delivery_started_at,
		completed_at = :completed_at, cancelled_at = :cancelled_at
		WHERE id = :id`, newBatchRow(batch))
	if err != nil {
		return database.WrapError("batches.update", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return database.NotFound("batches.update", fmt.Sprintf("batch %s not found", batch.ID))
	}
	return nil
}

func (r *BatchRepository) FindByID(ctx context.Context, batchID string) (domain.Batch, error) {
	var row batchRow
	query := `SELECT ` + batchColumns + ` FROM batches WHERE id = ?` + r.db.ForUpdate(ctx)
	if err := r.db.Queryer(ctx).GetContext(ctx, &row, query, strings.TrimSpace(batchID)); err != nil {
		return domain.Batch{}, database.WrapError("batches.get", err)
	}
	return row.toDomain(), nil
}

func (r *BatchRepository) FindLatestForCutoff(ctx context.Context, shopID string, cutoff time.Time) (domain.Batch, error) {
	var row batchRow
	query := `SELECT ` + batchColumns + ` FROM batches WHERE shop_id = ? AND cutoff_time = ?
		ORDER BY created_at DESC, id DESC LIMIT 1` + r.db.ForUpdate(ctx)
	if err := r.db.Queryer(ctx).GetContext(ctx, &row, query, shopID, cutoff.UTC()); err != nil {
		return domain.Batch{}, database.WrapError("batches.latest", err)
	}
	return row.toDomain(), nil
}

func (r *BatchRepository) List(ctx context.Context, filter repositories.BatchListFilter) (domain.CursorPage[domain.Batch], error) {
	limit := filter.Pagination.PageSize
	if limit <= 0 {
		limit = defaultBatchPageSize
	}

	var (
		clauses = []string{"shop_id = ?"}
		args    = []any{filter.ShopID}
	)
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, s := range filter.Statuses {
			statuses = append(statuses, string(s))
		}
		clauses = append(clauses, "status IN (?)")
		args = append(args, statuses)
	}
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		cutoff, id, err := pagination.DecodeKeyset(token)
		if err != nil {
			return domain.CursorPage[domain.Batch]{}, fmt.Errorf("batches.list: %w", err)
		}
		clauses = append(clauses, "(cutoff_time < ? OR (cutoff_time = ? AND id < ?))")
		args = append(args, cutoff, cutoff, id)
	}
	args = append(args, limit+1)

	query, args, err := sqlx.In(`SELECT `+batchColumns+` FROM batches WHERE `+strings.Join(clauses, " AND ")+
		` ORDER BY cutoff_time DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return domain.CursorPage[domain.Batch]{}, fmt.Errorf("batches.list: %w", err)
	}
	q := r.db.Queryer(ctx)

	var rows []batchRow
	if err := q.SelectContext(ctx, &rows, q.Rebind(query), args...); err != nil {
		return domain.CursorPage[domain.Batch]{}, database.WrapError("batches.list", err)
	}

	items := make([]domain.Batch, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toDomain())
	}

	var next string
	if len(items) > limit {
		items = items[:limit]
		last := items[len(items)-1]
		next, err = pagination.EncodeKeyset(last.CutoffTime, last.ID)
		if err != nil {
			return domain.CursorPage[domain.Batch]{}, err
		}
	}
	return domain.CursorPage[domain.Batch]{Items: items, NextPageToken: next}, nil
}

func openKey(batch domain.Batch) *string {
	if batch.Status != domain.BatchStatusOpen {
		return nil
	}
	key := fmt.Sprintf("%s|%d", batch.ShopID, batch.CutoffTime.UTC().Unix())
	return &key
}

func newBatchRow(batch domain.Batch) batchRow {
	return batchRow{
		ID:                batch.ID,
		ShopID:            batch.ShopID,
		CutoffTime:        batch.CutoffTime.UTC(),
		Label:             batch.Label,
		Status:            string(batch.Status),
		OpenKey:           openKey(batch),
		CancelReason:      batch.CancelReason,
		CreatedAt:         batch.CreatedAt.UTC(),
		UpdatedAt:         batch.UpdatedAt.UTC(),
		LockedAt:          utcPtr(batch.LockedAt),
		DeliveryStartedAt: utcPtr(batch.DeliveryStartedAt),
		CompletedAt:       utcPtr(batch.CompletedAt),
		CancelledAt:       utcPtr(batch.CancelledAt),
	}
}

func (row batchRow) toDomain() domain.Batch {
	return domain.Batch{
		ID:                row.ID,
		ShopID:            row.ShopID,
		CutoffTime:        row.CutoffTime.UTC(),
		Label:             row.Label,
		Status:            domain.BatchStatus(row.Status),
		CancelReason:      row.CancelReason,
		CreatedAt:         row.CreatedAt.UTC(),
		UpdatedAt:         row.UpdatedAt.UTC(),
		LockedAt:          utcPtr(row.LockedAt),
		DeliveryStartedAt: utcPtr(row.DeliveryStartedAt),
		CompletedAt:       utcPtr(row.CompletedAt),
		CancelledAt:       utcPtr(row.CancelledAt),
	}
}
