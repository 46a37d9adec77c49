package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	domain "github.com/campusdash/api/internal/domain"
	"github.com/campusdash/api/internal/platform/database"
	"github.com/campusdash/api/internal/repositories"
)

// ShopRepository reads shops and replaces their slot configuration.
type ShopRepository struct {
	db *database.DB
}

var _ repositories.ShopRepository = (*ShopRepository)(nil)

type shopRow struct {
	ID                   string     `db:"id"`
	OwnerID              string     `db:"owner_id"`
	Name                 string     `db:"name"`
	BatchConfigUpdatedAt *time.Time `db:"batch_config_updated_at"`
	CreatedAt            time.Time  `db:"created_at"`
	UpdatedAt            time.Time  `db:"updated_at"`
}

type slotRow struct {
	ShopID        string `db:"shop_id"`
	SlotIndex     int    `db:"slot_index"`
	CutoffMinutes int    `db:"cutoff_minutes"`
	Label         string `db:"label"`
}

const shopColumns = `id, owner_id, name, batch_config_updated_at, created_at, updated_at`

func (r *ShopRepository) FindByID(ctx context.Context, shopID string) (domain.Shop, error) {
	var row shopRow
	q := r.db.Queryer(ctx)
	if err := q.GetContext(ctx, &row, `SELECT `+shopColumns+` FROM shops WHERE id = ?`, strings.TrimSpace(shopID)); err != nil {
		return domain.Shop{}, database.WrapError("shops.get", err)
	}
	return r.withSlots(ctx, row)
}

func (r *ShopRepository) FindByOwner(ctx context.Context, ownerID string) (domain.Shop, error) {
	var row shopRow
	q := r.db.Queryer(ctx)
	if err := q.GetContext(ctx, &row, `SELECT `+shopColumns+` FROM shops WHERE owner_id = ? ORDER BY created_at, id LIMIT 1`, strings.TrimSpace(ownerID)); err != nil {
		return domain.Shop{}, database.WrapError("shops.byOwner", err)
	}
	return r.withSlots(ctx, row)
}

// UpdateBatchConfig replaces the slot list wholesale.
func (r *ShopRepository) UpdateBatchConfig(ctx context.Context, cfg domain.ShopBatchConfig) error {
	return r.db.RunInTx(ctx, func(ctx context.Context) error {
		q := r.db.Queryer(ctx)
		updatedAt := cfg.UpdatedAt.UTC()
		res, err := q.ExecContext(ctx, `UPDATE shops SET batch_config_updated_at = ?, updated_at = ? WHERE id = ?`, updatedAt, updatedAt, cfg.ShopID)
		if err != nil {
			return database.WrapError("shops.updateBatchConfig", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return database.NotFound("shops.updateBatchConfig", fmt.Sprintf("shop %s not found", cfg.ShopID))
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM shop_batch_slots WHERE shop_id = ?`, cfg.ShopID); err != nil {
			return database.WrapError("shops.updateBatchConfig", err)
		}
		for i, slot := range cfg.Slots {
			if _, err := q.ExecContext(ctx,
				`INSERT INTO shop_batch_slots (shop_id, slot_index, cutoff_minutes, label) VALUES (?, ?, ?, ?)`,
				cfg.ShopID, i, slot.CutoffMinutes, slot.Label,
			); err != nil {
				return database.WrapError("shops.updateBatchConfig", err)
			}
		}
		return nil
	})
}

func (r *ShopRepository) withSlots(ctx context.Context, row shopRow) (domain.Shop, error) {
	var slots []slotRow
	q := r.db.Queryer(ctx)
	if err := q.SelectContext(ctx, &slots, `SELECT shop_id, slot_index, cutoff_minutes, label FROM shop_batch_slots WHERE shop_id = ? ORDER BY slot_index`, row.ID); err != nil {
		return domain.Shop{}, database.WrapError("shops.slots", err)
	}
	cfg := domain.ShopBatchConfig{ShopID: row.ID, Slots: make([]domain.BatchSlot, len(slots))}
	for i, slot := range slots {
		cfg.Slots[i] = domain.BatchSlot{CutoffMinutes: slot.CutoffMinutes, Label: slot.Label}
	}
	if row.BatchConfigUpdatedAt != nil {
		cfg.UpdatedAt = row.BatchConfigUpdatedAt.UTC()
	}
	return domain.Shop{
		ID:          row.ID,
		OwnerID:     row.OwnerID,
		Name:        row.Name,
		BatchConfig: cfg,
		CreatedAt:   row.CreatedAt.UTC(),
		UpdatedAt:   row.UpdatedAt.UTC(),
	}, nil
}
