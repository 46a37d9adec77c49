package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/campusdash/api/internal/domain"
	"github.com/campusdash/api/internal/platform/database"
	"github.com/campusdash/api/internal/platform/pagination"
	"github.com/campusdash/api/internal/repositories"
)

const defaultAuditLogPageSize = 50

// AuditLogRepository appends audit entries to the audit_logs table.
type AuditLogRepository struct {
	db *database.DB
}

var _ repositories.AuditLogRepository = (*AuditLogRepository)(nil)

type auditLogRow struct {
	ID        string    `db:"id"`
	Actor     string    `db:"actor"`
	ActorType string    `db:"actor_type"`
	Action    string    `db:"action"`
	TargetRef string    `db:"target_ref"`
	Reason    string    `db:"reason"`
	Metadata  *string   `db:"metadata"`
	CreatedAt time.Time `db:"created_at"`
}

func (r *AuditLogRepository) Append(ctx context.Context, entry domain.AuditLogEntry) error {
	if strings.TrimSpace(entry.ID) == "" {
		return errors.New("auditLogs.append: id is required")
	}
	var metadata *string
	if len(entry.Metadata) > 0 {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("auditLogs.append: encode metadata: %w", err)
		}
		encoded := string(raw)
		metadata = &encoded
	}
	_, err := r.db.Queryer(ctx).ExecContext(ctx,
		`INSERT INTO audit_logs (id, actor, actor_type, action, target_ref, reason, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Actor, entry.ActorType, entry.Action, entry.TargetRef, entry.Reason, metadata, entry.CreatedAt.UTC(),
	)
	return database.WrapError("auditLogs.append", err)
}

func (r *AuditLogRepository) List(ctx context.Context, filter repositories.AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error) {
	limit := filter.Pagination.PageSize
	if limit <= 0 {
		limit = defaultAuditLogPageSize
	}

	var (
		clauses []string
		args    []any
	)
	if target := strings.TrimSpace(filter.TargetRef); target != "" {
		clauses = append(clauses, "target_ref = ?")
		args = append(args, target)
	}
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		createdAt, id, err := pagination.DecodeKeyset(token)
		if err != nil {
			return domain.CursorPage[domain.AuditLogEntry]{}, fmt.Errorf("auditLogs.list: %w", err)
		}
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, createdAt, createdAt, id)
	}
	query := `SELECT id, actor, actor_type, action, target_ref, reason, metadata, created_at FROM audit_logs`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	var rows []auditLogRow
	if err := r.db.Queryer(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		return domain.CursorPage[domain.AuditLogEntry]{}, database.WrapError("auditLogs.list", err)
	}

	items := make([]domain.AuditLogEntry, 0, len(rows))
	for _, row := range rows {
		entry := domain.AuditLogEntry{
			ID:        row.ID,
			Actor:     row.Actor,
			ActorType: row.ActorType,
			Action:    row.Action,
			TargetRef: row.TargetRef,
			Reason:    row.Reason,
			CreatedAt: row.CreatedAt.UTC(),
		}
		if row.Metadata != nil && *row.Metadata != "" {
			if err := json.Unmarshal([]byte(*row.Metadata), &entry.Metadata); err != nil {
				return domain.CursorPage[domain.AuditLogEntry]{}, fmt.Errorf("decode audit log %s metadata: %w", row.ID, err)
			}
		}
		items = append(items, entry)
	}

	var next string
	if len(items) > limit {
		items = items[:limit]
		last := items[len(items)-1]
		var err error
		next, err = pagination.EncodeKeyset(last.CreatedAt, last.ID)
		if err != nil {
			return domain.CursorPage[domain.AuditLogEntry]{}, err
		}
	}
	return domain.CursorPage[domain.AuditLogEntry]{Items: items, NextPageToken: next}, nil
}
