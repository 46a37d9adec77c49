package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/campusdash/api/internal/domain"
	pfirestore "github.com/campusdash/api/internal/platform/firestore"
	"github.com/campusdash/api/internal/platform/pagination"
	"github.com/campusdash/api/internal/repositories"
)

const (
	auditLogsCollection     = "auditLogs"
	defaultAuditLogPageSize = 50
)

// AuditLogRepository appends audit entries to a flat collection.
type AuditLogRepository struct {
	provider *pfirestore.Provider
	entries  *pfirestore.Collection[auditLogDocument]
}

var _ repositories.AuditLogRepository = (*AuditLogRepository)(nil)

type auditLogDocument struct {
	Actor     string         `firestore:"actor"`
	ActorType string         `firestore:"actorType"`
	Action    string         `firestore:"action"`
	TargetRef string         `firestore:"targetRef"`
	Reason    string         `firestore:"reason,omitempty"`
	Metadata  map[string]any `firestore:"metadata,omitempty"`
	CreatedAt time.Time      `firestore:"createdAt"`
}

// NewAuditLogRepository constructs a Firestore backed audit log repository.
func NewAuditLogRepository(provider *pfirestore.Provider) (*AuditLogRepository, error) {
	if provider == nil {
		return nil, errProviderRequired
	}
	return &AuditLogRepository{
		provider: provider,
		entries:  pfirestore.NewCollection[auditLogDocument](provider, auditLogsCollection),
	}, nil
}

func (r *AuditLogRepository) Append(ctx context.Context, entry domain.AuditLogEntry) error {
	if strings.TrimSpace(entry.ID) == "" {
		return errors.New("auditLogs.append: id is required")
	}
	return r.entries.Create(ctx, entry.ID, auditLogDocument{
		Actor:     entry.Actor,
		ActorType: entry.ActorType,
		Action:    entry.Action,
		TargetRef: entry.TargetRef,
		Reason:    entry.Reason,
		Metadata:  entry.Metadata,
		CreatedAt: entry.CreatedAt.UTC(),
	})
}

func (r *AuditLogRepository) List(ctx context.Context, filter repositories.AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.AuditLogEntry]{}, err
	}
	limit := filter.Pagination.PageSize
	if limit <= 0 {
		limit = defaultAuditLogPageSize
	}

	query := client.Collection(auditLogsCollection).Query
	if target := strings.TrimSpace(filter.TargetRef); target != "" {
		query = query.Where("targetRef", "==", target)
	}
	query = query.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc).Limit(limit + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		createdAt, id, err := pagination.DecodeKeyset(token)
		if err != nil {
			return domain.CursorPage[domain.AuditLogEntry]{}, fmt.Errorf("auditLogs.list: %w", err)
		}
		query = query.StartAfter(createdAt, id)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var items []domain.AuditLogEntry
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.AuditLogEntry]{}, pfirestore.WrapError("auditLogs.list", err)
		}
		var doc auditLogDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.AuditLogEntry]{}, fmt.Errorf("decode audit log %s: %w", snap.Ref.ID, err)
		}
		items = append(items, domain.AuditLogEntry{
			ID:        snap.Ref.ID,
			Actor:     doc.Actor,
			ActorType: doc.ActorType,
			Action:    doc.Action,
			TargetRef: doc.TargetRef,
			Reason:    doc.Reason,
			Metadata:  doc.Metadata,
			CreatedAt: doc.CreatedAt.UTC(),
		})
	}

	var next string
	if len(items) > limit {
		items = items[:limit]
		last := items[len(items)-1]
		next, err = pagination.EncodeKeyset(last.CreatedAt, last.ID)
		if err != nil {
			return domain.CursorPage[domain.AuditLogEntry]{}, err
		}
	}
	return domain.CursorPage[domain.AuditLogEntry]{Items: items, NextPageToken: next}, nil
}
