package services

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	domain "github.com/campusdash/api/internal/domain"
	"github.com/campusdash/api/internal/repositories"
)

const (
	maxAuditActorLen  = 160
	maxAuditActionLen = 120
	maxAuditTargetLen = 200
	maxAuditTextLen   = 512
	maxAuditMetaKey   = 80
)

// auditActorTypes maps actor prefixes to the type stored alongside the entry. Vendors and customers
// authenticate through Firebase as "user:<uid>"; checkout calls in as "service:<subject>".
var auditActorTypes = map[string]string{
	"user":    "user",
	"service": "service",
	"system":  "system",
}

// AuditLogger receives append failures; *zap.SugaredLogger satisfies it.
type AuditLogger interface {
	Warnf(format string, args ...any)
}

type AuditLogServiceDeps struct {
	Repository  repositories.AuditLogRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      AuditLogger
}

type auditLogService struct {
	repo   repositories.AuditLogRepository
	clock  func() time.Time
	newID  func() string
	logger AuditLogger
}

func NewAuditLogService(deps AuditLogServiceDeps) (AuditLogService, error) {
	if deps.Repository == nil {
		return nil, fmt.Errorf("audit log service: repository is required")
	}
	svc := &auditLogService{
		repo:   deps.Repository,
		clock:  utcClock(deps.Clock),
		newID:  deps.IDGenerator,
		logger: deps.Logger,
	}
	if svc.newID == nil {
		svc.newID = defaultIDGenerator
	}
	if svc.logger == nil {
		svc.logger = noopAuditLogger{}
	}
	return svc, nil
}

// Record appends an entry for a transition that has already committed, so a failed append is logged
// and swallowed rather than reported to the caller.
func (s *auditLogService) Record(ctx context.Context, record AuditLogRecord) {
	if err := s.repo.Append(ctx, s.entryFor(record)); err != nil {
		s.logger.Warnf("audit log append failed for %s: %v", record.Action, err)
	}
}

func (s *auditLogService) List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditLogEntry], error) {
	return s.repo.List(ctx, repositories.AuditLogFilter{
		TargetRef:  strings.TrimSpace(filter.TargetRef),
		Pagination: filter.Pagination,
	})
}

func (s *auditLogService) entryFor(record AuditLogRecord) domain.AuditLogEntry {
	createdAt := s.clock()
	if !record.OccurredAt.IsZero() {
		createdAt = record.OccurredAt.UTC()
	}
	actor := cleanAuditText(record.Actor, maxAuditActorLen)
	if actor == "" {
		actor = "system"
	}
	return domain.AuditLogEntry{
		ID:        auditIDPrefix + s.newID(),
		Actor:     actor,
		ActorType: auditActorType(record.ActorType, actor),
		Action:    cleanAuditText(record.Action, maxAuditActionLen),
		TargetRef: cleanAuditText(record.TargetRef, maxAuditTargetLen),
		Reason:    cleanAuditText(record.Reason, maxAuditTextLen),
		Metadata:  cleanAuditMetadata(record.Metadata),
		CreatedAt: createdAt,
	}
}

// auditActorType trusts an explicit known type, then falls back to the actor's prefix.
func auditActorType(explicit, actor string) string {
	if t, ok := auditActorTypes[strings.ToLower(strings.TrimSpace(explicit))]; ok {
		return t
	}
	prefix, _, _ := strings.Cut(strings.ToLower(actor), ":")
	if t, ok := auditActorTypes[prefix]; ok {
		return t
	}
	return "unknown"
}

func cleanAuditMetadata(metadata map[string]any) map[string]any {
	var out map[string]any
	for key, value := range metadata {
		key = cleanAuditText(key, maxAuditMetaKey)
		if key == "" {
			continue
		}
		if out == nil {
			out = make(map[string]any, len(metadata))
		}
		switch v := value.(type) {
		case string:
			out[key] = cleanAuditText(v, maxAuditTextLen)
		case time.Time:
			out[key] = v.UTC().Format(time.RFC3339)
		case fmt.Stringer:
			out[key] = cleanAuditText(v.String(), maxAuditTextLen)
		default:
			out[key] = v
		}
	}
	return out
}

// cleanAuditText drops control characters other than newline and tab, then truncates to limit bytes
// on a rune boundary.
func cleanAuditText(input string, limit int) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, strings.TrimSpace(input))
	if len(cleaned) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(cleaned[cut]) {
			cut--
		}
		cleaned = cleaned[:cut]
	}
	return strings.TrimSpace(cleaned)
}

type noopAuditLogger struct{}

func (noopAuditLogger) Warnf(string, ...any) {}
