package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/campusdash/api/internal/domain"
	"github.com/campusdash/api/internal/repositories"
)

type stubAuditRepo struct {
	entries   []domain.AuditLogEntry
	appendErr error

	listFilter repositories.AuditLogFilter
	listResp   domain.CursorPage[domain.AuditLogEntry]
	listErr    error
}

func (s *stubAuditRepo) Append(_ context.Context, entry domain.AuditLogEntry) error {
	s.entries = append(s.entries, entry)
	return s.appendErr
}

func (s *stubAuditRepo) List(_ context.Context, filter repositories.AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error) {
	s.listFilter = filter
	return s.listResp, s.listErr
}

type captureAuditLogger struct {
	warnings []string
}

func (c *captureAuditLogger) Warnf(format string, args ...any) {
	c.warnings = append(c.warnings, strings.TrimSpace(format))
}

func TestAuditLogServiceRecordSanitizes(t *testing.T) {
	repo := &stubAuditRepo{}
	fixed := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	svc, err := NewAuditLogService(AuditLogServiceDeps{
		Repository:  repo,
		Clock:       func() time.Time { return fixed },
		IDGenerator: func() string { return "01" },
	})
	if err != nil {
		t.Fatalf("new audit log service: %v", err)
	}

	svc.Record(context.Background(), AuditLogRecord{
		Actor:     "  user:owner-1  ",
		Action:    " batch.cancel ",
		TargetRef: " batches/bat_1 ",
		Reason:    "Kitchen\x00 closed\x07",
		Metadata:  map[string]any{" cancelledOrders ": 3, "note": " late\x1b "},
	})

	if len(repo.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(repo.entries))
	}
	entry := repo.entries[0]
	if entry.ID != "aud_01" {
		t.Fatalf("unexpected id %q", entry.ID)
	}
	if entry.Actor != "user:owner-1" || entry.ActorType != "user" {
		t.Fatalf("unexpected actor %q/%q", entry.Actor, entry.ActorType)
	}
	if entry.Action != "batch.cancel" || entry.TargetRef != "batches/bat_1" {
		t.Fatalf("unexpected action/target %q %q", entry.Action, entry.TargetRef)
	}
	if entry.Reason != "Kitchen closed" {
		t.Fatalf("expected control characters stripped, got %q", entry.Reason)
	}
	if entry.Metadata["cancelledOrders"] != 3 || entry.Metadata["note"] != "late" {
		t.Fatalf("unexpected metadata %#v", entry.Metadata)
	}
	if !entry.CreatedAt.Equal(fixed) {
		t.Fatalf("expected CreatedAt %s, got %s", fixed, entry.CreatedAt)
	}
}

func TestAuditLogServiceRecordDefaultsActor(t *testing.T) {
	repo := &stubAuditRepo{}
	svc, err := NewAuditLogService(AuditLogServiceDeps{Repository: repo})
	if err != nil {
		t.Fatalf("new audit log service: %v", err)
	}

	occurred := time.Date(2025, 5, 1, 21, 0, 0, 0, time.FixedZone("JST", 9*60*60))
	svc.Record(context.Background(), AuditLogRecord{Action: "batch.lock", OccurredAt: occurred})

	entry := repo.entries[0]
	if entry.Actor != "system" || entry.ActorType != "system" {
		t.Fatalf("expected system actor, got %q/%q", entry.Actor, entry.ActorType)
	}
	if entry.CreatedAt.Location() != time.UTC || !entry.CreatedAt.Equal(occurred) {
		t.Fatalf("expected UTC occurred time, got %s", entry.CreatedAt)
	}
}

func TestAuditLogServiceRecordLogsFailures(t *testing.T) {
	repo := &stubAuditRepo{appendErr: errors.New("boom")}
	logger := &captureAuditLogger{}

	svc, err := NewAuditLogService(AuditLogServiceDeps{Repository: repo, Logger: logger})
	if err != nil {
		t.Fatalf("new audit log service: %v", err)
	}

	svc.Record(context.Background(), AuditLogRecord{Actor: "user:owner-1", Action: "batch.lock"})

	if len(logger.warnings) != 1 {
		t.Fatalf("expected warning to be logged, got %d", len(logger.warnings))
	}
}

func TestAuditLogServiceListDelegates(t *testing.T) {
	repo := &stubAuditRepo{
		listResp: domain.CursorPage[domain.AuditLogEntry]{
			Items:         []domain.AuditLogEntry{{ID: "aud_1"}},
			NextPageToken: "next",
		},
	}
	svc, err := NewAuditLogService(AuditLogServiceDeps{Repository: repo})
	if err != nil {
		t.Fatalf("new audit log service: %v", err)
	}

	page, err := svc.List(context.Background(), AuditLogFilter{
		TargetRef:  " batches/bat_1 ",
		Pagination: domain.Pagination{PageSize: 25, PageToken: "token"},
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if repo.listFilter.TargetRef != "batches/bat_1" {
		t.Fatalf("expected trimmed target ref, got %q", repo.listFilter.TargetRef)
	}
	if repo.listFilter.Pagination.PageSize != 25 || repo.listFilter.Pagination.PageToken != "token" {
		t.Fatalf("unexpected pagination %+v", repo.listFilter.Pagination)
	}
	if page.NextPageToken != "next" || len(page.Items) != 1 {
		t.Fatalf("unexpected page %+v", page)
	}
}

func TestAuditActorType(t *testing.T) {
	cases := []struct {
		explicit, actor, want string
	}{
		{"", "user:owner-1", "user"},
		{"", "service:checkout@campus.iam", "service"},
		{"", "system", "system"},
		{"SERVICE", "user:owner-1", "service"},
		{"robot", "cron", "unknown"},
	}
	for _, tc := range cases {
		if got := auditActorType(tc.explicit, tc.actor); got != tc.want {
			t.Errorf("auditActorType(%q, %q) = %q, want %q", tc.explicit, tc.actor, got, tc.want)
		}
	}
}

func TestCleanAuditTextTruncatesOnRuneBoundary(t *testing.T) {
	got := cleanAuditText(strings.Repeat("é", 10), 5)
	if got != "éé" {
		t.Fatalf("expected two runes, got %q", got)
	}
}
