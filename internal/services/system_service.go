package services

import (
	"context"
	"errors"
	"sync"
	"time"

	domain "github.com/campusdash/api/internal/domain"
	"github.com/campusdash/api/internal/repositories"
)

// BuildInfo is the release metadata echoed by /healthz and /readyz.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Clock            func() time.Time
	Build            BuildInfo
	// CacheTTL reuses a collected report for this long. Cloud Run probes every instance every few
	// seconds and each collection pings the store; zero disables caching.
	CacheTTL time.Duration
}

type systemService struct {
	health   repositories.HealthRepository
	clock    func() time.Time
	build    BuildInfo
	cacheTTL time.Duration

	mu       sync.Mutex
	cached   domain.SystemHealthReport
	cachedAt time.Time
}

var _ SystemService = (*systemService)(nil)

func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	svc := &systemService{
		health:   deps.HealthRepository,
		clock:    utcClock(deps.Clock),
		build:    deps.Build,
		cacheTTL: deps.CacheTTL,
	}
	if svc.build.StartedAt.IsZero() {
		svc.build.StartedAt = svc.clock()
	}
	return svc, nil
}

// HealthReport returns the dependency report stamped with build metadata and uptime. Only healthy
// reports are cached, so a recovering dependency is picked up on the next probe.
func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	if ctx == nil {
		return SystemHealthReport{}, errors.New("system service: context is required")
	}

	now := s.clock()
	if report, ok := s.fromCache(now); ok {
		return s.stamp(report, now), nil
	}

	report, err := s.health.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	}
	if report.Checks == nil {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}
	if report.Status == "" {
		report.Status = worstStatus(report.Checks)
	}

	if s.cacheTTL > 0 && report.Status == domain.HealthStatusOK {
		s.mu.Lock()
		s.cached, s.cachedAt = report, now
		s.mu.Unlock()
	}
	return s.stamp(report, now), nil
}

func (s *systemService) fromCache(now time.Time) (SystemHealthReport, bool) {
	if s.cacheTTL <= 0 {
		return SystemHealthReport{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cachedAt.IsZero() || now.Sub(s.cachedAt) >= s.cacheTTL {
		return SystemHealthReport{}, false
	}
	return s.cached, true
}

func (s *systemService) stamp(report SystemHealthReport, now time.Time) SystemHealthReport {
	report.GeneratedAt = report.GeneratedAt.UTC()
	if report.Version == "" {
		report.Version = s.build.Version
	}
	if report.CommitSHA == "" {
		report.CommitSHA = s.build.CommitSHA
	}
	if report.Environment == "" {
		report.Environment = s.build.Environment
	}
	report.Uptime = now.Sub(s.build.StartedAt)
	return report
}

func worstStatus(checks map[string]domain.SystemHealthCheck) string {
	status := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusOK, "":
		case domain.HealthStatusError:
			return domain.HealthStatusError
		default:
			status = domain.HealthStatusDegraded
		}
	}
	return status
}
