package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/campusdash/api/internal/platform/auth"
	"github.com/campusdash/api/internal/platform/config"
	"github.com/campusdash/api/internal/platform/secrets"
	"github.com/campusdash/api/internal/repositories"
	"github.com/campusdash/api/internal/services"
)

// secretProbe is read by the readiness check; deployments need not create it.
const secretProbe = "secret://system/healthz"

func envOr(env map[string]string, key, fallback string) string {
	if v := strings.TrimSpace(env[key]); v != "" {
		return v
	}
	return fallback
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     envOr(env, "API_BUILD_VERSION", "dev"),
		CommitSHA:   envOr(env, "API_BUILD_COMMIT_SHA", "unknown"),
		Environment: environment,
		StartedAt:   started,
	}
}

// secretProjectID is the project secret:// references resolve against. It is read before config
// loads because config values may themselves be secret references.
func secretProjectID(env map[string]string) string {
	return envOr(env, "API_SECRET_DEFAULT_PROJECT_ID", envOr(env, "API_FIREBASE_PROJECT_ID", ""))
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

// requiredSecretNames lists config fields that must resolve for the drivers selected in env.
func requiredSecretNames(env map[string]string) []string {
	var names []string
	if strings.EqualFold(envOr(env, "API_STORE_DRIVER", ""), config.StoreDriverMySQL) {
		names = append(names, "SQL.MySQLDSN")
	}
	if strings.EqualFold(envOr(env, "API_EVENTS_TRANSPORT", ""), config.EventsTransportNATS) {
		names = append(names, "Events.NATSURL")
	}
	return names
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithMeter(otel.Meter("github.com/campusdash/api/secrets")),
	}
	if project := secretProjectID(env); project != "" {
		opts = append(opts, secrets.WithDefaultProject(project))
	}
	if path := envOr(env, "API_SECRET_FALLBACK_FILE", ""); path != "" {
		opts = append(opts, secrets.WithFallbackFile(path))
	}
	if ttl, err := time.ParseDuration(envOr(env, "API_SECRET_CACHE_TTL", "")); err == nil {
		opts = append(opts, secrets.WithCacheTTL(ttl))
	}
	if creds := envOr(env, "API_FIREBASE_CREDENTIALS_FILE", ""); creds != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(creds)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// secretManagerCheck fails only when Secret Manager cannot be reached; an absent probe secret
// still proves the round trip works.
func secretManagerCheck(fetcher *secrets.Fetcher) repositories.DependencyCheck {
	return repositories.DependencyCheck{
		Name:    "secretManager",
		Timeout: time.Second,
		Check: func(ctx context.Context) error {
			_, err := fetcher.Resolve(ctx, secretProbe)
			if err != nil && status.Code(err) == codes.NotFound {
				return nil
			}
			return err
		},
	}
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	oidc := cfg.Security.OIDC
	if strings.TrimSpace(oidc.Audience) == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will answer 503")
	}
	keys := auth.NewJWKSCache(oidc.JWKSURL, auth.WithJWKSLogger(logger))
	return auth.NewOIDCValidator(keys, auth.WithOIDCLogger(logger)).RequireOIDC(oidc.Audience, oidc.Issuers)
}
