package config

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultEnvFile = ".env"

type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile sets the dotenv file; an empty path skips it.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap supplies values that win over both the process environment and the dotenv file.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver resolves secret:// and sm:// values.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets names secret-backed fields, such as "SQL.MySQLDSN", that must resolve to a
// non-empty value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

// values merges the sources: dotenv, then the process environment, then the explicit map.
func (o loaderOptions) values() (env, error) {
	merged, err := readDotEnv(o.envFile)
	if err != nil {
		return nil, err
	}
	if merged == nil {
		merged = make(map[string]string)
	}
	if o.useSystemEnv {
		for _, entry := range os.Environ() {
			if key, value, ok := strings.Cut(entry, "="); ok && strings.TrimSpace(key) != "" {
				merged[strings.TrimSpace(key)] = value
			}
		}
	}
	for key, value := range o.envMap {
		merged[key] = value
	}
	return merged, nil
}

// EnvironmentValues returns the merged key/value view Load reads from, so callers can configure the
// secret fetcher before loading.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	return newLoaderOptions(opts).values()
}

// Load builds and validates the Config. Secret references in secret-backed fields are resolved through
// the configured SecretResolver; without one they fail with a SecretError.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	e, err := options.values()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Environment: strings.ToLower(e.str("API_ENV", defaultEnvironment)),
		Server: ServerConfig{
			Port:         e.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:  e.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: e.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  e.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Store: StoreConfig{
			Driver:        strings.ToLower(e.str("API_STORE_DRIVER", defaultStoreDriver)),
			TxMaxAttempts: e.int("API_TX_MAX_ATTEMPTS", defaultTxMaxAttempts),
			TxTimeout:     e.duration("API_TX_TIMEOUT", defaultTxTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       e.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: e.str("API_FIREBASE_CREDENTIALS_FILE", ""),
			CheckRevoked:    e.bool("API_FIREBASE_CHECK_REVOKED", false),
		},
		Firestore: FirestoreConfig{
			ProjectID:    e.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: e.str("FIRESTORE_EMULATOR_HOST", ""),
		},
		SQL: SQLConfig{
			MySQLDSN:     e.str("API_MYSQL_DSN", ""),
			SQLiteDSN:    e.str("API_SQLITE_DSN", defaultSQLiteDSN),
			MaxOpenConns: e.int("API_SQL_MAX_OPEN_CONNS", defaultSQLMaxOpenConns),
		},
		Events: EventsConfig{
			Transport:     strings.ToLower(e.str("API_EVENTS_TRANSPORT", defaultEventsTransport)),
			PubSubProject: e.str("API_PUBSUB_PROJECT_ID", ""),
			PubSubTopic:   e.str("API_PUBSUB_TOPIC", ""),
			NATSURL:       e.str("API_NATS_URL", ""),
			NATSSubject:   e.str("API_NATS_SUBJECT_PREFIX", defaultNATSSubjectPrefix),
		},
		Security: SecurityConfig{
			OIDC: OIDCConfig{
				JWKSURL:  e.str("API_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience: e.str("API_OIDC_AUDIENCE", ""),
				Issuers:  e.list("API_OIDC_ISSUERS"),
			},
		},
		Delivery: DeliveryConfig{
			OTPMaxAttempts: e.int("API_OTP_MAX_ATTEMPTS", 0),
			OTPCooldown:    e.duration("API_OTP_COOLDOWN", defaultOTPCooldown),
			ShopTimezone:   e.str("API_SHOP_TIMEZONE", defaultShopTimezone),
		},
		RateLimits: RateLimitConfig{
			OTPVerifyPerMinute: e.int("API_RATELIMIT_OTP_VERIFY_PER_MINUTE", defaultOTPVerifyPerMinute),
		},
		Idempotency: IdempotencyConfig{
			Header:           e.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              e.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  e.duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencySweep),
			CleanupBatchSize: e.int("API_IDEMPOTENCY_CLEANUP_BATCH_SIZE", defaultIdempotencyBatch),
		},
	}

	// Firestore and Pub/Sub live in the Firebase project unless told otherwise.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.Events.PubSubProject == "" {
		cfg.Events.PubSubProject = cfg.Firestore.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer, defaultSecurityIAPIssuer}
	}

	resolved, err := resolveSecretFields(ctx, options.secret, map[string]*string{
		"SQL.MySQLDSN":   &cfg.SQL.MySQLDSN,
		"Events.NATSURL": &cfg.Events.NATSURL,
	})
	if err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}
	return cfg, nil
}

// env reads typed values; malformed numbers and durations fall back to the default and are caught by
// validation when the default is itself invalid for the field.
type env map[string]string

func (e env) str(key, fallback string) string {
	if value := e[key]; value != "" {
		return value
	}
	return fallback
}

func (e env) duration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(e[key]); err == nil {
		return d
	}
	return fallback
}

func (e env) int(key string, fallback int) int {
	if n, err := strconv.Atoi(e[key]); err == nil {
		return n
	}
	return fallback
}

func (e env) bool(key string, fallback bool) bool {
	if b, err := strconv.ParseBool(e[key]); err == nil {
		return b
	}
	return fallback
}

func (e env) list(key string) []string {
	var out []string
	for _, part := range strings.Split(e[key], ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
