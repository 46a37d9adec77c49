// Package secrets resolves secret:// configuration references through Google Secret Manager.
package secrets

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// retryTransient retries the codes Secret Manager documents as safe to retry.
var retryTransient = gax.WithRetry(func() gax.Retryer {
	return gax.OnCodes([]codes.Code{codes.Unavailable, codes.DeadlineExceeded}, gax.Backoff{
		Initial:    100 * time.Millisecond,
		Max:        2 * time.Second,
		Multiplier: 2,
	})
})

type cached struct {
	value   string
	expires time.Time
}

// Fetcher resolves references against Secret Manager, caching values for a TTL. When Secret Manager
// is unreachable or refuses access, values come from a local fallback file instead; a secret that
// Secret Manager reports as missing never falls back.
type Fetcher struct {
	remote     secretManagerClient
	closeOwned bool
	project    string
	ttl        time.Duration
	now        func() time.Time
	logger     *zap.Logger
	local      *localFile
	lookups    metric.Int64Counter

	mu    sync.Mutex
	cache map[string]cached
}

type settings struct {
	logger     *zap.Logger
	project    string
	localPath  string
	ttl        time.Duration
	meter      metric.Meter
	client     secretManagerClient
	clientOpts []option.ClientOption
	now        func() time.Time
}

// Option customises NewFetcher.
type Option func(*settings)

func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDefaultProject sets the project for references without ?project=.
func WithDefaultProject(projectID string) Option {
	return func(s *settings) { s.project = strings.TrimSpace(projectID) }
}

// WithFallbackFile points at the local fallback file. Defaults to .secrets.local; empty disables it.
func WithFallbackFile(path string) Option {
	return func(s *settings) { s.localPath = strings.TrimSpace(path) }
}

func WithCacheTTL(ttl time.Duration) Option {
	return func(s *settings) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithMeter(m metric.Meter) Option {
	return func(s *settings) { s.meter = m }
}

// WithSecretManagerClient uses client instead of dialling; the fetcher will not close it.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(s *settings) { s.client = client }
}

// WithClientOptions is passed to secretmanager.NewClient.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(s *settings) { s.clientOpts = append(s.clientOpts, opts...) }
}

func withClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// NewFetcher builds a Fetcher. Failing to create a Secret Manager client is logged, not returned:
// the fetcher then answers from the fallback file alone, which is how local development runs.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	s := settings{logger: zap.NewNop(), localPath: ".secrets.local", ttl: 10 * time.Minute, now: time.Now}
	for _, opt := range opts {
		opt(&s)
	}
	if s.meter == nil {
		s.meter = otel.GetMeterProvider().Meter("github.com/campusdash/api/internal/platform/secrets")
	}

	f := &Fetcher{
		remote:  s.client,
		project: s.project,
		ttl:     s.ttl,
		now:     s.now,
		logger:  s.logger,
		local:   &localFile{path: s.localPath},
		cache:   map[string]cached{},
	}
	var err error
	if f.lookups, err = s.meter.Int64Counter("secrets.resolutions", metric.WithDescription("Secret resolutions by source")); err != nil {
		s.logger.Warn("secrets: resolution counter unavailable", zap.Error(err))
	}

	if f.remote == nil {
		client, err := secretManagerClientFactory(ctx, s.clientOpts...)
		if err != nil {
			s.logger.Warn("secrets: secret manager unavailable, serving local fallback only", zap.Error(err))
		} else {
			f.remote, f.closeOwned = client, true
		}
	}
	return f, nil
}

func (f *Fetcher) Close() error {
	if f.closeOwned {
		return f.remote.Close()
	}
	return nil
}

// ResolveSecret implements config.SecretResolver.
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f.Resolve(ctx, ref)
}

func (f *Fetcher) Resolve(ctx context.Context, raw string) (string, error) {
	ref, err := ParseReference(raw)
	if err != nil {
		return "", err
	}
	if value, ok := f.fromCache(ref); ok {
		f.count(ctx, "cache")
		return value, nil
	}

	value, source, err := f.load(ctx, ref)
	if err != nil {
		f.count(ctx, "error")
		return "", err
	}
	f.remember(ref, value)
	f.count(ctx, source)
	return value, nil
}

func (f *Fetcher) load(ctx context.Context, ref Reference) (string, string, error) {
	if name := ref.resource(f.project); name != "" && f.remote != nil {
		value, err := f.access(ctx, name)
		if err == nil {
			return value, "remote", nil
		}
		if !fallbackAllowed(err) {
			return "", "", fmt.Errorf("secrets: fetch %s: %w", ref, err)
		}
		f.logger.Debug("secrets: using local fallback", zap.Stringer("ref", ref), zap.Error(err))
	}
	value, err := f.local.lookup(ref)
	if err != nil {
		return "", "", err
	}
	return value, "fallback", nil
}

func (f *Fetcher) access(ctx context.Context, name string) (string, error) {
	resp, err := f.remote.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name}, retryTransient)
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("empty payload for %s", name)
	}
	return strings.TrimSpace(string(resp.GetPayload().GetData())), nil
}

func (f *Fetcher) fromCache(ref Reference) (string, bool) {
	key := ref.cacheKey()
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.cache[key]
	if ok && f.now().Before(entry.expires) {
		return entry.value, true
	}
	delete(f.cache, key)
	return "", false
}

func (f *Fetcher) remember(ref Reference, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache[ref.cacheKey()] = cached{value: value, expires: f.now().Add(f.ttl)}
}

func (f *Fetcher) count(ctx context.Context, source string) {
	if f.lookups != nil {
		f.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
	}
}

// fallbackAllowed reports failures that mean "Secret Manager is not usable from here" rather than
// "this secret does not exist".
func fallbackAllowed(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}
