package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
)

var (
	// ErrJWKSKeyNotFound reports a kid that is absent even after a refresh.
	ErrJWKSKeyNotFound = errors.New("auth: jwks key not found")
	// ErrJWKSFetchFailed wraps transport and decoding failures; callers map it to 503 rather than 401.
	ErrJWKSFetchFailed = errors.New("auth: jwks fetch failed")
)

// keySnapshot is replaced wholesale on every refresh and never mutated afterwards.
type keySnapshot struct {
	byID    map[string]any
	expires time.Time
}

// JWKSCache holds the signing keys published at a JWKS endpoint.
type JWKSCache struct {
	url     string
	client  *http.Client
	logger  *zap.Logger
	now     func() time.Time
	ttl     time.Duration
	timeout time.Duration

	current atomic.Pointer[keySnapshot]
	refresh sync.Mutex
}

// JWKSOption customises JWKSCache.
type JWKSOption func(*JWKSCache)

func WithJWKSHTTPClient(client *http.Client) JWKSOption {
	return func(c *JWKSCache) {
		if client != nil {
			c.client = client
		}
	}
}

func WithJWKSLogger(logger *zap.Logger) JWKSOption {
	return func(c *JWKSCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithJWKSRefreshInterval sets how long keys stay valid when the endpoint sends no max-age.
func WithJWKSRefreshInterval(d time.Duration) JWKSOption {
	return func(c *JWKSCache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

func WithJWKSClock(now func() time.Time) JWKSOption {
	return func(c *JWKSCache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewJWKSCache returns a cache that fetches lazily on first use.
func NewJWKSCache(url string, opts ...JWKSOption) *JWKSCache {
	c := &JWKSCache{
		url:     strings.TrimSpace(url),
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  zap.NewNop(),
		now:     time.Now,
		ttl:     15 * time.Minute,
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Keyfunc adapts the cache for jwt parsing. Tokens must be RS256 and carry a kid.
func (c *JWKSCache) Keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if alg := token.Method; alg == nil || alg.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, fmt.Errorf("auth: unexpected signing method %v", token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("auth: token missing kid header")
		}
		return c.Key(ctx, kid)
	}
}

// Key returns the public key for kid. A kid missing from a fresh snapshot triggers one forced
// refresh, which is how key rotation is picked up before the snapshot expires.
func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	snap, err := c.snapshot(ctx, false)
	if err != nil {
		return nil, err
	}
	if key, ok := snap.byID[kid]; ok {
		return key, nil
	}
	if snap, err = c.snapshot(ctx, true); err != nil {
		return nil, err
	}
	if key, ok := snap.byID[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrJWKSKeyNotFound, kid)
}

func (c *JWKSCache) fresh(snap *keySnapshot) bool {
	return snap != nil && c.now().Before(snap.expires)
}

func (c *JWKSCache) snapshot(ctx context.Context, force bool) (*keySnapshot, error) {
	seen := c.current.Load()
	if !force && c.fresh(seen) {
		return seen, nil
	}

	c.refresh.Lock()
	defer c.refresh.Unlock()
	// another caller may have refreshed while we waited
	if latest := c.current.Load(); latest != seen && c.fresh(latest) {
		return latest, nil
	}

	snap, err := c.download(ctx)
	if err != nil {
		return nil, err
	}
	c.current.Store(snap)
	c.logger.Debug("auth: refreshed jwks", zap.Int("keys", len(snap.byID)), zap.Time("expires", snap.expires))
	return snap, nil
}

func (c *JWKSCache) download(ctx context.Context) (*keySnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrJWKSFetchFailed, resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrJWKSFetchFailed, err)
	}
	snap := &keySnapshot{byID: make(map[string]any, len(set.Keys))}
	for _, jwk := range set.Keys {
		if jwk.KeyID == "" || !jwk.Valid() || !jwk.IsPublic() {
			continue
		}
		snap.byID[jwk.KeyID] = jwk.Key
	}
	if len(snap.byID) == 0 {
		return nil, fmt.Errorf("%w: no usable keys", ErrJWKSFetchFailed)
	}

	ttl := c.ttl
	if maxAge := parseMaxAge(resp.Header.Get("Cache-Control")); maxAge > 0 {
		ttl = maxAge
	}
	snap.expires = c.now().Add(ttl)
	return snap, nil
}

// parseMaxAge extracts max-age from a Cache-Control header; zero means absent or unusable.
func parseMaxAge(header string) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		name, value, found := strings.Cut(strings.TrimSpace(directive), "=")
		if !found || !strings.EqualFold(strings.TrimSpace(name), "max-age") {
			continue
		}
		seconds, err := strconv.Atoi(strings.Trim(strings.TrimSpace(value), `"`))
		if err != nil || seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	return 0
}
