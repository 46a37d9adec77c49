package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAudience = "https://api.campusdash.test"
	testIssuer   = "https://accounts.google.com"
	testKeyID    = "svc-key"
)

var oidcEpoch = time.Unix(1_700_000_000, 0)

// keyServer publishes a JWKS document and counts fetches.
type keyServer struct {
	key     *rsa.PrivateKey
	fetches atomic.Int32
	url     string
	now     time.Time
}

func newKeyServer(t *testing.T, cacheControl string) *keyServer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	ks := &keyServer{key: key, now: oidcEpoch}
	public := jose.JSONWebKey{Key: &key.PublicKey, KeyID: testKeyID, Algorithm: "RS256", Use: "sig"}
	private := jose.JSONWebKey{Key: key, KeyID: "leaked-private", Algorithm: "RS256", Use: "sig"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		ks.fetches.Add(1)
		if cacheControl != "" {
			w.Header().Set("Cache-Control", cacheControl)
		}
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{public, private}})
	}))
	t.Cleanup(srv.Close)
	ks.url = srv.URL

	restore := jwt.TimeFunc
	jwt.TimeFunc = func() time.Time { return ks.now }
	t.Cleanup(func() { jwt.TimeFunc = restore })
	return ks
}

func (ks *keyServer) sign(t *testing.T, edit func(jwt.MapClaims)) string {
	t.Helper()
	claims := jwt.MapClaims{
		"aud":   []string{testAudience},
		"iss":   testIssuer,
		"sub":   "1234567890",
		"email": "checkout@campusdash.iam.gserviceaccount.com",
		"iat":   ks.now.Unix(),
		"exp":   ks.now.Add(time.Hour).Unix(),
	}
	if edit != nil {
		edit(claims)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(ks.key)
	require.NoError(t, err)
	return signed
}

func (ks *keyServer) cache() *JWKSCache {
	return NewJWKSCache(ks.url, WithJWKSClock(func() time.Time { return ks.now }))
}

func runOIDC(v *OIDCValidator, audience string, issuers []string, token string, next http.Handler) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/internal/checkout/orders/ord_1:assign-batch", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	v.RequireOIDC(audience, issuers)(next).ServeHTTP(rr, req)
	return rr
}

func mustNotRun(t *testing.T) http.Handler {
	return http.HandlerFunc(func(http.ResponseWriter, *http.Request) { t.Fatal("handler should not run") })
}

func TestJWKSCacheReusesSnapshotUntilExpiry(t *testing.T) {
	ks := newKeyServer(t, "public, max-age=600")
	cache := ks.cache()
	ctx := context.Background()

	key, err := cache.Key(ctx, testKeyID)
	require.NoError(t, err)
	assert.IsType(t, &rsa.PublicKey{}, key)
	_, err = cache.Key(ctx, testKeyID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, ks.fetches.Load())

	ks.now = ks.now.Add(11 * time.Minute)
	_, err = cache.Key(ctx, testKeyID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, ks.fetches.Load())
}

func TestJWKSCacheUnknownKidForcesOneRefresh(t *testing.T) {
	ks := newKeyServer(t, "")
	cache := ks.cache()

	_, err := cache.Key(context.Background(), testKeyID)
	require.NoError(t, err)

	_, err = cache.Key(context.Background(), "rotated")
	assert.ErrorIs(t, err, ErrJWKSKeyNotFound)
	assert.EqualValues(t, 2, ks.fetches.Load())

	// private keys published by mistake are never served
	_, err = cache.Key(context.Background(), "leaked-private")
	assert.ErrorIs(t, err, ErrJWKSKeyNotFound)
}

func TestJWKSCacheConcurrentColdStartFetchesOnce(t *testing.T) {
	ks := newKeyServer(t, "max-age=60")
	cache := ks.cache()

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Key(context.Background(), testKeyID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, ks.fetches.Load())
}

func TestParseMaxAge(t *testing.T) {
	cases := map[string]time.Duration{
		"public, max-age=600, must-revalidate": 10 * time.Minute,
		`MAX-AGE="30"`:                         30 * time.Second,
		"no-cache":                             0,
		"max-age=-5":                           0,
		"max-age=soon":                         0,
		"":                                     0,
	}
	for header, want := range cases {
		assert.Equal(t, want, parseMaxAge(header), header)
	}
}

func TestRequireOIDCAcceptsServiceToken(t *testing.T) {
	ks := newKeyServer(t, "")
	v := NewOIDCValidator(ks.cache())

	var actor string
	rr := runOIDC(v, testAudience, []string{" " + testIssuer + " ", ""}, ks.sign(t, nil), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := ServiceIdentityFromContext(r.Context())
		require.True(t, ok)
		actor = identity.Actor()
		w.WriteHeader(http.StatusNoContent)
	}))

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "service:checkout@campusdash.iam.gserviceaccount.com", actor)
}

func TestRequireOIDCRejections(t *testing.T) {
	cases := []struct {
		name     string
		audience string
		issuers  []string
		edit     func(jwt.MapClaims)
		status   int
		code     string
	}{
		{name: "audience mismatch", audience: "https://other.internal", status: http.StatusUnauthorized, code: "invalid_token"},
		{name: "untrusted issuer", audience: testAudience, issuers: []string{"https://cloud.google.com/iap"}, status: http.StatusUnauthorized, code: "invalid_token"},
		{
			name:     "expired",
			audience: testAudience,
			edit:     func(c jwt.MapClaims) { c["exp"] = oidcEpoch.Add(-time.Minute).Unix() },
			status:   http.StatusUnauthorized,
			code:     "invalid_token",
		},
		{name: "no audience configured", status: http.StatusServiceUnavailable, code: "verification_unavailable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ks := newKeyServer(t, "")
			rr := runOIDC(NewOIDCValidator(ks.cache()), tc.audience, tc.issuers, ks.sign(t, tc.edit), mustNotRun(t))
			assert.Equal(t, tc.status, rr.Code)
			assert.Equal(t, tc.code, decodeErrorBody(t, rr)["error"])
		})
	}
}

func TestRequireOIDCMissingToken(t *testing.T) {
	ks := newKeyServer(t, "")
	rr := runOIDC(NewOIDCValidator(ks.cache()), testAudience, nil, "", mustNotRun(t))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "unauthenticated", decodeErrorBody(t, rr)["error"])
}

func TestRequireOIDCKeysUnreachable(t *testing.T) {
	ks := newKeyServer(t, "")
	cache := ks.cache()
	cache.url = "http://127.0.0.1:1/unreachable"

	rr := runOIDC(NewOIDCValidator(cache), testAudience, nil, ks.sign(t, nil), mustNotRun(t))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	_, _, err := NewOIDCValidator(cache).verify(context.Background(), ks.sign(t, nil), testAudience, nil)
	assert.True(t, errors.Is(err, ErrJWKSFetchFailed), "got %v", err)
}

func TestServiceIdentityActor(t *testing.T) {
	var nilIdentity *ServiceIdentity
	assert.Empty(t, nilIdentity.Actor())
	assert.Equal(t, "service:12345", (&ServiceIdentity{Subject: "12345"}).Actor())
}
