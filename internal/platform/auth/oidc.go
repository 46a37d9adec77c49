package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	jwt "github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"

	"github.com/campusdash/api/internal/platform/requestctx"
)

// ServiceIdentity is the principal behind a verified service-to-service token.
type ServiceIdentity struct {
	Subject string
	Email   string
	Issuer  string
}

// Actor formats the principal for audit entries, preferring the service account email.
func (s *ServiceIdentity) Actor() string {
	switch {
	case s == nil:
		return ""
	case s.Email != "":
		return "service:" + s.Email
	default:
		return "service:" + s.Subject
	}
}

type serviceIdentityKey struct{}

// WithServiceIdentity stores identity on ctx and records it as the request actor.
func WithServiceIdentity(ctx context.Context, identity *ServiceIdentity) context.Context {
	if identity == nil {
		return ctx
	}
	requestctx.ScopeFrom(ctx).SetActor(identity.Actor())
	return context.WithValue(ctx, serviceIdentityKey{}, identity)
}

// ServiceIdentityFromContext returns the identity placed by RequireOIDC.
func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, _ := ctx.Value(serviceIdentityKey{}).(*ServiceIdentity)
	return identity, identity != nil
}

// serviceClaims are the claims Google puts in identity tokens minted for service accounts.
type serviceClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// OIDCValidator checks Google-signed identity tokens sent by internal callers such as checkout.
type OIDCValidator struct {
	keys   *JWKSCache
	logger *zap.Logger
}

// OIDCOption customises the validator.
type OIDCOption func(*OIDCValidator)

func WithOIDCLogger(logger *zap.Logger) OIDCOption {
	return func(v *OIDCValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

func NewOIDCValidator(keys *JWKSCache, opts ...OIDCOption) *OIDCValidator {
	v := &OIDCValidator{keys: keys, logger: zap.NewNop()}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// verify parses and checks token. The boolean reports whether the failure was ours (keys
// unreachable) rather than the caller's.
func (v *OIDCValidator) verify(ctx context.Context, token, audience string, issuers []string) (*ServiceIdentity, bool, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	var claims serviceClaims
	if _, err := parser.ParseWithClaims(token, &claims, v.keys.Keyfunc(ctx)); err != nil {
		return nil, errors.Is(err, ErrJWKSFetchFailed), err
	}
	if len(issuers) > 0 && !slices.Contains(issuers, claims.Issuer) {
		return nil, false, errors.New("issuer " + claims.Issuer + " not trusted")
	}
	if !claims.VerifyAudience(audience, true) {
		return nil, false, errors.New("audience mismatch")
	}
	return &ServiceIdentity{Subject: claims.Subject, Email: claims.Email, Issuer: claims.Issuer}, false, nil
}

// RequireOIDC admits only requests bearing a token for audience from one of issuers. An empty
// issuer list accepts any issuer the key set can verify.
func (v *OIDCValidator) RequireOIDC(audience string, issuers []string) func(http.Handler) http.Handler {
	audience = strings.TrimSpace(audience)
	var trusted []string
	for _, issuer := range issuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			trusted = append(trusted, issuer)
		}
	}
	ready := audience != "" && v != nil && v.keys != nil

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if !ready {
				respondAuthError(ctx, w, http.StatusServiceUnavailable, "verification_unavailable", "oidc verification unavailable")
				return
			}
			token, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				respondAuthError(ctx, w, http.StatusUnauthorized, "unauthenticated", "oidc token missing")
				return
			}

			identity, unavailable, err := v.verify(ctx, token, audience, trusted)
			switch {
			case unavailable:
				v.logger.Warn("auth: jwks unavailable", zap.Error(err))
				respondAuthError(ctx, w, http.StatusServiceUnavailable, "verification_unavailable", "oidc keys unavailable")
				return
			case err != nil:
				v.logger.Info("auth: oidc token rejected", zap.Error(err))
				respondAuthError(ctx, w, http.StatusUnauthorized, "invalid_token", "oidc token verification failed")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(ctx, identity)))
		})
	}
}
