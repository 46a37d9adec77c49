package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/campusdash/api/internal/platform/httpx"
)

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator turns Firebase ID tokens into request identities.
type Authenticator struct {
	verifier  TokenVerifier
	roleClaim string
	fallback  string
	timeout   time.Duration
}

// Option customises Authenticator.
type Option func(*Authenticator)

// WithRoleClaim names the custom claim holding roles. Defaults to "role".
func WithRoleClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.roleClaim = claim
		}
	}
}

// WithFallbackRole sets the role given to tokens without a role claim. Defaults to customer.
func WithFallbackRole(role string) Option {
	return func(a *Authenticator) {
		if role = canonicalRole(role); role != "" {
			a.fallback = role
		}
	}
}

func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier:  verifier,
		roleClaim: "role",
		fallback:  RoleCustomer,
		timeout:   5 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// authenticate returns either an identity or the error to render.
func (a *Authenticator) authenticate(ctx context.Context, header string) (*Identity, error) {
	raw, ok := extractBearerToken(header)
	if !ok {
		return nil, httpx.NewError("unauthenticated", "authorization header missing or invalid", http.StatusUnauthorized)
	}
	if a == nil || a.verifier == nil {
		return nil, httpx.NewError("unauthenticated", "authorization service unavailable", http.StatusUnauthorized)
	}

	verifyCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	token, err := a.verifier.VerifyIDToken(verifyCtx, raw)
	if err != nil {
		return nil, verificationError(err)
	}
	return identityFromToken(token, a.roleClaim, a.fallback), nil
}

// RequireFirebaseAuth admits requests with a valid Firebase bearer token. With roles given, the
// caller must hold at least one of them or gets 403.
func (a *Authenticator) RequireFirebaseAuth(roles ...string) func(http.Handler) http.Handler {
	var required []string
	for _, role := range roles {
		if role = canonicalRole(role); role != "" {
			required = append(required, role)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			identity, err := a.authenticate(ctx, r.Header.Get("Authorization"))
			if err != nil {
				var failure httpx.Error
				if !errors.As(err, &failure) {
					failure = httpx.NewError("unauthenticated", "authorization failed", http.StatusUnauthorized)
				}
				httpx.WriteError(ctx, w, failure)
				return
			}
			if len(required) > 0 && !identity.hasAnyRole(required) {
				respondAuthError(ctx, w, http.StatusForbidden, "insufficient_role", "identity does not have required role")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
		})
	}
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func respondAuthError(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
}

// verificationError keeps the Firebase failure class visible to clients; every class is a 401.
func verificationError(err error) httpx.Error {
	code, message := "invalid_token", "firebase id token verification failed"
	switch {
	case firebaseauth.IsIDTokenRevoked(err), firebaseauth.IsUserDisabled(err):
		code, message = "token_revoked", "firebase id token revoked"
	case firebaseauth.IsIDTokenExpired(err):
		code, message = "token_expired", "firebase id token expired"
	case firebaseauth.IsIDTokenInvalid(err), errors.Is(err, context.DeadlineExceeded):
		message = "firebase id token invalid"
	}
	return httpx.NewError(code, message, http.StatusUnauthorized)
}
