package auth

import (
	"context"
	"slices"
	"strings"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/campusdash/api/internal/platform/requestctx"
)

// Values of the Firebase "role" custom claim.
const (
	RoleCustomer = "customer"
	RoleVendor   = "vendor"
	RoleAdmin    = "admin"
)

// Identity is the signed-in user behind a request.
type Identity struct {
	UID   string
	Email string
	// Roles are lower-cased and unique.
	Roles []string
	// ShopID is set by RequireShopOwner once ownership is resolved.
	ShopID string
}

// Actor formats the user for audit entries and batch transition records.
func (i *Identity) Actor() string {
	if i == nil {
		return ""
	}
	if uid := strings.TrimSpace(i.UID); uid != "" {
		return "user:" + uid
	}
	return ""
}

// HasRole compares case-insensitively.
func (i *Identity) HasRole(role string) bool {
	role = canonicalRole(role)
	return i != nil && role != "" && slices.Contains(i.Roles, role)
}

func (i *Identity) hasAnyRole(roles []string) bool {
	return slices.ContainsFunc(roles, i.HasRole)
}

// identityFromToken projects a verified token onto an Identity. The role claim may hold a single
// string or a list; fallback is used when it yields nothing.
func identityFromToken(token *firebaseauth.Token, roleClaim, fallback string) *Identity {
	identity := &Identity{UID: token.UID}
	if email, ok := token.Claims["email"].(string); ok {
		identity.Email = strings.TrimSpace(email)
	}

	var raw []string
	switch v := token.Claims[roleClaim].(type) {
	case string:
		raw = append(raw, v)
	case []string:
		raw = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	}
	for _, r := range raw {
		if role := canonicalRole(r); role != "" && !slices.Contains(identity.Roles, role) {
			identity.Roles = append(identity.Roles, role)
		}
	}
	if len(identity.Roles) == 0 && fallback != "" {
		identity.Roles = []string{fallback}
	}
	return identity
}

func canonicalRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

type identityKey struct{}

// WithIdentity stores identity on ctx and copies its actor and shop onto the request scope so the
// access log can report them.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	if identity != nil {
		scope := requestctx.ScopeFrom(ctx)
		scope.SetActor(identity.Actor())
		scope.SetShopID(identity.ShopID)
	}
	return context.WithValue(ctx, identityKey{}, identity)
}

func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, _ := ctx.Value(identityKey{}).(*Identity)
	return identity, identity != nil
}

// ShopIDFromContext returns the shop owned by the caller, available only behind RequireShopOwner.
func ShopIDFromContext(ctx context.Context) (string, bool) {
	identity, ok := IdentityFromContext(ctx)
	if !ok {
		return "", false
	}
	shopID := strings.TrimSpace(identity.ShopID)
	return shopID, shopID != ""
}
