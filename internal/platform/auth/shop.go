package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	domain "github.com/campusdash/api/internal/domain"
	"github.com/campusdash/api/internal/repositories"
)

// ErrNoOwnedShop indicates the authenticated user does not own a shop.
var ErrNoOwnedShop = errors.New("auth: no owned shop")

// ShopResolver maps an authenticated user to the shop they own.
type ShopResolver interface {
	OwnedShopID(ctx context.Context, uid string) (string, error)
}

// ShopOwnerLookup is the subset of the shop repository the resolver needs.
type ShopOwnerLookup interface {
	FindByOwner(ctx context.Context, ownerID string) (domain.Shop, error)
}

// RepositoryShopResolver resolves owned shops through the shop repository.
type RepositoryShopResolver struct {
	shops ShopOwnerLookup
}

// NewShopResolver wraps the shop repository.
func NewShopResolver(shops ShopOwnerLookup) (*RepositoryShopResolver, error) {
	if shops == nil {
		return nil, errors.New("auth: shop repository is required")
	}
	return &RepositoryShopResolver{shops: shops}, nil
}

// OwnedShopID returns ErrNoOwnedShop when uid owns no shop.
func (r *RepositoryShopResolver) OwnedShopID(ctx context.Context, uid string) (string, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return "", ErrNoOwnedShop
	}
	shop, err := r.shops.FindByOwner(ctx, uid)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return "", ErrNoOwnedShop
		}
		return "", fmt.Errorf("auth: resolve owned shop: %w", err)
	}
	if strings.TrimSpace(shop.ID) == "" {
		return "", ErrNoOwnedShop
	}
	return shop.ID, nil
}

// RequireShopOwner resolves the caller's owned shop and records it on the identity. It must run
// after RequireFirebaseAuth.
func RequireShopOwner(resolver ShopResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			identity, ok := IdentityFromContext(ctx)
			if !ok {
				respondAuthError(ctx, w, http.StatusUnauthorized, "unauthenticated", "authentication required")
				return
			}
			if resolver == nil {
				respondAuthError(ctx, w, http.StatusServiceUnavailable, "shop_resolution_unavailable", "shop resolution unavailable")
				return
			}

			shopID, err := resolver.OwnedShopID(ctx, identity.UID)
			switch {
			case errors.Is(err, ErrNoOwnedShop):
				respondAuthError(ctx, w, http.StatusUnauthorized, "unauthorized", "caller does not own a shop")
				return
			case err != nil:
				respondAuthError(ctx, w, http.StatusServiceUnavailable, "shop_resolution_unavailable", "unable to resolve owned shop")
				return
			}

			scoped := *identity
			scoped.ShopID = shopID
			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, &scoped)))
		})
	}
}
