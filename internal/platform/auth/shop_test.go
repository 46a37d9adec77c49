package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	domain "github.com/campusdash/api/internal/domain"
)

type lookupError struct {
	notFound bool
}

func (e lookupError) Error() string       { return "lookup failed" }
func (e lookupError) IsNotFound() bool    { return e.notFound }
func (e lookupError) IsConflict() bool    { return false }
func (e lookupError) IsUnavailable() bool { return !e.notFound }

type stubOwnerLookup struct {
	shops map[string]domain.Shop
	err   error
}

func (s stubOwnerLookup) FindByOwner(_ context.Context, ownerID string) (domain.Shop, error) {
	if s.err != nil {
		return domain.Shop{}, s.err
	}
	shop, ok := s.shops[ownerID]
	if !ok {
		return domain.Shop{}, lookupError{notFound: true}
	}
	return shop, nil
}

func serveShopOwner(t *testing.T, resolver ShopResolver, identity *Identity, next http.Handler) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/shop/batches", nil)
	if identity != nil {
		req = req.WithContext(WithIdentity(req.Context(), identity))
	}
	rr := httptest.NewRecorder()
	RequireShopOwner(resolver)(next).ServeHTTP(rr, req)
	return rr
}

func TestRequireShopOwnerAttachesShop(t *testing.T) {
	resolver, err := NewShopResolver(stubOwnerLookup{shops: map[string]domain.Shop{"owner-1": {ID: "shop_1", OwnerID: "owner-1"}}})
	if err != nil {
		t.Fatalf("NewShopResolver: %v", err)
	}

	original := &Identity{UID: "owner-1", Roles: []string{RoleVendor}}
	rr := serveShopOwner(t, resolver, original, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		shopID, ok := ShopIDFromContext(r.Context())
		if !ok || shopID != "shop_1" {
			t.Fatalf("expected shop_1 in context, got %q", shopID)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if original.ShopID != "" {
		t.Fatalf("expected caller identity to stay unmodified")
	}
}

func TestRequireShopOwnerRejectsNonOwners(t *testing.T) {
	resolver, _ := NewShopResolver(stubOwnerLookup{shops: map[string]domain.Shop{}})
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler should not run")
	})

	rr := serveShopOwner(t, resolver, &Identity{UID: "customer-1"}, next)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if body := decodeErrorBody(t, rr); body["error"] != "unauthorized" {
		t.Fatalf("expected unauthorized error, got %v", body["error"])
	}

	rr = serveShopOwner(t, resolver, nil, next)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity, got %d", rr.Code)
	}
}

func TestRequireShopOwnerStoreUnavailable(t *testing.T) {
	resolver, _ := NewShopResolver(stubOwnerLookup{err: lookupError{}})
	rr := serveShopOwner(t, resolver, &Identity{UID: "owner-1"}, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler should not run")
	}))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestShopResolverEmptyUID(t *testing.T) {
	resolver, _ := NewShopResolver(stubOwnerLookup{})
	if _, err := resolver.OwnedShopID(context.Background(), " "); !errors.Is(err, ErrNoOwnedShop) {
		t.Fatalf("expected ErrNoOwnedShop, got %v", err)
	}
}
