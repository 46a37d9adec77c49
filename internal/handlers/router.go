package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/campusdash/api/internal/platform/httpx"
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

// Middleware is the chi-compatible handler decorator used throughout the router.
type Middleware = func(http.Handler) http.Handler

// Group names one of the mounted route trees.
type Group string

const (
	// GroupShop serves owner-scoped batch and delivery operations under /api/v1/shop.
	GroupShop Group = "shop"
	// GroupShops serves lookups any signed-in user may call under /api/v1/shops.
	GroupShops Group = "shops"
	// GroupInternal serves service-to-service calls under /internal.
	GroupInternal Group = "internal"
)

var groupPaths = map[Group]string{
	GroupShop:     "/api/v1/shop",
	GroupShops:    "/api/v1/shops",
	GroupInternal: "/internal",
}

var groupOrder = []Group{GroupShop, GroupShops, GroupInternal}

const requestTimeout = 60 * time.Second

type mountSpec struct {
	routes RouteRegistrar
	uses   []Middleware
}

type routerSetup struct {
	global []Middleware
	health *HealthHandlers
	mounts map[Group]*mountSpec
}

func (s *routerSetup) mount(g Group) *mountSpec {
	m, ok := s.mounts[g]
	if !ok {
		m = &mountSpec{}
		s.mounts[g] = m
	}
	return m
}

// Option customises the router before construction.
type Option func(*routerSetup)

// NewRouter builds the chi router. Every group is always mounted; a group without routes answers
// 501 so clients can tell an unwired surface from a missing path.
func NewRouter(opts ...Option) chi.Router {
	setup := &routerSetup{
		global: []Middleware{middleware.RequestID, middleware.RealIP, middleware.Timeout(requestTimeout)},
		mounts: map[Group]*mountSpec{},
	}
	for _, opt := range opts {
		opt(setup)
	}
	if setup.health == nil {
		setup.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	useAll(r, setup.global)
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", "no route for "+req.URL.Path, http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		msg := fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path)
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", msg, http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", setup.health.Healthz)
	r.Get("/readyz", setup.health.Readyz)

	for _, g := range groupOrder {
		mounted := setup.mount(g)
		r.Route(groupPaths[g], func(sub chi.Router) {
			useAll(sub, mounted.uses)
			if mounted.routes == nil {
				registerNotImplemented(sub, string(g))
				return
			}
			mounted.routes(sub)
		})
	}
	return r
}

func useAll(r chi.Router, mws []Middleware) {
	for _, mw := range mws {
		if mw != nil {
			r.Use(mw)
		}
	}
}

// WithMiddlewares appends middleware applied to every request, health probes included.
func WithMiddlewares(mw ...Middleware) Option {
	return func(s *routerSetup) {
		s.global = append(s.global, mw...)
	}
}

// WithHealthHandlers overrides the handlers used for /healthz and /readyz.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(s *routerSetup) {
		s.health = h
	}
}

// WithRoutes sets the registrar for a group. A later call for the same group replaces the earlier one.
func WithRoutes(g Group, reg RouteRegistrar) Option {
	return func(s *routerSetup) {
		s.mount(g).routes = reg
	}
}

// WithGroupMiddlewares appends middleware that runs only for requests inside the group.
func WithGroupMiddlewares(g Group, mw ...Middleware) Option {
	return func(s *routerSetup) {
		m := s.mount(g)
		m.uses = append(m.uses, mw...)
	}
}

// Registrars composes several registrars that share one route group.
func Registrars(regs ...RouteRegistrar) RouteRegistrar {
	return func(r chi.Router) {
		for _, reg := range regs {
			if reg != nil {
				reg(r)
			}
		}
	}
}

func registerNotImplemented(r chi.Router, name string) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", name+" routes not implemented", http.StatusNotImplemented))
	}
	r.HandleFunc("/*", handler)
	r.HandleFunc("/", handler)
	r.NotFound(handler)
	r.MethodNotAllowed(handler)
}
