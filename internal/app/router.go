package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/authcore/authcore/internal/auth"
	"github.com/authcore/authcore/internal/identity"
	"github.com/authcore/authcore/internal/observability"
	"github.com/authcore/authcore/internal/rbac"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	Pool            *pgxpool.Pool
	AuthHandler     *auth.Handler
	IdentityHandler *identity.Handler
	RBACHandler     *rbac.Handler
	Authenticator   *auth.Authenticator
	RBACMiddleware  rbac.Middleware
	Metrics         *observability.Metrics
}

// NewRouter constructs the chi.Router.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if params.Pool != nil {
			if err := params.Pool.Ping(req.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"unavailable"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/auth", func(r chi.Router) {
		params.AuthHandler.MountRoutes(r)
		r.Group(func(r chi.Router) {
			r.Use(params.Authenticator.Require)
			params.AuthHandler.MountProtectedRoutes(r)
		})
	})

	r.Route("/identities", func(r chi.Router) {
		params.IdentityHandler.MountPublicRoutes(r)
		r.Group(func(r chi.Router) {
			r.Use(params.Authenticator.Require)
			params.IdentityHandler.MountRoutes(r, identity.Guard(params.RBACMiddleware.RequireAny))
			params.RBACHandler.MountIdentityRoles(r, params.RBACMiddleware)
		})
	})

	r.Route("/rbac", func(r chi.Router) {
		r.Use(params.Authenticator.Require)
		params.RBACHandler.MountRoutes(r, params.RBACMiddleware)
	})

	return r
}
