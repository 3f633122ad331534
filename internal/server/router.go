package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/terraconstructs/jitaccess/internal/catalog"
	"github.com/terraconstructs/jitaccess/internal/expr"
	jitmiddleware "github.com/terraconstructs/jitaccess/internal/middleware"
	"github.com/terraconstructs/jitaccess/internal/ops"
	"github.com/terraconstructs/jitaccess/internal/policy"
	"github.com/terraconstructs/jitaccess/internal/subject"
)

// RouterOptions controls the construction of the HTTP router. The zero value
// is not usable; Catalog, Resolver, and Engine are required.
type RouterOptions struct {
	Catalog  *catalog.Catalog
	Resolver *subject.Resolver
	Engine   *ops.Engine

	// Expr and Roles back the policy lint endpoint.
	Expr  *expr.Engine
	Roles policy.RoleResolver

	// RequestTimeout bounds each request; zero means the default 30 s.
	RequestTimeout time.Duration

	CORSOptions *cors.Options
	Middleware  []func(http.Handler) http.Handler

	// ReadyChecks are probed by /health/ready; any failure answers 503.
	ReadyChecks []func(context.Context) error

	ExtraRoutes func(chi.Router)
}

// DefaultCORSOptions returns the development CORS policy for browser-based
// frontends served off another origin.
func DefaultCORSOptions() cors.Options {
	return cors.Options{
		AllowedOrigins: []string{
			"http://localhost:5173",
			"http://127.0.0.1:5173",
		},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{
			"Content-Type",
			jitmiddleware.HeaderRequestID,
		},
		AllowCredentials: true,
		MaxAge:           300,
	}
}

// NewRouter assembles the chi router: shared middleware, the authenticated
// API surface, and the health endpoints.
func NewRouter(opts RouterOptions) chi.Router {
	r := chi.NewRouter()

	// Baseline middleware shared across entrypoints.
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	corsCfg := DefaultCORSOptions()
	if opts.CORSOptions != nil {
		corsCfg = *opts.CORSOptions
	}
	r.Use(cors.Handler(corsCfg))

	for _, mw := range opts.Middleware {
		if mw != nil {
			r.Use(mw)
		}
	}

	// Health endpoints sit outside the authenticated surface: the ingress
	// and orchestrator probe them without identity headers.
	r.Get("/health/alive", handleAlive)
	r.Get("/health/ready", handleReady(opts.ReadyChecks))

	h := NewHandlers(opts.Catalog, opts.Resolver, opts.Engine)
	lint := NewLintHandler(opts.Expr, opts.Roles)

	r.Route("/api", func(api chi.Router) {
		api.Use(jitmiddleware.Authenticate)
		api.Use(jitmiddleware.Deadline(opts.RequestTimeout))

		api.Get("/environments", h.ListEnvironments)
		api.Route("/environments/{env}", func(env chi.Router) {
			env.Get("/", h.GetEnvironment)
			env.Get("/policy", h.ExportPolicy)
			env.Get("/compliance", h.GetCompliance)
			env.Post("/compliance", h.RunCompliance)

			env.Route("/systems/{sys}", func(sys chi.Router) {
				sys.Get("/", h.GetSystem)
				sys.Route("/groups/{group}", func(grp chi.Router) {
					grp.Get("/", h.GetGroup)
					grp.Post("/", h.JoinGroup)
					grp.Get("/links/{console}", h.GetConsoleLink)
				})
			})

			env.Route("/proposal/{token}", func(prop chi.Router) {
				prop.Get("/", h.GetProposal)
				prop.Post("/", h.ApproveProposal)
			})
		})

		api.Method(http.MethodPost, "/policy/lint", lint)
	})

	if opts.ExtraRoutes != nil {
		opts.ExtraRoutes(r)
	}
	return r
}

func handleAlive(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady answers 200 only when every subsystem check passes; the probe
// gets the failing detail, since it runs inside the trust boundary.
func handleReady(checks []func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for _, check := range checks {
			if err := check(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}
