/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack and the route table.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in error logs
  2. RealIP:     Client address behind a proxy
  3. Logger:     Access log
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the frontend
  6. Auth:       Bearer token to Actor, /api routes only

ROUTE GROUPS:
  /api/requests/*     Requester operations
  /api/compatible/*   Requester candidate listings
  /api/donor/*        Donor operations
  /api/admin/*        Admin operations
  /api/scenarios/*    Demo scenarios (public, only when enabled)
  /metrics            Prometheus
  /healthz            Liveness + database ping

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Bearer token middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig carries the optional parts of the router.
type RouterConfig struct {
	Auth        *Authenticator
	CORSOrigins []string
	// Scenarios mounts the demo endpoints when non-nil.
	Scenarios *Scenarios
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	// Health is called by /healthz; nil always reports ok.
	Health func(ctx context.Context) error
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", healthz(cfg.Health))

	r.Route("/api", func(r chi.Router) {
		if sc := cfg.Scenarios; sc != nil {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", sc.ListScenarios)
				r.Get("/current", sc.GetCurrentScenario)
				r.Post("/load", sc.LoadScenario)
				r.Post("/reset", sc.ResetDatabase)
			})
		}

		r.Group(func(r chi.Router) {
			r.Use(cfg.Auth.Middleware)

			// Requester routes
			r.Route("/requests", func(r chi.Router) {
				r.Post("/", h.CreateMainRequest)
				r.Get("/mine", h.ListMyRequests)
				r.Post("/stock", h.CreateStockFulfillment)
				r.Post("/donor", h.CreateDonorFulfillment)
				r.Get("/{id}", h.GetRequest)
				r.Post("/{id}/cancel", h.CancelRequest)
			})
			r.Route("/compatible", func(r chi.Router) {
				r.Get("/stock", h.ListCompatibleStock)
				r.Get("/donors", h.ListCompatibleDonors)
			})

			// Donor routes
			r.Route("/donor", func(r chi.Router) {
				r.Get("/nearby", h.NearbyRequests)
				r.Get("/assigned", h.AssignedRequests)
				r.Get("/history", h.DonationHistory)
				r.Post("/requests/{id}/volunteer", h.Volunteer)
				r.Post("/requests/{id}/accept", h.DonorAccept)
				r.Post("/requests/{id}/reject", h.DonorReject)
				r.Post("/requests/{id}/close", h.DonorClose)
			})

			// Admin routes
			r.Route("/admin", func(r chi.Router) {
				r.Get("/requests/pending", h.PendingStockReviews)
				r.Post("/requests/{id}/accept", h.AdminAccept)
				r.Post("/requests/{id}/reject", h.AdminReject)
				r.Post("/requesters/{id}/ban", h.BanRequester)
				r.Post("/sweep", h.TriggerSweep)
			})
		})
	})

	return r
}

func healthz(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				writeError(w, http.StatusServiceUnavailable, "unhealthy", err)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
