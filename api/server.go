/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Prometheus request counters and latency
  5. CORS:       Cross-origin requests for frontend

  POST /api/sales additionally carries a per-IP rate limit (httprate).

ROUTE GROUPS:
  /api/sales/*          Sale ledger
  /api/appointments/*   Appointment lifecycle
  /api/packages/*       Catalog and package progress
  /api/scenarios/*      Demo scenarios
  /metrics              Prometheus scrape endpoint
  /healthz              Liveness

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/warp/clinic-engine/observability"
)

// RouterOptions tunes NewRouter. Zero values fall back to defaults.
type RouterOptions struct {
	AllowedOrigins []string

	// CheckoutRateLimit is the number of sales one client IP may record
	// per minute. Zero disables the limit.
	CheckoutRateLimit int

	// Metrics may be nil; /metrics is then not mounted.
	Metrics *observability.Metrics
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	checkout := func(next http.Handler) http.Handler { return next }
	if opts.CheckoutRateLimit > 0 {
		checkout = httprate.Limit(
			opts.CheckoutRateLimit,
			time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				writeError(w, http.StatusTooManyRequests, "Too many checkouts, slow down", nil)
			}),
		)
	}

	r.Get("/healthz", h.Health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Sale routes
		r.Route("/sales", func(r chi.Router) {
			r.With(checkout).Post("/", h.RecordSale)
			r.Get("/", h.ListSales)
			r.Post("/rederive", h.RederiveAll)
			r.Get("/{id}", h.GetSale)
			r.Delete("/{id}", h.DeleteSale)
			r.Post("/{id}/rederive", h.RederiveSale)
		})

		// Appointment routes
		r.Route("/appointments", func(r chi.Router) {
			r.Get("/", h.ListAppointments)
			r.Get("/{id}", h.GetAppointment)
			r.Post("/{id}/schedule", h.ScheduleAppointment)
			r.Post("/{id}/confirm", h.ConfirmAppointment)
			r.Post("/{id}/complete", h.CompleteAppointment)
			r.Post("/{id}/cancel", h.CancelAppointment)
		})

		// Package routes
		r.Route("/packages", func(r chi.Router) {
			r.Get("/", h.ListPackages)
			r.Post("/", h.CreatePackage)
			r.Post("/refresh-status", h.RefreshPackageStatuses)
			r.Get("/{id}", h.GetPackage)
			r.Post("/{id}/rebuild", h.RebuildPackage)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}
