package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/dispatch-engine/internal/tracking"
)

var defaultOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// RouteOptions carries the optional pieces of the router.
type RouteOptions struct {
	Health      *HealthChecker
	Tracking    *tracking.Handler
	CORSOrigins []string
}

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers, opts RouteOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = defaultOrigins
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if opts.Health != nil {
		r.Get("/health", opts.Health.HandleHealth)
		r.Get("/health/live", opts.Health.HandleLiveness)
		r.Get("/health/ready", opts.Health.HandleReadiness)
	} else {
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"status":"ok"}`))
		})
	}

	if opts.Tracking != nil {
		opts.Tracking.Mount(r)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", h.ListCampaigns)
			r.Post("/", h.CreateCampaign)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetCampaign)
				r.Post("/send", h.SendCampaign)
				r.Post("/cancel", h.CancelCampaign)
				r.Post("/events", h.RecordEvent)
				r.Post("/preview", h.PreviewCampaign)
				r.Get("/analytics", h.GetAnalytics)
				r.Get("/deliveries", h.ListDeliveries)
			})
		})
		r.Get("/dashboard/stats", h.GetDashboardStats)
	})

	return r
}
