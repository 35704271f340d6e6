package server

import (
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/kon-rad/tviz"
)

func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// NewRouter mounts the health check and, when ingest is non-nil, the run
// ingestion API. Browsers may call it from the dashboard origin.
func NewRouter(health http.Handler, ingest *IngestHandlers, obs *Observer) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	if obs != nil {
		r.Use(obs.Middleware)
	}
	dashboard := tviz.DefaultDashboardURL
	if ingest != nil && ingest.dashboardURL != "" {
		dashboard = ingest.dashboardURL
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{originOf(dashboard)},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Method(http.MethodGet, "/health", health)
	if ingest != nil {
		r.Route("/v1/runs", func(r chi.Router) {
			r.Post("/", ingest.CreateRun)
			r.Route("/{runID}", func(r chi.Router) {
				r.Get("/", ingest.GetRun)
				r.Post("/metrics", ingest.PostMetrics)
				r.Post("/rollouts", ingest.PostRollouts)
				r.Post("/close", ingest.CloseRun)
			})
		})
	}
	return r
}

func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "*"
	}
	return u.Scheme + "://" + u.Host
}
