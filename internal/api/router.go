// Package api exposes DAG runs over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dvloznov/audible-etl/internal/api/handlers"
	"github.com/dvloznov/audible-etl/internal/api/middleware"
)

// NewRouter creates and configures the HTTP router. A nil registry disables
// the /metrics endpoint.
func NewRouter(runs *handlers.RunsHandler, registry *prometheus.Registry, allowedOrigins []string, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recovery(log))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(log))
	r.Use(middleware.NewCORS(allowedOrigins).Handler)

	r.Route("/api", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", runs.TriggerRun)
			r.Get("/", runs.ListRuns)
			r.Get("/{id}", runs.GetRun)
		})
		r.Get("/history", runs.ListHistory)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	if registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	return r
}
