package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/user/listing-ingest/internal/delivery/http/handler"
	"github.com/user/listing-ingest/internal/delivery/http/middleware"
)

func New(h *handler.Handler, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logging(logger))
	r.Use(chimw.Recoverer)
	r.Use(middleware.Metrics)

	r.Get("/health", h.HandleHealthCheck)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/import", func(r chi.Router) {
		r.Post("/", h.HandleSubmitImport)
		r.Get("/", h.HandleListImports)
		r.Get("/{id}", h.HandleGetImport)
		r.Post("/{id}/advance", h.HandleAdvanceImport)
		r.Post("/{id}/cancel", h.HandleCancelImport)
	})

	r.Route("/schedules", func(r chi.Router) {
		r.Post("/", h.HandleCreateSchedule)
		r.Get("/", h.HandleListSchedules)
		r.Post("/next", h.HandleStartNextSchedule)
		r.Get("/{id}", h.HandleGetSchedule)
		r.Post("/{id}/retry", h.HandleRetrySchedule)
		r.Post("/{id}/rearm", h.HandleRearmSchedule)
	})

	return r
}
