package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.observe)
	r.Use(s.recoverPanics)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/sessions", s.handleSessions)

		r.Route("/vdcs", func(r chi.Router) {
			r.Get("/", s.handleListContainers)
			r.Post("/", s.handleCreateContainer)

			r.Route("/{dsuid}", func(r chi.Router) {
				r.Get("/", s.handleGetContainer)
				r.Delete("/", s.handleRemoveContainer)
				r.Get("/devices", s.handleListContainerDevices)
				r.Post("/devices", s.handleAddDevice)
			})
		})

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)

			r.Route("/{dsuid}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Delete("/", s.handleRemoveDevice)
				r.Put("/properties/{key}", s.handleSetProperty)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no such route")
	})

	return r
}
