package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/relayops/actionqueue/pkg/metrics"
)

// NewRouter wires the action endpoints, health check and metrics endpoint.
func NewRouter(h *ActionHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthHandler)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/actions", func(r chi.Router) {
		r.Post("/", h.CreateAction)
		r.Get("/", h.ListActions)
		r.Get("/{id}", h.GetAction)
		r.Post("/{id}/approve", h.ApproveAction)
		r.Post("/{id}/reject", h.RejectAction)
		r.Post("/{id}/cancel", h.CancelAction)
	})
	r.Get("/api/approvals", h.ListApprovals)

	return r
}
