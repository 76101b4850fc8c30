package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-halink/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// System metrics (no auth required for basic monitoring)
		r.Get("/metrics", s.handleMetrics)

		// WebSocket (auth via token query parameter, validated in handler)
		r.Get("/ws", s.handleWebSocket)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Route("/instances", func(r chi.Router) {
				r.With(s.requirePermission(auth.PermInstanceRead)).Get("/", s.handleListInstances)

				r.Route("/{id}", func(r chi.Router) {
					r.With(s.requirePermission(auth.PermInstanceRead)).Get("/", s.handleGetInstance)

					r.Group(func(r chi.Router) {
						r.Use(s.requirePermission(auth.PermInstanceOperate))
						r.Post("/start", s.handleStartInstance)
						r.Post("/stop", s.handleStopInstance)
						r.Post("/restart", s.handleRestartInstance)
					})

					r.Group(func(r chi.Router) {
						r.Use(s.requirePermission(auth.PermQueueSubmit))
						r.Post("/requests", s.handleEnqueueRequest)
						r.Post("/call", s.handleCall)
					})
				})
			})

			r.Route("/requests/{rid}", func(r chi.Router) {
				r.With(s.requirePermission(auth.PermQueueRead)).Get("/", s.handlePollRequest)
				r.With(s.requirePermission(auth.PermQueueRead)).Get("/events", s.handleRequestEvents)
				r.With(s.requirePermission(auth.PermQueueSubmit)).Post("/close", s.handleCloseRequest)
				r.With(s.requirePermission(auth.PermQueueSubmit)).Delete("/", s.handleDeleteRequest)
			})

			r.With(s.requirePermission(auth.PermInstanceRead)).Get("/audit", s.handleListAudit)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
