package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware: a
// GET-only surface, authenticated per authMiddleware, plus static
// doc-root file serving for anything that doesn't match a known route.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)
	r.Use(s.securityHeadersMiddleware)
	r.Use(s.rateLimitMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/data", s.handleData)
		r.Get("/data/{circuit}", s.handleData)
		r.Get("/data/{circuit}/{name}", s.handleData)
		r.Get("/datatypes", s.handleDatatypes)
		r.Get("/templates", s.handleTemplates)
		r.Get("/raw", s.handleRaw)
		r.Get("/decode", s.handleDecode)
		r.Get("/listen", s.handleListen)
	})

	r.NotFound(s.handleStatic)

	return r
}

// handleHealth returns liveness/readiness status; it is never
// auth-gated so monitoring systems don't need credentials.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
