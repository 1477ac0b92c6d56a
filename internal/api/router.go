// Package api exposes the gateway over HTTP: the single POST /mcp/call
// entry point, a liveness endpoint, and REST convenience wrappers that
// synthesize the equivalent fabric.* call.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/aetherpro/fabric/internal/api/middleware"
	"github.com/aetherpro/fabric/internal/auth"
)

// NewRouter creates the HTTP router with all gateway routes.
func NewRouter(h *Handlers, verifier *auth.Verifier) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Trace-Id", "X-Fabric-Passport"},
		ExposedHeaders:   []string{"X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Liveness stays unauthenticated so orchestrators can probe it.
	r.Get("/health", h.Liveness)

	r.Route("/mcp", func(r chi.Router) {
		r.Use(middleware.Auth(verifier))

		r.Post("/call", h.Call)

		// REST conveniences; each synthesizes the equivalent fabric.* call.
		r.Get("/list_agents", h.ListAgents)
		r.Post("/register_agent", h.RegisterAgent)
		r.Get("/agent/{agentID}", h.DescribeAgent)
		r.Delete("/agent/{agentID}", h.DeregisterAgent)
		r.Get("/list_tools", h.ListTools)
		r.Get("/list_topics", h.ListTopics)
		r.Get("/metrics", h.Metrics)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
