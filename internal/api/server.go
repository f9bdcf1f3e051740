// Package api mounts the exchange's HTTP surface: the WebSocket upgrade
// endpoint, a health probe, and the Prometheus scrape endpoint.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router *chi.Mux
}

// NewServer creates the HTTP handler with all routes mounted. ws serves the
// frame transport upgrade; gatherer backs /metrics.
func NewServer(ws http.Handler, gatherer prometheus.Gatherer) *Server {
	s := &Server{router: chi.NewRouter()}

	r := s.router
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Method(http.MethodGet, "/ws", ws)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
