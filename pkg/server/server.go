// Package server is the HTTP front: routing, shared-secret authentication,
// and the liveness endpoint. The bridging itself lives in pkg/bridge.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/voicebridge/tts-sidecar/pkg/metrics"
	"github.com/voicebridge/tts-sidecar/pkg/pool"
)

// AuthHeader carries the shared secret on synthesis requests.
const AuthHeader = "x-sidecar-auth"

// Config holds the HTTP front settings.
type Config struct {
	Port int

	// AuthSecret guards /tts. Empty disables the check.
	AuthSecret string
}

// Server wires the router and owns the http.Server lifecycle.
type Server struct {
	cfg        Config
	httpServer *http.Server
	router     chi.Router
}

// New assembles the router. metricsHandler may be nil to skip /metrics.
func New(cfg Config, bridge http.Handler, p *pool.Pool, collector *metrics.Collector, metricsHandler http.Handler) *Server {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(requireSecret(cfg.AuthSecret))
		r.Get("/tts", bridge.ServeHTTP)
	})

	r.Get("/healthz", healthzHandler(p, collector))

	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}

	return &Server{
		cfg:    cfg,
		router: r,
		httpServer: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Port),
			Handler: r,
		},
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[Server] listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func requireSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret != "" && r.Header.Get(AuthHeader) != secret {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type healthzResponse struct {
	Status   string           `json:"status"`
	Pool     pool.Stats       `json:"pool"`
	Requests metrics.Snapshot `json:"requests"`
}

func healthzHandler(p *pool.Pool, collector *metrics.Collector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthzResponse{
			Status:   "ok",
			Pool:     p.Stats(),
			Requests: collector.Requests(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
