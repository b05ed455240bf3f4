// Package api exposes the admin HTTP surface: liveness/readiness probes,
// Prometheus metrics, a hand-written OpenAPI document served through
// swaggo/http-swagger, read-only Batcher/RetryingRequest stats, and
// Basic-Auth-protected debug actions.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
	"golang.org/x/crypto/bcrypt"
)

// StatsProvider reports the current snapshot a /stats/* endpoint should
// render. Implemented by whatever owns the Batcher/RetryingRequest
// population (cmd/replicator's wiring).
type StatsProvider interface {
	BatcherStats() any
	InFlightRequestStats() any
}

// DebugActions performs the mutating operator actions gated behind Basic
// Auth: flushing a batcher's inbox immediately, or clearing it without
// delivery.
type DebugActions interface {
	FlushAll()
	ClearAll()
}

// HealthChecker reports whether a named dependency is currently reachable.
type HealthChecker interface {
	CheckReadiness(ctx context.Context) map[string]error
}

// Config configures the admin server.
type Config struct {
	ListenAddr        string
	DebugUsername     string
	DebugPasswordHash string // bcrypt hash
}

// Server wraps a chi router and the http.Server serving it.
type Server struct {
	cfg     Config
	router  *chi.Mux
	stats   StatsProvider
	actions DebugActions
	health  HealthChecker
	httpSrv *http.Server
}

// New builds the admin API's route table.
func New(cfg Config, stats StatsProvider, actions DebugActions, health HealthChecker) *Server {
	s := &Server{cfg: cfg, stats: stats, actions: actions, health: health}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
	}))

	r.Get("/healthz", s.handleLiveness)
	r.Get("/readyz", s.handleReadiness)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
	r.Get("/swagger/doc.json", s.handleOpenAPIDoc)

	r.Get("/stats/batchers", s.handleBatcherStats)
	r.Get("/stats/requests", s.handleRequestStats)

	r.Group(func(r chi.Router) {
		r.Use(s.basicAuth)
		r.Post("/debug/flush", s.handleDebugFlush)
		r.Post("/debug/clear", s.handleDebugClear)
	})

	s.router = r
	return s
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	failures := s.health.CheckReadiness(ctx)
	if len(failures) == 0 {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
		return
	}

	body := make(map[string]string, len(failures))
	for name, err := range failures {
		body[name] = err.Error()
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "unavailable", "failures": body})
}

func (s *Server) handleBatcherStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.stats.BatcherStats())
}

func (s *Server) handleRequestStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.stats.InFlightRequestStats())
}

func (s *Server) handleDebugFlush(w http.ResponseWriter, r *http.Request) {
	s.actions.FlushAll()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDebugClear(w http.ResponseWriter, r *http.Request) {
	s.actions.ClearAll()
	w.WriteHeader(http.StatusAccepted)
}

// basicAuth protects /debug/* routes with a bcrypt-checked username and
// password, rather than inventing a custom auth scheme for internal
// tooling.
func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.DebugUsername == "" || s.cfg.DebugPasswordHash == "" {
			http.Error(w, "debug endpoints disabled", http.StatusForbidden)
			return
		}

		username, password, ok := r.BasicAuth()
		if !ok || username != s.cfg.DebugUsername {
			w.Header().Set("WWW-Authenticate", `Basic realm="replikit-debug"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.DebugPasswordHash), []byte(password)); err != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="replikit-debug"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ListenAndServe starts the admin HTTP server; blocks until it stops.
func (s *Server) ListenAndServe() error {
	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the admin HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
