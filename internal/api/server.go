// Package api serves the Home Assistant facing HTTP surfaces: the
// per-agent query service and the conversation agent.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/nugget/haletta/internal/buildinfo"
	"github.com/nugget/haletta/internal/connwatch"
	"github.com/nugget/haletta/internal/integration"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// HealthReporter reports dependency health. Satisfied by
// *connwatch.Manager.
type HealthReporter interface {
	Status() map[string]connwatch.ServiceStatus
	Ready() bool
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	registry *integration.Registry
	health   HealthReporter
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates a new API server. health may be nil when nothing
// is watched.
func NewServer(address string, port int, registry *integration.Registry, health HealthReporter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  address,
		port:     port,
		registry: registry,
		health:   health,
		logger:   logger,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.withLogging)
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "haletta")
	})

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/api/agents", s.handleAgents)

	r.Post("/api/services/{agent}/query", s.handleQuery)

	r.Route("/api/conversation/{agent}", func(r chi.Router) {
		r.Get("/", s.handleConversationInfo)
		r.Post("/process", s.handleConversationProcess)
	})

	return r
}

// Start begins serving HTTP requests. It blocks until the server stops.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Streaming turns can take minutes end to end.
		WriteTimeout: 5 * time.Minute,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		level := slog.LevelInfo
		if r.URL.Path == "/health" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"request_id", middleware.GetReqID(r.Context()),
			"duration", time.Since(start).Round(time.Millisecond),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    "haletta",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

type healthResponse struct {
	Status   string                             `json:"status"`
	Uptime   string                             `json:"uptime"`
	Services map[string]connwatch.ServiceStatus `json:"services,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy", Uptime: buildinfo.Uptime().String()}
	if s.health != nil {
		resp.Services = s.health.Status()
		if !s.health.Ready() {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp, s.logger)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"agents": s.registry.Names()}, s.logger)
}
