// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/game-data-manager/internal/channel"
	"github.com/game-data-manager/internal/checkout"
	"github.com/game-data-manager/internal/job"
	"github.com/game-data-manager/internal/logging"
	"github.com/game-data-manager/internal/publish"
	"github.com/game-data-manager/internal/scanner"
	"github.com/game-data-manager/internal/worker"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Deps are the services the API exposes.
type Deps struct {
	Registry   *scanner.Registry
	Ledger     *checkout.Ledger
	Jobs       *job.Manager
	Hub        *channel.Hub
	Publisher  publish.Publisher
	Dispatcher *worker.Dispatcher
	Health     map[string]HealthCheck
	Logger     *logging.Logger
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	deps       Deps
	logger     *logging.Logger
	config     *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	ScannerRPS   int // Requests per second per user
	Burst        int
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	s := &Server{
		router: mux.NewRouter(),
		deps:   deps,
		logger: logger.WithField("component", "api"),
		config: config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.ScannerRPS, s.config.Burst)

	// Order matters: logging sees the status written by recovery
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware(s.logger))
	s.router.Use(CORSMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.deps.Hub != nil {
		s.router.Handle("/ws", s.deps.Hub).Methods("GET")
	}

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(AuthMiddleware(s.deps.Registry))
	api.Use(RateLimitMiddleware(rateLimiter))
	s.setupRoutes(api)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes(api *mux.Router) {
	// Scanner lease endpoints
	api.HandleFunc("/scanner/checkout", s.handleCheckout).Methods("POST")
	api.HandleFunc("/scanner/release", s.handleRelease).Methods("POST")
	api.HandleFunc("/scanner/trader-scan", s.handleStartTraderScan).Methods("POST")
	api.HandleFunc("/scanner/trader-scan", s.handleEndTraderScan).Methods("DELETE")

	// Overseer endpoints
	admin := api.NewRoute().Subrouter()
	admin.Use(RequireOverseer)

	admin.HandleFunc("/jobs", s.handleListJobs).Methods("GET")
	admin.HandleFunc("/jobs/{name}", s.handleGetJob).Methods("GET")
	admin.HandleFunc("/jobs/{name}/run", s.handleRunJob).Methods("POST")
	admin.HandleFunc("/events/{event}", s.handleFireEvent).Methods("POST")
	admin.HandleFunc("/workers", s.handleWorkerStats).Methods("GET")

	admin.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	admin.HandleFunc("/sessions/{session}/commands/{command}", s.handleSendCommand).Methods("POST")

	admin.HandleFunc("/scanners", s.handleListScanners).Methods("GET")
	admin.HandleFunc("/scanners/{id}/disabled", s.handleSetScannerDisabled).Methods("PUT")
	admin.HandleFunc("/scanners/{id}", s.handleDeleteScanner).Methods("DELETE")

	// Published data, compressed on request
	data := api.PathPrefix("/data").Subrouter()
	data.Use(CompressionMiddleware)
	data.HandleFunc("/{variant}/{key}", s.handleGetData).Methods("GET")
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.deps.Health))
	for name, check := range s.deps.Health {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	health := "healthy"
	if status != http.StatusOK {
		health = "unhealthy"
	}
	respondJSON(w, status, map[string]interface{}{
		"status":  health,
		"service": "game-data-manager",
		"checks":  checks,
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
