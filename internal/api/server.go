// Package api exposes the transaction queue over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-chi/jwtauth/v5"

	"github.com/cmatc13/txqueue/internal/queue"
	"github.com/cmatc13/txqueue/internal/submit"
	"github.com/cmatc13/txqueue/pkg/config"
	apperrors "github.com/cmatc13/txqueue/pkg/errors"
	"github.com/cmatc13/txqueue/pkg/health"
	"github.com/cmatc13/txqueue/pkg/logging"
	"github.com/cmatc13/txqueue/pkg/metrics"
)

// QueueReader is the read side of the transaction queue.
type QueueReader interface {
	Snapshot() []queue.Record
	Get(id queue.ID) (queue.Record, bool)
}

// Submitter submits on behalf of a signer. *submit.Board implements it.
type Submitter interface {
	Submit(signer string, src submit.Source) (queue.ID, error)
	Sending() []string
}

// History looks up settled transactions that left the queue.
type History interface {
	Get(ctx context.Context, id queue.ID) (queue.Record, error)
	ListByAccount(ctx context.Context, account string, limit, offset int64) ([]queue.Record, error)
}

// Deps are the components the server fronts. Archive may be nil.
type Deps struct {
	Queue   QueueReader
	Board   Submitter
	Archive History
	Health  *health.Registry
	Metrics *metrics.Metrics
	Logger  *logging.Logger
}

// Server represents the API server
type Server struct {
	config    *config.Config
	router    *chi.Mux
	queue     QueueReader
	board     Submitter
	archive   History
	tokenAuth *jwtauth.JWTAuth
	server    *http.Server
	logger    *logging.Logger
	metrics   *metrics.Metrics
	health    *health.Registry
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, deps Deps) *Server {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	healthRegistry := deps.Health
	if healthRegistry == nil {
		healthRegistry = health.NewRegistry(logger)
	}

	s := &Server{
		config:  cfg,
		router:  r,
		queue:   deps.Queue,
		board:   deps.Board,
		archive: deps.Archive,
		logger:  logger.WithField("component", "api"),
		metrics: deps.Metrics,
		health:  healthRegistry,
		server: &http.Server{
			Addr:              ":" + cfg.API.Port,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	if cfg.Auth.JWTSecret != "" {
		s.tokenAuth = jwtauth.New("HS256", []byte(cfg.Auth.JWTSecret), nil)
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupMiddleware configures middleware for the server
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(MetricsMiddleware(s.metrics, "api"))
	s.router.Use(RecovererWithMetrics(s.logger, s.metrics, "api"))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.API.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	if s.metrics != nil {
		s.router.Get("/metrics", s.metrics.Handler().ServeHTTP)
	}

	version := s.config.API.Version
	if version == "" {
		version = "v1"
	}
	s.router.Route("/"+version, func(r chi.Router) {
		r.Get("/transactions", s.handleListTransactions)
		r.Get("/transactions/{id}", s.handleGetTransaction)
		r.Get("/accounts/{account}/transactions", s.handleAccountTransactions)
		r.Get("/submissions", s.handleSending)

		r.Group(func(r chi.Router) {
			if s.tokenAuth != nil {
				r.Use(jwtauth.Verifier(s.tokenAuth))
				r.Use(jwtauth.Authenticator)
			} else {
				s.logger.Warn("No JWT secret configured, submissions are unauthenticated")
			}
			if limit := s.config.API.SubmitRateLimit; limit > 0 {
				r.Use(httprate.LimitByIP(limit, time.Minute))
			}
			r.Post("/submissions", s.handleSubmit)
		})
	})
}

// Start serves on the configured port. It returns once the listener is
// bound; serving continues in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return apperrors.APIWrap(err, apperrors.OpStartServer, "failed to listen")
	}
	s.logger.Info("Starting API server", "addr", ln.Addr().String())

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Error serving API", "error", err)
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Error during server shutdown", "error", err)
		return apperrors.APIWrap(err, apperrors.OpShutdownServer, "failed to shut down")
	}
	s.logger.Info("API server shutdown complete")
	return nil
}

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), health.DefaultTimeout)
	defer cancel()
	report := s.health.RunChecks(ctx)

	httpStatus := http.StatusOK
	if report.Status == health.StatusDown {
		httpStatus = http.StatusServiceUnavailable
	}

	resp := Response{
		Success: report.Status == health.StatusUp,
		Message: "Service health status: " + string(report.Status),
		Data: map[string]interface{}{
			"status":    report.Status,
			"timestamp": report.Timestamp.Unix(),
			"version":   s.config.API.Version,
			"checks":    report.Checks,
			"system": map[string]interface{}{
				"go_version":    runtime.Version(),
				"go_goroutines": runtime.NumGoroutine(),
				"go_cpus":       runtime.NumCPU(),
			},
		},
	}
	s.renderJSON(w, resp, httpStatus)
}

// renderJSON renders a JSON response
func (s *Server) renderJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Error encoding JSON response", "error", err)
	}
}

// renderError renders err with the status its code maps to.
func (s *Server) renderError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatus(err)
	s.metrics.RecordError("api", "http", strconv.Itoa(status))

	s.renderJSON(w, Response{
		Success: false,
		Error:   err.Error(),
		Code:    apperrors.CodeOf(err),
	}, status)
}
