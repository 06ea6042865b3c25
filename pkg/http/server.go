package http

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"callbridge-server/pkg/metrics"
	"callbridge-server/pkg/version"
)

// Config holds HTTP server configuration.
type Config struct {
	Port          int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	EnableMetrics bool
}

// DefaultConfig returns the default HTTP server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:          8080,
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  30 * time.Second,
		EnableMetrics: true,
	}
}

// RateLimitMiddleware guards abuse-prone endpoints.
type RateLimitMiddleware interface {
	Middleware(next http.Handler) http.Handler
}

// HealthChecker reports whether a dependency can serve requests.
type HealthChecker interface {
	Health() error
}

// ConnectionChecker reports whether a long-lived connection is up.
type ConnectionChecker interface {
	IsConnected() bool
}

// SessionCounter exposes the number of live media sessions.
type SessionCounter interface {
	Count() int
}

// Server is the HTTP surface of the call bridge: webhooks, the media
// stream socket, the call API, health and metrics.
type Server struct {
	config     *Config
	logger     *logrus.Logger
	httpServer *http.Server
	mux        *http.ServeMux
	startTime  time.Time

	db        HealthChecker
	publisher ConnectionChecker
	sessions  SessionCounter
	rateLimit RateLimitMiddleware
}

// NewServer creates the HTTP server and registers the standard
// endpoints. Domain handlers are attached with RegisterHandler and
// RegisterProtectedHandler before Start.
func NewServer(logger *logrus.Logger, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	server := &Server{
		config:    config,
		logger:    logger,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	server.mux = mux

	addServerHeader := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Server", version.ServerHeader())
			next(w, r)
		}
	}

	mux.HandleFunc("/health", addServerHeader(server.HealthHandler))
	mux.HandleFunc("/health/live", addServerHeader(server.LivenessHandler))
	mux.HandleFunc("/health/ready", addServerHeader(server.ReadinessHandler))
	mux.HandleFunc("/status", addServerHeader(server.statusHandler))

	if config.EnableMetrics {
		metrics.RegisterHandler(mux)
	} else {
		logger.Info("Metrics endpoint disabled")
	}

	server.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      mux,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return server
}

// SetDatabase wires the database health check.
func (s *Server) SetDatabase(db HealthChecker) {
	s.db = db
}

// SetPublisher wires the report publisher connection check.
func (s *Server) SetPublisher(publisher ConnectionChecker) {
	s.publisher = publisher
}

// SetSessionCounter wires the live session count for /status.
func (s *Server) SetSessionCounter(sessions SessionCounter) {
	s.sessions = sessions
}

// SetRateLimitMiddleware sets the limiter used by protected handlers.
// Call it before RegisterProtectedHandler.
func (s *Server) SetRateLimitMiddleware(middleware RateLimitMiddleware) {
	s.rateLimit = middleware
	s.logger.Info("Rate limiting middleware configured")
}

// RegisterHandler adds a handler to the server.
func (s *Server) RegisterHandler(path string, handler http.Handler) {
	s.mux.Handle(path, handler)
	s.logger.WithField("path", path).Info("Registered HTTP handler")
}

// RegisterProtectedHandler adds a handler behind the rate limiter.
func (s *Server) RegisterProtectedHandler(path string, handler http.Handler) {
	if s.rateLimit != nil {
		handler = s.rateLimit.Middleware(handler)
	}
	s.mux.Handle(path, handler)
	s.logger.WithField("path", path).Info("Registered rate-limited HTTP handler")
}

// Handler returns the root handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() {
	s.logger.WithField("port", s.config.Port).Info("Starting HTTP server")

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server failed")
		}
	}()

	// Verify the port actually bound.
	go func() {
		time.Sleep(500 * time.Millisecond)
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", s.config.Port), 2*time.Second)
		if err != nil {
			s.logger.WithError(err).Error("Could not connect to HTTP server")
			return
		}
		conn.Close()
	}()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server...")
	return s.httpServer.Shutdown(ctx)
}
