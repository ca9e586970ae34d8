package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rover-control/relay/internal/config"
	"github.com/rover-control/relay/internal/log"
	"github.com/rover-control/relay/internal/metrics"
	"github.com/rover-control/relay/internal/telemetry"
)

// Server represents the control-plane HTTP server.
type Server struct {
	httpServer   *http.Server
	router       chi.Router
	telemetryHub *telemetry.Hub
	orchestrator OrchestratorPort
	endpoints    EndpointReader

	history   HistoryReader
	sessions  http.Handler
	uplink    UplinkStatus
	metrics   *metrics.Metrics
	logger    log.Logger
	cameraURL string
	keepAlive time.Duration

	startTime time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithHistory serves GET /telemetry/recent from h.
func WithHistory(h HistoryReader) Option {
	return func(s *Server) { s.history = h }
}

// WithSessions serves realtime controller sessions on GET /telemetry.
func WithSessions(h http.Handler) Option {
	return func(s *Server) { s.sessions = h }
}

// WithUplink reports the uplink state on /status and /healthz.
func WithUplink(u UplinkStatus) Option {
	return func(s *Server) { s.uplink = u }
}

// WithMetrics exposes GET /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the request logger.
func WithLogger(l log.Logger) Option {
	return func(s *Server) { s.logger = l.WithName("api") }
}

// WithCameraStreamURL is advertised on GET /config.
func WithCameraStreamURL(url string) Option {
	return func(s *Server) { s.cameraURL = url }
}

// WithKeepAlive sets the SSE comment period.
func WithKeepAlive(d time.Duration) Option {
	return func(s *Server) { s.keepAlive = d }
}

// NewServer creates the API server. cfg supplies the listener address and timeouts.
func NewServer(cfg *config.ServerConfig, telemetryHub *telemetry.Hub, orchestrator OrchestratorPort, endpoints EndpointReader, opts ...Option) *Server {
	s := &Server{
		telemetryHub: telemetryHub,
		orchestrator: orchestrator,
		endpoints:    endpoints,
		logger:       log.NewNopLogger(),
		keepAlive:    15 * time.Second,
		startTime:    time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router = s.Routes()
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("control plane listening", "addr", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server. Hijacked realtime sessions are not tracked by
// Shutdown; they end when the hub stops.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// GetServer returns the underlying HTTP server for testing.
func (s *Server) GetServer() *http.Server {
	return s.httpServer
}
