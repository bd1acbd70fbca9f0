// Package microservice is the HTTP face of the event router: the operator API,
// the Prometheus endpoint and a health check driven by the monitor's ticks.
package microservice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/illmade-knight/go-eventrouter/pkg/consumer"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// BaseConfig holds the service-level settings shared by every backend.
type BaseConfig struct {
	LogLevel        string `mapstructure:"log_level"`
	HTTPPort        string `mapstructure:"http_port"`
	ProjectID       string `mapstructure:"project_id"`
	CredentialsFile string `mapstructure:"credentials_file"`
	ServiceName     string `mapstructure:"service_name"`
}

// ServerConfig configures a RouterServer.
type ServerConfig struct {
	HTTPPort string
	// StaleAfter is how old the last health tick may get before /healthz
	// reports the router unhealthy. Zero disables the check.
	StaleAfter time.Duration
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status        string     `json:"status"`
	LastTick      *time.Time `json:"lastTick,omitempty"`
	DeadConsumers int        `json:"deadConsumers"`
	DeadLetters   int        `json:"deadLetters"`
}

const (
	healthOK    = "ok"
	healthStale = "stale"
)

// RouterServer serves the engine over HTTP.
type RouterServer struct {
	cfg     ServerConfig
	router  Router
	clock   clockwork.Clock
	logger  zerolog.Logger
	mux     *http.ServeMux
	server  *http.Server
	started time.Time

	mu   sync.RWMutex
	addr string
}

// NewRouterServer registers the API routes. metricsHandler, when not nil, is
// served at /metrics.
func NewRouterServer(cfg ServerConfig, router Router, metricsHandler http.Handler, clock clockwork.Clock, logger zerolog.Logger) *RouterServer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &RouterServer{
		cfg:     cfg,
		router:  router,
		clock:   clock,
		logger:  logger.With().Str("component", "RouterServer").Logger(),
		mux:     http.NewServeMux(),
		started: clock.Now(),
	}
	s.server = &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.routes(metricsHandler)
	return s
}

// Start listens on the configured port and serves in the background.
func (s *RouterServer) Start() error {
	listener, err := net.Listen("tcp", s.cfg.HTTPPort)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", s.cfg.HTTPPort, err)
	}
	s.mu.Lock()
	s.addr = listener.Addr().String()
	s.mu.Unlock()

	s.logger.Info().Str("address", s.addr).Msg("Router API listening.")
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Router API server failed.")
		}
	}()
	return nil
}

// Shutdown drains in-flight requests, bounded by ctx.
func (s *RouterServer) Shutdown(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Error during router API shutdown.")
		return err
	}
	s.logger.Info().Msg("Router API stopped.")
	return nil
}

// Port is the port actually bound, e.g. ":8080". It differs from the
// configured one when ":0" was requested.
func (s *RouterServer) Port() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, port, err := net.SplitHostPort(s.addr)
	if err != nil {
		return s.cfg.HTTPPort
	}
	return ":" + port
}

// Mux returns the handler with every route registered.
func (s *RouterServer) Mux() *http.ServeMux {
	return s.mux
}

// handleHealth fails once the monitor has stopped ticking. Before the first
// tick the server's own start time stands in for it.
func (s *RouterServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	report := s.router.LastTick()
	resp := HealthResponse{
		Status:        healthOK,
		DeadConsumers: report.Consumers[consumer.StatusDead],
		DeadLetters:   s.router.GetDeadLetterStatus().Count,
	}
	since := s.started
	if !report.At.IsZero() {
		at := report.At
		resp.LastTick = &at
		since = at
	}
	status := http.StatusOK
	if s.cfg.StaleAfter > 0 && s.clock.Since(since) > s.cfg.StaleAfter {
		resp.Status = healthStale
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}
