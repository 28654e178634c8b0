package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/rs/zerolog"
)

// AdminServer exposes metrics and health endpoints of a running orchestrator.
//
//	/live     liveness checks
//	/ready    readiness checks
//	/metrics  Prometheus metrics (path from MetricsConfig)
type AdminServer struct {
	addr     string
	health   healthcheck.Handler
	mux      *http.ServeMux
	server   *http.Server
	listener net.Listener
	logger   zerolog.Logger
}

// NewAdminServer creates an admin server listening on addr.
func NewAdminServer(addr string, metrics *Metrics, logger zerolog.Logger) *AdminServer {
	var health healthcheck.Handler
	if reg := metrics.Registry(); reg != nil {
		health = healthcheck.NewMetricsHandler(reg, metrics.config.Namespace)
	} else {
		health = healthcheck.NewHandler()
	}

	path := "/metrics"
	if metrics != nil && metrics.config.Path != "" {
		path = metrics.config.Path
	}

	mux := http.NewServeMux()
	mux.Handle("/live", health)
	mux.Handle("/ready", health)
	mux.Handle(path, metrics.Handler())

	return &AdminServer{
		addr:   addr,
		health: health,
		mux:    mux,
		logger: logger.With().Str("component", "admin").Logger(),
	}
}

// AddLivenessCheck registers a check reported by /live.
func (a *AdminServer) AddLivenessCheck(name string, check func() error) {
	a.health.AddLivenessCheck(name, check)
}

// AddReadinessCheck registers a check reported by /ready.
func (a *AdminServer) AddReadinessCheck(name string, check func() error) {
	a.health.AddReadinessCheck(name, check)
}

// Handler returns the admin HTTP handler.
func (a *AdminServer) Handler() http.Handler {
	return a.mux
}

// Start binds the listener and serves in the background.
func (a *AdminServer) Start() error {
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("failed to bind admin listener: %w", err)
	}
	a.listener = ln
	a.server = &http.Server{
		Handler:           a.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Msg("Admin server stopped")
		}
	}()

	a.logger.Info().Str("address", ln.Addr().String()).Msg("Admin endpoint listening")
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (a *AdminServer) Addr() string {
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.addr
}

// Shutdown stops the admin server.
func (a *AdminServer) Shutdown(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}
