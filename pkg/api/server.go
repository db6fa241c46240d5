package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"gb28181-gateway/pkg/config"
	"gb28181-gateway/pkg/errors"
	"gb28181-gateway/pkg/gb/registry"
	"gb28181-gateway/pkg/metrics"
	"gb28181-gateway/pkg/version"
)

// Server is the operator-facing HTTP server
type Server struct {
	logger     *logrus.Logger
	config     *config.HTTPConfig
	httpServer *http.Server
	mux        *http.ServeMux
	registry   *registry.Registry
	controller StreamController
	events     *EventHub
	startTime  time.Time
}

// NewServer wires the API routes over the registry and commander
func NewServer(logger *logrus.Logger, cfg *config.HTTPConfig, reg *registry.Registry, controller StreamController, events *EventHub) *Server {
	s := &Server{
		logger:     logger,
		config:     cfg,
		registry:   reg,
		controller: controller,
		events:     events,
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()
	s.mux = mux

	serverHeader := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Server", version.ServerHeader())
			next(w, r)
		}
	}

	mux.HandleFunc("GET /api/v1/devices", serverHeader(s.handleListDevices))
	mux.HandleFunc("GET /api/v1/devices/{id}", serverHeader(s.handleGetDevice))
	mux.HandleFunc("GET /api/v1/devices/{id}/channels", serverHeader(s.handleListChannels))
	mux.HandleFunc("POST /api/v1/devices/{id}/catalog", serverHeader(s.handleSyncCatalog))
	mux.HandleFunc("GET /api/v1/streams", serverHeader(s.handleListStreams))
	mux.HandleFunc("POST /api/v1/streams/start", serverHeader(s.handleStartStream))
	mux.HandleFunc("POST /api/v1/streams/stop", serverHeader(s.handleStopStream))
	mux.HandleFunc("POST /api/v1/ptz", serverHeader(s.handlePTZ))
	mux.HandleFunc("GET /health", serverHeader(s.handleHealth))
	mux.HandleFunc("GET /ws/events", s.events.ServeWs)

	if cfg.EnableMetrics {
		mux.Handle("GET /metrics", metrics.Handler())
		logger.Info("Prometheus metrics endpoint enabled at /metrics")
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Handler exposes the route table, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves the API in a goroutine
func (s *Server) Start() {
	go func() {
		s.logger.WithField("port", s.config.Port).Info("HTTP API listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server failed")
		}
	}()
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "shutting down HTTP server")
	}
	return nil
}
