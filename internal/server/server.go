// Package server exposes the agent's operational HTTP surface: health and
// metrics endpoints plus a websocket status stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/speechengine/dataplane-agent/config"
	"github.com/speechengine/dataplane-agent/internal/models"
)

// statusInterval is how often the websocket stream pushes a fresh snapshot.
const statusInterval = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// statusProvider supplies the snapshots the HTTP surface serves. Implemented
// by the health service.
type statusProvider interface {
	HealthStatus(ctx context.Context) models.HealthStatus
	MetricsData(ctx context.Context) models.MetricsData
}

// Server is the agent's operational HTTP listener.
type Server struct {
	cfg        *config.Config
	status     statusProvider
	logger     *slog.Logger
	httpServer *http.Server
}

// New creates the HTTP server.
func New(cfg *config.Config, status statusProvider, logger *slog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		status: status,
		logger: logger.With("service", "http_server"),
	}
}

func (s *Server) routes() http.Handler {
	router := mux.NewRouter().StrictSlash(true)

	router.HandleFunc("/health/", s.handleHealth).Methods("GET")
	router.HandleFunc("/health/detailed", s.handleHealthDetailed).Methods("GET")
	router.Handle("/metrics/", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/metrics/json", s.handleMetricsJSON).Methods("GET")
	router.HandleFunc("/ws/status", s.handleStatusWS)

	corsHandler := cors.New(cors.Options{
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-Correlation-ID"},
	})

	return otelhttp.NewHandler(corsHandler.Handler(correlationMiddleware(router)), "dataplane-agent")
}

// Start launches the listener in the background.
func (s *Server) Start() {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		s.logger.Info("http server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", "error", err.Error())
		}
	}()
}

// Shutdown stops the listener, waiting for in-flight requests up to the
// context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// correlationMiddleware reuses an inbound correlation ID or mints one, and
// echoes it in the response.
func correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.NewString()
		}
		w.Header().Set("X-Correlation-ID", correlationID)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.status.HealthStatus(r.Context())
	code := http.StatusOK
	if status.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, status)
}

func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	status := s.status.HealthStatus(r.Context())
	code := http.StatusOK
	if status.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, map[string]any{
		"health":  status,
		"metrics": s.status.MetricsData(r.Context()),
	})
}

func (s *Server) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.status.MetricsData(r.Context()))
}

// handleStatusWS streams periodic status snapshots until the client
// disconnects.
func (s *Server) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err.Error())
		return
	}
	defer conn.Close()
	s.logger.Debug("status stream client connected", "remote_addr", conn.RemoteAddr().String())

	// Drain reads so close frames from the client are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		snapshot := map[string]any{
			"health":  s.status.HealthStatus(r.Context()),
			"metrics": s.status.MetricsData(r.Context()),
		}
		if err := conn.WriteJSON(snapshot); err != nil {
			return
		}
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err.Error())
	}
}
