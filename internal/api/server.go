package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"Armada/internal/analytics"
	"Armada/internal/config"
	"Armada/internal/fleet"
	"Armada/internal/provider"
	"Armada/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	config     *config.Config
	manager    *fleet.Manager
	provider   provider.Provider
	store      *store.Store
	tracker    *analytics.Tracker
	registry   *prometheus.Registry
	logger     *slog.Logger
	httpServer *http.Server
}

// New creates a new API server
func New(
	cfg *config.Config,
	mgr *fleet.Manager,
	prov provider.Provider,
	st *store.Store,
	tracker *analytics.Tracker,
	registry *prometheus.Registry,
	logger *slog.Logger,
) *Server {
	return &Server{
		config:   cfg,
		manager:  mgr,
		provider: prov,
		store:    st,
		tracker:  tracker,
		registry: registry,
		logger:   logger.With("component", "api-server"),
	}
}

// Handler builds the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health and readiness endpoints
	mux.HandleFunc(s.config.Observability.HealthCheckPath, s.handleHealth)
	mux.HandleFunc(s.config.Observability.ReadinessPath, s.handleReadiness)

	// Metrics endpoint
	if s.config.Observability.EnableMetrics {
		mux.Handle(s.config.Observability.MetricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	// Fleet endpoints
	mux.HandleFunc("GET /api/v1/fleets", s.authMiddleware(s.handleListFleets))
	mux.HandleFunc("POST /api/v1/fleets", s.authMiddleware(s.handleEnableFleet))
	mux.HandleFunc("GET /api/v1/fleets/{name}", s.authMiddleware(s.handleFleetStatus))
	mux.HandleFunc("DELETE /api/v1/fleets/{name}", s.authMiddleware(s.handleDisableFleet))
	mux.HandleFunc("POST /api/v1/fleets/{name}/scale", s.authMiddleware(s.handleForceScale))
	mux.HandleFunc("GET /api/v1/events", s.authMiddleware(s.handleEvents))
	mux.HandleFunc("GET /api/v1/fleets/{name}/events", s.authMiddleware(s.handleFleetEvents))
	mux.HandleFunc("GET /api/v1/fleets/{name}/history", s.authMiddleware(s.handleFleetHistory))
	mux.HandleFunc("GET /api/v1/instances", s.authMiddleware(s.handleInstances))

	return s.loggingMiddleware(mux)
}

// Start starts the HTTP server
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Address, s.config.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	s.logger.Info("starting API server", "address", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("server shutdown error", "error", err)
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	// Check provider health
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.provider.HealthCheck(ctx); err != nil {
		s.logger.Error("readiness check failed", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleListFleets(w http.ResponseWriter, r *http.Request) {
	fleets := s.manager.List()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"count":     len(fleets),
		"fleets":    fleets,
	})
}

func (s *Server) handleEnableFleet(w http.ResponseWriter, r *http.Request) {
	var f config.FleetConfig
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid fleet definition", err)
		return
	}

	if err := s.manager.Enable(r.Context(), f); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, "failed to enable fleet", err)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]string{
		"fleet":  f.Name,
		"status": "enabled",
	})
}

func (s *Server) handleFleetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.manager.Status(r.PathValue("name"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "fleet not found", err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleDisableFleet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	drain := r.URL.Query().Get("drain") == "true"

	if err := s.manager.Disable(r.Context(), name, drain); err != nil {
		s.writeError(w, http.StatusNotFound, "fleet not found", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"fleet":   name,
		"status":  "disabled",
		"drained": drain,
	})
}

func (s *Server) handleForceScale(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var req struct {
		Target int `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid scale request", err)
		return
	}

	decision, err := s.manager.ForceScale(r.Context(), name, req.Target)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "scale request failed", err)
		return
	}

	s.writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil || !s.config.Store.Enabled {
		s.writeError(w, http.StatusNotFound, "store not enabled", nil)
		return
	}

	events := s.store.GetRecentEvents(100)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(events),
		"events": events,
	})
}

func (s *Server) handleFleetEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil || !s.config.Store.Enabled {
		s.writeError(w, http.StatusNotFound, "store not enabled", nil)
		return
	}

	name := r.PathValue("name")
	events := s.store.GetFleetEvents(name, 100)

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"fleet":  name,
		"count":  len(events),
		"events": events,
	})
}

func (s *Server) handleFleetHistory(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	history := s.tracker.History(name, 50)

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"fleet":     name,
		"count":     len(history),
		"decisions": history,
	})
}

func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := s.provider.List(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list instances", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"count":     len(instances),
		"instances": instances,
	})
}

func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.config.Server.EnableAuth {
			next(w, r)
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = r.Header.Get("Authorization")
			if len(apiKey) > 7 && apiKey[:7] == "Bearer " {
				apiKey = apiKey[7:]
			}
		}

		if apiKey != s.config.Server.APIKey {
			s.writeError(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}

		next(w, r)
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		next.ServeHTTP(w, r)

		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string, err error) {
	response := map[string]string{
		"error": message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	s.writeJSON(w, statusCode, response)
}
