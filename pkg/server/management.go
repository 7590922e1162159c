package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/config"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/dispatch"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/health"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/observability/logger"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/observability/metrics"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/version"
)

// SessionLister reports per-session delivery stats for GET /sessions.
type SessionLister interface {
	Sessions() []dispatch.SessionInfo
}

// ManagementServer serves operational endpoints on a separate port from
// client traffic.
type ManagementServer struct {
	*Server
	healthRegistry  *health.Registry
	metricsRegistry *metrics.Registry
	sessions        SessionLister
	versionInfo     version.Info
}

// NewManagementServer routes:
//   - GET /health   liveness, always 200
//   - GET /ready    readiness from the health registry, 503 unless healthy
//   - GET /metrics  prometheus exposition
//   - GET /version  build metadata
//   - GET /sessions per-session delivery stats, when sessions is non-nil
func NewManagementServer(
	cfg config.ManagementConfig,
	log logger.Logger,
	healthRegistry *health.Registry,
	metricsRegistry *metrics.Registry,
	sessions SessionLister,
	info version.Info,
) *ManagementServer {
	if log == nil {
		log = logger.NewNop()
	}
	log = log.With("component", "management_server")
	if healthRegistry == nil {
		healthRegistry = health.NewRegistry()
	}
	if metricsRegistry == nil {
		metricsRegistry = metrics.NewRegistry()
	}

	s := &ManagementServer{
		healthRegistry:  healthRegistry,
		metricsRegistry: metricsRegistry,
		sessions:        sessions,
		versionInfo:     info,
	}

	r := mux.NewRouter()
	r.Use(requestIDMiddleware, recoveryMiddleware(log))
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", metricsRegistry.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)
	if sessions != nil {
		r.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)
	}

	s.Server = NewServer("management", Config{
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}, r, log)
	return s
}

func (s *ManagementServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *ManagementServer) handleReady(w http.ResponseWriter, r *http.Request) {
	result := s.healthRegistry.Check(r.Context())
	if !result.IsHealthy() {
		writeJSON(w, http.StatusServiceUnavailable, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *ManagementServer) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.versionInfo)
}

func (s *ManagementServer) handleSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.sessions.Sessions()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(sessions),
		"sessions": sessions,
	})
}
