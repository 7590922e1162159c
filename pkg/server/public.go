package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/config"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/dispatch"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/observability/logger"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/observability/metrics"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/pipeline"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/realtime/sse"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/realtime/ws"
)

// ClientIDHeader lets a client pick its session id, e.g. to correlate logs.
const ClientIDHeader = "X-Client-ID"

// StatusSource reports pipeline state for GET /status.
type StatusSource interface {
	Status() pipeline.Status
}

// PublicDeps are the collaborators of the public server.
type PublicDeps struct {
	Dispatcher *dispatch.Dispatcher
	Status     StatusSource
	WebSocket  ws.Config
	// Metrics is optional.
	Metrics *metrics.HTTP
}

// PublicServer serves client sessions over WebSocket and SSE.
type PublicServer struct {
	*Server
	deps PublicDeps
	log  logger.Logger
}

// NewPublicServer routes:
//   - GET /ws      WebSocket session
//   - GET /events  SSE session
//   - GET /status  pipeline status JSON
func NewPublicServer(cfg config.HTTPConfig, deps PublicDeps, log logger.Logger) *PublicServer {
	if log == nil {
		log = logger.NewNop()
	}
	log = log.With("component", "public_server")

	r := mux.NewRouter()
	r.Use(requestIDMiddleware, recoveryMiddleware(log), accessLogMiddleware(log))
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware)
	}

	s := &PublicServer{deps: deps, log: log}
	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/events", s.handleSSE).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	s.Server = NewServer("public", Config{
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}, r, log)
	return s
}

func (s *PublicServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Status.Status())
}

func (s *PublicServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.Upgrade(w, r, s.deps.WebSocket)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ws.ErrOriginNotAllowed) {
			status = http.StatusForbidden
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	sess, err := s.deps.Dispatcher.Register(clientID(r), ws.NewWriter(conn))
	if err != nil {
		s.log.Warn("websocket session rejected", "request_id", RequestID(r.Context()), "error", err)
		_ = conn.Close()
		return
	}
	defer s.deps.Dispatcher.Remove(sess.ID())

	// The request context is not cancelled for hijacked connections.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopPing := conn.StartPing(ctx, s.deps.WebSocket.PingInterval)
	defer stopPing()

	select {
	case <-conn.HandlePingPong(ctx):
	case <-sess.Done():
	}
}

func (s *PublicServer) handleSSE(w http.ResponseWriter, r *http.Request) {
	writer, err := sse.NewWriter(w, 0)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	sess, err := s.deps.Dispatcher.Register(clientID(r), writer)
	if err != nil {
		writeJSON(w, registerStatus(err), map[string]string{"error": err.Error()})
		return
	}
	if err := writer.Start(); err != nil {
		s.deps.Dispatcher.Remove(sess.ID())
		return
	}

	select {
	case <-r.Context().Done():
		s.deps.Dispatcher.Remove(sess.ID())
	case <-writer.Done():
	}
	<-writer.Done()
}

func registerStatus(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrTooManySessions), errors.Is(err, dispatch.ErrDispatcherClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, dispatch.ErrDuplicateSession):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func clientID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(ClientIDHeader))
}
