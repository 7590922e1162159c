package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/config"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/dispatch"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/health"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/observability/logger"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/observability/metrics"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/pipeline"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/version"
)

type staticStatus struct{ status pipeline.Status }

func (s staticStatus) Status() pipeline.Status { return s.status }

type nopWriter struct{}

func (nopWriter) WriteMessage(context.Context, dispatch.Message) error { return nil }
func (nopWriter) Close() error                                         { return nil }

type staticChecker struct {
	name   string
	status health.Status
}

func (c staticChecker) Name() string { return c.name }
func (c staticChecker) Check(context.Context) health.CheckResult {
	return health.CheckResult{Name: c.name, Status: c.status, Timestamp: time.Now()}
}

func newPublic(t *testing.T, cfg dispatch.Config) (*PublicServer, *dispatch.Dispatcher) {
	t.Helper()
	d := dispatch.New(cfg, logger.NewNop(), nil)
	t.Cleanup(d.Close)
	status := staticStatus{status: pipeline.Status{FeedState: dispatch.FeedConnected, Subscriber: "connected"}}
	ps := NewPublicServer(config.HTTPConfig{}, PublicDeps{
		Dispatcher: d,
		Status:     status,
		Metrics:    metrics.NewHTTP(metrics.NewRegistry(), "tickstream", "public"),
	}, logger.NewNop())
	return ps, d
}

func TestPublicServer_Status(t *testing.T) {
	ps, _ := newPublic(t, dispatch.Config{})

	rec := httptest.NewRecorder()
	ps.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["feed"] != "connected" {
		t.Fatalf("expected feed connected, got %v", body["feed"])
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Fatalf("expected request id header")
	}
}

func TestPublicServer_RequestIDPropagated(t *testing.T) {
	ps, _ := newPublic(t, dispatch.Config{})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	ps.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get(RequestIDHeader); got != "req-42" {
		t.Fatalf("expected req-42, got %q", got)
	}
}

func TestPublicServer_SSEStreamsStatus(t *testing.T) {
	ps, d := newPublic(t, dispatch.Config{})
	srv := httptest.NewServer(ps.Handler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/events", nil)
	req.Header.Set(ClientIDHeader, "sse-1")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}

	d.BroadcastStatus(context.Background(), dispatch.FeedStatus{
		Feed:  dispatch.FeedDisconnected,
		State: "connecting",
		Since: time.Now(),
	})

	lines := make(chan string)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stop:
				return
			}
		}
	}()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatalf("stream closed before status event")
			}
			if line == "event: status" {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status event")
		}
	}
}

func TestPublicServer_SSERejections(t *testing.T) {
	tests := []struct {
		name     string
		cfg      dispatch.Config
		existing string
		clientID string
		want     int
	}{
		{name: "session table full", cfg: dispatch.Config{MaxSessions: 1}, existing: "other", want: http.StatusServiceUnavailable},
		{name: "duplicate client id", existing: "dup", clientID: "dup", want: http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ps, d := newPublic(t, tt.cfg)
			if _, err := d.Register(tt.existing, nopWriter{}); err != nil {
				t.Fatalf("register: %v", err)
			}

			req := httptest.NewRequest(http.MethodGet, "/events", nil)
			if tt.clientID != "" {
				req.Header.Set(ClientIDHeader, tt.clientID)
			}
			rec := httptest.NewRecorder()
			ps.Handler().ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Fatalf("expected json error body, got %q", ct)
			}
		})
	}
}

func TestPublicServer_WebSocketRequiresUpgrade(t *testing.T) {
	ps, d := newPublic(t, dispatch.Config{})

	rec := httptest.NewRecorder()
	ps.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if d.Len() != 0 {
		t.Fatalf("expected no sessions, got %d", d.Len())
	}
}

func newManagement(t *testing.T, checks ...health.Checker) *ManagementServer {
	t.Helper()
	hr := health.NewRegistry()
	for _, c := range checks {
		hr.Register(c)
	}
	d := dispatch.New(dispatch.Config{}, logger.NewNop(), nil)
	t.Cleanup(d.Close)
	if _, err := d.Register("client-a", nopWriter{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	return NewManagementServer(config.ManagementConfig{}, logger.NewNop(), hr, metrics.NewRegistry(), d,
		version.Info{Service: "tickstream", Version: "v1.2.3"})
}

func TestManagementServer_Ready(t *testing.T) {
	tests := []struct {
		name   string
		status health.Status
		want   int
	}{
		{name: "healthy", status: health.StatusHealthy, want: http.StatusOK},
		{name: "degraded", status: health.StatusDegraded, want: http.StatusServiceUnavailable},
		{name: "unhealthy", status: health.StatusUnhealthy, want: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := newManagement(t,
				staticChecker{name: "bus", status: health.StatusHealthy},
				staticChecker{name: "feed", status: tt.status},
			)

			rec := httptest.NewRecorder()
			ms.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestManagementServer_Endpoints(t *testing.T) {
	ms := newManagement(t, staticChecker{name: "feed", status: health.StatusUnhealthy})

	tests := []struct {
		path     string
		want     int
		contains string
	}{
		{path: "/health", want: http.StatusOK, contains: `"healthy"`},
		{path: "/version", want: http.StatusOK, contains: `"v1.2.3"`},
		{path: "/metrics", want: http.StatusOK, contains: "go_goroutines"},
		{path: "/sessions", want: http.StatusOK, contains: `"id":"client-a"`},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			ms.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.contains) {
				t.Fatalf("expected body to contain %q, got %s", tt.contains, rec.Body.String())
			}
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware, recoveryMiddleware(logger.NewNop()))
	r.HandleFunc("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), rec.Header().Get(RequestIDHeader)) {
		t.Fatalf("expected request id in body, got %s", rec.Body.String())
	}
}

func TestRunHTTPServers_HookOrder(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.HTTP.Port = 0
	cfg.Observability.TracingEnabled = false

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) LifecycleHook {
		return LifecycleHook{Name: name, Fn: func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}}
	}

	ctx, cancel := context.WithCancel(context.Background())
	ps, _ := newPublic(t, dispatch.Config{})
	started := LifecycleHook{Name: "started", Fn: func(context.Context) error {
		cancel()
		return nil
	}}

	err := RunHTTPServers(ctx, &HTTPServers{Public: ps}, &RunOptions{
		Config:        cfg,
		Logger:        logger.NewNop(),
		StartupHooks:  []LifecycleHook{record("pipeline_start"), started},
		DrainHooks:    []LifecycleHook{record("pipeline_stop")},
		ShutdownHooks: []LifecycleHook{record("transport_close")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"pipeline_start", "pipeline_stop", "transport_close"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Fatalf("expected hooks %v, got %v", want, order)
	}
}

func TestRunHTTPServers_StartupFailureAborts(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Observability.TracingEnabled = false
	ps, _ := newPublic(t, dispatch.Config{})

	errUnreachable := errors.New("bus unreachable")
	shutdownRan := false
	err := RunHTTPServers(context.Background(), &HTTPServers{Public: ps}, &RunOptions{
		Config: cfg,
		Logger: logger.NewNop(),
		StartupHooks: []LifecycleHook{{Name: "pipeline_start", Fn: func(context.Context) error {
			return errUnreachable
		}}},
		ShutdownHooks: []LifecycleHook{{Name: "close", Fn: func(context.Context) error {
			shutdownRan = true
			return nil
		}}},
	})
	if !errors.Is(err, errUnreachable) {
		t.Fatalf("expected startup error, got %v", err)
	}
	if shutdownRan {
		t.Fatalf("shutdown hooks must not run when startup fails")
	}
}
