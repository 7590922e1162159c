package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/config"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/observability/logger"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/observability/tracing"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/resilience"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/version"
)

// LifecycleHook defines a named startup/shutdown action.
type LifecycleHook struct {
	Name string
	Fn   func(context.Context) error
}

// RunOptions controls RunHTTPServers.
type RunOptions struct {
	Config *config.Config
	Logger logger.Logger

	// StartupHooks run in order before the servers listen. The first
	// failure aborts the run.
	StartupHooks []LifecycleHook
	// DrainHooks run after the stop signal while the servers still accept
	// nothing new but existing streams are open, so sessions can be flushed
	// and closed before the servers wait for them.
	DrainHooks []LifecycleHook
	// ShutdownHooks run after the servers stopped.
	ShutdownHooks       []LifecycleHook
	ShutdownHookTimeout time.Duration
}

// HTTPServers groups the runtime public/management servers.
type HTTPServers struct {
	Public     *PublicServer
	Management *ManagementServer
}

// RunHTTPServers starts the public server and, when present, the management
// server, and blocks until ctx ends or a server fails.
func RunHTTPServers(ctx context.Context, servers *HTTPServers, opts *RunOptions) error {
	if servers == nil || servers.Public == nil {
		return errors.New("servers and public server are required")
	}
	if opts == nil || opts.Logger == nil {
		return errors.New("logger is required")
	}
	if opts.Config == nil {
		return errors.New("config is required")
	}

	info := version.Current(opts.Config.Service.Name)
	opts.Logger.Info("application version metadata",
		"service", info.Service,
		"version", info.Version,
		"commit", info.Commit,
		"build_time", info.BuildTime,
	)

	tracerProvider, err := initTracerProvider(ctx, opts.Config, info)
	if err != nil {
		return fmt.Errorf("initialize tracing provider: %w", err)
	}
	defer shutdownTracerProvider(tracerProvider, opts.Logger)

	if err := runStartupHooks(ctx, opts); err != nil {
		return err
	}
	defer func() {
		if shutdownErr := runHooks("shutdown", opts.ShutdownHooks, opts); shutdownErr != nil {
			opts.Logger.Error("shutdown hooks completed with errors", "error", shutdownErr)
		}
	}()

	serverCtx, stopServers := context.WithCancel(context.Background())
	defer stopServers()

	serverCount := 1
	if servers.Management != nil {
		serverCount = 2
	}
	errCh := make(chan error, serverCount)
	go func() { errCh <- servers.Public.Start(serverCtx) }()
	if servers.Management != nil {
		go func() { errCh <- servers.Management.Start(serverCtx) }()
	}

	var firstErr error
	remaining := serverCount
	select {
	case <-ctx.Done():
		opts.Logger.Info("stop signal received")
	case firstErr = <-errCh:
		remaining--
		opts.Logger.Error("server stopped unexpectedly", "error", firstErr)
	}

	if drainErr := runHooks("drain", opts.DrainHooks, opts); drainErr != nil {
		opts.Logger.Error("drain hooks completed with errors", "error", drainErr)
	}
	stopServers()

	for ; remaining > 0; remaining-- {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func initTracerProvider(ctx context.Context, cfg *config.Config, info version.Info) (*tracing.TracerProvider, error) {
	return tracing.NewTracerProvider(ctx, tracing.TracerConfig{
		ServiceName:    info.Service,
		ServiceVersion: info.Version,
		Environment:    normalizeEnvironment(cfg.Service.Environment),
		Endpoint:       cfg.Observability.TracingEndpoint,
		SampleRate:     cfg.Observability.TracingSampleRate,
		Enabled:        cfg.Observability.TracingEnabled,
	})
}

func shutdownTracerProvider(provider *tracing.TracerProvider, log logger.Logger) {
	if provider == nil {
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := provider.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to shutdown tracing provider", "error", err)
	}
}

func normalizeEnvironment(env string) string {
	trimmed := strings.TrimSpace(env)
	if trimmed == "" {
		return version.Unknown
	}
	return trimmed
}

func hookName(hook LifecycleHook) string {
	if name := strings.TrimSpace(hook.Name); name != "" {
		return name
	}
	return "unnamed"
}

func runStartupHooks(ctx context.Context, opts *RunOptions) error {
	for _, hook := range opts.StartupHooks {
		if hook.Fn == nil {
			continue
		}
		name := hookName(hook)
		opts.Logger.Info("startup hook start", "hook", name)
		if err := hook.Fn(ctx); err != nil {
			opts.Logger.Error("startup hook failed", "hook", name, "error", err)
			return fmt.Errorf("startup hook %q failed: %w", name, err)
		}
		opts.Logger.Info("startup hook complete", "hook", name)
	}
	return nil
}

// runHooks runs every hook with its own timeout and joins the failures. A
// hook that overruns is abandoned so the next one still runs.
func runHooks(phase string, hooks []LifecycleHook, opts *RunOptions) error {
	timeout := opts.ShutdownHookTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var errs []error
	for _, hook := range hooks {
		if hook.Fn == nil {
			continue
		}
		name := hookName(hook)
		opts.Logger.Info(phase+" hook start", "hook", name)

		if err := resilience.WithTimeout(context.Background(), timeout, hook.Fn); err != nil {
			opts.Logger.Error(phase+" hook failed", "hook", name, "error", err)
			errs = append(errs, fmt.Errorf("%s hook %q failed: %w", phase, name, err))
			continue
		}
		opts.Logger.Info(phase+" hook complete", "hook", name)
	}
	return errors.Join(errs...)
}

// RunHTTPServersWithSignals runs servers until SIGINT or SIGTERM.
func RunHTTPServersWithSignals(servers *HTTPServers, opts *RunOptions, signals ...os.Signal) error {
	if len(signals) == 0 {
		signals = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	ctx, stop := signal.NotifyContext(context.Background(), signals...)
	defer stop()
	return RunHTTPServers(ctx, servers, opts)
}
