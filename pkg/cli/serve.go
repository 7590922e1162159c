package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/buffer"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/bus"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/bus/factory"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/config"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/dispatch"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/event"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/health"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/observability/logger"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/observability/metrics"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/pipeline"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/realtime/ws"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/resilience"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/server"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/subscriber"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/version"
)

const metricsNamespace = "tickstream"

// Runtime is the assembled service, before any goroutine is started.
type Runtime struct {
	Config     *config.Config
	Transport  bus.Transport
	Dispatcher *dispatch.Dispatcher
	Pipeline   *pipeline.Pipeline
	Servers    *server.HTTPServers
}

// Build wires transport, decoder, dispatcher, pipeline, health checks and
// both HTTP servers from cfg.
func Build(cfg *config.Config, log logger.Logger, opts ...pipeline.Option) (*Runtime, error) {
	registry, err := cfg.Registry()
	if err != nil {
		return nil, fmt.Errorf("build channel registry: %w", err)
	}
	transport, err := factory.NewTransport(cfg.Bus, log)
	if err != nil {
		return nil, err
	}

	metricsRegistry := metrics.NewRegistry()
	pipelineMetrics := metrics.NewPipeline(metricsRegistry, metricsNamespace)

	dispatcher := dispatch.New(dispatch.Config{
		QueueCapacity:   cfg.Dispatch.SessionQueueCapacity,
		MaxSendFailures: cfg.Dispatch.MaxSendFailures,
		MaxSessions:     cfg.Dispatch.MaxSessions,
		WriteTimeout:    cfg.Dispatch.WriteTimeout,
	}, log, pipelineMetrics)

	decoder := event.NewDecoder(registry, event.DecoderConfig{
		CriticalChannels:  cfg.Pipeline.CriticalChannelList,
		CriticalSeverity:  cfg.Pipeline.CriticalSeverityLevel(),
		FingerprintBucket: cfg.Pipeline.FingerprintBucket(),
	})

	p := pipeline.New(pipelineConfig(cfg), transport, decoder, dispatcher, log, pipelineMetrics, opts...)

	healthRegistry := health.NewRegistry()
	healthRegistry.Register(health.NewPingChecker("bus", transport))
	healthRegistry.Register(health.NewFeedChecker(p.Monitor()))

	servers := &server.HTTPServers{
		Public: server.NewPublicServer(cfg.HTTP, server.PublicDeps{
			Dispatcher: dispatcher,
			Status:     p,
			WebSocket: ws.Config{
				AllowedOrigins: cfg.Dispatch.AllowedOrigins,
				WriteTimeout:   cfg.Dispatch.WriteTimeout,
				PingInterval:   cfg.Dispatch.KeepaliveInterval,
			},
			Metrics: metrics.NewHTTP(metricsRegistry, metricsNamespace, "public"),
		}, log),
	}
	if cfg.Management.Enabled {
		servers.Management = server.NewManagementServer(cfg.Management, log, healthRegistry, metricsRegistry,
			dispatcher, version.Current(cfg.Service.Name))
	}

	return &Runtime{
		Config:     cfg,
		Transport:  transport,
		Dispatcher: dispatcher,
		Pipeline:   p,
		Servers:    servers,
	}, nil
}

// Hooks returns the lifecycle hooks that start and stop the pipeline
// around the HTTP servers.
func (rt *Runtime) Hooks(log logger.Logger) *server.RunOptions {
	return &server.RunOptions{
		Config: rt.Config,
		Logger: log,
		StartupHooks: []server.LifecycleHook{
			{Name: "pipeline_start", Fn: rt.Pipeline.Start},
		},
		DrainHooks: []server.LifecycleHook{
			{Name: "pipeline_stop", Fn: rt.Pipeline.Stop},
		},
		ShutdownHooks: []server.LifecycleHook{
			{Name: "bus_close", Fn: func(context.Context) error { return rt.Transport.Close() }},
		},
		ShutdownHookTimeout: rt.Config.Pipeline.DrainTimeout() + rt.Config.Dispatch.WriteTimeout,
	}
}

// Serve is the default serve command: it runs until SIGINT or SIGTERM.
func Serve(_ context.Context, cfg *config.Config, log logger.Logger) error {
	rt, err := Build(cfg, log)
	if err != nil {
		return err
	}
	return server.RunHTTPServersWithSignals(rt.Servers, rt.Hooks(log))
}

// CheckBus pings the configured bus once.
func CheckBus(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	transport, err := factory.NewTransport(cfg.Bus, log)
	if err != nil {
		return err
	}
	defer transport.Close()

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Bus.OperationTimeout)
	defer cancel()
	if err := transport.Ping(pingCtx); err != nil {
		return fmt.Errorf("%s bus unreachable: %w", transport.Name(), err)
	}
	log.Info("bus reachable", "type", transport.Name())
	return nil
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		Subscriber: subscriber.Config{
			Backoff: resilience.Backoff{
				Initial: cfg.Bus.ReconnectBackoffInitial(),
				Max:     cfg.Bus.ReconnectBackoffMax(),
			},
			MaxAttempts:            cfg.Bus.ReconnectMaxAttempts,
			MinDwell:               cfg.Bus.ReconnectMinDwell(),
			ImmediateRetries:       cfg.Bus.ImmediateRetries,
			RetryPause:             200 * time.Millisecond,
			InboundBuffer:          cfg.Bus.InboundBuffer,
			DecodeFailureThreshold: cfg.Pipeline.DecodeFailureAlertThreshold,
			DecodeLogInterval:      cfg.Pipeline.DecodeLogInterval(),
		},
		Buffer: buffer.Config{
			FlushInterval: cfg.Pipeline.FlushInterval(),
			MaxBatchSize:  cfg.Pipeline.MaxBatchSize,
		},
		DedupWindow:       cfg.Pipeline.DedupWindow(),
		DrainTimeout:      cfg.Pipeline.DrainTimeout(),
		DisconnectGrace:   cfg.Pipeline.DisconnectGrace(),
		KeepaliveInterval: cfg.Dispatch.KeepaliveInterval,
	}
}
