// Package pipeline wires the subscriber, router, buffer and dispatcher into
// one lifecycle.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/buffer"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/bus"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/dedup"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/dispatch"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/event"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/observability/logger"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/observability/metrics"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/resilience"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/subscriber"
)

// Config groups the tunables of every stage.
type Config struct {
	Subscriber        subscriber.Config
	Buffer            buffer.Config
	DedupWindow       time.Duration
	DrainTimeout      time.Duration
	DisconnectGrace   time.Duration
	KeepaliveInterval time.Duration
}

// Status is a point-in-time view for the status endpoint.
type Status struct {
	Feed       dispatch.FeedStatus `json:"-"`
	FeedState  dispatch.FeedState  `json:"feed"`
	Subscriber string              `json:"subscriber_state"`
	Attempts   int                 `json:"reconnect_attempts"`
	Sessions   int                 `json:"sessions"`
	Pending    map[string]int      `json:"pending"`
}

// Pipeline owns the running stages.
type Pipeline struct {
	cfg        Config
	log        logger.Logger
	sub        *subscriber.Subscriber
	buf        *buffer.Buffer
	router     *Router
	dispatcher *dispatch.Dispatcher
	monitor    *FeedMonitor

	mu           sync.Mutex
	cancel       context.CancelFunc
	flusherDone  chan struct{}
	consumerDone chan struct{}
	stopped      bool
}

// Option customizes construction, mainly for tests.
type Option func(*options)

type options struct {
	subscriberOpts []subscriber.Option
	bufferOpts     []buffer.Option
}

// WithSubscriberOptions forwards options to the subscriber.
func WithSubscriberOptions(opts ...subscriber.Option) Option {
	return func(o *options) { o.subscriberOpts = append(o.subscriberOpts, opts...) }
}

// WithBufferOptions forwards options to the buffer.
func WithBufferOptions(opts ...buffer.Option) Option {
	return func(o *options) { o.bufferOpts = append(o.bufferOpts, opts...) }
}

// New builds a pipeline reading from transport and delivering through dispatcher.
func New(cfg Config, transport bus.Transport, decoder *event.Decoder, dispatcher *dispatch.Dispatcher, log logger.Logger, m *metrics.Pipeline, opts ...Option) *Pipeline {
	if log == nil {
		log = logger.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if len(cfg.Subscriber.Channels) == 0 {
		cfg.Subscriber.Channels = decoder.Registry().Channels()
	}

	bufOpts := append([]buffer.Option{buffer.WithMetrics(m)}, o.bufferOpts...)
	var admit buffer.Admitter
	if cfg.DedupWindow > 0 {
		admit = dedup.NewWindow(cfg.DedupWindow)
	}
	buf := buffer.New(cfg.Buffer, admit, dispatcher, log, bufOpts...)

	subOpts := append([]subscriber.Option{subscriber.WithMetrics(m)}, o.subscriberOpts...)
	sub := subscriber.New(transport, decoder, cfg.Subscriber, log, subOpts...)

	monitor := NewFeedMonitor(dispatcher, cfg.DisconnectGrace, log, m)
	sub.OnStateChange(monitor.Observe)

	return &Pipeline{
		cfg:        cfg,
		log:        log.With("component", "pipeline"),
		sub:        sub,
		buf:        buf,
		router:     NewRouter(buf, dispatcher, m),
		dispatcher: dispatcher,
		monitor:    monitor,
	}
}

// Start launches the flusher, connects the subscriber and starts consuming.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return errors.New("pipeline already started")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	flusherDone := make(chan struct{})
	go func() {
		defer close(flusherDone)
		p.buf.Run(runCtx)
	}()

	if err := p.sub.Start(ctx); err != nil {
		cancel()
		<-flusherDone
		p.monitor.Stop()
		return fmt.Errorf("start subscriber: %w", err)
	}

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		for ev := range p.sub.Events() {
			p.router.Route(runCtx, ev)
		}
	}()

	go p.dispatcher.RunKeepalive(runCtx, p.cfg.KeepaliveInterval)

	p.cancel = cancel
	p.flusherDone = flusherDone
	p.consumerDone = consumerDone
	p.log.Info("pipeline started",
		"channels", len(p.cfg.Subscriber.Channels),
		"flush_interval", p.cfg.Buffer.FlushInterval,
		"max_batch_size", p.cfg.Buffer.MaxBatchSize,
		"dedup_window", p.cfg.DedupWindow,
	)
	return nil
}

// Stop shuts down in order: subscriber, consumer drain (bounded by
// DrainTimeout), flusher, final flush, sessions.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel == nil || p.stopped {
		return nil
	}
	p.stopped = true

	var errs []error
	if err := p.sub.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop subscriber: %w", err))
	}
	if err := resilience.AwaitDone(ctx, p.cfg.DrainTimeout, p.consumerDone); err != nil {
		p.log.Warn("consumer did not drain in time", "error", err)
		errs = append(errs, fmt.Errorf("drain: %w", err))
	}

	p.cancel()
	<-p.flusherDone
	p.buf.FlushAll(context.Background(), buffer.TimerElapsed)

	p.monitor.Stop()
	p.dispatcher.Close()
	p.log.Info("pipeline stopped")
	return errors.Join(errs...)
}

// Status reports feed, subscriber and buffer state.
func (p *Pipeline) Status() Status {
	feed := p.monitor.Status()
	pending := make(map[string]int)
	for _, kind := range event.Kinds() {
		if n := p.buf.Pending(kind); n > 0 {
			pending[kind.String()] = n
		}
	}
	return Status{
		Feed:       feed,
		FeedState:  feed.Feed,
		Subscriber: p.sub.State().String(),
		Attempts:   p.sub.Attempts(),
		Sessions:   p.dispatcher.Len(),
		Pending:    pending,
	}
}

// Ready reports whether the subscriber is connected.
func (p *Pipeline) Ready() bool {
	return p.monitor.Connected()
}

// Dispatcher returns the session dispatcher.
func (p *Pipeline) Dispatcher() *dispatch.Dispatcher { return p.dispatcher }

// Monitor returns the feed status monitor.
func (p *Pipeline) Monitor() *FeedMonitor { return p.monitor }
