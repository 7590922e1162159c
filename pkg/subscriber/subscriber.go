// Package subscriber keeps one logical connection to the bus across the
// whole channel set, decodes every message and hands events downstream
// over a bounded channel.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/bus"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/event"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/observability/logger"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/observability/metrics"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/observability/tracing"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/resilience"
)

var (
	// ErrBusUnreachable is returned by Start when every immediate retry failed.
	ErrBusUnreachable = errors.New("bus unreachable")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("subscriber already started")
	// ErrNotStarted is returned by Stop before Start.
	ErrNotStarted = errors.New("subscriber not started")
)

// Decoder turns a raw payload into an event.
type Decoder interface {
	Decode(channel string, payload []byte, receivedAt time.Time) (event.Event, error)
}

// Config controls connection management.
type Config struct {
	Channels         []string
	Backoff          resilience.Backoff
	MaxAttempts      int
	MinDwell         time.Duration
	ImmediateRetries int
	RetryPause       time.Duration
	InboundBuffer    int

	DecodeFailureThreshold int
	DecodeLogInterval      time.Duration
}

// DefaultConfig returns production defaults without channels.
func DefaultConfig() Config {
	return Config{
		Backoff:                resilience.DefaultBackoff(),
		MaxAttempts:            10,
		MinDwell:               10 * time.Second,
		ImmediateRetries:       3,
		RetryPause:             200 * time.Millisecond,
		InboundBuffer:          1024,
		DecodeFailureThreshold: 5,
		DecodeLogInterval:      10 * time.Second,
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff.Initial = def.Backoff.Initial
	}
	if cfg.Backoff.Max <= 0 {
		cfg.Backoff.Max = def.Backoff.Max
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.MinDwell <= 0 {
		cfg.MinDwell = def.MinDwell
	}
	if cfg.ImmediateRetries < 0 {
		cfg.ImmediateRetries = 0
	}
	if cfg.RetryPause <= 0 {
		cfg.RetryPause = def.RetryPause
	}
	if cfg.InboundBuffer <= 0 {
		cfg.InboundBuffer = def.InboundBuffer
	}
	if cfg.DecodeFailureThreshold <= 0 {
		cfg.DecodeFailureThreshold = def.DecodeFailureThreshold
	}
	if cfg.DecodeLogInterval <= 0 {
		cfg.DecodeLogInterval = def.DecodeLogInterval
	}
	return cfg
}

// Sleeper waits for d or until ctx ends.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Option customizes a Subscriber.
type Option func(*Subscriber)

// WithClock replaces time.Now for dwell bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(s *Subscriber) { s.now = now }
}

// WithSleeper replaces the backoff wait.
func WithSleeper(fn Sleeper) Option {
	return func(s *Subscriber) { s.sleep = fn }
}

// WithMetrics records connection and decode metrics.
func WithMetrics(m *metrics.Pipeline) Option {
	return func(s *Subscriber) { s.metrics = m }
}

type channelFailures struct {
	consecutive int
	limiter     *rate.Limiter
}

// Subscriber owns the bus connection. Create with New, then Start once.
type Subscriber struct {
	transport bus.Transport
	decoder   Decoder
	cfg       Config
	log       logger.Logger
	metrics   *metrics.Pipeline
	now       func() time.Time
	sleep     Sleeper

	out  chan event.Event
	done chan struct{}
	kill chan struct{}

	mu          sync.Mutex
	state       State
	attempts    int
	connectedAt time.Time
	started     bool
	cancel      context.CancelFunc
	listeners   []func(StateChange)
	killOnce    sync.Once

	// touched only by the receive loop
	failures map[string]*channelFailures
}

// New creates a subscriber. The channel set comes from cfg.Channels.
func New(transport bus.Transport, decoder Decoder, cfg Config, log logger.Logger, opts ...Option) *Subscriber {
	cfg = normalizeConfig(cfg)
	if log == nil {
		log = logger.NewNop()
	}
	s := &Subscriber{
		transport: transport,
		decoder:   decoder,
		cfg:       cfg,
		log:       log.With("component", "subscriber", "bus", transport.Name()),
		now:       time.Now,
		sleep:     sleep,
		out:       make(chan event.Event, cfg.InboundBuffer),
		done:      make(chan struct{}),
		kill:      make(chan struct{}),
		failures:  make(map[string]*channelFailures),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Events is closed after the receive loop exits.
func (s *Subscriber) Events() <-chan event.Event { return s.out }

// Done is closed after the receive loop exits.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns the reconnect attempts since the last stable connection.
func (s *Subscriber) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// OnStateChange registers fn. Listeners run synchronously on the goroutine
// that changes state and must not block.
func (s *Subscriber) OnStateChange(fn func(StateChange)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Start connects, retrying ImmediateRetries times with a short pause, and
// starts the receive loop. If no attempt succeeds it returns ErrBusUnreachable.
func (s *Subscriber) Start(ctx context.Context) error {
	if len(s.cfg.Channels) == 0 {
		return fmt.Errorf("no channels configured")
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	var (
		stream bus.Stream
		err    error
	)
	for try := 0; try <= s.cfg.ImmediateRetries; try++ {
		if try > 0 {
			if serr := s.sleep(ctx, s.cfg.RetryPause); serr != nil {
				err = serr
				break
			}
		}
		s.setState(StateConnecting, nil)
		stream, err = s.open(ctx)
		if err == nil {
			break
		}
		s.log.Warn("bus connect failed", "try", try+1, "error", err)
		s.setState(StateDisconnected, err)
	}
	if err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrBusUnreachable, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.connected()
	s.log.Info("subscribed", "channels", len(s.cfg.Channels))
	go s.run(runCtx, stream)
	return nil
}

// Stop ends the receive loop and closes the stream. Events already decoded
// are still handed downstream unless ctx expires first.
func (s *Subscriber) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return ErrNotStarted
	}
	cancel()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		s.killOnce.Do(func() { close(s.kill) })
		<-s.done
		return ctx.Err()
	}
}

func (s *Subscriber) open(ctx context.Context) (bus.Stream, error) {
	ctx, span := tracing.StartConsumerSpan(ctx, tracing.SpanOperationConnect,
		tracing.AttrBus.String(s.transport.Name()),
		tracing.AttrAttempt.Int(s.Attempts()),
	)
	stream, err := s.transport.Open(ctx, s.cfg.Channels)
	tracing.End(span, err)
	return stream, err
}

func (s *Subscriber) run(ctx context.Context, stream bus.Stream) {
	defer close(s.out)
	defer close(s.done)

	for {
		err := s.consume(ctx, stream)
		_ = stream.Close()

		if ctx.Err() != nil || errors.Is(err, errKilled) {
			s.setState(StateDisconnected, nil)
			s.log.Info("subscriber stopped")
			return
		}

		s.mu.Lock()
		if s.now().Sub(s.connectedAt) >= s.cfg.MinDwell {
			s.attempts = 0
		}
		s.mu.Unlock()

		s.log.Warn("bus connection lost", "error", err)
		s.setState(StateDisconnected, err)

		stream = s.reconnect(ctx)
		if stream == nil {
			s.setState(StateDisconnected, nil)
			s.log.Info("subscriber stopped")
			return
		}
	}
}

var errKilled = errors.New("subscriber killed")

func (s *Subscriber) consume(ctx context.Context, stream bus.Stream) error {
	for {
		msg, err := stream.Receive(ctx)
		if err != nil {
			return err
		}
		s.metrics.MessageReceived(msg.Channel)
		s.resetIfStable()

		ev, err := s.decoder.Decode(msg.Channel, msg.Payload, msg.ReceivedAt)
		if err != nil {
			s.decodeFailed(msg.Channel, err)
			continue
		}
		if f, ok := s.failures[msg.Channel]; ok {
			f.consecutive = 0
		}

		select {
		case s.out <- ev:
		case <-s.kill:
			return errKilled
		}
	}
}

// reconnect loops until a stream opens or ctx ends. Passing MaxAttempts
// moves to Failed without giving up.
func (s *Subscriber) reconnect(ctx context.Context) bus.Stream {
	for {
		s.mu.Lock()
		s.attempts++
		attempts := s.attempts
		failed := s.state == StateFailed
		s.mu.Unlock()

		s.metrics.ReconnectAttempt()
		if attempts > s.cfg.MaxAttempts && !failed {
			s.log.Error("bus reconnect attempts exhausted, feed degraded", "attempts", attempts)
			s.setState(StateFailed, nil)
			failed = true
		}

		delay := s.cfg.Backoff.Delay(attempts)
		s.log.Info("reconnecting to bus", "attempt", attempts, "delay", delay)
		if err := s.sleep(ctx, delay); err != nil {
			return nil
		}

		if !failed {
			s.setState(StateConnecting, nil)
		}
		stream, err := s.open(ctx)
		if err == nil {
			s.connected()
			s.log.Info("bus reconnected", "attempt", attempts)
			return stream
		}
		if ctx.Err() != nil {
			return nil
		}
		s.log.Warn("bus reconnect failed", "attempt", attempts, "error", err)
		if !failed {
			s.setState(StateDisconnected, err)
		}
	}
}

func (s *Subscriber) connected() {
	s.mu.Lock()
	s.connectedAt = s.now()
	s.mu.Unlock()
	s.setState(StateConnected, nil)
}

func (s *Subscriber) resetIfStable() {
	s.mu.Lock()
	if s.attempts > 0 && s.state == StateConnected && s.now().Sub(s.connectedAt) >= s.cfg.MinDwell {
		s.attempts = 0
	}
	s.mu.Unlock()
}

func (s *Subscriber) setState(to State, err error) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	change := StateChange{From: from, To: to, Attempts: s.attempts, At: s.now(), Err: err}
	listeners := append(([]func(StateChange))(nil), s.listeners...)
	s.mu.Unlock()

	s.metrics.SetSubscriberState(int(to))
	s.log.Debug("subscriber state changed", "from", from.String(), "to", to.String())
	for _, fn := range listeners {
		fn(change)
	}
}

func (s *Subscriber) decodeFailed(channel string, err error) {
	reason := failureReason(err)
	s.metrics.DecodeFailure(channel, reason)

	f, ok := s.failures[channel]
	if !ok {
		f = &channelFailures{limiter: rate.NewLimiter(rate.Every(s.cfg.DecodeLogInterval), 1)}
		s.failures[channel] = f
	}
	f.consecutive++

	if f.consecutive < s.cfg.DecodeFailureThreshold {
		s.log.Warn("dropping undecodable message", "channel", channel, "reason", reason, "error", err)
		return
	}
	if f.limiter.Allow() {
		s.log.Error("repeated decode failures on channel", "channel", channel, "consecutive", f.consecutive, "reason", reason, "error", err)
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, event.ErrMalformedPayload):
		return "malformed"
	case errors.Is(err, event.ErrMissingField):
		return "missing_field"
	case errors.Is(err, event.ErrInvalidTimestamp):
		return "invalid_timestamp"
	default:
		return "other"
	}
}
