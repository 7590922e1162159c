// Package dispatch fans serialized envelopes out to connected client
// sessions. Each session owns a bounded queue and a writer goroutine, so a
// slow or broken client only loses its own messages.
package dispatch

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/buffer"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/event"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/observability/logger"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/observability/metrics"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/observability/tracing"
)

var (
	// ErrSessionClosed is returned by writers after their connection is gone.
	ErrSessionClosed = errors.New("session closed")
	// ErrDuplicateSession indicates the session id is already registered.
	ErrDuplicateSession = errors.New("duplicate session id")
	// ErrTooManySessions indicates the session table is full.
	ErrTooManySessions = errors.New("too many sessions")
	// ErrDispatcherClosed indicates Register after Close.
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

// Drop reasons reported to metrics.
const (
	DropQueueFull  = "queue_full"
	DropWriteError = "write_error"
	DropEvicted    = "evicted"
)

// Config tunes per-session delivery.
type Config struct {
	QueueCapacity   int
	MaxSendFailures int
	MaxSessions     int
	WriteTimeout    time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:   256,
		MaxSendFailures: 3,
		MaxSessions:     10000,
		WriteTimeout:    5 * time.Second,
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.MaxSendFailures <= 0 {
		cfg.MaxSendFailures = def.MaxSendFailures
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = def.MaxSessions
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return cfg
}

// Dispatcher owns the session table.
type Dispatcher struct {
	cfg     Config
	log     logger.Logger
	metrics *metrics.Pipeline
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*Session
	status   *Message
	closed   bool
}

// New creates a dispatcher.
func New(cfg Config, log logger.Logger, m *metrics.Pipeline) *Dispatcher {
	if log == nil {
		log = logger.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:      normalizeConfig(cfg),
		log:      log.With("component", "dispatcher"),
		metrics:  m,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
}

// NewSessionID returns a random session id.
func NewSessionID() string {
	return uuid.NewString()
}

// Register adds a session and starts its writer. An empty id gets a
// generated one. The latest feed status, if any, is queued first.
func (d *Dispatcher) Register(id string, w Writer) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = NewSessionID()
	}

	s := &Session{
		id:          id,
		writer:      w,
		log:         d.log.WithContext(logger.ContextWithSessionID(context.Background(), id)),
		connectedAt: d.now(),
		queue:       newRing(d.cfg.QueueCapacity),
		notify:      make(chan struct{}, 1),
		closed:      make(chan struct{}),
		draining:    make(chan struct{}),
	}

	d.mu.Lock()
	switch {
	case d.closed:
		d.mu.Unlock()
		return nil, ErrDispatcherClosed
	case d.sessions[id] != nil:
		d.mu.Unlock()
		return nil, ErrDuplicateSession
	case len(d.sessions) >= d.cfg.MaxSessions:
		d.mu.Unlock()
		return nil, ErrTooManySessions
	}
	d.sessions[id] = s
	status := d.status
	count := len(d.sessions)
	d.wg.Add(1)
	d.mu.Unlock()

	if status != nil {
		s.enqueue(*status)
	}
	go d.writeLoop(s)

	d.metrics.SetSessions(count)
	s.log.Info("session registered", "sessions", count)
	return s, nil
}

// Remove unregisters and closes the session. Unknown ids are ignored.
func (d *Dispatcher) Remove(id string) bool {
	return d.remove(id, "")
}

func (d *Dispatcher) remove(id, reason string) bool {
	d.mu.Lock()
	s, ok := d.sessions[id]
	if ok {
		delete(d.sessions, id)
	}
	count := len(d.sessions)
	d.mu.Unlock()
	if !ok {
		return false
	}

	s.close()
	d.metrics.SetSessions(count)
	if reason != "" {
		d.metrics.SessionDrop(reason)
		s.log.Warn("session evicted", "reason", reason, "failures", s.failures.Load())
	} else {
		s.log.Info("session removed", "sessions", count)
	}
	return true
}

// BroadcastBatch delivers a flushed batch to every session.
func (d *Dispatcher) BroadcastBatch(ctx context.Context, b buffer.Batch) {
	msg, err := encodeBatch(b)
	if err != nil {
		d.log.Error("failed to encode batch", "kind", b.Kind.String(), "error", err)
		return
	}
	d.broadcast(ctx, msg, tracing.AttrKind.String(b.Kind.String()), tracing.AttrCount.Int(b.Count))
}

// BroadcastImmediate delivers a single critical event to every session.
func (d *Dispatcher) BroadcastImmediate(ctx context.Context, ev event.Event) {
	msg, err := encodeImmediate(ev)
	if err != nil {
		d.log.Error("failed to encode immediate event", "channel", ev.Channel, "error", err)
		return
	}
	d.broadcast(ctx, msg, tracing.AttrKind.String(ev.Kind.String()), tracing.AttrChannel.String(ev.Channel))
}

// BroadcastStatus delivers a feed status and remembers it for new sessions.
func (d *Dispatcher) BroadcastStatus(ctx context.Context, status FeedStatus) {
	msg, err := encodeStatus(status)
	if err != nil {
		d.log.Error("failed to encode status", "error", err)
		return
	}
	d.mu.Lock()
	d.status = &msg
	d.mu.Unlock()
	d.broadcast(ctx, msg)
}

// BroadcastKeepalive delivers a keepalive envelope.
func (d *Dispatcher) BroadcastKeepalive(ctx context.Context) {
	msg, err := encodeKeepalive(d.now())
	if err != nil {
		return
	}
	d.broadcast(ctx, msg)
}

// RunKeepalive broadcasts keepalives every interval until ctx ends.
func (d *Dispatcher) RunKeepalive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.BroadcastKeepalive(ctx)
		}
	}
}

func (d *Dispatcher) broadcast(ctx context.Context, msg Message, attrs ...tracing.Attribute) {
	d.mu.RLock()
	targets := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		targets = append(targets, s)
	}
	d.mu.RUnlock()

	_, span := tracing.StartSpan(ctx, tracing.SpanOperationBroadcast,
		append(attrs, tracing.AttrSessions.Int(len(targets)))...)
	for _, s := range targets {
		if s.enqueue(msg) {
			d.metrics.SessionDrop(DropQueueFull)
		}
	}
	tracing.End(span, nil)

	d.metrics.Dispatched(msg.Type)
}

func (d *Dispatcher) writeLoop(s *Session) {
	defer d.wg.Done()
	for {
		select {
		case <-s.closed:
			return
		case <-s.draining:
			d.flushQueue(s)
			return
		case <-s.notify:
		}
		if !d.flushQueue(s) {
			return
		}
	}
}

func (d *Dispatcher) flushQueue(s *Session) bool {
	for {
		msg, ok := s.next()
		if !ok {
			return true
		}
		if !d.write(s, msg) {
			return false
		}
	}
}

// write reports false once the session has been evicted or closed.
func (d *Dispatcher) write(s *Session, msg Message) bool {
	select {
	case <-s.closed:
		return false
	default:
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.WriteTimeout)
	err := s.writer.WriteMessage(ctx, msg)
	cancel()

	if err == nil {
		s.sent.Add(1)
		s.consecutive.Store(0)
		return true
	}

	s.failures.Add(1)
	n := s.consecutive.Add(1)
	d.metrics.SessionDrop(DropWriteError)
	s.log.Debug("session write failed", "type", msg.Type, "consecutive", n, "error", err)

	if int(n) >= d.cfg.MaxSendFailures || errors.Is(err, ErrSessionClosed) {
		d.remove(s.id, DropEvicted)
		return false
	}
	return true
}

// Sessions returns a snapshot of registered sessions ordered by id.
func (d *Dispatcher) Sessions() []SessionInfo {
	d.mu.RLock()
	out := make([]SessionInfo, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, SessionInfo{ID: s.id, ConnectedAt: s.connectedAt, Stats: s.Stats()})
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered sessions.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sessions)
}

// Close stops accepting sessions, gives each writer up to WriteTimeout to
// flush its queue, then closes every session.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	sessions := d.sessions
	d.sessions = make(map[string]*Session)
	d.mu.Unlock()

	for _, s := range sessions {
		s.drain()
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d.cfg.WriteTimeout):
		d.cancel()
		for _, s := range sessions {
			s.close()
		}
		<-done
	}

	d.cancel()
	for _, s := range sessions {
		s.close()
	}
	d.metrics.SetSessions(0)
}
