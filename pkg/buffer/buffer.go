// Package buffer accumulates admitted events per kind and releases them as
// batches on a timer or when a kind reaches its size ceiling.
package buffer

import (
	"context"
	"sync"
	"time"

	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/event"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/observability/logger"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/observability/metrics"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/observability/tracing"
)

// FlushReason records which trigger released a batch.
type FlushReason int

const (
	TimerElapsed FlushReason = iota
	SizeLimitReached
)

func (r FlushReason) String() string {
	if r == SizeLimitReached {
		return "size_limit_reached"
	}
	return "timer_elapsed"
}

// MarshalText encodes the reason by name.
func (r FlushReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Batch is an immutable group of same-kind events in admission order.
type Batch struct {
	Kind      event.Kind
	Events    []event.Event
	Reason    FlushReason
	Count     int
	FlushedAt time.Time
}

// Sink receives flushed batches. Implementations must not block on slow clients.
type Sink interface {
	BroadcastBatch(ctx context.Context, batch Batch)
}

// Admitter decides whether an event passes deduplication.
type Admitter interface {
	Admit(fingerprint uint64, at time.Time) bool
}

// OfferResult tells the caller what happened to an offered event.
type OfferResult int

const (
	Admitted OfferResult = iota
	Suppressed
)

// Config controls flush triggers.
type Config struct {
	FlushInterval time.Duration
	MaxBatchSize  int
}

// DefaultConfig flushes every 250ms or at 100 events per kind.
func DefaultConfig() Config {
	return Config{FlushInterval: 250 * time.Millisecond, MaxBatchSize: 100}
}

type entry struct {
	events   []event.Event
	deadline time.Time
}

// Buffer holds one entry per kind. Offer is called from a single consumer
// goroutine; Run and FlushAll may run concurrently with it.
type Buffer struct {
	cfg     Config
	admit   Admitter
	sink    Sink
	log     logger.Logger
	metrics *metrics.Pipeline
	now     func() time.Time

	// flushMu orders swap-and-deliver so batches of one kind leave in sequence.
	flushMu sync.Mutex
	mu      sync.Mutex
	entries map[event.Kind]*entry

	wake chan struct{}
}

// Option customizes a Buffer.
type Option func(*Buffer)

// WithClock replaces time.Now for deadline bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) { b.now = now }
}

// WithMetrics records flushes and suppressions.
func WithMetrics(m *metrics.Pipeline) Option {
	return func(b *Buffer) { b.metrics = m }
}

// New creates a buffer that feeds sink. A nil admitter admits everything.
func New(cfg Config, admit Admitter, sink Sink, log logger.Logger, opts ...Option) *Buffer {
	defaults := DefaultConfig()
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = defaults.MaxBatchSize
	}
	if log == nil {
		log = logger.NewNop()
	}
	b := &Buffer{
		cfg:     cfg,
		admit:   admit,
		sink:    sink,
		log:     log.With("component", "buffer"),
		now:     time.Now,
		entries: make(map[event.Kind]*entry),
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Offer runs admission and appends the event to its kind's entry. Reaching
// the size ceiling flushes that entry before Offer returns.
func (b *Buffer) Offer(ctx context.Context, ev event.Event) OfferResult {
	if b.admit != nil && !b.admit.Admit(ev.Fingerprint, ev.ReceivedAt) {
		b.metrics.DedupSuppressed(ev.Kind.String())
		return Suppressed
	}

	b.mu.Lock()
	e, ok := b.entries[ev.Kind]
	if !ok {
		e = &entry{}
		b.entries[ev.Kind] = e
	}
	first := len(e.events) == 0
	if first {
		e.deadline = b.now().Add(b.cfg.FlushInterval)
	}
	e.events = append(e.events, ev)
	full := len(e.events) >= b.cfg.MaxBatchSize
	b.mu.Unlock()

	if first {
		b.signal()
	}
	if full {
		b.flush(ctx, ev.Kind, SizeLimitReached, func(e *entry) bool {
			return len(e.events) >= b.cfg.MaxBatchSize
		})
	}
	return Admitted
}

// Pending returns how many events of kind wait for the next flush.
func (b *Buffer) Pending(kind event.Kind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[kind]; ok {
		return len(e.events)
	}
	return 0
}

// Run flushes entries whose interval has elapsed until ctx is cancelled.
func (b *Buffer) Run(ctx context.Context) {
	timer := time.NewTimer(b.cfg.FlushInterval)
	timer.Stop()
	defer timer.Stop()

	for {
		b.flushDue(ctx, b.now())

		var tick <-chan time.Time
		if next, ok := b.nextDeadline(); ok {
			wait := next.Sub(b.now())
			if wait < 0 {
				wait = 0
			}
			timer.Reset(wait)
			tick = timer.C
		}

		select {
		case <-ctx.Done():
			return
		case <-b.wake:
		case <-tick:
		}
		timer.Stop()
	}
}

// FlushAll releases every non-empty entry with the given reason.
func (b *Buffer) FlushAll(ctx context.Context, reason FlushReason) {
	for _, kind := range b.kinds() {
		b.flush(ctx, kind, reason, nil)
	}
}

func (b *Buffer) flushDue(ctx context.Context, now time.Time) {
	due := func(e *entry) bool { return !e.deadline.After(now) }

	b.mu.Lock()
	var kinds []event.Kind
	for _, kind := range event.Kinds() {
		if e, ok := b.entries[kind]; ok && len(e.events) > 0 && due(e) {
			kinds = append(kinds, kind)
		}
	}
	b.mu.Unlock()

	for _, kind := range kinds {
		b.flush(ctx, kind, TimerElapsed, due)
	}
}

func (b *Buffer) nextDeadline() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var next time.Time
	found := false
	for _, e := range b.entries {
		if len(e.events) == 0 {
			continue
		}
		if !found || e.deadline.Before(next) {
			next = e.deadline
			found = true
		}
	}
	return next, found
}

func (b *Buffer) kinds() []event.Kind {
	b.mu.Lock()
	defer b.mu.Unlock()
	var kinds []event.Kind
	for _, kind := range event.Kinds() {
		if e, ok := b.entries[kind]; ok && len(e.events) > 0 {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

// flush swaps out the kind's entry when cond holds and delivers it.
func (b *Buffer) flush(ctx context.Context, kind event.Kind, reason FlushReason, cond func(*entry) bool) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	e, ok := b.entries[kind]
	if !ok || len(e.events) == 0 || (cond != nil && !cond(e)) {
		b.mu.Unlock()
		return
	}
	events := e.events
	e.events = nil
	b.mu.Unlock()

	batch := Batch{
		Kind:      kind,
		Events:    events,
		Reason:    reason,
		Count:     len(events),
		FlushedAt: b.now(),
	}

	ctx, span := tracing.StartSpan(ctx, tracing.SpanOperationFlush,
		tracing.AttrKind.String(kind.String()),
		tracing.AttrReason.String(reason.String()),
		tracing.AttrCount.Int(batch.Count),
	)
	b.sink.BroadcastBatch(ctx, batch)
	tracing.End(span, nil)

	b.metrics.BatchFlushed(kind.String(), reason.String(), batch.Count)
	b.log.Debug("batch flushed", "kind", kind.String(), "reason", reason.String(), "count", batch.Count)
}

func (b *Buffer) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}
