package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/buffer"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/bus"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/dispatch"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/event"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/subscriber"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/testutil"
)

type chanWriter struct {
	msgs chan dispatch.Message
}

func newChanWriter() *chanWriter { return &chanWriter{msgs: make(chan dispatch.Message, 256)} }

func (w *chanWriter) WriteMessage(_ context.Context, msg dispatch.Message) error {
	w.msgs <- msg
	return nil
}

func (w *chanWriter) Close() error { return nil }

// nextOfType skips envelopes of other types, such as status updates.
func (w *chanWriter) nextOfType(t *testing.T, types ...string) dispatch.Message {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg := <-w.msgs:
			for _, typ := range types {
				if msg.Type == typ {
					return msg
				}
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %v", types)
			return dispatch.Message{}
		}
	}
}

type frozenClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *frozenClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *frozenClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestPipeline(t *testing.T, tr *bus.MemoryTransport, clock *frozenClock) (*Pipeline, *dispatch.Dispatcher) {
	t.Helper()
	decoder := event.NewDecoder(event.DefaultRegistry(), event.DecoderConfig{
		CriticalChannels:  []string{"tickstock:alerts:critical_patterns"},
		CriticalSeverity:  event.SeverityHigh,
		FingerprintBucket: time.Second,
	})
	d := dispatch.New(dispatch.Config{QueueCapacity: 64}, nil, nil)
	cfg := Config{
		Buffer:          buffer.Config{FlushInterval: 20 * time.Millisecond, MaxBatchSize: 100},
		DedupWindow:     100 * time.Millisecond,
		DrainTimeout:    time.Second,
		DisconnectGrace: 20 * time.Millisecond,
	}
	var opts []Option
	if clock != nil {
		opts = append(opts, WithBufferOptions(buffer.WithClock(clock.Now)))
	}
	opts = append(opts, WithSubscriberOptions(subscriber.WithSleeper(func(ctx context.Context, _ time.Duration) error {
		select {
		case <-time.After(time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})))
	return New(cfg, tr, decoder, d, nil, nil, opts...), d
}

func patternPayload(name string) []byte {
	return []byte(fmt.Sprintf(`{"symbol":"AAPL","pattern":%q,"confidence":0.9,"timestamp":1700000000}`, name))
}

func TestPipeline_CriticalOvertakesBufferedEvents(t *testing.T) {
	tr := bus.NewMemoryTransport(64)
	clock := &frozenClock{now: time.Unix(1_700_000_000, 0)}
	p, d := newTestPipeline(t, tr, clock)
	ctx := context.Background()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop(ctx)

	w := newChanWriter()
	if _, err := d.Register("client", w); err != nil {
		t.Fatalf("register: %v", err)
	}

	for i := 0; i < 5; i++ {
		_ = tr.Publish(ctx, "tickstock:patterns:streaming", patternPayload(fmt.Sprintf("P%d", i)))
	}
	_ = tr.Publish(ctx, "tickstock:alerts:critical_patterns",
		[]byte(`{"symbol":"TSLA","alert_type":"breakout","severity":"critical","timestamp":1700000000}`))

	first := w.nextOfType(t, dispatch.TypeImmediate, dispatch.TypeBatch)
	if first.Type != dispatch.TypeImmediate {
		t.Fatalf("expected immediate envelope before any batch, got %s", first.Type)
	}
	if got := p.Status().Pending["pattern"]; got != 5 {
		t.Fatalf("expected 5 buffered patterns while clock is frozen, got %d", got)
	}

	clock.Advance(20 * time.Millisecond)
	batch := w.nextOfType(t, dispatch.TypeBatch)
	var env dispatch.BatchEnvelope
	if err := json.Unmarshal(batch.Data, &env); err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if env.Count != 5 || env.Kind != event.KindPattern {
		t.Fatalf("unexpected batch: %+v", env)
	}
	for i, ev := range env.Events {
		var body map[string]any
		_ = json.Unmarshal(ev.Body, &body)
		if body["pattern"] != fmt.Sprintf("P%d", i) {
			t.Fatalf("batch out of admission order at %d: %v", i, body["pattern"])
		}
	}
}

func TestPipeline_DuplicatesSuppressed(t *testing.T) {
	tr := bus.NewMemoryTransport(64)
	clock := &frozenClock{now: time.Unix(1_700_000_000, 0)}
	p, _ := newTestPipeline(t, tr, clock)
	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop(ctx)

	for i := 0; i < 3; i++ {
		_ = tr.Publish(ctx, "tickstock:patterns:streaming", patternPayload("Doji"))
	}
	_ = tr.Publish(ctx, "tickstock:patterns:streaming", patternPayload("Hammer"))

	testutil.Eventually(t, 2*time.Second, func() bool {
		return p.Status().Pending["pattern"] == 2
	}, "two distinct patterns buffered")
}

func TestPipeline_StopFlushesRemainingEvents(t *testing.T) {
	tr := bus.NewMemoryTransport(64)
	clock := &frozenClock{now: time.Unix(1_700_000_000, 0)}
	p, d := newTestPipeline(t, tr, clock)
	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	w := newChanWriter()
	if _, err := d.Register("client", w); err != nil {
		t.Fatalf("register: %v", err)
	}

	for i := 0; i < 3; i++ {
		_ = tr.Publish(ctx, "tickstock:indicators:streaming",
			[]byte(fmt.Sprintf(`{"symbol":"MSFT","indicator":"RSI%d","value":71.2,"timestamp":1700000000}`, i)))
	}
	testutil.Eventually(t, 2*time.Second, func() bool {
		return p.Status().Pending["indicator"] == 3
	}, "indicators buffered")

	if err := p.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	batch := w.nextOfType(t, dispatch.TypeBatch)
	var env dispatch.BatchEnvelope
	if err := json.Unmarshal(batch.Data, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Count != 3 || env.Reason != buffer.TimerElapsed {
		t.Fatalf("unexpected final batch: %+v", env)
	}
	if d.Len() != 0 {
		t.Fatal("sessions should be closed after stop")
	}
}

func TestPipeline_FeedStatusAfterGrace(t *testing.T) {
	tr := bus.NewMemoryTransport(64)
	p, d := newTestPipeline(t, tr, nil)
	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop(ctx)

	w := newChanWriter()
	if _, err := d.Register("client", w); err != nil {
		t.Fatalf("register: %v", err)
	}
	var status dispatch.StatusEnvelope
	_ = json.Unmarshal(w.nextOfType(t, dispatch.TypeStatus).Data, &status)
	if status.Feed != dispatch.FeedConnected {
		t.Fatalf("expected connected status on register, got %+v", status)
	}

	// Fail enough opens to outlast the grace period, then recover.
	tr.FailOpens(1 << 20)
	tr.Disconnect(errors.New("redis down"))

	_ = json.Unmarshal(w.nextOfType(t, dispatch.TypeStatus).Data, &status)
	if status.Feed != dispatch.FeedDisconnected {
		t.Fatalf("expected disconnected status, got %+v", status)
	}
	if p.Ready() {
		t.Fatal("pipeline should not be ready while disconnected")
	}

	tr.FailOpens(0)
	_ = json.Unmarshal(w.nextOfType(t, dispatch.TypeStatus).Data, &status)
	if status.Feed != dispatch.FeedConnected {
		t.Fatalf("expected reconnected status, got %+v", status)
	}
}

func TestPipeline_StartFailsWhenBusUnreachable(t *testing.T) {
	tr := bus.NewMemoryTransport(64)
	tr.FailOpens(100)
	p, _ := newTestPipeline(t, tr, nil)
	if err := p.Start(context.Background()); !errors.Is(err, subscriber.ErrBusUnreachable) {
		t.Fatalf("expected ErrBusUnreachable, got %v", err)
	}
}
