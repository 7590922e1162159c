package subscriber

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/bus"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/event"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/observability/logger"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/resilience"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/testutil"
)

const (
	patternChannel = "tickstock:patterns:streaming"
	validPattern   = `{"symbol":"AAPL","pattern":"Doji","timestamp":1700000000}`
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordedEntry struct {
	level string
	msg   string
}

type recordingLogger struct {
	mu      *sync.Mutex
	entries *[]recordedEntry
}

func newRecordingLogger() recordingLogger {
	return recordingLogger{mu: &sync.Mutex{}, entries: &[]recordedEntry{}}
}

func (l recordingLogger) add(level, msg string) {
	l.mu.Lock()
	*l.entries = append(*l.entries, recordedEntry{level: level, msg: msg})
	l.mu.Unlock()
}

func (l recordingLogger) Debug(msg string, _ ...any)                { l.add("debug", msg) }
func (l recordingLogger) Info(msg string, _ ...any)                 { l.add("info", msg) }
func (l recordingLogger) Warn(msg string, _ ...any)                 { l.add("warn", msg) }
func (l recordingLogger) Error(msg string, _ ...any)                { l.add("error", msg) }
func (l recordingLogger) With(...any) logger.Logger                 { return l }
func (l recordingLogger) WithContext(context.Context) logger.Logger { return l }

func (l recordingLogger) count(level, msg string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range *l.entries {
		if e.level == level && e.msg == msg {
			n++
		}
	}
	return n
}

type harness struct {
	transport *bus.MemoryTransport
	sub       *Subscriber
	clock     *fakeClock
	delays    chan time.Duration
	states    chan StateChange
}

func newHarness(t *testing.T, cfg Config, log logger.Logger) *harness {
	t.Helper()
	h := &harness{
		transport: bus.NewMemoryTransport(64),
		clock:     &fakeClock{now: time.Unix(1_700_000_000, 0)},
		delays:    make(chan time.Duration, 128),
		states:    make(chan StateChange, 256),
	}
	if cfg.Channels == nil {
		cfg.Channels = []string{patternChannel, "tickstock:alerts:critical_patterns", "x:unregistered"}
	}
	decoder := event.NewDecoder(event.DefaultRegistry(), event.DecoderConfig{FingerprintBucket: time.Second})
	sleeper := func(ctx context.Context, d time.Duration) error {
		h.delays <- d
		return ctx.Err()
	}
	h.sub = New(h.transport, decoder, cfg, log, WithClock(h.clock.Now), WithSleeper(sleeper))
	h.sub.OnStateChange(func(c StateChange) { h.states <- c })
	t.Cleanup(func() { _ = h.sub.Stop(context.Background()) })
	return h
}

func (h *harness) waitFor(t *testing.T, to State) []StateChange {
	t.Helper()
	var seen []StateChange
	timeout := time.After(2 * time.Second)
	for {
		select {
		case c := <-h.states:
			seen = append(seen, c)
			if c.To == to {
				return seen
			}
		case <-timeout:
			t.Fatalf("timed out waiting for state %s, saw %+v", to, seen)
		}
	}
}

func (h *harness) drainDelays() []time.Duration {
	var out []time.Duration
	for {
		select {
		case d := <-h.delays:
			out = append(out, d)
		default:
			return out
		}
	}
}

func TestSubscriber_StartFailsFastWhenUnreachable(t *testing.T) {
	h := newHarness(t, Config{ImmediateRetries: 3, RetryPause: 50 * time.Millisecond}, nil)
	h.transport.FailOpens(10)

	err := h.sub.Start(context.Background())
	if !errors.Is(err, ErrBusUnreachable) {
		t.Fatalf("expected ErrBusUnreachable, got %v", err)
	}
	if got := h.transport.Opens(); got != 4 {
		t.Fatalf("expected 1 attempt plus 3 retries, got %d opens", got)
	}
	if got := h.drainDelays(); len(got) != 3 || got[0] != 50*time.Millisecond {
		t.Fatalf("unexpected retry pauses: %v", got)
	}
	if err := h.sub.Stop(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}

func TestSubscriber_StartSucceedsWithinImmediateRetries(t *testing.T) {
	h := newHarness(t, Config{ImmediateRetries: 3}, nil)
	h.transport.FailOpens(2)

	if err := h.sub.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if h.sub.State() != StateConnected {
		t.Fatalf("expected connected, got %s", h.sub.State())
	}
	if err := h.sub.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestSubscriber_DecodesAndSurvivesBadPayloads(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	if err := h.sub.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	_ = h.transport.Publish(ctx, patternChannel, []byte("not json"))
	_ = h.transport.Publish(ctx, patternChannel, []byte(`{"pattern":"Doji","timestamp":1}`))
	_ = h.transport.Publish(ctx, "x:unregistered", []byte(`{}`))
	_ = h.transport.Publish(ctx, patternChannel, []byte(validPattern))

	var got []event.Event
	for len(got) < 2 {
		select {
		case ev := <-h.sub.Events():
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, received %d events", len(got))
		}
	}
	if got[0].Kind != event.KindUnknown {
		t.Fatalf("expected unknown-channel event first, got %s", got[0].Kind)
	}
	if got[1].Kind != event.KindPattern || got[1].Symbol != "AAPL" {
		t.Fatalf("unexpected pattern event: %+v", got[1])
	}
}

func TestSubscriber_BackoffSequenceAndFailedState(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 10, Backoff: resilience.DefaultBackoff()}, nil)
	if err := h.sub.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.waitFor(t, StateConnected)

	h.transport.FailOpens(10)
	h.transport.Disconnect(errors.New("connection reset by peer"))

	seen := h.waitFor(t, StateConnected)
	sawFailed := false
	for _, c := range seen {
		if c.To == StateFailed {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Fatalf("expected Failed after exceeding max attempts, saw %+v", seen)
	}

	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		30 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
		30 * time.Second,
	}
	got := h.drainDelays()
	if len(got) != len(want) {
		t.Fatalf("expected %d delays, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delay %d: expected %v, got %v", i, want[i], got[i])
		}
	}
	if h.sub.Attempts() != 11 {
		t.Fatalf("attempts must not reset before the dwell time, got %d", h.sub.Attempts())
	}
}

func TestSubscriber_AttemptsResetOnlyAfterDwell(t *testing.T) {
	h := newHarness(t, Config{MinDwell: 10 * time.Second}, nil)
	if err := h.sub.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.waitFor(t, StateConnected)

	drop := func() time.Duration {
		h.transport.Disconnect(errors.New("eof"))
		h.waitFor(t, StateConnected)
		got := h.drainDelays()
		if len(got) != 1 {
			t.Fatalf("expected one reconnect delay, got %v", got)
		}
		return got[0]
	}

	if d := drop(); d != time.Second {
		t.Fatalf("first drop: expected 1s, got %v", d)
	}
	// Flapping: the connection was not held for the dwell time.
	if d := drop(); d != 2*time.Second {
		t.Fatalf("flapping drop: expected 2s, got %v", d)
	}

	h.clock.Advance(10 * time.Second)
	if d := drop(); d != time.Second {
		t.Fatalf("drop after stable connection: expected reset to 1s, got %v", d)
	}
}

func TestSubscriber_StopHandsOffDecodedEvents(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	if err := h.sub.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 3; i++ {
		_ = h.transport.Publish(ctx, patternChannel, []byte(validPattern))
	}
	testutil.Eventually(t, 2*time.Second, func() bool { return len(h.sub.Events()) == 3 }, "events decoded")

	if err := h.sub.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	n := 0
	for range h.sub.Events() {
		n++
	}
	if n != 3 {
		t.Fatalf("expected 3 events after stop, got %d", n)
	}
	if h.sub.State() != StateDisconnected {
		t.Fatalf("expected disconnected after stop, got %s", h.sub.State())
	}
}

func TestSubscriber_RepeatedDecodeFailuresEscalate(t *testing.T) {
	log := newRecordingLogger()
	h := newHarness(t, Config{DecodeFailureThreshold: 5, DecodeLogInterval: time.Hour}, log)
	ctx := context.Background()
	if err := h.sub.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 0; i < 7; i++ {
		_ = h.transport.Publish(ctx, patternChannel, []byte("{broken"))
	}
	_ = h.transport.Publish(ctx, patternChannel, []byte(validPattern))

	select {
	case <-h.sub.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("loop stalled after bad payloads")
	}

	if got := log.count("warn", "dropping undecodable message"); got != 4 {
		t.Fatalf("expected 4 warnings, got %d", got)
	}
	if got := log.count("error", "repeated decode failures on channel"); got != 1 {
		t.Fatalf("expected 1 rate-limited error, got %d", got)
	}
}
