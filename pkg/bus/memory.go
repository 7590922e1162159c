package bus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrInjectedFailure is returned by MemoryTransport when a failure was scheduled.
var ErrInjectedFailure = errors.New("injected bus failure")

// MemoryTransport is an in-process bus for development and tests. Failures
// can be scheduled with FailOpens and live streams cut with Disconnect.
type MemoryTransport struct {
	mu        sync.Mutex
	streams   map[*memoryStream]struct{}
	failOpens int
	opens     int
	now       func() time.Time
	buffer    int
}

// NewMemoryTransport creates an in-memory bus whose streams buffer up to
// buffer messages before Publish blocks.
func NewMemoryTransport(buffer int) *MemoryTransport {
	if buffer <= 0 {
		buffer = 1024
	}
	return &MemoryTransport{
		streams: make(map[*memoryStream]struct{}),
		now:     time.Now,
		buffer:  buffer,
	}
}

func (t *MemoryTransport) Name() string { return "memory" }

// FailOpens makes the next n Open calls fail.
func (t *MemoryTransport) FailOpens(n int) {
	t.mu.Lock()
	t.failOpens = n
	t.mu.Unlock()
}

// Opens returns how many times Open was called.
func (t *MemoryTransport) Opens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

func (t *MemoryTransport) Open(_ context.Context, channels []string) (Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opens++
	if t.failOpens > 0 {
		t.failOpens--
		return nil, ErrInjectedFailure
	}

	s := &memoryStream{
		transport: t,
		channels:  make(map[string]struct{}, len(channels)),
		msgs:      make(chan Message, t.buffer),
		done:      make(chan struct{}),
	}
	for _, c := range channels {
		s.channels[c] = struct{}{}
	}
	t.streams[s] = struct{}{}
	return s, nil
}

func (t *MemoryTransport) Ping(context.Context) error { return nil }

// Publish delivers payload to every open stream subscribed to channel.
func (t *MemoryTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	t.mu.Lock()
	targets := make([]*memoryStream, 0, len(t.streams))
	for s := range t.streams {
		if _, ok := s.channels[channel]; ok {
			targets = append(targets, s)
		}
	}
	now := t.now()
	t.mu.Unlock()

	for _, s := range targets {
		msg := Message{Channel: channel, Payload: append([]byte(nil), payload...), ReceivedAt: now}
		select {
		case s.msgs <- msg:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Disconnect fails every open stream with err, as a dropped connection would.
func (t *MemoryTransport) Disconnect(err error) {
	if err == nil {
		err = ErrInjectedFailure
	}
	t.mu.Lock()
	streams := t.streams
	t.streams = make(map[*memoryStream]struct{})
	t.mu.Unlock()
	for s := range streams {
		s.fail(err)
	}
}

// Close drops every stream.
func (t *MemoryTransport) Close() error {
	t.Disconnect(ErrStreamClosed)
	return nil
}

type memoryStream struct {
	transport *MemoryTransport
	channels  map[string]struct{}
	msgs      chan Message
	done      chan struct{}
	once      sync.Once
	err       error
}

func (s *memoryStream) Receive(ctx context.Context) (Message, error) {
	select {
	case <-s.done:
		return Message{}, s.err
	default:
	}
	select {
	case msg := <-s.msgs:
		return msg, nil
	case <-s.done:
		return Message{}, s.err
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (s *memoryStream) fail(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *memoryStream) Close() error {
	s.transport.mu.Lock()
	delete(s.transport.streams, s)
	s.transport.mu.Unlock()
	s.fail(ErrStreamClosed)
	return nil
}
