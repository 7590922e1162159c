package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/observability/logger"
)

// Writer delivers serialized envelopes over one client connection.
type Writer interface {
	WriteMessage(ctx context.Context, msg Message) error
	Close() error
}

// SessionStats are per-session delivery counters.
type SessionStats struct {
	Sent                uint64 `json:"sent"`
	Dropped             uint64 `json:"dropped"`
	Failures            uint64 `json:"failures"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Queued              int    `json:"queued"`
}

// SessionInfo is a snapshot of one session for status reporting.
type SessionInfo struct {
	ID          string       `json:"id"`
	ConnectedAt time.Time    `json:"connected_at"`
	Stats       SessionStats `json:"stats"`
}

// Session is one registered client. Only the Dispatcher creates sessions.
type Session struct {
	id          string
	writer      Writer
	log         logger.Logger
	connectedAt time.Time

	mu    sync.Mutex
	queue ring

	notify    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	draining  chan struct{}
	drainOnce sync.Once

	sent        atomic.Uint64
	dropped     atomic.Uint64
	failures    atomic.Uint64
	consecutive atomic.Int32
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Done is closed once the session has been removed.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Stats returns the current counters.
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	queued := s.queue.size
	s.mu.Unlock()
	return SessionStats{
		Sent:                s.sent.Load(),
		Dropped:             s.dropped.Load(),
		Failures:            s.failures.Load(),
		ConsecutiveFailures: int(s.consecutive.Load()),
		Queued:              queued,
	}
}

// enqueue never blocks. When the queue is full the oldest message is
// discarded and true is returned.
func (s *Session) enqueue(msg Message) bool {
	select {
	case <-s.closed:
		return false
	default:
	}

	s.mu.Lock()
	dropped := s.queue.push(msg)
	s.mu.Unlock()
	if dropped {
		s.dropped.Add(1)
	}

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

func (s *Session) next() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.pop()
}

// drain asks the writer to flush what is queued and exit.
func (s *Session) drain() {
	s.drainOnce.Do(func() { close(s.draining) })
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if err := s.writer.Close(); err != nil {
			s.log.Debug("session writer close failed", "error", err)
		}
	})
}

// ring is a fixed-capacity FIFO that overwrites its oldest item when full.
type ring struct {
	items []Message
	head  int
	size  int
}

func newRing(capacity int) ring {
	return ring{items: make([]Message, capacity)}
}

func (r *ring) push(m Message) bool {
	if r.size == len(r.items) {
		r.items[r.head] = m
		r.head = (r.head + 1) % len(r.items)
		return true
	}
	r.items[(r.head+r.size)%len(r.items)] = m
	r.size++
	return false
}

func (r *ring) pop() (Message, bool) {
	if r.size == 0 {
		return Message{}, false
	}
	m := r.items[r.head]
	r.items[r.head] = Message{}
	r.head = (r.head + 1) % len(r.items)
	r.size--
	return m, true
}
