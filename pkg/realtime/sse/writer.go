// Package sse streams dispatcher envelopes as server-sent events.
package sse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/dispatch"
)

var (
	// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
	ErrStreamingUnsupported = errors.New("response writer does not support streaming")
	// ErrWriterClosed is returned by writes after Close.
	ErrWriterClosed = errors.New("sse writer closed")
)

// DefaultRetryMS is the reconnect hint sent on open.
const DefaultRetryMS = 3000

// Writer owns an SSE response. It implements the dispatcher's session
// writer; Done closes when the session is closed from either side.
type Writer struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	rc      *http.ResponseController
	retryMS int
	started bool
	now     func() time.Time
	closing chan struct{}
	closed  chan struct{}
	once    sync.Once
}

// NewWriter wraps w. Nothing is written until Start or the first message.
func NewWriter(w http.ResponseWriter, retryMS int) (*Writer, error) {
	if _, ok := w.(http.Flusher); !ok {
		return nil, ErrStreamingUnsupported
	}
	if retryMS <= 0 {
		retryMS = DefaultRetryMS
	}
	return &Writer{
		w:       w,
		rc:      http.NewResponseController(w),
		retryMS: retryMS,
		now:     time.Now,
		closing: make(chan struct{}),
		closed:  make(chan struct{}),
	}, nil
}

// Start writes the SSE headers and the retry hint. It is idempotent.
func (s *Writer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

func (s *Writer) startLocked() error {
	if s.started {
		return nil
	}
	s.started = true

	header := s.w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache, no-transform")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(s.w, "retry: %d\n: connected\n\n", s.retryMS); err != nil {
		return err
	}
	return s.flush()
}

// WriteMessage sends msg as one event named after its envelope type. The
// deadline of ctx becomes the connection write deadline, so a client that
// stops reading fails the write instead of stalling the session.
func (s *Writer) WriteMessage(ctx context.Context, msg dispatch.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosing() {
		return ErrWriterClosed
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := s.setWriteDeadline(deadline); err != nil {
			return err
		}
		defer func() { _ = s.setWriteDeadline(time.Time{}) }()
	}
	// Close may have expired the deadline between the check above and the
	// deadline being set.
	if s.isClosing() {
		return ErrWriterClosed
	}
	if err := s.startLocked(); err != nil {
		return err
	}

	evt := Event{ID: nextEventID(s.now()), Type: msg.Type, Data: msg.Data}
	if err := writeEvent(s.w, evt); err != nil {
		return err
	}
	return s.flush()
}

// Close ends the stream. An in-flight write is aborted by expiring the
// write deadline; Close returns once it has unwound, so the handler may
// return as soon as Done is closed.
func (s *Writer) Close() error {
	s.once.Do(func() {
		close(s.closing)
		_ = s.setWriteDeadline(time.Now())
		s.mu.Lock()
		close(s.closed)
		s.mu.Unlock()
	})
	return nil
}

// Done closes after Close.
func (s *Writer) Done() <-chan struct{} { return s.closed }

func (s *Writer) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

// setWriteDeadline ignores writers without deadline support, such as
// httptest.ResponseRecorder.
func (s *Writer) setWriteDeadline(deadline time.Time) error {
	if err := s.rc.SetWriteDeadline(deadline); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

func (s *Writer) flush() error {
	return s.rc.Flush()
}

func writeEvent(w http.ResponseWriter, event Event) error {
	var buffer bytes.Buffer
	if event.ID != "" {
		buffer.WriteString("id: ")
		buffer.WriteString(event.ID)
		buffer.WriteByte('\n')
	}
	if event.Type != "" {
		buffer.WriteString("event: ")
		buffer.WriteString(event.Type)
		buffer.WriteByte('\n')
	}
	if event.RetryMS > 0 {
		buffer.WriteString("retry: ")
		buffer.WriteString(strconv.Itoa(event.RetryMS))
		buffer.WriteByte('\n')
	}
	data := event.Data
	if len(data) == 0 {
		data = []byte("{}")
	}
	for _, line := range strings.Split(string(data), "\n") {
		buffer.WriteString("data: ")
		buffer.WriteString(line)
		buffer.WriteByte('\n')
	}
	buffer.WriteByte('\n')

	_, err := w.Write(buffer.Bytes())
	return err
}
