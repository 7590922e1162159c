package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/dispatch"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/observability/logger"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/observability/metrics"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/subscriber"
)

// StatusSink receives feed status envelopes.
type StatusSink interface {
	BroadcastStatus(ctx context.Context, status dispatch.FeedStatus)
}

// FeedMonitor turns subscriber state changes into client-visible feed
// status. Leaving Connected is only announced once the grace period passes
// without recovery; Failed is announced at once.
type FeedMonitor struct {
	sink    StatusSink
	grace   time.Duration
	log     logger.Logger
	metrics *metrics.Pipeline

	mu        sync.Mutex
	current   subscriber.StateChange
	published dispatch.FeedState
	since     time.Time
	timer     *time.Timer
	stopped   bool
}

func NewFeedMonitor(sink StatusSink, grace time.Duration, log logger.Logger, m *metrics.Pipeline) *FeedMonitor {
	if log == nil {
		log = logger.NewNop()
	}
	return &FeedMonitor{
		sink:    sink,
		grace:   grace,
		log:     log.With("component", "feed_monitor"),
		metrics: m,
	}
}

// Observe is registered as a subscriber state listener.
func (m *FeedMonitor) Observe(c subscriber.StateChange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}

	wasConnected := m.current.To == subscriber.StateConnected
	m.current = c
	if wasConnected != (c.To == subscriber.StateConnected) {
		m.since = c.At
	}

	switch c.To {
	case subscriber.StateConnected:
		m.cancelTimerLocked()
		m.publishLocked(dispatch.FeedConnected)
	case subscriber.StateFailed:
		m.cancelTimerLocked()
		m.publishLocked(dispatch.FeedDisconnected)
	default:
		if m.published == dispatch.FeedDisconnected || m.timer != nil {
			return
		}
		if m.grace <= 0 {
			m.publishLocked(dispatch.FeedDisconnected)
			return
		}
		m.timer = time.AfterFunc(m.grace, m.graceElapsed)
	}
}

func (m *FeedMonitor) graceElapsed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timer = nil
	if m.stopped || m.current.To == subscriber.StateConnected {
		return
	}
	m.publishLocked(dispatch.FeedDisconnected)
}

func (m *FeedMonitor) publishLocked(state dispatch.FeedState) {
	if m.published == state {
		return
	}
	m.published = state
	m.metrics.SetFeedConnected(state == dispatch.FeedConnected)
	status := m.statusLocked()
	if state == dispatch.FeedDisconnected {
		m.log.Warn("feed disconnected", "state", status.State, "attempts", status.Attempts)
	} else {
		m.log.Info("feed connected")
	}
	m.sink.BroadcastStatus(context.Background(), status)
}

// Status reports the feed as clients would see it. Inside the grace period
// the feed is reported as reconnecting.
func (m *FeedMonitor) Status() dispatch.FeedStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *FeedMonitor) statusLocked() dispatch.FeedStatus {
	feed := m.published
	switch {
	case m.current.To == subscriber.StateConnected:
		feed = dispatch.FeedConnected
	case feed != dispatch.FeedDisconnected:
		feed = dispatch.FeedReconnecting
	}
	return dispatch.FeedStatus{
		Feed:     feed,
		State:    m.current.To.String(),
		Since:    m.since,
		Attempts: m.current.Attempts,
	}
}

// Connected reports whether the subscriber is currently connected.
func (m *FeedMonitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.To == subscriber.StateConnected
}

// Stop cancels any pending grace timer.
func (m *FeedMonitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.cancelTimerLocked()
	m.mu.Unlock()
}

func (m *FeedMonitor) cancelTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
