package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Pipeline groups the collectors updated by the ingestion and delivery path.
// A nil *Pipeline is valid and records nothing.
type Pipeline struct {
	messagesReceived *prometheus.CounterVec
	decodeFailures   *prometheus.CounterVec
	eventsRouted     *prometheus.CounterVec
	dedupSuppressed  *prometheus.CounterVec
	batchesFlushed   *prometheus.CounterVec
	batchSize        *prometheus.HistogramVec
	dispatched       *prometheus.CounterVec
	sessionDrops     *prometheus.CounterVec
	sessionsActive   prometheus.Gauge
	subscriberState  prometheus.Gauge
	reconnects       prometheus.Counter
	feedConnected    prometheus.Gauge
}

// NewPipeline creates and registers pipeline collectors under namespace.
func NewPipeline(registry *Registry, namespace string) *Pipeline {
	if namespace == "" {
		namespace = "tickstream"
	}
	m := &Pipeline{
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_messages_received_total",
			Help:      "Raw messages received from the bus per channel.",
		}, []string{"channel"}),
		decodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Messages dropped because they could not be decoded.",
		}, []string{"channel", "reason"}),
		eventsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_routed_total",
			Help:      "Decoded events per kind and route.",
		}, []string{"kind", "route"}),
		dedupSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_suppressed_total",
			Help:      "Events suppressed by the deduplication window.",
		}, []string{"kind"}),
		batchesFlushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_flushed_total",
			Help:      "Batches handed to the dispatcher per kind and flush reason.",
		}, []string{"kind", "reason"}),
		batchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of events per flushed batch.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250},
		}, []string{"kind"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_messages_total",
			Help:      "Envelopes broadcast to sessions per envelope type.",
		}, []string{"type"}),
		sessionDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_drops_total",
			Help:      "Per-session delivery losses by reason.",
		}, []string{"reason"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Currently registered client sessions.",
		}),
		subscriberState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriber_state",
			Help:      "Subscriber state: 0 disconnected, 1 connecting, 2 connected, 3 failed.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_reconnect_attempts_total",
			Help:      "Bus reconnection attempts.",
		}),
		feedConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_connected",
			Help:      "1 when clients are told the feed is connected.",
		}),
	}
	if registry != nil {
		registry.MustRegister(
			m.messagesReceived,
			m.decodeFailures,
			m.eventsRouted,
			m.dedupSuppressed,
			m.batchesFlushed,
			m.batchSize,
			m.dispatched,
			m.sessionDrops,
			m.sessionsActive,
			m.subscriberState,
			m.reconnects,
			m.feedConnected,
		)
	}
	return m
}

func (m *Pipeline) MessageReceived(channel string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(channel).Inc()
}

func (m *Pipeline) DecodeFailure(channel, reason string) {
	if m == nil {
		return
	}
	m.decodeFailures.WithLabelValues(channel, reason).Inc()
}

func (m *Pipeline) EventRouted(kind, route string) {
	if m == nil {
		return
	}
	m.eventsRouted.WithLabelValues(kind, route).Inc()
}

func (m *Pipeline) DedupSuppressed(kind string) {
	if m == nil {
		return
	}
	m.dedupSuppressed.WithLabelValues(kind).Inc()
}

func (m *Pipeline) BatchFlushed(kind, reason string, size int) {
	if m == nil {
		return
	}
	m.batchesFlushed.WithLabelValues(kind, reason).Inc()
	m.batchSize.WithLabelValues(kind).Observe(float64(size))
}

func (m *Pipeline) Dispatched(envelopeType string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(envelopeType).Inc()
}

func (m *Pipeline) SessionDrop(reason string) {
	if m == nil {
		return
	}
	m.sessionDrops.WithLabelValues(reason).Inc()
}

func (m *Pipeline) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

func (m *Pipeline) SetSubscriberState(state int) {
	if m == nil {
		return
	}
	m.subscriberState.Set(float64(state))
}

func (m *Pipeline) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Pipeline) SetFeedConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.feedConnected.Set(1)
		return
	}
	m.feedConnected.Set(0)
}
