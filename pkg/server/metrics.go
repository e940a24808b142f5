package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aeolun/relaychat/pkg/presence"
	"github.com/aeolun/relaychat/pkg/protocol"
)

// Metrics holds the server's Prometheus collectors. Each server gets its own
// registry so several servers can live in one process (tests).
type Metrics struct {
	registry *prometheus.Registry

	activeSessions  prometheus.Gauge
	sessionsTotal   *prometheus.CounterVec
	disconnects     *prometheus.CounterVec
	onlineUsers     prometheus.Gauge
	pendingMessages prometheus.Gauge
	requestsTotal   *prometheus.CounterVec
	messagesSent    *prometheus.CounterVec
	loginsTotal     *prometheus.CounterVec
	directMessages  *prometheus.CounterVec
	broadcastFanout *prometheus.CounterVec
	presenceEvents  *prometheus.CounterVec
	slowConsumers   prometheus.Counter
	sweepDuration   prometheus.Histogram
	sweepDelivered  prometheus.Counter
	decodeErrors    prometheus.Counter
}

// NewMetrics creates and registers all collectors
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaychat_active_sessions",
			Help: "Open client connections",
		}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaychat_sessions_total",
			Help: "Connections accepted, by transport",
		}, []string{"transport"}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaychat_disconnects_total",
			Help: "Connections closed, by transport",
		}, []string{"transport"}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaychat_online_users",
			Help: "Users currently logged in",
		}),
		pendingMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaychat_pending_messages",
			Help: "Direct messages waiting for offline recipients",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaychat_requests_total",
			Help: "Requests received, by action",
		}, []string{"action"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaychat_messages_sent_total",
			Help: "Responses and events written to clients, by action",
		}, []string{"action"}),
		loginsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaychat_logins_total",
			Help: "Login attempts, by resulting status",
		}, []string{"status"}),
		directMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaychat_direct_messages_total",
			Help: "Direct message requests, by resulting status",
		}, []string{"status"}),
		broadcastFanout: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaychat_broadcast_recipients_total",
			Help: "Broadcast recipients, by outcome",
		}, []string{"outcome"}),
		presenceEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaychat_presence_events_total",
			Help: "Presence state changes, by kind",
		}, []string{"kind"}),
		slowConsumers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_slow_consumers_total",
			Help: "Connections closed because their outbound queue overflowed",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relaychat_sweep_duration_seconds",
			Help:    "Time spent in one sweep tick",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		sweepDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_pending_delivered_total",
			Help: "Queued direct messages delivered by the sweep",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_decode_errors_total",
			Help: "Requests that could not be decoded",
		}),
	}

	reg.MustRegister(
		m.activeSessions, m.sessionsTotal, m.disconnects, m.onlineUsers,
		m.pendingMessages, m.requestsTotal, m.messagesSent, m.loginsTotal,
		m.directMessages, m.broadcastFanout, m.presenceEvents, m.slowConsumers,
		m.sweepDuration, m.sweepDelivered, m.decodeErrors,
	)
	return m
}

// Handler serves this registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry (tests gather from it)
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) RecordSessionCreated(transport string) {
	m.sessionsTotal.WithLabelValues(transport).Inc()
}

func (m *Metrics) RecordSessionDisconnected(transport string) {
	m.disconnects.WithLabelValues(transport).Inc()
}

// RecordRequest and RecordMessageSent label by action. Clients choose the
// action string, so anything unrecognized shares the "unknown" series.
func (m *Metrics) RecordRequest(action string) {
	m.requestsTotal.WithLabelValues(protocol.KnownAction(action)).Inc()
}

func (m *Metrics) RecordDecodeError() {
	m.decodeErrors.Inc()
}

func (m *Metrics) RecordMessageSent(action string) {
	m.messagesSent.WithLabelValues(protocol.KnownAction(action)).Inc()
}

func (m *Metrics) RecordSlowConsumer() {
	m.slowConsumers.Inc()
}

func (m *Metrics) RecordSweep(stats presence.SweepStats, pending int) {
	m.sweepDuration.Observe(stats.Took.Seconds())
	m.sweepDelivered.Add(float64(stats.Delivered))
	m.pendingMessages.Set(float64(pending))
}

// Observe implements presence.Observer. It runs under the directory lock and
// only touches collectors.
func (m *Metrics) Observe(e presence.Event) {
	switch e.Kind {
	case presence.EventLogin:
		m.loginsTotal.WithLabelValues(string(e.Status)).Inc()
		if e.Status == protocol.StatusSuccess {
			m.onlineUsers.Inc()
		}
	case presence.EventLogout, presence.EventDisconnect, presence.EventTimeout:
		m.onlineUsers.Dec()
		m.presenceEvents.WithLabelValues(string(e.Kind)).Inc()
	case presence.EventMessage:
		m.directMessages.WithLabelValues(string(e.Status)).Inc()
	case presence.EventBroadcast:
		m.broadcastFanout.WithLabelValues("sent").Add(float64(e.Sent))
		m.broadcastFanout.WithLabelValues("blocked").Add(float64(e.Blocked))
	case presence.EventQueued:
		m.pendingMessages.Inc()
		m.presenceEvents.WithLabelValues(string(e.Kind)).Inc()
	case presence.EventDelivered, presence.EventDropped:
		m.pendingMessages.Dec()
		m.presenceEvents.WithLabelValues(string(e.Kind)).Inc()
	default:
		m.presenceEvents.WithLabelValues(string(e.Kind)).Inc()
	}
}
