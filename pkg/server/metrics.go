package server

import (
	"net/http"
	"time"

	"github.com/aeolun/parley/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for one server. Each server owns its
// registry so several servers can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	// Connection metrics
	activeConnections prometheus.Gauge
	connectionsTotal  *prometheus.CounterVec // by transport
	onlineUsers       prometheus.Gauge
	listenOverflows   prometheus.Counter

	// Message type metrics
	requestsReceived *prometheus.CounterVec // by request type
	pushesSent       *prometheus.CounterVec // by push type
	requestErrors    *prometheus.CounterVec // by error code

	// Store metrics
	messagesAppended  prometheus.Counter
	persistenceErrors *prometheus.CounterVec // by operation

	// Performance metrics
	requestDuration *prometheus.HistogramVec
}

// NewMetrics creates a metrics set on a fresh registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "parley_active_connections",
				Help: "Current number of open client connections",
			},
		),
		connectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_connections_total",
				Help: "Total number of accepted connections by transport",
			},
			[]string{"transport"},
		),
		onlineUsers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "parley_online_users",
				Help: "Current number of logged-in users",
			},
		),
		listenOverflows: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_listen_overflows_total",
				Help: "Connections the kernel dropped because the accept backlog was full",
			},
		),
		requestsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_requests_received_total",
				Help: "Total number of requests received from clients by type",
			},
			[]string{"type"},
		),
		pushesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_pushes_sent_total",
				Help: "Total number of server-initiated events sent to clients by type",
			},
			[]string{"type"},
		),
		requestErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_request_errors_total",
				Help: "Total number of error responses by error code",
			},
			[]string{"code"},
		),
		messagesAppended: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_messages_appended_total",
				Help: "Total number of chat messages durably appended",
			},
		),
		persistenceErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_persistence_errors_total",
				Help: "Total number of storage failures by operation",
			},
			[]string{"op"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_request_duration_seconds",
				Help:    "Time taken to handle a request",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
	}
}

// Handler serves this server's registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordConnectionOpened counts an accepted connection
func (m *Metrics) RecordConnectionOpened(transport string) {
	m.activeConnections.Inc()
	m.connectionsTotal.WithLabelValues(transport).Inc()
}

// RecordConnectionClosed decrements the open connection gauge
func (m *Metrics) RecordConnectionClosed() {
	m.activeConnections.Dec()
}

// RecordOnlineUsers updates the online user gauge
func (m *Metrics) RecordOnlineUsers(count int) {
	m.onlineUsers.Set(float64(count))
}

// RecordListenOverflows counts connections dropped by the kernel backlog
func (m *Metrics) RecordListenOverflows(n uint64) {
	m.listenOverflows.Add(float64(n))
}

// RecordRequest counts a request and how long it took
func (m *Metrics) RecordRequest(requestType string, d time.Duration) {
	m.requestsReceived.WithLabelValues(requestType).Inc()
	m.requestDuration.WithLabelValues(requestType).Observe(d.Seconds())
}

// RecordRequestError counts an error response
func (m *Metrics) RecordRequestError(code string) {
	m.requestErrors.WithLabelValues(code).Inc()
}

// RecordPush counts a server-initiated event
func (m *Metrics) RecordPush(pushType string) {
	m.pushesSent.WithLabelValues(pushType).Inc()
}

// RecordMessageAppended counts a durably appended chat message
func (m *Metrics) RecordMessageAppended() {
	m.messagesAppended.Inc()
}

// RecordPersistenceError counts a storage failure
func (m *Metrics) RecordPersistenceError(op string) {
	m.persistenceErrors.WithLabelValues(op).Inc()
}

// requestLabel keeps label cardinality bounded for unknown request types
func requestLabel(msgType string) string {
	switch msgType {
	case protocol.TypeRegister, protocol.TypeLogin, protocol.TypeLogout, protocol.TypeGetOnline,
		protocol.TypeCreateChat, protocol.TypeSendMessage, protocol.TypeGetChatHistory,
		protocol.TypeGetChats, protocol.TypeUpdateChat, protocol.TypePing:
		return msgType
	default:
		return "unknown"
	}
}
