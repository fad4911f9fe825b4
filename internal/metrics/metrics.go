// Package metrics exposes the per-connection observability surface named in
// §4.2: bytes/messages sent and received, latency, and connection errors.
// It generalizes the original project's ConnectionMetrics dataclass
// (original_source/utils/metrics) from a plain in-process struct into
// registered Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every collector this fabric exposes. A process
// constructs exactly one and threads it through its MessageExchange
// instances; tests may use a private registry to avoid collisions.
type Registry struct {
	reg *prometheus.Registry

	BytesSent        *prometheus.CounterVec
	BytesReceived    *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	Latency          *prometheus.HistogramVec
	ConnectionErrors *prometheus.CounterVec
	Reconnections    *prometheus.CounterVec
}

// NewRegistry creates and registers the fabric's metric collectors under a
// fresh prometheus.Registry.
func NewRegistry() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	labels := []string{"connection_id"}
	r.BytesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvmfabric",
		Name:      "bytes_sent_total",
		Help:      "Bytes sent per connection.",
	}, labels)
	r.BytesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvmfabric",
		Name:      "bytes_received_total",
		Help:      "Bytes received per connection.",
	}, labels)
	r.MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvmfabric",
		Name:      "messages_sent_total",
		Help:      "Messages sent per connection.",
	}, labels)
	r.MessagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvmfabric",
		Name:      "messages_received_total",
		Help:      "Messages received per connection.",
	}, labels)
	r.Latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kvmfabric",
		Name:      "message_latency_seconds",
		Help:      "Observed now - message.timestamp on receive.",
		Buckets:   prometheus.DefBuckets,
	}, labels)
	r.ConnectionErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvmfabric",
		Name:      "connection_errors_total",
		Help:      "Connection-level errors per connection.",
	}, labels)
	r.Reconnections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvmfabric",
		Name:      "reconnections_total",
		Help:      "Reconnection attempts per connection.",
	}, labels)

	r.reg.MustRegister(
		r.BytesSent, r.BytesReceived,
		r.MessagesSent, r.MessagesReceived,
		r.Latency, r.ConnectionErrors, r.Reconnections,
	)
	return r
}

// Gatherer exposes the underlying registry for an HTTP handler
// (promhttp.HandlerFor). service.Server and service.Client each serve it on
// "/metrics" when their config's MetricsAddr is non-empty.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// RecordSent updates the sent-side counters for connID.
func (r *Registry) RecordSent(connID string, bytes int) {
	r.BytesSent.WithLabelValues(connID).Add(float64(bytes))
	r.MessagesSent.WithLabelValues(connID).Inc()
}

// RecordReceived updates the received-side counters for connID.
func (r *Registry) RecordReceived(connID string, bytes int) {
	r.BytesReceived.WithLabelValues(connID).Add(float64(bytes))
	r.MessagesReceived.WithLabelValues(connID).Inc()
}

// RecordLatency observes the age of a just-received message (now - sent).
func (r *Registry) RecordLatency(connID string, age time.Duration) {
	r.Latency.WithLabelValues(connID).Observe(age.Seconds())
}

// RecordError increments the connection-error counter for connID.
func (r *Registry) RecordError(connID string) {
	r.ConnectionErrors.WithLabelValues(connID).Inc()
}

// RecordReconnect increments the reconnection counter for connID.
func (r *Registry) RecordReconnect(connID string) {
	r.Reconnections.WithLabelValues(connID).Inc()
}

// Forget removes every metric series for a connection that has closed,
// mirroring MetricsCollector.remove_connection in the original project.
func (r *Registry) Forget(connID string) {
	labels := prometheus.Labels{"connection_id": connID}
	r.BytesSent.Delete(labels)
	r.BytesReceived.Delete(labels)
	r.MessagesSent.Delete(labels)
	r.MessagesReceived.Delete(labels)
	r.Latency.Delete(labels)
	r.ConnectionErrors.Delete(labels)
	r.Reconnections.Delete(labels)
}
