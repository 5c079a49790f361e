// Package metrics holds the Prometheus registry and the counters shared by
// the worker, the listener, and the socket layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics bundles every instrument the engine exports.
type Metrics struct {
	Registry *prometheus.Registry

	WritesProcessed        prometheus.Counter
	WritesFailed           prometheus.Counter
	QueueOverflow          prometheus.Counter
	WritesDroppedShutdown  prometheus.Counter
	WriteDuration          prometheus.Histogram
	EventsReceived         *prometheus.CounterVec
	EventsSent             *prometheus.CounterVec
	OutboundDropped        prometheus.Counter
	PubSubMessages         prometheus.Counter
	PubSubFailures         prometheus.Counter
	Connections            prometheus.Gauge
	RevisionConflicts      prometheus.Counter
	CacheRebuildsFromStore prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		WritesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collab_writes_processed_total",
			Help: "Durable writes completed by the write-behind worker.",
		}),
		WritesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collab_writes_failed_total",
			Help: "Durable writes that errored; payload is logged server-side.",
		}),
		QueueOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collab_writer_queue_overflow_total",
			Help: "Mutations dropped because the write-behind queue was full.",
		}),
		WritesDroppedShutdown: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collab_writes_dropped_on_shutdown_total",
			Help: "Queued writes abandoned when the drain timeout elapsed.",
		}),
		WriteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "collab_write_duration_seconds",
			Help:    "Latency of one durable write.",
			Buckets: prometheus.DefBuckets,
		}),
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_events_received_total",
			Help: "Inbound socket events by name.",
		}, []string{"event"}),
		EventsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_events_sent_total",
			Help: "Outbound socket events by name.",
		}, []string{"event"}),
		OutboundDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collab_outbound_dropped_total",
			Help: "Outbound events dropped because a session send buffer was full.",
		}),
		PubSubMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collab_pubsub_messages_total",
			Help: "Fan-out bus messages consumed.",
		}),
		PubSubFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collab_pubsub_failures_total",
			Help: "Fan-out bus messages whose handler failed.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collab_connections",
			Help: "Open socket sessions on this node.",
		}),
		RevisionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collab_revision_conflicts_total",
			Help: "Updates rejected because the client revision was stale.",
		}),
		CacheRebuildsFromStore: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collab_cache_rebuilds_total",
			Help: "List caches rebuilt from the durable store.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.WritesProcessed, m.WritesFailed, m.QueueOverflow, m.WritesDroppedShutdown,
		m.WriteDuration, m.EventsReceived, m.EventsSent, m.OutboundDropped,
		m.PubSubMessages, m.PubSubFailures, m.Connections,
		m.RevisionConflicts, m.CacheRebuildsFromStore,
	)
	return m
}
