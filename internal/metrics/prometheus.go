package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the event pipeline
type Metrics struct {
	// Producer-side metrics
	EventsEnqueuedTotal *prometheus.CounterVec
	EventsDroppedTotal  *prometheus.CounterVec
	InsertDuration      prometheus.Histogram

	// Delivery metrics
	BatchesSentTotal     *prometheus.CounterVec
	BatchesRejectedTotal *prometheus.CounterVec
	SendFailuresTotal    *prometheus.CounterVec
	BytesSentTotal       *prometheus.CounterVec
	SendDuration         prometheus.Histogram
	EventsDeliveredTotal *prometheus.CounterVec

	// Engine state
	BackoffSeconds    prometheus.Gauge
	PendingEvents     *prometheus.GaugeVec
	QuotaUsedBytes    prometheus.Gauge
	PurgedEventsTotal prometheus.Counter
}

// NewMetrics creates and registers all pipeline metrics against reg. A nil
// reg lands the metrics in a private registry, which keeps embedding
// applications (and tests) free of global-registry collisions.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		EventsEnqueuedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tracker",
			Subsystem: "events",
			Name:      "enqueued_total",
			Help:      "Total number of events accepted into the durable store",
		}, []string{"policy"}),
		EventsDroppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tracker",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Total number of events dropped before or after storage",
		}, []string{"reason"}),
		InsertDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tracker",
			Subsystem: "events",
			Name:      "insert_duration_seconds",
			Help:      "Histogram of durable store insert durations",
			Buckets:   prometheus.DefBuckets,
		}),
		BatchesSentTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tracker",
			Subsystem: "dispatch",
			Name:      "batches_sent_total",
			Help:      "Total number of successfully delivered batches",
		}, []string{"policy"}),
		BatchesRejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tracker",
			Subsystem: "dispatch",
			Name:      "batches_rejected_total",
			Help:      "Total number of batches permanently rejected by the server",
		}, []string{"policy"}),
		SendFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tracker",
			Subsystem: "dispatch",
			Name:      "send_failures_total",
			Help:      "Total number of failed upload attempts by class",
		}, []string{"class"}),
		BytesSentTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tracker",
			Subsystem: "dispatch",
			Name:      "bytes_sent_total",
			Help:      "Total bytes uploaded by network type",
		}, []string{"network"}),
		SendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tracker",
			Subsystem: "dispatch",
			Name:      "send_duration_seconds",
			Help:      "Histogram of upload round-trip durations",
			Buckets:   prometheus.DefBuckets,
		}),
		EventsDeliveredTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tracker",
			Subsystem: "dispatch",
			Name:      "events_delivered_total",
			Help:      "Total number of events delivered to the collector",
		}, []string{"policy"}),
		BackoffSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tracker",
			Subsystem: "dispatch",
			Name:      "backoff_seconds",
			Help:      "Current retry backoff interval; zero at steady state",
		}),
		PendingEvents: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tracker",
			Subsystem: "dispatch",
			Name:      "pending_events",
			Help:      "Events awaiting delivery by policy",
		}, []string{"policy"}),
		QuotaUsedBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tracker",
			Subsystem: "quota",
			Name:      "used_bytes",
			Help:      "Cellular bytes consumed in the current daily bucket",
		}),
		PurgedEventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tracker",
			Subsystem: "events",
			Name:      "purged_total",
			Help:      "Total number of events removed by the age purge",
		}),
	}
}

// RecordEnqueued records an accepted event
func (m *Metrics) RecordEnqueued(policy string, duration float64) {
	m.EventsEnqueuedTotal.WithLabelValues(policy).Inc()
	m.InsertDuration.Observe(duration)
}

// RecordDropped records a dropped event
func (m *Metrics) RecordDropped(reason string) {
	m.EventsDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordBatchSent records a delivered batch
func (m *Metrics) RecordBatchSent(policy string, events int, network string, bytes int64, duration float64) {
	m.BatchesSentTotal.WithLabelValues(policy).Inc()
	m.EventsDeliveredTotal.WithLabelValues(policy).Add(float64(events))
	m.BytesSentTotal.WithLabelValues(network).Add(float64(bytes))
	m.SendDuration.Observe(duration)
}

// RecordBatchRejected records a permanently rejected batch
func (m *Metrics) RecordBatchRejected(policy string) {
	m.BatchesRejectedTotal.WithLabelValues(policy).Inc()
}

// RecordSendFailure records a failed upload attempt
func (m *Metrics) RecordSendFailure(class string) {
	m.SendFailuresTotal.WithLabelValues(class).Inc()
}

// UpdateBackoff updates the backoff gauge
func (m *Metrics) UpdateBackoff(seconds float64) {
	m.BackoffSeconds.Set(seconds)
}

// UpdatePending updates the pending-events gauge for one policy
func (m *Metrics) UpdatePending(policy string, count int64) {
	m.PendingEvents.WithLabelValues(policy).Set(float64(count))
}

// UpdateQuotaUsed updates the quota gauge
func (m *Metrics) UpdateQuotaUsed(bytes int64) {
	m.QuotaUsedBytes.Set(float64(bytes))
}

// RecordPurged records events removed by the age purge
func (m *Metrics) RecordPurged(count int64) {
	m.PurgedEventsTotal.Add(float64(count))
}
