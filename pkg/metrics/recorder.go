// Package metrics exposes the router's counters and gauges. Components depend
// on the Recorder interface; NoopRecorder is the default and
// PrometheusRecorder backs the /metrics endpoint.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives the facts the engine emits.
type Recorder interface {
	// RecordPublished records an envelope appended to a partition.
	RecordPublished(eventType string, partitionID int, mapped bool)
	// RecordDelivery records one completed (consumer, envelope) delivery.
	RecordDelivery(consumer, eventType string, success bool, duration time.Duration)
	// RecordDeadLetter records a delivery entering the dead-letter set.
	RecordDeadLetter(consumer string)
	// RecordRetry records the outcome of one dead-letter retry.
	RecordRetry(consumer string, success bool)
	// RecordNotification records an escalation send attempt.
	RecordNotification(success bool)
	// RecordPartition records a partition's status and backlog after a health tick.
	RecordPartition(partitionID int, status string, backlog, load int)
	// RecordConsumerStatus records how many consumers are in a status.
	RecordConsumerStatus(status string, count int)
	// RecordDeadLetterDepth records the number of entries per disposition.
	RecordDeadLetterDepth(disposition string, count int)
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

func (NoopRecorder) RecordPublished(string, int, bool)                  {}
func (NoopRecorder) RecordDelivery(string, string, bool, time.Duration) {}
func (NoopRecorder) RecordDeadLetter(string)                            {}
func (NoopRecorder) RecordRetry(string, bool)                           {}
func (NoopRecorder) RecordNotification(bool)                            {}
func (NoopRecorder) RecordPartition(int, string, int, int)              {}
func (NoopRecorder) RecordConsumerStatus(string, int)                   {}
func (NoopRecorder) RecordDeadLetterDepth(string, int)                  {}

// partitionStatuses are exported as a one-hot gauge per partition.
var partitionStatuses = []string{"active", "degraded", "offline"}

// PrometheusRecorder implements Recorder on a private registry so several
// engines (and tests) can coexist in one process.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	published        *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	deliveryLatency  *prometheus.HistogramVec
	deadLetters      *prometheus.CounterVec
	retries          *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	partitionStatus  *prometheus.GaugeVec
	partitionBacklog *prometheus.GaugeVec
	partitionLoad    *prometheus.GaugeVec
	consumers        *prometheus.GaugeVec
	deadLetterDepth  *prometheus.GaugeVec
}

// NewPrometheusRecorder creates and registers every collector under namespace.
func NewPrometheusRecorder(namespace string) *PrometheusRecorder {
	if namespace == "" {
		namespace = "eventrouter"
	}
	p := &PrometheusRecorder{registry: prometheus.NewRegistry()}

	p.published = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Envelopes appended to a partition log",
		},
		[]string{"event_type", "partition", "mapped"},
	)
	p.deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Completed consumer deliveries",
		},
		[]string{"consumer", "event_type", "success"},
	)
	p.deliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Consumer delivery time including modelled processing delay",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"consumer"},
	)
	p.deadLetters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Deliveries that entered the dead-letter set",
		},
		[]string{"consumer"},
	)
	p.retries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letter_retries_total",
			Help:      "Dead-letter retry attempts",
		},
		[]string{"consumer", "success"},
	)
	p.notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalation_notifications_total",
			Help:      "Escalation notification send attempts",
		},
		[]string{"success"},
	)
	p.partitionStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "partition_status",
			Help:      "1 for the partition's current status, 0 otherwise",
		},
		[]string{"partition", "status"},
	)
	p.partitionBacklog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "partition_backlog",
			Help:      "Envelopes not yet delivered to every matching consumer",
		},
		[]string{"partition"},
	)
	p.partitionLoad = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "partition_load",
			Help:      "Envelopes appended within the load window",
		},
		[]string{"partition"},
	)
	p.consumers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumers",
			Help:      "Registered consumers by liveness status",
		},
		[]string{"status"},
	)
	p.deadLetterDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dead_letter_entries",
			Help:      "Dead-letter entries by disposition",
		},
		[]string{"disposition"},
	)

	p.registry.MustRegister(
		p.published,
		p.deliveries,
		p.deliveryLatency,
		p.deadLetters,
		p.retries,
		p.notifications,
		p.partitionStatus,
		p.partitionBacklog,
		p.partitionLoad,
		p.consumers,
		p.deadLetterDepth,
	)
	return p
}

// Registry returns the private registry, mainly for tests.
func (p *PrometheusRecorder) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *PrometheusRecorder) RecordPublished(eventType string, partitionID int, mapped bool) {
	p.published.WithLabelValues(eventType, strconv.Itoa(partitionID), strconv.FormatBool(mapped)).Inc()
}

func (p *PrometheusRecorder) RecordDelivery(consumer, eventType string, success bool, duration time.Duration) {
	p.deliveries.WithLabelValues(consumer, eventType, strconv.FormatBool(success)).Inc()
	p.deliveryLatency.WithLabelValues(consumer).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) RecordDeadLetter(consumer string) {
	p.deadLetters.WithLabelValues(consumer).Inc()
}

func (p *PrometheusRecorder) RecordRetry(consumer string, success bool) {
	p.retries.WithLabelValues(consumer, strconv.FormatBool(success)).Inc()
}

func (p *PrometheusRecorder) RecordNotification(success bool) {
	p.notifications.WithLabelValues(strconv.FormatBool(success)).Inc()
}

func (p *PrometheusRecorder) RecordPartition(partitionID int, status string, backlog, load int) {
	id := strconv.Itoa(partitionID)
	for _, s := range partitionStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		p.partitionStatus.WithLabelValues(id, s).Set(v)
	}
	p.partitionBacklog.WithLabelValues(id).Set(float64(backlog))
	p.partitionLoad.WithLabelValues(id).Set(float64(load))
}

func (p *PrometheusRecorder) RecordConsumerStatus(status string, count int) {
	p.consumers.WithLabelValues(status).Set(float64(count))
}

func (p *PrometheusRecorder) RecordDeadLetterDepth(disposition string, count int) {
	p.deadLetterDepth.WithLabelValues(disposition).Set(float64(count))
}
