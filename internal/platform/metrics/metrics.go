package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "labstore"

type Metrics struct {
	Operations      *prometheus.CounterVec
	Duration        *prometheus.HistogramVec
	Backordered     *prometheus.CounterVec
	LineErrors      *prometheus.CounterVec
	EventsDropped   prometheus.Counter
	EventsPublished *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Fulfillment operations by outcome.",
		}, []string{"operation", "outcome"}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency of fulfillment operations including the storage transaction.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		Backordered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backordered_units_total",
			Help:      "Units that could not be allocated or dispatched.",
		}, []string{"operation"}),
		LineErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "line_errors_total",
			Help:      "Request lines skipped by an operation.",
		}, []string{"operation"}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Request events dropped because the publish queue was full.",
		}),
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Request events handed to the broker.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) ObserveOperation(operation, outcome string, elapsed time.Duration) {
	m.Operations.WithLabelValues(operation, outcome).Inc()
	m.Duration.WithLabelValues(operation).Observe(elapsed.Seconds())
}
