package queuehub

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricsNamespace = "queuehub"

	// Outcome label values for messages_processed_total
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// Metrics records publish and delivery outcomes. A nil *Metrics is a no-op.
type Metrics struct {
	published       *prometheus.CounterVec
	publishFailures *prometheus.CounterVec
	processed       *prometheus.CounterVec
	retried         *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	purged          prometheus.Counter
}

// NewMetrics creates the service metrics and registers them with reg.
// Returns an error if any metric registration fails.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "messages_published_total",
			Help:      "Total messages accepted by the provider, by queue",
		}, []string{"queue"}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "publish_failures_total",
			Help:      "Total publishes the provider refused or could not reach, by queue",
		}, []string{"queue"}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "messages_processed_total",
			Help:      "Total handler invocations by queue and outcome",
		}, []string{"queue", "outcome"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "messages_retried_total",
			Help:      "Total explicit retries, by queue",
		}, []string{"queue"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Name:      "handler_duration_seconds",
			Help:      "Handler execution time in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"queue"}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "queues_purged_total",
			Help:      "Total queue purges",
		}),
	}

	err := errors.Join(
		reg.Register(m.published),
		reg.Register(m.publishFailures),
		reg.Register(m.processed),
		reg.Register(m.retried),
		reg.Register(m.handlerDuration),
		reg.Register(m.purged),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// IncPublished counts a message accepted by the provider
func (m *Metrics) IncPublished(queue string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(queue).Inc()
}

// IncPublishFailure counts a publish the provider refused
func (m *Metrics) IncPublishFailure(queue string) {
	if m == nil {
		return
	}
	m.publishFailures.WithLabelValues(queue).Inc()
}

// ObserveHandler records one handler invocation and how long it took.
func (m *Metrics) ObserveHandler(queue string, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(queue, outcome).Inc()
	m.handlerDuration.WithLabelValues(queue).Observe(d.Seconds())
}

// IncRetried counts a manual retry
func (m *Metrics) IncRetried(queue string) {
	if m == nil {
		return
	}
	m.retried.WithLabelValues(queue).Inc()
}

// IncPurged counts a queue purge
func (m *Metrics) IncPurged() {
	if m == nil {
		return
	}
	m.purged.Inc()
}
