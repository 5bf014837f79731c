package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// IngestMetrics tracks the ingestion consumer.
type IngestMetrics struct {
	Messages    *prometheus.CounterVec
	Retries     prometheus.Counter
	DeadLetters *prometheus.CounterVec
	Latency     prometheus.Histogram
}

// NewIngestMetrics creates and registers the ingestion metrics.
func NewIngestMetrics(registry prometheus.Registerer) (*IngestMetrics, error) {
	m := &IngestMetrics{
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_messages_total",
			Help: "Entry messages processed, by result",
		}, []string{"result"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_retries_total",
			Help: "Persistence attempts retried after a transient error",
		}),
		DeadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_dead_letters_total",
			Help: "Entry messages moved to the dead letter store, by reason",
		}, []string{"reason"}),
		Latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_processing_seconds",
			Help:    "Time from delivery to acknowledgement",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register ingest metrics: %w", err)
	}
	return m, nil
}

func (m *IngestMetrics) ObserveResult(result string, started time.Time) {
	m.Messages.WithLabelValues(result).Inc()
	m.Latency.Observe(time.Since(started).Seconds())
}

func (m *IngestMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Messages.Describe(ch)
	m.Retries.Describe(ch)
	m.DeadLetters.Describe(ch)
	m.Latency.Describe(ch)
}

func (m *IngestMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Messages.Collect(ch)
	m.Retries.Collect(ch)
	m.DeadLetters.Collect(ch)
	m.Latency.Collect(ch)
}
