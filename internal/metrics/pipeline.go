// Package metrics provides Prometheus metrics for the detection pipeline and
// the ingestion consumer.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"anpr-parking/internal/consensus"
)

// PipelineMetrics tracks what the consensus engine does with each reading.
type PipelineMetrics struct {
	Frames         prometheus.Counter
	Readings       *prometheus.CounterVec
	VehicleChanges *prometheus.CounterVec
	Published      prometheus.Counter
	PublishErrors  prometheus.Counter
}

// NewPipelineMetrics creates and registers the pipeline metrics.
func NewPipelineMetrics(registry prometheus.Registerer, camera string) (*PipelineMetrics, error) {
	labels := prometheus.Labels{"camera": camera}
	m := &PipelineMetrics{
		Frames: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "anpr_frames_processed_total",
			Help:        "Total number of frames run through detection",
			ConstLabels: labels,
		}),
		Readings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "anpr_plate_readings_total",
			Help:        "Plate readings by consensus outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		VehicleChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "anpr_vehicle_changes_total",
			Help:        "Session resets caused by a new vehicle",
			ConstLabels: labels,
		}, []string{"session"}),
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "anpr_entries_published_total",
			Help:        "Confirmed entry events handed to the channel",
			ConstLabels: labels,
		}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "anpr_publish_errors_total",
			Help:        "Confirmed entry events the channel refused",
			ConstLabels: labels,
		}),
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
	}
	return m, nil
}

func (m *PipelineMetrics) ReadingObserved(outcome consensus.Outcome) {
	m.Readings.WithLabelValues(outcome.String()).Inc()
}

func (m *PipelineMetrics) VehicleChanged(session string) {
	m.VehicleChanges.WithLabelValues(session).Inc()
}

// Describe implements prometheus.Collector.
func (m *PipelineMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Frames.Describe(ch)
	m.Readings.Describe(ch)
	m.VehicleChanges.Describe(ch)
	m.Published.Describe(ch)
	m.PublishErrors.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *PipelineMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Frames.Collect(ch)
	m.Readings.Collect(ch)
	m.VehicleChanges.Collect(ch)
	m.Published.Collect(ch)
	m.PublishErrors.Collect(ch)
}
