// Package metrics holds the prometheus collectors of the service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Slot outcomes
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

// Batch outcomes
const (
	BatchSucceeded = "succeeded"
	BatchPartial   = "partial"
	BatchFailed    = "failed"
)

var (
	// Registry collects everything exported at /metrics. A dedicated registry
	// keeps collectors of imported libraries out of the output.
	Registry = prometheus.NewRegistry()

	slotsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamgen_slots_total",
			Help: "Total number of settled generation slots, partitioned by mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)
	streamDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "streamgen_stream_duration_seconds",
			Help:    "Time from request to final image for one slot.",
			Buckets: []float64{1, 2.5, 5, 10, 20, 40, 60, 120, 240},
		},
		[]string{"mode"},
	)
	partialImages = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Name: "streamgen_partial_images_total",
			Help: "Total number of partial preview images delivered to callers.",
		},
	)
	costCents = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamgen_cost_cents_total",
			Help: "Accumulated cost of persisted images in cents.",
		},
		[]string{"mode", "quality"},
	)
	batchesTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamgen_batches_total",
			Help: "Total number of finished batches, partitioned by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// ObserveSlot records one settled slot
func ObserveSlot(mode string, err error, elapsed time.Duration) {
	outcome := OutcomeSucceeded
	if err != nil {
		outcome = OutcomeFailed
	}
	slotsTotal.WithLabelValues(mode, outcome).Inc()
	streamDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
}

// IncPartialImages counts one delivered preview
func IncPartialImages() {
	partialImages.Inc()
}

// AddCost accumulates the cost of a persisted image
func AddCost(mode, quality string, cents int) {
	costCents.WithLabelValues(mode, quality).Add(float64(cents))
}

// ObserveBatch records the outcome of a finished batch
func ObserveBatch(persisted, failed int) {
	switch {
	case persisted == 0:
		batchesTotal.WithLabelValues(BatchFailed).Inc()
	case failed > 0:
		batchesTotal.WithLabelValues(BatchPartial).Inc()
	default:
		batchesTotal.WithLabelValues(BatchSucceeded).Inc()
	}
}
