package executor

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for staged execution.
type Metrics struct {
	StepOutcomes *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec
	StageWidth   prometheus.Histogram
}

// NewMetrics registers the executor metrics once per process.
//
// Metrics:
//   - concierge_step_outcomes_total{specialist,status}
//   - concierge_step_duration_seconds{specialist}
//   - concierge_stage_width - steps run concurrently per stage
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			StepOutcomes: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "concierge_step_outcomes_total",
					Help: "Total number of resolved plan steps by specialist and status",
				},
				[]string{"specialist", "status"},
			),
			StepDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "concierge_step_duration_seconds",
					Help:    "Duration of specialist steps in seconds",
					Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
				},
				[]string{"specialist"},
			),
			StageWidth: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "concierge_stage_width",
					Help:    "Number of steps executed concurrently in a stage",
					Buckets: prometheus.LinearBuckets(1, 1, 10),
				},
			),
		}
	})
	return globalMetrics
}
