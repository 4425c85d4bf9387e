package tracing

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the evaluation path.
type Metrics struct {
	EvaluationsTotal *prometheus.CounterVec
}

// NewMetrics registers the tracing metrics once per process.
//
// Metrics:
//   - concierge_evaluations_total{result} - submitted, dropped or error
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			EvaluationsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "concierge_evaluations_total",
					Help: "Total number of turn evaluations by result",
				},
				[]string{"result"},
			),
		}
	})
	return globalMetrics
}
