package conversation

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for conversations.
type Metrics struct {
	Events       *prometheus.CounterVec
	Turns        *prometheus.CounterVec
	TurnDuration prometheus.Histogram
	Drivers      prometheus.Gauge
}

// NewMetrics registers the conversation metrics once per process.
//
// Metrics:
//   - concierge_conversation_events_total{type}
//   - concierge_turns_total{result} - replied, suspended, planning_failed, synthesis_failed
//   - concierge_turn_duration_seconds
//   - concierge_active_turns
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			Events: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "concierge_conversation_events_total",
					Help: "Total number of conversation events committed by type",
				},
				[]string{"type"},
			),
			Turns: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "concierge_turns_total",
					Help: "Total number of turns by how they ended",
				},
				[]string{"result"},
			),
			TurnDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "concierge_turn_duration_seconds",
					Help:    "Time a driver spent on a turn until it replied or suspended",
					Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
				},
			),
			Drivers: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "concierge_active_turns",
					Help: "Number of tickets currently being driven by this process",
				},
			),
		}
	})
	return globalMetrics
}
