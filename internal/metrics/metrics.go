package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	syncOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptsync",
			Name:      "sync_operations_total",
			Help:      "Processed sync operations by result.",
		},
		[]string{"result"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "promptsync",
			Name:      "queue_depth",
			Help:      "Pending operations in the sync queue.",
		},
	)

	batchDuration = prometheus.NewSummary(
		prometheus.SummaryOpts{
			Namespace: "promptsync",
			Name:      "batch_duration_seconds",
			Help:      "Duration of sync batches.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(syncOps, queueDepth, batchDuration)
	})
}

// IncOp counts a processed operation: success, failed or conflict.
func IncOp(result string) {
	syncOps.WithLabelValues(result).Inc()
}

// SetQueueDepth records the current queue length.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// ObserveBatch records one batch duration in seconds.
func ObserveBatch(seconds float64) {
	batchDuration.Observe(seconds)
}
