package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "taskpay",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of conservation audit runs in seconds.",
		Buckets:   []float64{0.01, 0.1, 0.5, 1, 2.5, 5, 10, 30},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taskpay",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Audit runs that could not load wallet figures.",
	})
)

func init() {
	prometheus.MustRegister(reconcileDuration, reconcileErrors)
}
