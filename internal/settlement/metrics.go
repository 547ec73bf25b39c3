package settlement

import "github.com/prometheus/client_golang/prometheus"

var (
	startedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "skinsettle",
		Subsystem: "settlement",
		Name:      "started_total",
		Help:      "Settlements created.",
	})

	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skinsettle",
		Subsystem: "settlement",
		Name:      "transitions_total",
		Help:      "State transitions by target state.",
	}, []string{"state"})

	failuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skinsettle",
		Subsystem: "settlement",
		Name:      "failures_total",
		Help:      "Settlements ended in failed, by reason.",
	}, []string{"reason"})

	confirmFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "skinsettle",
		Subsystem: "settlement",
		Name:      "confirm_failures_total",
		Help:      "Delivery confirmation submissions that failed.",
	})

	confirmsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "skinsettle",
		Subsystem: "settlement",
		Name:      "confirms_dropped_total",
		Help:      "Delivery confirmations left to the sweep because the queue was full.",
	})

	stepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "skinsettle",
		Subsystem: "settlement",
		Name:      "step_duration_seconds",
		Help:      "Duration of settlement steps.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"step"})
)

func init() {
	prometheus.MustRegister(startedTotal, transitionsTotal, failuresTotal, confirmFailures, confirmsDropped, stepDuration)
}
