package oracle

import "github.com/prometheus/client_golang/prometheus"

var (
	targetsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "skinsettle",
		Subsystem: "oracle",
		Name:      "watch_targets",
		Help:      "Settlements currently watched for delivery.",
	})

	checksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skinsettle",
		Subsystem: "oracle",
		Name:      "checks_total",
		Help:      "Per-target inventory checks by outcome.",
	}, []string{"outcome"})

	resolutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skinsettle",
		Subsystem: "oracle",
		Name:      "resolutions_total",
		Help:      "Watch targets retired, by result.",
	}, []string{"result"})

	tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "skinsettle",
		Subsystem: "oracle",
		Name:      "tick_duration_seconds",
		Help:      "Time to check every active target once.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})
)

func init() {
	prometheus.MustRegister(targetsGauge, checksTotal, resolutionsTotal, tickDuration)
}
