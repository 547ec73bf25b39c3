package steam

import "github.com/prometheus/client_golang/prometheus"

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skinsettle",
		Subsystem: "steam",
		Name:      "requests_total",
		Help:      "Steam HTTP requests by endpoint and outcome kind.",
	}, []string{"endpoint", "outcome"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "skinsettle",
		Subsystem: "steam",
		Name:      "request_duration_seconds",
		Help:      "Steam HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"endpoint"})

	quotaUsed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "skinsettle",
		Subsystem: "steam",
		Name:      "quota_used",
		Help:      "Requests consumed from the daily quota.",
	})

	staleServed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "skinsettle",
		Subsystem: "steam",
		Name:      "stale_snapshots_served_total",
		Help:      "Inventory fetches answered from cache instead of a live request.",
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, quotaUsed, staleServed)
}
