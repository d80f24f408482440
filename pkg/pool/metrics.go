package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricInstances = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "browserd",
		Subsystem: "pool",
		Name:      "instances",
		Help:      "Live browser instances.",
	})

	metricContexts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "browserd",
		Subsystem: "pool",
		Name:      "contexts",
		Help:      "Leased execution contexts.",
	})

	metricLaunches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "browserd",
		Subsystem: "pool",
		Name:      "launches_total",
		Help:      "Browser instances launched.",
	})

	metricLaunchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "browserd",
		Subsystem: "pool",
		Name:      "launch_failures_total",
		Help:      "Browser launch attempts that failed.",
	})

	metricEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "browserd",
		Subsystem: "pool",
		Name:      "evictions_total",
		Help:      "Instances evicted after sitting idle.",
	})

	metricRecycled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "browserd",
		Subsystem: "pool",
		Name:      "recycled_total",
		Help:      "Instances recycled after breaching resource thresholds.",
	})
)
