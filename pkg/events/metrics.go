package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "browserd",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Events published to the bus by type.",
	}, []string{"type"})

	metricSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "browserd",
		Subsystem: "events",
		Name:      "subscriptions",
		Help:      "Active subscriptions.",
	})

	metricConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "browserd",
		Subsystem: "events",
		Name:      "connections",
		Help:      "Registered event connections.",
	})

	metricSlowConsumers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "browserd",
		Subsystem: "events",
		Name:      "slow_consumers_total",
		Help:      "Connections dropped because their outbound buffer filled.",
	})
)
