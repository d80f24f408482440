package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricWSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "browserd",
		Subsystem: "server",
		Name:      "websocket_clients",
		Help:      "Connected event stream clients.",
	})

	metricWSMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "browserd",
		Subsystem: "server",
		Name:      "websocket_messages_total",
		Help:      "Inbound WebSocket control messages by action.",
	}, []string{"action"})

	metricSessionRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "browserd",
		Subsystem: "server",
		Name:      "session_requests_total",
		Help:      "Session API requests by operation and outcome.",
	}, []string{"op", "outcome"})
)
