package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "reflect",
		Subsystem: "realtime",
		Name:      "active_connections",
		Help:      "Websocket sessions currently registered",
	})

	connectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reflect",
		Subsystem: "realtime",
		Name:      "connections_total",
		Help:      "Websocket handshakes by outcome",
	}, []string{"outcome"})

	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reflect",
		Subsystem: "realtime",
		Name:      "messages_received_total",
		Help:      "Inbound frames by event",
	}, []string{"event"})

	broadcastsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "reflect",
		Subsystem: "realtime",
		Name:      "broadcasts_total",
		Help:      "Envelopes queued to local sessions",
	})

	editFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "reflect",
		Subsystem: "realtime",
		Name:      "edit_failures_total",
		Help:      "updateLibrary events that were not applied",
	})

	slowClientsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "reflect",
		Subsystem: "realtime",
		Name:      "slow_clients_dropped_total",
		Help:      "Sessions closed because their send buffer was full",
	})
)
