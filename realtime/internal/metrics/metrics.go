package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Websocket client metrics
	Connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledgerwatch_realtime_connections",
			Help: "Number of open websocket connections",
		},
	)

	RoomJoins = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledgerwatch_realtime_room_joins_total",
			Help: "Total number of join_company requests accepted",
		},
	)

	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerwatch_realtime_events_emitted_total",
			Help: "Total number of events written to client send buffers",
		},
		[]string{"event"},
	)

	SlowClientsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledgerwatch_realtime_slow_clients_dropped_total",
			Help: "Total number of clients disconnected because their send buffer was full",
		},
	)

	// Bus bridge metrics
	BusMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerwatch_realtime_bus_messages_total",
			Help: "Total number of pub/sub messages received",
		},
		[]string{"channel", "outcome"},
	)

	Resubscribes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledgerwatch_realtime_resubscribes_total",
			Help: "Total number of pub/sub resubscription attempts after a dropped connection",
		},
	)
)
