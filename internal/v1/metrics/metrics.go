package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the live interaction server.
//
// Naming convention: namespace_subsystem_name
// - namespace: live_interaction (application-level grouping)
// - subsystem: websocket, room, engine, recovery (feature-level grouping)
//
// Metric types:
// - Gauge: current state (connections, rooms, participants)
// - Counter: cumulative events (actions processed, recoveries)
// - Histogram: latency distributions (action processing time)

var (
	// ActiveWebSocketConnections tracks currently open subscription connections.
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "live_interaction",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of live rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "live_interaction",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomParticipants tracks the participant count per room.
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "live_interaction",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of participants in each room",
	}, []string{"interaction_id"})

	// GameEvents counts events pushed to the broadcaster by type and status.
	GameEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "live_interaction",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total game events broadcast",
	}, []string{"event_type", "status"})

	// ActionProcessingDuration tracks time spent processing turn actions.
	ActionProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "live_interaction",
		Subsystem: "engine",
		Name:      "action_processing_seconds",
		Help:      "Time spent validating and applying turn actions",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"action_type"})

	// RecoveryActions counts recovery strategy executions by strategy and outcome.
	RecoveryActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "live_interaction",
		Subsystem: "recovery",
		Name:      "actions_total",
		Help:      "Total error recovery strategy executions",
	}, []string{"strategy", "outcome"})

	// RateLimitExceeded counts rejected requests by path and limit type.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "live_interaction",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Total requests rejected by rate limiting",
	}, []string{"path", "limit_type"})

	// CircuitBreakerState reports the persistence breaker state (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "live_interaction",
		Subsystem: "persistence",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state: 0=closed, 1=open, 2=half-open",
	}, []string{"service"})

	// PersistenceFailures counts failed persistence operations by op.
	PersistenceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "live_interaction",
		Subsystem: "persistence",
		Name:      "failures_total",
		Help:      "Total failed persistence operations",
	}, []string{"op"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
