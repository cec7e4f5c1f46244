package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	wsConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulse_ws_connections_active",
			Help: "Currently open websocket sessions",
		},
	)

	wsConnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_ws_connects_total",
			Help: "Total websocket session opens",
		},
		[]string{"client_type"}, // "widget" or "dashboard"
	)

	commandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_ws_commands_total",
			Help: "Total client commands processed",
		},
		[]string{"action", "status"},
	)

	broadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_broadcasts_total",
			Help: "Total events delivered to member send queues",
		},
		[]string{"event_type"},
	)

	broadcastDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_broadcast_drops_total",
			Help: "Events dropped because a member send queue was full",
		},
		[]string{"event_type"},
	)

	claimConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_claim_conflicts_total",
			Help: "Claim attempts rejected because another agent won",
		},
	)

	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_ws_rate_limit_hits_total",
			Help: "Commands rejected by the per-connection rate limiter",
		},
	)
)
