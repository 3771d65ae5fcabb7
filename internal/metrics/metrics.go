// Package metrics exposes the controller's prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DiscoveryCycles counts completed SSDP discovery cycles by outcome.
	DiscoveryCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beamcast_discovery_cycles_total",
		Help: "Completed SSDP discovery cycles by result",
	}, []string{"result"})

	// DevicesConnected tracks registered devices by status.
	DevicesConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "beamcast_devices",
		Help: "Registered devices by status",
	}, []string{"status"})

	// Assignments counts assignment decisions.
	Assignments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beamcast_assignments_total",
		Help: "Assignment decisions by outcome (accepted, refused, scheduled, failed)",
	}, []string{"outcome"})

	// SOAPActions counts AVTransport actions by name and result.
	SOAPActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beamcast_soap_actions_total",
		Help: "AVTransport SOAP actions sent, by action and result",
	}, []string{"action", "result"})

	// LoopRestarts counts loop-monitor restart attempts by strategy.
	LoopRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beamcast_loop_restarts_total",
		Help: "Loop monitor restart attempts by strategy (seek, reset) and result",
	}, []string{"strategy", "result"})

	// SessionsActive tracks live streaming sessions.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "beamcast_sessions_active",
		Help: "Streaming sessions currently active",
	})

	// BytesServed counts bytes streamed to renderers.
	BytesServed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beamcast_bytes_served_total",
		Help: "Bytes of media served to renderers",
	})

	// SessionStalls counts sessions that crossed the inactivity threshold.
	SessionStalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beamcast_session_stalls_total",
		Help: "Streaming sessions marked stalled",
	})
)
