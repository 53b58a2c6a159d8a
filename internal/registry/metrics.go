// Package registry exposes Prometheus instrumentation for the presence
// core.
package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	groupsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "loft",
		Subsystem: "registry",
		Name:      "groups_active",
		Help:      "Number of groups with at least one open connection.",
	})

	connectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "loft",
		Subsystem: "registry",
		Name:      "connections_active",
		Help:      "Number of open WebSocket connections.",
	})

	presenceEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loft",
		Subsystem: "registry",
		Name:      "presence_events_total",
		Help:      "Presence transitions broadcast to groups.",
	}, []string{"event"})

	kicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "loft",
		Subsystem: "registry",
		Name:      "kicks_total",
		Help:      "Kick operations issued against the registry.",
	})
)
