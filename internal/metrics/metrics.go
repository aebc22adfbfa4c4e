// Package metrics provides Prometheus instrumentation for ProbeHub.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probehub_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "probehub_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Connection metrics.
var (
	ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "probehub_connected_agents",
		Help: "Number of agents with a live transport on this replica.",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "probehub_active_terminal_sessions",
		Help: "Number of active terminal sessions on this replica.",
	})

	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probehub_frames_total",
		Help: "Total frames processed, by type and direction.",
	}, []string{"type", "direction"})

	TransportCloses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probehub_transport_closes_total",
		Help: "Agent transport closes, by reason.",
	}, []string{"reason"})
)

// Inventory and directory metrics.
var (
	InventorySnapshots = promauto.NewCounter(prometheus.CounterOpts{
		Name: "probehub_inventory_snapshots_total",
		Help: "Inventory snapshots accepted and durably stored.",
	})

	InventoryRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probehub_inventory_rejected_total",
		Help: "Inventory snapshots rejected, by reason.",
	}, []string{"reason"})

	DirectoryEnvelopes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probehub_directory_envelopes_total",
		Help: "Cross-replica envelopes, by kind and direction.",
	}, []string{"kind", "direction"})

	DirectoryErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "probehub_directory_errors_total",
		Help: "Presence directory operations that failed.",
	})
)
