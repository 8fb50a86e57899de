// Package metrics defines Prometheus metrics for observing the tunnel
// agent: reconciliation cycles, tunnel lifecycle operations, SSH
// connection health, and Docker event processing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "preevy"

var (
	// BuildInfo exposes build metadata as a constant gauge.
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build information about the tunnel agent.",
	}, []string{"version", "go_version"})

	// ReconciliationsTotal counts reconciliation cycles by outcome.
	ReconciliationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconciliations_total",
		Help:      "Total number of reconciliation cycles, by status.",
	}, []string{"status"})

	// ReconciliationDuration observes how long reconciliation cycles take.
	ReconciliationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "reconciliation_duration_seconds",
		Help:      "Duration of reconciliation cycles in seconds.",
		Buckets:   prometheus.DefBuckets,
	})

	// ServicesDesired tracks the size of the last desired service set.
	ServicesDesired = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "services_desired",
		Help:      "Number of services in the most recent desired snapshot.",
	})

	// TunnelsActive tracks the number of currently active tunnels.
	TunnelsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tunnels_active",
		Help:      "Number of tunnels currently active.",
	})

	// TunnelsFailed tracks the number of tunnels in the failed state.
	TunnelsFailed = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tunnels_failed",
		Help:      "Number of tunnels currently failed.",
	})

	// TunnelOpsTotal counts tunnel open/close operations by outcome.
	TunnelOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tunnel_ops_total",
		Help:      "Total number of tunnel operations, by operation and status.",
	}, []string{"op", "status"})

	// SSHConnected reports whether the SSH connection is currently up.
	SSHConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ssh_connected",
		Help:      "Whether the SSH connection to the tunnel server is up (1) or down (0).",
	})

	// SSHReconnectsTotal counts re-established SSH connections.
	SSHReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ssh_reconnects_total",
		Help:      "Total number of times the SSH connection was re-established after a drop.",
	})

	// DockerEventsProcessed counts Docker events received by the watcher.
	DockerEventsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "docker_events_processed_total",
		Help:      "Total number of Docker events received.",
	})

	// DockerWatcherReconnects counts event stream resubscriptions.
	DockerWatcherReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "docker_watcher_reconnects_total",
		Help:      "Total number of Docker event stream reconnections.",
	})

	// SnapshotsDelivered counts service snapshots handed to the reconciler.
	SnapshotsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshots_delivered_total",
		Help:      "Total number of service snapshots delivered after debounce.",
	})
)

// SetBuildInfo records build metadata. Call once at startup.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}
