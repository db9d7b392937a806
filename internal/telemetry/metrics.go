package telemetry

import "github.com/prometheus/client_golang/prometheus"

// HTTPRequestDuration records HTTP handler latency, labelled by method/path/status.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "filepilot",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"method", "path", "status"},
)

// --- Scan Engine (C3) ---

var ScansStartedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "filepilot",
		Subsystem: "scan",
		Name:      "started_total",
		Help:      "Total number of scans admitted by the job registry.",
	},
)

var ScansCompletedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "filepilot",
		Subsystem: "scan",
		Name:      "completed_total",
		Help:      "Total number of scans that reached a terminal status, by status.",
	},
	[]string{"status"},
)

var ScanFilesSeenTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "filepilot",
		Subsystem: "scan",
		Name:      "files_seen_total",
		Help:      "Total number of file records observed across all scans.",
	},
)

var ScanCheckpointDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "filepilot",
		Subsystem: "scan",
		Name:      "checkpoint_write_duration_seconds",
		Help:      "Duration of checkpoint persistence writes.",
		Buckets:   prometheus.DefBuckets,
	},
)

// --- Duplicate Engine (C4) ---

var DuplicateGroupsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "filepilot",
		Subsystem: "duplicate",
		Name:      "groups_total",
		Help:      "Total number of duplicate groups produced, by match kind.",
	},
	[]string{"match_kind"},
)

var DuplicateBytesReclaimable = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "filepilot",
		Subsystem: "duplicate",
		Name:      "reclaimable_bytes",
		Help:      "Reclaimable bytes per duplicate-detection run.",
		Buckets:   prometheus.ExponentialBuckets(1<<20, 4, 10),
	},
)

var DuplicateContentHashBytesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "filepilot",
		Subsystem: "duplicate",
		Name:      "content_hash_bytes_total",
		Help:      "Total bytes downloaded for content hashing across all runs.",
	},
)

// --- Action Engine (C6) ---

var ActionProposalsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "filepilot",
		Subsystem: "action",
		Name:      "proposals_total",
		Help:      "Total number of executed proposals, by kind and outcome.",
	},
	[]string{"kind", "outcome"},
)

var ActionBatchDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "filepilot",
		Subsystem: "action",
		Name:      "batch_duration_seconds",
		Help:      "Wall-clock duration of a batch execution.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	},
)

var RestoreOperationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "filepilot",
		Subsystem: "action",
		Name:      "restore_operations_total",
		Help:      "Total number of rollback operations attempted, by status.",
	},
	[]string{"status"},
)

// --- Remote File Gateway (C2) ---

var GatewayRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "filepilot",
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "Total calls made through the remote file gateway, by operation and error kind.",
	},
	[]string{"operation", "error_kind"},
)

var GatewayRetryTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "filepilot",
		Subsystem: "gateway",
		Name:      "retries_total",
		Help:      "Total number of retried gateway calls.",
	},
)

var GatewayCircuitOpenTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "filepilot",
		Subsystem: "gateway",
		Name:      "circuit_open_total",
		Help:      "Total number of times a per-user circuit breaker opened.",
	},
)

// --- Token Store (C1) ---

var TokenRefreshTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "filepilot",
		Subsystem: "credential",
		Name:      "refresh_total",
		Help:      "Total token refresh attempts, by outcome.",
	},
	[]string{"outcome"},
)

// All returns every collector that should be registered with the process
// metrics registry.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		ScansStartedTotal,
		ScansCompletedTotal,
		ScanFilesSeenTotal,
		ScanCheckpointDuration,
		DuplicateGroupsTotal,
		DuplicateBytesReclaimable,
		DuplicateContentHashBytesTotal,
		ActionProposalsTotal,
		ActionBatchDuration,
		RestoreOperationsTotal,
		GatewayRequestsTotal,
		GatewayRetryTotal,
		GatewayCircuitOpenTotal,
		TokenRefreshTotal,
	}
}
