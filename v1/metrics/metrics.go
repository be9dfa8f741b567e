package metrics

import "github.com/prometheus/client_golang/prometheus"

// Outcome labels used by AcquireCounter.
const (
	OutcomeAcquired = "acquired"
	OutcomeStolen   = "stolen"
	OutcomeBusy     = "busy"
	OutcomeError    = "error"
)

var (
	// AcquireCounter tracks acquire attempts by outcome.
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantlock_acquire_total",
		Help: "Total number of lock acquire attempts by outcome",
	}, []string{"outcome"})
	// TryAcquireCounter tracks non-blocking acquire attempts by outcome.
	TryAcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantlock_try_acquire_total",
		Help: "Total number of non-blocking acquire attempts by outcome",
	}, []string{"outcome"})
	// ReleaseCounter tracks releases that removed a lock record.
	ReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tenantlock_release_total",
		Help: "Total number of releases that removed a lock record",
	})
	// DoubleReleaseCounter tracks releases of locks that were already gone.
	DoubleReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tenantlock_double_release_total",
		Help: "Total number of releases for locks already released or stolen",
	})
	// StorageErrorCounter tracks store failures by operation.
	StorageErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantlock_storage_errors_total",
		Help: "Total number of lock store failures by operation",
	}, []string{"op"})
	// StaleGauge reports the number of stale locks seen by the last reaper scan.
	StaleGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tenantlock_stale_locks",
		Help: "Number of stale lock records found by the last reaper scan",
	})
	// ReapedCounter tracks stale locks removed by the reaper.
	ReapedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tenantlock_reaped_total",
		Help: "Total number of stale lock records removed by the reaper",
	})
	// OpLatency observes the latency of Handle operations.
	OpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tenantlock_op_latency_seconds",
		Help:    "Latency of lock operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the lock collectors on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		AcquireCounter,
		TryAcquireCounter,
		ReleaseCounter,
		DoubleReleaseCounter,
		StorageErrorCounter,
		StaleGauge,
		ReapedCounter,
		OpLatency,
	)
}
