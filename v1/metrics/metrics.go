// Package metrics exposes Prometheus collectors for lock registries.
// Registries always record into these collectors; exporting them is up to the
// caller through RegisterLockMetrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter counts acquisition attempts by outcome.
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lockreg_acquire_total",
		Help: "Total number of lock acquisition attempts by result",
	}, []string{"namespace", "result"})
	// ReleaseCounter counts unlock calls by outcome.
	ReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lockreg_release_total",
		Help: "Total number of unlock calls by result",
	}, []string{"namespace", "result"})
	// EvictionCounter counts registry entries removed by idle sweeps.
	EvictionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lockreg_evictions_total",
		Help: "Total number of idle locks evicted from registries",
	}, []string{"namespace"})
	// CachedLocksGauge reports the number of lock objects cached per namespace.
	CachedLocksGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lockreg_cached_locks",
		Help: "Current number of cached lock objects",
	}, []string{"namespace"})
	// AcquireWait observes how long successful acquisitions waited.
	AcquireWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lockreg_acquire_wait_seconds",
		Help:    "Time spent waiting for a lock before it was acquired",
		Buckets: prometheus.DefBuckets,
	}, []string{"namespace"})
)

// Acquire results.
const (
	ResultAcquired    = "acquired"
	ResultReentrant   = "reentrant"
	ResultBusy        = "busy"
	ResultTimeout     = "timeout"
	ResultInterrupted = "interrupted"
	ResultError       = "error"
)

// Release results.
const (
	ResultReleased = "released"
	ResultExpired  = "expired"
	ResultNotOwner = "not_owner"
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the lock collectors on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, ReleaseCounter, EvictionCounter, CachedLocksGauge, AcquireWait)
}
