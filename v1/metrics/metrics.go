package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter counts Acquire calls by result
	// (ok, locked, not_found, error).
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "borglock_acquire_total",
		Help: "Total number of lock acquisition attempts",
	}, []string{"result"})
	// ReleaseCounter counts Release calls by result
	// (ok, absent, stale, forbidden, not_found, error).
	ReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "borglock_release_total",
		Help: "Total number of lock releases",
	}, []string{"result"})
	// StaleCounter counts store entries cleared because their holder was gone.
	StaleCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "borglock_stale_cleared_total",
		Help: "Total number of stale lock entries cleared",
	})
	// HandshakeLatency observes the time from envoy spawn to pid report.
	HandshakeLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "borglock_handshake_seconds",
		Help:    "Time between envoy spawn and its pid report",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	})
	// InflightGauge reports acquisitions waiting on a handshake in this worker.
	InflightGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "borglock_acquire_inflight",
		Help: "Acquisitions currently waiting for an envoy",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the lock coordinator metrics on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, ReleaseCounter, StaleCounter, HandshakeLatency, InflightGauge)
}
