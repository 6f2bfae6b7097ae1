// Package metrics exposes prometheus collectors for lock and circuit
// breaker activity.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LockAcquireCounter tracks successful lock acquisitions.
	LockAcquireCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ward_lock_acquire_total",
		Help: "Total number of successful lock acquisitions",
	})
	// LockAcquireTimeoutCounter tracks acquisitions that exhausted their retry budget.
	LockAcquireTimeoutCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ward_lock_acquire_timeout_total",
		Help: "Total number of lock acquisitions that timed out",
	})
	// LockHeartbeatCounter tracks successful lease renewals.
	LockHeartbeatCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ward_lock_heartbeat_total",
		Help: "Total number of successful lease renewals",
	})
	// LockStolenCounter tracks leases lost to a competitor.
	LockStolenCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ward_lock_stolen_total",
		Help: "Total number of leases stolen by another instance",
	})
	// LockDangerCounter tracks leases flagged as in danger.
	LockDangerCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ward_lock_danger_total",
		Help: "Total number of leases that entered the danger period",
	})
	// ActiveLeaseGauge reports the number of currently held leases.
	ActiveLeaseGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ward_active_leases",
		Help: "Current number of held leases",
	})
	// BreakerOpenCounter tracks circuit open transitions.
	BreakerOpenCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ward_breaker_open_total",
		Help: "Total number of circuit open transitions",
	})
	// BreakerShortCircuitCounter tracks calls rejected by an open circuit.
	BreakerShortCircuitCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ward_breaker_short_circuit_total",
		Help: "Total number of calls short-circuited by an open circuit",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers ward core metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		LockAcquireCounter,
		LockAcquireTimeoutCounter,
		LockHeartbeatCounter,
		LockStolenCounter,
		LockDangerCounter,
		ActiveLeaseGauge,
		BreakerOpenCounter,
		BreakerShortCircuitCounter,
	)
}
