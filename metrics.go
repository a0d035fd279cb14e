package authcore

import "sync/atomic"

// MetricID identifies one engine counter.
type MetricID uint16

const (
	MetricLoginSuccess MetricID = iota
	MetricLoginFailure
	MetricLoginRateLimited
	MetricLoginLocked
	MetricLoginUnverified
	MetricIPBlocked
	MetricRefreshSuccess
	MetricRefreshFailure
	MetricRefreshFingerprintMismatch
	MetricLogout
	MetricSignupRequest
	MetricSignupRateLimited
	MetricSignupConfirmSuccess
	MetricSignupConfirmFailure
	MetricSignupAttemptsExceeded
	MetricSignupResend
	MetricAccountCreationLimited
	MetricPasswordResetRequest
	MetricPasswordResetResend
	MetricPasswordResetSuccess
	MetricPasswordResetFailure
	MetricPasswordResetAttemptsExceeded
	MetricPasswordResetRateLimited
	MetricSweepDeleted
	metricIDCount
)

const cacheLineSize = 64

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics is a fixed array of atomic counters, one per [MetricID]. Counters
// are padded to a cache line so hot flows do not contend on neighbors.
type Metrics struct {
	enabled  bool
	counters [metricIDCount]paddedCounter
}

// MetricsSnapshot is a point-in-time copy of every counter.
type MetricsSnapshot struct {
	Counters map[MetricID]uint64
}

func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{enabled: cfg.Enabled}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}}
	}

	s := MetricsSnapshot{
		Counters: make(map[MetricID]uint64, int(metricIDCount)),
	}
	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	return s
}
