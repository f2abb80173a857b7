package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Call outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeError       = "error"
	OutcomeTimeout     = "timeout"
	OutcomeUnavailable = "unavailable"
	OutcomeNotReady    = "not_ready"
)

// BridgeMetrics tracks calls crossing into bridge worker loops.
type BridgeMetrics struct {
	calls   *prometheus.CounterVec
	latency *prometheus.HistogramVec
	starts  *prometheus.CounterVec
	ready   *prometheus.GaugeVec
}

// NewBridgeMetrics registers the bridge collectors. A nil registerer yields
// nil metrics.
func NewBridgeMetrics(reg prometheus.Registerer) *BridgeMetrics {
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	return &BridgeMetrics{
		calls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "calls_total",
			Help:      "Bridge calls by bridge, operation and outcome",
		}, []string{"bridge", "op", "outcome"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "call_duration_seconds",
			Help:      "Time callers spent blocked on bridge calls",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"bridge", "op"}),
		starts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "worker_starts_total",
			Help:      "Worker loops started per bridge",
		}, []string{"bridge"}),
		ready: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "ready",
			Help:      "1 when the bridge worker has finished initialization",
		}, []string{"bridge"}),
	}
}

// ObserveCall records one finished call.
func (m *BridgeMetrics) ObserveCall(bridge, op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(bridge, op, outcome).Inc()
	m.latency.WithLabelValues(bridge, op).Observe(d.Seconds())
}

// WorkerStarted records a worker start.
func (m *BridgeMetrics) WorkerStarted(bridge string) {
	if m == nil {
		return
	}
	m.starts.WithLabelValues(bridge).Inc()
}

// SetReady records the bridge readiness.
func (m *BridgeMetrics) SetReady(bridge string, ready bool) {
	if m == nil {
		return
	}
	v := 0.0
	if ready {
		v = 1
	}
	m.ready.WithLabelValues(bridge).Set(v)
}
