package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SecurityMetrics tracks security monitor events and key material jobs.
type SecurityMetrics struct {
	events    *prometheus.CounterVec
	alerts    *prometheus.CounterVec
	backups   *prometheus.CounterVec
	rotations prometheus.Counter
}

// NewSecurityMetrics registers the security collectors.
func NewSecurityMetrics(reg prometheus.Registerer) *SecurityMetrics {
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	return &SecurityMetrics{
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "security", Name: "events_total",
			Help: "Security events recorded by kind",
		}, []string{"kind"}),
		alerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "security", Name: "alerts_total",
			Help: "Threshold alerts raised by kind",
		}, []string{"kind"}),
		backups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "security", Name: "key_backups_total",
			Help: "Key backup runs by outcome",
		}, []string{"outcome"}),
		rotations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "security", Name: "key_rotations_total",
			Help: "Node key rotations performed",
		}),
	}
}

// Event records a security event.
func (m *SecurityMetrics) Event(kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
}

// Alert records a raised alert.
func (m *SecurityMetrics) Alert(kind string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(kind).Inc()
}

// Backup records a backup run.
func (m *SecurityMetrics) Backup(outcome string) {
	if m == nil {
		return
	}
	m.backups.WithLabelValues(outcome).Inc()
}

// Rotation records a key rotation.
func (m *SecurityMetrics) Rotation() {
	if m == nil {
		return
	}
	m.rotations.Inc()
}
