package security

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Klingon-tech/orignode/internal/log"
	"github.com/Klingon-tech/orignode/internal/metrics"
)

// Event kinds recorded by the node.
const (
	KindRateLimited       = "rate_limited"
	KindInvalidPassphrase = "invalid_passphrase"
	KindMFAFailure        = "mfa_failure"
	KindBackupFailure     = "backup_failure"
)

// maxEvents bounds the in-memory event history.
const maxEvents = 1024

// Threshold raises an alert once Count events of one kind from one source
// arrive within Window.
type Threshold struct {
	Count  int
	Window time.Duration
}

// DefaultThresholds returns the alert thresholds used by the node.
func DefaultThresholds() map[string]Threshold {
	return map[string]Threshold{
		KindRateLimited:       {Count: 50, Window: time.Minute},
		KindInvalidPassphrase: {Count: 5, Window: 5 * time.Minute},
		KindMFAFailure:        {Count: 5, Window: 5 * time.Minute},
		KindBackupFailure:     {Count: 1, Window: time.Hour},
	}
}

// Event is one recorded security event.
type Event struct {
	ID     string    `json:"id"`
	Kind   string    `json:"kind"`
	Source string    `json:"source"`
	Detail string    `json:"detail,omitempty"`
	Time   time.Time `json:"time"`
}

// Alert is raised when a threshold is crossed.
type Alert struct {
	Kind   string
	Source string
	Count  int
	Window time.Duration
	Time   time.Time
}

// Monitor records security events and raises threshold alerts.
type Monitor struct {
	mu         sync.Mutex
	thresholds map[string]Threshold
	events     []Event
	next       int
	hits       map[string][]time.Time
	alerts     int
	onAlert    func(Alert)

	metrics *metrics.SecurityMetrics
	now     func() time.Time
}

// NewMonitor creates a monitor. A nil thresholds map uses DefaultThresholds.
func NewMonitor(thresholds map[string]Threshold, m *metrics.SecurityMetrics) *Monitor {
	if thresholds == nil {
		thresholds = DefaultThresholds()
	}
	return &Monitor{
		thresholds: thresholds,
		events:     make([]Event, 0, 64),
		hits:       make(map[string][]time.Time),
		metrics:    m,
		now:        time.Now,
	}
}

// OnAlert sets a callback run for every alert, outside the monitor's lock.
func (m *Monitor) OnAlert(fn func(Alert)) {
	m.mu.Lock()
	m.onAlert = fn
	m.mu.Unlock()
}

// Record stores an event and checks its kind's threshold.
func (m *Monitor) Record(kind, source, detail string) Event {
	now := m.now()
	ev := Event{
		ID:     uuid.NewString(),
		Kind:   kind,
		Source: source,
		Detail: detail,
		Time:   now,
	}

	m.mu.Lock()
	if len(m.events) < maxEvents {
		m.events = append(m.events, ev)
	} else {
		m.events[m.next] = ev
	}
	m.next = (m.next + 1) % maxEvents

	var alert *Alert
	if th, ok := m.thresholds[kind]; ok && th.Count > 0 {
		key := kind + "|" + source
		cutoff := now.Add(-th.Window)
		kept := m.hits[key][:0]
		for _, t := range m.hits[key] {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		kept = append(kept, now)
		if len(kept) >= th.Count {
			alert = &Alert{Kind: kind, Source: source, Count: len(kept), Window: th.Window, Time: now}
			m.alerts++
			delete(m.hits, key)
		} else {
			m.hits[key] = kept
		}
	}
	fn := m.onAlert
	m.mu.Unlock()

	m.metrics.Event(kind)
	log.Security.Debug().Str("kind", kind).Str("source", source).Str("detail", detail).Msg("Security event")

	if alert != nil {
		m.metrics.Alert(kind)
		log.Security.Warn().
			Str("kind", kind).
			Str("source", source).
			Int("count", alert.Count).
			Dur("window", alert.Window).
			Msg("Security threshold crossed")
		if fn != nil {
			fn(*alert)
		}
	}
	return ev
}

// Recent returns up to n events, newest first. n <= 0 returns all of them.
func (m *Monitor) Recent(n int) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := len(m.events)
	if n <= 0 || n > total {
		n = total
	}
	out := make([]Event, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, m.events[(m.next-i+total)%total])
	}
	return out
}

// Alerts returns how many alerts have been raised.
func (m *Monitor) Alerts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alerts
}
