package observability

import "sync"

// Metrics provides counters, gauges, and histogram recording primitives.
type Metrics interface {
	IncCounter(name string, value float64, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

var defaultMetrics Metrics = noopMetrics{}

// SetMetrics overrides the global metrics implementation used by the system.
func SetMetrics(metrics Metrics) {
	if metrics == nil {
		defaultMetrics = noopMetrics{}
		return
	}
	defaultMetrics = metrics
}

// Telemetry returns the current global metrics collector.
func Telemetry() Metrics {
	return defaultMetrics
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, float64, map[string]string)       {}
func (noopMetrics) ObserveHistogram(string, float64, map[string]string) {}
func (noopMetrics) SetGauge(string, float64, map[string]string)         {}

// GateMetricsSnapshot captures admission-focused runtime counters.
type GateMetricsSnapshot struct {
	Admitted         map[string]uint64 `json:"admitted"`
	Suppressed       map[string]uint64 `json:"suppressed"`
	WindowUpdates    uint64            `json:"window_updates"`
	StoreClears      uint64            `json:"store_clears"`
	SourceReconnects uint64            `json:"source_reconnects"`
	JournalAppends   uint64            `json:"journal_appends"`
}

// RuntimeMetrics accumulates gateway metrics in-memory for periodic export.
type RuntimeMetrics struct {
	mu   sync.Mutex
	gate GateMetricsSnapshot
}

// NewRuntimeMetrics constructs a metrics accumulator with empty maps.
func NewRuntimeMetrics() *RuntimeMetrics {
	metrics := new(RuntimeMetrics)
	metrics.gate = GateMetricsSnapshot{
		Admitted:   make(map[string]uint64),
		Suppressed: make(map[string]uint64),
	}
	return metrics
}

// IncrementAdmitted counts an admitted event for the given event type.
func (m *RuntimeMetrics) IncrementAdmitted(eventType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate.Admitted[eventType]++
}

// IncrementSuppressed counts a suppressed event for the given event type.
func (m *RuntimeMetrics) IncrementSuppressed(eventType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate.Suppressed[eventType]++
}

// IncrementWindowUpdates counts a completed window reconfiguration.
func (m *RuntimeMetrics) IncrementWindowUpdates() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate.WindowUpdates++
}

// IncrementStoreClears counts a completed store clear.
func (m *RuntimeMetrics) IncrementStoreClears() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate.StoreClears++
}

// IncrementSourceReconnects counts a source reconnect attempt.
func (m *RuntimeMetrics) IncrementSourceReconnects() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate.SourceReconnects++
}

// IncrementJournalAppends counts a journal append.
func (m *RuntimeMetrics) IncrementJournalAppends() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate.JournalAppends++
}

// Snapshot copies the current gateway metrics state for reporting.
func (m *RuntimeMetrics) Snapshot() GateMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := GateMetricsSnapshot{
		Admitted:         make(map[string]uint64, len(m.gate.Admitted)),
		Suppressed:       make(map[string]uint64, len(m.gate.Suppressed)),
		WindowUpdates:    m.gate.WindowUpdates,
		StoreClears:      m.gate.StoreClears,
		SourceReconnects: m.gate.SourceReconnects,
		JournalAppends:   m.gate.JournalAppends,
	}
	for k, v := range m.gate.Admitted {
		snapshot.Admitted[k] = v
	}
	for k, v := range m.gate.Suppressed {
		snapshot.Suppressed[k] = v
	}
	return snapshot
}
