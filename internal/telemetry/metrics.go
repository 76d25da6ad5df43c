package telemetry

import (
	"sync"
	"time"
)

// LoadSnapshot records admission counters for a given point in time.
type LoadSnapshot struct {
	Timestamp  time.Time
	Admitted   int
	Suppressed int
	Label      string
}

// LoadReport aggregates a start/finish snapshot pair with the computed rates.
type LoadReport struct {
	Started            LoadSnapshot
	Finished           LoadSnapshot
	SuppressionPercent float64
	EventsPerSecond    float64
}

// LoadMetrics captures admission throughput across a load run.
type LoadMetrics struct {
	mu       sync.RWMutex
	started  LoadSnapshot
	finished LoadSnapshot
	clock    func() time.Time
	emitter  func(LoadReport)
}

// NewLoadMetrics constructs an instrument ready to record a load run.
func NewLoadMetrics() *LoadMetrics {
	return &LoadMetrics{
		mu:       sync.RWMutex{},
		started:  LoadSnapshot{Timestamp: time.Time{}, Admitted: 0, Suppressed: 0, Label: ""},
		finished: LoadSnapshot{Timestamp: time.Time{}, Admitted: 0, Suppressed: 0, Label: ""},
		clock:    time.Now,
		emitter:  nil,
	}
}

// WithClock overrides the internal clock, primarily for testing.
func (m *LoadMetrics) WithClock(clock func() time.Time) *LoadMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	if clock == nil {
		m.clock = time.Now
	} else {
		m.clock = clock
	}
	return m
}

// SetEmitter registers a callback invoked whenever a run finishes.
func (m *LoadMetrics) SetEmitter(emitter func(LoadReport)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitter = emitter
}

// RecordStart stamps the beginning of a load run.
func (m *LoadMetrics) RecordStart(label string) LoadSnapshot {
	m.mu.Lock()
	snapshot := LoadSnapshot{Timestamp: m.clock(), Admitted: 0, Suppressed: 0, Label: label}
	m.started = snapshot
	m.mu.Unlock()
	return snapshot
}

// RecordFinish stamps the end of a load run and optionally emits a report.
func (m *LoadMetrics) RecordFinish(admitted, suppressed int, label string) LoadReport {
	m.mu.Lock()
	snapshot := LoadSnapshot{Timestamp: m.clock(), Admitted: admitted, Suppressed: suppressed, Label: label}
	m.finished = snapshot
	report := buildLoadReport(m.started, snapshot)
	emitter := m.emitter
	m.mu.Unlock()
	if emitter != nil {
		emitter(report)
	}
	return report
}

// Snapshot returns the most recent report without mutating state.
func (m *LoadMetrics) Snapshot() LoadReport {
	m.mu.RLock()
	report := buildLoadReport(m.started, m.finished)
	m.mu.RUnlock()
	return report
}

func buildLoadReport(started, finished LoadSnapshot) LoadReport {
	total := finished.Admitted + finished.Suppressed
	report := LoadReport{
		Started:            started,
		Finished:           finished,
		SuppressionPercent: 0,
		EventsPerSecond:    0,
	}
	if total > 0 {
		report.SuppressionPercent = float64(finished.Suppressed) / float64(total) * 100
	}
	elapsed := finished.Timestamp.Sub(started.Timestamp).Seconds()
	if elapsed > 0 && total > 0 {
		report.EventsPerSecond = float64(total) / elapsed
	}
	return report
}
