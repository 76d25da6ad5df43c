package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics bridges the Metrics facade onto an OpenTelemetry meter.
// Instruments are created on first use and cached by name; an instrument
// whose creation fails records nothing.
type OTelMetrics struct {
	meter      metric.Meter
	counters   sync.Map
	histograms sync.Map
	gauges     sync.Map
}

// NewOTelMetrics wraps the provided meter.
func NewOTelMetrics(meter metric.Meter) *OTelMetrics {
	adapter := new(OTelMetrics)
	adapter.meter = meter
	return adapter
}

// IncCounter adds value to the named counter.
func (m *OTelMetrics) IncCounter(name string, value float64, labels map[string]string) {
	inst := m.counter(name)
	if inst == nil {
		return
	}
	inst.Add(context.Background(), value, metric.WithAttributes(labelAttributes(labels)...))
}

// ObserveHistogram records value into the named histogram.
func (m *OTelMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {
	inst := m.histogram(name)
	if inst == nil {
		return
	}
	inst.Record(context.Background(), value, metric.WithAttributes(labelAttributes(labels)...))
}

// SetGauge records value into the named gauge.
func (m *OTelMetrics) SetGauge(name string, value float64, labels map[string]string) {
	inst := m.gauge(name)
	if inst == nil {
		return
	}
	inst.Record(context.Background(), value, metric.WithAttributes(labelAttributes(labels)...))
}

func (m *OTelMetrics) counter(name string) metric.Float64Counter {
	if m.meter == nil {
		return nil
	}
	if cached, ok := m.counters.Load(name); ok {
		inst, _ := cached.(metric.Float64Counter)
		return inst
	}
	inst, err := m.meter.Float64Counter(name)
	if err != nil {
		return nil
	}
	actual, _ := m.counters.LoadOrStore(name, inst)
	stored, _ := actual.(metric.Float64Counter)
	return stored
}

func (m *OTelMetrics) histogram(name string) metric.Float64Histogram {
	if m.meter == nil {
		return nil
	}
	if cached, ok := m.histograms.Load(name); ok {
		inst, _ := cached.(metric.Float64Histogram)
		return inst
	}
	inst, err := m.meter.Float64Histogram(name)
	if err != nil {
		return nil
	}
	actual, _ := m.histograms.LoadOrStore(name, inst)
	stored, _ := actual.(metric.Float64Histogram)
	return stored
}

func (m *OTelMetrics) gauge(name string) metric.Float64Gauge {
	if m.meter == nil {
		return nil
	}
	if cached, ok := m.gauges.Load(name); ok {
		inst, _ := cached.(metric.Float64Gauge)
		return inst
	}
	inst, err := m.meter.Float64Gauge(name)
	if err != nil {
		return nil
	}
	actual, _ := m.gauges.LoadOrStore(name, inst)
	stored, _ := actual.(metric.Float64Gauge)
	return stored
}

func labelAttributes(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for key, value := range labels {
		attrs = append(attrs, attribute.String(key, value))
	}
	return attrs
}
