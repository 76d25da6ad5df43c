package gate

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/floodgate/internal/telemetry"
	"github.com/coachpo/floodgate/internal/throttle"
)

// ObserveStoreMetrics registers observable gauges that report throttle store
// state. Gauges emit the tracked key count and the active admission window.
func ObserveStoreMetrics(store *throttle.Store) {
	if store == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("environment", telemetry.Environment()),
	}

	meter := otel.Meter("gate.store")
	if _, err := meter.Int64ObservableGauge("floodgate_throttle_keys_tracked",
		metric.WithDescription("Distinct keys currently tracked by the throttle store"),
		metric.WithUnit("{key}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(store.KeyCount()), metric.WithAttributes(attrs...))
			return nil
		}),
	); err != nil {
		return
	}
	if _, err := meter.Int64ObservableGauge("floodgate_throttle_window_ticks",
		metric.WithDescription("Active admission window in ticks"),
		metric.WithUnit("{tick}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(store.Window(), metric.WithAttributes(attrs...))
			return nil
		}),
	); err != nil {
		return
	}
}
