package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/coachpo/floodgate/internal/observability"
	"github.com/coachpo/floodgate/internal/schema"
)

func TestNewMemoryBus(t *testing.T) {
	cfg := MemoryConfig{
		BufferSize:    10,
		FanoutWorkers: 2,
	}

	bus := NewMemoryBus(cfg)

	if bus == nil {
		t.Fatal("expected non-nil bus")
	}

	bus.Close()
}

func TestMemoryBusPublishNoSubscribers(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	ctx := context.Background()
	evt := &schema.Event{
		EventID:   "evt-1",
		Key:       "user-1",
		Type:      schema.EventTypeTradeExecuted,
		Timestamp: 1,
	}

	if err := bus.Publish(ctx, evt); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestMemoryBusPublishNilEvent(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	ctx := context.Background()
	if err := bus.Publish(ctx, nil); err != nil {
		t.Errorf("expected no error for nil event, got %v", err)
	}
}

func TestMemoryBusPublishEmptyType(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	ctx := context.Background()
	evt := &schema.Event{
		EventID: "evt-1",
		Key:     "user-1",
		Type:    "",
	}

	if err := bus.Publish(ctx, evt); err == nil {
		t.Error("expected error for empty event type")
	}
}

func TestMemoryBusSubscribeAndPublish(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10, FanoutWorkers: 2})
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	subID, eventsCh, err := bus.Subscribe(ctx, schema.EventTypeTradeExecuted)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer bus.Unsubscribe(subID)

	evt := &schema.Event{
		EventID:   "evt-42",
		Key:       "user-9",
		Type:      schema.EventTypeTradeExecuted,
		Timestamp: 7,
	}
	if err := bus.Publish(ctx, evt); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case received := <-eventsCh:
		if received == nil {
			t.Fatal("received nil event")
		}
		if received.EventID != evt.EventID {
			t.Errorf("expected EventID %s, got %s", evt.EventID, received.EventID)
		}
		if received == evt {
			t.Error("expected a clone, got the published event itself")
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestMemoryBusSubscribeEmptyType(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	ctx := context.Background()
	if _, _, err := bus.Subscribe(ctx, ""); err == nil {
		t.Error("expected error for empty event type")
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	ctx := context.Background()
	subID, eventsCh, err := bus.Subscribe(ctx, schema.EventTypeTradeExecuted)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	bus.Unsubscribe(subID)

	select {
	case _, ok := <-eventsCh:
		if ok {
			t.Error("expected channel to be closed")
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout waiting for channel close")
	}
}

func TestMemoryBusClose(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})

	ctx := context.Background()
	_, eventsCh, err := bus.Subscribe(ctx, schema.EventTypeTradeExecuted)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	bus.Close()

	select {
	case _, ok := <-eventsCh:
		if ok {
			t.Error("expected channel to be closed after bus close")
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBusMultipleSubscribers(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10, FanoutWorkers: 2})
	defer bus.Close()

	ctx := context.Background()

	sub1, ch1, err1 := bus.Subscribe(ctx, schema.EventTypeQuoteUpdated)
	if err1 != nil {
		t.Fatalf("Subscribe 1 error = %v", err1)
	}
	defer bus.Unsubscribe(sub1)

	sub2, ch2, err2 := bus.Subscribe(ctx, schema.EventTypeQuoteUpdated)
	if err2 != nil {
		t.Fatalf("Subscribe 2 error = %v", err2)
	}
	defer bus.Unsubscribe(sub2)

	evt := &schema.Event{
		EventID:   "evt-multi",
		Key:       "user-3",
		Type:      schema.EventTypeQuoteUpdated,
		Timestamp: 11,
	}
	if err := bus.Publish(ctx, evt); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	timeout := time.After(1 * time.Second)
	received1 := false
	received2 := false

	for !received1 || !received2 {
		select {
		case got := <-ch1:
			if got != nil && got.EventID == evt.EventID {
				received1 = true
			}
		case got := <-ch2:
			if got != nil && got.EventID == evt.EventID {
				received2 = true
			}
		case <-timeout:
			if !received1 {
				t.Error("subscriber 1 did not receive event")
			}
			if !received2 {
				t.Error("subscriber 2 did not receive event")
			}
			return
		}
	}
}

func TestMemoryBusDropsOldestWhenSubscriberLags(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 1, FanoutWorkers: 1})
	defer bus.Close()

	ctx := context.Background()
	subID, eventsCh, err := bus.Subscribe(ctx, schema.EventTypeSessionHeartbeat)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer bus.Unsubscribe(subID)

	first := &schema.Event{EventID: "evt-old", Key: "k", Type: schema.EventTypeSessionHeartbeat, Timestamp: 1}
	second := &schema.Event{EventID: "evt-new", Key: "k", Type: schema.EventTypeSessionHeartbeat, Timestamp: 2}

	if err := bus.Publish(ctx, first); err != nil {
		t.Fatalf("Publish() first error = %v", err)
	}
	if err := bus.Publish(ctx, second); err != nil {
		t.Fatalf("Publish() second error = %v", err)
	}

	select {
	case got := <-eventsCh:
		if got.EventID != "evt-new" {
			t.Errorf("expected newest event to survive, got %s", got.EventID)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for surviving event")
	}
}

func TestMemoryBusReportsLaggingSubscriber(t *testing.T) {
	opsBus := observability.NewInMemoryTelemetryBus(4)
	defer opsBus.Close()

	opsCtx, opsCancel := context.WithCancel(context.Background())
	defer opsCancel()
	opsFeed, err := opsBus.Subscribe(opsCtx)
	if err != nil {
		t.Fatalf("telemetry Subscribe() error = %v", err)
	}

	bus := NewMemoryBus(MemoryConfig{BufferSize: 1, FanoutWorkers: 1, Telemetry: opsBus})
	defer bus.Close()

	ctx := context.Background()
	subID, _, err := bus.Subscribe(ctx, schema.EventTypeSessionHeartbeat)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer bus.Unsubscribe(subID)

	first := &schema.Event{EventID: "evt-1", Key: "laggard", Type: schema.EventTypeSessionHeartbeat, Timestamp: 1}
	second := &schema.Event{EventID: "evt-2", Key: "laggard", Type: schema.EventTypeSessionHeartbeat, Timestamp: 2}
	if err := bus.Publish(ctx, first); err != nil {
		t.Fatalf("Publish() first error = %v", err)
	}
	if err := bus.Publish(ctx, second); err != nil {
		t.Fatalf("Publish() second error = %v", err)
	}

	select {
	case evt := <-opsFeed:
		if evt.Type != observability.TelemetryEventSubscriberLagging {
			t.Errorf("expected lagging telemetry, got %s", evt.Type)
		}
		if evt.Severity != observability.TelemetrySeverityWarn {
			t.Errorf("expected WARN severity, got %s", evt.Severity)
		}
		if got := evt.Metadata["key"]; got != "laggard" {
			t.Errorf("expected key metadata, got %v", got)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timeout waiting for lagging telemetry")
	}
}

func TestMemoryConfigNormalize(t *testing.T) {
	cfg := MemoryConfig{
		BufferSize:    0,
		FanoutWorkers: 0,
	}

	normalized := cfg.normalize()

	if normalized.BufferSize <= 0 {
		t.Error("expected positive buffer size after normalization")
	}
	if normalized.FanoutWorkers <= 0 {
		t.Error("expected positive fanout workers after normalization")
	}
}
