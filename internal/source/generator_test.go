package source

import (
	"context"
	"testing"
	"time"

	"github.com/coachpo/floodgate/internal/schema"
)

func TestNewGeneratorAppliesDefaults(t *testing.T) {
	g := NewGenerator(GeneratorOptions{})
	if len(g.keys) != len(DefaultKeys) {
		t.Fatalf("expected default key population, got %d keys", len(g.keys))
	}
	if g.eps != 50 {
		t.Fatalf("expected default rate of 50 events/sec, got %f", g.eps)
	}
	if g.Name() != "generator" {
		t.Fatalf("unexpected source name %q", g.Name())
	}
}

func TestNewGeneratorDropsBlankKeys(t *testing.T) {
	g := NewGenerator(GeneratorOptions{Keys: []string{"alpha", "  ", "beta"}})
	if len(g.keys) != 2 {
		t.Fatalf("expected blank keys to be dropped, got %v", g.keys)
	}
}

func TestNextEventRotatesTypesAndKeys(t *testing.T) {
	g := NewGenerator(GeneratorOptions{Keys: []string{"a", "b"}})

	var ticks []int64
	var types []schema.EventType
	for i := 0; i < 8; i++ {
		evt := g.nextEvent()
		if err := evt.Validate(); err != nil {
			t.Fatalf("generated event invalid: %v", err)
		}
		ticks = append(ticks, evt.Timestamp)
		types = append(types, evt.Type)
		want := "b"
		if evt.Timestamp%2 == 0 {
			want = "a"
		}
		if evt.Key != want {
			t.Fatalf("tick %d: expected key %q, got %q", evt.Timestamp, want, evt.Key)
		}
	}

	for i := 1; i < len(ticks); i++ {
		if ticks[i] != ticks[i-1]+1 {
			t.Fatalf("expected monotonic ticks, got %v", ticks)
		}
	}

	seen := make(map[schema.EventType]bool)
	for _, typ := range types {
		seen[typ] = true
	}
	if len(seen) != 4 {
		t.Fatalf("expected all four event types across 8 events, got %v", seen)
	}
}

func TestNextEventPayloadsCarryDecimalStrings(t *testing.T) {
	g := NewGenerator(GeneratorOptions{Keys: []string{"solo"}})

	for i := 0; i < 4; i++ {
		evt := g.nextEvent()
		switch payload := evt.Payload.(type) {
		case schema.OrderPayload:
			if _, err := payload.Notional(); err != nil {
				t.Fatalf("order payload notional: %v", err)
			}
		case schema.TradePayload:
			if _, err := payload.Notional(); err != nil {
				t.Fatalf("trade payload notional: %v", err)
			}
		case schema.QuotePayload:
			spread, err := payload.Spread()
			if err != nil {
				t.Fatalf("quote payload spread: %v", err)
			}
			if spread.IsNegative() {
				t.Fatalf("expected non-negative spread, got %s", spread)
			}
		case nil:
			if evt.Type != schema.EventTypeSessionHeartbeat {
				t.Fatalf("only heartbeats may omit payloads, got %s", evt.Type)
			}
		default:
			t.Fatalf("unexpected payload type %T", payload)
		}
	}
}

func TestGeneratorRunEmitsAndStops(t *testing.T) {
	g := NewGenerator(GeneratorOptions{Keys: []string{"a", "b"}, EventsPerSecond: 5000, Buffer: 16})

	ctx, cancel := context.WithCancel(context.Background())
	events, errCh := g.Run(ctx)

	deadline := time.After(2 * time.Second)
	received := 0
	var last int64
	for received < 6 {
		select {
		case evt := <-events:
			if evt == nil {
				t.Fatal("event channel closed early")
			}
			if evt.Timestamp <= last {
				t.Fatalf("expected increasing ticks, got %d after %d", evt.Timestamp, last)
			}
			last = evt.Timestamp
			received++
		case err := <-errCh:
			if err != nil {
				t.Fatalf("unexpected source error: %v", err)
			}
		case <-deadline:
			t.Fatalf("timed out after %d events", received)
		}
	}

	cancel()
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-time.After(time.Second):
			t.Fatal("event channel did not close after cancel")
		}
	}
}

func TestGeneratorRejectsSecondRun(t *testing.T) {
	g := NewGenerator(GeneratorOptions{EventsPerSecond: 1000})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, _ = g.Run(ctx)

	events, errCh := g.Run(ctx)
	if _, ok := <-events; ok {
		t.Fatal("expected closed event channel on second run")
	}
	if err := <-errCh; err == nil {
		t.Fatal("expected error on second run")
	}
}
