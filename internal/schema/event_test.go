package schema

import (
	"testing"
)

func TestEventTypeValidate(t *testing.T) {
	tests := []struct {
		name    string
		typ     EventType
		wantErr bool
	}{
		{
			name:    "order submitted",
			typ:     EventTypeOrderSubmitted,
			wantErr: false,
		},
		{
			name:    "trade executed",
			typ:     EventTypeTradeExecuted,
			wantErr: false,
		},
		{
			name:    "quote updated",
			typ:     EventTypeQuoteUpdated,
			wantErr: false,
		},
		{
			name:    "session heartbeat",
			typ:     EventTypeSessionHeartbeat,
			wantErr: false,
		},
		{
			name:    "empty type",
			typ:     "",
			wantErr: true,
		},
		{
			name:    "unknown type",
			typ:     EventType("OrderCancelled"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.typ.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEventValidate(t *testing.T) {
	tests := []struct {
		name    string
		event   *Event
		wantErr bool
	}{
		{
			name: "valid event",
			event: &Event{
				EventID:   "evt-1",
				Key:       "user-1",
				Type:      EventTypeOrderSubmitted,
				Timestamp: 1,
			},
			wantErr: false,
		},
		{
			name: "negative timestamp accepted",
			event: &Event{
				EventID:   "evt-2",
				Key:       "user-1",
				Type:      EventTypeTradeExecuted,
				Timestamp: -5,
			},
			wantErr: false,
		},
		{
			name:    "nil event",
			event:   nil,
			wantErr: true,
		},
		{
			name: "missing event id",
			event: &Event{
				Key:  "user-1",
				Type: EventTypeOrderSubmitted,
			},
			wantErr: true,
		},
		{
			name: "blank key",
			event: &Event{
				EventID: "evt-3",
				Key:     "   ",
				Type:    EventTypeOrderSubmitted,
			},
			wantErr: true,
		},
		{
			name: "unknown type",
			event: &Event{
				EventID: "evt-4",
				Key:     "user-1",
				Type:    EventType("Bogus"),
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEventCloneDetachesPayloadMap(t *testing.T) {
	original := &Event{
		EventID:   "evt-1",
		Key:       "user-1",
		Type:      EventTypeQuoteUpdated,
		Timestamp: 42,
		Payload:   map[string]any{"bid_price": "100.5"},
	}

	clone := original.Clone()
	if clone == original {
		t.Fatal("expected clone to be a distinct event")
	}
	payload, ok := clone.Payload.(map[string]any)
	if !ok {
		t.Fatalf("expected map payload, got %T", clone.Payload)
	}
	payload["bid_price"] = "999"
	if got := original.Payload.(map[string]any)["bid_price"]; got != "100.5" {
		t.Fatalf("clone mutation leaked into original: %v", got)
	}
}

func TestOrderPayloadNotional(t *testing.T) {
	payload := OrderPayload{OrderID: "ord-1", Side: "buy", Price: "100.50", Quantity: "2"}

	notional, err := payload.Notional()
	if err != nil {
		t.Fatalf("Notional() error = %v", err)
	}
	if got := notional.String(); got != "201" {
		t.Fatalf("expected notional 201, got %s", got)
	}

	bad := OrderPayload{Price: "not-a-number", Quantity: "2"}
	if _, err := bad.Notional(); err == nil {
		t.Fatal("expected error for malformed price")
	}
}

func TestQuotePayloadSpread(t *testing.T) {
	payload := QuotePayload{BidPrice: "99.25", AskPrice: "100.75"}

	spread, err := payload.Spread()
	if err != nil {
		t.Fatalf("Spread() error = %v", err)
	}
	if got := spread.String(); got != "1.5" {
		t.Fatalf("expected spread 1.5, got %s", got)
	}
}
