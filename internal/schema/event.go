// Package schema defines canonical event schemas and payload types.
package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/floodgate/errs"
)

// ValidateKey ensures a throttling key is usable. Keys are opaque identifiers
// (typically a user or session id); the gateway never interprets them.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return errs.New("schema/key", errs.CodeInvalid, errs.WithMessage("key required"))
	}
	return nil
}

// EventType enumerates canonical event categories flowing through the gate.
type EventType string

const (
	// EventTypeOrderSubmitted identifies order submission events.
	EventTypeOrderSubmitted EventType = "OrderSubmitted"
	// EventTypeTradeExecuted identifies trade execution events.
	EventTypeTradeExecuted EventType = "TradeExecuted"
	// EventTypeQuoteUpdated identifies quote refresh events.
	EventTypeQuoteUpdated EventType = "QuoteUpdated"
	// EventTypeSessionHeartbeat identifies session keep-alive events.
	EventTypeSessionHeartbeat EventType = "SessionHeartbeat"
)

// Validate ensures the event type is one of the canonical categories.
func (et EventType) Validate() error {
	switch et {
	case EventTypeOrderSubmitted, EventTypeTradeExecuted, EventTypeQuoteUpdated, EventTypeSessionHeartbeat:
		return nil
	default:
		return errs.New("schema/event-type", errs.CodeInvalid, errs.WithMessage("unknown event type"), errs.WithField("type", string(et)))
	}
}

// EventTypes returns the canonical event categories in a fresh slice, so
// callers subscribing per type can range without sharing state.
func EventTypes() []EventType {
	return []EventType{
		EventTypeOrderSubmitted,
		EventTypeTradeExecuted,
		EventTypeQuoteUpdated,
		EventTypeSessionHeartbeat,
	}
}

// Event represents a keyed event subject to an admission decision. Timestamp
// is a caller-supplied tick; the gateway compares ticks against each other
// and never derives them from the wall clock.
type Event struct {
	EventID   string    `json:"event_id"`
	Key       string    `json:"key"`
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp"`
	IngestTS  time.Time `json:"ingest_ts"`
	Payload   any       `json:"payload,omitempty"`
}

// Validate checks the fields every admission decision relies on.
func (e *Event) Validate() error {
	if e == nil {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("event required"))
	}
	if strings.TrimSpace(e.EventID) == "" {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("event id required"))
	}
	if err := ValidateKey(e.Key); err != nil {
		return err
	}
	if err := e.Type.Validate(); err != nil {
		return err
	}
	return nil
}

// Clone returns a copy detached from the original, with its own payload map
// when the payload is a generic map.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	clone := *e
	if m, ok := e.Payload.(map[string]any); ok {
		payload := make(map[string]any, len(m))
		for k, v := range m {
			payload[k] = v
		}
		clone.Payload = payload
	}
	return &clone
}

// OrderPayload carries order submission details using decimal strings.
type OrderPayload struct {
	OrderID  string `json:"order_id"`
	Side     string `json:"side"`
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

// Notional computes price multiplied by quantity.
func (p OrderPayload) Notional() (decimal.Decimal, error) {
	return mulDecimalStrings("schema/order-payload", p.Price, p.Quantity)
}

// TradePayload carries trade execution details using decimal strings.
type TradePayload struct {
	TradeID  string `json:"trade_id"`
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

// Notional computes price multiplied by quantity.
func (p TradePayload) Notional() (decimal.Decimal, error) {
	return mulDecimalStrings("schema/trade-payload", p.Price, p.Quantity)
}

// QuotePayload carries a quote refresh using decimal strings.
type QuotePayload struct {
	BidPrice string `json:"bid_price"`
	AskPrice string `json:"ask_price"`
}

// Spread computes ask minus bid.
func (p QuotePayload) Spread() (decimal.Decimal, error) {
	ask, err := decimal.NewFromString(p.AskPrice)
	if err != nil {
		return decimal.Zero, errs.New("schema/quote-payload", errs.CodeInvalid, errs.WithMessage("invalid ask price"), errs.WithCause(err))
	}
	bid, err := decimal.NewFromString(p.BidPrice)
	if err != nil {
		return decimal.Zero, errs.New("schema/quote-payload", errs.CodeInvalid, errs.WithMessage("invalid bid price"), errs.WithCause(err))
	}
	return ask.Sub(bid), nil
}

func mulDecimalStrings(op, price, quantity string) (decimal.Decimal, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return decimal.Zero, errs.New(op, errs.CodeInvalid, errs.WithMessage("invalid price"), errs.WithCause(err))
	}
	q, err := decimal.NewFromString(quantity)
	if err != nil {
		return decimal.Zero, errs.New(op, errs.CodeInvalid, errs.WithMessage("invalid quantity"), errs.WithCause(err))
	}
	return p.Mul(q), nil
}
