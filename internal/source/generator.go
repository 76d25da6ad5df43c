package source

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/coachpo/floodgate/internal/observability"
	"github.com/coachpo/floodgate/internal/schema"
)

// DefaultKeys lists the synthetic key population used when none is provided.
var DefaultKeys = []string{"alpha", "beta", "gamma", "delta", "epsilon", "zeta", "eta", "theta"}

// GeneratorOptions configures the synthetic event generator.
type GeneratorOptions struct {
	Keys            []string
	EventsPerSecond float64
	Buffer          int
	Clock           func() time.Time
}

// Generator emits a paced stream of synthetic events across a fixed key
// population. Event timestamps are monotonic ticks, one per emitted event.
type Generator struct {
	keys   []string
	eps    float64
	buffer int
	clock  func() time.Time

	tick    atomic.Int64
	started atomic.Bool
}

// NewGenerator constructs a generator with sane defaults.
func NewGenerator(opts GeneratorOptions) *Generator {
	keys := make([]string, 0, len(opts.Keys))
	for _, key := range opts.Keys {
		if schema.ValidateKey(key) == nil {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		keys = append(keys, DefaultKeys...)
	}
	eps := opts.EventsPerSecond
	if eps <= 0 {
		eps = 50
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 128
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	g := new(Generator)
	g.keys = keys
	g.eps = eps
	g.buffer = buffer
	g.clock = clock
	return g
}

// Name identifies the source in logs and telemetry.
func (g *Generator) Name() string { return "generator" }

// Run emits events until the context is cancelled.
func (g *Generator) Run(ctx context.Context) (<-chan *schema.Event, <-chan error) {
	events := make(chan *schema.Event, g.buffer)
	errCh := make(chan error, 8)

	if ctx == nil {
		ctx = context.Background()
	}
	if !g.started.CompareAndSwap(false, true) {
		close(events)
		errCh <- fmt.Errorf("generator already running")
		close(errCh)
		return events, errCh
	}

	go func() {
		defer close(events)
		defer close(errCh)

		observability.Log().Info("generator source started",
			observability.F("keys", len(g.keys)),
			observability.F("events_per_second", g.eps))

		limiter := rate.NewLimiter(rate.Limit(g.eps), 1)
		for {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			emitEvent(ctx, events, g.nextEvent())
		}
	}()

	return events, errCh
}

func (g *Generator) nextEvent() *schema.Event {
	tick := g.tick.Add(1)
	seq := uint64(tick)
	key := g.keys[seq%uint64(len(g.keys))]

	evt := new(schema.Event)
	evt.EventID = uuid.NewString()
	evt.Key = key
	evt.Timestamp = tick
	evt.IngestTS = g.clock().UTC()

	switch seq % 4 {
	case 0:
		evt.Type = schema.EventTypeOrderSubmitted
		evt.Payload = schema.OrderPayload{
			OrderID:  fmt.Sprintf("ord-%d", seq),
			Side:     pickSide(seq),
			Price:    formatPrice(syntheticPrice(seq)),
			Quantity: formatQuantity(0.25 + 0.05*float64((seq%7)+1)),
		}
	case 1:
		evt.Type = schema.EventTypeTradeExecuted
		evt.Payload = schema.TradePayload{
			TradeID:  fmt.Sprintf("trd-%d", seq),
			Price:    formatPrice(syntheticPrice(seq)),
			Quantity: formatQuantity(0.1 + 0.02*float64((seq%5)+1)),
		}
	case 2:
		evt.Type = schema.EventTypeQuoteUpdated
		price := syntheticPrice(seq)
		evt.Payload = schema.QuotePayload{
			BidPrice: formatPrice(price * 0.9995),
			AskPrice: formatPrice(price * 1.0005),
		}
	default:
		evt.Type = schema.EventTypeSessionHeartbeat
	}
	return evt
}

func pickSide(seq uint64) string {
	if seq%2 == 0 {
		return "sell"
	}
	return "buy"
}

func syntheticPrice(seq uint64) float64 {
	base := 100.0
	amplitude := 0.75 * math.Sin(float64(seq%13))
	price := base + amplitude
	if price <= 0 {
		price = base
	}
	return price
}

func formatPrice(value float64) string {
	return fmt.Sprintf("%.2f", value)
}

func formatQuantity(value float64) string {
	return fmt.Sprintf("%.4f", value)
}
