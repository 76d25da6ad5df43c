// Package gate applies the per-key admission window to event streams.
package gate

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/floodgate/internal/observability"
	"github.com/coachpo/floodgate/internal/schema"
	"github.com/coachpo/floodgate/internal/telemetry"
	"github.com/coachpo/floodgate/internal/throttle"
)

// KeyDeriver rewrites the admission key for an event before the throttle
// decision runs. Implementations must be safe for concurrent use.
type KeyDeriver interface {
	DeriveKey(evt *schema.Event) (string, error)
}

// Publisher delivers admitted events downstream.
type Publisher interface {
	Publish(ctx context.Context, evt *schema.Event) error
}

// Options configure gate construction. Every field is optional; a nil
// publisher records decisions without delivering events, which is how a
// candidate window is shadowed against live traffic.
type Options struct {
	Store     *throttle.Store
	Publisher Publisher
	Deriver   KeyDeriver
	Runtime   *observability.RuntimeMetrics
}

// Gate consumes events, decides admission per key through the throttle
// store, and publishes admitted events. Suppressed events are dropped
// without error.
type Gate struct {
	store     *throttle.Store
	publisher Publisher
	deriver   KeyDeriver
	runtime   *observability.RuntimeMetrics
	started   atomic.Bool

	decisionCounter  metric.Int64Counter
	decisionDuration metric.Float64Histogram
	errorCounter     metric.Int64Counter
}

// New constructs a gate around the supplied throttle store.
func New(opts Options) *Gate {
	gate := new(Gate)
	gate.store = opts.Store
	if gate.store == nil {
		gate.store = throttle.NewDefault()
	}
	gate.publisher = opts.Publisher
	gate.deriver = opts.Deriver
	gate.runtime = opts.Runtime
	if gate.runtime == nil {
		gate.runtime = observability.NewRuntimeMetrics()
	}

	meter := otel.Meter("gate")
	gate.decisionCounter, _ = meter.Int64Counter("gate.decisions",
		metric.WithDescription("Number of admission decisions by outcome"),
		metric.WithUnit("{decision}"))
	gate.decisionDuration, _ = meter.Float64Histogram("gate.decision.duration",
		metric.WithDescription("Admission decision duration"),
		metric.WithUnit("ms"))
	gate.errorCounter, _ = meter.Int64Counter("gate.errors",
		metric.WithDescription("Number of gate processing failures by stage"),
		metric.WithUnit("{error}"))
	return gate
}

// Store exposes the throttle store backing this gate so control surfaces can
// reconfigure the window the gate decides with.
func (g *Gate) Store() *throttle.Store {
	return g.store
}

// Start consumes events until the context is cancelled or the input channel
// closes. Failures are reported on the returned channel; when nobody drains
// it, reports are dropped rather than stalling admission.
func (g *Gate) Start(ctx context.Context, events <-chan *schema.Event) <-chan error {
	errCh := make(chan error, 4)
	if ctx == nil {
		ctx = context.Background()
	}
	if !g.started.CompareAndSwap(false, true) {
		errCh <- fmt.Errorf("gate already running")
		close(errCh)
		return errCh
	}
	go g.run(ctx, events, errCh)
	return errCh
}

func (g *Gate) run(ctx context.Context, events <-chan *schema.Event, errCh chan<- error) {
	defer close(errCh)
	observability.Log().Info("gate started", observability.F("window", g.store.Window()))
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt == nil {
				continue
			}
			if err := g.process(ctx, evt); err != nil {
				select {
				case errCh <- err:
				default:
				}
			}
		}
	}
}

func (g *Gate) process(ctx context.Context, evt *schema.Event) error {
	startedAt := time.Now()
	if err := evt.Validate(); err != nil {
		g.recordDecision(ctx, evt.Type, telemetry.OutcomeInvalid, startedAt)
		g.recordError(ctx, "validation", "invalid_event")
		return fmt.Errorf("gate validate: %w", err)
	}

	key := g.admissionKey(ctx, evt)
	if !g.store.ShouldProcess(evt.Timestamp, evt.EventID, key) {
		g.runtime.IncrementSuppressed(string(evt.Type))
		g.recordDecision(ctx, evt.Type, telemetry.OutcomeSuppressed, startedAt)
		return nil
	}
	g.runtime.IncrementAdmitted(string(evt.Type))
	g.recordDecision(ctx, evt.Type, telemetry.OutcomeAdmitted, startedAt)

	if g.publisher == nil {
		return nil
	}
	if err := g.publisher.Publish(ctx, evt); err != nil {
		g.recordError(ctx, "publish", "delivery_failed")
		return fmt.Errorf("gate publish: %w", err)
	}
	return nil
}

// admissionKey resolves the key the throttle decision runs against. A failed
// derivation falls back to the event's own key so admission never stalls on
// script errors.
func (g *Gate) admissionKey(ctx context.Context, evt *schema.Event) string {
	if g.deriver == nil {
		return evt.Key
	}
	key, err := g.deriver.DeriveKey(evt)
	if err != nil {
		observability.Log().Error("key derivation failed; using event key",
			observability.F("event_id", evt.EventID),
			observability.F("key", evt.Key),
			observability.F("error", err))
		g.recordError(ctx, "key_derivation", "script_error")
		return evt.Key
	}
	return key
}

func (g *Gate) recordDecision(ctx context.Context, eventType schema.EventType, outcome string, startedAt time.Time) {
	attrs := telemetry.DecisionAttributes(telemetry.Environment(), string(eventType), outcome)
	if g.decisionCounter != nil {
		g.decisionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if g.decisionDuration != nil {
		elapsed := float64(time.Since(startedAt).Nanoseconds()) / 1e6
		g.decisionDuration.Record(ctx, elapsed, metric.WithAttributes(attrs...))
	}
	observability.Telemetry().IncCounter("gate.decisions", 1, map[string]string{"outcome": outcome})
}

func (g *Gate) recordError(ctx context.Context, errorType, reason string) {
	if g.errorCounter == nil {
		return
	}
	g.errorCounter.Add(ctx, 1,
		metric.WithAttributes(telemetry.ErrorAttributes(telemetry.Environment(), errorType, reason)...))
}
