package journal

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/floodgate/errs"
	"github.com/coachpo/floodgate/internal/observability"
	"github.com/coachpo/floodgate/internal/schema"
	"github.com/coachpo/floodgate/lib/async"
)

// WriterOptions configure a journal writer. Pool, when set, runs appends on
// the worker pool so a slow journal store never stalls the subscription; a
// saturated pool degrades to a synchronous append. Failed appends are parked
// on DeadLetters when a queue is supplied.
type WriterOptions struct {
	Store       Appender
	Runtime     *observability.RuntimeMetrics
	Telemetry   observability.TelemetryBus
	DeadLetters *observability.DeadLetterQueue
	Pool        *async.Pool
	Clock       func() time.Time
}

// Writer drains admitted events from a bus subscription into an Appender.
type Writer struct {
	store       Appender
	runtime     *observability.RuntimeMetrics
	bus         observability.TelemetryBus
	deadLetters *observability.DeadLetterQueue
	pool        *async.Pool
	clock       func() time.Time
	started     atomic.Bool

	inflight sync.WaitGroup
}

// NewWriter constructs a writer around the supplied appender.
func NewWriter(opts WriterOptions) (*Writer, error) {
	if opts.Store == nil {
		return nil, errs.New("journal/writer", errs.CodeInvalid, errs.WithMessage("appender required"))
	}
	writer := new(Writer)
	writer.store = opts.Store
	writer.runtime = opts.Runtime
	writer.bus = opts.Telemetry
	writer.deadLetters = opts.DeadLetters
	writer.pool = opts.Pool
	writer.clock = opts.Clock
	if writer.clock == nil {
		writer.clock = time.Now
	}
	return writer, nil
}

// Run consumes admitted events until the context is cancelled or the input
// channel closes. Append failures are reported on the returned channel and do
// not stop the writer.
func (w *Writer) Run(ctx context.Context, events <-chan *schema.Event) <-chan error {
	errCh := make(chan error, 4)
	if ctx == nil {
		ctx = context.Background()
	}
	if !w.started.CompareAndSwap(false, true) {
		errCh <- fmt.Errorf("journal writer already running")
		close(errCh)
		return errCh
	}
	go w.run(ctx, events, errCh)
	return errCh
}

func (w *Writer) run(ctx context.Context, events <-chan *schema.Event, errCh chan<- error) {
	// Pooled appends may still be in flight when the input closes; wait for
	// them before the error channel closes.
	defer func() {
		w.inflight.Wait()
		close(errCh)
	}()
	observability.Log().Info("journal writer started")
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
			w.dispatch(ctx, evt, errCh)
		}
	}
}

func (w *Writer) dispatch(ctx context.Context, evt *schema.Event, errCh chan<- error) {
	if w.pool == nil {
		w.report(w.append(ctx, evt), errCh)
		return
	}
	w.inflight.Add(1)
	err := w.pool.Submit(ctx, func(taskCtx context.Context) error {
		defer w.inflight.Done()
		w.report(w.append(taskCtx, evt), errCh)
		return nil
	})
	if err == nil {
		return
	}
	w.inflight.Done()
	w.report(w.append(ctx, evt), errCh)
}

func (w *Writer) report(err error, errCh chan<- error) {
	if err == nil {
		return
	}
	select {
	case errCh <- err:
	default:
	}
}

func (w *Writer) append(ctx context.Context, evt *schema.Event) error {
	rec := NewRecord(evt, w.clock().UTC())
	if err := w.store.Append(ctx, rec); err != nil {
		w.reportAppendFailure(ctx, evt, err)
		return fmt.Errorf("journal append: %w", err)
	}
	if w.runtime != nil {
		w.runtime.IncrementJournalAppends()
	}
	return nil
}

func (w *Writer) reportAppendFailure(ctx context.Context, evt *schema.Event, appendErr error) {
	observability.Log().Error("journal append failed",
		observability.F("event_id", evt.EventID),
		observability.F("key", evt.Key),
		observability.F("error", appendErr))
	if w.deadLetters == nil && w.bus == nil {
		return
	}
	failure := observability.TelemetryEvent{
		EventID:   uuid.NewString(),
		Type:      observability.TelemetryEventJournalAppendFailed,
		Severity:  observability.TelemetrySeverityError,
		Timestamp: w.clock().UTC(),
		Metadata: map[string]any{
			"event_id": evt.EventID,
			"key":      evt.Key,
			"error":    appendErr.Error(),
		},
	}
	if w.deadLetters != nil {
		w.deadLetters.Offer(failure)
	}
	if w.bus != nil {
		_ = w.bus.Publish(ctx, failure)
	}
}
