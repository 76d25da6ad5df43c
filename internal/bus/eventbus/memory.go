package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/floodgate/errs"
	"github.com/coachpo/floodgate/internal/observability"
	"github.com/coachpo/floodgate/internal/schema"
	"github.com/coachpo/floodgate/internal/telemetry"
)

// MemoryBus is an in-memory implementation of the event bus.
type MemoryBus struct {
	cfg MemoryConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	feeds     map[schema.EventType]map[SubscriptionID]*feed
	closeOnce sync.Once
	workers   int

	opsBus  observability.TelemetryBus
	metrics *busMetrics
}

// feed is one subscriber's delivery channel plus the context that bounds its
// lifetime.
type feed struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan *schema.Event
	once   sync.Once
}

func (f *feed) shutdown() {
	f.once.Do(func() {
		f.cancel()
		close(f.ch)
	})
}

// NewMemoryBus constructs a memory-backed event bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryBus{
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		mu:        sync.RWMutex{},
		feeds:     make(map[schema.EventType]map[SubscriptionID]*feed),
		closeOnce: sync.Once{},
		workers:   cfg.FanoutWorkers,
		opsBus:    cfg.Telemetry,
		metrics:   newBusMetrics(),
	}
}

// Publish fan-outs the event to all feeds registered for its type. Each feed
// receives its own clone; the source event stays with the caller.
func (b *MemoryBus) Publish(ctx context.Context, evt *schema.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if evt == nil {
		return nil
	}
	if evt.Type == "" {
		return errs.New("eventbus/publish", errs.CodeInvalid, errs.WithMessage("event type required"))
	}

	eventType := string(evt.Type)
	start := time.Now()
	result := "success"
	defer func() {
		b.metrics.recordPublish(ctx, eventType, result, start)
	}()

	targets := b.snapshotFeeds(evt.Type)
	b.metrics.recordFanout(ctx, eventType, len(targets))
	if len(targets) == 0 {
		result = "no_subscribers"
		return nil
	}

	if err := b.dispatch(ctx, targets, evt); err != nil {
		b.metrics.countDispatchError(ctx, eventType)
		result = "dispatch_failed"
		return err
	}
	b.metrics.countPublished(ctx, eventType)
	return nil
}

// snapshotFeeds copies the feeds registered for one type so delivery runs
// without holding the registry lock.
func (b *MemoryBus) snapshotFeeds(typ schema.EventType) []*feed {
	b.mu.RLock()
	defer b.mu.RUnlock()
	targets := make([]*feed, 0, len(b.feeds[typ]))
	for _, f := range b.feeds[typ] {
		targets = append(targets, f)
	}
	return targets
}

// Subscribe registers for events of the given type and returns a subscription ID and channel.
func (b *MemoryBus) Subscribe(ctx context.Context, typ schema.EventType) (SubscriptionID, <-chan *schema.Event, error) {
	if typ == "" {
		return "", nil, errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	feedCtx, cancel := context.WithCancel(ctx)
	f := &feed{
		ctx:    feedCtx,
		cancel: cancel,
		ch:     make(chan *schema.Event, b.cfg.BufferSize),
		once:   sync.Once{},
	}
	id := SubscriptionID(uuid.NewString())

	b.mu.Lock()
	if b.feeds[typ] == nil {
		b.feeds[typ] = make(map[SubscriptionID]*feed)
	}
	b.feeds[typ][id] = f
	b.mu.Unlock()

	b.metrics.addSubscribers(feedCtx, string(typ), 1)
	go b.reap(typ, id, f)
	return id, f.ch, nil
}

// Unsubscribe removes the subscription and closes the channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	typ, f := b.detach(id)
	if f == nil {
		return
	}
	b.metrics.addSubscribers(context.Background(), string(typ), -1)
	f.shutdown()
}

// detach removes the subscription from the registry and reports which event
// type it served.
func (b *MemoryBus) detach(id SubscriptionID) (schema.EventType, *feed) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for typ, feeds := range b.feeds {
		f, ok := feeds[id]
		if !ok {
			continue
		}
		delete(feeds, id)
		if len(feeds) == 0 {
			delete(b.feeds, typ)
		}
		return typ, f
	}
	return "", nil
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() {
	b.closeOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		for typ, feeds := range b.feeds {
			for _, f := range feeds {
				if f != nil {
					f.shutdown()
				}
			}
			delete(b.feeds, typ)
		}
		b.mu.Unlock()
	})
}

// reap tears a feed down once its context ends, covering subscribers that
// cancel instead of calling Unsubscribe.
func (b *MemoryBus) reap(typ schema.EventType, id SubscriptionID, f *feed) {
	<-f.ctx.Done()
	b.mu.Lock()
	if feeds := b.feeds[typ]; feeds != nil {
		if stored, ok := feeds[id]; ok && stored == f {
			delete(feeds, id)
			if len(feeds) == 0 {
				delete(b.feeds, typ)
			}
		}
	}
	b.mu.Unlock()
	f.shutdown()
}

// dispatch delivers one clone per feed through a bounded worker pool.
func (b *MemoryBus) dispatch(ctx context.Context, targets []*feed, evt *schema.Event) error {
	workerLimit := b.workers
	if workerLimit <= 0 {
		workerLimit = 1
	}

	p := concpool.New().WithMaxGoroutines(workerLimit)
	errCh := make(chan error, len(targets))
	for _, target := range targets {
		if target == nil {
			continue
		}
		f := target
		p.Go(func() {
			if err := b.deliver(ctx, f, evt.Clone()); err != nil {
				errCh <- err
			}
		})
	}
	p.Wait()
	close(errCh)

	failures := make([]error, 0, len(targets))
	for err := range errCh {
		failures = append(failures, err)
	}
	if len(failures) == 0 {
		return nil
	}
	return observability.AggregateErrors("eventbus fan-out", failures,
		observability.F("event_type", string(evt.Type)),
		observability.F("key", evt.Key),
		observability.F("subscriber_count", len(targets)))
}

// deliver hands a clone to a single feed. A full buffer drops the oldest
// queued event rather than blocking the publisher.
func (b *MemoryBus) deliver(ctx context.Context, f *feed, evt *schema.Event) error {
	if err := f.ctx.Err(); err != nil {
		return fmt.Errorf("subscriber context: %w", err)
	}
	select {
	case <-b.ctx.Done():
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	case <-ctx.Done():
		return fmt.Errorf("deliver context: %w", ctx.Err())
	case <-f.ctx.Done():
		return nil
	case f.ch <- evt:
		return nil
	default:
	}

	// Lagging feed: evict the oldest queued event and retry once.
	select {
	case <-f.ch:
	default:
	}
	b.noteLagging(ctx, evt)
	select {
	case f.ch <- evt:
		return nil
	default:
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("subscriber buffer full"))
	}
}

// noteLagging records one dropped delivery on every channel the operators
// watch: the log, the OTel counter and, when wired, the ops telemetry feed.
func (b *MemoryBus) noteLagging(ctx context.Context, evt *schema.Event) {
	observability.Log().Info("subscriber buffer full; dropped oldest event",
		observability.F("event_type", string(evt.Type)),
		observability.F("key", evt.Key))
	b.metrics.countDropped(ctx, string(evt.Type))
	if b.opsBus == nil {
		return
	}
	_ = b.opsBus.Publish(ctx, observability.TelemetryEvent{
		EventID:   uuid.NewString(),
		Type:      observability.TelemetryEventSubscriberLagging,
		Severity:  observability.TelemetrySeverityWarn,
		Timestamp: time.Now().UTC(),
		Metadata: map[string]any{
			"event_type": string(evt.Type),
			"key":        evt.Key,
		},
	})
}

// busMetrics bundles the OTel instruments for the fan-out path. Instrument
// creation failures leave the field nil and the recorder methods no-op.
type busMetrics struct {
	published       metric.Int64Counter
	subscribers     metric.Int64UpDownCounter
	deliveryErrors  metric.Int64Counter
	fanoutSize      metric.Int64Histogram
	publishDuration metric.Float64Histogram
	dropped         metric.Int64Counter
}

func newBusMetrics() *busMetrics {
	meter := otel.Meter("eventbus")
	m := new(busMetrics)
	m.published, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	m.subscribers, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	m.deliveryErrors, _ = meter.Int64Counter("eventbus.delivery.errors",
		metric.WithDescription("Number of event delivery errors"),
		metric.WithUnit("{error}"))
	m.fanoutSize, _ = meter.Int64Histogram("eventbus.fanout.size",
		metric.WithDescription("Number of subscribers per fanout"),
		metric.WithUnit("{subscriber}"))
	m.publishDuration, _ = meter.Float64Histogram("eventbus.publish.duration",
		metric.WithDescription("Latency of eventbus publish operations"),
		metric.WithUnit("ms"))
	m.dropped, _ = meter.Int64Counter("eventbus.delivery.blocked",
		metric.WithDescription("Number of deliveries dropped due to subscriber backpressure"),
		metric.WithUnit("{event}"))
	return m
}

func (m *busMetrics) typeAttrs(eventType string) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		attribute.String("event_type", eventType))
}

func (m *busMetrics) recordPublish(ctx context.Context, eventType, result string, start time.Time) {
	if m.publishDuration == nil {
		return
	}
	m.publishDuration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		attribute.String("operation", "eventbus.publish"),
		attribute.String("result", result),
		attribute.String("event_type", eventType)))
}

func (m *busMetrics) recordFanout(ctx context.Context, eventType string, size int) {
	if m.fanoutSize == nil {
		return
	}
	m.fanoutSize.Record(ctx, int64(size), m.typeAttrs(eventType))
}

func (m *busMetrics) countPublished(ctx context.Context, eventType string) {
	if m.published == nil {
		return
	}
	m.published.Add(ctx, 1, m.typeAttrs(eventType))
}

func (m *busMetrics) countDispatchError(ctx context.Context, eventType string) {
	if m.deliveryErrors == nil {
		return
	}
	m.deliveryErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		attribute.String("error", "dispatch_failed"),
		attribute.String("event_type", eventType)))
}

func (m *busMetrics) countDropped(ctx context.Context, eventType string) {
	if m.dropped == nil {
		return
	}
	m.dropped.Add(ctx, 1, m.typeAttrs(eventType))
}

func (m *busMetrics) addSubscribers(ctx context.Context, eventType string, delta int64) {
	if m.subscribers == nil {
		return
	}
	m.subscribers.Add(ctx, delta, m.typeAttrs(eventType))
}
