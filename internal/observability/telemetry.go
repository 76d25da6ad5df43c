// Package observability provides lightweight in-memory telemetry primitives.
package observability

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/coachpo/floodgate/errs"
)

// TelemetrySeverity represents the severity level of a telemetry event.
type TelemetrySeverity string

const (
	// TelemetrySeverityInfo identifies informational telemetry.
	TelemetrySeverityInfo TelemetrySeverity = "INFO"
	// TelemetrySeverityWarn identifies warning telemetry.
	TelemetrySeverityWarn TelemetrySeverity = "WARN"
	// TelemetrySeverityError identifies error telemetry.
	TelemetrySeverityError TelemetrySeverity = "ERROR"
)

// TelemetryEventType enumerates ops-only telemetry event categories.
type TelemetryEventType string

const (
	// TelemetryEventWindowUpdated signals a throttle window reconfiguration.
	TelemetryEventWindowUpdated TelemetryEventType = "window.updated"
	// TelemetryEventStoreCleared signals a throttle store clear.
	TelemetryEventStoreCleared TelemetryEventType = "store.cleared"
	// TelemetryEventSourceReconnected signals a source reconnect.
	TelemetryEventSourceReconnected TelemetryEventType = "source.reconnected"
	// TelemetryEventJournalAppendFailed signals a failed journal append.
	TelemetryEventJournalAppendFailed TelemetryEventType = "journal.append_failed"
	// TelemetryEventSubscriberLagging signals a bus subscriber falling behind.
	TelemetryEventSubscriberLagging TelemetryEventType = "bus.subscriber_lagging"
)

// TelemetryEvent carries structured observability information for operations.
type TelemetryEvent struct {
	EventID   string             `json:"event_id"`
	Type      TelemetryEventType `json:"type"`
	Severity  TelemetrySeverity  `json:"severity"`
	Timestamp time.Time          `json:"timestamp"`
	Metadata  map[string]any     `json:"metadata"`
}

// TelemetryBus defines pub/sub semantics for telemetry events.
type TelemetryBus interface {
	Publish(ctx context.Context, event TelemetryEvent) error
	Subscribe(ctx context.Context) (<-chan TelemetryEvent, error)
	Close()
}

// InMemoryTelemetryBus is an in-memory implementation of the telemetry bus.
type InMemoryTelemetryBus struct {
	ctx    context.Context
	cancel context.CancelFunc
	buffer int

	mu       sync.RWMutex
	feeds    map[uint64]*telemetryFeed
	lastID   uint64
	shutdown sync.Once
}

// telemetryFeed is one subscriber's channel plus the context bounding its
// lifetime.
type telemetryFeed struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan TelemetryEvent
	once   sync.Once
}

func (f *telemetryFeed) close() {
	f.once.Do(func() {
		f.cancel()
		close(f.ch)
	})
}

// NewInMemoryTelemetryBus constructs a memory-backed telemetry bus.
func NewInMemoryTelemetryBus(buffer int) *InMemoryTelemetryBus {
	if buffer <= 0 {
		buffer = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &InMemoryTelemetryBus{
		ctx:      ctx,
		cancel:   cancel,
		buffer:   buffer,
		mu:       sync.RWMutex{},
		feeds:    make(map[uint64]*telemetryFeed),
		lastID:   0,
		shutdown: sync.Once{},
	}
}

// Publish broadcasts the telemetry event to every subscriber, each receiving
// its own copy. One subscriber failing does not stop delivery to the rest;
// the failures come back joined. Publishing on a closed bus is a no-op.
func (b *InMemoryTelemetryBus) Publish(ctx context.Context, event TelemetryEvent) error {
	if ctx == nil {
		ctx = context.Background()
	}
	b.mu.RLock()
	targets := make([]*telemetryFeed, 0, len(b.feeds))
	for _, f := range b.feeds {
		targets = append(targets, f)
	}
	b.mu.RUnlock()

	var failures []error
	for _, f := range targets {
		if err := b.deliver(ctx, f, event); err != nil {
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}

// Subscribe registers a telemetry subscriber. The returned channel closes
// when ctx is cancelled or the bus shuts down.
func (b *InMemoryTelemetryBus) Subscribe(ctx context.Context) (<-chan TelemetryEvent, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	feedCtx, cancel := context.WithCancel(ctx)
	f := &telemetryFeed{
		ctx:    feedCtx,
		cancel: cancel,
		ch:     make(chan TelemetryEvent, b.buffer),
		once:   sync.Once{},
	}

	b.mu.Lock()
	if b.feeds == nil {
		b.mu.Unlock()
		cancel()
		return nil, errs.New("telemetry/subscribe", errs.CodeUnavailable, errs.WithMessage("telemetry bus closed"))
	}
	b.lastID++
	id := b.lastID
	b.feeds[id] = f
	b.mu.Unlock()

	go b.reap(id, f)
	return f.ch, nil
}

// Close shuts down the bus and closes subscriber channels.
func (b *InMemoryTelemetryBus) Close() {
	b.shutdown.Do(func() {
		b.cancel()
		b.mu.Lock()
		for _, f := range b.feeds {
			if f != nil {
				f.close()
			}
		}
		b.feeds = nil
		b.mu.Unlock()
	})
}

func (b *InMemoryTelemetryBus) deliver(ctx context.Context, f *telemetryFeed, event TelemetryEvent) error {
	if err := f.ctx.Err(); err != nil {
		return fmt.Errorf("telemetry subscriber context: %w", err)
	}
	select {
	case <-b.ctx.Done():
		return errs.New("telemetry/publish", errs.CodeUnavailable, errs.WithMessage("telemetry bus closed"))
	case <-ctx.Done():
		return fmt.Errorf("telemetry publish context: %w", ctx.Err())
	case <-f.ctx.Done():
		return nil
	case f.ch <- cloneTelemetryEvent(event):
		return nil
	default:
		return errs.New("telemetry/publish", errs.CodeUnavailable, errs.WithMessage("subscriber buffer full"))
	}
}

// reap drops the feed from the registry once its context ends.
func (b *InMemoryTelemetryBus) reap(id uint64, f *telemetryFeed) {
	<-f.ctx.Done()
	b.mu.Lock()
	if b.feeds != nil {
		delete(b.feeds, id)
	}
	b.mu.Unlock()
	f.close()
}

func cloneTelemetryEvent(evt TelemetryEvent) TelemetryEvent {
	clone := evt
	clone.Metadata = maps.Clone(evt.Metadata)
	return clone
}
