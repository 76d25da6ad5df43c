package journal

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coachpo/floodgate/errs"
	"github.com/coachpo/floodgate/internal/observability"
	"github.com/coachpo/floodgate/internal/schema"
	"github.com/coachpo/floodgate/lib/async"
)

type recordingAppender struct {
	mu      sync.Mutex
	err     error
	records []Record
}

func (a *recordingAppender) Append(_ context.Context, rec Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.records = append(a.records, rec)
	return nil
}

func (a *recordingAppender) snapshot() []Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Record(nil), a.records...)
}

func admittedEvent(id, key string, ts int64) *schema.Event {
	return &schema.Event{
		EventID:   id,
		Key:       key,
		Type:      schema.EventTypeTradeExecuted,
		Timestamp: ts,
		IngestTS:  time.Date(2025, 6, 1, 11, 59, 0, 0, time.UTC),
		Payload:   map[string]any{"trade_id": "trd-1"},
	}
}

func drainWriter(t *testing.T, w *Writer, events ...*schema.Event) []error {
	t.Helper()
	in := make(chan *schema.Event, len(events))
	for _, evt := range events {
		in <- evt
	}
	close(in)

	failures := make([]error, 0)
	for err := range w.Run(context.Background(), in) {
		failures = append(failures, err)
	}
	return failures
}

func TestNewRecordCopiesEventFields(t *testing.T) {
	admittedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	evt := admittedEvent("evt-1", "alpha", 42)

	rec := NewRecord(evt, admittedAt)

	if rec.EventID != "evt-1" || rec.Key != "alpha" || rec.Timestamp != 42 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.Type != string(schema.EventTypeTradeExecuted) {
		t.Fatalf("unexpected type %q", rec.Type)
	}
	if !rec.IngestedAt.Equal(evt.IngestTS) || !rec.AdmittedAt.Equal(admittedAt) {
		t.Fatalf("unexpected times %+v", rec)
	}
	if rec.Payload == nil {
		t.Fatal("expected payload carried over")
	}
}

func TestNewRecordToleratesNilEvent(t *testing.T) {
	admittedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rec := NewRecord(nil, admittedAt)
	if rec.EventID != "" || rec.Payload != nil {
		t.Fatalf("expected zero record, got %+v", rec)
	}
	if !rec.AdmittedAt.Equal(admittedAt) {
		t.Fatalf("expected admission time preserved, got %v", rec.AdmittedAt)
	}
}

func TestEncodePayloadDefaultsToEmptyObject(t *testing.T) {
	data, err := encodePayload(nil)
	if err != nil {
		t.Fatalf("encode nil payload: %v", err)
	}
	if string(data) != "{}" {
		t.Fatalf("expected empty object, got %s", data)
	}

	encoded, err := encodePayload(map[string]any{"side": "buy"})
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	decoded, err := decodePayload(encoded)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	payload, ok := decoded.(map[string]any)
	if !ok || payload["side"] != "buy" {
		t.Fatalf("unexpected decoded payload %v", decoded)
	}

	empty, err := decodePayload([]byte("{}"))
	if err != nil {
		t.Fatalf("decode empty payload: %v", err)
	}
	if empty != nil {
		t.Fatalf("expected nil for empty payload, got %v", empty)
	}
}

func TestWriterAppendsAdmittedEvents(t *testing.T) {
	appender := new(recordingAppender)
	runtime := observability.NewRuntimeMetrics()
	admittedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	w, err := NewWriter(WriterOptions{
		Store:       appender,
		Runtime:     runtime,
		Telemetry:   nil,
		DeadLetters: nil,
		Pool:        nil,
		Clock:       func() time.Time { return admittedAt },
	})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	failures := drainWriter(t, w,
		admittedEvent("evt-1", "alpha", 1),
		admittedEvent("evt-2", "beta", 2))

	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
	records := appender.snapshot()
	if len(records) != 2 {
		t.Fatalf("expected two records, got %d", len(records))
	}
	for _, rec := range records {
		if !rec.AdmittedAt.Equal(admittedAt) {
			t.Fatalf("expected stamped admission time, got %v", rec.AdmittedAt)
		}
	}
	if got := runtime.Snapshot().JournalAppends; got != 2 {
		t.Fatalf("expected two journal appends counted, got %d", got)
	}
}

func TestWriterAppendsThroughPool(t *testing.T) {
	appender := new(recordingAppender)
	runtime := observability.NewRuntimeMetrics()
	pool, err := async.NewPool("journal-test", 2, 4)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = pool.Shutdown(shutdownCtx)
	})

	w, err := NewWriter(WriterOptions{
		Store:       appender,
		Runtime:     runtime,
		Telemetry:   nil,
		DeadLetters: nil,
		Pool:        pool,
		Clock:       nil,
	})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	failures := drainWriter(t, w,
		admittedEvent("evt-1", "alpha", 1),
		admittedEvent("evt-2", "beta", 2),
		admittedEvent("evt-3", "gamma", 3))

	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
	if got := len(appender.snapshot()); got != 3 {
		t.Fatalf("expected three records, got %d", got)
	}
	if got := runtime.Snapshot().JournalAppends; got != 3 {
		t.Fatalf("expected three journal appends counted, got %d", got)
	}
}

func TestWriterReportsAppendFailures(t *testing.T) {
	appender := new(recordingAppender)
	appender.err = fmt.Errorf("database unavailable")
	bus := observability.NewInMemoryTelemetryBus(4)
	defer bus.Close()
	notifications, err := bus.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("subscribe telemetry: %v", err)
	}

	w, err := NewWriter(WriterOptions{Store: appender, Runtime: nil, Telemetry: bus, DeadLetters: nil, Pool: nil, Clock: nil})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	failures := drainWriter(t, w, admittedEvent("evt-1", "alpha", 1))

	if len(failures) != 1 {
		t.Fatalf("expected one failure, got %v", failures)
	}
	select {
	case note := <-notifications:
		if note.Type != observability.TelemetryEventJournalAppendFailed {
			t.Fatalf("unexpected telemetry type %s", note.Type)
		}
		if note.Metadata["event_id"] != "evt-1" {
			t.Fatalf("unexpected telemetry metadata %+v", note.Metadata)
		}
	case <-time.After(time.Second):
		t.Fatal("expected append failure telemetry")
	}
}

func TestWriterParksFailuresInDeadLetterQueue(t *testing.T) {
	appender := new(recordingAppender)
	appender.err = fmt.Errorf("database unavailable")
	queue := observability.NewDeadLetterQueue(4)

	w, err := NewWriter(WriterOptions{Store: appender, Runtime: nil, Telemetry: nil, DeadLetters: queue, Pool: nil, Clock: nil})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	failures := drainWriter(t, w,
		admittedEvent("evt-1", "alpha", 1),
		admittedEvent("evt-2", "beta", 2))

	if len(failures) != 2 {
		t.Fatalf("expected two failures, got %v", failures)
	}
	parked := queue.Drain()
	if len(parked) != 2 {
		t.Fatalf("expected two dead letters, got %d", len(parked))
	}
	for _, evt := range parked {
		if evt.Type != observability.TelemetryEventJournalAppendFailed {
			t.Fatalf("unexpected dead letter type %s", evt.Type)
		}
	}
	if parked[0].Metadata["event_id"] != "evt-1" {
		t.Fatalf("unexpected dead letter metadata %+v", parked[0].Metadata)
	}
	if queue.Len() != 0 {
		t.Fatalf("expected drain to empty the queue, got %d", queue.Len())
	}
}

func TestWriterRequiresAppender(t *testing.T) {
	_, err := NewWriter(WriterOptions{Store: nil, Runtime: nil, Telemetry: nil, DeadLetters: nil, Pool: nil, Clock: nil})
	if !errs.HasCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid code, got %v", err)
	}
}

func TestWriterRejectsSecondRun(t *testing.T) {
	w, err := NewWriter(WriterOptions{Store: new(recordingAppender), Runtime: nil, Telemetry: nil, DeadLetters: nil, Pool: nil, Clock: nil})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan *schema.Event)
	first := w.Run(ctx, in)

	runErr, ok := <-w.Run(ctx, in)
	if !ok || runErr == nil {
		t.Fatal("expected error from second run")
	}

	cancel()
	for range first {
	}
}
