package gate

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coachpo/floodgate/errs"
	"github.com/coachpo/floodgate/internal/observability"
	"github.com/coachpo/floodgate/internal/schema"
	"github.com/coachpo/floodgate/internal/throttle"
)

type capturingPublisher struct {
	mu     sync.Mutex
	err    error
	events []*schema.Event
}

func (p *capturingPublisher) Publish(_ context.Context, evt *schema.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, evt)
	return nil
}

func (p *capturingPublisher) timestamps() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int64, 0, len(p.events))
	for _, evt := range p.events {
		out = append(out, evt.Timestamp)
	}
	return out
}

type staticDeriver struct {
	key string
	err error
}

func (d staticDeriver) DeriveKey(*schema.Event) (string, error) {
	if d.err != nil {
		return "", d.err
	}
	return d.key, nil
}

func keyedEvent(id, key string, ts int64) *schema.Event {
	return &schema.Event{
		EventID:   id,
		Key:       key,
		Type:      schema.EventTypeOrderSubmitted,
		Timestamp: ts,
		IngestTS:  time.Now().UTC(),
		Payload:   nil,
	}
}

func newWindowStore(t *testing.T, window int64) *throttle.Store {
	t.Helper()
	store, err := throttle.New(window)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

// feed pushes the events through a started gate, closes the input, and
// returns every failure reported before shutdown.
func feed(t *testing.T, g *Gate, events ...*schema.Event) []error {
	t.Helper()
	in := make(chan *schema.Event, len(events))
	for _, evt := range events {
		in <- evt
	}
	close(in)

	failures := make([]error, 0)
	for err := range g.Start(context.Background(), in) {
		failures = append(failures, err)
	}
	return failures
}

func TestGateAdmitsFirstEventPerKey(t *testing.T) {
	pub := new(capturingPublisher)
	g := New(Options{Store: newWindowStore(t, 10), Publisher: pub, Deriver: nil, Runtime: nil})

	failures := feed(t, g,
		keyedEvent("evt-1", "alpha", 1),
		keyedEvent("evt-2", "beta", 1))

	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
	if got := pub.timestamps(); len(got) != 2 {
		t.Fatalf("expected both first-seen events published, got %v", got)
	}
}

func TestGateAppliesWindowAcrossSequence(t *testing.T) {
	pub := new(capturingPublisher)
	g := New(Options{Store: newWindowStore(t, 10), Publisher: pub, Deriver: nil, Runtime: nil})

	var events []*schema.Event
	for i, ts := range []int64{1, 5, 10, 11, 12, 21} {
		events = append(events, keyedEvent(fmt.Sprintf("evt-%d", i+1), "alpha", ts))
	}
	failures := feed(t, g, events...)

	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
	want := []int64{1, 11, 21}
	got := pub.timestamps()
	if len(got) != len(want) {
		t.Fatalf("expected timestamps %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected timestamps %v, got %v", want, got)
		}
	}
}

func TestGateReportsInvalidEventAndContinues(t *testing.T) {
	pub := new(capturingPublisher)
	g := New(Options{Store: newWindowStore(t, 10), Publisher: pub, Deriver: nil, Runtime: nil})

	failures := feed(t, g,
		keyedEvent("evt-1", "   ", 1),
		keyedEvent("evt-2", "alpha", 2))

	if len(failures) != 1 {
		t.Fatalf("expected one failure, got %v", failures)
	}
	if !errs.HasCode(failures[0], errs.CodeInvalid) {
		t.Fatalf("expected invalid code, got %v", failures[0])
	}
	if got := pub.timestamps(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("expected only the valid event published, got %v", got)
	}
}

func TestGateDecidesWithDerivedKey(t *testing.T) {
	pub := new(capturingPublisher)
	runtime := observability.NewRuntimeMetrics()
	g := New(Options{
		Store:     newWindowStore(t, 10),
		Publisher: pub,
		Deriver:   staticDeriver{key: "shared", err: nil},
		Runtime:   runtime,
	})

	failures := feed(t, g,
		keyedEvent("evt-1", "alpha", 1),
		keyedEvent("evt-2", "beta", 2))

	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
	if got := pub.timestamps(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected events collapsed onto the derived key, got %v", got)
	}
	snap := runtime.Snapshot()
	if snap.Suppressed[string(schema.EventTypeOrderSubmitted)] != 1 {
		t.Fatalf("expected one suppression, got %+v", snap.Suppressed)
	}
}

func TestGateFallsBackToEventKeyWhenDerivationFails(t *testing.T) {
	pub := new(capturingPublisher)
	g := New(Options{
		Store:     newWindowStore(t, 10),
		Publisher: pub,
		Deriver:   staticDeriver{key: "", err: fmt.Errorf("script blew up")},
		Runtime:   nil,
	})

	failures := feed(t, g,
		keyedEvent("evt-1", "alpha", 1),
		keyedEvent("evt-2", "alpha", 2))

	if len(failures) != 0 {
		t.Fatalf("derivation fallback should not surface failures, got %v", failures)
	}
	if got := pub.timestamps(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected fallback key to suppress the second event, got %v", got)
	}
}

func TestGateReportsPublishFailure(t *testing.T) {
	pub := new(capturingPublisher)
	pub.err = fmt.Errorf("bus unavailable")
	runtime := observability.NewRuntimeMetrics()
	g := New(Options{Store: newWindowStore(t, 10), Publisher: pub, Deriver: nil, Runtime: runtime})

	failures := feed(t, g, keyedEvent("evt-1", "alpha", 1))

	if len(failures) != 1 {
		t.Fatalf("expected publish failure reported, got %v", failures)
	}
	snap := runtime.Snapshot()
	if snap.Admitted[string(schema.EventTypeOrderSubmitted)] != 1 {
		t.Fatalf("admission should be counted before delivery, got %+v", snap.Admitted)
	}
}

func TestGateCountsDecisionsWithoutPublisher(t *testing.T) {
	runtime := observability.NewRuntimeMetrics()
	g := New(Options{Store: newWindowStore(t, 10), Publisher: nil, Deriver: nil, Runtime: runtime})

	failures := feed(t, g,
		keyedEvent("evt-1", "alpha", 1),
		keyedEvent("evt-2", "alpha", 2),
		keyedEvent("evt-3", "alpha", 11))

	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
	snap := runtime.Snapshot()
	if snap.Admitted[string(schema.EventTypeOrderSubmitted)] != 2 {
		t.Fatalf("expected two admissions, got %+v", snap.Admitted)
	}
	if snap.Suppressed[string(schema.EventTypeOrderSubmitted)] != 1 {
		t.Fatalf("expected one suppression, got %+v", snap.Suppressed)
	}
}

func TestGateDefaultsStoreWhenUnset(t *testing.T) {
	g := New(Options{Store: nil, Publisher: nil, Deriver: nil, Runtime: nil})
	if g.Store() == nil {
		t.Fatal("expected a default store")
	}
	if got := g.Store().Window(); got != throttle.DefaultWindow {
		t.Fatalf("expected default window %d, got %d", throttle.DefaultWindow, got)
	}
}

func TestGateRejectsSecondStart(t *testing.T) {
	g := New(Options{Store: newWindowStore(t, 10), Publisher: nil, Deriver: nil, Runtime: nil})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan *schema.Event)
	first := g.Start(ctx, in)

	err, ok := <-g.Start(ctx, in)
	if !ok || err == nil {
		t.Fatal("expected error from second start")
	}

	cancel()
	for range first {
	}
}
