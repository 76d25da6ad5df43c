// Package throttle implements the per-key sliding-window admission store.
package throttle

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/coachpo/floodgate/errs"
	"github.com/coachpo/floodgate/internal/observability"
)

// DefaultWindow is the window, in ticks, applied when a caller does not
// supply one.
const DefaultWindow int64 = 10

// Store tracks the last accepted timestamp per key and admits at most one
// event per key per window. Timestamps are caller-supplied ticks; the store
// never reads the wall clock. Keys persist until an explicit Clear.
type Store struct {
	window atomic.Int64

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	seen bool
	last int64
}

// New constructs an empty store admitting at most one event per key per
// window ticks. Non-positive windows are rejected.
func New(window int64) (*Store, error) {
	if window <= 0 {
		return nil, errs.New("throttle/new", errs.CodeInvalid,
			errs.WithMessage("window must be positive"),
			errs.WithField("window", strconv.FormatInt(window, 10)))
	}
	return newStore(window), nil
}

// NewDefault constructs an empty store with the default window.
func NewDefault() *Store {
	return newStore(DefaultWindow)
}

func newStore(window int64) *Store {
	store := new(Store)
	store.entries = make(map[string]*entry)
	store.window.Store(window)
	observability.Log().Info("throttle store initialized", observability.F("window", window))
	return store
}

// ShouldProcess reports whether the event identified by eventID should be
// processed for key at the given timestamp. The first event for a key is
// always admitted; afterwards an event is admitted only once
// timestamp - last >= window, where last is the timestamp of the key's most
// recent admitted event. Admission stores the new timestamp; suppression
// leaves the store untouched. A timestamp earlier than last counts as "not
// enough time elapsed" and is suppressed, never rejected. eventID is used
// for diagnostics only.
func (s *Store) ShouldProcess(timestamp int64, eventID, key string) bool {
	e := s.entryFor(key)

	e.mu.Lock()
	window := s.window.Load()
	elapsed := timestamp - e.last
	admitted := !e.seen || elapsed >= window
	if admitted {
		e.seen = true
		e.last = timestamp
	}
	e.mu.Unlock()

	if admitted {
		observability.Log().Debug("event admitted",
			observability.F("event_id", eventID),
			observability.F("key", key),
			observability.F("timestamp", timestamp))
	} else {
		observability.Log().Debug("event suppressed",
			observability.F("event_id", eventID),
			observability.F("key", key),
			observability.F("timestamp", timestamp),
			observability.F("elapsed", elapsed),
			observability.F("window", window))
	}
	return admitted
}

// entryFor returns the decision entry for key, creating it on first use. The
// map lock is released before the caller takes the entry lock, so the two
// are never held together.
func (s *Store) entryFor(key string) *entry {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e
	}
	e = new(entry)
	s.entries[key] = e
	return e
}

// UpdateWindow replaces the active window. The new value applies to every
// decision that has not yet read the window, including callers currently
// blocked on a key entry; past decisions are never reinterpreted. The
// previous window stays in effect when validation fails.
func (s *Store) UpdateWindow(newWindow int64) error {
	if newWindow <= 0 {
		return errs.New("throttle/update-window", errs.CodeInvalid,
			errs.WithMessage("window must be positive"),
			errs.WithField("window", strconv.FormatInt(newWindow, 10)))
	}
	old := s.window.Swap(newWindow)
	observability.Log().Info("throttle window updated",
		observability.F("old_window", old),
		observability.F("new_window", newWindow))
	return nil
}

// Window returns the currently active window.
func (s *Store) Window() int64 {
	return s.window.Load()
}

// Clear forgets every tracked key. The window is unaffected and subsequent
// events are treated as first-seen. Clearing an empty store is a no-op.
func (s *Store) Clear() {
	s.mu.Lock()
	removed := len(s.entries)
	s.entries = make(map[string]*entry)
	s.mu.Unlock()

	observability.Log().Info("throttle store cleared", observability.F("keys_removed", removed))
}

// KeyCount returns the number of distinct keys currently tracked.
func (s *Store) KeyCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
