// Package control exposes the HTTP facade for runtime throttle administration.
package control

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/floodgate/errs"
	"github.com/coachpo/floodgate/internal/journal"
	"github.com/coachpo/floodgate/internal/observability"
	"github.com/coachpo/floodgate/internal/telemetry"
	"github.com/coachpo/floodgate/internal/throttle"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	windowPath        = "/throttle/window"
	clearPath         = "/throttle/clear"
	keysPath          = "/throttle/keys"
	gateStatsPath     = "/metrics/gate"
	journalRecentPath = "/journal/recent"
	deadLetterPath    = "/journal/deadletter"
	healthPath        = "/healthz"
)

const (
	opWindowGet     = "window.get"
	opWindowUpdate  = "window.update"
	opStoreClear    = "store.clear"
	opKeysCount     = "keys.count"
	opGateStats     = "gate.stats"
	opJournalRecent = "journal.recent"
	opDeadLetters   = "journal.deadletter"

	resultOK    = "ok"
	resultError = "error"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

// Options wires the control surface to the running gateway. Store is
// required. The remaining dependencies are optional; endpoints that need an
// absent dependency answer 503.
type Options struct {
	Store       *throttle.Store
	Journal     *journal.Store
	Runtime     *observability.RuntimeMetrics
	Telemetry   observability.TelemetryBus
	DeadLetters *observability.DeadLetterQueue
}

type server struct {
	store       *throttle.Store
	journal     *journal.Store
	runtime     *observability.RuntimeMetrics
	bus         observability.TelemetryBus
	deadLetters *observability.DeadLetterQueue

	operations metric.Int64Counter
}

// NewHandler builds the control-plane HTTP handler.
func NewHandler(opts Options) (http.Handler, error) {
	if opts.Store == nil {
		return nil, errs.New("control/new", errs.CodeInvalid, errs.WithMessage("throttle store required"))
	}
	srv := new(server)
	srv.store = opts.Store
	srv.journal = opts.Journal
	srv.runtime = opts.Runtime
	srv.bus = opts.Telemetry
	srv.deadLetters = opts.DeadLetters

	meter := otel.Meter("control")
	srv.operations, _ = meter.Int64Counter("control.operations",
		metric.WithDescription("Number of control-plane operations by result"),
		metric.WithUnit("{operation}"))

	mux := http.NewServeMux()
	mux.Handle(windowPath, srv.methodHandlers(map[string]handlerFunc{
		http.MethodGet: srv.getWindow,
		http.MethodPut: srv.updateWindow,
	}))
	mux.Handle(clearPath, srv.methodHandlers(map[string]handlerFunc{
		http.MethodPost: srv.clearStore,
	}))
	mux.Handle(keysPath, srv.methodHandlers(map[string]handlerFunc{
		http.MethodGet: srv.getKeyCount,
	}))
	mux.Handle(gateStatsPath, srv.methodHandlers(map[string]handlerFunc{
		http.MethodGet: srv.getGateStats,
	}))
	mux.Handle(journalRecentPath, srv.methodHandlers(map[string]handlerFunc{
		http.MethodGet: srv.getJournalRecent,
	}))
	mux.Handle(deadLetterPath, srv.methodHandlers(map[string]handlerFunc{
		http.MethodGet: srv.getDeadLetters,
	}))
	mux.Handle(healthPath, srv.methodHandlers(map[string]handlerFunc{
		http.MethodGet: srv.health,
	}))
	return mux, nil
}

func (s *server) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *server) getWindow(w http.ResponseWriter, r *http.Request) {
	s.recordOperation(r.Context(), opWindowGet, resultOK)
	writeJSON(w, http.StatusOK, map[string]int64{"window": s.store.Window()})
}

type windowPayload struct {
	Window int64 `json:"window"`
}

func (s *server) updateWindow(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	payload, err := decodeWindowPayload(r)
	if err != nil {
		s.recordOperation(r.Context(), opWindowUpdate, resultError)
		writeDecodeError(w, err)
		return
	}
	previous := s.store.Window()
	if err := s.store.UpdateWindow(payload.Window); err != nil {
		s.recordOperation(r.Context(), opWindowUpdate, resultError)
		writeStoreError(w, err)
		return
	}
	if s.runtime != nil {
		s.runtime.IncrementWindowUpdates()
	}
	s.publishTelemetry(r.Context(), observability.TelemetryEventWindowUpdated, map[string]any{
		"old_window": previous,
		"new_window": payload.Window,
	})
	s.recordOperation(r.Context(), opWindowUpdate, resultOK)
	writeJSON(w, http.StatusOK, map[string]any{"status": "updated", "window": payload.Window})
}

func (s *server) clearStore(w http.ResponseWriter, r *http.Request) {
	// Counted before the swap, so keys admitted in between are cleared but
	// not reported.
	removed := s.store.KeyCount()
	s.store.Clear()
	if s.runtime != nil {
		s.runtime.IncrementStoreClears()
	}
	s.publishTelemetry(r.Context(), observability.TelemetryEventStoreCleared, map[string]any{
		"keys_removed": removed,
	})
	s.recordOperation(r.Context(), opStoreClear, resultOK)
	writeJSON(w, http.StatusOK, map[string]any{"status": "cleared", "keys_removed": removed})
}

func (s *server) getKeyCount(w http.ResponseWriter, r *http.Request) {
	s.recordOperation(r.Context(), opKeysCount, resultOK)
	writeJSON(w, http.StatusOK, map[string]int{"keys": s.store.KeyCount()})
}

func (s *server) getGateStats(w http.ResponseWriter, r *http.Request) {
	if s.runtime == nil {
		s.recordOperation(r.Context(), opGateStats, resultError)
		writeError(w, http.StatusServiceUnavailable, "runtime metrics unavailable")
		return
	}
	s.recordOperation(r.Context(), opGateStats, resultOK)
	writeJSON(w, http.StatusOK, s.runtime.Snapshot())
}

func (s *server) getJournalRecent(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.recordOperation(r.Context(), opJournalRecent, resultError)
		writeError(w, http.StatusServiceUnavailable, "journal disabled")
		return
	}
	query := journal.Query{
		Key:   strings.TrimSpace(r.URL.Query().Get("key")),
		Type:  strings.TrimSpace(r.URL.Query().Get("type")),
		Limit: 0,
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			s.recordOperation(r.Context(), opJournalRecent, resultError)
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		query.Limit = limit
	}
	records, err := s.journal.Recent(r.Context(), query)
	if err != nil {
		s.recordOperation(r.Context(), opJournalRecent, resultError)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := s.journal.Count(r.Context())
	if err != nil {
		s.recordOperation(r.Context(), opJournalRecent, resultError)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.recordOperation(r.Context(), opJournalRecent, resultOK)
	writeJSON(w, http.StatusOK, map[string]any{"records": records, "total": total})
}

// getDeadLetters hands out the telemetry events parked after failed journal
// appends. Reading drains the queue.
func (s *server) getDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.deadLetters == nil {
		s.recordOperation(r.Context(), opDeadLetters, resultError)
		writeError(w, http.StatusServiceUnavailable, "dead letter queue unavailable")
		return
	}
	events := s.deadLetters.Drain()
	s.recordOperation(r.Context(), opDeadLetters, resultOK)
	writeJSON(w, http.StatusOK, map[string]any{
		"events":  events,
		"count":   len(events),
		"dropped": s.deadLetters.Dropped(),
	})
}

func (s *server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"window": s.store.Window(),
		"keys":   s.store.KeyCount(),
	})
}

func (s *server) publishTelemetry(ctx context.Context, eventType observability.TelemetryEventType, metadata map[string]any) {
	if s.bus == nil {
		return
	}
	evt := observability.TelemetryEvent{
		EventID:   uuid.NewString(),
		Type:      eventType,
		Severity:  observability.TelemetrySeverityInfo,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
	if err := s.bus.Publish(ctx, evt); err != nil {
		observability.Log().Error("control telemetry publish failed",
			observability.F("type", string(eventType)),
			observability.F("error", err))
	}
}

func (s *server) recordOperation(ctx context.Context, operation, result string) {
	if s.operations == nil {
		return
	}
	s.operations.Add(ctx, 1,
		metric.WithAttributes(telemetry.OperationResultAttributes(telemetry.Environment(), "control", operation, result)...))
}

func decodeWindowPayload(r *http.Request) (windowPayload, error) {
	defer func() {
		_ = r.Body.Close()
	}()
	var payload windowPayload
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	return payload, nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

// writeStoreError maps structured store errors onto HTTP statuses, honoring
// an explicit status carried by the error itself.
func writeStoreError(w http.ResponseWriter, err error) {
	var e *errs.E
	if errors.As(err, &e) && e.HTTP > 0 {
		writeError(w, e.HTTP, err.Error())
		return
	}
	writeError(w, statusForCode(errs.CodeOf(err)), err.Error())
}

func statusForCode(code errs.Code) int {
	switch code {
	case errs.CodeInvalid:
		return http.StatusBadRequest
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeConflict:
		return http.StatusConflict
	case errs.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}
