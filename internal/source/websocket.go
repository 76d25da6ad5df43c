package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/coachpo/floodgate/errs"
	"github.com/coachpo/floodgate/internal/observability"
	"github.com/coachpo/floodgate/internal/schema"
)

// WebsocketOptions configures the websocket event source.
type WebsocketOptions struct {
	URL              string
	HandshakeTimeout time.Duration
	ReconnectMax     time.Duration
	Buffer           int
	Runtime          *observability.RuntimeMetrics
	Telemetry        observability.TelemetryBus
}

// Websocket consumes JSON events from a websocket endpoint, reconnecting with
// exponential backoff when the connection drops.
type Websocket struct {
	url          string
	handshake    time.Duration
	reconnectMax time.Duration
	buffer       int
	runtime      *observability.RuntimeMetrics
	telemetry    observability.TelemetryBus

	started atomic.Bool
}

// NewWebsocket constructs a websocket source for the given endpoint.
func NewWebsocket(opts WebsocketOptions) (*Websocket, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, errs.New("source/websocket", errs.CodeInvalid, errs.WithMessage("websocket url required"))
	}
	handshake := opts.HandshakeTimeout
	if handshake <= 0 {
		handshake = 10 * time.Second
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 128
	}

	w := new(Websocket)
	w.url = url
	w.handshake = handshake
	w.reconnectMax = opts.ReconnectMax
	w.buffer = buffer
	w.runtime = opts.Runtime
	w.telemetry = opts.Telemetry
	return w, nil
}

// Name identifies the source in logs and telemetry.
func (w *Websocket) Name() string { return "websocket" }

// Run connects and emits decoded events until the context is cancelled.
func (w *Websocket) Run(ctx context.Context) (<-chan *schema.Event, <-chan error) {
	events := make(chan *schema.Event, w.buffer)
	errCh := make(chan error, 8)

	if ctx == nil {
		ctx = context.Background()
	}
	if !w.started.CompareAndSwap(false, true) {
		close(events)
		errCh <- fmt.Errorf("websocket source already running")
		close(errCh)
		return events, errCh
	}

	go w.manage(ctx, events, errCh)
	return events, errCh
}

func (w *Websocket) manage(ctx context.Context, events chan *schema.Event, errCh chan error) {
	defer close(events)
	defer close(errCh)

	backoffCfg := backoff.NewExponentialBackOff()
	if w.reconnectMax > 0 {
		backoffCfg.MaxInterval = w.reconnectMax
	}

	connects := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		dialCtx, cancel := context.WithTimeout(ctx, w.handshake)
		conn, _, err := websocket.Dial(dialCtx, w.url, nil)
		cancel()
		if err != nil {
			reportError(ctx, errCh, fmt.Errorf("dial %s: %w", w.url, err))
			if !w.sleep(ctx, backoffCfg.NextBackOff()) {
				return
			}
			continue
		}

		connects++
		backoffCfg.Reset()
		if connects > 1 {
			w.recordReconnect(ctx, connects-1)
		}
		observability.Log().Info("websocket source connected", observability.F("url", w.url))

		if err := w.readLoop(ctx, conn, events, errCh); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			reportError(ctx, errCh, fmt.Errorf("read loop: %w", err))
		}

		if !w.sleep(ctx, backoffCfg.NextBackOff()) {
			return
		}
	}
}

// readLoop decodes text frames into events until the connection drops.
// Malformed frames are reported and skipped rather than tearing the
// connection down.
func (w *Websocket) readLoop(ctx context.Context, conn *websocket.Conn, events chan *schema.Event, errCh chan error) error {
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return context.Canceled
			}
			return fmt.Errorf("read: %w", err)
		}

		if msgType != websocket.MessageText {
			continue
		}

		evt := new(schema.Event)
		if err := json.Unmarshal(data, evt); err != nil {
			reportError(ctx, errCh, fmt.Errorf("decode event: %w", err))
			continue
		}
		if strings.TrimSpace(evt.EventID) == "" {
			evt.EventID = uuid.NewString()
		}
		evt.IngestTS = time.Now().UTC()
		if err := evt.Validate(); err != nil {
			reportError(ctx, errCh, err)
			continue
		}
		emitEvent(ctx, events, evt)
	}
}

func (w *Websocket) recordReconnect(ctx context.Context, reconnects int) {
	observability.Log().Info("websocket source reconnected",
		observability.F("url", w.url),
		observability.F("reconnects", reconnects))
	if w.runtime != nil {
		w.runtime.IncrementSourceReconnects()
	}
	if w.telemetry != nil {
		_ = w.telemetry.Publish(ctx, observability.TelemetryEvent{
			EventID:   uuid.NewString(),
			Type:      observability.TelemetryEventSourceReconnected,
			Severity:  observability.TelemetrySeverityWarn,
			Timestamp: time.Now().UTC(),
			Metadata:  map[string]any{"url": w.url, "reconnects": reconnects},
		})
	}
}

func (w *Websocket) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
