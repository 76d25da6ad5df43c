// Command floodgate launches the admission gateway entrypoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"

	"github.com/coachpo/floodgate/config"
	"github.com/coachpo/floodgate/internal/bus/eventbus"
	"github.com/coachpo/floodgate/internal/control"
	"github.com/coachpo/floodgate/internal/gate"
	"github.com/coachpo/floodgate/internal/journal"
	"github.com/coachpo/floodgate/internal/keyscript"
	"github.com/coachpo/floodgate/internal/observability"
	"github.com/coachpo/floodgate/internal/schema"
	"github.com/coachpo/floodgate/internal/source"
	"github.com/coachpo/floodgate/internal/telemetry"
	"github.com/coachpo/floodgate/internal/throttle"
	"github.com/coachpo/floodgate/lib/async"
)

const (
	gatewayLoggerPrefix          = "floodgate "
	telemetryBusBuffer           = 64
	deadLetterCapacity           = 256
	journalPoolName              = "journal"
	journalPoolWorkers           = 2
	journalPoolQueue             = 64
	shutdownTimeout              = 30 * time.Second
	cancelStepTimeout            = 1 * time.Second
	controlServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout     = 10 * time.Second
	eventBusShutdownTimeout      = 2 * time.Second
	journalShutdownTimeout       = 5 * time.Second
	telemetryShutdownTimeout     = 5 * time.Second
	controlReadHeaderTimeout     = 5 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newGatewayLogger()
	observability.SetLogger(observability.NewStdLogger(logger, false))

	cfg, err := config.LoadGatewayConfig(ctx, cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: source=%s, window=%d, control=%s",
		cfg.Source.Kind, cfg.Throttle.Window, cfg.Control.Addr)

	telemetryProvider, err := initTelemetry(ctx, logger, cfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}
	observability.SetMetrics(observability.NewOTelMetrics(otel.Meter("floodgate")))

	store, err := throttle.New(cfg.Throttle.Window)
	if err != nil {
		logger.Fatalf("initialise throttle store: %v", err)
	}

	runtimeMetrics := observability.NewRuntimeMetrics()
	telemetryBus := observability.NewInMemoryTelemetryBus(telemetryBusBuffer)
	deadLetters := observability.NewDeadLetterQueue(deadLetterCapacity)

	var lifecycle conc.WaitGroup

	if err := drainTelemetry(ctx, &lifecycle, logger, telemetryBus); err != nil {
		logger.Fatalf("initialise telemetry drain: %v", err)
	}

	bus := newEventBus(cfg.Gate, telemetryBus)

	eventSource, err := buildSource(cfg.Source, runtimeMetrics, telemetryBus)
	if err != nil {
		logger.Fatalf("initialise source: %v", err)
	}

	admission, err := buildGate(cfg.Gate, store, bus, runtimeMetrics)
	if err != nil {
		logger.Fatalf("initialise gate: %v", err)
	}
	gate.ObserveStoreMetrics(store)

	events, sourceErrs := eventSource.Run(ctx)
	gateErrs := admission.Start(ctx, events)
	drainErrors(&lifecycle, logger, eventSource.Name(), sourceErrs)
	drainErrors(&lifecycle, logger, "gate", gateErrs)
	logger.Printf("admission pipeline running: source=%s", eventSource.Name())

	handles, err := startJournal(ctx, cfg.Journal, bus, runtimeMetrics, telemetryBus, deadLetters, &lifecycle, logger)
	if err != nil {
		logger.Fatalf("initialise journal: %v", err)
	}
	var journalStore *journal.Store
	if handles != nil {
		journalStore = handles.store
	}

	controlServer, err := buildControlServer(cfg.Control, store, journalStore, runtimeMetrics, telemetryBus, deadLetters)
	if err != nil {
		logger.Fatalf("initialise control server: %v", err)
	}
	startControlServer(&lifecycle, logger, controlServer)
	logger.Printf("control API listening on %s", controlServer.Addr)

	logger.Print("floodgate started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:       controlServer,
		mainCancel:   cancel,
		lifecycle:    &lifecycle,
		eventBus:     bus,
		journal:      handles,
		telemetryBus: telemetryBus,
		telemetry:    telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", "Path to gateway configuration file (default: config/floodgate.yaml)")
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newGatewayLogger() *log.Logger {
	return log.New(os.Stdout, gatewayLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Print("telemetry disabled")
	}
	return provider, nil
}

func newEventBus(cfg config.GateConfig, telemetryBus observability.TelemetryBus) *eventbus.MemoryBus {
	return eventbus.NewMemoryBus(eventbus.MemoryConfig{
		BufferSize:    cfg.Buffer,
		FanoutWorkers: 0,
		Telemetry:     telemetryBus,
	})
}

func buildSource(cfg config.SourceConfig, runtimeMetrics *observability.RuntimeMetrics, telemetryBus observability.TelemetryBus) (source.Source, error) {
	switch cfg.Kind {
	case string(config.SourceGenerator):
		return source.NewGenerator(source.GeneratorOptions{
			Keys:            cfg.Generator.Keys,
			EventsPerSecond: cfg.Generator.EventsPerSecond,
			Buffer:          0,
			Clock:           nil,
		}), nil
	case string(config.SourceWebsocket):
		return source.NewWebsocket(source.WebsocketOptions{
			URL:              cfg.Websocket.URL,
			HandshakeTimeout: cfg.Websocket.HandshakeTimeout,
			ReconnectMax:     0,
			Buffer:           0,
			Runtime:          runtimeMetrics,
			Telemetry:        telemetryBus,
		})
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Kind)
	}
}

func buildGate(cfg config.GateConfig, store *throttle.Store, bus eventbus.Bus, runtimeMetrics *observability.RuntimeMetrics) (*gate.Gate, error) {
	opts := gate.Options{
		Store:     store,
		Publisher: bus,
		Deriver:   nil,
		Runtime:   runtimeMetrics,
	}
	if script := strings.TrimSpace(cfg.Script); script != "" {
		compiled, err := keyscript.Load(script)
		if err != nil {
			return nil, fmt.Errorf("load key script: %w", err)
		}
		opts.Deriver = compiled
	}
	return gate.New(opts), nil
}

func drainErrors(lifecycle *conc.WaitGroup, logger *log.Logger, name string, errs <-chan error) {
	lifecycle.Go(func() {
		for err := range errs {
			logger.Printf("%s: %v", name, err)
		}
	})
}

// drainTelemetry logs every operational event published on the telemetry bus.
// The feed channel closes once ctx is cancelled, releasing the goroutine.
func drainTelemetry(ctx context.Context, lifecycle *conc.WaitGroup, logger *log.Logger, bus observability.TelemetryBus) error {
	feed, err := bus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe telemetry: %w", err)
	}
	lifecycle.Go(func() {
		for evt := range feed {
			logger.Printf("telemetry: type=%s, severity=%s, metadata=%v", evt.Type, evt.Severity, evt.Metadata)
		}
	})
	return nil
}

type journalHandles struct {
	store *journal.Store
	pool  *pgxpool.Pool
	tasks *async.Pool
}

func startJournal(ctx context.Context, cfg config.JournalConfig, bus eventbus.Bus, runtimeMetrics *observability.RuntimeMetrics, telemetryBus observability.TelemetryBus, deadLetters *observability.DeadLetterQueue, lifecycle *conc.WaitGroup, logger *log.Logger) (*journalHandles, error) {
	if !cfg.Enabled {
		logger.Print("journal disabled; admitted events are not persisted")
		return nil, nil
	}

	pool, err := journal.Connect(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect journal store: %w", err)
	}
	journal.ObservePoolMetrics(pool, journalPoolName)

	tasks, err := async.NewPool(journalPoolName, journalPoolWorkers, journalPoolQueue)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create journal worker pool: %w", err)
	}

	store := journal.NewStore(pool)
	writer, err := journal.NewWriter(journal.WriterOptions{
		Store:       store,
		Runtime:     runtimeMetrics,
		Telemetry:   telemetryBus,
		DeadLetters: deadLetters,
		Pool:        tasks,
		Clock:       nil,
	})
	if err != nil {
		tasks.Close()
		pool.Close()
		return nil, fmt.Errorf("create journal writer: %w", err)
	}

	feed, err := subscribeAll(ctx, bus)
	if err != nil {
		tasks.Close()
		pool.Close()
		return nil, fmt.Errorf("subscribe journal feed: %w", err)
	}

	drainErrors(lifecycle, logger, "journal", writer.Run(ctx, feed))
	logger.Print("journal writer running")

	return &journalHandles{store: store, pool: pool, tasks: tasks}, nil
}

// subscribeAll merges one bus subscription per event category into a single
// feed. The merged channel closes once every subscription channel closes or
// the context is cancelled.
func subscribeAll(ctx context.Context, bus eventbus.Bus) (<-chan *schema.Event, error) {
	types := schema.EventTypes()
	feeds := make([]<-chan *schema.Event, 0, len(types))
	for _, typ := range types {
		_, ch, err := bus.Subscribe(ctx, typ)
		if err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", typ, err)
		}
		feeds = append(feeds, ch)
	}

	merged := make(chan *schema.Event)
	var forwarders conc.WaitGroup
	for _, feed := range feeds {
		forwarders.Go(func() {
			for evt := range feed {
				select {
				case merged <- evt:
				case <-ctx.Done():
					return
				}
			}
		})
	}
	go func() {
		forwarders.Wait()
		close(merged)
	}()
	return merged, nil
}

func buildControlServer(cfg config.ControlConfig, store *throttle.Store, journalStore *journal.Store, runtimeMetrics *observability.RuntimeMetrics, telemetryBus observability.TelemetryBus, deadLetters *observability.DeadLetterQueue) (*http.Server, error) {
	handler, err := control.NewHandler(control.Options{
		Store:       store,
		Journal:     journalStore,
		Runtime:     runtimeMetrics,
		Telemetry:   telemetryBus,
		DeadLetters: deadLetters,
	})
	if err != nil {
		return nil, fmt.Errorf("build control handler: %w", err)
	}

	return &http.Server{
		Addr:                         cfg.Addr,
		Handler:                      handler,
		DisableGeneralOptionsHandler: false,
		TLSConfig:                    nil,
		ReadTimeout:                  0,
		WriteTimeout:                 0,
		IdleTimeout:                  0,
		MaxHeaderBytes:               0,
		TLSNextProto:                 nil,
		ConnState:                    nil,
		ErrorLog:                     nil,
		BaseContext:                  nil,
		ConnContext:                  nil,
		HTTP2:                        nil,
		Protocols:                    nil,
		ReadHeaderTimeout:            controlReadHeaderTimeout,
	}, nil
}

func startControlServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("control server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server       *http.Server
	mainCancel   context.CancelFunc
	lifecycle    *conc.WaitGroup
	eventBus     eventbus.Bus
	journal      *journalHandles
	telemetryBus observability.TelemetryBus
	telemetry    *telemetry.Provider
}

// shutdownStep is one bounded stage of the teardown sequence.
type shutdownStep struct {
	name    string
	timeout time.Duration
	run     func(context.Context) error
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	for _, step := range shutdownSequence(cfg) {
		stepCtx, cancel := context.WithTimeout(ctx, step.timeout)
		logger.Printf("shutdown: %s...", step.name)
		if err := step.run(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", step.name, err)
		} else {
			logger.Printf("shutdown: %s completed", step.name)
		}
		cancel()
	}
}

// shutdownSequence orders teardown so producers stop before the stores and
// buses they feed.
func shutdownSequence(cfg gracefulShutdownConfig) []shutdownStep {
	steps := make([]shutdownStep, 0, 7)
	if cfg.server != nil {
		steps = append(steps, shutdownStep{
			name:    "stopping control server",
			timeout: controlServerShutdownTimeout,
			run:     cfg.server.Shutdown,
		})
	}
	steps = append(steps, shutdownStep{
		name:    "cancelling main context",
		timeout: cancelStepTimeout,
		run: func(context.Context) error {
			if cfg.mainCancel != nil {
				cfg.mainCancel()
			}
			return nil
		},
	})
	if cfg.lifecycle != nil {
		steps = append(steps, shutdownStep{
			name:    "waiting for lifecycle goroutines",
			timeout: lifecycleShutdownTimeout,
			run: func(stepCtx context.Context) error {
				return waitWithin(stepCtx, cfg.lifecycle.Wait)
			},
		})
	}
	if cfg.eventBus != nil {
		steps = append(steps, shutdownStep{
			name:    "closing event bus",
			timeout: eventBusShutdownTimeout,
			run: func(stepCtx context.Context) error {
				return waitWithin(stepCtx, cfg.eventBus.Close)
			},
		})
	}
	if cfg.journal != nil {
		steps = append(steps, shutdownStep{
			name:    "draining journal workers",
			timeout: journalShutdownTimeout,
			run: func(stepCtx context.Context) error {
				if err := cfg.journal.tasks.Shutdown(stepCtx); err != nil {
					return err
				}
				cfg.journal.pool.Close()
				return nil
			},
		})
	}
	if cfg.telemetryBus != nil {
		steps = append(steps, shutdownStep{
			name:    "closing telemetry bus",
			timeout: cancelStepTimeout,
			run: func(context.Context) error {
				cfg.telemetryBus.Close()
				return nil
			},
		})
	}
	if cfg.telemetry != nil {
		steps = append(steps, shutdownStep{
			name:    "shutting down telemetry",
			timeout: telemetryShutdownTimeout,
			run:     cfg.telemetry.Shutdown,
		})
	}
	return steps
}

// waitWithin runs the blocking fn, failing the step once ctx expires. The
// goroutine backing fn keeps running; teardown moves on regardless.
func waitWithin(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
