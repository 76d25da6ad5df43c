// Command throttle-demo walks the admission store through representative
// usage scenarios: the canonical sequence, a mid-stream window change,
// concurrent workers, and a high-load stats run.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"time"

	"github.com/coachpo/floodgate/config"
	"github.com/coachpo/floodgate/internal/observability"
	"github.com/coachpo/floodgate/internal/telemetry"
	"github.com/coachpo/floodgate/internal/throttle"
	"github.com/coachpo/floodgate/lib/async"
	libtelemetry "github.com/coachpo/floodgate/lib/telemetry"
)

const (
	demoLoggerPrefix    = "throttle-demo "
	demoShutdownTimeout = 5 * time.Second

	basicWindow   = 10
	dynamicWindow = 10
	dynamicShrunk = 3

	workerWindow = 5
	workerCount  = 10
	workerEvents = 20
	poolWorkers  = 4

	defaultLoadKeys   = 100
	defaultLoadEvents = 100
)

func main() {
	loadKeys := flag.Int("load-keys", defaultLoadKeys, "distinct keys for the high-load run")
	loadEvents := flag.Int("load-events", defaultLoadEvents, "events per key for the high-load run")
	window := flag.Int64("window", 0, "admission window for the high-load run (0 uses FLOODGATE_WINDOW or the default)")
	otlpEndpoint := flag.String("otlp-endpoint", "", "OTLP endpoint for demo telemetry (empty disables export)")
	flag.Parse()

	logger := log.New(os.Stdout, demoLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(observability.NewStdLogger(logger, true))

	ctx := context.Background()
	settings := config.Apply(config.FromEnv(), config.WithWindow(*window))

	_, shutdownTelemetry, err := libtelemetry.Init(ctx, config.TelemetryConfig{
		OTLPEndpoint: *otlpEndpoint,
		ServiceName:  "throttle-demo",
	})
	if err != nil {
		logger.Fatalf("initialise telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), demoShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Printf("telemetry shutdown: %v", err)
		}
	}()

	logger.Printf("environment=%s load window=%d", settings.Environment, settings.Window)

	runBasicScenario(logger)
	runDynamicWindowScenario(logger)
	runConcurrentScenario(ctx, logger)
	runHighLoadScenario(logger, settings.Window, *loadKeys, *loadEvents)

	logger.Print("all scenarios completed")
}

// runBasicScenario replays the canonical five event admission sequence.
func runBasicScenario(logger *log.Logger) {
	logger.Print("scenario: basic sequence")
	store, err := throttle.New(basicWindow)
	if err != nil {
		logger.Fatalf("basic scenario: %v", err)
	}

	steps := []struct {
		timestamp int64
		eventID   string
		key       string
		want      bool
	}{
		{timestamp: 1, eventID: "e1", key: "userA", want: true},
		{timestamp: 5, eventID: "e2", key: "userA", want: false},
		{timestamp: 12, eventID: "e3", key: "userA", want: true},
		{timestamp: 15, eventID: "e4", key: "userB", want: true},
		{timestamp: 20, eventID: "e5", key: "userB", want: false},
	}
	for _, step := range steps {
		got := store.ShouldProcess(step.timestamp, step.eventID, step.key)
		logger.Printf("t=%d key=%s event=%s admitted=%t expected=%t", step.timestamp, step.key, step.eventID, got, step.want)
	}
}

// runDynamicWindowScenario shrinks the window mid-stream and shows the
// admission flips that follow.
func runDynamicWindowScenario(logger *log.Logger) {
	logger.Print("scenario: dynamic window")
	store, err := throttle.New(dynamicWindow)
	if err != nil {
		logger.Fatalf("dynamic scenario: %v", err)
	}

	logger.Printf("initial window: %d", store.Window())
	logger.Printf("t=1 admitted=%t", store.ShouldProcess(1, "e1", "userX"))
	logger.Printf("t=5 admitted=%t", store.ShouldProcess(5, "e2", "userX"))

	if err := store.UpdateWindow(dynamicShrunk); err != nil {
		logger.Fatalf("dynamic scenario: %v", err)
	}
	logger.Printf("window updated to %d", store.Window())

	// Last admission was t=1, so 5-1 clears the shrunk window.
	logger.Printf("t=5 admitted=%t", store.ShouldProcess(5, "e3", "userX"))
	logger.Printf("t=7 admitted=%t", store.ShouldProcess(7, "e4", "userX"))
	logger.Printf("t=9 admitted=%t", store.ShouldProcess(9, "e5", "userX"))
}

// runConcurrentScenario drives one key per worker through a shared store on
// a bounded pool.
func runConcurrentScenario(ctx context.Context, logger *log.Logger) {
	logger.Print("scenario: concurrent workers")
	store, err := throttle.New(workerWindow)
	if err != nil {
		logger.Fatalf("concurrent scenario: %v", err)
	}
	pool, err := async.NewPool("demo-workers", poolWorkers, workerCount)
	if err != nil {
		logger.Fatalf("concurrent scenario: %v", err)
	}

	for worker := 0; worker < workerCount; worker++ {
		submitErr := pool.Submit(ctx, func(context.Context) error {
			key := fmt.Sprintf("worker-%d", worker)
			rng := rand.New(rand.NewPCG(uint64(worker)+1, 0))
			var timestamp int64
			admitted := 0
			for i := 0; i < workerEvents; i++ {
				timestamp += int64(rng.IntN(4))
				if store.ShouldProcess(timestamp, fmt.Sprintf("evt-%d-%d", worker, i), key) {
					admitted++
				}
			}
			logger.Printf("worker %d admitted %d/%d events", worker, admitted, workerEvents)
			return nil
		})
		if submitErr != nil {
			logger.Printf("submit worker %d: %v", worker, submitErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, demoShutdownTimeout)
	defer cancel()
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Printf("worker pool shutdown: %v", err)
	}
	logger.Printf("tracked keys after run: %d", store.KeyCount())
}

// runHighLoadScenario measures admission throughput across a large key
// population with random tick gaps.
func runHighLoadScenario(logger *log.Logger, window int64, keys, eventsPerKey int) {
	logger.Printf("scenario: high load (%d keys, %d events each, window %d)", keys, eventsPerKey, window)
	store, err := throttle.New(window)
	if err != nil {
		logger.Fatalf("high-load scenario: %v", err)
	}

	load := telemetry.NewLoadMetrics()
	load.SetEmitter(func(report telemetry.LoadReport) {
		logger.Printf("load report: admitted=%d suppressed=%d suppression=%.2f%% rate=%.0f events/s",
			report.Finished.Admitted, report.Finished.Suppressed,
			report.SuppressionPercent, report.EventsPerSecond)
	})
	load.RecordStart("high-load")

	rng := rand.New(rand.NewPCG(99, 0))
	admitted, suppressed := 0, 0
	for user := 0; user < keys; user++ {
		key := fmt.Sprintf("user-%d", user)
		var timestamp int64
		for event := 0; event < eventsPerKey; event++ {
			timestamp += int64(rng.IntN(11))
			if store.ShouldProcess(timestamp, fmt.Sprintf("evt-%d-%d", user, event), key) {
				admitted++
			} else {
				suppressed++
			}
		}
	}

	load.RecordFinish(admitted, suppressed, "high-load")
	logger.Printf("tracked keys: %d", store.KeyCount())
}
