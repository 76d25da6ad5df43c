package unit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/floodgate/internal/source"
	"github.com/coachpo/floodgate/tests/unit/fakes"
)

func TestGeneratorStampsIngestTimeFromClock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := fakes.NewFakeClock(start)

	gen := source.NewGenerator(source.GeneratorOptions{
		Keys:            []string{"alpha"},
		EventsPerSecond: 500,
		Buffer:          8,
		Clock:           clock.Now,
	})

	events, errc := gen.Run(ctx)
	require.NotNil(t, errc)

	select {
	case evt := <-events:
		require.True(t, evt.IngestTS.Equal(start))
		require.EqualValues(t, 1, evt.Timestamp)
		require.Equal(t, "alpha", evt.Key)
	case <-time.After(2 * time.Second):
		t.Fatal("expected generated event")
	}

	clock.Advance(time.Minute)

	// Events already buffered carry the old stamp; a freshly generated
	// one must observe the advanced clock.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-events:
			if evt.IngestTS.Equal(start.Add(time.Minute)) {
				return
			}
		case <-deadline:
			t.Fatal("expected event stamped with advanced clock")
		}
	}
}
