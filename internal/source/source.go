// Package source provides event sources that feed the admission gate.
package source

import (
	"context"

	"github.com/coachpo/floodgate/internal/schema"
)

// Source emits keyed events until its context is cancelled. Both returned
// channels close when the source stops.
type Source interface {
	Name() string
	Run(ctx context.Context) (<-chan *schema.Event, <-chan error)
}

func emitEvent(ctx context.Context, out chan<- *schema.Event, evt *schema.Event) {
	if evt == nil {
		return
	}
	select {
	case <-ctx.Done():
	case out <- evt:
	}
}

func reportError(ctx context.Context, out chan<- error, err error) {
	if err == nil {
		return
	}
	select {
	case <-ctx.Done():
	case out <- err:
	default:
	}
}
