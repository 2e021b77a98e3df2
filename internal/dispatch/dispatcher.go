// Package dispatch fans canonical events out to the configured output
// sinks. Sinks are uniform behind a single publish contract; a failing
// sink never blocks the others or the pipelines feeding the dispatcher.
package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hidbridge/hidbridge/internal/pipeline"
)

// Sink delivers canonical events to one output transport.
type Sink interface {
	Name() string
	Publish(ctx context.Context, event pipeline.CanonicalEvent) error
}

type Dispatcher struct {
	log      *zap.Logger
	sinks    []Sink
	failures *atomic.Int64
}

func New(log *zap.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		log:      log,
		sinks:    sinks,
		failures: atomic.NewInt64(0),
	}
}

// Dispatch delivers the event to every sink. Failures are counted and
// logged; they are never propagated to the caller. With zero sinks this
// is a no-op.
func (d *Dispatcher) Dispatch(ctx context.Context, event pipeline.CanonicalEvent) {
	var errs error
	for _, sink := range d.sinks {
		if err := sink.Publish(ctx, event); err != nil {
			d.failures.Inc()
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}
	if errs != nil {
		d.log.Warn("sink publish failed",
			zap.Error(errs),
			zap.String("eventType", event.EventType),
			zap.Int64("totalFailures", d.failures.Load()))
	}
}

// Failures reports the total number of failed sink deliveries.
func (d *Dispatcher) Failures() int64 {
	return d.failures.Load()
}

// SinkCount reports how many sinks are enabled.
func (d *Dispatcher) SinkCount() int {
	return len(d.sinks)
}
