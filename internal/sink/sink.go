// Package sink delivers fused detection results to external systems. Every
// sink is best effort: a failing destination is logged and counted but never
// blocks the detection loops or the other sinks.
package sink

import (
	"context"

	"go.uber.org/zap"

	"github.com/arguscam/argus/internal/detect"
	"github.com/arguscam/argus/internal/metrics"
)

// Sink is one delivery destination for detection results.
type Sink interface {
	Name() string
	Publish(ctx context.Context, r *detect.Result) error
	Close() error
}

// Fanout publishes each result to every configured sink. It satisfies
// detect.Publisher and always returns nil: per-sink failures are recorded,
// not propagated.
type Fanout struct {
	sinks  []Sink
	logger *zap.Logger
}

// NewFanout wires the given sinks together. An empty sink list is valid and
// discards all results.
func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{
		sinks:  sinks,
		logger: zap.L().Named("sink"),
	}
}

// Publish delivers the result to all sinks in order.
func (f *Fanout) Publish(ctx context.Context, r *detect.Result) error {
	for _, s := range f.sinks {
		if err := s.Publish(ctx, r); err != nil {
			metrics.PublishFailures.WithLabelValues(s.Name()).Inc()
			f.logger.Warn("sink publish failed",
				zap.String("sink", s.Name()),
				zap.String("source", r.SourceID),
				zap.Error(err))
		}
	}
	return nil
}

// Close closes all sinks, logging but not returning individual failures.
func (f *Fanout) Close() {
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			f.logger.Warn("sink close failed",
				zap.String("sink", s.Name()), zap.Error(err))
		}
	}
}
