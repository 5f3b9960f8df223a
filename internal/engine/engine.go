// Package engine ties the capture manager, the detection pipeline and the
// anomaly scorer together behind one lifecycle. The binary talks to this
// facade; the layers below never reference each other directly.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/arguscam/argus/internal/anomaly"
	"github.com/arguscam/argus/internal/capture"
	"github.com/arguscam/argus/internal/config"
	"github.com/arguscam/argus/internal/detect"
	"github.com/arguscam/argus/internal/frame"
)

// Status is the full runtime picture across all layers.
type Status struct {
	Running  bool                      `json:"running"`
	Sources  map[string]capture.Status `json:"sources"`
	Pipeline detect.Stats              `json:"pipeline"`
	Anomaly  anomaly.Stats             `json:"anomaly"`
}

// Engine owns the capture and detection layers.
type Engine struct {
	cfg      *config.Config
	captures *capture.Manager
	pipeline *detect.Pipeline
	scorer   *anomaly.Scorer
	logger   *zap.Logger
	running  atomic.Bool
}

// New wires the layers together. The anomaly scorer is built here and
// injected into the detection pipeline so threshold updates and feedback go
// through one place.
func New(ctx context.Context, cfg *config.Config, opener capture.Opener, detectors detect.Detectors, publisher detect.Publisher, models anomaly.Models) *Engine {
	captures := capture.NewManager(ctx, opener, cfg.Capture)
	scorer := anomaly.NewScorer(cfg.Anomaly, models)
	detectors.Anomaly = scorer
	pipeline := detect.NewPipeline(ctx, captures, detectors, publisher, cfg.Detect)

	return &Engine{
		cfg:      cfg,
		captures: captures,
		pipeline: pipeline,
		scorer:   scorer,
		logger:   zap.L().Named("engine"),
	}
}

// AddSource registers a source and attaches its detection loop. The loop
// idles until the engine and the source are started.
func (e *Engine) AddSource(cfg capture.SourceConfig) error {
	if err := e.captures.AddSource(cfg); err != nil {
		return err
	}
	if err := e.pipeline.Attach(cfg.ID); err != nil {
		_ = e.captures.RemoveSource(cfg.ID)
		return fmt.Errorf("attach detection loop: %w", err)
	}
	return nil
}

// RemoveSource tears the source out of every layer: detection loop, capture
// loop and buffers, then the scorer's rolling state.
func (e *Engine) RemoveSource(id string) error {
	e.pipeline.Detach(id)
	if err := e.captures.RemoveSource(id); err != nil {
		return err
	}
	e.scorer.Evict(id)
	return nil
}

// RegisterFrameCallback subscribes to a source's captured frames.
func (e *Engine) RegisterFrameCallback(id string, cb capture.FrameCallback) error {
	return e.captures.RegisterFrameCallback(id, cb)
}

// GetLatestFrame returns the most recent buffered frame of a source.
func (e *Engine) GetLatestFrame(id string) (*frame.Frame, error) {
	return e.captures.GetLatestFrame(id)
}

// GetFrameHistory returns up to n recent frames of a source in capture order.
func (e *Engine) GetFrameHistory(id string, n int) ([]*frame.Frame, error) {
	return e.captures.GetFrameHistory(id, n)
}

// StartSource begins capturing from one source.
func (e *Engine) StartSource(id string) error { return e.captures.StartSource(id) }

// StopSource halts capture from one source. Its detection loop stays
// attached and idles on the empty buffer.
func (e *Engine) StopSource(id string) error { return e.captures.StopSource(id) }

// Start brings up the detection pipeline and every enabled source. Sources
// that fail to open are reported joined together; the rest keep running.
func (e *Engine) Start() error {
	if !e.running.CompareAndSwap(false, true) {
		return nil
	}
	e.pipeline.Start()
	err := e.captures.StartAll()
	if err != nil {
		e.logger.Warn("some sources failed to start", zap.Error(err))
	}
	e.logger.Info("engine started")
	return err
}

// Stop halts detection first so no cycle observes a half-stopped capture
// layer, then stops all sources. Stopping a stopped engine is a no-op.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	e.pipeline.Stop()
	e.captures.StopAll()
	e.logger.Info("engine stopped")
}

// Close shuts everything down and releases both layers.
func (e *Engine) Close() {
	e.Stop()
	e.pipeline.Close()
	e.captures.Close()
}

// Status reports the runtime state of all layers.
func (e *Engine) Status() Status {
	return Status{
		Running:  e.running.Load(),
		Sources:  e.captures.AllStatuses(),
		Pipeline: e.pipeline.Stats(),
		Anomaly:  e.scorer.Stats(),
	}
}

// SourceStatus reports one source.
func (e *Engine) SourceStatus(id string) (capture.Status, error) {
	return e.captures.Status(id)
}

// UpdateAnomalyThreshold changes the anomaly threshold at runtime.
func (e *Engine) UpdateAnomalyThreshold(v float64) {
	e.scorer.SetThreshold(v)
}

// ReportFalsePositive records operator feedback for a source.
func (e *Engine) ReportFalsePositive(sourceID string) {
	e.scorer.RecordFalsePositive(sourceID)
}

// CaptureSnapshot encodes the most recent frame of a source as a
// high-quality JPEG.
func (e *Engine) CaptureSnapshot(id string) ([]byte, error) {
	f, err := e.captures.GetLatestFrame(id)
	if err != nil {
		return nil, err
	}
	quality := e.cfg.Storage.SnapshotQuality
	if quality <= 0 {
		quality = 95
	}
	data, err := frame.EncodeJPEG(f.Image, quality)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", id, err)
	}
	return data, nil
}
