package detect

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/arguscam/argus/internal/anomaly"
	"github.com/arguscam/argus/internal/config"
	"github.com/arguscam/argus/internal/frame"
	"github.com/arguscam/argus/internal/metrics"
)

// ErrAlreadyAttached is returned when a detection loop for the source is
// already running.
var ErrAlreadyAttached = errors.New("detection loop already attached")

// FrameSource hands the pipeline buffered frames. It is implemented by the
// capture manager.
type FrameSource interface {
	GetLatestFrame(sourceID string) (*frame.Frame, error)
	GetFrameHistory(sourceID string, n int) ([]*frame.Frame, error)
}

// Publisher receives fused results. Implementations must be safe for
// concurrent use; a returned error is logged and the cycle continues.
type Publisher interface {
	Publish(ctx context.Context, r *Result) error
}

// ObjectDetector locates objects of interest in a frame.
type ObjectDetector interface {
	DetectObjects(img image.Image) ([]Detection, error)
}

// FaceDetector locates faces in a frame.
type FaceDetector interface {
	DetectFaces(img image.Image) ([]Detection, error)
}

// AnomalyScorer is the per-frame anomaly interface, implemented by
// anomaly.Scorer.
type AnomalyScorer interface {
	Score(sourceID string, img image.Image) anomaly.Assessment
}

// Detectors bundles the optional per-frame detectors. A nil field skips that
// stage rather than failing the cycle.
type Detectors struct {
	Objects ObjectDetector
	Faces   FaceDetector
	Anomaly AnomalyScorer
}

// Stats are lifetime pipeline counters plus the currently attached sources.
type Stats struct {
	Running         bool     `json:"running"`
	AttachedSources []string `json:"attached_sources"`
	CyclesCompleted int64    `json:"cycles_completed"`
	ResultsPositive int64    `json:"results_positive"`
	Anomalies       int64    `json:"anomalies"`
	ObjectsDetected int64    `json:"objects_detected"`
	CycleFailures   int64    `json:"cycle_failures"`
}

type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Pipeline runs one detection loop per attached source while started. Each
// loop pulls the newest buffered frame, runs the configured detectors, fuses
// the outputs and hands the result to the publisher. Attachments survive
// Stop, so a later Start resumes detection for the same sources.
type Pipeline struct {
	cfg       config.DetectConfig
	frames    FrameSource
	detectors Detectors
	publisher Publisher
	logger    *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool

	// attached maps source id to its running loop; a nil value means the
	// source is attached but the pipeline is stopped.
	mu       sync.Mutex
	attached map[string]*loop
	wg       sync.WaitGroup

	cycles        atomic.Int64
	positives     atomic.Int64
	anomalies     atomic.Int64
	objects       atomic.Int64
	cycleFailures atomic.Int64
}

// NewPipeline creates a stopped pipeline. Attach sources, then Start it.
func NewPipeline(ctx context.Context, frames FrameSource, detectors Detectors, publisher Publisher, cfg config.DetectConfig) *Pipeline {
	if cfg.ProcessingInterval <= 0 {
		cfg.ProcessingInterval = 100 * time.Millisecond
	}
	if cfg.EmptyPollDelay <= 0 {
		cfg.EmptyPollDelay = cfg.ProcessingInterval
	}
	pctx, cancel := context.WithCancel(ctx)
	return &Pipeline{
		cfg:       cfg,
		frames:    frames,
		detectors: detectors,
		publisher: publisher,
		logger:    zap.L().Named("detect"),
		ctx:       pctx,
		cancel:    cancel,
		attached:  make(map[string]*loop),
	}
}

// Start enables the pipeline and spawns a loop for every attached source.
// Starting a running pipeline is a no-op.
func (p *Pipeline) Start() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}

	p.mu.Lock()
	for id, l := range p.attached {
		if l == nil {
			p.attached[id] = p.spawn(id)
		}
	}
	p.mu.Unlock()

	p.logger.Info("detection pipeline started")
}

// Stop cancels all running loops concurrently and waits for every one to
// exit. The attachment set is kept so Start can resume. Stopping a stopped
// pipeline is a no-op.
func (p *Pipeline) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}

	p.mu.Lock()
	var running []*loop
	for id, l := range p.attached {
		if l != nil {
			running = append(running, l)
			p.attached[id] = nil
		}
	}
	p.mu.Unlock()

	for _, l := range running {
		l.cancel()
	}
	for _, l := range running {
		<-l.done
	}
	p.logger.Info("detection pipeline stopped")
}

// Close stops the pipeline and releases its context.
func (p *Pipeline) Close() {
	p.Stop()
	p.cancel()
}

// Attach registers the source for detection. With the pipeline running its
// loop spawns immediately; otherwise it waits for Start.
func (p *Pipeline) Attach(sourceID string) error {
	if sourceID == "" {
		return errors.New("source id must not be empty")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.attached[sourceID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyAttached, sourceID)
	}

	var l *loop
	if p.running.Load() {
		l = p.spawn(sourceID)
	}
	p.attached[sourceID] = l

	p.logger.Info("detection loop attached", zap.String("source", sourceID))
	return nil
}

// Detach stops the source's loop if running and removes the attachment.
// Detaching an unknown source is a no-op.
func (p *Pipeline) Detach(sourceID string) {
	p.mu.Lock()
	l, ok := p.attached[sourceID]
	if ok {
		delete(p.attached, sourceID)
	}
	p.mu.Unlock()

	if !ok {
		return
	}
	if l != nil {
		l.cancel()
		<-l.done
	}
	p.logger.Info("detection loop detached", zap.String("source", sourceID))
}

// Attached reports the sources registered for detection.
func (p *Pipeline) Attached() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.attached))
	for id := range p.attached {
		ids = append(ids, id)
	}
	return ids
}

// spawn launches the source's loop goroutine. Caller holds p.mu or is the
// only writer for this id.
func (p *Pipeline) spawn(sourceID string) *loop {
	lctx, cancel := context.WithCancel(p.ctx)
	l := &loop{cancel: cancel, done: make(chan struct{})}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(l.done)
		p.runLoop(lctx, sourceID)
	}()
	return l
}

// Stats returns lifetime counters and the attached sources.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Running:         p.running.Load(),
		AttachedSources: p.Attached(),
		CyclesCompleted: p.cycles.Load(),
		ResultsPositive: p.positives.Load(),
		Anomalies:       p.anomalies.Load(),
		ObjectsDetected: p.objects.Load(),
		CycleFailures:   p.cycleFailures.Load(),
	}
}

func (p *Pipeline) runLoop(ctx context.Context, sourceID string) {
	for {
		if ctx.Err() != nil {
			return
		}

		start := time.Now()
		processed := p.runCycle(ctx, sourceID)
		elapsed := time.Since(start)

		if processed && p.cfg.SlowCycleWarn > 0 && elapsed > p.cfg.SlowCycleWarn {
			p.logger.Warn("slow detection cycle",
				zap.String("source", sourceID),
				zap.Duration("elapsed", elapsed))
		}

		delay := p.cfg.ProcessingInterval - elapsed
		if !processed {
			delay = p.cfg.EmptyPollDelay
		}
		if delay > 0 && !sleepCtx(ctx, delay) {
			return
		}
	}
}

// runCycle processes the newest frame of one source. It reports whether a
// frame was available; detector errors and panics are contained here so a bad
// cycle never kills the loop.
func (p *Pipeline) runCycle(ctx context.Context, sourceID string) (processed bool) {
	defer func() {
		if r := recover(); r != nil {
			p.cycleFailures.Add(1)
			metrics.CycleFailures.WithLabelValues(sourceID).Inc()
			p.logger.Error("detection cycle panicked",
				zap.String("source", sourceID),
				zap.Any("panic", r))
		}
	}()

	start := time.Now()
	history, err := p.frames.GetFrameHistory(sourceID, 2)
	if err != nil || len(history) == 0 {
		return false
	}

	current := history[len(history)-1]
	var previous *frame.Frame
	if len(history) > 1 {
		previous = history[len(history)-2]
	}

	result := newResult(sourceID, current.Timestamp, current.Sequence)
	p.detectObjects(sourceID, current, result)
	p.detectFaces(sourceID, current, result)
	if p.detectors.Anomaly != nil {
		a := p.detectors.Anomaly.Score(sourceID, current.Image)
		result.Anomaly = &a
	}
	result.Motion = analyzeMotion(current, previous)

	result.fuse()
	result.ProcessingTime = time.Since(start)

	p.cycles.Add(1)
	p.objects.Add(int64(len(result.Objects)))
	if result.HasDetection {
		p.positives.Add(1)
		metrics.Detections.WithLabelValues(sourceID).Inc()
		p.attachFrame(current, result)
	}
	if result.Anomaly != nil && result.Anomaly.IsAnomaly {
		p.anomalies.Add(1)
		metrics.Anomalies.WithLabelValues(sourceID).Inc()
	}

	// Only positive results leave the engine; quiet cycles still count in
	// the stats but never reach the sinks.
	if result.HasDetection && p.publisher != nil {
		if err := p.publisher.Publish(ctx, result); err != nil {
			p.logger.Warn("result publish failed",
				zap.String("source", sourceID), zap.Error(err))
		}
	}
	return true
}

func (p *Pipeline) detectObjects(sourceID string, f *frame.Frame, result *Result) {
	if p.detectors.Objects == nil {
		return
	}
	objects, err := p.detectors.Objects.DetectObjects(f.Image)
	if err != nil {
		p.cycleFailures.Add(1)
		metrics.CycleFailures.WithLabelValues(sourceID).Inc()
		p.logger.Warn("object detection failed",
			zap.String("source", sourceID), zap.Error(err))
		return
	}
	result.Objects = objects
}

func (p *Pipeline) detectFaces(sourceID string, f *frame.Frame, result *Result) {
	if p.detectors.Faces == nil {
		return
	}
	faces, err := p.detectors.Faces.DetectFaces(f.Image)
	if err != nil {
		p.cycleFailures.Add(1)
		metrics.CycleFailures.WithLabelValues(sourceID).Inc()
		p.logger.Warn("face detection failed",
			zap.String("source", sourceID), zap.Error(err))
		return
	}
	result.Faces = faces
}

// attachFrame downscales and JPEG-encodes the triggering frame onto the
// result. Encoding failures leave the result without a frame.
func (p *Pipeline) attachFrame(f *frame.Frame, result *Result) {
	if p.cfg.ResultJPEGQuality <= 0 {
		return
	}
	img := f.Image
	if p.cfg.ResultWidth > 0 && p.cfg.ResultHeight > 0 {
		b := img.Bounds()
		if b.Dx() > p.cfg.ResultWidth || b.Dy() > p.cfg.ResultHeight {
			img = frame.Resize(img, p.cfg.ResultWidth, p.cfg.ResultHeight)
		}
	}
	data, err := frame.EncodeJPEG(img, p.cfg.ResultJPEGQuality)
	if err != nil {
		p.logger.Warn("result frame encode failed", zap.Error(err))
		return
	}
	result.FrameJPEG = data
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
