// Package anomaly fuses several weak detection signals into a single
// per-frame anomaly score. The heavy lifting is delegated to opaque model
// backends; this package owns preprocessing, rolling per-source state and
// the weighted fusion rule.
package anomaly

import (
	"image"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/arguscam/argus/internal/config"
	"github.com/arguscam/argus/internal/frame"
)

// Signal names used in the per-signal breakdown.
const (
	SignalReconstruction = "reconstruction"
	SignalTemporal       = "temporal"
	SignalAttention      = "attention"
	SignalMotion         = "motion"
)

// Fusion weights. Signals that are unavailable for a frame are excluded and
// the denominator renormalized over the weights actually used.
var signalWeights = map[string]float64{
	SignalReconstruction: 0.3,
	SignalTemporal:       0.3,
	SignalAttention:      0.2,
	SignalMotion:         0.2,
}

// Motion-signal thresholds. A very still scene is scored as suspicious on
// purpose: a frozen feed is as abnormal as a chaotic one.
const (
	motionPixelThreshold   = 30 // grayscale absolute-difference cutoff
	excessiveMotionFrac    = 0.3
	suspiciouslyStaticFrac = 0.001
	staticSceneScore       = 0.5
	reconstructionGain     = 10
)

// Reconstructor reconstructs a frame through an encoder/decoder model.
type Reconstructor interface {
	Reconstruct(img image.Image) (image.Image, error)
}

// SequenceScorer scores a short sequence of per-frame feature vectors.
type SequenceScorer interface {
	ScoreSequence(seq [][]float64) (float64, error)
}

// AttentionScorer scores a single frame's feature vector.
type AttentionScorer interface {
	ScoreAttention(features []float64) (float64, error)
}

// Models bundles the optional inference backends. A nil field disables the
// corresponding signal rather than failing scoring.
type Models struct {
	Reconstructor Reconstructor
	Sequence      SequenceScorer
	Attention     AttentionScorer
}

// Assessment is the fused anomaly decision for one frame.
type Assessment struct {
	Score     float64            `json:"anomaly_score"`
	IsAnomaly bool               `json:"is_anomaly"`
	Signals   map[string]float64 `json:"signals"`
	Timestamp time.Time          `json:"timestamp"`
}

// Stats are lifetime scorer counters.
type Stats struct {
	FramesProcessed      int64   `json:"frames_processed"`
	AnomaliesDetected    int64   `json:"anomalies_detected"`
	FalsePositiveReports int64   `json:"false_positive_reports"`
	AnomalyRate          float64 `json:"anomaly_rate"`
	TrackedSources       int     `json:"tracked_sources"`
}

// sourceState is the rolling per-source history: recent preprocessed frames
// for the temporal and motion signals, recent fused scores for inspection.
type sourceState struct {
	mu     sync.Mutex
	frames *ring[*image.RGBA]
	scores *ring[float64]
}

// Scorer is the stateful multi-signal anomaly scorer. Safe for concurrent
// use; state is sharded per source.
type Scorer struct {
	cfg    config.AnomalyConfig
	models Models
	logger *zap.Logger

	mu        sync.Mutex
	threshold float64
	states    map[string]*sourceState

	framesProcessed   atomic.Int64
	anomaliesDetected atomic.Int64
	falsePositives    atomic.Int64
}

// NewScorer creates a Scorer with the given model backends.
func NewScorer(cfg config.AnomalyConfig, models Models) *Scorer {
	if cfg.FrameWindow <= 0 {
		cfg.FrameWindow = 10
	}
	if cfg.TemporalWindow <= 0 {
		cfg.TemporalWindow = 5
	}
	if cfg.ScoreWindow <= 0 {
		cfg.ScoreWindow = 10
	}
	if cfg.InputSize <= 0 {
		cfg.InputSize = 192
	}
	return &Scorer{
		cfg:       cfg,
		models:    models,
		logger:    zap.L().Named("anomaly"),
		threshold: clamp01(cfg.Threshold),
		states:    make(map[string]*sourceState),
	}
}

// Score runs all available signals against the frame and fuses them. It
// never fails: a signal that errors is logged and excluded from fusion.
func (sc *Scorer) Score(sourceID string, img image.Image) Assessment {
	sc.framesProcessed.Add(1)

	pre := frame.Resize(img, sc.cfg.InputSize, sc.cfg.InputSize)
	st := sc.stateFor(sourceID)

	st.mu.Lock()
	st.frames.push(pre)
	window := st.frames.recent(0)
	st.mu.Unlock()

	signals := make(map[string]float64, len(signalWeights))
	sc.scoreReconstruction(sourceID, pre, signals)
	sc.scoreTemporal(sourceID, window, signals)
	sc.scoreAttention(sourceID, pre, signals)
	sc.scoreMotion(window, signals)

	combined := fuseScores(signals)
	isAnomaly := combined > sc.Threshold()

	st.mu.Lock()
	st.scores.push(combined)
	st.mu.Unlock()

	if isAnomaly {
		sc.anomaliesDetected.Add(1)
		sc.logger.Info("anomalous frame",
			zap.String("source", sourceID),
			zap.Float64("score", combined))
	}

	return Assessment{
		Score:     combined,
		IsAnomaly: isAnomaly,
		Signals:   signals,
		Timestamp: time.Now(),
	}
}

func (sc *Scorer) scoreReconstruction(sourceID string, pre *image.RGBA, signals map[string]float64) {
	if sc.models.Reconstructor == nil {
		return
	}
	reconstructed, err := sc.models.Reconstructor.Reconstruct(pre)
	if err != nil {
		sc.logger.Warn("reconstruction signal failed",
			zap.String("source", sourceID), zap.Error(err))
		return
	}
	mse, err := meanSquaredError(pre, reconstructed)
	if err != nil {
		sc.logger.Warn("reconstruction signal failed",
			zap.String("source", sourceID), zap.Error(err))
		return
	}
	signals[SignalReconstruction] = clamp01(mse * reconstructionGain)
}

func (sc *Scorer) scoreTemporal(sourceID string, window []*image.RGBA, signals map[string]float64) {
	if sc.models.Sequence == nil || len(window) < sc.cfg.TemporalWindow {
		return
	}
	recent := window[len(window)-sc.cfg.TemporalWindow:]
	seq := make([][]float64, len(recent))
	for i, f := range recent {
		seq[i] = extractFeatures(f)
	}
	score, err := sc.models.Sequence.ScoreSequence(seq)
	if err != nil {
		sc.logger.Warn("temporal signal failed",
			zap.String("source", sourceID), zap.Error(err))
		return
	}
	signals[SignalTemporal] = clamp01(score)
}

func (sc *Scorer) scoreAttention(sourceID string, pre *image.RGBA, signals map[string]float64) {
	if sc.models.Attention == nil {
		return
	}
	score, err := sc.models.Attention.ScoreAttention(extractFeatures(pre))
	if err != nil {
		sc.logger.Warn("attention signal failed",
			zap.String("source", sourceID), zap.Error(err))
		return
	}
	signals[SignalAttention] = clamp01(score)
}

// scoreMotion compares the two most recent preprocessed frames. Excessive
// motion scores high; a suspiciously static scene scores moderately; normal
// motion contributes zero (but still counts toward the weight denominator).
func (sc *Scorer) scoreMotion(window []*image.RGBA, signals map[string]float64) {
	if len(window) < 2 {
		return
	}
	current := frame.Gray(window[len(window)-1])
	previous := frame.Gray(window[len(window)-2])

	fraction, _, err := frame.DiffFraction(current, previous, motionPixelThreshold)
	if err != nil {
		sc.logger.Warn("motion signal failed", zap.Error(err))
		return
	}

	switch {
	case fraction > excessiveMotionFrac:
		signals[SignalMotion] = clamp01(fraction * 2)
	case fraction < suspiciouslyStaticFrac:
		signals[SignalMotion] = staticSceneScore
	default:
		signals[SignalMotion] = 0
	}
}

// fuseScores combines the available signal scores by weighted average,
// renormalizing over the weights of the signals actually present.
func fuseScores(signals map[string]float64) float64 {
	var combined, totalWeight float64
	for name, score := range signals {
		w, ok := signalWeights[name]
		if !ok {
			continue
		}
		combined += score * w
		totalWeight += w
	}
	if totalWeight == 0 {
		return 0
	}
	return clamp01(combined / totalWeight)
}

// Threshold returns the current anomaly threshold.
func (sc *Scorer) Threshold() float64 {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.threshold
}

// SetThreshold updates the anomaly threshold at runtime. The value is
// clamped to [0,1].
func (sc *Scorer) SetThreshold(v float64) {
	clamped := clamp01(v)
	sc.mu.Lock()
	sc.threshold = clamped
	sc.mu.Unlock()
	sc.logger.Info("anomaly threshold updated", zap.Float64("threshold", clamped))
}

// RecordFalsePositive registers operator feedback that a flagged frame was
// benign. Currently a counter only; it is the hook where future threshold
// recalibration would plug in.
func (sc *Scorer) RecordFalsePositive(sourceID string) {
	sc.falsePositives.Add(1)
	sc.logger.Info("false positive reported", zap.String("source", sourceID))
}

// RecentScores returns the last fused scores for a source, oldest first.
func (sc *Scorer) RecentScores(sourceID string) []float64 {
	sc.mu.Lock()
	st, ok := sc.states[sourceID]
	sc.mu.Unlock()
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.scores.recent(0)
}

// Evict drops all rolling state for a source. Called when the source is
// removed from the registry.
func (sc *Scorer) Evict(sourceID string) {
	sc.mu.Lock()
	delete(sc.states, sourceID)
	sc.mu.Unlock()
}

// Stats returns lifetime counters.
func (sc *Scorer) Stats() Stats {
	frames := sc.framesProcessed.Load()
	anomalies := sc.anomaliesDetected.Load()

	rate := 0.0
	if frames > 0 {
		rate = float64(anomalies) / float64(frames)
	}

	sc.mu.Lock()
	tracked := len(sc.states)
	sc.mu.Unlock()

	return Stats{
		FramesProcessed:      frames,
		AnomaliesDetected:    anomalies,
		FalsePositiveReports: sc.falsePositives.Load(),
		AnomalyRate:          rate,
		TrackedSources:       tracked,
	}
}

func (sc *Scorer) stateFor(sourceID string) *sourceState {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	st, ok := sc.states[sourceID]
	if !ok {
		st = &sourceState{
			frames: newRing[*image.RGBA](sc.cfg.FrameWindow),
			scores: newRing[float64](sc.cfg.ScoreWindow),
		}
		sc.states[sourceID] = st
	}
	return st
}

// ring is a fixed-capacity rolling window with explicit eviction of the
// oldest element.
type ring[T any] struct {
	items []T
	idx   int
	count int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring[T]{items: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	r.items[r.idx] = v
	r.idx = (r.idx + 1) % len(r.items)
	if r.count < len(r.items) {
		r.count++
	}
}

// recent returns the n most recent elements, oldest first. n <= 0 returns
// everything retained.
func (r *ring[T]) recent(n int) []T {
	if r.count == 0 {
		return nil
	}
	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]T, n)
	for i := 0; i < n; i++ {
		out[i] = r.items[(r.idx-n+i+len(r.items))%len(r.items)]
	}
	return out
}
