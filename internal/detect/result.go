// Package detect runs the per-source detection loops and fuses the
// individual detector outputs into a single result record per cycle.
package detect

import (
	"image"
	"time"

	"github.com/google/uuid"

	"github.com/arguscam/argus/internal/anomaly"
)

// Risk levels attached to fused results.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Detection type labels used in the DetectionTypes summary.
const (
	TypeObject  = "object"
	TypeAnomaly = "anomaly"
	TypeFace    = "face"
	TypeMotion  = "motion"
)

// Detection is a single detected object or face.
type Detection struct {
	Class      string          `json:"class"`
	Confidence float64         `json:"confidence"`
	Box        image.Rectangle `json:"box"`
}

// MotionAnalysis summarizes inter-frame pixel change.
type MotionAnalysis struct {
	HasMotion      bool    `json:"has_motion"`
	MotionFraction float64 `json:"motion_fraction"`
	ChangedPixels  int     `json:"changed_pixels"`
}

// Result is the fused output of one detection cycle on one frame.
type Result struct {
	ID        string    `json:"id"`
	SourceID  string    `json:"source_id"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  uint64    `json:"sequence"`

	Objects []Detection         `json:"objects"`
	Faces   []Detection         `json:"faces"`
	Anomaly *anomaly.Assessment `json:"anomaly,omitempty"`
	Motion  MotionAnalysis      `json:"motion"`

	HasDetection      bool     `json:"has_detection"`
	DetectionTypes    []string `json:"detection_types"`
	OverallConfidence float64  `json:"overall_confidence"`
	RiskLevel         string   `json:"risk_level"`

	FrameJPEG      []byte        `json:"frame_jpeg,omitempty"`
	ProcessingTime time.Duration `json:"processing_time"`
}

// newResult allocates a result shell for one cycle.
func newResult(sourceID string, ts time.Time, seq uint64) *Result {
	return &Result{
		ID:        uuid.NewString(),
		SourceID:  sourceID,
		Timestamp: ts,
		Sequence:  seq,
	}
}

// fuse fills in the summary fields from the raw detector outputs. The rules
// are deterministic so the same inputs always produce the same summary.
func (r *Result) fuse() {
	anomalous := r.Anomaly != nil && r.Anomaly.IsAnomaly

	r.DetectionTypes = r.DetectionTypes[:0]
	if len(r.Objects) > 0 {
		r.DetectionTypes = append(r.DetectionTypes, TypeObject)
	}
	if anomalous {
		r.DetectionTypes = append(r.DetectionTypes, TypeAnomaly)
	}
	if len(r.Faces) > 0 {
		r.DetectionTypes = append(r.DetectionTypes, TypeFace)
	}
	if r.Motion.HasMotion {
		r.DetectionTypes = append(r.DetectionTypes, TypeMotion)
	}
	r.HasDetection = len(r.DetectionTypes) > 0

	// Overall confidence is the strongest contributing signal, not an
	// average. A blend would let weak detections dilute a confident one.
	// Signals that did not fire (subthreshold anomaly, still scene) do not
	// contribute.
	r.OverallConfidence = 0
	for _, d := range r.Objects {
		if d.Confidence > r.OverallConfidence {
			r.OverallConfidence = d.Confidence
		}
	}
	for _, d := range r.Faces {
		if d.Confidence > r.OverallConfidence {
			r.OverallConfidence = d.Confidence
		}
	}
	if anomalous && r.Anomaly.Score > r.OverallConfidence {
		r.OverallConfidence = r.Anomaly.Score
	}
	if r.Motion.HasMotion && r.Motion.MotionFraction > r.OverallConfidence {
		r.OverallConfidence = r.Motion.MotionFraction
	}

	switch {
	case anomalous || len(r.Objects) > 2:
		r.RiskLevel = RiskHigh
	case len(r.Objects) > 0 || len(r.Faces) > 0:
		r.RiskLevel = RiskMedium
	default:
		r.RiskLevel = RiskLow
	}
}
