package detect

import (
	"github.com/arguscam/argus/internal/frame"
)

const (
	// Grayscale difference above which a pixel counts as changed.
	motionPixelThreshold = 30
	// Changed-pixel fraction above which the frame is considered in motion.
	motionFractionFloor = 0.01
)

// analyzeMotion compares a frame against its predecessor. With no predecessor
// (first frame of a stream) there is nothing to compare and the zero analysis
// is returned.
func analyzeMotion(current, previous *frame.Frame) MotionAnalysis {
	if current == nil || previous == nil {
		return MotionAnalysis{}
	}

	fraction, changed, err := frame.DiffFraction(
		frame.Gray(current.Image), frame.Gray(previous.Image), motionPixelThreshold)
	if err != nil {
		return MotionAnalysis{}
	}

	return MotionAnalysis{
		HasMotion:      fraction > motionFractionFloor,
		MotionFraction: fraction,
		ChangedPixels:  changed,
	}
}
