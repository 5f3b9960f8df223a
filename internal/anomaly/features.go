package anomaly

import (
	"fmt"
	"image"
	"image/draw"
	"math"
)

// FeatureSize is the length of the per-frame feature vector: mean, std, min
// and max for each RGB channel, plus grayscale mean and std.
const FeatureSize = 14

// extractFeatures computes the fixed-size feature vector of a preprocessed
// frame. All values are on the normalized [0,1] pixel scale.
func extractFeatures(img *image.RGBA) []float64 {
	bounds := img.Bounds()
	n := float64(bounds.Dx() * bounds.Dy())
	if n == 0 {
		return make([]float64, FeatureSize)
	}

	var (
		sum   [3]float64
		sumSq [3]float64
		min   = [3]float64{1, 1, 1}
		max   [3]float64
		gSum  float64
		gSq   float64
	)

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		row := img.Pix[(y-img.Rect.Min.Y)*img.Stride:]
		for x := 0; x < bounds.Dx(); x++ {
			var gray float64
			for c := 0; c < 3; c++ {
				v := float64(row[x*4+c]) / 255
				sum[c] += v
				sumSq[c] += v * v
				if v < min[c] {
					min[c] = v
				}
				if v > max[c] {
					max[c] = v
				}
				gray += v
			}
			gray /= 3
			gSum += gray
			gSq += gray * gray
		}
	}

	features := make([]float64, 0, FeatureSize)
	for c := 0; c < 3; c++ {
		mean := sum[c] / n
		features = append(features, mean, stddev(sumSq[c], mean, n), min[c], max[c])
	}
	gMean := gSum / n
	features = append(features, gMean, stddev(gSq, gMean, n))
	return features
}

func stddev(sumSq, mean, n float64) float64 {
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

// meanSquaredError computes the per-pixel MSE between two images of equal
// size on the normalized [0,1] scale.
func meanSquaredError(a *image.RGBA, b image.Image) (float64, error) {
	rb := toRGBA(b)
	if a.Bounds().Size() != rb.Bounds().Size() {
		return 0, fmt.Errorf("reconstruction size %v does not match input %v",
			rb.Bounds().Size(), a.Bounds().Size())
	}

	bounds := a.Bounds()
	n := float64(bounds.Dx() * bounds.Dy() * 3)
	if n == 0 {
		return 0, nil
	}

	var sum float64
	for y := 0; y < bounds.Dy(); y++ {
		ra := a.Pix[y*a.Stride:]
		rr := rb.Pix[y*rb.Stride:]
		for x := 0; x < bounds.Dx(); x++ {
			for c := 0; c < 3; c++ {
				d := (float64(ra[x*4+c]) - float64(rr[x*4+c])) / 255
				sum += d * d
			}
		}
	}
	return sum / n, nil
}

func toRGBA(img image.Image) *image.RGBA {
	if r, ok := img.(*image.RGBA); ok {
		return r
	}
	bounds := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Src)
	return dst
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
