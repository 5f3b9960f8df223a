// Package frame holds the frame record shared by the capture and detection
// layers, plus the small amount of pixel math both of them need.
package frame

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"time"

	xdraw "golang.org/x/image/draw"
)

// Frame is one captured image plus capture metadata. Frames are cloned when
// they enter a buffer and treated as immutable afterwards, so readers may
// share the record without copying it again.
type Frame struct {
	Image     image.Image
	Timestamp time.Time
	Sequence  uint64
}

// Clone returns a deep copy of the frame with its own pixel storage.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	return &Frame{
		Image:     CloneImage(f.Image),
		Timestamp: f.Timestamp,
		Sequence:  f.Sequence,
	}
}

// CloneImage creates a copy of the image with fast paths for the formats
// cameras actually produce. The fallback uses draw.Draw rather than a
// pixel-by-pixel At/Set loop.
func CloneImage(img image.Image) image.Image {
	switch src := img.(type) {
	case *image.RGBA:
		dst := *src
		dst.Pix = make([]byte, len(src.Pix))
		copy(dst.Pix, src.Pix)
		return &dst

	case *image.YCbCr:
		dst := *src
		dst.Y = make([]byte, len(src.Y))
		dst.Cb = make([]byte, len(src.Cb))
		dst.Cr = make([]byte, len(src.Cr))
		copy(dst.Y, src.Y)
		copy(dst.Cb, src.Cb)
		copy(dst.Cr, src.Cr)
		return &dst

	case *image.Gray:
		dst := *src
		dst.Pix = make([]byte, len(src.Pix))
		copy(dst.Pix, src.Pix)
		return &dst

	case nil:
		return nil

	default:
		bounds := img.Bounds()
		dst := image.NewRGBA(bounds)
		draw.Draw(dst, bounds, img, bounds.Min, draw.Src)
		return dst
	}
}

// Gray converts an image to 8-bit grayscale. YCbCr images reuse the luma
// plane directly, which is the common camera format.
func Gray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	bounds := img.Bounds()
	gray := image.NewGray(bounds)

	if ycc, ok := img.(*image.YCbCr); ok {
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			row := ycc.Y[(y-ycc.Rect.Min.Y)*ycc.YStride:]
			copy(gray.Pix[(y-bounds.Min.Y)*gray.Stride:(y-bounds.Min.Y)*gray.Stride+bounds.Dx()], row[:bounds.Dx()])
		}
		return gray
	}

	draw.Draw(gray, bounds, img, bounds.Min, draw.Src)
	return gray
}

// Resize scales an image to width x height using bilinear interpolation.
func Resize(img image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	return dst
}

// DiffFraction computes the fraction of pixels whose absolute grayscale
// difference exceeds threshold. The two images must have equal bounds.
func DiffFraction(a, b *image.Gray, threshold uint8) (float64, int, error) {
	if a.Bounds() != b.Bounds() {
		return 0, 0, fmt.Errorf("image bounds differ: %v vs %v", a.Bounds(), b.Bounds())
	}

	changed := 0
	bounds := a.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		ra := a.Pix[(y-a.Rect.Min.Y)*a.Stride:]
		rb := b.Pix[(y-b.Rect.Min.Y)*b.Stride:]
		for x := 0; x < bounds.Dx(); x++ {
			d := int(ra[x]) - int(rb[x])
			if d < 0 {
				d = -d
			}
			if d > int(threshold) {
				changed++
			}
		}
	}

	total := bounds.Dx() * bounds.Dy()
	if total == 0 {
		return 0, 0, nil
	}
	return float64(changed) / float64(total), changed, nil
}

// EncodeJPEG encodes an image as JPEG at the given quality (1-100).
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Uniform returns a solid-color RGBA image, used by tests and by openers that
// synthesize frames.
func Uniform(width, height int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	return img
}
