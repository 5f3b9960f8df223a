// Package cvsource opens real camera connections through OpenCV. It is the
// only package that links against gocv, so everything else builds and tests
// without the native dependency.
package cvsource

import (
	"context"
	"fmt"
	"image"
	"net/url"
	"strconv"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/arguscam/argus/internal/capture"
)

// Opener opens RTSP/HTTP stream URIs and local device indexes.
type Opener struct {
	logger *zap.Logger
}

func NewOpener() *Opener {
	return &Opener{logger: zap.L().Named("cvsource")}
}

// Open connects to the source and applies the requested capture geometry.
// The context only bounds this call; the returned connection lives until
// closed.
func (o *Opener) Open(ctx context.Context, cfg capture.SourceConfig) (capture.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	target, err := dialTarget(cfg.Descriptor)
	if err != nil {
		return nil, err
	}

	vc, err := gocv.OpenVideoCapture(target)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Descriptor.URI, err)
	}
	if !vc.IsOpened() {
		_ = vc.Close()
		return nil, fmt.Errorf("open %s: capture not opened", cfg.Descriptor.URI)
	}

	if cfg.Width > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
	}
	if cfg.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	}
	if cfg.FrameRate > 0 {
		vc.Set(gocv.VideoCaptureFPS, cfg.FrameRate)
	}

	o.logger.Info("source opened",
		zap.String("source", cfg.ID),
		zap.String("uri", cfg.Descriptor.URI))

	return &conn{vc: vc, mat: gocv.NewMat()}, nil
}

// dialTarget resolves the descriptor to what OpenCV expects: a device index
// for bare numbers, otherwise a URL with credentials folded in.
func dialTarget(d capture.Descriptor) (interface{}, error) {
	if idx, err := strconv.Atoi(d.URI); err == nil {
		return idx, nil
	}

	if d.Username == "" {
		return d.URI, nil
	}
	u, err := url.Parse(d.URI)
	if err != nil {
		return nil, fmt.Errorf("parse uri %s: %w", d.URI, err)
	}
	u.User = url.UserPassword(d.Username, d.Password)
	return u.String(), nil
}

// conn adapts a gocv capture to the capture.Conn contract. It is single
// owner: the capture loop is the only caller, so the scratch Mat is reused
// across reads.
type conn struct {
	vc  *gocv.VideoCapture
	mat gocv.Mat
}

func (c *conn) Read() (image.Image, error) {
	if ok := c.vc.Read(&c.mat); !ok {
		return nil, fmt.Errorf("stream read failed")
	}
	if c.mat.Empty() {
		return nil, fmt.Errorf("stream produced empty frame")
	}
	img, err := c.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	return img, nil
}

func (c *conn) Close() error {
	_ = c.mat.Close()
	return c.vc.Close()
}
