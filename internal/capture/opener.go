package capture

import (
	"context"
	"errors"
	"image"
)

// Typed errors reported synchronously to callers. Everything else in this
// package is logged and handled inside the capture loops.
var (
	ErrSourceExists   = errors.New("source already exists")
	ErrSourceNotFound = errors.New("source not found")
	ErrSourceDisabled = errors.New("source is disabled")
	ErrNoFrames       = errors.New("no frames buffered")
)

// Descriptor identifies how to reach a video origin.
type Descriptor struct {
	URI      string
	Username string
	Password string
}

// Conn is an open connection to a video source. A Conn is owned by exactly
// one capture loop for its lifetime; implementations do not need to be safe
// for concurrent use.
type Conn interface {
	// Read blocks until the next frame is available or the source fails.
	Read() (image.Image, error)
	Close() error
}

// Opener establishes connections to video sources. Implementations live
// outside this package (see cvsource for the OpenCV-backed one); tests use
// in-memory fakes.
type Opener interface {
	Open(ctx context.Context, cfg SourceConfig) (Conn, error)
}
