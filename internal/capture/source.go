package capture

import (
	"context"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arguscam/argus/internal/frame"
)

// State is the running state of a source.
type State int32

const (
	StateStopped State = iota
	StateConnecting
	StateStreaming
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// SourceConfig is the per-source configuration fixed at AddSource time.
// Zero-valued fields are filled from the manager's capture defaults.
type SourceConfig struct {
	ID         string
	Descriptor Descriptor
	FrameRate  float64
	Width      int
	Height     int
	Enabled    bool
	BufferSize int
}

// Status is a point-in-time view of a source's runtime state.
type Status struct {
	ID             string    `json:"id"`
	State          string    `json:"state"`
	Enabled        bool      `json:"enabled"`
	FrameCount     uint64    `json:"frame_count"`
	ErrorCount     int       `json:"error_count"`
	LastFrameTime  time.Time `json:"last_frame_time"`
	LastError      string    `json:"last_error,omitempty"`
	BufferedFrames int       `json:"buffered_frames"`
	StreamURI      string    `json:"stream_uri"`
}

// FrameCallback is invoked for every captured frame, in registration order.
// An error return is logged and does not affect other callbacks or capture.
type FrameCallback func(sourceID string, f *frame.Frame) error

// source bundles one video origin's configuration, runtime state, buffer and
// callbacks. The capture loop is the only writer of capture state; the
// manager's map lock only guards add/remove.
type source struct {
	cfg SourceConfig
	buf *Ring

	mu        sync.Mutex
	removed   bool
	state     State
	errors    int // consecutive read failures
	frames    uint64
	lastFrame time.Time
	lastErr   error
	callbacks []FrameCallback
	cancel    context.CancelFunc
	done      chan struct{}
}

func newSource(cfg SourceConfig) *source {
	return &source{
		cfg: cfg,
		buf: NewRing(cfg.BufferSize),
	}
}

func (s *source) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *source) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// recordReadError bumps the consecutive error counter and returns it.
func (s *source) recordReadError(err error) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors++
	s.lastErr = err
	return s.errors
}

// recordFrame resets the error counter, stamps capture metadata and pushes a
// cloned copy of the image into the ring buffer. The clone is what keeps
// buffered frames safe from connection-level pixel buffer reuse.
func (s *source) recordFrame(img image.Image, now time.Time) *frame.Frame {
	s.mu.Lock()
	s.errors = 0
	s.frames++
	seq := s.frames
	s.lastFrame = now
	s.mu.Unlock()

	f := &frame.Frame{
		Image:     frame.CloneImage(img),
		Timestamp: now,
		Sequence:  seq,
	}
	s.buf.Push(f)
	return f
}

// invokeCallbacks runs all registered callbacks in order. A panicking or
// failing callback is logged and isolated from the others and from capture.
func (s *source) invokeCallbacks(f *frame.Frame, logger *zap.Logger) {
	s.mu.Lock()
	cbs := make([]FrameCallback, len(s.callbacks))
	copy(cbs, s.callbacks)
	s.mu.Unlock()

	for i, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("frame callback panicked",
						zap.Int("callback", i),
						zap.Any("panic", r))
				}
			}()
			if err := cb(s.cfg.ID, f); err != nil {
				logger.Error("frame callback failed",
					zap.Int("callback", i),
					zap.Error(err))
			}
		}()
	}
}

func (s *source) status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		ID:             s.cfg.ID,
		State:          s.state.String(),
		Enabled:        s.cfg.Enabled,
		FrameCount:     s.frames,
		ErrorCount:     s.errors,
		LastFrameTime:  s.lastFrame,
		BufferedFrames: s.buf.Len(),
		StreamURI:      s.cfg.Descriptor.URI,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}
