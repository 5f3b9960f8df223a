package capture

import (
	"sync"

	"github.com/arguscam/argus/internal/frame"
)

// Ring is a fixed-capacity frame buffer. The newest frame overwrites the
// oldest when full, so producers never block on slow consumers. Frames are
// immutable once pushed; readers receive shared records in capture order.
//
// Single writer (the source's capture loop), any number of readers.
type Ring struct {
	mu       sync.Mutex
	frames   []*frame.Frame
	capacity int
	writeIdx int
	count    int
}

// NewRing creates a ring buffer holding up to capacity frames.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{
		frames:   make([]*frame.Frame, capacity),
		capacity: capacity,
	}
}

// Push appends a frame, evicting the oldest when the buffer is full.
func (r *Ring) Push(f *frame.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.frames[r.writeIdx] = f
	r.writeIdx = (r.writeIdx + 1) % r.capacity
	if r.count < r.capacity {
		r.count++
	}
}

// Latest returns the most recently pushed frame.
func (r *Ring) Latest() (*frame.Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return nil, false
	}
	idx := (r.writeIdx - 1 + r.capacity) % r.capacity
	return r.frames[idx], true
}

// Recent returns the n most recent frames in capture order (oldest first).
// n <= 0 or n greater than the current size returns everything retained.
func (r *Ring) Recent(n int) []*frame.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return nil
	}
	if n <= 0 || n > r.count {
		n = r.count
	}

	out := make([]*frame.Frame, n)
	for i := 0; i < n; i++ {
		idx := (r.writeIdx - n + i + r.capacity) % r.capacity
		out[i] = r.frames[idx]
	}
	return out
}

// Snapshot returns all retained frames in capture order.
func (r *Ring) Snapshot() []*frame.Frame {
	return r.Recent(0)
}

// Clear drops all retained frames.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.frames {
		r.frames[i] = nil
	}
	r.writeIdx = 0
	r.count = 0
}

// Len returns the number of frames currently retained.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the fixed capacity.
func (r *Ring) Cap() int {
	return r.capacity
}
