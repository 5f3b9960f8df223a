package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arguscam/argus/internal/config"
	"github.com/arguscam/argus/internal/frame"
)

// fakeConn produces frames or errors from a caller-supplied read function.
type fakeConn struct {
	read   func() (image.Image, error)
	closed atomic.Bool
}

func (c *fakeConn) Read() (image.Image, error) { return c.read() }
func (c *fakeConn) Close() error               { c.closed.Store(true); return nil }

// fakeOpener returns scripted connections and counts open attempts.
type fakeOpener struct {
	mu    sync.Mutex
	opens int
	open  func(attempt int) (Conn, error)
}

func (o *fakeOpener) Open(_ context.Context, _ SourceConfig) (Conn, error) {
	o.mu.Lock()
	o.opens++
	attempt := o.opens
	o.mu.Unlock()
	return o.open(attempt)
}

func (o *fakeOpener) openCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

func steadyConn() *fakeConn {
	var seq atomic.Uint64
	return &fakeConn{read: func() (image.Image, error) {
		n := seq.Add(1)
		return frame.Uniform(4, 4, color.Gray{Y: uint8(n)}), nil
	}}
}

func failingConn() *fakeConn {
	return &fakeConn{read: func() (image.Image, error) {
		return nil, errors.New("read: connection reset")
	}}
}

func testCaptureConfig() config.CaptureConfig {
	return config.CaptureConfig{
		FrameRate:            200, // 5ms interval keeps tests fast
		BufferSize:           5,
		Width:                4,
		Height:               4,
		MaxConsecutiveErrors: 10,
		ReadRetryDelay:       time.Millisecond,
		ReconnectCoolDown:    5 * time.Millisecond,
	}
}

func testSource(id string) SourceConfig {
	return SourceConfig{
		ID:         id,
		Descriptor: Descriptor{URI: "rtsp://camera.local/" + id},
		Enabled:    true,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestAddSourceRejectsDuplicate(t *testing.T) {
	m := NewManager(context.Background(), &fakeOpener{}, testCaptureConfig())
	defer m.Close()

	if err := m.AddSource(testSource("cam-1")); err != nil {
		t.Fatalf("first add failed: %v", err)
	}
	err := m.AddSource(testSource("cam-1"))
	if !errors.Is(err, ErrSourceExists) {
		t.Fatalf("duplicate add: got %v, want ErrSourceExists", err)
	}
}

func TestRemoveSourceDeletesState(t *testing.T) {
	opener := &fakeOpener{open: func(int) (Conn, error) { return steadyConn(), nil }}
	m := NewManager(context.Background(), opener, testCaptureConfig())
	defer m.Close()

	if err := m.AddSource(testSource("cam-1")); err != nil {
		t.Fatal(err)
	}
	if err := m.StartSource("cam-1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool {
		st, err := m.Status("cam-1")
		return err == nil && st.FrameCount > 0
	}, "first frame")

	if err := m.RemoveSource("cam-1"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	if _, err := m.Status("cam-1"); !errors.Is(err, ErrSourceNotFound) {
		t.Fatalf("status after remove: got %v, want ErrSourceNotFound", err)
	}
	if _, err := m.GetLatestFrame("cam-1"); !errors.Is(err, ErrSourceNotFound) {
		t.Fatalf("latest frame after remove: got %v, want ErrSourceNotFound", err)
	}
	if err := m.RemoveSource("cam-1"); !errors.Is(err, ErrSourceNotFound) {
		t.Fatalf("second remove: got %v, want ErrSourceNotFound", err)
	}
}

func TestStartSourceOpenFailureStaysStopped(t *testing.T) {
	opener := &fakeOpener{open: func(int) (Conn, error) {
		return nil, errors.New("dial: no route to host")
	}}
	m := NewManager(context.Background(), opener, testCaptureConfig())
	defer m.Close()

	if err := m.AddSource(testSource("cam-1")); err != nil {
		t.Fatal(err)
	}
	if err := m.StartSource("cam-1"); err == nil {
		t.Fatal("expected open failure to be reported")
	}

	st, err := m.Status("cam-1")
	if err != nil {
		t.Fatal(err)
	}
	if st.State != StateStopped.String() {
		t.Fatalf("state after failed open = %s, want stopped", st.State)
	}
	if st.LastError == "" {
		t.Fatal("expected last error to be recorded")
	}
}

func TestStopSourceIsIdempotent(t *testing.T) {
	opener := &fakeOpener{open: func(int) (Conn, error) { return steadyConn(), nil }}
	m := NewManager(context.Background(), opener, testCaptureConfig())
	defer m.Close()

	if err := m.AddSource(testSource("cam-1")); err != nil {
		t.Fatal(err)
	}
	if err := m.StartSource("cam-1"); err != nil {
		t.Fatal(err)
	}

	if err := m.StopSource("cam-1"); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	st, _ := m.Status("cam-1")
	if st.State != StateStopped.String() {
		t.Fatalf("state after stop = %s, want stopped", st.State)
	}

	if err := m.StopSource("cam-1"); err != nil {
		t.Fatalf("second stop should be a no-op, got %v", err)
	}
	st2, _ := m.Status("cam-1")
	if st2.State != st.State {
		t.Fatalf("second stop changed observable state: %s vs %s", st2.State, st.State)
	}
}

func TestStartSourceTwiceIsNoOp(t *testing.T) {
	opener := &fakeOpener{open: func(int) (Conn, error) { return steadyConn(), nil }}
	m := NewManager(context.Background(), opener, testCaptureConfig())
	defer m.Close()

	if err := m.AddSource(testSource("cam-1")); err != nil {
		t.Fatal(err)
	}
	if err := m.StartSource("cam-1"); err != nil {
		t.Fatal(err)
	}
	if err := m.StartSource("cam-1"); err != nil {
		t.Fatalf("second start should be a no-op, got %v", err)
	}
	if got := opener.openCount(); got != 1 {
		t.Fatalf("expected a single open, got %d", got)
	}
}

func TestSustainedFailureTriggersSingleReconnect(t *testing.T) {
	// First open succeeds with a connection that fails every read; the one
	// permitted reconnection attempt also fails to open.
	opener := &fakeOpener{open: func(attempt int) (Conn, error) {
		if attempt == 1 {
			return failingConn(), nil
		}
		return nil, errors.New("dial: connection refused")
	}}
	m := NewManager(context.Background(), opener, testCaptureConfig())
	defer m.Close()

	if err := m.AddSource(testSource("cam-1")); err != nil {
		t.Fatal(err)
	}
	if err := m.StartSource("cam-1"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		st, err := m.Status("cam-1")
		return err == nil && st.State == StateStopped.String()
	}, "loop to give up after failed reconnect")

	if got := opener.openCount(); got != 2 {
		t.Fatalf("open attempts = %d, want 2 (initial + one reconnect)", got)
	}
	st, _ := m.Status("cam-1")
	if st.LastError == "" {
		t.Fatal("expected non-empty last error after failed reconnect")
	}
}

func TestReconnectResumesStreaming(t *testing.T) {
	opener := &fakeOpener{open: func(attempt int) (Conn, error) {
		if attempt == 1 {
			return failingConn(), nil
		}
		return steadyConn(), nil
	}}
	m := NewManager(context.Background(), opener, testCaptureConfig())
	defer m.Close()

	if err := m.AddSource(testSource("cam-1")); err != nil {
		t.Fatal(err)
	}
	if err := m.StartSource("cam-1"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		st, err := m.Status("cam-1")
		return err == nil && st.FrameCount > 0 && st.State == StateStreaming.String()
	}, "frames after reconnect")

	if got := opener.openCount(); got != 2 {
		t.Fatalf("open attempts = %d, want 2", got)
	}
}

func TestCallbackFailuresDoNotStopCapture(t *testing.T) {
	opener := &fakeOpener{open: func(int) (Conn, error) { return steadyConn(), nil }}
	m := NewManager(context.Background(), opener, testCaptureConfig())
	defer m.Close()

	if err := m.AddSource(testSource("cam-1")); err != nil {
		t.Fatal(err)
	}

	var panics, seen atomic.Int64
	if err := m.RegisterFrameCallback("cam-1", func(string, *frame.Frame) error {
		panics.Add(1)
		panic("callback exploded")
	}); err != nil {
		t.Fatal(err)
	}
	if err := m.RegisterFrameCallback("cam-1", func(string, *frame.Frame) error {
		seen.Add(1)
		return fmt.Errorf("transient handler error")
	}); err != nil {
		t.Fatal(err)
	}

	if err := m.StartSource("cam-1"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool { return panics.Load() >= 5 }, "repeated callback panics")

	// The panicking callback must not starve the later one or capture itself.
	if seen.Load() < 5 {
		t.Fatalf("second callback ran %d times, want >= 5", seen.Load())
	}
	st, _ := m.Status("cam-1")
	if st.State != StateStreaming.String() {
		t.Fatalf("capture state = %s, want streaming", st.State)
	}
	if st.BufferedFrames == 0 {
		t.Fatal("expected frames to keep buffering despite callback panics")
	}
}

func TestFrameHistoryOrderAndLatest(t *testing.T) {
	opener := &fakeOpener{open: func(int) (Conn, error) { return steadyConn(), nil }}
	m := NewManager(context.Background(), opener, testCaptureConfig())
	defer m.Close()

	if err := m.AddSource(testSource("cam-1")); err != nil {
		t.Fatal(err)
	}
	if err := m.StartSource("cam-1"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		st, err := m.Status("cam-1")
		return err == nil && st.FrameCount >= 8
	}, "enough frames")
	if err := m.StopSource("cam-1"); err != nil {
		t.Fatal(err)
	}

	history, err := m.GetFrameHistory("cam-1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	for i := 1; i < len(history); i++ {
		if history[i].Sequence != history[i-1].Sequence+1 {
			t.Fatalf("history out of order: %d then %d",
				history[i-1].Sequence, history[i].Sequence)
		}
	}

	latest, err := m.GetLatestFrame("cam-1")
	if err != nil {
		t.Fatal(err)
	}
	if latest.Sequence != history[2].Sequence {
		t.Fatalf("latest sequence %d != newest history sequence %d",
			latest.Sequence, history[2].Sequence)
	}
}

func TestStatusUnknownSource(t *testing.T) {
	m := NewManager(context.Background(), &fakeOpener{}, testCaptureConfig())
	defer m.Close()

	if _, err := m.Status("ghost"); !errors.Is(err, ErrSourceNotFound) {
		t.Fatalf("got %v, want ErrSourceNotFound", err)
	}
}
