package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arguscam/argus/internal/config"
	"github.com/arguscam/argus/internal/frame"
	"github.com/arguscam/argus/internal/metrics"
)

// Manager owns the source registry and runs one capture loop per active
// source. Registry mutations (add/remove) are guarded by the manager's map
// lock; everything per-source lives behind that source's own lock so
// unrelated sources never contend.
type Manager struct {
	opener Opener
	cfg    config.CaptureConfig
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	sources map[string]*source

	wg sync.WaitGroup
}

// NewManager creates a Manager. The context bounds the lifetime of every
// capture loop the manager starts.
func NewManager(ctx context.Context, opener Opener, cfg config.CaptureConfig) *Manager {
	mctx, cancel := context.WithCancel(ctx)
	return &Manager{
		opener:  opener,
		cfg:     cfg,
		logger:  zap.L().Named("capture"),
		ctx:     mctx,
		cancel:  cancel,
		sources: make(map[string]*source),
	}
}

// AddSource registers a new source. The id must be unique; re-adding an
// existing id is rejected, not overwritten.
func (m *Manager) AddSource(cfg SourceConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("source id must not be empty")
	}
	m.applyDefaults(&cfg)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sources[cfg.ID]; ok {
		return fmt.Errorf("%w: %s", ErrSourceExists, cfg.ID)
	}
	m.sources[cfg.ID] = newSource(cfg)

	m.logger.Info("source added",
		zap.String("source", cfg.ID),
		zap.String("uri", cfg.Descriptor.URI),
		zap.Float64("frame_rate", cfg.FrameRate),
		zap.Int("buffer_size", cfg.BufferSize))
	return nil
}

// RemoveSource stops the source's capture loop, then deletes all per-source
// state. From the caller's perspective the teardown is atomic: once the call
// returns, the id is gone and cannot be restarted.
func (m *Manager) RemoveSource(id string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}

	// Mark removed first so a racing StartSource cannot revive it.
	s.mu.Lock()
	s.removed = true
	s.mu.Unlock()

	if err := m.StopSource(id); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.sources, id)
	m.mu.Unlock()

	s.buf.Clear()
	s.mu.Lock()
	s.callbacks = nil
	s.mu.Unlock()

	m.logger.Info("source removed", zap.String("source", id))
	return nil
}

// StartSource opens the source's connection and launches its capture loop.
// Starting an already-running source is a no-op. Failure to open leaves the
// source Stopped and is reported to the caller.
func (m *Manager) StartSource(id string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSourceNotFound, id)
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSourceDisabled, id)
	}
	if s.state != StateStopped {
		s.mu.Unlock()
		return nil
	}
	sctx, cancel := context.WithCancel(m.ctx)
	done := make(chan struct{})
	s.state = StateConnecting
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	conn, err := m.opener.Open(sctx, s.cfg)
	if err != nil {
		s.mu.Lock()
		s.state = StateStopped
		s.lastErr = err
		s.cancel = nil
		s.mu.Unlock()
		cancel()
		close(done)
		m.logger.Error("failed to open source",
			zap.String("source", id), zap.Error(err))
		return fmt.Errorf("open source %s: %w", id, err)
	}

	s.mu.Lock()
	s.state = StateStreaming
	s.errors = 0
	s.mu.Unlock()

	metrics.ActiveSources.Inc()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(done)
		defer metrics.ActiveSources.Dec()
		m.runCapture(sctx, s, conn)
	}()

	m.logger.Info("source started", zap.String("source", id))
	return nil
}

// StopSource signals the source's capture loop to stop and waits for it to
// exit. Stopping an already-stopped source is a no-op, not an error.
func (m *Manager) StopSource(id string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done

	m.logger.Info("source stopped", zap.String("source", id))
	return nil
}

// StartAll starts every enabled source concurrently and joins any errors.
func (m *Manager) StartAll() error {
	ids := m.SourceIDs()

	var (
		wg   sync.WaitGroup
		emu  sync.Mutex
		errs []error
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := m.StartSource(id); err != nil && !errors.Is(err, ErrSourceDisabled) {
				emu.Lock()
				errs = append(errs, err)
				emu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// StopAll stops every source concurrently and waits for all loops to exit.
func (m *Manager) StopAll() {
	ids := m.SourceIDs()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = m.StopSource(id) // NotFound only races with remove; ignore
		}(id)
	}
	wg.Wait()
}

// Close stops all sources and releases the manager. Shutdown is not complete
// until every capture loop has exited.
func (m *Manager) Close() {
	m.StopAll()
	m.cancel()
	m.wg.Wait()
}

// RegisterFrameCallback appends a callback for the source's captured frames.
func (m *Manager) RegisterFrameCallback(id string, cb FrameCallback) error {
	if cb == nil {
		return fmt.Errorf("callback must not be nil")
	}
	s, err := m.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.callbacks = append(s.callbacks, cb)
	n := len(s.callbacks)
	s.mu.Unlock()

	m.logger.Debug("frame callback registered",
		zap.String("source", id), zap.Int("callbacks", n))
	return nil
}

// GetLatestFrame returns the most recent buffered frame for the source.
func (m *Manager) GetLatestFrame(id string) (*frame.Frame, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	f, ok := s.buf.Latest()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoFrames, id)
	}
	return f, nil
}

// GetFrameHistory returns up to n recent frames in capture order.
func (m *Manager) GetFrameHistory(id string, n int) ([]*frame.Frame, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return s.buf.Recent(n), nil
}

// Status returns the runtime status of one source.
func (m *Manager) Status(id string) (Status, error) {
	s, err := m.lookup(id)
	if err != nil {
		return Status{}, err
	}
	return s.status(), nil
}

// AllStatuses returns the runtime status of every registered source.
func (m *Manager) AllStatuses() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Status, len(m.sources))
	for id, s := range m.sources {
		out[id] = s.status()
	}
	return out
}

// SourceIDs returns the ids of all registered sources.
func (m *Manager) SourceIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sources))
	for id := range m.sources {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) lookup(id string) (*source, error) {
	m.mu.RLock()
	s, ok := m.sources[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, id)
	}
	return s, nil
}

func (m *Manager) applyDefaults(cfg *SourceConfig) {
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = m.cfg.FrameRate
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = m.cfg.BufferSize
	}
	if cfg.Width <= 0 {
		cfg.Width = m.cfg.Width
	}
	if cfg.Height <= 0 {
		cfg.Height = m.cfg.Height
	}
}

// runCapture is the per-source capture loop. It owns conn exclusively until
// it returns; the deferred cleanup is what releases the handle, so StopSource
// can rely on "done closed" meaning "connection released".
func (m *Manager) runCapture(ctx context.Context, s *source, conn Conn) {
	logger := m.logger.With(zap.String("source", s.cfg.ID))
	defer func() {
		if conn != nil {
			_ = conn.Close()
		}
		s.mu.Lock()
		s.state = StateStopped
		s.cancel = nil
		s.mu.Unlock()
		logger.Info("capture loop exited")
	}()

	interval := rateInterval(s.cfg.FrameRate)
	logger.Info("capture loop running", zap.Duration("frame_interval", interval))

	for {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()

		img, err := conn.Read()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			consecutive := s.recordReadError(err)
			metrics.CaptureErrors.WithLabelValues(s.cfg.ID).Inc()
			logger.Warn("frame read failed",
				zap.Error(err), zap.Int("consecutive_errors", consecutive))

			if consecutive > m.cfg.MaxConsecutiveErrors {
				next, rerr := m.reconnect(ctx, s, conn, logger)
				if rerr != nil {
					conn = nil // reconnect already released the handle
					return
				}
				conn = next
				continue
			}
			if !sleepCtx(ctx, m.cfg.ReadRetryDelay) {
				return
			}
			continue
		}

		f := s.recordFrame(img, time.Now())
		metrics.FramesCaptured.WithLabelValues(s.cfg.ID).Inc()
		s.invokeCallbacks(f, logger)

		if !sleepCtx(ctx, interval-time.Since(start)) {
			return
		}
	}
}

// reconnect performs the single bounded reconnection attempt: release the
// failed connection, wait the cool-down, reopen once. Failure is terminal
// for the loop; a later StartSource call is what retries.
func (m *Manager) reconnect(ctx context.Context, s *source, old Conn, logger *zap.Logger) (Conn, error) {
	s.setState(StateReconnecting)
	metrics.Reconnects.WithLabelValues(s.cfg.ID).Inc()
	_ = old.Close()

	logger.Info("reconnecting source", zap.Duration("cool_down", m.cfg.ReconnectCoolDown))
	if !sleepCtx(ctx, m.cfg.ReconnectCoolDown) {
		return nil, ctx.Err()
	}

	s.setState(StateConnecting)
	conn, err := m.opener.Open(ctx, s.cfg)
	if err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		logger.Error("reconnect failed, source stopping", zap.Error(err))
		return nil, fmt.Errorf("reconnect %s: %w", s.cfg.ID, err)
	}

	s.mu.Lock()
	s.errors = 0
	s.state = StateStreaming
	s.mu.Unlock()
	logger.Info("source reconnected")
	return conn, nil
}

func rateInterval(fps float64) time.Duration {
	if fps <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / fps)
}

// sleepCtx sleeps for d unless the context is cancelled first. It returns
// false when the sleep was interrupted, which bounds shutdown latency to one
// frame interval.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
