package sink

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/arguscam/argus/internal/config"
	"github.com/arguscam/argus/internal/detect"
)

const wsWriteTimeout = 10 * time.Second

// wsEnvelope is the wire format the backend expects.
type wsEnvelope struct {
	Type      string         `json:"type"`
	Data      *detect.Result `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
}

// WSSink forwards results to the backend over a WebSocket. The connection is
// owned by a background goroutine that redials with a constant backoff; when
// all redial attempts are exhausted the sink goes dark and drops results.
type WSSink struct {
	cfg    config.BackendConfig
	logger *zap.Logger

	sendCh  chan *detect.Result
	cancel  context.CancelFunc
	done    chan struct{}
	dropped atomic.Int64
}

// NewWSSink starts the forwarder. The first connection is established in the
// background so a slow backend does not block startup.
func NewWSSink(ctx context.Context, cfg config.BackendConfig) *WSSink {
	sctx, cancel := context.WithCancel(ctx)
	s := &WSSink{
		cfg:    cfg,
		logger: zap.L().Named("sink.ws"),
		sendCh: make(chan *detect.Result, 64),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(sctx)
	return s
}

func (s *WSSink) Name() string { return "websocket" }

// Publish queues the result for forwarding. When the queue is full the
// result is dropped so detection loops never block on a slow backend.
func (s *WSSink) Publish(_ context.Context, r *detect.Result) error {
	select {
	case s.sendCh <- r:
		return nil
	default:
		if n := s.dropped.Add(1); n%100 == 1 {
			s.logger.Warn("forward queue full, dropping results",
				zap.Int64("dropped_total", n))
		}
		return nil
	}
}

// Dropped reports results discarded because the forward queue was full.
func (s *WSSink) Dropped() int64 { return s.dropped.Load() }

func (s *WSSink) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *WSSink) run(ctx context.Context) {
	defer close(s.done)

	for ctx.Err() == nil {
		conn, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("backend unreachable, forwarding disabled", zap.Error(err))
			}
			return
		}
		s.logger.Info("connected to backend", zap.String("url", s.cfg.WSURL))
		s.serve(ctx, conn)
	}
}

// connect dials the backend, retrying on a fixed interval up to the
// configured attempt limit.
func (s *WSSink) connect(ctx context.Context) (*websocket.Conn, error) {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewConstantBackOff(s.cfg.ReconnectInterval),
			uint64(s.cfg.MaxReconnectAttempts)),
		ctx)

	return backoff.RetryWithData(func() (*websocket.Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.WSURL, nil)
		if err != nil {
			s.logger.Warn("backend dial failed, retrying",
				zap.String("url", s.cfg.WSURL), zap.Error(err))
			return nil, fmt.Errorf("dial %s: %w", s.cfg.WSURL, err)
		}
		return conn, nil
	}, policy)
}

// serve pushes queued results over the connection until it breaks or the
// sink shuts down. Returning hands control back to run for a redial.
func (s *WSSink) serve(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return

		case err := <-readErr:
			s.logger.Warn("backend connection lost", zap.Error(err))
			return

		case <-ping.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.logger.Warn("backend ping failed", zap.Error(err))
				return
			}

		case r := <-s.sendCh:
			envelope := wsEnvelope{
				Type:      "detection_result",
				Data:      r,
				Timestamp: time.Now(),
				Source:    "argus",
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(&envelope); err != nil {
				s.logger.Warn("result forward failed", zap.Error(err))
				return
			}
		}
	}
}
