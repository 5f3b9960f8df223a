package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/arguscam/argus/internal/config"
	"github.com/arguscam/argus/internal/detect"
)

// RedisSink caches recent results under a per-source, per-timestamp key with
// a TTL, so the backend can serve "what happened in the last hour" queries
// without replaying the event stream.
type RedisSink struct {
	client *redis.Client
	cfg    config.RedisConfig
	logger *zap.Logger
}

// NewRedisSink connects to Redis and verifies the connection.
func NewRedisSink(ctx context.Context, cfg config.RedisConfig) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return &RedisSink{
		client: client,
		cfg:    cfg,
		logger: zap.L().Named("sink.redis"),
	}, nil
}

func (s *RedisSink) Name() string { return "redis" }

// Publish caches the result. The encoded frame is dropped from the cached
// record; it lives in object storage, not Redis.
func (s *RedisSink) Publish(ctx context.Context, r *detect.Result) error {
	cached := *r
	cached.FrameJPEG = nil

	payload, err := json.Marshal(&cached)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	key := fmt.Sprintf("detection:%s:%d", r.SourceID, r.Timestamp.Unix())
	if err := s.client.Set(ctx, key, payload, s.cfg.TTL).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
