package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/arguscam/argus/internal/config"
	"github.com/arguscam/argus/internal/detect"
)

const kafkaProduceTimeout = 5 * time.Second

// KafkaSink publishes results to the detection event topic. Records are
// keyed by source so each camera's events stay ordered within a partition.
type KafkaSink struct {
	client *kgo.Client
	topic  string
	logger *zap.Logger
}

// NewKafkaSink connects to the brokers and verifies reachability.
func NewKafkaSink(ctx context.Context, cfg config.KafkaConfig) (*KafkaSink, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.DefaultProduceTopic(cfg.Topic),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("kafka ping %v: %w", cfg.Brokers, err)
	}
	return &KafkaSink{
		client: client,
		topic:  cfg.Topic,
		logger: zap.L().Named("sink.kafka"),
	}, nil
}

func (s *KafkaSink) Name() string { return "kafka" }

// Publish produces the result synchronously so delivery failures surface in
// the fan-out counters instead of vanishing into a buffer.
func (s *KafkaSink) Publish(ctx context.Context, r *detect.Result) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, kafkaProduceTimeout)
	defer cancel()

	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte("source_" + r.SourceID),
		Value: payload,
	}
	if err := s.client.ProduceSync(pctx, record).FirstErr(); err != nil {
		return fmt.Errorf("kafka produce: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	s.client.Close()
	return nil
}
